// Package hostsfile maintains the local name resolution entries that make
// the hostname indirection in internal/identity work: this node's own
// hostname resolves to loopback, peer hostnames resolve to their real
// addresses.
package hostsfile

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/inconshreveable/log15"
)

// Manager mutates a hosts file and a name-service switch config file.
// Mutation is an idempotent append: an entry is written only if its
// hostname is not already present, so concurrent callers (bootstrap and
// the reconciler both write peer entries) never race on correctness.
type Manager struct {
	mu sync.Mutex

	HostsPath    string
	NSSwitchPath string
	Logger       log15.Logger
}

// New returns a Manager operating on the given hosts file path. An empty
// nsswitchPath disables the one-shot nsswitch rewrite (useful in tests).
func New(hostsPath, nsswitchPath string, logger log15.Logger) *Manager {
	return &Manager{
		HostsPath:    hostsPath,
		NSSwitchPath: nsswitchPath,
		Logger:       logger.New("component", "hostsfile"),
	}
}

// EnsureSelf writes this node's own entry, pointing its derived hostname at
// the given loopback-or-private address. Invariant: exactly one hostname
// ever maps to 127.0.0.1 in the file — this node's own — which holds
// because EnsureSelf is only ever called once per process with the same
// hostname.
func (m *Manager) EnsureSelf(hostname, addr string) error {
	return m.ensure(hostname, addr)
}

// EnsurePeer writes a peer's entry, mapping its derived hostname to its
// externally-routable address.
func (m *Manager) EnsurePeer(hostname, addr string) error {
	return m.ensure(hostname, addr)
}

// EnsurePeers writes entries for every peer in one pass, skipping self.
func (m *Manager) EnsurePeers(selfHostname string, peers map[string]string) error {
	for hostname, addr := range peers {
		if hostname == selfHostname {
			continue
		}
		if err := m.EnsurePeer(hostname, addr); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) ensure(hostname, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	present, err := m.contains(hostname)
	if err != nil {
		return fmt.Errorf("hostsfile: reading %s: %w", m.HostsPath, err)
	}
	if present {
		return nil
	}

	f, err := os.OpenFile(m.HostsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("hostsfile: opening %s: %w", m.HostsPath, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %s\n", addr, hostname); err != nil {
		return fmt.Errorf("hostsfile: writing entry for %s: %w", hostname, err)
	}

	m.Logger.Info("added hosts entry", "hostname", hostname, "addr", addr)
	return nil
}

func (m *Manager) contains(hostname string) (bool, error) {
	f, err := os.Open(m.HostsPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		for _, f := range fields[1:] {
			if f == hostname {
				return true, nil
			}
		}
	}
	return false, scanner.Err()
}

// EnsureHostsFileFirst rewrites the name-service switch configuration so
// hostname lookups prefer the hosts file over DNS. This is a one-shot
// rewrite performed at startup; it is a no-op if NSSwitchPath is empty.
func (m *Manager) EnsureHostsFileFirst() error {
	if m.NSSwitchPath == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	contents, err := os.ReadFile(m.NSSwitchPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("hostsfile: reading %s: %w", m.NSSwitchPath, err)
	}

	lines := strings.Split(string(contents), "\n")
	rewritten := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "hosts:") {
			lines[i] = "hosts:          files dns"
			rewritten = true
		}
	}
	if !rewritten {
		lines = append(lines, "hosts:          files dns")
	}

	if err := os.WriteFile(m.NSSwitchPath, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		return fmt.Errorf("hostsfile: writing %s: %w", m.NSSwitchPath, err)
	}

	m.Logger.Info("rewrote name-service switch to prefer hosts file")
	return nil
}
