// Package identity resolves this node's externally routable address and
// derives the stable hostname every other component uses to refer to it.
//
// The hostname indirection exists because NAT hairpinning typically fails:
// a node usually cannot reach its own public address, so every address is
// wrapped in a hostname that resolves locally via the hosts file — to
// loopback for self, to the real address for peers.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/inconshreveable/log15"
)

// Self describes this node's resolved identity.
type Self struct {
	Address  string
	Hostname string
}

const (
	hostnamePrefix = "mongo-"
	hostnameSuffix = ".mongo-cluster"
)

// Hostname derives the stable, NAT-indirection hostname for an IPv4
// address. Derivation is pure and total on valid dotted-quad input.
func Hostname(addr string) string {
	return hostnamePrefix + strings.ReplaceAll(addr, ".", "-") + hostnameSuffix
}

// ParseHostname recovers the dotted-quad address from a hostname produced
// by Hostname, the inverse of derivation.
func ParseHostname(hostname string) (string, error) {
	if !strings.HasPrefix(hostname, hostnamePrefix) || !strings.HasSuffix(hostname, hostnameSuffix) {
		return "", fmt.Errorf("identity: %q is not a derived hostname", hostname)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(hostname, hostnamePrefix), hostnameSuffix)
	addr := strings.ReplaceAll(body, "-", ".")
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("identity: %q does not decode to a valid address", hostname)
	}
	return addr, nil
}

// Resolver resolves this node's identity following the priority order in
// the component design: local-testing override, operator override, public
// IP probes, then a registry fallback when the registry lists exactly one
// member.
type Resolver struct {
	LocalTesting bool
	Override     string
	ProbeURLs    []string
	ProbeTimeout time.Duration
	HTTPClient   *http.Client
	Logger       log15.Logger
}

// DefaultProbeURLs are the two well-known public-IP discovery endpoints
// probed in order when no override is configured.
var DefaultProbeURLs = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
}

// NewResolver returns a Resolver configured with sensible defaults; callers
// override LocalTesting/Override/ProbeURLs as needed.
func NewResolver(logger log15.Logger) *Resolver {
	return &Resolver{
		ProbeURLs:    DefaultProbeURLs,
		ProbeTimeout: 5 * time.Second,
		HTTPClient:   &http.Client{},
		Logger:       logger.New("component", "identity"),
	}
}

// ErrAmbiguousRegistry is returned when the registry lists more than one
// member, none of which matches a local interface, and no other identity
// source succeeded. The controller cannot safely proceed in this case.
var ErrAmbiguousRegistry = errors.New("identity: multiple registry members and none match a local interface")

// Resolve determines this node's address and hostname. registryMembers is
// used only as a last resort, per priority step 4.
func (r *Resolver) Resolve(ctx context.Context, registryMembers []string) (Self, error) {
	if r.LocalTesting {
		addr, err := firstPrivateInterfaceAddress()
		if err != nil {
			return Self{}, fmt.Errorf("identity: local testing interface lookup: %w", err)
		}
		r.Logger.Info("resolved identity from local interface", "addr", addr)
		return r.self(addr), nil
	}

	if r.Override != "" {
		r.Logger.Info("resolved identity from override", "addr", r.Override)
		return r.self(r.Override), nil
	}

	if addr, err := r.probePublicIP(ctx); err == nil {
		r.Logger.Info("resolved identity from public IP probe", "addr", addr)
		return r.self(addr), nil
	} else {
		r.Logger.Warn("all public IP probes failed", "err", err)
	}

	if len(registryMembers) == 1 {
		r.Logger.Info("resolved identity from registry fallback", "addr", registryMembers[0])
		return r.self(registryMembers[0]), nil
	}
	if len(registryMembers) > 1 {
		if addr, ok := matchLocalInterface(registryMembers); ok {
			r.Logger.Info("resolved identity from registry match against local interface", "addr", addr)
			return r.self(addr), nil
		}
		return Self{}, ErrAmbiguousRegistry
	}

	return Self{}, errors.New("identity: no identity source succeeded and the registry is empty")
}

func (r *Resolver) self(addr string) Self {
	return Self{Address: addr, Hostname: Hostname(addr)}
}

func (r *Resolver) probePublicIP(ctx context.Context) (string, error) {
	var lastErr error
	for _, url := range r.ProbeURLs {
		addr, err := r.probeOne(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		return addr, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no probe URLs configured")
	}
	return "", lastErr
}

func (r *Resolver) probeOne(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}

	buf := make([]byte, 64)
	n, err := resp.Body.Read(buf)
	if err != nil && n == 0 {
		return "", err
	}
	addr := strings.TrimSpace(string(buf[:n]))
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("probe %s: %q is not a valid IPv4 address", url, addr)
	}
	return ip.String(), nil
}

func firstPrivateInterfaceAddress() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || !ip4.IsPrivate() {
			continue
		}
		return ip4.String(), nil
	}
	return "", errors.New("no non-loopback private IPv4 interface found")
}

func matchLocalInterface(candidates []string) (string, bool) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", false
	}
	local := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		local[ipNet.IP.String()] = struct{}{}
	}
	for _, c := range candidates {
		if _, ok := local[c]; ok {
			return c, true
		}
	}
	return "", false
}
