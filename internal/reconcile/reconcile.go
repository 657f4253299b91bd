// Package reconcile implements the steady-state loop that keeps the local
// engine's replica-set membership aligned with the registry's view of the
// world, and the split-brain and stale-primary defenses that run
// alongside it.
package reconcile

import (
	"context"
	"net"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/ociule/mongorc/internal/api"
	"github.com/ociule/mongorc/internal/config"
	"github.com/ociule/mongorc/internal/engine"
	"github.com/ociule/mongorc/internal/hostsfile"
	"github.com/ociule/mongorc/internal/identity"
	"github.com/ociule/mongorc/internal/registry"
)

const (
	splitBrainStepDown  = 60 * time.Second
	stalePrimaryStepDown = 300 * time.Second
	resyncGrace          = 5 * time.Second
	statusPollInterval   = 500 * time.Millisecond
)

// Reconciler owns one reconciliation loop for the local node.
type Reconciler struct {
	Self     identity.Self
	Cfg      *config.Config
	Engine   engine.Engine
	Registry *registry.Client
	Hosts    *hostsfile.Manager
	Peers    *api.Client
	Logger   log15.Logger
}

// New builds a Reconciler from the controller's shared components.
func New(self identity.Self, cfg *config.Config, eng engine.Engine, reg *registry.Client, hosts *hostsfile.Manager, peers *api.Client, logger log15.Logger) *Reconciler {
	return &Reconciler{
		Self:     self,
		Cfg:      cfg,
		Engine:   eng,
		Registry: reg,
		Hosts:    hosts,
		Peers:    peers,
		Logger:   logger.New("component", "reconciler"),
	}
}

// Run loops forever on Cfg.ReconcileInterval until ctx is canceled. Each
// cycle's errors are logged and swallowed; the next cycle reconstructs its
// state from scratch, so a failed cycle never needs to be retried
// specially.
func (r *Reconciler) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := r.Cycle(ctx); err != nil {
			r.Logger.Error("reconciliation cycle failed", "err", err)
		}

		timer.Reset(r.Cfg.ReconcileInterval)
	}
}

// peer is one other node the reconciler must reach to derive desired
// membership and to gather consensus/oplog opinions.
type peer struct {
	Address  string
	Hostname string
}

func peersFromMembers(self identity.Self, members []string) []peer {
	out := make([]peer, 0, len(members))
	for _, addr := range members {
		if addr == self.Address {
			continue
		}
		out = append(out, peer{Address: addr, Hostname: identity.Hostname(addr)})
	}
	return out
}

// Cycle runs one reconciliation pass: steps 1-9 of the reconciliation
// design, in order.
func (r *Reconciler) Cycle(ctx context.Context) error {
	// 1. Fetch the registry list; compute desired membership.
	members, err := r.Registry.FetchMembers(ctx)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		// A registry response that succeeds but names no members at all is
		// indistinguishable from a transient registry-side hiccup; acting
		// on it as real depopulation would reconfigure every current peer
		// out of the set in one cycle. Keep last known state and retry on
		// the next poll instead.
		r.Logger.Warn("registry returned no members, skipping membership sync this cycle")
		return nil
	}
	peers := peersFromMembers(r.Self, members)

	// 2. Update peer hosts entries.
	for _, p := range peers {
		if err := r.Hosts.EnsurePeer(p.Hostname, p.Address); err != nil {
			r.Logger.Warn("failed to write peer hosts entry", "peer", p.Address, "err", err)
		}
	}

	// 3. Read is_primary(). If false, skip the cycle.
	if !r.Engine.IsPrimary(ctx) {
		return nil
	}

	// 4. Consensus check, only with more than one known node.
	if len(members) > 1 {
		splitBrain, err := r.checkConsensus(ctx, peers)
		if err != nil {
			r.Logger.Warn("consensus check failed", "err", err)
		}
		if splitBrain {
			r.Logger.Error("split-brain detected: majority of peers disagree on primary")
			return r.finishCycle(ctx, peers, r.splitBrainRecovery(ctx, peers))
		}
	}

	// 5. Membership sync.
	cfg, err := r.Engine.GetConfig(ctx)
	if err != nil {
		return r.finishCycle(ctx, peers, err)
	}
	desired := desiredHosts(r.Self, peers, r.Cfg.MongoPort)
	selfHost := net.JoinHostPort(r.Self.Hostname, r.Cfg.MongoPort)
	toAdd, toRemove := diffMembership(cfg, desired, selfHost)

	if len(toAdd) == 0 && len(toRemove) == 0 {
		return r.stalePrimaryCheck(ctx, peers)
	}

	// 6. Re-verify is_primary(); abort if lost.
	if !r.Engine.IsPrimary(ctx) {
		return r.finishCycle(ctx, peers, nil)
	}

	// 7. Build the new config and submit reconfigure.
	newCfg := applyMembership(cfg, toAdd, toRemove)
	err = r.Engine.Reconfigure(ctx, newCfg, false)
	if err != nil {
		// 8. ReplicaSetMismatch escalates straight to nuclear resync.
		if isReplicaSetMismatch(err) {
			r.Logger.Error("replica set mismatch detected during reconfigure, escalating to nuclear resync", "err", err)
			return r.finishCycle(ctx, peers, r.nuclearResync(ctx, peers))
		}
		return r.finishCycle(ctx, peers, err)
	}

	// 9. Stale-primary self-check, regardless of the outcome above.
	return r.stalePrimaryCheck(ctx, peers)
}

// finishCycle runs the stale-primary self-check unconditionally before
// returning cycleErr, so a failure in steps 3-8 never skips step 9.
func (r *Reconciler) finishCycle(ctx context.Context, peers []peer, cycleErr error) error {
	if scErr := r.stalePrimaryCheck(ctx, peers); scErr != nil {
		r.Logger.Warn("stale-primary check failed", "err", scErr)
	}
	return cycleErr
}

func desiredHosts(self identity.Self, peers []peer, port string) map[string]struct{} {
	out := map[string]struct{}{
		net.JoinHostPort(self.Hostname, port): {},
	}
	for _, p := range peers {
		out[net.JoinHostPort(p.Hostname, port)] = struct{}{}
	}
	return out
}

// diffMembership computes to_add = desired - current and
// to_remove = current - desired - {self}, comparing by host string.
func diffMembership(cfg engine.Config, desired map[string]struct{}, selfHostname string) (toAdd []string, toRemove []string) {
	current := cfg.Hosts()
	for host := range desired {
		if _, ok := current[host]; !ok {
			toAdd = append(toAdd, host)
		}
	}
	for host := range current {
		if _, ok := desired[host]; ok {
			continue
		}
		if host == selfHostname {
			continue
		}
		toRemove = append(toRemove, host)
	}
	return toAdd, toRemove
}

// applyMembership appends new members with _id = max(existing)+1, splices
// out removed members, and increments version. Existing member IDs are
// never renumbered.
func applyMembership(cfg engine.Config, toAdd, toRemove []string) engine.Config {
	removeSet := make(map[string]struct{}, len(toRemove))
	for _, h := range toRemove {
		removeSet[h] = struct{}{}
	}

	members := make([]engine.Member, 0, len(cfg.Members)+len(toAdd))
	for _, m := range cfg.Members {
		if _, removed := removeSet[m.Host]; removed {
			continue
		}
		members = append(members, m)
	}

	nextID := cfg.MaxMemberID() + 1
	for _, host := range toAdd {
		members = append(members, engine.Member{ID: nextID, Host: host, Priority: 1})
		nextID++
	}

	return engine.Config{
		ID:      cfg.ID,
		Members: members,
		Version: cfg.Version + 1,
	}
}

func isReplicaSetMismatch(err error) bool {
	return engineErrorIs(err, engine.ErrReplicaSetMismatch)
}
