// Package bootstrap runs the single-pass startup procedure that gets the
// local engine into a replica set: identity resolution, discovery,
// founder election, and replica-set initiation.
package bootstrap

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/inconshreveable/log15"

	"github.com/ociule/mongorc/internal/api"
	"github.com/ociule/mongorc/internal/config"
	"github.com/ociule/mongorc/internal/engine"
	"github.com/ociule/mongorc/internal/hostsfile"
	"github.com/ociule/mongorc/internal/identity"
	"github.com/ociule/mongorc/internal/reconcile"
	"github.com/ociule/mongorc/internal/registry"
)

const (
	selfHealthRetries  = 3
	selfHealthInterval = 2 * time.Second
)

// jitterMax, founderWait, and founderPollEvery are vars, not consts, so
// tests can shrink them to exercise the startup-jitter and
// admission-wait-expiry paths without actually waiting real minutes.
var (
	jitterMax        = 10 * time.Second
	founderWait      = 5 * time.Minute
	founderPollEvery = 10 * time.Second
)

// Coordinator runs the bootstrap procedure once, to completion.
type Coordinator struct {
	Cfg        *config.Config
	Resolver   *identity.Resolver
	Engine     engine.Engine
	Registry   *registry.Client
	Hosts      *hostsfile.Manager
	Peers      *api.Client
	Reconciler *reconcile.Reconciler
	Logger     log15.Logger

	// Self is populated by Run once identity resolution completes.
	Self identity.Self
}

// New builds a Coordinator from the controller's shared components.
func New(cfg *config.Config, resolver *identity.Resolver, eng engine.Engine, reg *registry.Client, hosts *hostsfile.Manager, peers *api.Client, logger log15.Logger) *Coordinator {
	return &Coordinator{
		Cfg:      cfg,
		Resolver: resolver,
		Engine:   eng,
		Registry: reg,
		Hosts:    hosts,
		Peers:    peers,
		Logger:   logger.New("component", "bootstrap"),
	}
}

// Run executes the full bootstrap sequence described in the component
// design: identity resolution and hosts writes, startup jitter, engine
// connection, and a branch on observed state that either reconnects
// authenticated, confirms an already-initialized set, or runs discovery
// and founder election to initialize a fresh one.
func (c *Coordinator) Run(ctx context.Context) error {
	members, err := c.Registry.FetchMembers(ctx)
	if err != nil {
		c.Logger.Warn("initial registry fetch failed, proceeding with no known peers", "err", err)
		members = nil
	}

	self, err := c.Resolver.Resolve(ctx, members)
	if err != nil {
		return err
	}
	c.Self = self
	c.Logger.Info("resolved identity", "address", self.Address, "hostname", self.Hostname)

	selfAddr := "127.0.0.1"
	if c.Cfg.LocalTesting {
		selfAddr = self.Address
	}
	if err := c.Hosts.EnsureSelf(self.Hostname, selfAddr); err != nil {
		return err
	}
	if err := c.Hosts.EnsureHostsFileFirst(); err != nil {
		c.Logger.Warn("failed to rewrite name-service switch config", "err", err)
	}
	peers := peersFromMembers(self, members)
	for _, p := range peers {
		if err := c.Hosts.EnsurePeer(p.Hostname, p.Address); err != nil {
			c.Logger.Warn("failed to write peer hosts entry", "peer", p.Address, "err", err)
		}
	}

	if len(peers) > 0 {
		c.sleep(ctx, time.Duration(rand.Int63n(int64(jitterMax))))
	}

	if err := c.Engine.Connect(ctx); err != nil {
		return err
	}

	state, err := c.Engine.Status(ctx)
	if err != nil {
		return err
	}

	switch state.Kind {
	case engine.KindNeedsAuth:
		c.Logger.Info("engine requires authentication, reconnecting")
		return c.Engine.Connect(ctx)

	case engine.KindInitialized:
		c.Logger.Info("engine already initialized")
		if err := c.ensureAuthenticated(ctx); err != nil {
			return err
		}
		if state.PrimaryHost == "" && !c.anyPeerReachable(ctx, peers) {
			c.Logger.Warn("no primary and no reachable peer at bootstrap, attempting single-member self-heal")
			if err := c.Reconciler.SingleMemberSelfHeal(ctx, members); err != nil {
				return err
			}
		}
		return c.Reconciler.StalePrimaryCheck(ctx, members)

	default: // KindNotInitialized
		return c.bootstrapFresh(ctx, members, peers)
	}
}

func (c *Coordinator) ensureAuthenticated(ctx context.Context) error {
	if a, ok := c.Engine.(interface{ Authenticated() bool }); ok && a.Authenticated() {
		return nil
	}
	return c.Engine.Connect(ctx)
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

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

// bootstrapFresh runs discovery-before-init and, failing that, founder
// election, when the local engine reports no replica set yet. A peer-led
// set sighting is sticky: once any peer has reported KindInitialized, this
// node must never fall through to founder election, even if the admission
// wait expires without this node joining — it keeps retrying authentication
// against the set it knows exists instead of initiating a competing one.
func (c *Coordinator) bootstrapFresh(ctx context.Context, members []string, peers []peer) error {
	led, sawPeerSet, err := c.waitForPeerLedSet(ctx, peers)
	if err != nil {
		return err
	}
	if sawPeerSet {
		if led {
			c.Logger.Info("joined a peer-led replica set")
		} else {
			c.Logger.Warn("admission wait for a known peer-led set expired, retrying authentication instead of founding")
		}
		return c.ensureAuthenticated(ctx)
	}

	return c.foundOrWait(ctx, members, peers)
}

// waitForPeerLedSet implements discovery-before-init: if any peer already
// reports an initialized set, this node is not a founder, and instead
// waits up to founderWait for the peer-led set to include it. sawPeerSet
// is true whenever a peer-led set was ever observed, regardless of whether
// this node was admitted before the wait expired — callers must treat that
// as exclusive of founder election.
func (c *Coordinator) waitForPeerLedSet(ctx context.Context, peers []peer) (led, sawPeerSet bool, err error) {
	anyInitialized := false
	for _, p := range peers {
		resp, ok := c.Peers.Status(ctx, p.Hostname, c.Cfg.ExternalAPIPort)
		if !ok {
			continue
		}
		if resp.Kind == engine.KindInitialized.String() {
			anyInitialized = true
			break
		}
	}
	if !anyInitialized {
		return false, false, nil
	}

	deadline := time.Now().Add(founderWait)
	c.Logger.Info("a peer already leads an initialized set, waiting to be admitted", "deadline", humanize.Time(deadline))
	for time.Now().Before(deadline) {
		state, statusErr := c.Engine.Status(ctx)
		if statusErr == nil && state.Kind == engine.KindInitialized {
			return true, true, nil
		}
		select {
		case <-ctx.Done():
			return false, true, ctx.Err()
		case <-time.After(founderPollEvery):
		}
	}
	return false, true, nil
}

// foundOrWait runs founder election: a self-reachable node checks whether
// it is the smallest address in the known set, and if so initiates the
// replica set. Otherwise it waits for the founder, re-probing reachability
// and taking over if the wait expires.
func (c *Coordinator) foundOrWait(ctx context.Context, members []string, peers []peer) error {
	selfReachable := c.probeSelfReachable(ctx)
	if selfReachable && c.isSmallestAddress(members) {
		return c.found(ctx)
	}

	deadline := time.Now().Add(founderWait)
	c.Logger.Info("not the founder, waiting", "self_reachable", selfReachable, "deadline", humanize.Time(deadline))
	for time.Now().Before(deadline) {
		state, err := c.Engine.Status(ctx)
		if err == nil && state.Kind == engine.KindInitialized {
			return c.ensureAuthenticated(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(founderPollEvery):
		}
	}

	c.Logger.Warn("founder wait expired, re-probing reachability for takeover")
	selfReachable = c.probeSelfReachable(ctx)
	reachable := c.reachablePeerAddresses(ctx, peers)
	if selfReachable && c.isSmallestAddress(reachable) {
		c.Logger.Warn("taking over as founder after wait expiry")
		return c.found(ctx)
	}

	return nil
}

func (c *Coordinator) found(ctx context.Context) error {
	c.Logger.Info("founding replica set")
	if err := c.Engine.Initiate(ctx, c.Self.Hostname); err != nil {
		return err
	}
	if c.Cfg.RootUsername != "" {
		if err := c.Engine.CreateRootUser(ctx, c.Cfg.RootUsername, c.Cfg.RootPassword); err != nil {
			return err
		}
	}
	return nil
}

// probeSelfReachable checks the self-reachability precondition for
// founding: this node must be able to reach its own /health endpoint via
// its own derived hostname, proving the hostname indirection actually
// resolves to something reachable.
func (c *Coordinator) probeSelfReachable(ctx context.Context) bool {
	for i := 0; i < selfHealthRetries; i++ {
		if c.Peers.Health(ctx, c.Self.Hostname, c.Cfg.ExternalAPIPort) {
			return true
		}
		if i < selfHealthRetries-1 {
			c.sleep(ctx, selfHealthInterval)
		}
	}
	return false
}

// reachablePeerAddresses returns the addresses of peers that answer their
// /health endpoint, used when re-probing reachability after the founder
// wait expires.
func (c *Coordinator) reachablePeerAddresses(ctx context.Context, peers []peer) []string {
	out := []string{c.Self.Address}
	for _, p := range peers {
		if c.Peers.Health(ctx, p.Hostname, c.Cfg.ExternalAPIPort) {
			out = append(out, p.Address)
		}
	}
	return out
}

// anyPeerReachable reports whether any other known peer answers its
// /health endpoint — the other half of §4.7d's self-heal trigger
// condition alongside "no primary".
func (c *Coordinator) anyPeerReachable(ctx context.Context, peers []peer) bool {
	for _, p := range peers {
		if c.Peers.Health(ctx, p.Hostname, c.Cfg.ExternalAPIPort) {
			return true
		}
	}
	return false
}

// isSmallestAddress reports whether self's address sorts first among
// candidates. An empty candidate set trivially makes self the founder —
// there is no one else to defer to.
func (c *Coordinator) isSmallestAddress(candidates []string) bool {
	if len(candidates) == 0 {
		return true
	}
	sorted := make([]string, len(candidates))
	copy(sorted, candidates)
	sort.Strings(sorted)
	return sorted[0] == c.Self.Address
}
