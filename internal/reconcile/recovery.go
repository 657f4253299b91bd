package reconcile

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ociule/mongorc/internal/engine"
	"github.com/ociule/mongorc/internal/enginemgmt"
)

func engineErrorIs(err error, target error) bool {
	return errors.Is(err, target)
}

// oplogTime converts an engine oplog timestamp's seconds component to a
// time.Time, for rendering a human-legible lag between two timestamps.
func oplogTime(ts engine.OplogTimestamp) time.Time {
	return time.Unix(int64(ts.Seconds), 0)
}

// checkConsensus queries every peer's opinion of the primary and tallies
// votes by claimed primary hostname. It returns true when a majority of
// all known nodes agrees on a primary other than self.
func (r *Reconciler) checkConsensus(ctx context.Context, peers []peer) (bool, error) {
	total := len(peers) + 1
	threshold := total/2 + 1
	selfHost := net.JoinHostPort(r.Self.Hostname, r.Cfg.MongoPort)

	votes := make(map[string]int)
	for _, p := range peers {
		resp, ok := r.Peers.Primary(ctx, p.Hostname, r.Cfg.ExternalAPIPort)
		if !ok || resp.Primary == nil {
			continue // unreachable peers abstain, never vote
		}
		votes[*resp.Primary]++
	}

	for host, count := range votes {
		if host != selfHost && count >= threshold {
			return true, nil
		}
	}
	return false, nil
}

// splitBrainRecovery implements phase one (step down, reconnect, poll) and
// falls through to nuclear resync (phase two) if the set does not recover.
func (r *Reconciler) splitBrainRecovery(ctx context.Context, peers []peer) error {
	if err := r.Engine.StepDown(ctx, int(splitBrainStepDown.Seconds())); err != nil {
		r.Logger.Warn("split-brain step-down failed", "err", err)
	}

	_ = r.Engine.Close()
	if err := r.Engine.Connect(ctx); err != nil {
		r.Logger.Warn("split-brain reconnect failed", "err", err)
		return r.nuclearResync(ctx, peers)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := r.Engine.Status(ctx)
		if err == nil && state.Kind == engine.KindInitialized {
			r.Logger.Info("split-brain recovery phase one succeeded")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(statusPollInterval):
		}
	}

	r.Logger.Warn("split-brain recovery phase one did not recover the set, escalating to nuclear resync")
	return r.nuclearResync(ctx, peers)
}

// newestIsSelf implements the nuclear-resync safety gate: it compares
// self's latest oplog timestamp against every reachable peer's and
// reports whether self holds the newest data.
func (r *Reconciler) newestIsSelf(ctx context.Context, peers []peer) (bool, error) {
	selfTS, err := r.Engine.LatestOplog(ctx)
	if err != nil {
		return false, err
	}

	newest := selfTS
	self := true
	for _, p := range peers {
		resp, ok := r.Peers.Oplog(ctx, p.Hostname, r.Cfg.ExternalAPIPort)
		if !ok || resp.Timestamp == nil {
			continue
		}
		ts := engine.OplogTimestamp{Seconds: resp.Timestamp.Time, Counter: resp.Timestamp.Counter}
		if newest == nil || ts.GreaterThan(*newest) {
			newest = &ts
			self = false
		}
	}
	return self, nil
}

// nuclearResync is the last-resort recovery for an irreconcilable
// replica-set split: wipe local data and let an external supervisor
// restart the process into a fresh bootstrap, but only when no peer holds
// data this node would otherwise destroy.
func (r *Reconciler) nuclearResync(ctx context.Context, peers []peer) error {
	safe, err := r.newestIsSelf(ctx, peers)
	if err != nil {
		return err
	}
	if safe {
		r.Logger.Info("nuclear resync aborted: this node holds the newest data, waiting for peers to realign")
		return nil
	}

	r.Logger.Error("nuclear resync proceeding: a peer holds newer data than this node")
	return r.wipeAndExit(ctx)
}

func (r *Reconciler) wipeAndExit(ctx context.Context) error {
	_ = r.Engine.Close()

	if err := enginemgmt.Terminate(r.Cfg.MongoPIDFile); err != nil {
		r.Logger.Warn("failed to signal engine process", "err", err)
	}
	if err := enginemgmt.WaitExited(ctx, r.Cfg.MongoPIDFile, resyncGrace); err != nil {
		r.Logger.Warn("engine process did not exit within grace period", "err", err)
	}

	if err := wipeDataDir(r.Cfg.MongoDataDir); err != nil {
		return err
	}

	r.Logger.Error("data directory wiped, exiting for supervisor restart")
	osExit(1)
	return nil
}

// osExit is os.Exit, indirected so recovery logic can be exercised in
// tests without terminating the test binary.
var osExit = os.Exit

func wipeDataDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o755)
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// stalePrimaryCheck steps this node down if a peer's oplog shows data
// strictly newer than self's while self believes it is primary — the
// signature of a returning, temporarily-partitioned old primary.
func (r *Reconciler) stalePrimaryCheck(ctx context.Context, peers []peer) error {
	if len(peers) == 0 {
		return nil
	}
	if !r.Engine.IsPrimary(ctx) {
		return nil
	}

	selfTS, err := r.Engine.LatestOplog(ctx)
	if err != nil || selfTS == nil {
		return nil
	}

	for _, p := range peers {
		resp, ok := r.Peers.Oplog(ctx, p.Hostname, r.Cfg.ExternalAPIPort)
		if !ok || resp.Timestamp == nil {
			continue
		}
		ts := engine.OplogTimestamp{Seconds: resp.Timestamp.Time, Counter: resp.Timestamp.Counter}
		if ts.GreaterThan(*selfTS) {
			lag := humanize.RelTime(oplogTime(*selfTS), oplogTime(ts), "behind", "ahead")
			r.Logger.Error("stale primary detected, stepping down", "peer", p.Address, "oplog_lag", lag)
			return r.Engine.StepDown(ctx, int(stalePrimaryStepDown.Seconds()))
		}
	}
	return nil
}

// StalePrimaryCheck is the bootstrap coordinator's entry point into the
// same check, run once after a bootstrap that finds the set already
// Initialized.
func (r *Reconciler) StalePrimaryCheck(ctx context.Context, members []string) error {
	return r.stalePrimaryCheck(ctx, peersFromMembers(r.Self, members))
}

// SingleMemberSelfHeal force-reconfigures to a single-member set
// containing only self, guarded by the same safety gate nuclear resync
// uses: it refuses to act if any peer holds newer data than self.
func (r *Reconciler) SingleMemberSelfHeal(ctx context.Context, members []string) error {
	peers := peersFromMembers(r.Self, members)

	safe, err := r.newestIsSelf(ctx, peers)
	if err != nil {
		return err
	}
	if !safe {
		r.Logger.Info("single-member self-heal deferred: a peer holds newer data")
		return nil
	}

	selfHost := net.JoinHostPort(r.Self.Hostname, r.Cfg.MongoPort)
	newCfg := engine.Config{
		ID:      r.Cfg.ReplicaSetName,
		Version: 1,
		Members: []engine.Member{{ID: 0, Host: selfHost, Priority: 1}},
	}

	if cur, err := r.Engine.GetConfig(ctx); err == nil {
		newCfg.Version = cur.Version + 1
		for _, m := range cur.Members {
			if m.Host == selfHost {
				newCfg.Members[0].ID = m.ID
			}
		}
	}

	r.Logger.Warn("single-member self-heal: force-reconfiguring to self only")
	return r.Engine.Reconfigure(ctx, newCfg, true)
}
