package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ociule/mongorc/internal/api"
	"github.com/ociule/mongorc/internal/engine"
	"github.com/ociule/mongorc/internal/engine/enginefake"
)

var errConnectFailed = errors.New("connect failed")

// withFakeExit overrides osExit for the duration of a test, recording the
// code it was called with instead of terminating the test binary.
func withFakeExit(t *testing.T) **int {
	t.Helper()
	code := new(*int)
	orig := osExit
	osExit = func(c int) { *code = &c }
	t.Cleanup(func() { osExit = orig })
	return code
}

func newConsensusReconciler(t *testing.T, fake *enginefake.Fake) *Reconciler {
	reg := registryServer(t)
	t.Cleanup(reg.Close)
	return testReconciler(t, fake, reg)
}

func TestCheckConsensusNoMajorityWithSinglePeer(t *testing.T) {
	otherPrimary := "10.0.0.2:27017"
	srv := peerServer(t, &otherPrimary, false, nil)
	defer srv.Close()
	host, port := hostPortOf(t, srv)

	fake := enginefake.New("10.0.0.1:27017")
	fake.Primary = true

	r := newConsensusReconciler(t, fake)
	r.Cfg.ExternalAPIPort = port

	// total = 2 (self + 1 peer), threshold = 2: one peer's vote alone
	// can never reach the threshold, so this must never report split-brain.
	splitBrain, err := r.checkConsensus(context.Background(), []peer{{Address: "10.0.0.2", Hostname: host}})
	require.NoError(t, err)
	assert.False(t, splitBrain)
}

func TestCheckConsensusMajorityAgreesOnOtherPrimary(t *testing.T) {
	otherPrimary := "10.0.0.2:27017"
	srv := peerServer(t, &otherPrimary, false, nil)
	defer srv.Close()
	host, port := hostPortOf(t, srv)

	fake := enginefake.New("10.0.0.1:27017")
	fake.Primary = true

	r := newConsensusReconciler(t, fake)
	r.Cfg.ExternalAPIPort = port

	// total = 3 (self + 2 peers), threshold = 2. Both peers answer from
	// the same listener and both vote for 10.0.0.2, reaching the
	// threshold even though self isn't among the voters.
	peers := []peer{
		{Address: "10.0.0.2", Hostname: host},
		{Address: "10.0.0.3", Hostname: host},
	}
	splitBrain, err := r.checkConsensus(context.Background(), peers)
	require.NoError(t, err)
	assert.True(t, splitBrain, "two of three nodes agreeing on a different primary is a majority")
}

func TestCheckConsensusUnreachablePeersAbstain(t *testing.T) {
	fake := enginefake.New("10.0.0.1:27017")
	fake.Primary = true

	r := newConsensusReconciler(t, fake)
	r.Cfg.ExternalAPIPort = "1" // nothing listens here

	peers := []peer{
		{Address: "10.0.0.2", Hostname: "127.0.0.1"},
		{Address: "10.0.0.3", Hostname: "127.0.0.1"},
	}
	splitBrain, err := r.checkConsensus(context.Background(), peers)
	require.NoError(t, err)
	assert.False(t, splitBrain)
}

func TestSplitBrainRecoveryPhaseOneSucceeds(t *testing.T) {
	fake := enginefake.New("10.0.0.1:27017")
	fake.State = engine.EngineState{Kind: engine.KindInitialized}

	r := newConsensusReconciler(t, fake)
	code := withFakeExit(t)

	err := r.splitBrainRecovery(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.StepDownCalls)
	assert.Nil(t, *code, "phase one success must not escalate to nuclear resync")
}

func TestSplitBrainRecoveryEscalatesWhenReconnectFails(t *testing.T) {
	fake := enginefake.New("10.0.0.1:27017")
	fake.ConnectErr = errConnectFailed
	fake.Oplog = &engine.OplogTimestamp{Seconds: 50, Counter: 0}

	newerTS := &api.OplogTimestampWire{Time: 200, Counter: 0}
	srv := peerServer(t, nil, false, newerTS)
	defer srv.Close()
	host, port := hostPortOf(t, srv)

	r := newConsensusReconciler(t, fake)
	r.Cfg.ExternalAPIPort = port
	r.Cfg.MongoPIDFile = filepath.Join(t.TempDir(), "mongod.lock")
	r.Cfg.MongoDataDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(r.Cfg.MongoDataDir, "WiredTiger"), []byte("x"), 0o644))

	code := withFakeExit(t)

	err := r.splitBrainRecovery(context.Background(), []peer{{Address: "10.0.0.2", Hostname: host}})
	require.NoError(t, err)
	require.NotNil(t, *code, "a peer holding newer data must trigger the wipe-and-exit path")
	assert.Equal(t, 1, **code)

	entries, err := os.ReadDir(r.Cfg.MongoDataDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "data directory must be emptied before exit")
}

func TestNuclearResyncAbortsWhenSelfIsNewest(t *testing.T) {
	fake := enginefake.New("10.0.0.1:27017")
	fake.Oplog = &engine.OplogTimestamp{Seconds: 500, Counter: 0}

	olderTS := &api.OplogTimestampWire{Time: 50, Counter: 0}
	srv := peerServer(t, nil, false, olderTS)
	defer srv.Close()
	host, port := hostPortOf(t, srv)

	r := newConsensusReconciler(t, fake)
	r.Cfg.ExternalAPIPort = port
	r.Cfg.MongoDataDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(r.Cfg.MongoDataDir, "WiredTiger"), []byte("x"), 0o644))

	code := withFakeExit(t)

	err := r.nuclearResync(context.Background(), []peer{{Address: "10.0.0.2", Hostname: host}})
	require.NoError(t, err)
	assert.Nil(t, *code, "self holding the newest data must never wipe or exit")

	entries, err := os.ReadDir(r.Cfg.MongoDataDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "data directory must be left untouched")
}

func TestWipeAndExitClearsDataDirAndExits(t *testing.T) {
	fake := enginefake.New("10.0.0.1:27017")

	r := newConsensusReconciler(t, fake)
	r.Cfg.MongoPIDFile = filepath.Join(t.TempDir(), "mongod.lock")
	r.Cfg.MongoDataDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(r.Cfg.MongoDataDir, "a"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(r.Cfg.MongoDataDir, "sub"), 0o755))

	code := withFakeExit(t)

	err := r.wipeAndExit(context.Background())
	require.NoError(t, err)
	require.NotNil(t, *code)
	assert.Equal(t, 1, **code)

	entries, err := os.ReadDir(r.Cfg.MongoDataDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
