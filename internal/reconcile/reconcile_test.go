package reconcile

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ociule/mongorc/internal/api"
	"github.com/ociule/mongorc/internal/config"
	"github.com/ociule/mongorc/internal/engine"
	"github.com/ociule/mongorc/internal/engine/enginefake"
	"github.com/ociule/mongorc/internal/hostsfile"
	"github.com/ociule/mongorc/internal/identity"
	"github.com/ociule/mongorc/internal/registry"
)

func discardLogger() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}

func testReconciler(t *testing.T, fake *enginefake.Fake, regServer *httptest.Server) *Reconciler {
	self := identity.Self{Address: "10.0.0.1", Hostname: identity.Hostname("10.0.0.1")}
	cfg := &config.Config{
		ReplicaSetName:  "rs0",
		MongoPort:       "27017",
		APIPort:         "3000",
		ExternalAPIPort: "3000",
	}
	reg := registry.New(regServer.URL, "mongo-cluster", discardLogger())
	hosts := hostsfile.New(t.TempDir()+"/hosts", "", discardLogger())
	return New(self, cfg, fake, reg, hosts, api.NewClient(discardLogger()), discardLogger())
}

func registryServer(t *testing.T, ips ...string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/apps/location/mongo-cluster", func(w http.ResponseWriter, r *http.Request) {
		type entry struct {
			IP string `json:"ip"`
		}
		entries := make([]entry, len(ips))
		for i, ip := range ips {
			entries[i] = entry{IP: ip}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"data":   entries,
		})
	})
	return httptest.NewServer(mux)
}

// peerServer fakes a peer's /primary and /oplog endpoints, keyed by
// hostname so the caller's net.JoinHostPort(hostname, port) resolves to
// this listener via the URL's own host:port, not the real hostname.
func peerServer(t *testing.T, primary *string, isPrimary bool, ts *api.OplogTimestampWire) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/primary", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.PrimaryResponse{Primary: primary, IsPrimary: isPrimary})
	})
	mux.HandleFunc("/oplog", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.OplogResponse{Timestamp: ts})
	})
	return httptest.NewServer(mux)
}

func hostPortOf(t *testing.T, ts *httptest.Server) (string, string) {
	t.Helper()
	host, port, err := net.SplitHostPort(strings.TrimPrefix(ts.URL, "http://"))
	require.NoError(t, err)
	return host, port
}

func TestCycleSkipsWhenNotPrimary(t *testing.T) {
	fake := enginefake.New("10.0.0.1:27017")
	fake.Primary = false

	reg := registryServer(t, "10.0.0.1")
	defer reg.Close()

	r := testReconciler(t, fake, reg)
	err := r.Cycle(context.Background())
	require.NoError(t, err)
	assert.False(t, fake.Initiated)
	assert.Empty(t, fake.LastReconfigure.Members)
}

func TestCycleAddsNewMember(t *testing.T) {
	fake := enginefake.New("10.0.0.1:27017")
	fake.Primary = true
	fake.Config = engine.Config{
		ID:      "rs0",
		Version: 1,
		Members: []engine.Member{{ID: 0, Host: "mongo-10-0-0-1.mongo-cluster:27017", Priority: 1}},
	}

	reg := registryServer(t, "10.0.0.1", "10.0.0.2")
	defer reg.Close()

	r := testReconciler(t, fake, reg)
	err := r.Cycle(context.Background())
	require.NoError(t, err)

	require.Len(t, fake.LastReconfigure.Members, 2)
	assert.Equal(t, "mongo-10-0-0-2.mongo-cluster:27017", fake.LastReconfigure.Members[1].Host)
	assert.Equal(t, 1, fake.LastReconfigure.Members[1].ID)
	assert.Equal(t, 2, fake.LastReconfigure.Version)
}

func TestCycleNoopWhenMembershipMatches(t *testing.T) {
	fake := enginefake.New("10.0.0.1:27017")
	fake.Primary = true
	fake.Config = engine.Config{
		ID:      "rs0",
		Version: 3,
		Members: []engine.Member{{ID: 0, Host: "mongo-10-0-0-1.mongo-cluster:27017", Priority: 1}},
	}

	reg := registryServer(t, "10.0.0.1")
	defer reg.Close()

	r := testReconciler(t, fake, reg)
	err := r.Cycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fake.LastReconfigure.Members)
}

func TestCycleSkipsSyncWhenRegistryReturnsEmptyButSuccessful(t *testing.T) {
	fake := enginefake.New("10.0.0.1:27017")
	fake.Primary = true
	fake.Config = engine.Config{
		ID:      "rs0",
		Version: 3,
		Members: []engine.Member{
			{ID: 0, Host: "mongo-10-0-0-1.mongo-cluster:27017", Priority: 1},
			{ID: 1, Host: "mongo-10-0-0-2.mongo-cluster:27017", Priority: 1},
		},
	}

	reg := registryServer(t) // success status, zero members
	defer reg.Close()

	r := testReconciler(t, fake, reg)
	err := r.Cycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fake.LastReconfigure.Members, "an empty-but-successful registry response must never be treated as real depopulation")
	assert.Equal(t, 3, fake.Config.Version, "config must be left untouched when membership sync is skipped")
}

func TestDiffMembershipPreservesExistingIDs(t *testing.T) {
	cfg := engine.Config{
		Members: []engine.Member{
			{ID: 0, Host: "a", Priority: 1},
			{ID: 3, Host: "b", Priority: 1},
		},
	}
	desired := map[string]struct{}{"a": {}, "c": {}}
	toAdd, toRemove := diffMembership(cfg, desired, "a")
	assert.ElementsMatch(t, []string{"c"}, toAdd)
	assert.ElementsMatch(t, []string{"b"}, toRemove)

	newCfg := applyMembership(cfg, toAdd, toRemove)
	require.Len(t, newCfg.Members, 2)

	want := []engine.Member{
		{ID: 0, Host: "a", Priority: 1},
		{ID: 4, Host: "c", Priority: 1}, // max(existing)+1, never reusing 3
	}
	if diff := cmp.Diff(want, newCfg.Members); diff != "" {
		t.Errorf("applyMembership members mismatch (-want +got):\n%s", diff)
	}
}

func TestStalePrimaryCheckStepsDownWhenPeerIsNewer(t *testing.T) {
	newerTS := &api.OplogTimestampWire{Time: 200, Counter: 0}
	peerSrv := peerServer(t, nil, false, newerTS)
	defer peerSrv.Close()
	host, port := hostPortOf(t, peerSrv)

	fake := enginefake.New("10.0.0.1:27017")
	fake.Primary = true
	fake.Oplog = &engine.OplogTimestamp{Seconds: 100, Counter: 0}

	r := testReconciler(t, fake, registryServer(t))
	defer r.Registry.HTTP.CloseIdleConnections()

	r.Cfg.ExternalAPIPort = port
	err := r.stalePrimaryCheck(context.Background(), []peer{{Address: "10.0.0.2", Hostname: host}})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.StepDownCalls)
}

func TestNewestIsSelfTrueWhenNoPeerIsNewer(t *testing.T) {
	olderTS := &api.OplogTimestampWire{Time: 50, Counter: 0}
	peerSrv := peerServer(t, nil, false, olderTS)
	defer peerSrv.Close()
	host, port := hostPortOf(t, peerSrv)

	fake := enginefake.New("10.0.0.1:27017")
	fake.Oplog = &engine.OplogTimestamp{Seconds: 100, Counter: 0}

	r := testReconciler(t, fake, registryServer(t))
	r.Cfg.ExternalAPIPort = port

	self, err := r.newestIsSelf(context.Background(), []peer{{Address: "10.0.0.2", Hostname: host}})
	require.NoError(t, err)
	assert.True(t, self)
}
