package engine

import (
	"testing"

	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

func discardLogger() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}

func TestClassifyMapsCommandErrorCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unauthorized", mongo.CommandError{Code: codeUnauthorized, Message: "not authorized on admin"}, ErrAuthRequired},
		{"not steppable", mongo.CommandError{Code: codeNotPrimaryNoSteppable, Message: "node is not a member"}, ErrNotPrimary},
		{"replica set mismatch by message", mongo.CommandError{Code: 211, Message: "replica set ID did not match"}, ErrReplicaSetMismatch},
		{"auth message without code", mongo.CommandError{Code: 999, Message: "Authentication failed"}, ErrAuthRequired},
		{"unknown command error", mongo.CommandError{Code: 1, Message: "boom"}, ErrUnknown},
		{"networkish plain error", errPlain("connection refused"), ErrUnreachable},
		{"auth plain error", errPlain("command requires authentication"), ErrAuthRequired},
		{"unknown plain error", errPlain("something else broke"), ErrUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			require.Error(t, got)
			assert.True(t, errorIs(got, tc.want), "classify(%v) = %v, want wrapping %v", tc.err, got, tc.want)
		})
	}
}

func TestClassifyNilIsNil(t *testing.T) {
	assert.NoError(t, classify(nil))
}

func TestHasErrorCode(t *testing.T) {
	err := mongo.CommandError{Code: codeAlreadyInitialized, Message: "already initialized"}
	assert.True(t, hasErrorCode(err, codeAlreadyInitialized))
	assert.False(t, hasErrorCode(err, codeUnauthorized))
	assert.False(t, hasErrorCode(errPlain("no code here"), codeUnauthorized))
}

// errPlain is a bare error with no mongo.CommandError wrapping, standing in
// for the driver's connection/transport errors that never carry a code.
type errPlain string

func (e errPlain) Error() string { return string(e) }

// errorIs is a thin local wrapper so the table above reads as "wraps want"
// without importing both the stdlib and pkg/errors Is under the same name.
func errorIs(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestOplogTimestampCompare(t *testing.T) {
	a := OplogTimestamp{Seconds: 100, Counter: 1}
	b := OplogTimestamp{Seconds: 100, Counter: 2}
	c := OplogTimestamp{Seconds: 101, Counter: 0}

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.True(t, c.GreaterThan(b))
	assert.False(t, a.GreaterThan(b))
	assert.False(t, a.GreaterThan(a))
}

func TestFromPrimitiveTimestamp(t *testing.T) {
	got := fromPrimitiveTimestamp(primitive.Timestamp{T: 42, I: 7})
	assert.Equal(t, OplogTimestamp{Seconds: 42, Counter: 7}, got)
}

func TestConfigRoundTrip(t *testing.T) {
	cfg := Config{
		ID:      "rs0",
		Version: 3,
		Members: []Member{
			{ID: 0, Host: "a:27017", Priority: 1},
			{ID: 2, Host: "b:27017", Priority: 1},
		},
	}

	wire := fromConfig(cfg)
	assert.Equal(t, cfg.ID, wire.ID)
	assert.Equal(t, cfg.Version, wire.Version)
	require.Len(t, wire.Members, 2)
	assert.Equal(t, 2, wire.Members[1].ID)

	back := wire.toConfig()
	assert.Equal(t, cfg, back)
}

func TestConfigMaxMemberID(t *testing.T) {
	assert.Equal(t, -1, Config{}.MaxMemberID())

	cfg := Config{Members: []Member{{ID: 0}, {ID: 5}, {ID: 2}}}
	assert.Equal(t, 5, cfg.MaxMemberID())
}

func TestConfigHasHostAndHosts(t *testing.T) {
	cfg := Config{Members: []Member{{ID: 0, Host: "a:27017"}, {ID: 1, Host: "b:27017"}}}

	assert.True(t, cfg.HasHost("a:27017"))
	assert.False(t, cfg.HasHost("c:27017"))

	hosts := cfg.Hosts()
	assert.Len(t, hosts, 2)
	_, ok := hosts["b:27017"]
	assert.True(t, ok)
}

func TestMemberStateString(t *testing.T) {
	assert.Equal(t, "PRIMARY", StatePrimary.String())
	assert.Equal(t, "SECONDARY", StateSecondary.String())
	assert.Equal(t, "UNKNOWN", MemberState(99).String())
}

func TestStateKindString(t *testing.T) {
	assert.Equal(t, "NotInitialized", KindNotInitialized.String())
	assert.Equal(t, "Initialized", KindInitialized.String())
	assert.Equal(t, "NeedsAuth", KindNeedsAuth.String())
	assert.Equal(t, "Unknown", KindUnknown.String())
}

func TestAdapterAddrAndAuthenticated(t *testing.T) {
	a := NewAdapter("127.0.0.1", "27017", "rs0", discardLogger())
	assert.Equal(t, "127.0.0.1:27017", a.Addr())
	assert.False(t, a.Authenticated())
}

func TestConnectionURIEscapesCredentials(t *testing.T) {
	a := NewAdapter("127.0.0.1", "27017", "rs0", discardLogger())
	a.Username = "root"
	a.Password = "p@ss/word"

	uri := a.connectionURI(true)
	assert.Contains(t, uri, "root:p%40ss%2Fword@127.0.0.1:27017")

	anon := a.connectionURI(false)
	assert.NotContains(t, anon, "@")
	assert.Contains(t, anon, "127.0.0.1:27017")
}

func TestAdapterClientErrorsWhenNotConnected(t *testing.T) {
	a := NewAdapter("127.0.0.1", "27017", "rs0", discardLogger())
	_, err := a.client()
	require.Error(t, err)
	assert.True(t, errorIs(err, ErrUnreachable))
}
