// Package engine is the narrow, typed surface over the co-located
// database engine's admin command interface. It is the sole owner of the
// driver connection; every caller above it sees only the EngineState /
// Config / OplogTimestamp types and the error taxonomy in errors.go.
package engine

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	rootRole    = "root"
	defaultOp   = 30 * time.Second
	reconfigureSettle = 5 * time.Second
)

// StateKind enumerates the coarse engine states the controller reasons
// about: whether a replica set exists, and whether this connection is
// authenticated against it.
type StateKind int

const (
	KindUnknown StateKind = iota
	KindNotInitialized
	KindInitialized
	KindNeedsAuth
)

func (k StateKind) String() string {
	switch k {
	case KindNotInitialized:
		return "NotInitialized"
	case KindInitialized:
		return "Initialized"
	case KindNeedsAuth:
		return "NeedsAuth"
	default:
		return "Unknown"
	}
}

// EngineState is what Status returns: the NotInitialized | Initialized |
// NeedsAuth variant from §3, flattened into one struct.
type EngineState struct {
	Kind        StateKind
	Members     []MemberHealth
	SelfState   MemberState
	PrimaryHost string // "" when there is no primary
}

// Engine is the interface the rest of the controller programs against.
// Adapter is the production implementation; enginefake.Fake is the test
// double used by the bootstrap and reconcile packages' unit tests.
type Engine interface {
	Connect(ctx context.Context) error
	Close() error
	Status(ctx context.Context) (EngineState, error)
	IsPrimary(ctx context.Context) bool
	Initiate(ctx context.Context, hostname string) error
	GetConfig(ctx context.Context) (Config, error)
	Reconfigure(ctx context.Context, cfg Config, force bool) error
	CreateRootUser(ctx context.Context, name, pwd string) error
	StepDown(ctx context.Context, secs int) error
	LatestOplog(ctx context.Context) (*OplogTimestamp, error)
	Addr() string
}

// Adapter is the production Engine, backed by a single
// go.mongodb.org/mongo-driver client. Connection state is held in
// atomic.Value the way the teacher's Process holds runningValue/configValue,
// so reads from concurrent RPC handlers never race with a reconnect.
type Adapter struct {
	mu sync.Mutex

	Host           string
	Port           string
	ReplicaSetName string
	Username       string
	Password       string
	OpTimeout      time.Duration

	Logger log15.Logger

	clientValue atomic.Value // *mongo.Client
	authedValue atomic.Value // bool
}

// NewAdapter returns an Adapter targeting the local engine.
func NewAdapter(host, port, replicaSetName string, logger log15.Logger) *Adapter {
	a := &Adapter{
		Host:           host,
		Port:           port,
		ReplicaSetName: replicaSetName,
		OpTimeout:      defaultOp,
		Logger:         logger.New("component", "engine"),
	}
	a.clientValue.Store((*mongo.Client)(nil))
	a.authedValue.Store(false)
	return a
}

// Addr is the local engine's host:port.
func (a *Adapter) Addr() string { return net.JoinHostPort(a.Host, a.Port) }

func (a *Adapter) client() (*mongo.Client, error) {
	c, _ := a.clientValue.Load().(*mongo.Client)
	if c == nil {
		return nil, errors.Wrap(ErrUnreachable, "not connected")
	}
	return c, nil
}

func (a *Adapter) setClient(c *mongo.Client, authenticated bool) {
	a.clientValue.Store(c)
	a.authedValue.Store(authenticated)
}

// Authenticated reports whether the current connection, if any, succeeded
// in authenticated mode.
func (a *Adapter) Authenticated() bool {
	v, _ := a.authedValue.Load().(bool)
	return v
}

func (a *Adapter) connectionURI(authenticated bool) string {
	q := "directConnection=true"
	if authenticated {
		u := url.UserPassword(a.Username, a.Password)
		return fmt.Sprintf("mongodb://%s@%s/admin?%s", u.String(), a.Addr(), q)
	}
	return fmt.Sprintf("mongodb://%s/?%s", a.Addr(), q)
}

// Connect opens a connection to the local engine. It tries the
// authenticated URI first when credentials are configured; on an
// authentication failure it retries unauthenticated, since the engine's
// localhost exception is active until the first user is created. The mode
// that succeeds is recorded for Authenticated to report.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Username != "" {
		client, err := a.dial(ctx, true)
		if err == nil {
			a.setClient(client, true)
			a.Logger.Debug("connected authenticated")
			return nil
		}
		classified := classify(err)
		if !errors.Is(classified, ErrAuthRequired) {
			return classified
		}
		a.Logger.Debug("authenticated connect failed, retrying unauthenticated", "err", err)
	}

	client, err := a.dial(ctx, false)
	if err != nil {
		return classify(err)
	}
	a.setClient(client, false)
	a.Logger.Debug("connected unauthenticated")
	return nil
}

func (a *Adapter) dial(ctx context.Context, authenticated bool) (*mongo.Client, error) {
	cctx, cancel := context.WithTimeout(ctx, a.OpTimeout)
	defer cancel()

	opts := options.Client().ApplyURI(a.connectionURI(authenticated))
	client, err := mongo.Connect(cctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(cctx)
		return nil, err
	}
	return client, nil
}

// Close disconnects from the engine, draining the connection the way the
// root context cancellation in §5 requires.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, _ := a.clientValue.Load().(*mongo.Client)
	if c == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.OpTimeout)
	defer cancel()
	err := c.Disconnect(ctx)
	a.clientValue.Store((*mongo.Client)(nil))
	return err
}

// Status issues replSetGetStatus and maps the result to the
// NotInitialized | Initialized | NeedsAuth variants by inspecting returned
// error codes and messages.
func (a *Adapter) Status(ctx context.Context) (EngineState, error) {
	client, err := a.client()
	if err != nil {
		return EngineState{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, a.OpTimeout)
	defer cancel()

	var status replSetStatus
	err = client.Database("admin").RunCommand(cctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).Decode(&status)
	if err != nil {
		if hasErrorCode(err, codeNotYetInitialized) {
			return EngineState{Kind: KindNotInitialized}, nil
		}
		if hasErrorCode(err, codeUnauthorized) || matchesAuthMessage(err.Error()) {
			return EngineState{Kind: KindNeedsAuth}, nil
		}
		return EngineState{}, classify(err)
	}

	state := EngineState{Kind: KindInitialized, SelfState: status.MyState}
	for _, m := range status.Members {
		mh := MemberHealth{
			Host:   m.Name,
			State:  m.State,
			Optime: fromPrimitiveTimestamp(m.Optime.Timestamp),
		}
		state.Members = append(state.Members, mh)
		if m.State == StatePrimary {
			state.PrimaryHost = m.Name
		}
	}
	return state, nil
}

type helloResult struct {
	IsWritablePrimary bool `bson:"isWritablePrimary"`
}

// IsPrimary issues a hello-style probe and returns true only when the
// engine reports the writable-primary flag. On connection errors, it
// attempts a single reconnect before giving up and returning false — a
// stale engine connection should never be mistaken for "not primary" when
// it could instead be "not connected".
func (a *Adapter) IsPrimary(ctx context.Context) bool {
	res, err := a.hello(ctx)
	if err == nil {
		return res.IsWritablePrimary
	}

	a.Logger.Debug("hello probe failed, attempting single reconnect", "err", err)
	if err := a.Connect(ctx); err != nil {
		a.Logger.Debug("reconnect failed", "err", err)
		return false
	}

	res, err = a.hello(ctx)
	if err != nil {
		a.Logger.Debug("hello probe failed after reconnect", "err", err)
		return false
	}
	return res.IsWritablePrimary
}

func (a *Adapter) hello(ctx context.Context) (helloResult, error) {
	client, err := a.client()
	if err != nil {
		return helloResult{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, a.OpTimeout)
	defer cancel()

	var res helloResult
	err = client.Database("admin").RunCommand(cctx, bson.D{{Key: "hello", Value: 1}}).Decode(&res)
	return res, err
}

// Initiate initializes the replica set with a single-member configuration
// using the given hostname. Idempotent on AlreadyInitialized.
func (a *Adapter) Initiate(ctx context.Context, hostname string) error {
	client, err := a.client()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, a.OpTimeout)
	defer cancel()

	cfg := replSetConfig{
		ID: a.ReplicaSetName,
		Members: []replSetMember{
			{ID: 0, Host: net.JoinHostPort(hostname, a.Port), Priority: 1},
		},
		Version: 1,
	}
	err = client.Database("admin").RunCommand(cctx, bson.D{{Key: "replSetInitiate", Value: cfg}}).Err()
	if err != nil && hasErrorCode(err, codeAlreadyInitialized) {
		a.Logger.Info("replica set already initiated")
		return nil
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

// GetConfig round-trips the full replica-set configuration.
func (a *Adapter) GetConfig(ctx context.Context) (Config, error) {
	client, err := a.client()
	if err != nil {
		return Config{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, a.OpTimeout)
	defer cancel()

	var result struct {
		Config replSetConfig `bson:"config"`
	}
	if err := client.Database("admin").RunCommand(cctx, bson.D{{Key: "replSetGetConfig", Value: 1}}).Decode(&result); err != nil {
		return Config{}, classify(err)
	}
	return result.Config.toConfig(), nil
}

// Reconfigure submits a new replica-set configuration. version must
// monotonically increase across calls; callers are responsible for that
// (see internal/reconcile, which always increments the version it read).
func (a *Adapter) Reconfigure(ctx context.Context, cfg Config, force bool) error {
	client, err := a.client()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, a.OpTimeout)
	defer cancel()

	cmd := bson.D{{Key: "replSetReconfig", Value: fromConfig(cfg)}}
	if force {
		cmd = append(cmd, bson.E{Key: "force", Value: true})
	}
	if err := client.Database("admin").RunCommand(cctx, cmd).Err(); err != nil {
		return classify(err)
	}

	// MongoDB can reject a reconfigure submitted too soon after the
	// previous one; give it a moment to settle before the next caller
	// reads config or status again.
	select {
	case <-ctx.Done():
	case <-time.After(reconfigureSettle):
	}
	return nil
}

// CreateRootUser creates the initial administrative user, then
// transparently reconnects in authenticated mode.
func (a *Adapter) CreateRootUser(ctx context.Context, name, pwd string) error {
	client, err := a.client()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, a.OpTimeout)
	defer cancel()

	err = client.Database("admin").RunCommand(cctx, bson.D{
		{Key: "createUser", Value: name},
		{Key: "pwd", Value: pwd},
		{Key: "roles", Value: []bson.M{{"role": rootRole, "db": "admin"}}},
	}).Err()
	if err != nil {
		return classify(err)
	}

	a.Username, a.Password = name, pwd
	return a.Connect(ctx)
}

// StepDown requests the engine relinquish primary for the given number of
// seconds. "Not primary" is tolerated as success: a node asked to step
// down that is already not primary has achieved the caller's goal.
func (a *Adapter) StepDown(ctx context.Context, secs int) error {
	client, err := a.client()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, a.OpTimeout)
	defer cancel()

	err = client.Database("admin").RunCommand(cctx, bson.D{{Key: "replSetStepDown", Value: secs}}).Err()
	if err == nil {
		return nil
	}
	if errors.Is(classify(err), ErrNotPrimary) {
		return nil
	}
	return classify(err)
}

// LatestOplog reads the most recent entry from the engine's internal oplog
// collection. Returns (nil, nil) if the collection is empty or absent
// (e.g. a freshly initiated single-member set with no writes yet).
func (a *Adapter) LatestOplog(ctx context.Context) (*OplogTimestamp, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, a.OpTimeout)
	defer cancel()

	var doc replSetOptime
	opts := options.FindOne().SetSort(bson.D{{Key: "$natural", Value: -1}})
	err = client.Database("local").Collection("oplog.rs").FindOne(cctx, bson.D{}, opts).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, classify(err)
	}
	ts := fromPrimitiveTimestamp(doc.Timestamp)
	return &ts, nil
}
