// Package enginefake is an in-memory engine.Engine double for unit tests
// in internal/bootstrap and internal/reconcile. It has no network or
// process dependency, so those packages' tests run without a live
// database engine.
package enginefake

import (
	"context"
	"sync"

	"github.com/ociule/mongorc/internal/engine"
)

// Fake is a programmable engine.Engine. Each field controls one method's
// behavior; tests mutate them directly before or during a call.
type Fake struct {
	mu sync.Mutex

	Connected bool
	ConnectErr error

	State engine.EngineState
	StatusErr error

	Primary bool

	InitiateErr error
	Initiated   bool
	InitHostname string

	Config    engine.Config
	ConfigErr error

	ReconfigureErr error
	LastReconfigure engine.Config
	LastForce       bool

	RootUserErr error
	RootUserCreated bool

	StepDownErr error
	StepDownCalls int

	Oplog    *engine.OplogTimestamp
	OplogErr error

	Host string
}

// New returns a Fake reporting the given local address for Addr.
func New(addr string) *Fake {
	return &Fake{Host: addr}
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.Connected = true
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connected = false
	return nil
}

func (f *Fake) Status(ctx context.Context) (engine.EngineState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return engine.EngineState{}, f.StatusErr
	}
	return f.State, nil
}

func (f *Fake) IsPrimary(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Primary
}

func (f *Fake) Initiate(ctx context.Context, hostname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InitiateErr != nil {
		return f.InitiateErr
	}
	f.Initiated = true
	f.InitHostname = hostname
	return nil
}

func (f *Fake) GetConfig(ctx context.Context) (engine.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConfigErr != nil {
		return engine.Config{}, f.ConfigErr
	}
	return f.Config, nil
}

func (f *Fake) Reconfigure(ctx context.Context, cfg engine.Config, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReconfigureErr != nil {
		return f.ReconfigureErr
	}
	f.LastReconfigure = cfg
	f.LastForce = force
	f.Config = cfg
	return nil
}

func (f *Fake) CreateRootUser(ctx context.Context, name, pwd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RootUserErr != nil {
		return f.RootUserErr
	}
	f.RootUserCreated = true
	return nil
}

func (f *Fake) StepDown(ctx context.Context, secs int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StepDownCalls++
	return f.StepDownErr
}

func (f *Fake) LatestOplog(ctx context.Context) (*engine.OplogTimestamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OplogErr != nil {
		return nil, f.OplogErr
	}
	return f.Oplog, nil
}

func (f *Fake) Addr() string {
	return f.Host
}
