// Package controller assembles the sidecar's components into a single
// value owned by main(), replacing the package-level globals the teacher
// uses for its own process/connection state with one struct threaded
// through bootstrap, reconcile, and api explicitly.
package controller

import (
	"context"

	"github.com/inconshreveable/log15"

	"github.com/ociule/mongorc/internal/api"
	"github.com/ociule/mongorc/internal/bootstrap"
	"github.com/ociule/mongorc/internal/config"
	"github.com/ociule/mongorc/internal/engine"
	"github.com/ociule/mongorc/internal/hostsfile"
	"github.com/ociule/mongorc/internal/identity"
	"github.com/ociule/mongorc/internal/reconcile"
	"github.com/ociule/mongorc/internal/registry"
)

// Controller bundles every component one node's sidecar needs. It is
// constructed once in main() and its sub-components are handed to the
// bootstrap coordinator, the reconciler, and the API server.
type Controller struct {
	Cfg    *config.Config
	Logger log15.Logger

	Engine   *engine.Adapter
	Registry *registry.Client
	Hosts    *hostsfile.Manager
	Peers    *api.Client
	Resolver *identity.Resolver

	Bootstrap *bootstrap.Coordinator
	Reconcile *reconcile.Reconciler
	API       *api.Server

	// Self is populated once Bootstrap.Run completes.
	Self identity.Self
}

// New wires every component from cfg and logger. The API server and
// reconciler are constructed with a placeholder identity that RunBootstrap
// overwrites with the resolved one once bootstrap succeeds, since both need
// the controller's Self to render responses and compute desired membership.
func New(cfg *config.Config, logger log15.Logger) *Controller {
	eng := engine.NewAdapter("127.0.0.1", cfg.MongoPort, cfg.ReplicaSetName, logger)
	eng.Username = cfg.RootUsername
	eng.Password = cfg.RootPassword

	reg := registry.New(registryBaseURL(cfg), cfg.AppName, logger)
	hosts := hostsfile.New("/etc/hosts", "/etc/nsswitch.conf", logger)
	peers := api.NewClient(logger)
	resolver := identity.NewResolver(logger)
	resolver.LocalTesting = cfg.LocalTesting
	resolver.Override = cfg.NodePublicIP

	c := &Controller{
		Cfg:      cfg,
		Logger:   logger,
		Engine:   eng,
		Registry: reg,
		Hosts:    hosts,
		Peers:    peers,
		Resolver: resolver,
	}

	c.Reconcile = reconcile.New(identity.Self{}, cfg, eng, reg, hosts, peers, logger)
	c.Bootstrap = bootstrap.New(cfg, resolver, eng, reg, hosts, peers, logger)
	c.Bootstrap.Reconciler = c.Reconcile
	c.API = api.New(identity.Self{}, cfg.APIPort, eng, logger)

	return c
}

// defaultRegistryBaseURL is the production registry address; FLUX_API_OVERRIDE
// replaces it for local testing (see identity.Resolver.LocalTesting).
const defaultRegistryBaseURL = "http://flux-api.discoverd"

func registryBaseURL(cfg *config.Config) string {
	if cfg.RegistryOverride != "" {
		return cfg.RegistryOverride
	}
	return defaultRegistryBaseURL
}

// RunBootstrap runs the bootstrap coordinator to completion and then
// propagates the resolved identity to the reconciler and API server,
// which were constructed before identity resolution could happen.
func (c *Controller) RunBootstrap(ctx context.Context) error {
	if err := c.Bootstrap.Run(ctx); err != nil {
		return err
	}
	c.Self = c.Bootstrap.Self
	c.Reconcile.Self = c.Self
	c.API.Self = c.Self
	return nil
}
