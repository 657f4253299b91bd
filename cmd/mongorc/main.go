// Command mongorc is the per-node sidecar controller: it discovers its
// peers through an external registry, bootstraps or joins a replica set,
// and then continuously reconciles membership while defending against
// split-brain and stale-primary scenarios.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ociule/mongorc/internal/config"
	"github.com/ociule/mongorc/internal/controller"
	"github.com/ociule/mongorc/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("mongorc: loading configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	ctrl := controller.New(cfg, logger)

	logger.Info("starting bootstrap")
	if err := ctrl.RunBootstrap(ctx); err != nil {
		logger.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}
	logger.Info("bootstrap complete", "address", ctrl.Self.Address, "hostname", ctrl.Self.Hostname)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ctrl.API.Start(ctx)
	}()
	go ctrl.Reconcile.Run(ctx)

	<-ctx.Done()
	logger.Info("received termination signal, shutting down")

	if err := <-errCh; err != nil {
		logger.Error("api server shutdown error", "err", err)
	}
	if err := ctrl.Engine.Close(); err != nil {
		logger.Error("engine disconnect error", "err", err)
	}
}
