// Package di wires the long-running syncbot process.
package di

import (
	"log/slog"

	"github.com/samber/do/v2"

	"syncbot/internal/api"
	"syncbot/internal/config"
	"syncbot/internal/report"
	"syncbot/internal/syncer"
)

// NewContainer registers every provider. cfg and logger are supplied by the
// command line layer; exit terminates the process after a forced exit.
func NewContainer(cfg *config.Config, logger *slog.Logger, exit func(int)) *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, logger)
	do.ProvideValue(injector, ExitFunc(exit))

	// Storage
	do.Provide(injector, ProvideStore)

	// Sync
	do.Provide(injector, ProvideReconciler)
	do.Provide(injector, ProvidePusher)
	do.Provide(injector, ProvideScheduler)

	// Server
	do.Provide(injector, ProvideAPIServer)
	do.Provide(injector, ProvideHTTPServer)

	return injector
}

// Bootstrap builds the services and starts the scheduler and HTTP server.
func Bootstrap(injector *do.RootScope) error {
	_ = do.MustInvoke[*StoreHandle](injector)
	_ = do.MustInvoke[*syncer.Reconciler](injector)
	_ = do.MustInvoke[*report.Pusher](injector)
	_ = do.MustInvoke[*api.Server](injector)

	sched, err := do.Invoke[*SchedulerHandle](injector)
	if err != nil {
		return err
	}
	if err := sched.start(); err != nil {
		return err
	}
	_, err = do.Invoke[*HTTPServerHandle](injector)
	return err
}
