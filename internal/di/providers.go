package di

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/samber/do/v2"

	"syncbot/internal/api"
	"syncbot/internal/config"
	"syncbot/internal/report"
	"syncbot/internal/scheduler"
	"syncbot/internal/store"
	"syncbot/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

// ExitFunc terminates the process.
type ExitFunc func(code int)

// StoreHandle wraps the store with shutdown capability.
type StoreHandle struct {
	*store.Store
}

// Shutdown implements do.Shutdownable.
func (h *StoreHandle) Shutdown() error {
	return h.Close()
}

// ProvideStore opens the database and applies the schema.
func ProvideStore(i do.Injector) (*StoreHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)

	s, err := store.Open(context.Background(), cfg.DatabaseDSN, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("Database initialized", "dialect", s.Dialect())
	return &StoreHandle{Store: s}, nil
}

// ProvideReconciler builds the per-user reconciler backed by the real APIs.
func ProvideReconciler(i do.Injector) (*syncer.Reconciler, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	st := do.MustInvoke[*StoreHandle](i)

	return syncer.New(syncer.Config{
		Store: st.Store,
		Sources: &syncer.APISources{
			GoogleClientID:     cfg.GoogleClientID,
			GoogleClientSecret: cfg.GoogleClientSecret,
			GoogleCallInterval: cfg.GoogleCallInterval,
			NotionAPIURL:       cfg.NotionAPIURL,
			NotionCallInterval: cfg.NotionCallInterval,
			MaxAttempts:        cfg.MaxAttempts,
			Logger:             log,
		},
		Owner:     cfg.SyncbotID,
		Timeout:   cfg.SyncTimeout,
		Retention: cfg.ErrorRetention,
		Logger:    log,
	}), nil
}

// ProvidePusher provides the result pusher.
func ProvidePusher(i do.Injector) (*report.Pusher, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)

	if cfg.BackendURL == "" {
		log.Info("BACKEND_URL not set, results will not be pushed")
	}
	return report.NewPusher(report.Options{
		BaseURL: cfg.BackendURL,
		Token:   cfg.BackendToken,
		Logger:  log,
	}), nil
}

// SchedulerHandle owns the runner and the context its loops run under.
type SchedulerHandle struct {
	*scheduler.Runner
	ctx    context.Context
	cancel context.CancelFunc
	grace  time.Duration
	log    *slog.Logger
}

func (h *SchedulerHandle) start() error {
	return h.Start(h.ctx)
}

// Shutdown implements do.Shutdownable. In-flight runs get the grace period,
// then their context is cancelled and they roll back.
func (h *SchedulerHandle) Shutdown() error {
	h.Stop()
	done := make(chan struct{})
	go func() {
		h.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(h.grace):
		h.log.Warn("Cancelling in-flight runs", "grace", h.grace)
		h.cancel()
		<-done
	}
	h.cancel()
	return nil
}

// ProvideScheduler builds the runner. Loops start in Bootstrap.
func ProvideScheduler(i do.Injector) (*SchedulerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	st := do.MustInvoke[*StoreHandle](i)
	rec := do.MustInvoke[*syncer.Reconciler](i)
	pusher := do.MustInvoke[*report.Pusher](i)
	exit := do.MustInvoke[ExitFunc](i)

	runner := scheduler.New(scheduler.Context{
		Store:      st.Store,
		Reconciler: rec,
		Reporter:   pusher,
		Registry:   scheduler.NewRegistry(),
		Config: scheduler.Config{
			InitWorkers:      cfg.InitWorkers,
			TierWorkers:      cfg.TierWorkers,
			Plans:            cfg.Plans(),
			PollInterval:     cfg.PollInterval,
			RetryBackoff:     cfg.RetryBackoff,
			ErrorRetention:   cfg.ErrorRetention,
			ForceExitGrace:   cfg.ForceExitGrace,
			HousekeepingSpec: cfg.HousekeepingSpec,
		},
		Owner:  cfg.SyncbotID,
		Logger: log.With("component", "scheduler"),
		Exit:   exit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &SchedulerHandle{Runner: runner, ctx: ctx, cancel: cancel, grace: cfg.ForceExitGrace, log: log}, nil
}

// ProvideAPIServer builds the operator API.
func ProvideAPIServer(i do.Injector) (*api.Server, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	sched := do.MustInvoke[*SchedulerHandle](i)

	if cfg.AdminToken == "" {
		log.Warn("ADMIN_TOKEN not set, operator endpoints will reject every request")
	}
	return api.NewServer(sched.Runner, cfg.AdminToken, log.With("component", "api")), nil
}

// HTTPServerHandle wraps the listening HTTP server.
type HTTPServerHandle struct {
	*http.Server
}

// Shutdown implements do.Shutdownable.
func (h *HTTPServerHandle) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Server.Shutdown(ctx)
}

// ProvideHTTPServer starts listening on HTTP_ADDR.
func ProvideHTTPServer(i do.Injector) (*HTTPServerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	handler := do.MustInvoke[*api.Server](i)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "error", err)
		}
	}()
	return &HTTPServerHandle{Server: srv}, nil
}
