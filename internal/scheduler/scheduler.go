// Package scheduler runs reconciliations for many users on a fixed set of
// polling loops, one user per loop at a time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"syncbot/internal/models"
	"syncbot/internal/store"
)

// Reconciler runs one sync pass for a user.
type Reconciler interface {
	Run(ctx context.Context, userID string) (*models.Result, error)
}

// Store is the subset of the store the scheduler needs.
type Store interface {
	NextEligibleUsers(ctx context.Context, q store.EligibleQuery) ([]string, error)
	ResetStaleWork(ctx context.Context, owner string) (int64, error)
	PruneAllErrorLogs(ctx context.Context, before time.Time) (int64, error)
}

// Reporter receives every finished result.
type Reporter interface {
	Push(ctx context.Context, res *models.Result)
}

// Config sizes the loops and their pacing.
type Config struct {
	InitWorkers int
	TierWorkers map[models.Plan]int
	// Plans fixes the order tier loops are created in.
	Plans        []models.Plan
	PollInterval time.Duration
	// MinInterval is how long a synced user rests before it is eligible again.
	MinInterval time.Duration
	// RetryBackoff keeps a user whose run failed out of selection this long.
	RetryBackoff     time.Duration
	BatchSize        int
	ErrorRetention   time.Duration
	ForceExitGrace   time.Duration
	HousekeepingSpec string
}

// Context carries everything the loops share.
type Context struct {
	Store      Store
	Reconciler Reconciler
	Reporter   Reporter
	Registry   *Registry
	Config     Config
	Owner      string
	Logger     *slog.Logger
	Now        func() time.Time
	// Exit terminates the process after a forced exit.
	Exit func(code int)
}

// Runner owns the loops and the housekeeping job.
type Runner struct {
	sc    Context
	loops []*Loop

	stopping atomic.Bool
	stopOnce sync.Once
	wake     chan struct{}
	wg       sync.WaitGroup
	cron     *cron.Cron
}

// New builds a runner and its loops. Nothing runs until Start.
func New(sc Context) *Runner {
	if sc.Registry == nil {
		sc.Registry = NewRegistry()
	}
	if sc.Logger == nil {
		sc.Logger = slog.Default()
	}
	if sc.Now == nil {
		sc.Now = time.Now
	}
	if sc.Config.PollInterval <= 0 {
		sc.Config.PollInterval = 10 * time.Second
	}
	if sc.Config.MinInterval <= 0 {
		sc.Config.MinInterval = time.Minute
	}
	if sc.Config.RetryBackoff <= 0 {
		sc.Config.RetryBackoff = sc.Config.MinInterval
	}
	if sc.Config.BatchSize <= 0 {
		sc.Config.BatchSize = 10
	}
	if sc.Config.ErrorRetention <= 0 {
		sc.Config.ErrorRetention = 7 * 24 * time.Hour
	}

	r := &Runner{sc: sc, wake: make(chan struct{})}
	id := 0
	add := func(pool Pool, plan models.Plan) {
		id++
		l := &Loop{ID: id, Pool: pool, Plan: plan, runner: r}
		l.logger = sc.Logger.With("loop_id", id, "pool", pool, "tier", plan)
		r.loops = append(r.loops, l)
		sc.Registry.register(l)
	}
	for range sc.Config.InitWorkers {
		add(PoolInit, "")
	}
	plans := sc.Config.Plans
	if plans == nil {
		for _, p := range []models.Plan{models.PlanFree, models.PlanBasic, models.PlanPro} {
			if sc.Config.TierWorkers[p] > 0 {
				plans = append(plans, p)
			}
		}
	}
	for _, p := range plans {
		for range sc.Config.TierWorkers[p] {
			add(PoolTier, p)
		}
	}
	return r
}

// Start releases users this owner left claimed, then starts every loop and
// the housekeeping job.
func (r *Runner) Start(ctx context.Context) error {
	n, err := r.sc.Store.ResetStaleWork(ctx, r.sc.Owner)
	if err != nil {
		return fmt.Errorf("reset stale work: %w", err)
	}
	if n > 0 {
		r.sc.Logger.Warn("Released users left claimed by a previous run", "count", n, "owner", r.sc.Owner)
	}

	if spec := r.sc.Config.HousekeepingSpec; spec != "" {
		r.cron = cron.New()
		if _, err := r.cron.AddFunc(spec, func() { r.Housekeep(ctx) }); err != nil {
			return fmt.Errorf("schedule housekeeping %q: %w", spec, err)
		}
		r.cron.Start()
	}

	r.sc.Logger.Info("Starting scheduler", "owner", r.sc.Owner, "loops", len(r.loops))
	for _, l := range r.loops {
		r.wg.Add(1)
		go func(l *Loop) {
			defer r.wg.Done()
			l.run(ctx)
		}(l)
	}
	return nil
}

// Stop asks every loop to exit after its current user. It does not wait.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.sc.Logger.Info("Stopping scheduler")
		r.stopping.Store(true)
		close(r.wake)
		if r.cron != nil {
			r.cron.Stop()
		}
	})
}

// Stopping reports whether Stop was called.
func (r *Runner) Stopping() bool {
	return r.stopping.Load()
}

// Wait blocks until every loop has exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// ForceExit stops the loops, gives in-flight runs the grace period to
// finish and then terminates the process through the Exit hook.
func (r *Runner) ForceExit() {
	r.Stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	code := 0
	timer := time.NewTimer(r.sc.Config.ForceExitGrace)
	defer timer.Stop()
	select {
	case <-done:
		r.sc.Logger.Info("All loops finished, exiting")
	case <-timer.C:
		r.sc.Logger.Warn("Grace period elapsed with runs in flight, exiting", "grace", r.sc.Config.ForceExitGrace, "active", r.Status().Active)
		code = 1
	}
	if r.sc.Exit != nil {
		r.sc.Exit(code)
	}
}

// Status returns the aggregated loop counters.
func (r *Runner) Status() Status {
	st := r.sc.Registry.Snapshot()
	st.Owner = r.sc.Owner
	st.Stopping = r.Stopping()
	return st
}

// Housekeep prunes expired error logs of all users and logs loop progress.
func (r *Runner) Housekeep(ctx context.Context) {
	n, err := r.sc.Store.PruneAllErrorLogs(ctx, r.sc.Now().Add(-r.sc.Config.ErrorRetention))
	if err != nil {
		r.sc.Logger.Error("Failed to prune error logs", "error", err)
	} else if n > 0 {
		r.sc.Logger.Info("Pruned error logs", "count", n)
	}
	st := r.Status()
	r.sc.Logger.Info("Scheduler status", "active", st.Active, "completed", st.Completed, "failed", st.Failed, "stopping", st.Stopping)
}

// idle sleeps one poll interval, returning early on stop.
func (r *Runner) idle(ctx context.Context) {
	timer := time.NewTimer(r.sc.Config.PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.wake:
	case <-ctx.Done():
	}
}
