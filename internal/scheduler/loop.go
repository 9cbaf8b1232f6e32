package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"syncbot/internal/models"
	"syncbot/internal/store"
	"syncbot/internal/syncerr"
)

// Pool selects which users a loop works on.
type Pool string

const (
	// PoolInit serves users that were never synced.
	PoolInit Pool = "init"
	// PoolTier serves already synced users of one plan.
	PoolTier Pool = "tier"
)

// Loop is one polling task. It works on a single user at a time.
type Loop struct {
	ID   int
	Pool Pool
	Plan models.Plan

	runner *Runner
	logger *slog.Logger

	mu        sync.Mutex
	userID    string
	startedAt time.Time
	completed int64
	failed    int64
}

func (l *Loop) status() LoopStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	ls := LoopStatus{
		ID:        l.ID,
		Pool:      l.Pool,
		Tier:      string(l.Plan),
		UserID:    l.userID,
		Completed: l.completed,
		Failed:    l.failed,
	}
	if l.userID != "" {
		started := l.startedAt
		ls.StartedAt = &started
	}
	return ls
}

func (l *Loop) run(ctx context.Context) {
	l.logger.Debug("Loop started")
	defer l.logger.Debug("Loop stopped")

	for !l.runner.Stopping() && ctx.Err() == nil {
		worked, err := l.tick(ctx)
		if err != nil {
			l.logger.Error("Failed to select eligible users", "error", err)
		}
		if !worked {
			l.runner.idle(ctx)
		}
	}
}

// tick works on the first eligible user no other loop holds. It reports
// whether a user was processed.
func (l *Loop) tick(ctx context.Context) (bool, error) {
	sc := l.runner.sc
	now := sc.Now()
	q := store.EligibleQuery{
		Init:    l.Pool == PoolInit,
		Plan:    l.Plan,
		Before:  now.Add(-sc.Config.MinInterval),
		Limit:   sc.Config.BatchSize,
		Exclude: sc.Registry.Deferred(now),
	}
	ids, err := sc.Store.NextEligibleUsers(ctx, q)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if l.runner.Stopping() {
			return true, nil
		}
		if !sc.Registry.TryClaim(id, l.ID) {
			continue
		}
		l.process(ctx, id)
		sc.Registry.Release(id, l.ID)
		return true, nil
	}
	return false, nil
}

func (l *Loop) process(ctx context.Context, userID string) {
	sc := l.runner.sc
	l.mu.Lock()
	l.userID = userID
	l.startedAt = sc.Now()
	l.mu.Unlock()

	res, err := sc.Reconciler.Run(ctx, userID)

	failed := err != nil && !errors.Is(err, syncerr.ErrAlreadyWorking)
	l.mu.Lock()
	l.userID = ""
	switch {
	case err == nil:
		l.completed++
	case failed:
		l.failed++
	}
	l.mu.Unlock()

	if failed {
		// A RETRY failure leaves the user eligible with its old cutoff.
		sc.Registry.Defer(userID, sc.Now().Add(sc.Config.RetryBackoff))
	}

	if err != nil {
		l.logger.Info("Sync ended with error", "user_id", userID, "error", err)
	}
	if res != nil && sc.Reporter != nil {
		sc.Reporter.Push(ctx, res)
	}
}
