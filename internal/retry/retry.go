// Package retry wraps outbound API calls with a rate-limit delay, bounded
// retries of transient failures, and classification into the syncerr taxonomy.
//
// Calls compose as WithRetry(WithClassification(call)); Call does both.
package retry

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"syncbot/internal/syncerr"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 250 * time.Millisecond
	defaultMaxWait     = 10 * time.Second
)

// Classifier maps a raw failure of one source to the taxonomy. It returns nil
// when it does not recognize err.
type Classifier func(err error) *syncerr.Error

// Policy configures how calls against one source are wrapped.
type Policy struct {
	From        syncerr.From
	MaxAttempts int
	// Limiter spaces consecutive calls. Nil means no delay.
	Limiter  *rate.Limiter
	Classify Classifier
	// BaseDelay is the wait before the second attempt, doubled for each
	// later one, when the server gives no Retry-After hint.
	BaseDelay time.Duration
	// MaxWait caps every wait between attempts.
	MaxWait time.Duration
	Logger  *slog.Logger
}

// NewLimiter returns a limiter admitting one call per interval.
func NewLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// WithClassification converts every failure of fn into a *syncerr.Error.
func WithClassification[T any](from syncerr.From, classify Classifier, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, syncerr.New(from, syncerr.CodeTimeout, "context done").WithCause(err)
		}
		if classify != nil {
			if se := classify(err); se != nil {
				return v, se
			}
		}
		return v, syncerr.Classify(from, err)
	}
}

// WithRetry retries fn while it fails with a transient classified error, up to
// the policy's attempt budget. Each attempt waits on the policy limiter first.
func WithRetry[T any](p Policy, op string, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	maxWait := p.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	baseDelay := p.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	return func(ctx context.Context) (T, error) {
		var zero T
		for attempt := 1; ; attempt++ {
			if p.Limiter != nil {
				if err := p.Limiter.Wait(ctx); err != nil {
					return zero, syncerr.New(p.From, syncerr.CodeTimeout, "waiting for rate limiter").WithCause(err)
				}
			}
			v, err := fn(ctx)
			if err == nil {
				return v, nil
			}
			se := syncerr.Classify(p.From, err)
			if !se.Code.Transient() || attempt >= maxAttempts || ctx.Err() != nil {
				return zero, se
			}
			if p.Logger != nil {
				p.Logger.Debug("Retrying call", "op", op, "from", p.From, "code", se.Code, "attempt", attempt)
			}
			if err := sleepContext(ctx, retryDelay(attempt, se.RetryAfter, baseDelay, maxWait)); err != nil {
				return zero, syncerr.New(p.From, syncerr.CodeTimeout, "waiting to retry").WithCause(err)
			}
		}
	}
}

// Call runs fn through classification and retry.
func Call[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	return WithRetry(p, op, WithClassification(p.From, p.Classify, fn))(ctx)
}

// Exec is Call for operations without a result.
func Exec(ctx context.Context, p Policy, op string, fn func(context.Context) error) error {
	_, err := Call(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// retryDelay is the wait after the given failed attempt: the server hint when
// present, else base doubled per attempt, never above maxWait.
func retryDelay(attempt int, retryAfter, base, maxWait time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, maxWait)
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxWait {
			return maxWait
		}
	}
	return min(delay, maxWait)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
