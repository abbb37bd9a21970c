package tracker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/logging"
	"github.com/Iron-Ham/cadence/internal/plan"
)

// Retrying retries transient tracker failures with exponential backoff.
// Errors that are not retryable (see errors.IsRetryable) stop immediately.
type Retrying struct {
	inner      Tracker
	maxElapsed time.Duration
	logger     *logging.Logger

	// newBackOff is swapped in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

// NewRetrying wraps t. maxElapsed bounds the total time spent retrying one
// call; zero disables retries.
func NewRetrying(t Tracker, maxElapsed time.Duration, logger *logging.Logger) *Retrying {
	if logger == nil {
		logger = logging.NopLogger()
	}
	r := &Retrying{inner: t, maxElapsed: maxElapsed, logger: logger}
	r.newBackOff = func() backoff.BackOff {
		if r.maxElapsed <= 0 {
			return &backoff.StopBackOff{}
		}
		// BackOff implementations are stateful; always return a fresh instance.
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 500 * time.Millisecond
		bo.MaxElapsedTime = r.maxElapsed
		return bo
	}
	return r
}

func (r *Retrying) retry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		r.logger.Warn("tracker call failed, retrying", "operation", op, "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(r.newBackOff(), ctx))
}

// SyncAndMap retries the inner SyncAndMap.
func (r *Retrying) SyncAndMap(ctx context.Context, p *plan.Plan) (map[string]string, error) {
	var result map[string]string
	err := r.retry(ctx, "sync", func() error {
		m, err := r.inner.SyncAndMap(ctx, p)
		if err != nil {
			return err
		}
		result = m
		return nil
	})
	return result, err
}

// Close retries the inner Close.
func (r *Retrying) Close(ctx context.Context, itemID, reason string) error {
	return r.retry(ctx, "close", func() error {
		return r.inner.Close(ctx, itemID, reason)
	})
}
