// Package retry implements bounded-attempt retries with exponential backoff.
// Backoff sleeps are cancellable through the supplied context, and callers
// can short-circuit the whole loop for error kinds that retrying cannot fix.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// AbortFunc reports whether an error should stop the retry loop immediately.
type AbortFunc func(error) bool

// Retrier executes an operation up to a fixed number of attempts.
// The delay before attempt n is baseDelay * 2^(n-2), so with a base delay
// of 100ms the waits are 100ms, 200ms, 400ms and so on.
type Retrier struct {
	maxAttempts int
	baseDelay   time.Duration
	shouldAbort AbortFunc
	logger      log.Logger
}

// NewRetrier creates a Retrier. maxAttempts values below 1 are treated as 1.
func NewRetrier(maxAttempts int, baseDelay time.Duration, logger log.Logger) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Retrier{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		logger:      logger,
	}
}

// WithAbortFunc returns a copy of the retrier that aborts as soon as fn
// reports true for the error of a failed attempt.
func (r *Retrier) WithAbortFunc(fn AbortFunc) *Retrier {
	clone := *r
	clone.shouldAbort = fn
	return &clone
}

// Execute runs fn until it succeeds, the attempt budget runs out, the abort
// function matches the error, or ctx is cancelled during backoff.
// The op string only appears in log messages.
func (r *Retrier) Execute(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if r.shouldAbort != nil && r.shouldAbort(lastErr) {
			r.logger.Debugf("%s failed with a non-retriable error: %s", op, lastErr)
			return lastErr
		}

		if attempt == r.maxAttempts {
			break
		}

		delay := r.backoff(attempt)
		r.logger.Debugf("%s failed (attempt %d/%d), retrying in %s: %s", op, attempt, r.maxAttempts, delay, lastErr)
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, r.maxAttempts, lastErr)
}

func (r *Retrier) backoff(attempt int) time.Duration {
	delay := r.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
