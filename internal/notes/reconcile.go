package notes

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	outcomeSynced   = "synced"
	outcomeRemoved  = "removed"
	outcomeConflict = "conflict"
)

// retryPolicy bounds one reconciliation: every attempt gets its own timeout and
// transient failures are retried with exponential backoff until attempts run out.
type retryPolicy struct {
	attempts int
	initial  time.Duration
	max      time.Duration
	timeout  time.Duration
}

func (p retryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = p.initial
	exponential.MaxInterval = p.max
	exponential.MaxElapsedTime = 0
	attempts := p.attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(attempts-1)), ctx)
}

// run calls attempt until it succeeds, fails permanently, or attempts are exhausted.
// An attempt that has started runs to completion even if ctx is cancelled meanwhile so a
// remote acknowledgement is never lost; cancellation only stops further attempts.
func (p retryPolicy) run(ctx context.Context, op string, logger *zap.Logger, attempt func(ctx context.Context) error) error {
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		err := attempt(attemptCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && KindOf(err) == KindUnknown {
			err = TransientRemote(op, err)
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug("reconciliation attempt failed, retrying",
			zap.String("operation", op),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}

// isRetryable treats unclassified remote failures as transient.
func isRetryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindConflict, KindFatalLocal:
		return false
	default:
		return !errors.Is(err, context.Canceled)
	}
}
