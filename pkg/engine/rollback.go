package engine

import (
	"context"
	"fmt"
	"time"
)

// rollbackExecutor deletes ledger entries in reverse creation order.
//
// It never returns an error to its caller: every failed deletion is
// recorded and the next entry is attempted regardless.
type rollbackExecutor struct {
	policy RollbackPolicy
	sink   ProgressSink
	runID  string
}

// execute drains the ledger and returns the deletions that failed.
func (r *rollbackExecutor) execute(ctx context.Context, ledger *Ledger) []error {
	entries := ledger.drainReverse()
	var errs []error

	for i, e := range entries {
		remaining := len(entries) - i - 1
		if err := r.deleteEntry(ctx, e, remaining); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

func (r *rollbackExecutor) deleteEntry(ctx context.Context, e ledgerEntry, remaining int) error {
	h := e.handle

	if e.delete == nil {
		err := deletionError(h, 0, fmt.Errorf("step %q has no delete operation", h.Step))
		r.report(ctx, h, 0, RollbackFailed, err, remaining)
		return err
	}

	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err := deletionError(h, attempt-1, fmt.Errorf("rollback deadline reached: %w", ctxErr))
			r.report(ctx, h, attempt-1, RollbackFailed, err, remaining)
			return err
		}

		err := safeDelete(ctx, e.delete, h.ID)
		if err == nil {
			r.report(ctx, h, attempt, RollbackDeleted, nil, remaining)
			return nil
		}

		if !IsRetryable(err) || attempt > r.policy.MaxRetries {
			derr := deletionError(h, attempt, err)
			r.report(ctx, h, attempt, RollbackFailed, derr, remaining)
			return derr
		}

		r.report(ctx, h, attempt, RollbackRetried, err, remaining)
		if sleepErr := sleepContext(ctx, r.backoff(attempt, err)); sleepErr != nil {
			derr := deletionError(h, attempt, fmt.Errorf("%w (rollback deadline reached)", err))
			r.report(ctx, h, attempt, RollbackFailed, derr, remaining)
			return derr
		}
	}
}

func (r *rollbackExecutor) report(ctx context.Context, h ResourceHandle, attempt int, outcome RollbackOutcome, err error, remaining int) {
	r.sink.RollbackItem(ctx, RollbackEvent{
		RunID:     r.runID,
		Handle:    h,
		Attempt:   attempt,
		Outcome:   outcome,
		Err:       err,
		Remaining: remaining,
	})
}

// backoff returns RetryDelay doubled per retry, capped at MaxDelay.
// Throttled deletions start from twice the base delay.
func (r *rollbackExecutor) backoff(attempt int, err error) time.Duration {
	delay := r.policy.RetryDelay
	if IsThrottled(err) {
		delay *= 2
	}

	for i := 1; i < attempt; i++ {
		delay *= 2
		if r.policy.MaxDelay > 0 && delay >= r.policy.MaxDelay {
			break
		}
	}

	if r.policy.MaxDelay > 0 && delay > r.policy.MaxDelay {
		delay = r.policy.MaxDelay
	}
	return delay
}

// safeDelete turns a panicking delete into a permanent error.
func safeDelete(ctx context.Context, del DeleteFunc, id string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = NewPermanentError(fmt.Sprintf("delete panicked: %v", rec), nil)
		}
	}()
	return del(ctx, id)
}
