package engine

import (
	"context"
	"time"
)

// PollResult is the outcome of waiting for a resource.
type PollResult struct {
	// Outcome is the result category.
	Outcome PollOutcome

	// Status is the last status successfully reported by the provider.
	Status Status

	// Attempts is the number of status checks performed.
	Attempts int

	// Err is the last check error, or the context error on cancellation.
	Err error
}

// Poller waits for a resource to reach a terminal status.
type Poller struct {
	// Policy bounds the wait.
	Policy ReadinessPolicy

	// OnAttempt, if set, is called after every status check.
	OnAttempt func(attempt int, status Status, err error)
}

// NewPoller creates a poller for the given policy.
func NewPoller(policy ReadinessPolicy) *Poller {
	return &Poller{Policy: policy}
}

// Wait calls check until it reports a success or failure state, or until
// Policy.MaxAttempts checks have been made. Every call counts as an attempt,
// including calls that return an error. The poller sleeps Policy.Interval
// between attempts and never after the last one.
//
// Check errors classified permanent end the wait with PollFailed at once.
// Any other check error is treated as transient (eventually consistent APIs
// commonly answer "not found" right after creation) and only fails the wait
// after more than Policy.MaxConsecutiveErrors of them in a row.
func (p *Poller) Wait(ctx context.Context, id string, check PollFunc) PollResult {
	var res PollResult
	consecutiveErrors := 0

	for attempt := 1; attempt <= p.Policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, p.Policy.Interval); err != nil {
				res.Outcome = PollCancelled
				res.Err = err
				return res
			}
		} else if err := ctx.Err(); err != nil {
			res.Outcome = PollCancelled
			res.Err = err
			return res
		}

		status, err := check(ctx, id)
		res.Attempts = attempt
		if p.OnAttempt != nil {
			p.OnAttempt(attempt, status, err)
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				res.Outcome = PollCancelled
				res.Err = ctxErr
				return res
			}
			if IsPermanent(err) {
				res.Outcome = PollFailed
				res.Err = err
				return res
			}
			res.Err = checkError(id, err)
			consecutiveErrors++
			if consecutiveErrors > p.Policy.MaxConsecutiveErrors {
				res.Outcome = PollFailed
				return res
			}
			continue
		}

		consecutiveErrors = 0
		res.Status = status
		res.Err = nil

		if p.Policy.isSuccess(status) {
			res.Outcome = PollReady
			return res
		}
		if p.Policy.isFailure(status) {
			res.Outcome = PollFailed
			return res
		}
	}

	res.Outcome = PollTimedOut
	return res
}

func checkError(id string, err error) error {
	if IsRetryable(err) {
		return err
	}
	return NewTransientError("status check failed", err).
		WithCode(ErrCodeCheckFailed).
		WithResource(id).
		WithOperation("poll")
}

// sleepContext pauses for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
