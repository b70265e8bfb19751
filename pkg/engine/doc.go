// Package engine provides the provisioning sequencer: it creates resources in
// caller-specified order, waits for the ones that must be ready before the
// next step starts, records everything it created, and deletes that record in
// reverse order when something goes wrong.
//
// # Overview
//
// A run moves through these states:
//
//	idle -> provisioning -> succeeded
//	                     -> failing -> rolling_back -> rolled_back
//	                                                -> rolled_back_with_errors
//
// The engine knows nothing about concrete resources. Callers supply Steps,
// usually built from a Provider with NewProviderStep:
//
//	type Provider interface {
//	    Create(ctx context.Context, params Params) (string, error)
//	    PollStatus(ctx context.Context, id string) (Status, error)
//	    Delete(ctx context.Context, id string) error
//	}
//
// # Components
//
//   - Poller: bounded polling until a success or failure status is reported
//   - Ledger: ordered record of every resource whose create returned an id
//   - Sequencer: executes steps, fails fast, hands the ledger to rollback
//   - rollback executor: reverse-order, best-effort deletion with retries
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: temporary failures that may succeed on retry
//   - Throttled: rate limiting that requires backoff
//   - Conflict: resource conflicts requiring retry
//   - Permanent: non-recoverable errors
//
// Provisioning failures carry one of the codes ErrCodeCreationFailed,
// ErrCodeReadinessFailed, ErrCodeReadinessTimeout or ErrCodeCancelled.
// Failed deletions carry ErrCodeDeletionFailed and are collected in
// WorkflowResult.RollbackErrors instead of being returned.
//
// # Example Usage
//
//	steps := []engine.Step{
//	    engine.NewProviderStep("vpc", "vpc", vpcs, engine.StaticParams(engine.Params{"cidr": "10.0.0.0/16"}),
//	        engine.WithReadiness(engine.ReadinessPolicy{
//	            SuccessStates: []engine.Status{"available"},
//	            MaxAttempts:   30,
//	            Interval:      10 * time.Second,
//	        })),
//	    engine.NewProviderStep("subnet", "subnet", subnets, func(refs engine.Refs) (engine.Params, error) {
//	        vpcID, err := refs.MustGet("vpc")
//	        return engine.Params{"vpc_id": vpcID}, err
//	    }),
//	}
//
//	result := engine.Run(ctx, steps, sink)
//	if !result.Succeeded() {
//	    // result.FailedStep, result.Failure, result.RollbackErrors
//	}
//
// # Thread Safety
//
// A Sequencer runs once and is not shared between runs. Group steps create
// their sub-steps concurrently, so ProgressSink implementations must be safe
// for concurrent use.
package engine
