package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ResourceKind is an opaque caller-defined tag such as "vpc" or "iam-role".
// It is used for display and metrics only.
type ResourceKind string

// ResourceHandle records one provisioned resource.
type ResourceHandle struct {
	// ID is the provider-assigned identifier.
	ID string `json:"id"`

	// Kind is the resource kind of the originating step.
	Kind ResourceKind `json:"kind"`

	// Step is the name of the step that created the resource.
	Step string `json:"step"`

	// CreationIndex is assigned when creation begins and orders the ledger.
	CreationIndex int `json:"creation_index"`

	// DependsOnReadiness records whether the step waited for readiness.
	DependsOnReadiness bool `json:"depends_on_readiness"`

	// CreatedAt is when the provider acknowledged creation.
	CreatedAt time.Time `json:"created_at"`
}

// String returns a short "kind/id" form for logs.
func (h ResourceHandle) String() string {
	return fmt.Sprintf("%s/%s", h.Kind, h.ID)
}

// Refs maps step names to the ids of resources created so far in a run.
// Create functions receive it to reference resources made by earlier steps.
type Refs map[string]string

// Get returns the id created by the named step.
func (r Refs) Get(step string) (string, bool) {
	id, ok := r[step]
	return id, ok
}

// MustGet returns the id created by the named step or an error naming it.
func (r Refs) MustGet(step string) (string, error) {
	id, ok := r[step]
	if !ok || id == "" {
		return "", fmt.Errorf("no resource recorded for step %q", step)
	}
	return id, nil
}

// CreateFunc creates a resource and returns its provider-assigned id.
type CreateFunc func(ctx context.Context, refs Refs) (string, error)

// PollFunc reports the current status of a resource.
type PollFunc func(ctx context.Context, id string) (Status, error)

// DeleteFunc deletes a resource.
type DeleteFunc func(ctx context.Context, id string) error

// ReadinessPolicy bounds how the poller waits for a resource.
// There are no engine-wide defaults: readiness latency differs by orders of
// magnitude across resource kinds, so callers set these per step.
type ReadinessPolicy struct {
	// SuccessStates are the statuses that mean the resource is usable.
	SuccessStates []Status `json:"success_states"`

	// FailureStates are the statuses that mean the resource will never become usable.
	FailureStates []Status `json:"failure_states,omitempty"`

	// MaxAttempts is the number of status checks before timing out.
	MaxAttempts int `json:"max_attempts"`

	// Interval is the pause between two status checks.
	Interval time.Duration `json:"interval"`

	// MaxConsecutiveErrors is the number of consecutive check errors tolerated
	// before the poller gives up with PollFailed. Zero means a single error fails.
	MaxConsecutiveErrors int `json:"max_consecutive_errors"`
}

// Validate checks that the policy can be used to wait for readiness.
func (p ReadinessPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Interval < 0 {
		return fmt.Errorf("interval must not be negative, got %s", p.Interval)
	}
	if len(p.SuccessStates) == 0 {
		return errors.New("at least one success state is required")
	}
	if p.MaxConsecutiveErrors < 0 {
		return fmt.Errorf("max consecutive errors must not be negative, got %d", p.MaxConsecutiveErrors)
	}
	for _, s := range p.SuccessStates {
		if p.isFailure(s) {
			return fmt.Errorf("status %q is both a success and a failure state", s)
		}
	}
	return nil
}

// Budget returns the longest time the poller may spend sleeping.
func (p ReadinessPolicy) Budget() time.Duration {
	if p.MaxAttempts < 1 {
		return 0
	}
	return time.Duration(p.MaxAttempts-1) * p.Interval
}

func (p ReadinessPolicy) isSuccess(s Status) bool {
	for _, want := range p.SuccessStates {
		if s == want {
			return true
		}
	}
	return false
}

func (p ReadinessPolicy) isFailure(s Status) bool {
	for _, want := range p.FailureStates {
		if s == want {
			return true
		}
	}
	return false
}

// Step describes one resource to provision.
type Step struct {
	// Name identifies the step in logs, Refs and results. Must be unique in a run.
	Name string

	// Kind is the resource kind created by this step.
	Kind ResourceKind

	// Create provisions the resource.
	Create CreateFunc

	// Poll reports resource status. Required when DependsOnReadiness is set.
	Poll PollFunc

	// Delete removes the resource during rollback. A nil Delete makes the
	// resource impossible to roll back and is reported as a rollback error.
	Delete DeleteFunc

	// DependsOnReadiness makes the run wait until the resource is ready before
	// the next step starts.
	DependsOnReadiness bool

	// Readiness bounds the wait. Only used when DependsOnReadiness is set.
	Readiness ReadinessPolicy

	// Optional marks the step as non-fatal: its failure is reported and the
	// run continues with the next step. Only top-level steps may be optional;
	// mark the group step itself to tolerate a failing group.
	Optional bool

	// Group holds sub-steps created concurrently. When set, Create, Poll and
	// Delete of the group step itself are ignored.
	Group []Step
}

// IsGroup reports whether the step fans out into concurrent sub-steps.
func (s Step) IsGroup() bool {
	return len(s.Group) > 0
}

// Validate checks that the step can be executed.
func (s Step) Validate() error {
	if s.Name == "" {
		return errors.New("step name is required")
	}
	if s.IsGroup() {
		for i := range s.Group {
			if s.Group[i].IsGroup() {
				return fmt.Errorf("step %q: nested groups are not supported", s.Name)
			}
			if s.Group[i].Optional {
				return fmt.Errorf("step %q: group member %q cannot be optional", s.Name, s.Group[i].Name)
			}
			if err := s.Group[i].Validate(); err != nil {
				return fmt.Errorf("step %q: %w", s.Name, err)
			}
		}
		return nil
	}
	if s.Create == nil {
		return fmt.Errorf("step %q: create function is required", s.Name)
	}
	if s.DependsOnReadiness {
		if s.Poll == nil {
			return fmt.Errorf("step %q: poll function is required when waiting for readiness", s.Name)
		}
		if err := s.Readiness.Validate(); err != nil {
			return fmt.Errorf("step %q: readiness: %w", s.Name, err)
		}
	}
	return nil
}

// ValidateSteps validates every step and checks names are unique.
func ValidateSteps(steps []Step) error {
	seen := make(map[string]bool)
	var errs []error
	check := func(s Step) {
		if s.Name != "" && seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate step name %q", s.Name))
		}
		seen[s.Name] = true
	}
	for _, s := range steps {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
		}
		check(s)
		for _, sub := range s.Group {
			check(sub)
		}
	}
	if len(errs) > 0 {
		return NewPermanentError("invalid workflow", errors.Join(errs...)).WithCode(ErrCodeValidation)
	}
	return nil
}

// RollbackPolicy bounds deletion retries during rollback.
type RollbackPolicy struct {
	// MaxRetries is how many times a retryable deletion error is retried.
	MaxRetries int `json:"max_retries"`

	// RetryDelay is the base delay before the first retry; it doubles per retry.
	RetryDelay time.Duration `json:"retry_delay"`

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration `json:"max_delay"`

	// Timeout bounds the whole teardown. Zero means no bound.
	Timeout time.Duration `json:"timeout"`
}

// DefaultRollbackPolicy retries a handful of times a few seconds apart, long
// enough for dependents such as network interfaces to detach.
func DefaultRollbackPolicy() RollbackPolicy {
	return RollbackPolicy{
		MaxRetries: 5,
		RetryDelay: 5 * time.Second,
		MaxDelay:   time.Minute,
		Timeout:    30 * time.Minute,
	}
}

// WorkflowResult is the account of one run handed back to the caller.
type WorkflowResult struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Workflow is the workflow name, if one was given.
	Workflow string `json:"workflow,omitempty"`

	// State is the final run state.
	State RunState `json:"state"`

	// TotalSteps is the number of top-level steps in the run.
	TotalSteps int `json:"total_steps"`

	// CompletedSteps counts steps whose create (and poll, when required) succeeded.
	CompletedSteps int `json:"completed_steps"`

	// FailedStep is the step that stopped the run, nil on success.
	FailedStep *Step `json:"-"`

	// FailedStepName mirrors FailedStep.Name for serialization.
	FailedStepName string `json:"failed_step,omitempty"`

	// Failure is the classified error that stopped provisioning.
	Failure error `json:"-"`

	// Warnings are failures of optional steps that did not stop the run.
	Warnings []error `json:"-"`

	// LedgerSnapshot lists every resource created, in creation order.
	LedgerSnapshot []ResourceHandle `json:"ledger"`

	// RollbackPerformed is true when teardown deleted, or tried to delete,
	// at least one resource. It stays false when the run failed before
	// anything was created.
	RollbackPerformed bool `json:"rollback_performed"`

	// RollbackErrors are the deletions that failed and need manual follow-up.
	RollbackErrors []error `json:"-"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the result was produced.
	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded reports whether every step completed.
func (r *WorkflowResult) Succeeded() bool {
	return r.Failure == nil && r.FailedStep == nil
}

// FullyCleanedUp reports whether the run was torn down and nothing it
// created is left behind.
func (r *WorkflowResult) FullyCleanedUp() bool {
	return r.State == RunStateRolledBack && len(r.RollbackErrors) == 0
}

// Duration returns how long the run took.
func (r *WorkflowResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Err joins the provisioning failure and every rollback error.
func (r *WorkflowResult) Err() error {
	errs := make([]error, 0, 1+len(r.RollbackErrors))
	if r.Failure != nil {
		errs = append(errs, r.Failure)
	}
	errs = append(errs, r.RollbackErrors...)
	return errors.Join(errs...)
}

// RollbackErrorStrings returns the rollback errors as strings for reports.
func (r *WorkflowResult) RollbackErrorStrings() []string {
	out := make([]string, len(r.RollbackErrors))
	for i, err := range r.RollbackErrors {
		out[i] = err.Error()
	}
	return out
}
