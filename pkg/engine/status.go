package engine

import (
	"encoding/json"
	"fmt"
)

// Status is a provider-reported resource status such as "available" or "FAILED".
// The engine only compares it against the states declared in a ReadinessPolicy.
type Status string

// RunState represents the lifecycle state of a single workflow run.
//
//	idle -> provisioning -> succeeded
//	                     -> failing -> rolling_back -> rolled_back
//	                                                -> rolled_back_with_errors
//
// succeeded only moves on to rolling_back when the caller explicitly asks for teardown.
type RunState string

const (
	// RunStateIdle indicates the run has not started.
	RunStateIdle RunState = "idle"

	// RunStateProvisioning indicates steps are being executed.
	RunStateProvisioning RunState = "provisioning"

	// RunStateSucceeded indicates every step completed and nothing was torn down.
	RunStateSucceeded RunState = "succeeded"

	// RunStateFailing indicates a step failed or the run was cancelled.
	RunStateFailing RunState = "failing"

	// RunStateRollingBack indicates the ledger is being drained.
	RunStateRollingBack RunState = "rolling_back"

	// RunStateRolledBack indicates every recorded resource was deleted.
	RunStateRolledBack RunState = "rolled_back"

	// RunStateRolledBackWithErrors indicates at least one deletion failed.
	RunStateRolledBackWithErrors RunState = "rolled_back_with_errors"
)

var runStateTransitions = map[RunState][]RunState{
	RunStateIdle:         {RunStateProvisioning},
	RunStateProvisioning: {RunStateSucceeded, RunStateFailing},
	RunStateSucceeded:    {RunStateRollingBack},
	RunStateFailing:      {RunStateRollingBack},
	RunStateRollingBack:  {RunStateRolledBack, RunStateRolledBackWithErrors},
}

// IsTerminal returns true if the run state represents a final state.
func (s RunState) IsTerminal() bool {
	return s == RunStateSucceeded || s == RunStateRolledBack || s == RunStateRolledBackWithErrors
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
func (s RunState) CanTransitionTo(next RunState) bool {
	for _, allowed := range runStateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case RunStateIdle, RunStateProvisioning, RunStateSucceeded, RunStateFailing,
		RunStateRollingBack, RunStateRolledBack, RunStateRolledBackWithErrors:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunState(str)
	return s.Validate()
}

// PollOutcome is the result category of waiting for readiness.
type PollOutcome string

const (
	// PollReady indicates a success state was reached.
	PollReady PollOutcome = "ready"

	// PollFailed indicates a failure state was reached, a check error was
	// classified permanent, or too many consecutive checks failed.
	PollFailed PollOutcome = "failed"

	// PollTimedOut indicates MaxAttempts checks ran without a terminal state.
	PollTimedOut PollOutcome = "timed_out"

	// PollCancelled indicates the context ended while waiting.
	PollCancelled PollOutcome = "cancelled"
)

// StepOutcome is the per-step result reported to sinks and the journal.
type StepOutcome string

const (
	StepOutcomeSucceeded StepOutcome = "succeeded"
	StepOutcomeFailed    StepOutcome = "failed"

	// StepOutcomeTolerated marks a failed optional step; the run went on.
	StepOutcomeTolerated StepOutcome = "tolerated"
)

// RollbackOutcome is the result of deleting one ledger entry.
type RollbackOutcome string

const (
	RollbackDeleted RollbackOutcome = "deleted"
	RollbackRetried RollbackOutcome = "retrying"
	RollbackFailed  RollbackOutcome = "failed"
)
