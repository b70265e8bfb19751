package engine

import (
	"context"
	"time"
)

// StepEvent describes a step transition.
type StepEvent struct {
	RunID    string
	Step     string
	Kind     ResourceKind
	Index    int
	Optional bool
	// Handle is set once the resource was created.
	Handle   *ResourceHandle
	Outcome  StepOutcome
	Err      error
	Duration time.Duration
}

// PollEvent describes one status check.
type PollEvent struct {
	RunID       string
	Step        string
	Kind        ResourceKind
	ResourceID  string
	Attempt     int
	MaxAttempts int
	Status      Status
	Err         error
}

// RollbackEvent describes one deletion attempt during rollback.
type RollbackEvent struct {
	RunID   string
	Handle  ResourceHandle
	Attempt int
	Outcome RollbackOutcome
	Err     error
	// Remaining is the number of ledger entries still to be deleted after this one.
	Remaining int
}

// ProgressSink receives progress events from a run. The engine performs no
// I/O of its own; logging, metrics and journaling are sinks.
//
// Sinks are called synchronously from the run goroutine, and concurrently
// from group steps, so implementations must be safe for concurrent use.
type ProgressSink interface {
	RunStarted(ctx context.Context, runID, workflow string, totalSteps int)
	StepStarted(ctx context.Context, ev StepEvent)
	StepSucceeded(ctx context.Context, ev StepEvent)
	StepFailed(ctx context.Context, ev StepEvent)
	PollAttempt(ctx context.Context, ev PollEvent)
	RollbackItem(ctx context.Context, ev RollbackEvent)
	RunFinished(ctx context.Context, result *WorkflowResult)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) RunStarted(context.Context, string, string, int) {}
func (NopSink) StepStarted(context.Context, StepEvent) {}
func (NopSink) StepSucceeded(context.Context, StepEvent) {}
func (NopSink) StepFailed(context.Context, StepEvent) {}
func (NopSink) PollAttempt(context.Context, PollEvent) {}
func (NopSink) RollbackItem(context.Context, RollbackEvent) {}
func (NopSink) RunFinished(context.Context, *WorkflowResult) {}

// MultiSink fans events out to several sinks in order.
type MultiSink []ProgressSink

func (m MultiSink) RunStarted(ctx context.Context, runID, workflow string, totalSteps int) {
	for _, s := range m {
		s.RunStarted(ctx, runID, workflow, totalSteps)
	}
}

func (m MultiSink) StepStarted(ctx context.Context, ev StepEvent) {
	for _, s := range m {
		s.StepStarted(ctx, ev)
	}
}

func (m MultiSink) StepSucceeded(ctx context.Context, ev StepEvent) {
	for _, s := range m {
		s.StepSucceeded(ctx, ev)
	}
}

func (m MultiSink) StepFailed(ctx context.Context, ev StepEvent) {
	for _, s := range m {
		s.StepFailed(ctx, ev)
	}
}

func (m MultiSink) PollAttempt(ctx context.Context, ev PollEvent) {
	for _, s := range m {
		s.PollAttempt(ctx, ev)
	}
}

func (m MultiSink) RollbackItem(ctx context.Context, ev RollbackEvent) {
	for _, s := range m {
		s.RollbackItem(ctx, ev)
	}
}

func (m MultiSink) RunFinished(ctx context.Context, result *WorkflowResult) {
	for _, s := range m {
		s.RunFinished(ctx, result)
	}
}

var (
	_ ProgressSink = NopSink{}
	_ ProgressSink = MultiSink(nil)
)
