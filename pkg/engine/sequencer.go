package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// CleanupDecider is asked, after every step succeeded, whether the resources
// should be torn down anyway. It receives the succeeded result.
type CleanupDecider func(ctx context.Context, result *WorkflowResult) bool

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithSink sets the progress sink. A nil sink discards events.
func WithSink(sink ProgressSink) Option {
	return func(s *Sequencer) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(s *Sequencer) {
		if id != "" {
			s.runID = id
		}
	}
}

// WithWorkflowName names the workflow in results and events.
func WithWorkflowName(name string) Option {
	return func(s *Sequencer) {
		s.workflow = name
	}
}

// WithRollbackPolicy sets the deletion retry policy.
func WithRollbackPolicy(policy RollbackPolicy) Option {
	return func(s *Sequencer) {
		s.rollback = policy
	}
}

// WithCleanupDecider installs the end-of-run "clean up?" decision.
func WithCleanupDecider(decide CleanupDecider) Option {
	return func(s *Sequencer) {
		s.decide = decide
	}
}

// Sequencer executes an ordered list of steps once, recording every created
// resource in its ledger and rolling the ledger back on failure.
//
// A Sequencer is scoped to one run; it holds no state shared with other runs.
type Sequencer struct {
	steps    []Step
	sink     ProgressSink
	runID    string
	workflow string
	rollback RollbackPolicy
	decide   CleanupDecider
	ledger   *Ledger

	mu        sync.Mutex
	state     RunState
	nextIndex int
	last      *WorkflowResult
}

// New creates a sequencer for the given steps.
func New(steps []Step, opts ...Option) *Sequencer {
	s := &Sequencer{
		steps:    steps,
		sink:     NopSink{},
		runID:    uuid.NewString(),
		rollback: DefaultRollbackPolicy(),
		ledger:   NewLedger(),
		state:    RunStateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes steps with a fresh Sequencer and returns its result.
func Run(ctx context.Context, steps []Step, sink ProgressSink, opts ...Option) *WorkflowResult {
	opts = append([]Option{WithSink(sink)}, opts...)
	return New(steps, opts...).Run(ctx)
}

// RunID returns the run identifier.
func (s *Sequencer) RunID() string {
	return s.runID
}

// State returns the current run state.
func (s *Sequencer) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the resources currently held by the ledger.
func (s *Sequencer) Snapshot() []ResourceHandle {
	return s.ledger.Snapshot()
}

// Run provisions every step in order. The first failing non-optional step
// stops provisioning and everything recorded so far is rolled back. Run
// never returns a nil result and never panics on provider errors.
//
// Run may only be called once per Sequencer.
func (s *Sequencer) Run(ctx context.Context) *WorkflowResult {
	res := &WorkflowResult{
		RunID:      s.runID,
		Workflow:   s.workflow,
		TotalSteps: len(s.steps),
		StartedAt:  time.Now(),
	}

	if err := s.transition(RunStateProvisioning); err != nil {
		res.State = s.State()
		res.Failure = NewPermanentError("sequencer already ran", err).WithCode(ErrCodeValidation)
		res.LedgerSnapshot = s.ledger.Snapshot()
		res.FinishedAt = time.Now()
		return res
	}
	res.State = RunStateProvisioning
	s.sink.RunStarted(ctx, s.runID, s.workflow, len(s.steps))

	if err := ValidateSteps(s.steps); err != nil {
		res.Failure = err
	} else {
		s.provision(ctx, res)
	}

	if res.Failure == nil {
		_ = s.transition(RunStateSucceeded)
		res.State = RunStateSucceeded
		res.LedgerSnapshot = s.ledger.Snapshot()

		if s.decide != nil && s.decide(ctx, cloneResult(res)) {
			s.teardown(ctx, res)
		}
	} else {
		_ = s.transition(RunStateFailing)
		res.State = RunStateFailing
		s.teardown(ctx, res)
	}

	res.FinishedAt = time.Now()
	s.finish(ctx, res)
	return res
}

// Teardown rolls back a succeeded run on explicit request and returns a new
// result. On a run that already rolled back it returns a copy of the final
// result; on a run that never started it reports a validation failure.
func (s *Sequencer) Teardown(ctx context.Context) *WorkflowResult {
	s.mu.Lock()
	state, last := s.state, s.last
	s.mu.Unlock()

	if last == nil {
		return &WorkflowResult{
			RunID:      s.runID,
			Workflow:   s.workflow,
			State:      state,
			TotalSteps: len(s.steps),
			Failure: NewPermanentError(
				fmt.Sprintf("cannot tear down a run in state %s", state), nil).WithCode(ErrCodeValidation),
			StartedAt:  time.Now(),
			FinishedAt: time.Now(),
		}
	}
	if state != RunStateSucceeded {
		return cloneResult(last)
	}

	res := cloneResult(last)
	s.teardown(ctx, res)
	res.FinishedAt = time.Now()
	s.finish(ctx, res)
	return res
}

func (s *Sequencer) provision(ctx context.Context, res *WorkflowResult) {
	for i := range s.steps {
		step := &s.steps[i]

		if err := ctx.Err(); err != nil {
			res.Failure = cancelledError(err).WithDetail("step", step.Name)
			res.FailedStep = step
			res.FailedStepName = step.Name
			return
		}

		err := s.runStep(ctx, i, *step)
		if err == nil {
			res.CompletedSteps++
			continue
		}

		if step.Optional && !HasCode(err, ErrCodeCancelled) {
			res.Warnings = append(res.Warnings, err)
			continue
		}

		res.Failure = err
		res.FailedStep = step
		res.FailedStepName = step.Name
		return
	}
}

// runStep executes one top-level step and reports it to the sink.
func (s *Sequencer) runStep(ctx context.Context, index int, step Step) error {
	start := time.Now()
	ev := StepEvent{
		RunID:    s.runID,
		Step:     step.Name,
		Kind:     step.Kind,
		Index:    index,
		Optional: step.Optional,
	}
	s.sink.StepStarted(ctx, ev)

	refs := s.ledger.Refs()
	var (
		handle *ResourceHandle
		err    error
	)
	if step.IsGroup() {
		err = s.runGroup(ctx, step, refs)
	} else {
		var h ResourceHandle
		h, err = s.create(ctx, step, refs)
		if err == nil {
			handle = &h
			if step.DependsOnReadiness {
				err = s.waitReady(ctx, step, h)
			}
		}
	}

	ev.Handle = handle
	ev.Duration = time.Since(start)
	if err != nil {
		ev.Err = err
		ev.Outcome = StepOutcomeFailed
		if step.Optional && !HasCode(err, ErrCodeCancelled) {
			ev.Outcome = StepOutcomeTolerated
		}
		s.sink.StepFailed(ctx, ev)
		return err
	}

	ev.Outcome = StepOutcomeSucceeded
	s.sink.StepSucceeded(ctx, ev)
	return nil
}

// create invokes the step's create function and appends the handle to the
// ledger as soon as an id is returned, before any readiness polling.
func (s *Sequencer) create(ctx context.Context, step Step, refs Refs) (ResourceHandle, error) {
	h := s.newHandle(step)
	id, err := s.invokeCreate(ctx, step, refs)
	if err != nil {
		return h, err
	}
	h.ID = id
	h.CreatedAt = time.Now()
	s.ledger.Append(h, step.Delete)
	return h, nil
}

func (s *Sequencer) invokeCreate(ctx context.Context, step Step, refs Refs) (string, error) {
	id, err := step.Create(ctx, refs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", cancelledError(errors.Join(err, ctxErr)).WithDetail("step", step.Name)
		}
		return "", creationError(step, err)
	}
	if id == "" {
		return "", creationError(step, errors.New("provider returned an empty id"))
	}
	return id, nil
}

func (s *Sequencer) newHandle(step Step) ResourceHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := ResourceHandle{
		Kind:               step.Kind,
		Step:               step.Name,
		CreationIndex:      s.nextIndex,
		DependsOnReadiness: step.DependsOnReadiness,
	}
	s.nextIndex++
	return h
}

// runGroup creates every sub-step concurrently, appends the created handles
// in declared order once all creates have returned, then waits for the
// readiness of the sub-steps that need it, again concurrently.
//
// Sibling creates are not cancelled when one fails: a create that is
// interrupted after the provider accepted it would leak an untracked resource.
func (s *Sequencer) runGroup(ctx context.Context, group Step, refs Refs) error {
	type created struct {
		handle ResourceHandle
		err    error
	}
	results := make([]created, len(group.Group))
	for i := range group.Group {
		results[i].handle = s.newHandle(group.Group[i])
	}

	var creates errgroup.Group
	for i := range group.Group {
		sub := group.Group[i]
		creates.Go(func() error {
			id, err := s.invokeCreate(ctx, sub, refs)
			results[i].handle.ID = id
			results[i].handle.CreatedAt = time.Now()
			results[i].err = err
			return nil
		})
	}
	_ = creates.Wait()

	var firstErr error
	for i, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		s.ledger.Append(r.handle, group.Group[i].Delete)
	}
	if firstErr != nil {
		return firstErr
	}

	polls, pctx := errgroup.WithContext(ctx)
	for i := range group.Group {
		sub := group.Group[i]
		if !sub.DependsOnReadiness {
			continue
		}
		h := results[i].handle
		polls.Go(func() error {
			return s.waitReady(pctx, sub, h)
		})
	}
	return polls.Wait()
}

func (s *Sequencer) waitReady(ctx context.Context, step Step, h ResourceHandle) error {
	p := NewPoller(step.Readiness)
	p.OnAttempt = func(attempt int, status Status, err error) {
		s.sink.PollAttempt(ctx, PollEvent{
			RunID:       s.runID,
			Step:        step.Name,
			Kind:        step.Kind,
			ResourceID:  h.ID,
			Attempt:     attempt,
			MaxAttempts: step.Readiness.MaxAttempts,
			Status:      status,
			Err:         err,
		})
	}

	res := p.Wait(ctx, h.ID, step.Poll)
	if res.Outcome == PollReady {
		return nil
	}
	return readinessError(h, res)
}

// teardown drains the ledger on a context that survives cancellation of the
// run, bounded by the rollback timeout.
func (s *Sequencer) teardown(ctx context.Context, res *WorkflowResult) {
	_ = s.transition(RunStateRollingBack)
	res.State = RunStateRollingBack
	res.LedgerSnapshot = s.ledger.Snapshot()

	rctx := context.WithoutCancel(ctx)
	if s.rollback.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(rctx, s.rollback.Timeout)
		defer cancel()
	}

	exec := &rollbackExecutor{policy: s.rollback, sink: s.sink, runID: s.runID}
	res.RollbackErrors = exec.execute(rctx, s.ledger)
	res.RollbackPerformed = len(res.LedgerSnapshot) > 0

	final := RunStateRolledBack
	if len(res.RollbackErrors) > 0 {
		final = RunStateRolledBackWithErrors
	}
	_ = s.transition(final)
	res.State = final
}

func (s *Sequencer) finish(ctx context.Context, res *WorkflowResult) {
	s.mu.Lock()
	s.last = cloneResult(res)
	s.mu.Unlock()

	s.sink.RunFinished(context.WithoutCancel(ctx), res)
}

func (s *Sequencer) transition(next RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CanTransitionTo(next) {
		return fmt.Errorf("invalid run state transition %s -> %s", s.state, next)
	}
	s.state = next
	return nil
}

func cloneResult(r *WorkflowResult) *WorkflowResult {
	c := *r
	c.LedgerSnapshot = append([]ResourceHandle(nil), r.LedgerSnapshot...)
	c.Warnings = append([]error(nil), r.Warnings...)
	c.RollbackErrors = append([]error(nil), r.RollbackErrors...)
	return &c
}
