package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// recorder logs provider calls in the order they happen.
type recorder struct {
	mu    sync.Mutex
	calls []string
	count map[string]int
}

func newRecorder() *recorder {
	return &recorder{count: make(map[string]int)}
}

// add records a call and returns how many times it has been made so far.
func (r *recorder) add(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	r.count[call]++
	return r.count[call]
}

func (r *recorder) list(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) times(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count[call]
}

// fakeResource describes the behaviour of one step's provider.
type fakeResource struct {
	name      string
	createErr error
	emptyID   bool
	// statuses are returned by successive polls; the last one repeats.
	statuses []Status
	// pollErr, if set, is consulted before statuses with the 1-based call number.
	pollErr func(call int) error
	// deleteErr is consulted with the 1-based delete call number.
	deleteErr func(call int) error
	noDelete  bool
	wait      bool
	optional  bool
	attempts  int
}

func (f fakeResource) step(rec *recorder) Step {
	id := f.name + "-id"
	s := Step{
		Name:     f.name,
		Kind:     ResourceKind(f.name),
		Optional: f.optional,
		Create: func(ctx context.Context, refs Refs) (string, error) {
			rec.add("create " + f.name)
			if f.createErr != nil {
				return "", f.createErr
			}
			if f.emptyID {
				return "", nil
			}
			return id, nil
		},
		Poll: func(ctx context.Context, got string) (Status, error) {
			n := rec.add("poll " + got)
			if f.pollErr != nil {
				if err := f.pollErr(n); err != nil {
					return "", err
				}
			}
			if len(f.statuses) == 0 {
				return "available", nil
			}
			if n > len(f.statuses) {
				return f.statuses[len(f.statuses)-1], nil
			}
			return f.statuses[n-1], nil
		},
	}
	if !f.noDelete {
		s.Delete = func(ctx context.Context, got string) error {
			n := rec.add("delete " + got)
			if f.deleteErr != nil {
				return f.deleteErr(n)
			}
			return nil
		}
	}
	if f.wait {
		attempts := f.attempts
		if attempts == 0 {
			attempts = 5
		}
		s.DependsOnReadiness = true
		s.Readiness = testReadiness(attempts)
	}
	return s
}

func testReadiness(attempts int) ReadinessPolicy {
	return ReadinessPolicy{
		SuccessStates:        []Status{"available"},
		FailureStates:        []Status{"failed"},
		MaxAttempts:          attempts,
		Interval:             time.Millisecond,
		MaxConsecutiveErrors: 2,
	}
}

func testRollbackPolicy() RollbackPolicy {
	return RollbackPolicy{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		MaxDelay:   4 * time.Millisecond,
		Timeout:    5 * time.Second,
	}
}

func buildSteps(rec *recorder, resources ...fakeResource) []Step {
	steps := make([]Step, len(resources))
	for i, r := range resources {
		steps[i] = r.step(rec)
	}
	return steps
}

// recordingSink keeps every event it receives.
type recordingSink struct {
	NopSink

	mu       sync.Mutex
	started  []string
	steps    []StepEvent
	polls    []PollEvent
	rollback []RollbackEvent
	finished []*WorkflowResult
}

func (s *recordingSink) RunStarted(_ context.Context, runID, workflow string, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, fmt.Sprintf("%s/%s/%d", runID, workflow, total))
}

func (s *recordingSink) StepSucceeded(_ context.Context, ev StepEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, ev)
}

func (s *recordingSink) StepFailed(_ context.Context, ev StepEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, ev)
}

func (s *recordingSink) PollAttempt(_ context.Context, ev PollEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls = append(s.polls, ev)
}

func (s *recordingSink) RollbackItem(_ context.Context, ev RollbackEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollback = append(s.rollback, ev)
}

func (s *recordingSink) RunFinished(_ context.Context, res *WorkflowResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, res)
}

func ledgerIDs(handles []ResourceHandle) []string {
	out := make([]string, len(handles))
	for i, h := range handles {
		out[i] = h.ID
	}
	return out
}
