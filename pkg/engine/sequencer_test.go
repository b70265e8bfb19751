package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRunAllStepsSucceed(t *testing.T) {
	rec := newRecorder()
	sink := &recordingSink{}
	steps := buildSteps(rec,
		fakeResource{name: "vpc", wait: true, statuses: []Status{"pending", "available"}},
		fakeResource{name: "subnet", wait: true},
		fakeResource{name: "tags"},
	)

	res := Run(context.Background(), steps, sink,
		WithRollbackPolicy(testRollbackPolicy()), WithWorkflowName("vpc-tutorial"))

	if res.State != RunStateSucceeded {
		t.Fatalf("Expected state %s, got %s (failure: %v)", RunStateSucceeded, res.State, res.Failure)
	}
	if !res.Succeeded() {
		t.Error("Expected Succeeded() to be true")
	}
	if res.CompletedSteps != 3 || res.TotalSteps != 3 {
		t.Errorf("Expected 3/3 steps, got %d/%d", res.CompletedSteps, res.TotalSteps)
	}
	if res.RollbackPerformed {
		t.Error("Expected no rollback on full success")
	}
	if len(res.RollbackErrors) != 0 {
		t.Errorf("Expected no rollback errors, got %v", res.RollbackErrors)
	}
	if deletes := rec.list("delete"); len(deletes) != 0 {
		t.Errorf("Expected no deletions, got %v", deletes)
	}
	if diff := cmp.Diff([]string{"vpc-id", "subnet-id", "tags-id"}, ledgerIDs(res.LedgerSnapshot)); diff != "" {
		t.Errorf("Ledger mismatch (-want +got):\n%s", diff)
	}
	for i, h := range res.LedgerSnapshot {
		if h.CreationIndex != i {
			t.Errorf("Expected creation index %d for %s, got %d", i, h.ID, h.CreationIndex)
		}
	}
	if !res.LedgerSnapshot[0].DependsOnReadiness || res.LedgerSnapshot[2].DependsOnReadiness {
		t.Error("Expected DependsOnReadiness to mirror the step")
	}
	if res.Workflow != "vpc-tutorial" || res.RunID == "" {
		t.Errorf("Expected workflow name and run id, got %q/%q", res.Workflow, res.RunID)
	}
	if len(sink.finished) != 1 || len(sink.started) != 1 {
		t.Errorf("Expected one start and one finish event, got %d/%d", len(sink.started), len(sink.finished))
	}
	if len(sink.polls) != 3 {
		t.Errorf("Expected 3 poll events, got %d", len(sink.polls))
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	rec := newRecorder()
	steps := buildSteps(rec,
		fakeResource{name: "vpc", wait: true},
		fakeResource{name: "subnet", createErr: errors.New("InvalidParameterValue")},
		fakeResource{name: "instance", wait: true},
	)

	res := Run(context.Background(), steps, nil, WithRollbackPolicy(testRollbackPolicy()))

	if rec.times("create instance") != 0 {
		t.Error("Expected no create call after the failing step")
	}
	if res.FailedStep == nil || res.FailedStep.Name != "subnet" {
		t.Fatalf("Expected failed step subnet, got %v", res.FailedStep)
	}
	if !errors.Is(res.Failure, ErrCreation) {
		t.Errorf("Expected creation error, got %v", res.Failure)
	}
	if res.CompletedSteps != 1 {
		t.Errorf("Expected 1 completed step, got %d", res.CompletedSteps)
	}
	if diff := cmp.Diff([]string{"vpc-id"}, ledgerIDs(res.LedgerSnapshot)); diff != "" {
		t.Errorf("Ledger mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"delete vpc-id"}, rec.list("delete")); diff != "" {
		t.Errorf("Deletions mismatch (-want +got):\n%s", diff)
	}
	if res.State != RunStateRolledBack || !res.FullyCleanedUp() {
		t.Errorf("Expected clean rollback, got state %s with errors %v", res.State, res.RollbackErrors)
	}
}

func TestRunReadinessFailureRollsBackEverything(t *testing.T) {
	rec := newRecorder()
	steps := buildSteps(rec,
		fakeResource{name: "vpc", wait: true},
		fakeResource{name: "subnet", wait: true},
		fakeResource{name: "instance", wait: true, statuses: []Status{"pending", "failed"}},
	)

	res := Run(context.Background(), steps, nil, WithRollbackPolicy(testRollbackPolicy()))

	if res.CompletedSteps != 2 {
		t.Errorf("Expected 2 completed steps, got %d", res.CompletedSteps)
	}
	if res.FailedStep == nil || res.FailedStep.Name != "instance" {
		t.Fatalf("Expected failed step instance, got %v", res.FailedStep)
	}
	if !errors.Is(res.Failure, ErrReadinessFailed) {
		t.Errorf("Expected readiness failure, got %v", res.Failure)
	}
	if diff := cmp.Diff([]string{"vpc-id", "subnet-id", "instance-id"}, ledgerIDs(res.LedgerSnapshot)); diff != "" {
		t.Errorf("Ledger mismatch (-want +got):\n%s", diff)
	}
	want := []string{"delete instance-id", "delete subnet-id", "delete vpc-id"}
	if diff := cmp.Diff(want, rec.list("delete")); diff != "" {
		t.Errorf("Deletion order mismatch (-want +got):\n%s", diff)
	}
	if !res.RollbackPerformed || res.State != RunStateRolledBack {
		t.Errorf("Expected rolled back run, got state %s", res.State)
	}
}

func TestRunCreateErrorAtSecondOfThree(t *testing.T) {
	rec := newRecorder()
	steps := buildSteps(rec,
		fakeResource{name: "step1"},
		fakeResource{name: "step2", createErr: errors.New("LimitExceeded")},
		fakeResource{name: "step3"},
	)

	res := Run(context.Background(), steps, nil, WithRollbackPolicy(testRollbackPolicy()))

	if diff := cmp.Diff([]string{"step1-id"}, ledgerIDs(res.LedgerSnapshot)); diff != "" {
		t.Errorf("Ledger mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"delete step1-id"}, rec.list("delete")); diff != "" {
		t.Errorf("Deletions mismatch (-want +got):\n%s", diff)
	}
}

func TestRunReadinessTimeoutUsesExactAttempts(t *testing.T) {
	rec := newRecorder()
	steps := buildSteps(rec,
		fakeResource{name: "cluster", wait: true, attempts: 4, statuses: []Status{"creating"}},
	)

	res := Run(context.Background(), steps, nil, WithRollbackPolicy(testRollbackPolicy()))

	if !errors.Is(res.Failure, ErrReadinessTimeout) {
		t.Fatalf("Expected readiness timeout, got %v", res.Failure)
	}
	if got := rec.times("poll cluster-id"); got != 4 {
		t.Errorf("Expected exactly 4 status checks, got %d", got)
	}
	if diff := cmp.Diff([]string{"delete cluster-id"}, rec.list("delete")); diff != "" {
		t.Errorf("Expected the unready resource to be deleted (-want +got):\n%s", diff)
	}
}

func TestRunEmptyIDIsCreationError(t *testing.T) {
	rec := newRecorder()
	steps := buildSteps(rec,
		fakeResource{name: "vpc"},
		fakeResource{name: "role", emptyID: true},
	)

	res := Run(context.Background(), steps, nil, WithRollbackPolicy(testRollbackPolicy()))

	if !HasCode(res.Failure, ErrCodeCreationFailed) {
		t.Errorf("Expected CREATION_FAILED, got %v", res.Failure)
	}
	if len(res.LedgerSnapshot) != 1 {
		t.Errorf("Expected only the vpc in the ledger, got %v", ledgerIDs(res.LedgerSnapshot))
	}
}

func TestRunCancelledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := newRecorder()
	steps := buildSteps(rec,
		fakeResource{name: "vpc"},
		fakeResource{name: "subnet"},
	)
	create := steps[0].Create
	steps[0].Create = func(ctx context.Context, refs Refs) (string, error) {
		id, err := create(ctx, refs)
		cancel()
		return id, err
	}

	res := Run(ctx, steps, nil, WithRollbackPolicy(testRollbackPolicy()))

	if !errors.Is(res.Failure, ErrCancelled) {
		t.Fatalf("Expected cancellation, got %v", res.Failure)
	}
	if rec.times("create subnet") != 0 {
		t.Error("Expected no create after cancellation")
	}
	if res.FailedStep == nil || res.FailedStep.Name != "subnet" {
		t.Errorf("Expected the pending step to be reported, got %v", res.FailedStep)
	}
	if diff := cmp.Diff([]string{"delete vpc-id"}, rec.list("delete")); diff != "" {
		t.Errorf("Expected rollback to run despite cancellation (-want +got):\n%s", diff)
	}
	if res.State != RunStateRolledBack {
		t.Errorf("Expected state %s, got %s", RunStateRolledBack, res.State)
	}
}

func TestRunCancelledWhilePolling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := newRecorder()
	steps := buildSteps(rec,
		fakeResource{name: "cluster", wait: true, attempts: 50, statuses: []Status{"creating"}},
	)
	poll := steps[0].Poll
	steps[0].Poll = func(ctx context.Context, id string) (Status, error) {
		status, err := poll(ctx, id)
		if rec.times("poll "+id) == 2 {
			cancel()
		}
		return status, err
	}

	res := Run(ctx, steps, nil, WithRollbackPolicy(testRollbackPolicy()))

	if !HasCode(res.Failure, ErrCodeCancelled) {
		t.Fatalf("Expected cancellation, got %v", res.Failure)
	}
	if got := rec.times("poll cluster-id"); got != 2 {
		t.Errorf("Expected polling to stop after 2 checks, got %d", got)
	}
	if diff := cmp.Diff([]string{"delete cluster-id"}, rec.list("delete")); diff != "" {
		t.Errorf("Deletions mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOptionalStepFailureContinues(t *testing.T) {
	rec := newRecorder()
	sink := &recordingSink{}
	steps := buildSteps(rec,
		fakeResource{name: "role"},
		fakeResource{name: "policy-attachment", optional: true, createErr: errors.New("already attached")},
		fakeResource{name: "function"},
	)

	res := Run(context.Background(), steps, sink, WithRollbackPolicy(testRollbackPolicy()))

	if res.State != RunStateSucceeded {
		t.Fatalf("Expected state %s, got %s (failure: %v)", RunStateSucceeded, res.State, res.Failure)
	}
	if res.CompletedSteps != 2 {
		t.Errorf("Expected 2 completed steps, got %d", res.CompletedSteps)
	}
	if len(res.Warnings) != 1 || !errors.Is(res.Warnings[0], ErrCreation) {
		t.Errorf("Expected one creation warning, got %v", res.Warnings)
	}
	if rec.times("create function") != 1 {
		t.Error("Expected the run to continue past the optional step")
	}

	var tolerated int
	for _, ev := range sink.steps {
		if ev.Outcome == StepOutcomeTolerated {
			tolerated++
		}
	}
	if tolerated != 1 {
		t.Errorf("Expected one tolerated step event, got %d", tolerated)
	}
}

func TestRunGroupStep(t *testing.T) {
	rec := newRecorder()
	steps := []Step{
		fakeResource{name: "vpc"}.step(rec),
		{
			Name: "subnets",
			Group: buildSteps(rec,
				fakeResource{name: "subnet-a", wait: true, statuses: []Status{"pending", "available"}},
				fakeResource{name: "subnet-b", wait: true},
				fakeResource{name: "subnet-c"},
			),
		},
		fakeResource{name: "instance"}.step(rec),
	}

	res := Run(context.Background(), steps, nil, WithRollbackPolicy(testRollbackPolicy()))

	if res.State != RunStateSucceeded {
		t.Fatalf("Expected state %s, got %s (failure: %v)", RunStateSucceeded, res.State, res.Failure)
	}
	if res.CompletedSteps != 3 {
		t.Errorf("Expected the group to count as one step, got %d completed", res.CompletedSteps)
	}
	want := []string{"vpc-id", "subnet-a-id", "subnet-b-id", "subnet-c-id", "instance-id"}
	if diff := cmp.Diff(want, ledgerIDs(res.LedgerSnapshot)); diff != "" {
		t.Errorf("Ledger mismatch (-want +got):\n%s", diff)
	}
	for i := 1; i < len(res.LedgerSnapshot); i++ {
		if res.LedgerSnapshot[i].CreationIndex <= res.LedgerSnapshot[i-1].CreationIndex {
			t.Errorf("Expected increasing creation indices, got %d after %d",
				res.LedgerSnapshot[i].CreationIndex, res.LedgerSnapshot[i-1].CreationIndex)
		}
	}
}

func TestRunGroupStepFailureKeepsCreatedSiblings(t *testing.T) {
	rec := newRecorder()
	steps := []Step{
		fakeResource{name: "vpc"}.step(rec),
		{
			Name: "subnets",
			Group: buildSteps(rec,
				fakeResource{name: "subnet-a"},
				fakeResource{name: "subnet-b", createErr: errors.New("InvalidSubnet.Conflict")},
				fakeResource{name: "subnet-c"},
			),
		},
	}

	res := Run(context.Background(), steps, nil, WithRollbackPolicy(testRollbackPolicy()))

	if res.FailedStep == nil || res.FailedStep.Name != "subnets" {
		t.Fatalf("Expected failed step subnets, got %v", res.FailedStep)
	}
	if diff := cmp.Diff([]string{"vpc-id", "subnet-a-id", "subnet-c-id"}, ledgerIDs(res.LedgerSnapshot)); diff != "" {
		t.Errorf("Ledger mismatch (-want +got):\n%s", diff)
	}
	want := []string{"delete subnet-c-id", "delete subnet-a-id", "delete vpc-id"}
	if diff := cmp.Diff(want, rec.list("delete")); diff != "" {
		t.Errorf("Deletion order mismatch (-want +got):\n%s", diff)
	}
}

func TestRunValidationFailure(t *testing.T) {
	rec := newRecorder()
	steps := buildSteps(rec,
		fakeResource{name: "vpc"},
		fakeResource{name: "vpc"},
	)

	sink := &recordingSink{}

	res := Run(context.Background(), steps, sink)

	if !HasCode(res.Failure, ErrCodeValidation) {
		t.Fatalf("Expected validation error, got %v", res.Failure)
	}
	if creates := rec.list("create"); len(creates) != 0 {
		t.Errorf("Expected no creates, got %v", creates)
	}
	if res.RollbackPerformed {
		t.Error("Expected no rollback over an empty ledger")
	}
	if len(res.LedgerSnapshot) != 0 || len(sink.rollback) != 0 {
		t.Errorf("Expected nothing to tear down, got ledger %v and %d rollback events",
			res.LedgerSnapshot, len(sink.rollback))
	}
	if res.State != RunStateRolledBack || !res.FullyCleanedUp() {
		t.Errorf("Expected a clean terminal state, got %s with %v", res.State, res.RollbackErrors)
	}
}

func TestRunFirstStepFailureHasNothingToRollBack(t *testing.T) {
	rec := newRecorder()
	steps := buildSteps(rec,
		fakeResource{name: "vpc", createErr: errors.New("VpcLimitExceeded")},
		fakeResource{name: "subnet"},
	)

	res := Run(context.Background(), steps, nil, WithRollbackPolicy(testRollbackPolicy()))

	if !errors.Is(res.Failure, ErrCreation) {
		t.Fatalf("Expected creation error, got %v", res.Failure)
	}
	if res.RollbackPerformed {
		t.Error("Expected no rollback when nothing was created")
	}
	if res.State != RunStateRolledBack || !res.FullyCleanedUp() {
		t.Errorf("Expected a clean terminal state, got %s", res.State)
	}
}

func TestRunRejectsOptionalGroupMember(t *testing.T) {
	rec := newRecorder()
	steps := []Step{
		fakeResource{name: "vpc"}.step(rec),
		{
			Name: "subnets",
			Group: buildSteps(rec,
				fakeResource{name: "subnet-a"},
				fakeResource{name: "subnet-b", optional: true, createErr: errors.New("InvalidSubnet.Conflict")},
			),
		},
	}

	res := Run(context.Background(), steps, nil, WithRollbackPolicy(testRollbackPolicy()))

	if !HasCode(res.Failure, ErrCodeValidation) {
		t.Fatalf("Expected validation error, got %v", res.Failure)
	}
	if !strings.Contains(res.Failure.Error(), `group member "subnet-b" cannot be optional`) {
		t.Errorf("Expected the member to be named, got %v", res.Failure)
	}
	if creates := rec.list("create"); len(creates) != 0 {
		t.Errorf("Expected no creates, got %v", creates)
	}
}

func TestStepValidateGroupMembers(t *testing.T) {
	rec := newRecorder()
	tests := []struct {
		name    string
		step    Step
		wantErr string
	}{
		{
			name: "plain members",
			step: Step{Name: "g", Group: buildSteps(rec, fakeResource{name: "a"}, fakeResource{name: "b"})},
		},
		{
			name:    "optional member",
			step:    Step{Name: "g", Group: buildSteps(rec, fakeResource{name: "a", optional: true})},
			wantErr: "cannot be optional",
		},
		{
			name:    "nested group",
			step:    Step{Name: "g", Group: []Step{{Name: "inner", Group: buildSteps(rec, fakeResource{name: "a"})}}},
			wantErr: "nested groups",
		},
		{
			name: "optional group",
			step: Step{Name: "g", Optional: true, Group: buildSteps(rec, fakeResource{name: "a"})},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.step.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestSequencerRunsOnce(t *testing.T) {
	rec := newRecorder()
	seq := New(buildSteps(rec, fakeResource{name: "vpc"}))

	first := seq.Run(context.Background())
	second := seq.Run(context.Background())

	if first.State != RunStateSucceeded {
		t.Fatalf("Expected first run to succeed, got %s", first.State)
	}
	if !HasCode(second.Failure, ErrCodeValidation) {
		t.Errorf("Expected second run to be rejected, got %v", second.Failure)
	}
	if rec.times("create vpc") != 1 {
		t.Errorf("Expected a single create, got %d", rec.times("create vpc"))
	}
}

func TestSequencerTeardownAfterSuccess(t *testing.T) {
	rec := newRecorder()
	seq := New(buildSteps(rec,
		fakeResource{name: "a"},
		fakeResource{name: "b"},
		fakeResource{name: "c"},
	), WithRollbackPolicy(testRollbackPolicy()))

	res := seq.Run(context.Background())
	if res.State != RunStateSucceeded {
		t.Fatalf("Expected success, got %s", res.State)
	}

	down := seq.Teardown(context.Background())

	if res.State != RunStateSucceeded || res.RollbackPerformed {
		t.Error("Expected the first result to be left untouched")
	}
	if down.State != RunStateRolledBack || !down.FullyCleanedUp() {
		t.Errorf("Expected clean teardown, got %s with %v", down.State, down.RollbackErrors)
	}
	want := []string{"delete c-id", "delete b-id", "delete a-id"}
	if diff := cmp.Diff(want, rec.list("delete")); diff != "" {
		t.Errorf("Deletion order mismatch (-want +got):\n%s", diff)
	}

	again := seq.Teardown(context.Background())
	if again.State != RunStateRolledBack || len(rec.list("delete")) != 3 {
		t.Error("Expected a second teardown to be a no-op")
	}
}

func TestSequencerTeardownBeforeRun(t *testing.T) {
	seq := New(nil)
	res := seq.Teardown(context.Background())
	if !HasCode(res.Failure, ErrCodeValidation) {
		t.Errorf("Expected validation error, got %v", res.Failure)
	}
}

func TestRunCleanupDecider(t *testing.T) {
	rec := newRecorder()
	var asked RunState
	steps := buildSteps(rec, fakeResource{name: "bucket"}, fakeResource{name: "object"})

	res := Run(context.Background(), steps, nil,
		WithRollbackPolicy(testRollbackPolicy()),
		WithCleanupDecider(func(ctx context.Context, r *WorkflowResult) bool {
			asked = r.State
			return true
		}))

	if asked != RunStateSucceeded {
		t.Errorf("Expected decider to see a succeeded run, got %s", asked)
	}
	if res.State != RunStateRolledBack {
		t.Errorf("Expected state %s, got %s", RunStateRolledBack, res.State)
	}
	if diff := cmp.Diff([]string{"delete object-id", "delete bucket-id"}, rec.list("delete")); diff != "" {
		t.Errorf("Deletion order mismatch (-want +got):\n%s", diff)
	}
	if res.CompletedSteps != 2 || res.Failure != nil {
		t.Errorf("Expected the provisioning account to be kept, got %d steps, failure %v", res.CompletedSteps, res.Failure)
	}
}

func TestRunStepsReceiveRefs(t *testing.T) {
	var gotVPC string
	steps := []Step{
		{
			Name:   "vpc",
			Kind:   "vpc",
			Create: func(ctx context.Context, refs Refs) (string, error) { return "vpc-0123", nil },
			Delete: func(ctx context.Context, id string) error { return nil },
		},
		{
			Name: "subnet",
			Kind: "subnet",
			Create: func(ctx context.Context, refs Refs) (string, error) {
				id, err := refs.MustGet("vpc")
				gotVPC = id
				return "subnet-0456", err
			},
			Delete: func(ctx context.Context, id string) error { return nil },
		},
	}

	res := Run(context.Background(), steps, nil)
	if res.State != RunStateSucceeded {
		t.Fatalf("Expected success, got %s (failure: %v)", res.State, res.Failure)
	}
	if gotVPC != "vpc-0123" {
		t.Errorf("Expected subnet to see vpc-0123, got %q", gotVPC)
	}
}
