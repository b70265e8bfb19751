package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/openfroyo/provseq/pkg/engine"
	"github.com/openfroyo/provseq/pkg/telemetry"
)

// setupTestStore opens a migrated store in a temporary directory.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if err := store.Migrate(context.Background()); err == nil {
		t.Error("Migrate() before Init() should fail")
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("NewSQLiteStore() without a path should fail")
	}
}

func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	older := &RunRecord{ID: "run-1", Workflow: "wf", State: "provisioning", TotalSteps: 3, StartedAt: time.Now().Add(-time.Hour)}
	newer := &RunRecord{ID: "run-2", Workflow: "wf", State: "provisioning", TotalSteps: 1, StartedAt: time.Now()}
	for _, r := range []*RunRecord{older, newer} {
		if err := store.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
	}
	if err := store.CreateRun(ctx, older); err == nil {
		t.Error("CreateRun() accepted a duplicate id")
	}

	finished := time.Now()
	failure, code, step := "boom", engine.ErrCodeCreationFailed, "igw"
	err := store.FinishRun(ctx, &RunRecord{
		ID:                "run-1",
		State:             string(engine.RunStateRolledBack),
		CompletedSteps:    2,
		FailedStep:        &step,
		Failure:           &failure,
		FailureCode:       &code,
		RollbackPerformed: true,
		FinishedAt:        &finished,
	})
	if err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.State != "rolled_back" || got.CompletedSteps != 2 || !got.RollbackPerformed || got.TotalSteps != 3 {
		t.Errorf("GetRun() = %+v", got)
	}
	if got.FailureCode == nil || *got.FailureCode != code || got.FailedStep == nil || *got.FailedStep != "igw" {
		t.Errorf("failure fields = %v %v", got.FailureCode, got.FailedStep)
	}
	if got.FinishedAt == nil || got.Duration() <= 0 {
		t.Errorf("FinishedAt = %v, Duration = %v", got.FinishedAt, got.Duration())
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" {
		t.Errorf("ListRuns() order = %v, want most recent first", runIDs(runs))
	}
	if runs[0].FinishedAt != nil || runs[0].Duration() != 0 {
		t.Errorf("unfinished run has FinishedAt %v", runs[0].FinishedAt)
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.FinishRun(ctx, &RunRecord{ID: "missing", State: "succeeded"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishRun(missing) error = %v, want ErrNotFound", err)
	}

	if err := store.RecordResource(ctx, &ResourceRecord{RunID: "run-1", Position: 0, Step: "vpc", Kind: "vpc", ResourceID: "vpc-1", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	if resources, _ := store.ListResources(ctx, "run-1"); len(resources) != 0 {
		t.Errorf("resources survived their run: %v", resources)
	}
	if err := store.DeleteRun(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteRun() error = %v, want ErrNotFound", err)
	}
}

func TestRecordResourceRequiresRun(t *testing.T) {
	store := setupTestStore(t)
	err := store.RecordResource(context.Background(), &ResourceRecord{RunID: "ghost", Step: "vpc", Kind: "vpc", ResourceID: "vpc-1", CreatedAt: time.Now()})
	if err == nil {
		t.Error("RecordResource() for an unknown run should violate the foreign key")
	}
}

// journalStep builds a step whose delete may fail.
func journalStep(name, id string, createErr, deleteErr error, deleted *[]string) engine.Step {
	return engine.Step{
		Name: name,
		Kind: engine.ResourceKind(name),
		Create: func(context.Context, engine.Refs) (string, error) {
			if createErr != nil {
				return "", createErr
			}
			return id, nil
		},
		Delete: func(_ context.Context, id string) error {
			if deleteErr != nil {
				return deleteErr
			}
			*deleted = append(*deleted, id)
			return nil
		},
	}
}

func TestJournalRecordsRollback(t *testing.T) {
	store := setupTestStore(t)
	journal := NewJournal(store)
	ctx := context.Background()

	var deleted []string
	denied := engine.NewPermanentError("access denied", nil).WithCode(engine.ErrCodeProviderFailed)
	steps := []engine.Step{
		journalStep("vpc", "vpc-1", nil, nil, &deleted),
		journalStep("sg", "sg-1", nil, denied, &deleted),
		journalStep("igw", "", errors.New("quota exceeded"), nil, &deleted),
	}

	res := engine.Run(ctx, steps, journal,
		engine.WithWorkflowName("tutorial"),
		engine.WithRunID("run-42"),
		engine.WithRollbackPolicy(engine.RollbackPolicy{MaxRetries: 0, RetryDelay: time.Millisecond, Timeout: time.Minute}))

	if res.State != engine.RunStateRolledBackWithErrors {
		t.Fatalf("State = %s, want rolled_back_with_errors", res.State)
	}
	if err := journal.Err(); err != nil {
		t.Fatalf("journal errors: %v", err)
	}

	detail, err := store.GetRunDetail(ctx, "run-42", false)
	if err != nil {
		t.Fatalf("GetRunDetail() error = %v", err)
	}

	run := detail.Run
	if run.Workflow != "tutorial" || run.State != string(engine.RunStateRolledBackWithErrors) || run.TotalSteps != 3 {
		t.Errorf("run = %+v", run)
	}
	if run.FailedStep == nil || *run.FailedStep != "igw" {
		t.Errorf("FailedStep = %v, want igw", run.FailedStep)
	}
	if run.FailureCode == nil || *run.FailureCode != engine.ErrCodeCreationFailed {
		t.Errorf("FailureCode = %v, want CREATION_FAILED", run.FailureCode)
	}
	if !run.RollbackPerformed || run.FinishedAt == nil {
		t.Errorf("RollbackPerformed = %v, FinishedAt = %v", run.RollbackPerformed, run.FinishedAt)
	}

	type row struct {
		Step, ResourceID string
		Status           ResourceStatus
	}
	var rows []row
	for _, r := range detail.Resources {
		rows = append(rows, row{r.Step, r.ResourceID, r.Status})
	}
	want := []row{
		{"vpc", "vpc-1", ResourceStatusDeleted},
		{"sg", "sg-1", ResourceStatusDeleteFailed},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("resources mismatch (-want +got):\n%s", diff)
	}
	if detail.Resources[0].DeletedAt == nil || detail.Resources[1].DeletedAt != nil {
		t.Errorf("DeletedAt = %v, %v", detail.Resources[0].DeletedAt, detail.Resources[1].DeletedAt)
	}

	if len(detail.RollbackErrors) != 1 {
		t.Fatalf("RollbackErrors = %d, want 1", len(detail.RollbackErrors))
	}
	rbErr := detail.RollbackErrors[0]
	if rbErr.Step != "sg" || rbErr.ResourceID != "sg-1" || rbErr.Attempts != 1 {
		t.Errorf("rollback error = %+v", rbErr)
	}
	if rbErr.Code == nil || *rbErr.Code != engine.ErrCodeProviderFailed {
		t.Errorf("rollback error code = %v, want the provider's code", rbErr.Code)
	}
	if diff := cmp.Diff([]string{"vpc-1"}, deleted); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
}

func TestJournalRecordsGroupResources(t *testing.T) {
	store := setupTestStore(t)
	journal := NewJournal(store)
	ctx := context.Background()

	var deleted []string
	steps := []engine.Step{
		journalStep("vpc", "vpc-1", nil, nil, &deleted),
		{
			Name: "subnets",
			Group: []engine.Step{
				journalStep("subnet-a", "subnet-a1", nil, nil, &deleted),
				journalStep("subnet-b", "subnet-b1", nil, nil, &deleted),
			},
		},
	}

	res := engine.Run(ctx, steps, journal, engine.WithRunID("run-group"))

	if res.State != engine.RunStateSucceeded {
		t.Fatalf("State = %s, want succeeded (failure: %v)", res.State, res.Failure)
	}
	if err := journal.Err(); err != nil {
		t.Fatalf("journal errors: %v", err)
	}

	resources, err := store.ListResources(ctx, "run-group")
	if err != nil {
		t.Fatalf("ListResources() error = %v", err)
	}
	if len(resources) != len(res.LedgerSnapshot) {
		t.Fatalf("ListResources() = %d rows, ledger has %d", len(resources), len(res.LedgerSnapshot))
	}

	type row struct {
		Position         int
		Step, ResourceID string
		Status           ResourceStatus
	}
	var got, want []row
	for _, r := range resources {
		got = append(got, row{r.Position, r.Step, r.ResourceID, r.Status})
	}
	for _, h := range res.LedgerSnapshot {
		want = append(want, row{h.CreationIndex, h.Step, h.ID, ResourceStatusLive})
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("resources mismatch (-want +got):\n%s", diff)
	}
	if len(deleted) != 0 {
		t.Errorf("deleted = %v, want nothing", deleted)
	}
}

func TestJournalKeepsRollbackStatusOnFinish(t *testing.T) {
	store := setupTestStore(t)
	journal := NewJournal(store)
	ctx := context.Background()

	var deleted []string
	steps := []engine.Step{
		{
			Name: "subnets",
			Group: []engine.Step{
				journalStep("subnet-a", "subnet-a1", nil, nil, &deleted),
				journalStep("subnet-b", "", errors.New("InvalidSubnet.Conflict"), nil, &deleted),
			},
		},
	}

	res := engine.Run(ctx, steps, journal,
		engine.WithRunID("run-group-fail"),
		engine.WithRollbackPolicy(engine.RollbackPolicy{MaxRetries: 0, RetryDelay: time.Millisecond, Timeout: time.Minute}))

	if res.State != engine.RunStateRolledBack {
		t.Fatalf("State = %s, want rolled_back", res.State)
	}

	resources, err := store.ListResources(ctx, "run-group-fail")
	if err != nil {
		t.Fatalf("ListResources() error = %v", err)
	}
	if len(resources) != 1 || resources[0].ResourceID != "subnet-a1" || resources[0].Status != ResourceStatusDeleted {
		t.Errorf("resources = %+v, want subnet-a1 deleted", resources)
	}
}

func TestJournalSubscriber(t *testing.T) {
	store := setupTestStore(t)
	journal := NewJournal(store)
	ctx := context.Background()

	if err := store.CreateRun(ctx, &RunRecord{ID: "run-1", State: "provisioning", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	subscribe := journal.Subscriber()
	base := time.Now()
	subscribe(telemetry.Event{ID: "e1", Type: telemetry.EventTypeRunStarted, RunID: "run-1", Level: telemetry.EventLevelInfo, Message: "started", Timestamp: base})
	subscribe(telemetry.Event{
		ID: "e2", Type: telemetry.EventTypeStepSucceeded, RunID: "run-1", Step: "vpc", ResourceID: "vpc-1",
		Level: telemetry.EventLevelInfo, Message: "vpc ready", Timestamp: base.Add(time.Second),
		Data: map[string]interface{}{"attempts": 3},
	})
	subscribe(telemetry.Event{ID: "e3", Type: "other", Message: "no run", Timestamp: base})

	events, err := store.ListEvents(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Step != nil || events[1].Step == nil || *events[1].Step != "vpc" {
		t.Errorf("steps = %v, %v", events[0].Step, events[1].Step)
	}
	if events[1].Data == nil || *events[1].Data != `{"attempts":3}` {
		t.Errorf("Data = %v", events[1].Data)
	}

	limited, err := store.ListEvents(ctx, "run-1", 1)
	if err != nil || len(limited) != 1 || limited[0].ID != "e1" {
		t.Errorf("ListEvents(limit 1) = %v, %v", limited, err)
	}

	// Events for unknown runs fail the foreign key and are reported.
	subscribe(telemetry.Event{ID: "e4", RunID: "ghost", Type: "x", Level: "info", Message: "m", Timestamp: base})
	if journal.Err() == nil {
		t.Error("Err() = nil after a failed write")
	}
}

func runIDs(runs []*RunRecord) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
