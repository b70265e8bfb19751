package stores

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/openfroyo/provseq/pkg/engine"
	"github.com/openfroyo/provseq/pkg/telemetry"
)

// Journal records runs into a store. It is an engine.ProgressSink; Subscriber
// additionally copies telemetry events into run_events.
//
// Sink methods cannot fail a run, so write errors are logged and kept for Err.
type Journal struct {
	store *SQLiteStore

	mu   sync.Mutex
	errs []error
}

var _ engine.ProgressSink = (*Journal)(nil)

// NewJournal creates a journal writing to store.
func NewJournal(store *SQLiteStore) *Journal {
	return &Journal{store: store}
}

// Err returns every write error seen so far, joined.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return errors.Join(j.errs...)
}

func (j *Journal) record(ctx context.Context, op string, err error) {
	if err == nil {
		return
	}
	telemetry.FromContext(ctx).Error().Err(err).Str("operation", op).Msg("Failed to write run journal")

	j.mu.Lock()
	j.errs = append(j.errs, err)
	j.mu.Unlock()
}

func (j *Journal) RunStarted(ctx context.Context, runID, workflow string, totalSteps int) {
	j.record(ctx, "create run", j.store.CreateRun(ctx, &RunRecord{
		ID:         runID,
		Workflow:   workflow,
		State:      string(engine.RunStateProvisioning),
		TotalSteps: totalSteps,
		StartedAt:  time.Now(),
	}))
}

func (j *Journal) StepStarted(context.Context, engine.StepEvent) {}

func (j *Journal) StepSucceeded(ctx context.Context, ev engine.StepEvent) {
	j.recordHandle(ctx, ev)
}

// StepFailed records the handle of a resource that was created but never
// became ready; it is in the ledger and will be rolled back.
func (j *Journal) StepFailed(ctx context.Context, ev engine.StepEvent) {
	j.recordHandle(ctx, ev)
}

func (j *Journal) recordHandle(ctx context.Context, ev engine.StepEvent) {
	if ev.Handle == nil {
		return
	}
	j.recordResource(ctx, ev.RunID, *ev.Handle)
}

// recordResource journals a ledger entry as live. An entry already journaled
// keeps its row.
func (j *Journal) recordResource(ctx context.Context, runID string, h engine.ResourceHandle) {
	j.record(ctx, "record resource", j.store.RecordResource(ctx, &ResourceRecord{
		RunID:              runID,
		Position:           h.CreationIndex,
		Step:               h.Step,
		Kind:               string(h.Kind),
		ResourceID:         h.ID,
		DependsOnReadiness: h.DependsOnReadiness,
		Status:             ResourceStatusLive,
		CreatedAt:          h.CreatedAt,
	}))
}

func (j *Journal) PollAttempt(context.Context, engine.PollEvent) {}

func (j *Journal) RollbackItem(ctx context.Context, ev engine.RollbackEvent) {
	var status ResourceStatus
	switch ev.Outcome {
	case engine.RollbackDeleted:
		status = ResourceStatusDeleted
	case engine.RollbackFailed:
		status = ResourceStatusDeleteFailed
	default:
		status = ResourceStatusLive
	}

	h := ev.Handle
	// The ledger entry may not have been journaled yet when the step that
	// created it failed before reporting.
	j.recordResource(ctx, ev.RunID, h)
	j.record(ctx, "update resource", j.store.UpdateResourceStatus(ctx, ev.RunID, h.CreationIndex, status, ev.Attempt))

	if ev.Outcome != engine.RollbackFailed {
		return
	}
	rec := &RollbackErrorRecord{
		RunID:      ev.RunID,
		Step:       h.Step,
		ResourceID: h.ID,
		Attempts:   ev.Attempt,
	}
	if ev.Err != nil {
		rec.Message = ev.Err.Error()
		if code := rootCode(ev.Err); code != "" {
			rec.Code = &code
		}
	}
	j.record(ctx, "add rollback error", j.store.AddRollbackError(ctx, rec))
}

// RunFinished journals every ledger entry not seen yet, such as the members
// of a group step, then closes the run.
func (j *Journal) RunFinished(ctx context.Context, res *engine.WorkflowResult) {
	for _, h := range res.LedgerSnapshot {
		j.recordResource(ctx, res.RunID, h)
	}

	finished := res.FinishedAt
	run := &RunRecord{
		ID:                res.RunID,
		State:             string(res.State),
		CompletedSteps:    res.CompletedSteps,
		RollbackPerformed: res.RollbackPerformed,
		FinishedAt:        &finished,
	}
	if res.FailedStepName != "" {
		name := res.FailedStepName
		run.FailedStep = &name
	}
	if res.Failure != nil {
		msg := res.Failure.Error()
		run.Failure = &msg
		if code := engine.CodeOf(res.Failure); code != "" {
			run.FailureCode = &code
		}
	}
	j.record(ctx, "finish run", j.store.FinishRun(ctx, run))
}

// rootCode prefers the provider's code over the engine's DELETION_FAILED
// wrapper, which every rollback error carries.
func rootCode(err error) string {
	code := engine.CodeOf(err)
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Err != nil {
		if inner := engine.CodeOf(ee.Err); inner != "" {
			return inner
		}
	}
	return code
}

// Subscriber returns a telemetry subscriber that appends events to
// run_events. Events without a run are skipped.
func (j *Journal) Subscriber() telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		if event.RunID == "" {
			return
		}
		ctx := context.Background()

		rec := &EventRecord{
			ID:        event.ID,
			RunID:     event.RunID,
			Type:      event.Type,
			Level:     event.Level,
			Message:   event.Message,
			Timestamp: event.Timestamp,
		}
		if event.Step != "" {
			step := event.Step
			rec.Step = &step
		}
		if event.ResourceID != "" {
			id := event.ResourceID
			rec.ResourceID = &id
		}
		if len(event.Data) > 0 {
			data, err := json.Marshal(event.Data)
			if err != nil {
				j.record(ctx, "encode event", err)
				return
			}
			s := string(data)
			rec.Data = &s
		}
		j.record(ctx, "append event", j.store.AppendEvent(ctx, rec))
	}
}
