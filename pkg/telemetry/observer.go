package telemetry

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfroyo/provseq/pkg/engine"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Observer turns engine progress into log lines, metrics, spans and events.
type Observer struct {
	tel *Telemetry
	log *Logger

	mu    sync.Mutex
	runs  map[string]observedRun
	steps map[string]trace.Span
}

type observedRun struct {
	ctx  context.Context
	span trace.Span
}

// NewObserver creates a progress sink backed by tel.
func NewObserver(tel *Telemetry) *Observer {
	return &Observer{
		tel:   tel,
		log:   tel.Logger.NewComponentLogger("sequencer"),
		runs:  make(map[string]observedRun),
		steps: make(map[string]trace.Span),
	}
}

var _ engine.ProgressSink = (*Observer)(nil)

// RunStarted implements engine.ProgressSink.
func (o *Observer) RunStarted(ctx context.Context, runID, workflow string, totalSteps int) {
	spanCtx, span := o.tel.Tracer.StartRunSpan(ctx, runID, workflow)

	o.mu.Lock()
	o.runs[runID] = observedRun{ctx: spanCtx, span: span}
	o.mu.Unlock()

	o.log.WithRunID(runID).Info().
		Str("workflow", workflow).
		Int("steps", totalSteps).
		Msg("Provisioning started")
	o.tel.Metrics.RecordRunStarted(workflow)
	o.publish(o.tel.Events.PublishRunStarted(runID, workflow, totalSteps))
}

// StepStarted implements engine.ProgressSink.
func (o *Observer) StepStarted(ctx context.Context, ev engine.StepEvent) {
	_, span := o.tel.Tracer.StartStepSpan(o.runContext(ctx, ev.RunID), ev.RunID, ev.Step, string(ev.Kind), ev.Index)

	o.mu.Lock()
	o.steps[stepKey(ev.RunID, ev.Step)] = span
	o.mu.Unlock()

	o.log.WithRunID(ev.RunID).WithStep(ev.Step, string(ev.Kind)).Info().
		Int("index", ev.Index).
		Bool("optional", ev.Optional).
		Msg("Step started")
	o.publish(o.tel.Events.PublishStep(EventTypeStepStarted, ev.RunID, ev.Step, "",
		fmt.Sprintf("Step %s started", ev.Step), EventLevelInfo,
		map[string]interface{}{"kind": string(ev.Kind), "index": ev.Index}))
}

// StepSucceeded implements engine.ProgressSink.
func (o *Observer) StepSucceeded(ctx context.Context, ev engine.StepEvent) {
	resourceID := handleID(ev.Handle)
	if span := o.endStep(ev); span != nil {
		SetAttributes(span, AttrResourceID.String(resourceID), AttrStepOutcome.String(string(ev.Outcome)))
		RecordSuccess(span)
		span.End()
	}

	o.log.WithRunID(ev.RunID).WithStep(ev.Step, string(ev.Kind)).Info().
		Str("resource_id", resourceID).
		Dur("duration", ev.Duration).
		Msg("Step succeeded")
	o.tel.Metrics.RecordStep(string(ev.Kind), string(ev.Outcome), ev.Duration)
	o.publish(o.tel.Events.PublishStep(EventTypeStepSucceeded, ev.RunID, ev.Step, resourceID,
		fmt.Sprintf("Step %s succeeded", ev.Step), EventLevelInfo,
		map[string]interface{}{"kind": string(ev.Kind), "duration": ev.Duration.Seconds()}))
}

// StepFailed implements engine.ProgressSink.
func (o *Observer) StepFailed(ctx context.Context, ev engine.StepEvent) {
	resourceID := handleID(ev.Handle)
	if span := o.endStep(ev); span != nil {
		SetAttributes(span,
			AttrResourceID.String(resourceID),
			AttrStepOutcome.String(string(ev.Outcome)),
			AttrErrorClass.String(string(engine.ClassOf(ev.Err))),
			AttrErrorCode.String(engine.CodeOf(ev.Err)),
		)
		RecordError(span, ev.Err)
		span.End()
	}

	level, logLevel, msg := EventLevelError, zerolog.ErrorLevel, "Step failed"
	if ev.Outcome == engine.StepOutcomeTolerated {
		level, logLevel, msg = EventLevelWarning, zerolog.WarnLevel, "Optional step failed, continuing"
	}
	o.log.WithRunID(ev.RunID).WithStep(ev.Step, string(ev.Kind)).Zerolog().WithLevel(logLevel).
		Err(ev.Err).
		Str("resource_id", resourceID).
		Str("code", engine.CodeOf(ev.Err)).
		Dur("duration", ev.Duration).
		Msg(msg)

	o.tel.Metrics.RecordStep(string(ev.Kind), string(ev.Outcome), ev.Duration)
	o.tel.Metrics.RecordError(string(engine.ClassOf(ev.Err)), engine.CodeOf(ev.Err))
	o.publish(o.tel.Events.PublishStep(EventTypeStepFailed, ev.RunID, ev.Step, resourceID,
		fmt.Sprintf("Step %s failed: %v", ev.Step, ev.Err), level,
		map[string]interface{}{
			"kind":    string(ev.Kind),
			"outcome": string(ev.Outcome),
			"code":    engine.CodeOf(ev.Err),
		}))
}

// PollAttempt implements engine.ProgressSink.
func (o *Observer) PollAttempt(ctx context.Context, ev engine.PollEvent) {
	o.mu.Lock()
	span := o.steps[stepKey(ev.RunID, ev.Step)]
	o.mu.Unlock()
	if span != nil {
		AddPollEvent(span, ev.Attempt, string(ev.Status), ev.Err)
	}

	result, logLevel := string(ev.Status), zerolog.DebugLevel
	if ev.Err != nil {
		result, logLevel = "error", zerolog.WarnLevel
	}
	o.log.WithRunID(ev.RunID).WithStep(ev.Step, string(ev.Kind)).Zerolog().WithLevel(logLevel).
		Err(ev.Err).
		Str("resource_id", ev.ResourceID).
		Int("attempt", ev.Attempt).
		Int("max_attempts", ev.MaxAttempts).
		Str("status", string(ev.Status)).
		Msg("Waiting for resource")

	o.tel.Metrics.RecordPollAttempt(string(ev.Kind), result)
	o.publish(o.tel.Events.PublishStep(EventTypePollAttempt, ev.RunID, ev.Step, ev.ResourceID,
		fmt.Sprintf("Status check %d/%d: %s", ev.Attempt, ev.MaxAttempts, result), EventLevelInfo,
		map[string]interface{}{"attempt": ev.Attempt, "status": string(ev.Status)}))
}

// RollbackItem implements engine.ProgressSink.
func (o *Observer) RollbackItem(ctx context.Context, ev engine.RollbackEvent) {
	_, span := o.tel.Tracer.StartRollbackSpan(o.runContext(ctx, ev.RunID), ev.RunID, ev.Handle.ID, string(ev.Handle.Kind))
	if ev.Err != nil && ev.Outcome == engine.RollbackFailed {
		RecordError(span, ev.Err)
	} else {
		RecordSuccess(span)
	}
	span.End()

	log := o.log.WithRunID(ev.RunID).WithStep(ev.Handle.Step, string(ev.Handle.Kind))
	level := EventLevelInfo
	switch ev.Outcome {
	case engine.RollbackDeleted:
		log.Info().Str("resource_id", ev.Handle.ID).Int("remaining", ev.Remaining).Msg("Deleted resource")
	case engine.RollbackRetried:
		level = EventLevelWarning
		log.Warn().Err(ev.Err).Str("resource_id", ev.Handle.ID).Int("attempt", ev.Attempt).Msg("Delete failed, retrying")
	default:
		level = EventLevelError
		log.Error().Err(ev.Err).Str("resource_id", ev.Handle.ID).Msg("Delete failed, manual cleanup required")
	}

	o.tel.Metrics.RecordRollbackItem(string(ev.Handle.Kind), string(ev.Outcome))
	o.publish(o.tel.Events.PublishStep(EventTypeRollbackItem, ev.RunID, ev.Handle.Step, ev.Handle.ID,
		fmt.Sprintf("Rollback of %s: %s", ev.Handle, ev.Outcome), level,
		map[string]interface{}{"attempt": ev.Attempt, "outcome": string(ev.Outcome), "remaining": ev.Remaining}))
}

// RunFinished implements engine.ProgressSink.
func (o *Observer) RunFinished(ctx context.Context, res *engine.WorkflowResult) {
	o.mu.Lock()
	run, ok := o.runs[res.RunID]
	delete(o.runs, res.RunID)
	o.mu.Unlock()

	if ok {
		SetAttributes(run.span, AttrRunState.String(string(res.State)))
		if err := res.Err(); err != nil {
			RecordError(run.span, err)
		} else {
			RecordSuccess(run.span)
		}
		run.span.End()
	}

	logLevel := zerolog.InfoLevel
	if res.State == engine.RunStateRolledBackWithErrors {
		logLevel = zerolog.ErrorLevel
	} else if res.Failure != nil {
		logLevel = zerolog.WarnLevel
	}
	o.log.WithRunID(res.RunID).Zerolog().WithLevel(logLevel).
		Err(res.Failure).
		Str("state", string(res.State)).
		Int("completed", res.CompletedSteps).
		Int("total", res.TotalSteps).
		Int("created", len(res.LedgerSnapshot)).
		Int("rollback_errors", len(res.RollbackErrors)).
		Dur("duration", res.Duration()).
		Msg("Run finished")

	o.tel.Metrics.RecordRunFinished(res.Workflow, string(res.State), res.Duration())
	o.publish(o.tel.Events.PublishRunFinished(res.RunID, string(res.State), res.Duration(), len(res.RollbackErrors)))
}

func (o *Observer) runContext(ctx context.Context, runID string) context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if run, ok := o.runs[runID]; ok {
		return run.ctx
	}
	return ctx
}

func (o *Observer) endStep(ev engine.StepEvent) trace.Span {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := stepKey(ev.RunID, ev.Step)
	span := o.steps[key]
	delete(o.steps, key)
	return span
}

func (o *Observer) publish(err error) {
	if err != nil {
		o.log.Debug().Err(err).Msg("Event not published")
	}
}

func stepKey(runID, step string) string {
	return runID + "/" + step
}

func handleID(h *engine.ResourceHandle) string {
	if h == nil {
		return ""
	}
	return h.ID
}
