package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one entry of a run's timeline.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// RunID is the associated run.
	RunID string `json:"run_id,omitempty"`

	// Step is the associated step, if any.
	Step string `json:"step,omitempty"`

	// ResourceID is the associated resource, if any.
	ResourceID string `json:"resource_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types emitted for a run.
const (
	EventTypeRunStarted    = "run.started"
	EventTypeRunFinished   = "run.finished"
	EventTypeStepStarted   = "step.started"
	EventTypeStepSucceeded = "step.succeeded"
	EventTypeStepFailed    = "step.failed"
	EventTypePollAttempt   = "poll.attempt"
	EventTypeRollbackItem  = "rollback.item"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// ErrBufferFull is returned by Publish when the async buffer is full.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers.
//
// Subscribers are called one at a time in publish order, from a single
// background goroutine when EnableAsync is set, otherwise from Publish.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	deliverMu   sync.Mutex
	stopped     chan struct{}
	stopOnce    sync.Once
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{
		config:  cfg,
		stopped: make(chan struct{}),
	}
	if !cfg.Enabled {
		return ep, nil
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	select {
	case <-ep.stopped:
		return ErrPublisherStopped
	default:
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.stopped:
			return ErrPublisherStopped
		default:
			return ErrBufferFull
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, workflow string, totalSteps int) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s of %q started with %d steps", runID, workflow, totalSteps),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"workflow":    workflow,
			"total_steps": totalSteps,
		},
	})
}

// PublishRunFinished publishes the final state of a run.
func (ep *EventPublisher) PublishRunFinished(runID, state string, duration time.Duration, rollbackErrors int) error {
	level := EventLevelInfo
	if rollbackErrors > 0 {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeRunFinished,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s finished in state %s", runID, state),
		Level:   level,
		Data: map[string]interface{}{
			"state":           state,
			"duration":        duration.Seconds(),
			"rollback_errors": rollbackErrors,
		},
	})
}

// PublishStep publishes a step transition.
func (ep *EventPublisher) PublishStep(eventType, runID, step, resourceID, message, level string, data map[string]interface{}) error {
	return ep.Publish(Event{
		Type:       eventType,
		RunID:      runID,
		Step:       step,
		ResourceID: resourceID,
		Message:    message,
		Level:      level,
		Data:       data,
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events until shutdown, then drains the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.stopped:
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.deliverMu.Lock()
	defer ep.deliverMu.Unlock()

	ep.mu.RLock()
	subs := append([]subscriberEntry(nil), ep.subscribers...)
	ep.mu.RUnlock()

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits until buffered events are delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.stopOnce.Do(func() { close(ep.stopped) })

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
