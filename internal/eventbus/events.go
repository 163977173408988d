// Package eventbus provides the lifecycle event dispatch used by the runtime.
package eventbus

import (
	"context"
	"time"
)

// EventType represents the type of an event.
type EventType string

// Standard event types
const (
	// Plan drafting events
	EventPlanDraftStarted EventType = "plan_draft_started"
	EventPlanDraftSuccess EventType = "plan_draft_success"
	EventPlanDraftFailure EventType = "plan_draft_failure"
	EventPlanCacheHit     EventType = "plan_cache_hit"

	// Step execution events
	EventStepStarted EventType = "step_started"
	EventStepSuccess EventType = "step_success"
	EventStepFailure EventType = "step_failure"
	EventStepSkipped EventType = "step_skipped"

	// Attempt lifecycle events
	EventAttemptStarted   EventType = "attempt_started"
	EventAttemptEvaluated EventType = "attempt_evaluated"

	// Regeneration events
	EventRegenerationTriggered EventType = "regeneration_triggered"
	EventFlowAccepted          EventType = "flow_accepted"
	EventFlowExhausted         EventType = "flow_exhausted"
	EventFlowFailed            EventType = "flow_failed"
	EventFlowCancelled         EventType = "flow_cancelled"

	// Audit events
	EventRecordWritten     EventType = "record_written"
	EventRecordWriteFailed EventType = "record_write_failed"

	// User-facing status updates ("Refining query (attempt 2/4)...")
	EventStatusUpdate EventType = "status_update"
)

// Event is something that happened within the system.
type Event struct {
	Type      EventType              `json:"type"`
	Payload   interface{}            `json:"payload,omitempty"`
	Source    string                 `json:"source"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// New creates an event stamped with the current time.
func New(eventType EventType, payload interface{}, source string, metadata map[string]interface{}) Event {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return Event{
		Type:      eventType,
		Payload:   payload,
		Source:    source,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
}

// Handler consumes events.
type Handler func(ctx context.Context, event Event)

// Bus is the central event dispatch system.
type Bus interface {
	// Publish sends an event to all subscribed handlers. It never blocks on
	// slow handlers; delivery is asynchronous.
	Publish(ctx context.Context, event Event)

	// Subscribe registers a handler for specific event types and returns a
	// subscription ID usable with Unsubscribe.
	Subscribe(handler Handler, eventTypes ...EventType) string

	// SubscribeAll registers a handler for every event type.
	SubscribeAll(handler Handler) string

	// Unsubscribe removes a subscription by ID.
	Unsubscribe(subscriptionID string)

	// Close shuts down the bus and waits for in-flight deliveries.
	Close()
}
