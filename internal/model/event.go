package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of a run event.
type EventType string

const (
	// Run lifecycle events.
	EventRunStarted   EventType = "run.started"
	EventPlanCreated  EventType = "plan.created"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunCancelled EventType = "run.cancelled"

	// Step lifecycle events.
	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepError     EventType = "step.error"
	EventStepSkipped   EventType = "step.skipped"

	// Tool invocation events.
	EventToolStarted   EventType = "tool.started"
	EventToolCompleted EventType = "tool.completed"
)

// Event is one append-only entry in a run's event log. Seq is strictly
// increasing per run and never reused; the log is the substrate of the
// polling API. Events are never mutated or deleted.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	RunID     uuid.UUID      `json:"run_id"`
	StepID    *string        `json:"step_id,omitempty"`
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// PlanCreatedPayload summarizes a freshly persisted plan.
type PlanCreatedPayload struct {
	Source    string   `json:"source"` // "llm" or "template"
	StepCount int      `json:"step_count"`
	Actions   []string `json:"actions"`
}

// StepErrorPayload describes a recorded step failure.
type StepErrorPayload struct {
	Action    string `json:"action"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// RunCompletedPayload summarizes a finished run.
type RunCompletedPayload struct {
	StepsDone    int      `json:"steps_done"`
	StepsFailed  int      `json:"steps_failed"`
	StepsPending []string `json:"steps_pending,omitempty"` // never dispatched (unsatisfied dependencies)
	DurationMs   int64    `json:"duration_ms,omitempty"`
}
