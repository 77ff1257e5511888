package model

import (
	"time"

	"github.com/google/uuid"
)

// StepStatus represents the lifecycle state of a plan step.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusDone    StepStatus = "done"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
	StepStatusTimeout StepStatus = "timeout"
)

// Error classifications recorded on failed steps.
const (
	ErrKindTimeout       = "timeout"
	ErrKindUnknownAction = "unknown_action"
	ErrKindToolError     = "tool_error"
	ErrKindBadOutput     = "bad_output"
)

// ActionDone is the terminal pseudo-action: a step carrying it is never
// dispatched. The engine marks it done directly and finalizes the run.
const ActionDone = "done"

// Step is one atomic unit of a run's plan, bound to a named action and
// its arguments. Steps are persisted when the plan is persisted and keep
// their planner-assigned IDs across the run's lifetime.
type Step struct {
	RunID     uuid.UUID      `json:"run_id"`
	ID        string         `json:"id"`
	Index     int            `json:"index"`
	Rationale string         `json:"rationale,omitempty"`
	Action    string         `json:"action"`
	Args      map[string]any `json:"args,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Status    StepStatus     `json:"status"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Summary     string `json:"summary,omitempty"`
	ArtifactKey string `json:"artifact_key,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
}
