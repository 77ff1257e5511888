package tsugi

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusActive    RunStatus = "active"
	RunStatusDone      RunStatus = "done"
	RunStatusError     RunStatus = "error"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusDone || s == RunStatusError || s == RunStatusCancelled
}

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusDone    StepStatus = "done"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
	StepStatusTimeout StepStatus = "timeout"
)

// Run mirrors the server's run resource for API consumers.
type Run struct {
	ID                 uuid.UUID  `json:"id"`
	UserID             string     `json:"user_id"`
	Goal               string     `json:"goal"`
	Mode               string     `json:"mode,omitempty"`
	Status             RunStatus  `json:"status"`
	CompletionCriteria []string   `json:"completion_criteria,omitempty"`
	Context            RunContext `json:"context,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// RunContext is the setup context consumed at plan time.
type RunContext struct {
	Documents   []Document        `json:"documents,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Document is one uploaded document made available to the planner.
type Document struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Step is one unit of a run's plan.
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

// Artifact is an immutable result produced by a completed step.
type Artifact struct {
	RunID     uuid.UUID      `json:"run_id"`
	Key       string         `json:"key"`
	StepID    string         `json:"step_id"`
	URI       string         `json:"uri"`
	Type      string         `json:"type"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Event is one entry in a run's append-only event log. Seq is strictly
// increasing per run; pass the last seen seq as the poll cursor.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	RunID     uuid.UUID      `json:"run_id"`
	StepID    *string        `json:"step_id,omitempty"`
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CreateRunRequest is the body for creating a run.
type CreateRunRequest struct {
	Goal               string   `json:"goal"`
	Mode               string   `json:"mode,omitempty"`
	CompletionCriteria []string `json:"completion_criteria,omitempty"`

	// Execute requests execution within the create call instead of
	// waiting for the server's background worker.
	Execute bool `json:"execute,omitempty"`
}

// SetContextRequest is the body for attaching documents and preferences
// to a queued run.
type SetContextRequest struct {
	Documents   []Document        `json:"documents,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// RunStatusResponse is the full-state read of a run.
type RunStatusResponse struct {
	Run       Run        `json:"run"`
	Steps     []Step     `json:"steps"`
	Artifacts []Artifact `json:"artifacts"`
	Events    []Event    `json:"events"`
}

// PollResponse is one page of the run's event log. NextCursor equals the
// seq of the last returned item, or the request cursor unchanged when
// there are no new items.
type PollResponse struct {
	Items      []Event   `json:"items"`
	NextCursor int64     `json:"next_cursor"`
	Done       bool      `json:"done"`
	Status     RunStatus `json:"status"`
}

// HealthResponse reports server liveness and build information.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Uptime  int64  `json:"uptime_seconds"`
}
