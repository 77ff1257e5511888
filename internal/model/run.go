// Package model defines the core domain types for Tsugi.
//
// All types correspond directly to database rows and event payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusActive    RunStatus = "active"
	RunStatusDone      RunStatus = "done"
	RunStatusError     RunStatus = "error"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final. A run in a terminal
// state never changes status again.
func (s RunStatus) Terminal() bool {
	return s == RunStatusDone || s == RunStatusError || s == RunStatusCancelled
}

// Run is one end-to-end execution of a goal, from plan creation to
// terminal status. The orchestration engine is the sole writer of Status.
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

	// NextSeq is the per-run event sequence counter. It is owned by the
	// storage layer and advanced atomically with each event append; it is
	// never exposed to API clients.
	NextSeq int64 `json:"-"`
}

// RunContext is the setup context consumed at plan time: uploaded
// document text and user preferences. All fields are optional; the
// engine applies defaults when context is missing.
type RunContext struct {
	Documents   []Document        `json:"documents,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Document is one uploaded document available to the planner and to
// document-analysis steps.
type Document struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Empty reports whether the context carries no usable content.
func (c RunContext) Empty() bool {
	return len(c.Documents) == 0 && len(c.Preferences) == 0
}
