package model

import (
	"time"

	"github.com/google/uuid"
)

// Artifact is an immutable, URI-addressable result produced by a
// completed step. The key is derived from the producing action name and
// step id; keys are not guaranteed globally unique, last write wins on
// collision. Downstream lookups match by producing step id where the
// reference is known, and by key substring otherwise.
type Artifact struct {
	RunID     uuid.UUID      `json:"run_id"`
	Key       string         `json:"key"`
	StepID    string         `json:"step_id"`
	URI       string         `json:"uri"`
	Type      string         `json:"type"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ArtifactKey derives the storage key for an artifact produced by the
// given action and step.
func ArtifactKey(action, stepID string) string {
	return action + "/" + stepID
}
