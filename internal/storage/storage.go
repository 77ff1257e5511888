// Package storage provides the persistence layer for Tsugi.
//
// Two implementations satisfy the Store interface: Postgres (pgx/v5,
// for deployments) and SQLite (modernc.org/sqlite, for local mode and
// fast tests). Both keep the same four-table layout, with events.seq
// unique and strictly increasing
// per run, allocated from the runs.next_seq counter in the same
// transaction as the event insert.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tsugi-ai/tsugi/internal/model"
)

// Store is the persistence contract consumed by the engine, the HTTP
// layer and the worker. Implementations must be safe for concurrent use.
type Store interface {
	// Runs.
	CreateRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]model.Run, error)
	SetRunContext(ctx context.Context, id uuid.UUID, rc model.RunContext) error

	// TransitionRun moves a run from any of the given statuses to the
	// target status, setting completed_at when the target is terminal.
	// Returns false without error when the run is not in an allowed
	// source status. This guard keeps terminal states frozen.
	TransitionRun(ctx context.Context, id uuid.UUID, from []model.RunStatus, to model.RunStatus) (bool, error)

	// Steps.
	CreateSteps(ctx context.Context, steps []model.Step) error
	UpdateStep(ctx context.Context, step model.Step) error
	ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error)

	// Artifacts.
	CreateArtifact(ctx context.Context, a model.Artifact) error
	ListArtifacts(ctx context.Context, runID uuid.UUID) ([]model.Artifact, error)
	// FindArtifactByKey returns the most recent artifact whose key
	// contains the given fragment.
	FindArtifactByKey(ctx context.Context, runID uuid.UUID, keyContains string) (model.Artifact, error)
	// FindArtifactByStep returns the artifact produced by the given step.
	FindArtifactByStep(ctx context.Context, runID uuid.UUID, stepID string) (model.Artifact, error)

	// Events.
	AppendEvent(ctx context.Context, runID uuid.UUID, stepID *string, typ model.EventType, payload map[string]any) (model.Event, error)
	// ListEvents returns events with seq > afterSeq in ascending order,
	// capped at limit.
	ListEvents(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]model.Event, error)

	// Users (API-key authentication).
	CreateUser(ctx context.Context, u User) error
	GetUserByKeyID(ctx context.Context, keyID string) (User, error)

	Close()
}

// User is an API consumer identified by a hashed API key. The key id is
// the public prefix of the key; the secret part is verified against the
// argon2id hash.
type User struct {
	ID        string    `json:"id"`
	KeyID     string    `json:"key_id"`
	KeyHash   string    `json:"-"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// User roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)
