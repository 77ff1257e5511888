package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tsugi-ai/tsugi/internal/model"
)

// CreateArtifact inserts an artifact row. Artifacts are immutable;
// there is no update path.
func (db *Postgres) CreateArtifact(ctx context.Context, a model.Artifact) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO artifacts (run_id, key, step_id, uri, type, meta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.RunID, a.Key, a.StepID, a.URI, a.Type, a.Meta, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns a run's artifacts in creation order.
func (db *Postgres) ListArtifacts(ctx context.Context, runID uuid.UUID) ([]model.Artifact, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, key, step_id, uri, type, meta, created_at
		 FROM artifacts WHERE run_id = $1 ORDER BY created_at ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.RunID, &a.Key, &a.StepID, &a.URI, &a.Type, &a.Meta, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindArtifactByKey returns the most recent artifact whose key contains
// the given fragment. This is the loose binding planners rely on; the
// typed lookup below is preferred where the producing step is known.
func (db *Postgres) FindArtifactByKey(ctx context.Context, runID uuid.UUID, keyContains string) (model.Artifact, error) {
	var a model.Artifact
	err := db.pool.QueryRow(ctx,
		`SELECT run_id, key, step_id, uri, type, meta, created_at
		 FROM artifacts WHERE run_id = $1 AND position($2 IN key) > 0
		 ORDER BY created_at DESC LIMIT 1`,
		runID, keyContains,
	).Scan(&a.RunID, &a.Key, &a.StepID, &a.URI, &a.Type, &a.Meta, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Artifact{}, ErrNotFound
		}
		return model.Artifact{}, fmt.Errorf("storage: find artifact by key: %w", err)
	}
	return a, nil
}

// FindArtifactByStep returns the artifact produced by the given step.
func (db *Postgres) FindArtifactByStep(ctx context.Context, runID uuid.UUID, stepID string) (model.Artifact, error) {
	var a model.Artifact
	err := db.pool.QueryRow(ctx,
		`SELECT run_id, key, step_id, uri, type, meta, created_at
		 FROM artifacts WHERE run_id = $1 AND step_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		runID, stepID,
	).Scan(&a.RunID, &a.Key, &a.StepID, &a.URI, &a.Type, &a.Meta, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Artifact{}, ErrNotFound
		}
		return model.Artifact{}, fmt.Errorf("storage: find artifact by step: %w", err)
	}
	return a, nil
}
