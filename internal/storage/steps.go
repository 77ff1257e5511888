package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tsugi-ai/tsugi/internal/model"
)

// CreateSteps persists a freshly planned set of steps in one batch.
func (db *Postgres) CreateSteps(ctx context.Context, steps []model.Step) error {
	if len(steps) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, st := range steps {
		batch.Queue(
			`INSERT INTO steps (run_id, id, idx, rationale, action, args, depends_on, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			st.RunID, st.ID, st.Index, st.Rationale, st.Action,
			st.Args, st.DependsOn, string(st.Status),
		)
	}
	br := db.pool.SendBatch(ctx, batch)
	defer br.Close() //nolint:errcheck
	for range steps {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("storage: insert steps: %w", err)
		}
	}
	return nil
}

// UpdateStep writes a step's mutable fields. Step identity fields
// (action, args, dependencies, index) never change after planning.
func (db *Postgres) UpdateStep(ctx context.Context, step model.Step) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE steps SET status = $1, started_at = $2, finished_at = $3, summary = $4,
		        artifact_key = $5, error_kind = $6, error_detail = $7
		 WHERE run_id = $8 AND id = $9`,
		string(step.Status), step.StartedAt, step.FinishedAt, step.Summary,
		step.ArtifactKey, step.ErrorKind, step.ErrorDetail,
		step.RunID, step.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: update step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSteps returns a run's steps in plan order.
func (db *Postgres) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, id, idx, rationale, action, args, depends_on, status,
		        started_at, finished_at, summary, artifact_key, error_kind, error_detail
		 FROM steps WHERE run_id = $1 ORDER BY idx ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var st model.Step
		if err := rows.Scan(
			&st.RunID, &st.ID, &st.Index, &st.Rationale, &st.Action,
			&st.Args, &st.DependsOn, &st.Status,
			&st.StartedAt, &st.FinishedAt, &st.Summary,
			&st.ArtifactKey, &st.ErrorKind, &st.ErrorDetail,
		); err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}
