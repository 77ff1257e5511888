package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tsugi-ai/tsugi/internal/model"
)

// CreateRun inserts a new run.
func (db *Postgres) CreateRun(ctx context.Context, run model.Run) error {
	rc, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("storage: marshal run context: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO runs (id, user_id, goal, mode, status, completion_criteria, context, next_seq, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)`,
		run.ID, run.UserID, run.Goal, run.Mode, string(run.Status),
		run.CompletionCriteria, rc, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *Postgres) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanPgRun(db.pool.QueryRow(ctx,
		`SELECT id, user_id, goal, mode, status, completion_criteria, context, next_seq, created_at, completed_at
		 FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRunsByStatus returns runs in the given status, oldest first. Used
// by the worker to sweep queued runs.
func (db *Postgres) ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, goal, mode, status, completion_criteria, context, next_seq, created_at, completed_at
		 FROM runs WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SetRunContext replaces the stored setup context for a run.
func (db *Postgres) SetRunContext(ctx context.Context, id uuid.UUID, rc model.RunContext) error {
	data, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("storage: marshal run context: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET context = $1 WHERE id = $2`, data, id)
	if err != nil {
		return fmt.Errorf("storage: set run context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionRun conditionally moves a run between statuses. The WHERE
// clause on the source statuses is the guard that makes transitions
// idempotent and keeps terminal states frozen: a run already moved on
// (or finished) simply yields zero affected rows.
func (db *Postgres) TransitionRun(ctx context.Context, id uuid.UUID, from []model.RunStatus, to model.RunStatus) (bool, error) {
	src := make([]string, len(from))
	for i, s := range from {
		src[i] = string(s)
	}
	var completedAt *time.Time
	if to.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, completed_at = COALESCE($2, completed_at)
		 WHERE id = $3 AND status = ANY($4)`,
		string(to), completedAt, id, src,
	)
	if err != nil {
		return false, fmt.Errorf("storage: transition run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanPgRun(row pgx.Row) (model.Run, error) {
	var (
		r      model.Run
		rcJSON []byte
	)
	err := row.Scan(
		&r.ID, &r.UserID, &r.Goal, &r.Mode, &r.Status,
		&r.CompletionCriteria, &rcJSON, &r.NextSeq, &r.CreatedAt, &r.CompletedAt,
	)
	if err != nil {
		return model.Run{}, err
	}
	if err := json.Unmarshal(rcJSON, &r.Context); err != nil {
		return model.Run{}, fmt.Errorf("storage: unmarshal run context: %w", err)
	}
	return r, nil
}
