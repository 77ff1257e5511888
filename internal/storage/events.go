package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tsugi-ai/tsugi/internal/model"
)

// AppendEvent appends one event to a run's log, allocating the next
// sequence number from the per-run counter on the runs row. The counter
// update and the insert share a transaction, so seq values are strictly
// increasing per run with no reuse. Deriving seq from the last event row
// instead would race under concurrent writers. Concurrent appends to the
// same run serialize on the runs row; retries absorb the occasional
// deadlock with step writers.
func (db *Postgres) AppendEvent(ctx context.Context, runID uuid.UUID, stepID *string, typ model.EventType, payload map[string]any) (model.Event, error) {
	var ev model.Event
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var err error
		ev, err = db.appendEventOnce(ctx, runID, stepID, typ, payload)
		return err
	})
	return ev, err
}

func (db *Postgres) appendEventOnce(ctx context.Context, runID uuid.UUID, stepID *string, typ model.EventType, payload map[string]any) (model.Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: begin append event: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE runs SET next_seq = next_seq + 1 WHERE id = $1 RETURNING next_seq`,
		runID,
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Event{}, ErrNotFound
		}
		return model.Event{}, fmt.Errorf("storage: allocate seq: %w", err)
	}

	ev := model.Event{
		ID:        uuid.New(),
		RunID:     runID,
		StepID:    stepID,
		Seq:       seq,
		Type:      typ,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO events (id, run_id, step_id, seq, type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.RunID, ev.StepID, ev.Seq, string(ev.Type), ev.Payload, ev.CreatedAt,
	); err != nil {
		return model.Event{}, fmt.Errorf("storage: insert event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Event{}, fmt.Errorf("storage: commit event: %w", err)
	}
	return ev, nil
}

// ListEvents returns events with seq > afterSeq in ascending order,
// capped at limit. This is the read path of the polling contract.
func (db *Postgres) ListEvents(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]model.Event, error) {
	if limit <= 0 || limit > model.PollPageSize {
		limit = model.PollPageSize
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, step_id, seq, type, payload, created_at
		 FROM events WHERE run_id = $1 AND seq > $2
		 ORDER BY seq ASC LIMIT $3`,
		runID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var ev model.Event
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.StepID, &ev.Seq, &ev.Type, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
