package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tsugi-ai/tsugi/internal/model"
)

// sqliteSchema is applied on open. SQLite is single-file and local, so
// the embedded Postgres migrations do not apply here; the two schemas
// are kept in lockstep by the storage tests.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	goal                TEXT NOT NULL,
	mode                TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	completion_criteria TEXT NOT NULL DEFAULT '[]',
	context             TEXT NOT NULL DEFAULT '{}',
	next_seq            INTEGER NOT NULL DEFAULT 0,
	created_at          TEXT NOT NULL,
	completed_at        TEXT
);

CREATE TABLE IF NOT EXISTS steps (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	id           TEXT NOT NULL,
	idx          INTEGER NOT NULL,
	rationale    TEXT NOT NULL DEFAULT '',
	action       TEXT NOT NULL,
	args         TEXT NOT NULL DEFAULT '{}',
	depends_on   TEXT NOT NULL DEFAULT '[]',
	status       TEXT NOT NULL,
	started_at   TEXT,
	finished_at  TEXT,
	summary      TEXT NOT NULL DEFAULT '',
	artifact_key TEXT NOT NULL DEFAULT '',
	error_kind   TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, id)
);

CREATE TABLE IF NOT EXISTS artifacts (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	key        TEXT NOT NULL,
	step_id    TEXT NOT NULL,
	uri        TEXT NOT NULL,
	type       TEXT NOT NULL,
	meta       TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_run_step ON artifacts(run_id, step_id);

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	step_id    TEXT,
	seq        INTEGER NOT NULL,
	type       TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	UNIQUE (run_id, seq)
);

CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	key_id     TEXT NOT NULL UNIQUE,
	key_hash   TEXT NOT NULL,
	role       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// SQLite is the database/sql-backed store used for local mode and tests.
// Pass ":memory:" as the path for an ephemeral database.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (or creates) a SQLite database at path and applies the
// schema.
func NewSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}

	// The modernc driver is not safe for concurrent writes on a single
	// connection pool without serialization; a single connection keeps
	// writes ordered and is plenty for local mode.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("storage: close sqlite", "error", err)
	}
}

func (s *SQLite) CreateRun(ctx context.Context, run model.Run) error {
	criteria, err := json.Marshal(run.CompletionCriteria)
	if err != nil {
		return fmt.Errorf("storage: marshal criteria: %w", err)
	}
	rc, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("storage: marshal context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, user_id, goal, mode, status, completion_criteria, context, next_seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		run.ID.String(), run.UserID, run.Goal, run.Mode, string(run.Status),
		string(criteria), string(rc), fmtTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

func (s *SQLite) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, goal, mode, status, completion_criteria, context, next_seq, created_at, completed_at
		 FROM runs WHERE id = ?`, id.String())
	return scanRun(row)
}

func (s *SQLite) ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, goal, mode, status, completion_criteria, context, next_seq, created_at, completed_at
		 FROM runs WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLite) SetRunContext(ctx context.Context, id uuid.UUID, rc model.RunContext) error {
	data, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("storage: marshal context: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET context = ? WHERE id = ?`, string(data), id.String())
	if err != nil {
		return fmt.Errorf("storage: set run context: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) TransitionRun(ctx context.Context, id uuid.UUID, from []model.RunStatus, to model.RunStatus) (bool, error) {
	placeholders := make([]string, len(from))
	args := make([]any, 0, len(from)+3)
	var completedAt any
	if to.Terminal() {
		completedAt = fmtTime(time.Now().UTC())
	}
	args = append(args, string(to), completedAt, id.String())
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	//nolint:gosec // placeholders are generated, values are bound
	query := fmt.Sprintf(
		`UPDATE runs SET status = ?, completed_at = COALESCE(?, completed_at)
		 WHERE id = ? AND status IN (%s)`, strings.Join(placeholders, ","))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("storage: transition run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: transition run rows: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) CreateSteps(ctx context.Context, steps []model.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin create steps: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, st := range steps {
		args, err := json.Marshal(st.Args)
		if err != nil {
			return fmt.Errorf("storage: marshal step args: %w", err)
		}
		deps, err := json.Marshal(st.DependsOn)
		if err != nil {
			return fmt.Errorf("storage: marshal step deps: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO steps (run_id, id, idx, rationale, action, args, depends_on, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			st.RunID.String(), st.ID, st.Index, st.Rationale, st.Action,
			string(args), string(deps), string(st.Status),
		); err != nil {
			return fmt.Errorf("storage: insert step %s: %w", st.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) UpdateStep(ctx context.Context, step model.Step) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, started_at = ?, finished_at = ?, summary = ?,
		        artifact_key = ?, error_kind = ?, error_detail = ?
		 WHERE run_id = ? AND id = ?`,
		string(step.Status), fmtTimePtr(step.StartedAt), fmtTimePtr(step.FinishedAt),
		step.Summary, step.ArtifactKey, step.ErrorKind, step.ErrorDetail,
		step.RunID.String(), step.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: update step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, id, idx, rationale, action, args, depends_on, status,
		        started_at, finished_at, summary, artifact_key, error_kind, error_detail
		 FROM steps WHERE run_id = ? ORDER BY idx ASC`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var (
			st                   model.Step
			runIDStr             string
			argsJSON, depsJSON   string
			startedAt, finishedAt sql.NullString
		)
		if err := rows.Scan(&runIDStr, &st.ID, &st.Index, &st.Rationale, &st.Action,
			&argsJSON, &depsJSON, &st.Status, &startedAt, &finishedAt,
			&st.Summary, &st.ArtifactKey, &st.ErrorKind, &st.ErrorDetail,
		); err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		st.RunID, err = uuid.Parse(runIDStr)
		if err != nil {
			return nil, fmt.Errorf("storage: parse step run id: %w", err)
		}
		if err := json.Unmarshal([]byte(argsJSON), &st.Args); err != nil {
			return nil, fmt.Errorf("storage: unmarshal step args: %w", err)
		}
		if err := json.Unmarshal([]byte(depsJSON), &st.DependsOn); err != nil {
			return nil, fmt.Errorf("storage: unmarshal step deps: %w", err)
		}
		if st.StartedAt, err = parseTimePtr(startedAt); err != nil {
			return nil, err
		}
		if st.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *SQLite) CreateArtifact(ctx context.Context, a model.Artifact) error {
	meta, err := json.Marshal(a.Meta)
	if err != nil {
		return fmt.Errorf("storage: marshal artifact meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, key, step_id, uri, type, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.RunID.String(), a.Key, a.StepID, a.URI, a.Type, string(meta), fmtTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: create artifact: %w", err)
	}
	return nil
}

func (s *SQLite) ListArtifacts(ctx context.Context, runID uuid.UUID) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, key, step_id, uri, type, meta, created_at
		 FROM artifacts WHERE run_id = ? ORDER BY created_at ASC, rowid ASC`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) FindArtifactByKey(ctx context.Context, runID uuid.UUID, keyContains string) (model.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, key, step_id, uri, type, meta, created_at
		 FROM artifacts WHERE run_id = ? AND instr(key, ?) > 0
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		runID.String(), keyContains)
	return scanArtifact(row)
}

func (s *SQLite) FindArtifactByStep(ctx context.Context, runID uuid.UUID, stepID string) (model.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, key, step_id, uri, type, meta, created_at
		 FROM artifacts WHERE run_id = ? AND step_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		runID.String(), stepID)
	return scanArtifact(row)
}

func (s *SQLite) AppendEvent(ctx context.Context, runID uuid.UUID, stepID *string, typ model.EventType, payload map[string]any) (model.Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: marshal event payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: begin append event: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Allocate the next sequence number from the per-run counter. The
	// counter update and the event insert share the transaction, so seq
	// values are strictly increasing with no reuse.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`UPDATE runs SET next_seq = next_seq + 1 WHERE id = ? RETURNING next_seq`,
		runID.String()).Scan(&seq)
	if err != nil {
		if err == sql.ErrNoRows {
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
	var stepIDVal any
	if stepID != nil {
		stepIDVal = *stepID
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, run_id, step_id, seq, type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), runID.String(), stepIDVal, seq, string(typ), string(data), fmtTime(ev.CreatedAt),
	); err != nil {
		return model.Event{}, fmt.Errorf("storage: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Event{}, fmt.Errorf("storage: commit event: %w", err)
	}
	return ev, nil
}

func (s *SQLite) ListEvents(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]model.Event, error) {
	if limit <= 0 || limit > model.PollPageSize {
		limit = model.PollPageSize
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, seq, type, payload, created_at
		 FROM events WHERE run_id = ? AND seq > ?
		 ORDER BY seq ASC LIMIT ?`,
		runID.String(), afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			ev          model.Event
			idStr       string
			runIDStr    string
			stepID      sql.NullString
			payloadJSON string
			createdAt   string
		)
		if err := rows.Scan(&idStr, &runIDStr, &stepID, &ev.Seq, &ev.Type, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		if ev.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("storage: parse event id: %w", err)
		}
		if ev.RunID, err = uuid.Parse(runIDStr); err != nil {
			return nil, fmt.Errorf("storage: parse event run id: %w", err)
		}
		if stepID.Valid {
			v := stepID.String
			ev.StepID = &v
		}
		if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
			return nil, fmt.Errorf("storage: unmarshal event payload: %w", err)
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, key_id, key_hash, role, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.KeyID, u.KeyHash, u.Role, fmtTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("storage: create user: %w", err)
	}
	return nil
}

func (s *SQLite) GetUserByKeyID(ctx context.Context, keyID string) (User, error) {
	var (
		u         User
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, key_id, key_hash, role, created_at FROM users WHERE key_id = ?`, keyID,
	).Scan(&u.ID, &u.KeyID, &u.KeyHash, &u.Role, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("storage: get user: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return User{}, err
	}
	return u, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.Run, error) {
	var (
		r                      model.Run
		idStr, criteria, rcStr string
		createdAt              string
		completedAt            sql.NullString
	)
	err := row.Scan(&idStr, &r.UserID, &r.Goal, &r.Mode, &r.Status,
		&criteria, &rcStr, &r.NextSeq, &createdAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: scan run: %w", err)
	}
	if r.ID, err = uuid.Parse(idStr); err != nil {
		return model.Run{}, fmt.Errorf("storage: parse run id: %w", err)
	}
	if err := json.Unmarshal([]byte(criteria), &r.CompletionCriteria); err != nil {
		return model.Run{}, fmt.Errorf("storage: unmarshal criteria: %w", err)
	}
	if err := json.Unmarshal([]byte(rcStr), &r.Context); err != nil {
		return model.Run{}, fmt.Errorf("storage: unmarshal run context: %w", err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Run{}, err
	}
	if r.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return model.Run{}, err
	}
	return r, nil
}

func scanArtifact(row rowScanner) (model.Artifact, error) {
	var (
		a         model.Artifact
		runIDStr  string
		metaJSON  string
		createdAt string
	)
	err := row.Scan(&runIDStr, &a.Key, &a.StepID, &a.URI, &a.Type, &metaJSON, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Artifact{}, ErrNotFound
		}
		return model.Artifact{}, fmt.Errorf("storage: scan artifact: %w", err)
	}
	if a.RunID, err = uuid.Parse(runIDStr); err != nil {
		return model.Artifact{}, fmt.Errorf("storage: parse artifact run id: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &a.Meta); err != nil {
		return model.Artifact{}, fmt.Errorf("storage: unmarshal artifact meta: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Artifact{}, err
	}
	return a, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
