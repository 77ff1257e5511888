// Package engine implements the run orchestration state machine: it owns
// run and step status, turns a goal into a persisted plan, walks the plan
// one step at a time, and records everything in the append-only event
// log that the polling API reads from.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tsugi-ai/tsugi/internal/dispatch"
	"github.com/tsugi-ai/tsugi/internal/model"
	"github.com/tsugi-ai/tsugi/internal/planner"
	"github.com/tsugi-ai/tsugi/internal/storage"
)

// ErrNotFound is returned when a run does not exist or does not belong
// to the caller. The two cases are deliberately indistinguishable.
var ErrNotFound = storage.ErrNotFound

// ErrRunTerminal is returned for operations that require a non-terminal
// run, such as cancel.
var ErrRunTerminal = errors.New("engine: run already terminal")

// ErrRunStarted is returned when context is set after planning began.
var ErrRunStarted = errors.New("engine: run already started")

// Policy names the engine's failure-handling decisions so tests can
// assert them directly.
type Policy struct {
	// ContinueOnStepError keeps a run moving after a step failure. This
	// is a product decision, not an accident: one failing step must not
	// block the whole run.
	ContinueOnStepError bool
}

// DefaultPolicy is the production configuration.
var DefaultPolicy = Policy{ContinueOnStepError: true}

// Engine orchestrates runs. It is the sole writer of run and step
// status; capabilities only return results.
type Engine struct {
	store      storage.Store
	planner    planner.Planner
	fallback   planner.Planner
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	policy     Policy
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy overrides the default failure-handling policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// New creates an engine. The template fallback planner is always wired
// in behind the provided planner, so a run never fails solely because
// planning failed.
func New(store storage.Store, p planner.Planner, d *dispatch.Dispatcher, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:      store,
		planner:    p,
		dispatcher: d,
		logger:     logger,
		policy:     DefaultPolicy,
	}
	if tp, err := planner.NewTemplatePlanner(); err == nil {
		e.fallback = tp
	} else {
		logger.Error("template planner unavailable", "error", err)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRun validates and persists a new run in queued state.
func (e *Engine) CreateRun(ctx context.Context, userID string, req model.CreateRunRequest) (model.Run, error) {
	if err := req.Validate(); err != nil {
		return model.Run{}, err
	}
	run := model.Run{
		ID:                 uuid.New(),
		UserID:             userID,
		Goal:               req.Goal,
		Mode:               req.Mode,
		Status:             model.RunStatusQueued,
		CompletionCriteria: req.CompletionCriteria,
		CreatedAt:          time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return model.Run{}, err
	}
	e.logger.Info("run created", "run_id", run.ID, "user_id", userID, "mode", run.Mode)
	return run, nil
}

// SetContext stores setup context on a queued run. Once planning has
// consumed the context the run no longer accepts changes to it.
func (e *Engine) SetContext(ctx context.Context, runID uuid.UUID, userID string, req model.SetContextRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	run, err := e.ownedRun(ctx, runID, userID)
	if err != nil {
		return err
	}
	if run.Status != model.RunStatusQueued {
		return ErrRunStarted
	}
	return e.store.SetRunContext(ctx, runID, model.RunContext{
		Documents:   req.Documents,
		Preferences: req.Preferences,
	})
}

// Cancel moves a run to cancelled. Legal only while queued or active;
// an in-flight step is not interrupted, the engine observes the new
// status before dispatching the next step.
func (e *Engine) Cancel(ctx context.Context, runID uuid.UUID, userID string) error {
	if _, err := e.ownedRun(ctx, runID, userID); err != nil {
		return err
	}
	ok, err := e.store.TransitionRun(ctx, runID,
		[]model.RunStatus{model.RunStatusQueued, model.RunStatusActive}, model.RunStatusCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRunTerminal
	}
	if _, err := e.store.AppendEvent(ctx, runID, nil, model.EventRunCancelled, map[string]any{"by": userID}); err != nil {
		return err
	}
	e.logger.Info("run cancelled", "run_id", runID, "user_id", userID)
	return nil
}

// Poll returns events with seq greater than cursor, in order, plus the
// run's current status. Repeated polls with the same cursor and no
// intervening writes return identical results.
func (e *Engine) Poll(ctx context.Context, runID uuid.UUID, userID string, cursor int64) (model.PollResponse, error) {
	run, err := e.ownedRun(ctx, runID, userID)
	if err != nil {
		return model.PollResponse{}, err
	}
	events, err := e.store.ListEvents(ctx, runID, cursor, model.PollPageSize)
	if err != nil {
		return model.PollResponse{}, err
	}
	next := cursor
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	if events == nil {
		events = []model.Event{}
	}
	return model.PollResponse{
		Items:      events,
		NextCursor: next,
		Done:       run.Status.Terminal(),
		Status:     run.Status,
	}, nil
}

// Status is the full-state read for debugging and UIs. Events are capped
// at one poll page; clients needing the complete log should poll.
func (e *Engine) Status(ctx context.Context, runID uuid.UUID, userID string) (model.RunStatusResponse, error) {
	run, err := e.ownedRun(ctx, runID, userID)
	if err != nil {
		return model.RunStatusResponse{}, err
	}
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return model.RunStatusResponse{}, err
	}
	artifacts, err := e.store.ListArtifacts(ctx, runID)
	if err != nil {
		return model.RunStatusResponse{}, err
	}
	events, err := e.store.ListEvents(ctx, runID, 0, model.PollPageSize)
	if err != nil {
		return model.RunStatusResponse{}, err
	}
	return model.RunStatusResponse{Run: run, Steps: steps, Artifacts: artifacts, Events: events}, nil
}

// ownedRun loads a run and enforces ownership. An empty userID is the
// internal caller (worker, admin) and bypasses the check.
func (e *Engine) ownedRun(ctx context.Context, runID uuid.UUID, userID string) (model.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	if userID != "" && run.UserID != userID {
		return model.Run{}, ErrNotFound
	}
	return run, nil
}
