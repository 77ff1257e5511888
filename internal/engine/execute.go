package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tsugi-ai/tsugi/internal/dispatch"
	"github.com/tsugi-ai/tsugi/internal/model"
	"github.com/tsugi-ai/tsugi/internal/planner"
	"github.com/tsugi-ai/tsugi/internal/tools"
)

// Execute runs one orchestration pass over a run: claim it, plan once if
// no plan exists yet, then walk the plan in declared order dispatching
// each eligible step. Terminal runs are a no-op. Step failures are
// recorded and the pass continues under the default policy; only
// infrastructure failures (persistence errors) finalize the run as error
// and propagate to the caller.
func (e *Engine) Execute(ctx context.Context, runID uuid.UUID) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		e.logger.Info("run already terminal, skipping execute", "run_id", runID, "status", run.Status)
		return nil
	}
	start := time.Now()

	claimed, err := e.store.TransitionRun(ctx, runID,
		[]model.RunStatus{model.RunStatusQueued}, model.RunStatusActive)
	if err != nil {
		return e.finalizeError(ctx, runID, err)
	}
	if claimed {
		if _, err := e.store.AppendEvent(ctx, runID, nil, model.EventRunStarted, map[string]any{"goal": run.Goal}); err != nil {
			return e.finalizeError(ctx, runID, err)
		}
	} else {
		// Lost the claim race or the run was already active. Re-read and
		// bail if it went terminal in the meantime.
		run, err = e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}
	}

	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return e.finalizeError(ctx, runID, err)
	}
	if len(steps) == 0 {
		if steps, err = e.planRun(ctx, run); err != nil {
			return e.finalizeError(ctx, runID, err)
		}
	}

	byID := make(map[string]*model.Step, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	var stats model.RunCompletedPayload
	finalStatus := model.RunStatusDone
walk:
	for i := range steps {
		step := &steps[i]
		switch step.Status {
		case model.StepStatusDone:
			stats.StepsDone++
			continue
		case model.StepStatusFailed, model.StepStatusTimeout:
			stats.StepsFailed++
			continue
		case model.StepStatusPending:
		default:
			continue
		}

		// Cancellation is a flag checked between steps; an in-flight
		// capability call is never interrupted from here.
		cur, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return e.finalizeError(ctx, runID, err)
		}
		if cur.Status.Terminal() {
			e.logger.Info("run went terminal mid-pass, stopping", "run_id", runID, "status", cur.Status)
			return nil
		}

		if step.Action == model.ActionDone {
			now := time.Now().UTC()
			step.Status = model.StepStatusDone
			step.FinishedAt = &now
			if err := e.store.UpdateStep(ctx, *step); err != nil {
				return e.finalizeError(ctx, runID, err)
			}
			stats.StepsDone++
			break walk
		}

		if unmet := e.unmetDeps(step, byID); len(unmet) > 0 {
			stats.StepsPending = append(stats.StepsPending, step.ID)
			if _, err := e.store.AppendEvent(ctx, runID, &step.ID, model.EventStepSkipped, map[string]any{
				"action": step.Action,
				"unmet":  unmet,
			}); err != nil {
				return e.finalizeError(ctx, runID, err)
			}
			continue
		}

		failed, err := e.runStep(ctx, run, step, byID)
		if err != nil {
			return e.finalizeError(ctx, runID, err)
		}
		if failed {
			stats.StepsFailed++
			if !e.policy.ContinueOnStepError {
				finalStatus = model.RunStatusError
				break walk
			}
			continue
		}
		stats.StepsDone++
	}

	stats.DurationMs = time.Since(start).Milliseconds()
	return e.finalize(ctx, runID, finalStatus, stats)
}

// planRun calls the planner once, falling back to the deterministic
// template planner on any failure, and persists the result.
func (e *Engine) planRun(ctx context.Context, run model.Run) ([]model.Step, error) {
	req := planner.Request{
		Goal:               run.Goal,
		Mode:               run.Mode,
		CompletionCriteria: run.CompletionCriteria,
		Context:            run.Context,
	}

	var plan planner.Plan
	var err error
	if e.planner != nil {
		plan, err = e.planner.Plan(ctx, req)
	} else {
		err = fmt.Errorf("no planner configured")
	}
	if err != nil || len(plan.Steps) == 0 {
		if e.fallback == nil {
			return nil, fmt.Errorf("engine: planning failed with no fallback: %w", err)
		}
		e.logger.Warn("planner failed, using template fallback", "run_id", run.ID, "error", err)
		if plan, err = e.fallback.Plan(ctx, req); err != nil {
			return nil, fmt.Errorf("engine: fallback planning failed: %w", err)
		}
	}

	steps := make([]model.Step, len(plan.Steps))
	actions := make([]string, len(plan.Steps))
	for i, ps := range plan.Steps {
		steps[i] = model.Step{
			RunID:     run.ID,
			ID:        ps.ID,
			Index:     i,
			Rationale: ps.Rationale,
			Action:    ps.Action.Name,
			Args:      ps.Action.Args,
			DependsOn: ps.DependsOn,
			Status:    model.StepStatusPending,
		}
		actions[i] = ps.Action.Name
	}
	if err := e.store.CreateSteps(ctx, steps); err != nil {
		return nil, err
	}
	if _, err := e.store.AppendEvent(ctx, run.ID, nil, model.EventPlanCreated, map[string]any{
		"source":     plan.Source,
		"step_count": len(steps),
		"actions":    actions,
	}); err != nil {
		return nil, err
	}
	e.logger.Info("plan persisted", "run_id", run.ID, "source", plan.Source, "steps", len(steps))
	return steps, nil
}

// unmetDeps returns the dependency step IDs that have not completed.
func (e *Engine) unmetDeps(step *model.Step, byID map[string]*model.Step) []string {
	var unmet []string
	for _, dep := range step.DependsOn {
		d, ok := byID[dep]
		if !ok || d.Status != model.StepStatusDone {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// runStep dispatches one step and persists the outcome. The returned
// bool reports a recorded step failure; the returned error is reserved
// for infrastructure failures, which are fatal to the pass.
func (e *Engine) runStep(ctx context.Context, run model.Run, step *model.Step, byID map[string]*model.Step) (bool, error) {
	now := time.Now().UTC()
	step.Status = model.StepStatusRunning
	step.StartedAt = &now
	if err := e.store.UpdateStep(ctx, *step); err != nil {
		return false, err
	}
	if _, err := e.store.AppendEvent(ctx, run.ID, &step.ID, model.EventStepStarted, map[string]any{
		"action": step.Action,
	}); err != nil {
		return false, err
	}

	args := e.buildArgs(ctx, run, step, byID)
	if _, err := e.store.AppendEvent(ctx, run.ID, &step.ID, model.EventToolStarted, map[string]any{
		"action": step.Action,
	}); err != nil {
		return false, err
	}

	res, dispatchErr := e.dispatcher.Dispatch(ctx, step.Action, args)

	finished := time.Now().UTC()
	step.FinishedAt = &finished

	if dispatchErr != nil {
		step.Status = model.StepStatusFailed
		step.ErrorKind = classifyError(dispatchErr)
		if step.ErrorKind == model.ErrKindTimeout {
			step.Status = model.StepStatusTimeout
		}
		step.ErrorDetail = dispatchErr.Error()
		if err := e.store.UpdateStep(ctx, *step); err != nil {
			return false, err
		}
		if _, err := e.store.AppendEvent(ctx, run.ID, &step.ID, model.EventStepError, map[string]any{
			"action":     step.Action,
			"error_kind": step.ErrorKind,
			"message":    step.ErrorDetail,
		}); err != nil {
			return false, err
		}
		e.logger.Warn("step failed", "run_id", run.ID, "step_id", step.ID, "action", step.Action, "error_kind", step.ErrorKind)
		return true, nil
	}

	if _, err := e.store.AppendEvent(ctx, run.ID, &step.ID, model.EventToolCompleted, map[string]any{
		"action":  step.Action,
		"has_uri": res.URI != "",
	}); err != nil {
		return false, err
	}

	if res.URI != "" {
		artifact := model.Artifact{
			RunID:     run.ID,
			Key:       model.ArtifactKey(step.Action, step.ID),
			StepID:    step.ID,
			URI:       res.URI,
			Type:      step.Action,
			Meta:      res.Meta,
			CreatedAt: finished,
		}
		if err := e.store.CreateArtifact(ctx, artifact); err != nil {
			return false, err
		}
		step.ArtifactKey = artifact.Key
	}

	step.Status = model.StepStatusDone
	step.Summary = res.Summary
	if err := e.store.UpdateStep(ctx, *step); err != nil {
		return false, err
	}
	if _, err := e.store.AppendEvent(ctx, run.ID, &step.ID, model.EventStepCompleted, map[string]any{
		"action":  step.Action,
		"summary": res.Summary,
	}); err != nil {
		return false, err
	}
	return false, nil
}

// buildArgs merges the planner-declared args with runtime context: run
// id, goal, uploaded documents, and the artifact URIs of completed
// dependencies. Typed step lookup is preferred; the legacy key-substring
// match remains as a fallback for plans that reference artifacts by
// action name.
func (e *Engine) buildArgs(ctx context.Context, run model.Run, step *model.Step, byID map[string]*model.Step) map[string]any {
	args := make(map[string]any, len(step.Args)+4)
	for k, v := range step.Args {
		args[k] = v
	}
	args[tools.ArgRunID] = run.ID.String()
	if _, ok := args[tools.ArgGoal]; !ok {
		args[tools.ArgGoal] = run.Goal
	}

	if len(run.Context.Documents) > 0 {
		docs := make([]any, len(run.Context.Documents))
		for i, d := range run.Context.Documents {
			docs[i] = map[string]any{"name": d.Name, "text": d.Text}
		}
		args[tools.ArgDocuments] = docs
	}

	var inputs []string
	for _, dep := range step.DependsOn {
		artifact, err := e.store.FindArtifactByStep(ctx, run.ID, dep)
		if err != nil && byID[dep] != nil {
			artifact, err = e.store.FindArtifactByKey(ctx, run.ID, byID[dep].Action)
		}
		if err != nil {
			continue
		}
		inputs = append(inputs, artifact.URI)
	}
	if len(inputs) > 0 {
		args[tools.ArgInputs] = inputs
	}
	return args
}

// finalize moves an active run to its terminal status and logs the
// closing event. A run that already went terminal (cancel won the race)
// is left untouched.
func (e *Engine) finalize(ctx context.Context, runID uuid.UUID, status model.RunStatus, stats model.RunCompletedPayload) error {
	ok, err := e.store.TransitionRun(ctx, runID,
		[]model.RunStatus{model.RunStatusActive}, status)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	typ := model.EventRunCompleted
	if status == model.RunStatusError {
		typ = model.EventRunFailed
	}
	if _, err := e.store.AppendEvent(ctx, runID, nil, typ, map[string]any{
		"steps_done":    stats.StepsDone,
		"steps_failed":  stats.StepsFailed,
		"steps_pending": stats.StepsPending,
		"duration_ms":   stats.DurationMs,
	}); err != nil {
		return err
	}
	e.logger.Info("run finalized", "run_id", runID, "status", status,
		"steps_done", stats.StepsDone, "steps_failed", stats.StepsFailed)
	return nil
}

// finalizeError marks the run failed after an infrastructure error and
// propagates the cause to the caller for its own retry policy.
func (e *Engine) finalizeError(ctx context.Context, runID uuid.UUID, cause error) error {
	if ok, err := e.store.TransitionRun(ctx, runID,
		[]model.RunStatus{model.RunStatusQueued, model.RunStatusActive}, model.RunStatusError); err == nil && ok {
		_, _ = e.store.AppendEvent(ctx, runID, nil, model.EventRunFailed, map[string]any{
			"message": cause.Error(),
		})
	}
	e.logger.Error("run execution failed", "run_id", runID, "error", cause)
	return cause
}

// classifyError maps a dispatch error to a recorded error kind.
func classifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return model.ErrKindTimeout
	case errors.Is(err, dispatch.ErrUnknownAction):
		return model.ErrKindUnknownAction
	default:
		return model.ErrKindToolError
	}
}
