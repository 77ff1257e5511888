package engine_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsugi-ai/tsugi/internal/dispatch"
	"github.com/tsugi-ai/tsugi/internal/engine"
	"github.com/tsugi-ai/tsugi/internal/model"
	"github.com/tsugi-ai/tsugi/internal/planner"
	"github.com/tsugi-ai/tsugi/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	db, err := storage.NewSQLite(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

// scriptedPlanner returns a fixed plan, or an error when steps is nil.
type scriptedPlanner struct {
	steps []planner.Step
}

func (p scriptedPlanner) Plan(context.Context, planner.Request) (planner.Plan, error) {
	if p.steps == nil {
		return planner.Plan{}, fmt.Errorf("planner unavailable")
	}
	return planner.Plan{Steps: p.steps, Source: planner.SourceLLM}, nil
}

// threeStepPlan is the analyze -> chart -> done shape used throughout:
// chart depends on analyze.
func threeStepPlan() []planner.Step {
	return []planner.Step{
		{ID: "s1", Action: planner.Action{Name: "analyze"}},
		{ID: "s2", Action: planner.Action{Name: "chart"}, DependsOn: []string{"s1"}},
		{ID: "s3", Action: planner.Action{Name: "done"}, DependsOn: []string{"s2"}},
	}
}

// okCapability succeeds and returns an artifact URI derived from name.
func okCapability(name string) dispatch.Capability {
	return dispatch.CapabilityFunc(func(_ context.Context, args map[string]any) (dispatch.Result, error) {
		return dispatch.Result{
			URI:     fmt.Sprintf("mem://%v/%s", args["run_id"], name),
			Summary: name + " ok",
		}, nil
	})
}

func failCapability(name string) dispatch.Capability {
	return dispatch.CapabilityFunc(func(context.Context, map[string]any) (dispatch.Result, error) {
		return dispatch.Result{}, fmt.Errorf("%s exploded", name)
	})
}

func newTestEngine(t *testing.T, store storage.Store, p planner.Planner, register func(*dispatch.Dispatcher), opts ...engine.Option) *engine.Engine {
	t.Helper()
	d := dispatch.New(0, testLogger())
	if register != nil {
		register(d)
	}
	return engine.New(store, p, d, testLogger(), opts...)
}

func createAndExecute(t *testing.T, e *engine.Engine, goal string) model.Run {
	t.Helper()
	ctx := context.Background()
	run, err := e.CreateRun(ctx, "u1", model.CreateRunRequest{Goal: goal})
	require.NoError(t, err)
	require.NoError(t, e.Execute(ctx, run.ID))
	return run
}

func TestScenarioHappyPath(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := newTestEngine(t, store, scriptedPlanner{steps: threeStepPlan()}, func(d *dispatch.Dispatcher) {
		d.Register("analyze", okCapability("analyze"))
		d.Register("chart", okCapability("chart"))
	})

	run := createAndExecute(t, e, "produce a report on X")

	status, err := e.Status(ctx, run.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, status.Run.Status)
	require.NotNil(t, status.Run.CompletedAt)

	require.Len(t, status.Steps, 3)
	for _, s := range status.Steps {
		assert.Equal(t, model.StepStatusDone, s.Status, "step %s", s.ID)
	}

	require.Len(t, status.Artifacts, 2)
	found := false
	for _, a := range status.Artifacts {
		if a.StepID == "s1" {
			found = true
			assert.Contains(t, a.Key, "analyze")
		}
	}
	assert.True(t, found, "expected an artifact produced by s1")

	// plan.created + run.started + 2x(step.started, tool.started,
	// tool.completed, step.completed) + run.completed.
	assert.GreaterOrEqual(t, len(status.Events), 5)
	assert.Equal(t, model.EventRunCompleted, status.Events[len(status.Events)-1].Type)
}

func TestScenarioStepFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := newTestEngine(t, store, scriptedPlanner{steps: threeStepPlan()}, func(d *dispatch.Dispatcher) {
		d.Register("analyze", okCapability("analyze"))
		d.Register("chart", failCapability("chart"))
	})

	run := createAndExecute(t, e, "produce a report on X")

	status, err := e.Status(ctx, run.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, status.Run.Status)

	byID := map[string]model.Step{}
	for _, s := range status.Steps {
		byID[s.ID] = s
	}
	assert.Equal(t, model.StepStatusDone, byID["s1"].Status)
	assert.Equal(t, model.StepStatusFailed, byID["s2"].Status)
	assert.Equal(t, model.ErrKindToolError, byID["s2"].ErrorKind)
	assert.Equal(t, model.StepStatusDone, byID["s3"].Status)

	poll, err := e.Poll(ctx, run.ID, "u1", 0)
	require.NoError(t, err)
	assert.True(t, poll.Done)
}

func TestScenarioDependentsOfFailedStepStayPending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	steps := []planner.Step{
		{ID: "s1", Action: planner.Action{Name: "analyze"}},
		{ID: "s2", Action: planner.Action{Name: "draft"}, DependsOn: []string{"s1"}},
		{ID: "s3", Action: planner.Action{Name: "done"}},
	}
	e := newTestEngine(t, store, scriptedPlanner{steps: steps}, func(d *dispatch.Dispatcher) {
		d.Register("analyze", failCapability("analyze"))
		d.Register("draft", okCapability("draft"))
	})

	run := createAndExecute(t, e, "g")

	status, err := e.Status(ctx, run.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, status.Run.Status)

	byID := map[string]model.Step{}
	for _, s := range status.Steps {
		byID[s.ID] = s
	}
	assert.Equal(t, model.StepStatusFailed, byID["s1"].Status)
	assert.Equal(t, model.StepStatusPending, byID["s2"].Status, "dependent of failed step is never dispatched")
}

func TestUnknownActionRecordedAsStepFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	steps := []planner.Step{
		{ID: "s1", Action: planner.Action{Name: "teleport"}},
		{ID: "s2", Action: planner.Action{Name: "done"}},
	}
	e := newTestEngine(t, store, scriptedPlanner{steps: steps}, nil)

	run := createAndExecute(t, e, "g")

	status, err := e.Status(ctx, run.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, status.Run.Status)
	assert.Equal(t, model.StepStatusFailed, status.Steps[0].Status)
	assert.Equal(t, model.ErrKindUnknownAction, status.Steps[0].ErrorKind)
}

func TestFallbackPlanningWhenPlannerAlwaysFails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := newTestEngine(t, store, scriptedPlanner{steps: nil}, func(d *dispatch.Dispatcher) {
		d.Register("analyze", okCapability("analyze"))
		d.Register("draft", okCapability("draft"))
		d.Register("assemble", okCapability("assemble"))
	})

	run := createAndExecute(t, e, "summarize the quarter")

	status, err := e.Status(ctx, run.ID, "u1")
	require.NoError(t, err)
	assert.True(t, status.Run.Status.Terminal())
	assert.NotEmpty(t, status.Steps, "fallback must still produce a plan")

	var planEvent *model.Event
	for i, ev := range status.Events {
		if ev.Type == model.EventPlanCreated {
			planEvent = &status.Events[i]
		}
	}
	require.NotNil(t, planEvent)
	assert.Equal(t, planner.SourceTemplate, planEvent.Payload["source"])
}

func TestPollSequenceMonotonicity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := newTestEngine(t, store, scriptedPlanner{steps: threeStepPlan()}, func(d *dispatch.Dispatcher) {
		d.Register("analyze", okCapability("analyze"))
		d.Register("chart", okCapability("chart"))
	})

	run := createAndExecute(t, e, "g")

	seen := map[int64]bool{}
	cursor := int64(0)
	for {
		resp, err := e.Poll(ctx, run.ID, "u1", cursor)
		require.NoError(t, err)
		for _, item := range resp.Items {
			assert.Greater(t, item.Seq, cursor, "no item at or below the cursor")
			assert.False(t, seen[item.Seq], "seq %d returned twice", item.Seq)
			seen[item.Seq] = true
		}
		if len(resp.Items) == 0 {
			assert.Equal(t, cursor, resp.NextCursor)
			break
		}
		assert.Equal(t, resp.Items[len(resp.Items)-1].Seq, resp.NextCursor)
		cursor = resp.NextCursor
	}
	assert.NotEmpty(t, seen)
}

func TestPollIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := newTestEngine(t, store, scriptedPlanner{steps: threeStepPlan()}, func(d *dispatch.Dispatcher) {
		d.Register("analyze", okCapability("analyze"))
		d.Register("chart", okCapability("chart"))
	})

	run := createAndExecute(t, e, "g")

	a, err := e.Poll(ctx, run.ID, "u1", 2)
	require.NoError(t, err)
	b, err := e.Poll(ctx, run.ID, "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPollBeyondLastSeq(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := newTestEngine(t, store, scriptedPlanner{steps: threeStepPlan()}, func(d *dispatch.Dispatcher) {
		d.Register("analyze", okCapability("analyze"))
		d.Register("chart", okCapability("chart"))
	})

	run := createAndExecute(t, e, "g")

	resp, err := e.Poll(ctx, run.ID, "u1", 100000)
	require.NoError(t, err)
	assert.Empty(t, resp.Items)
	assert.Equal(t, int64(100000), resp.NextCursor)
	assert.True(t, resp.Done)
	assert.Equal(t, model.RunStatusDone, resp.Status)
}

func TestCancelIsTerminalAndExecuteIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := newTestEngine(t, store, scriptedPlanner{steps: threeStepPlan()}, nil)

	run, err := e.CreateRun(ctx, "u1", model.CreateRunRequest{Goal: "g"})
	require.NoError(t, err)

	require.NoError(t, e.Cancel(ctx, run.ID, "u1"))

	// Cancelling again is rejected; the status never changes.
	assert.ErrorIs(t, e.Cancel(ctx, run.ID, "u1"), engine.ErrRunTerminal)

	// An (erroneous) execute on the cancelled run is a silent no-op.
	require.NoError(t, e.Execute(ctx, run.ID))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)

	poll, err := e.Poll(ctx, run.ID, "u1", 0)
	require.NoError(t, err)
	assert.True(t, poll.Done)
	assert.Equal(t, model.RunStatusCancelled, poll.Status)
}

func TestTerminalRunNeverChangesStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := newTestEngine(t, store, scriptedPlanner{steps: []planner.Step{
		{ID: "s1", Action: planner.Action{Name: "done"}},
	}}, nil)

	run := createAndExecute(t, e, "g")

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusDone, got.Status)

	// Neither a repeat execute nor a cancel may move a terminal run.
	require.NoError(t, e.Execute(ctx, run.ID))
	assert.ErrorIs(t, e.Cancel(ctx, run.ID, "u1"), engine.ErrRunTerminal)

	got, err = store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, got.Status)
}

func TestOwnershipEnforced(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := newTestEngine(t, store, scriptedPlanner{steps: threeStepPlan()}, nil)

	run, err := e.CreateRun(ctx, "u1", model.CreateRunRequest{Goal: "g"})
	require.NoError(t, err)

	_, err = e.Poll(ctx, run.ID, "intruder", 0)
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = e.Status(ctx, run.ID, "intruder")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.ErrorIs(t, e.Cancel(ctx, run.ID, "intruder"), engine.ErrNotFound)
}

func TestSetContextOnlyWhileQueued(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := newTestEngine(t, store, scriptedPlanner{steps: []planner.Step{
		{ID: "s1", Action: planner.Action{Name: "done"}},
	}}, nil)

	run, err := e.CreateRun(ctx, "u1", model.CreateRunRequest{Goal: "g"})
	require.NoError(t, err)

	req := model.SetContextRequest{
		Documents:   []model.Document{{Name: "q3.txt", Text: "revenue up"}},
		Preferences: map[string]string{"tone": "formal"},
	}
	require.NoError(t, e.SetContext(ctx, run.ID, "u1", req))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, got.Context.Documents, 1)

	require.NoError(t, e.Execute(ctx, run.ID))
	assert.ErrorIs(t, e.SetContext(ctx, run.ID, "u1", req), engine.ErrRunStarted)
}

func TestDependencyArtifactThreadedIntoArgs(t *testing.T) {
	store := newTestStore(t)
	var chartInputs []string
	steps := []planner.Step{
		{ID: "s1", Action: planner.Action{Name: "analyze"}},
		{ID: "s2", Action: planner.Action{Name: "chart"}, DependsOn: []string{"s1"}},
		{ID: "s3", Action: planner.Action{Name: "done"}},
	}
	e := newTestEngine(t, store, scriptedPlanner{steps: steps}, func(d *dispatch.Dispatcher) {
		d.Register("analyze", okCapability("analyze"))
		d.Register("chart", dispatch.CapabilityFunc(func(_ context.Context, args map[string]any) (dispatch.Result, error) {
			if v, ok := args["inputs"].([]string); ok {
				chartInputs = v
			}
			return dispatch.Result{Summary: "ok"}, nil
		}))
	})

	createAndExecute(t, e, "g")

	require.Len(t, chartInputs, 1)
	assert.Contains(t, chartInputs[0], "analyze")
}

func TestStopOnStepErrorPolicy(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	steps := []planner.Step{
		{ID: "s1", Action: planner.Action{Name: "analyze"}},
		{ID: "s2", Action: planner.Action{Name: "draft"}},
		{ID: "s3", Action: planner.Action{Name: "done"}},
	}
	e := newTestEngine(t, store, scriptedPlanner{steps: steps}, func(d *dispatch.Dispatcher) {
		d.Register("analyze", failCapability("analyze"))
		d.Register("draft", okCapability("draft"))
	}, engine.WithPolicy(engine.Policy{ContinueOnStepError: false}))

	run := createAndExecute(t, e, "g")

	status, err := e.Status(ctx, run.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, status.Run.Status)
	assert.Equal(t, model.StepStatusPending, status.Steps[1].Status, "later steps are not attempted")
}

func TestExecuteResumeSkipsFinishedSteps(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	analyzeCalls := 0
	e := newTestEngine(t, store, scriptedPlanner{steps: threeStepPlan()}, func(d *dispatch.Dispatcher) {
		d.Register("analyze", dispatch.CapabilityFunc(func(_ context.Context, args map[string]any) (dispatch.Result, error) {
			analyzeCalls++
			return dispatch.Result{Summary: "ok"}, nil
		}))
		d.Register("chart", okCapability("chart"))
	})

	run, err := e.CreateRun(ctx, "u1", model.CreateRunRequest{Goal: "g"})
	require.NoError(t, err)
	require.NoError(t, e.Execute(ctx, run.ID))
	require.NoError(t, e.Execute(ctx, run.ID))

	assert.Equal(t, 1, analyzeCalls, "a completed step is never re-dispatched")
}
