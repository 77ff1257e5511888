package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/tsugi-ai/tsugi/internal/dispatch"
	"github.com/tsugi-ai/tsugi/internal/engine"
	"github.com/tsugi-ai/tsugi/internal/model"
	"github.com/tsugi-ai/tsugi/internal/planner"
	"github.com/tsugi-ai/tsugi/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type onePlanPlanner struct{}

func (onePlanPlanner) Plan(context.Context, planner.Request) (planner.Plan, error) {
	return planner.Plan{
		Steps: []planner.Step{
			{ID: "s1", Action: planner.Action{Name: "analyze"}},
			{ID: "s2", Action: planner.Action{Name: "done"}, DependsOn: []string{"s1"}},
		},
		Source: planner.SourceLLM,
	}, nil
}

func newTestMCP(t *testing.T) (*Server, *engine.Engine, storage.Store) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	d := dispatch.New(0, testLogger())
	d.Register("analyze", dispatch.CapabilityFunc(func(context.Context, map[string]any) (dispatch.Result, error) {
		return dispatch.Result{URI: "mem://x/analyze", Summary: "ok"}, nil
	}))

	eng := engine.New(store, onePlanPlanner{}, d, testLogger())
	return New(eng, store, testLogger()), eng, store
}

func toolRequest(args map[string]any) mcplib.CallToolRequest {
	req := mcplib.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestCreateRunTool(t *testing.T) {
	s, _, _ := newTestMCP(t)
	ctx := context.Background()

	res, err := s.handleCreateRun(ctx, toolRequest(map[string]any{"goal": "write a summary"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var out struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, string(model.RunStatusQueued), out.Status)
}

func TestCreateRunToolRequiresGoal(t *testing.T) {
	s, _, _ := newTestMCP(t)

	res, err := s.handleCreateRun(context.Background(), toolRequest(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestRunStatusAndPollTools(t *testing.T) {
	s, eng, _ := newTestMCP(t)
	ctx := context.Background()

	run, err := eng.CreateRun(ctx, "", model.CreateRunRequest{Goal: "g"})
	require.NoError(t, err)
	require.NoError(t, eng.Execute(ctx, run.ID))

	res, err := s.handleRunStatus(ctx, toolRequest(map[string]any{"run_id": run.ID.String()}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var status model.RunStatusResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &status))
	assert.Equal(t, model.RunStatusDone, status.Run.Status)
	assert.Len(t, status.Steps, 2)

	res, err = s.handlePollRun(ctx, toolRequest(map[string]any{"run_id": run.ID.String(), "cursor": float64(0)}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var poll model.PollResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &poll))
	assert.True(t, poll.Done)
	assert.NotEmpty(t, poll.Items)
}

func TestCancelRunTool(t *testing.T) {
	s, eng, _ := newTestMCP(t)
	ctx := context.Background()

	run, err := eng.CreateRun(ctx, "", model.CreateRunRequest{Goal: "g"})
	require.NoError(t, err)

	res, err := s.handleCancelRun(ctx, toolRequest(map[string]any{"run_id": run.ID.String()}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	// Cancelling a terminal run reports an error result.
	res, err = s.handleCancelRun(ctx, toolRequest(map[string]any{"run_id": run.ID.String()}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestToolRejectsBadRunID(t *testing.T) {
	s, _, _ := newTestMCP(t)

	res, err := s.handleRunStatus(context.Background(), toolRequest(map[string]any{"run_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestQueuedRunsResource(t *testing.T) {
	s, eng, _ := newTestMCP(t)
	ctx := context.Background()

	_, err := eng.CreateRun(ctx, "", model.CreateRunRequest{Goal: "g"})
	require.NoError(t, err)

	contents, err := s.handleQueuedRuns(ctx, mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)

	var runs []model.Run
	require.NoError(t, json.Unmarshal([]byte(text.Text), &runs))
	assert.Len(t, runs, 1)
}
