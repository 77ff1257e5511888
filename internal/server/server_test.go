package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsugi-ai/tsugi/internal/auth"
	"github.com/tsugi-ai/tsugi/internal/dispatch"
	"github.com/tsugi-ai/tsugi/internal/engine"
	"github.com/tsugi-ai/tsugi/internal/model"
	"github.com/tsugi-ai/tsugi/internal/planner"
	"github.com/tsugi-ai/tsugi/internal/server"
	"github.com/tsugi-ai/tsugi/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fixedPlanner always returns a single analyze step followed by done.
type fixedPlanner struct{}

func (fixedPlanner) Plan(context.Context, planner.Request) (planner.Plan, error) {
	return planner.Plan{
		Steps: []planner.Step{
			{ID: "s1", Action: planner.Action{Name: "analyze"}},
			{ID: "s2", Action: planner.Action{Name: "done"}, DependsOn: []string{"s1"}},
		},
		Source: planner.SourceLLM,
	}, nil
}

// testServer wires a full HTTP stack over an in-memory SQLite store and
// returns the handler plus a JWT for a seeded regular user.
type testServer struct {
	handler    http.Handler
	handlers   *server.Handlers
	store      storage.Store
	dispatcher *dispatch.Dispatcher
	apiKey     string
	token      string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := testLogger()

	store, err := storage.NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	d := dispatch.New(0, logger)
	d.Register("analyze", dispatch.CapabilityFunc(func(_ context.Context, args map[string]any) (dispatch.Result, error) {
		return dispatch.Result{URI: fmt.Sprintf("mem://%v/analyze", args["run_id"]), Summary: "analyze ok"}, nil
	}))

	eng := engine.New(store, fixedPlanner{}, d, logger)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	srv := server.New(server.Config{
		Store:               store,
		Engine:              eng,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Port:                0,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})

	ts := &testServer{
		handler:    srv.Handler(),
		handlers:   srv.Handlers(),
		store:      store,
		dispatcher: d,
	}

	// Seed a regular user and exchange its key for a token.
	key, keyID, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	_, secret, err := auth.SplitAPIKey(key)
	require.NoError(t, err)
	hash, err := auth.HashAPIKey(secret)
	require.NoError(t, err)
	require.NoError(t, store.CreateUser(context.Background(), storage.User{
		ID:        "user-1",
		KeyID:     keyID,
		KeyHash:   hash,
		Role:      storage.RoleUser,
		CreatedAt: time.Now().UTC(),
	}))
	ts.apiKey = key
	ts.token = ts.fetchToken(t, key)
	return ts
}

func (ts *testServer) fetchToken(t *testing.T, apiKey string) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/auth/token", "", model.TokenRequest{APIKey: apiKey})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data model.TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.Token)
	return resp.Data.Token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Meta.RequestID)
	return resp.Data
}

func TestHealthNoAuth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

func TestAuthTokenRejectsBadKey(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/auth/token", "", model.TokenRequest{APIKey: "tsugi_nope_wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/auth/token", "", model.TokenRequest{APIKey: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRunsRequireAuth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/runs", "", model.CreateRunRequest{Goal: "g"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/runs", "not-a-jwt", model.CreateRunRequest{Goal: "g"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateExecutePollLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/runs", ts.token, model.CreateRunRequest{Goal: "summarize the quarter"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decodeData[model.Run](t, rec)
	assert.Equal(t, model.RunStatusQueued, run.Status)

	rec = ts.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/execute", ts.token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	status := decodeData[model.RunStatusResponse](t, rec)
	assert.Equal(t, model.RunStatusDone, status.Run.Status)
	assert.Len(t, status.Steps, 2)

	rec = ts.do(t, http.MethodGet, "/v1/runs/"+run.ID.String()+"/poll?cursor=0", ts.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	poll := decodeData[model.PollResponse](t, rec)
	assert.True(t, poll.Done)
	assert.NotEmpty(t, poll.Items)
	assert.Greater(t, poll.NextCursor, int64(0))

	// Cursor at the end returns no items, same cursor back.
	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/v1/runs/%s/poll?cursor=%d", run.ID, poll.NextCursor), ts.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeData[model.PollResponse](t, rec)
	assert.Empty(t, again.Items)
	assert.Equal(t, poll.NextCursor, again.NextCursor)
}

func TestGetRunNotFoundAndBadID(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/runs/00000000-0000-0000-0000-000000000001", ts.token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/runs/not-a-uuid", ts.token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelQueuedRunThenConflict(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/runs", ts.token, model.CreateRunRequest{Goal: "g"})
	require.Equal(t, http.StatusCreated, rec.Code)
	run := decodeData[model.Run](t, rec)

	rec = ts.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/cancel", ts.token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Cancelling a terminal run conflicts.
	rec = ts.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/cancel", ts.token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSetContextAfterStartConflicts(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/runs", ts.token, model.CreateRunRequest{Goal: "g"})
	require.Equal(t, http.StatusCreated, rec.Code)
	run := decodeData[model.Run](t, rec)

	ctxReq := model.SetContextRequest{
		Documents:   []model.Document{{Name: "notes", Text: "q3 numbers"}},
		Preferences: map[string]string{"tone": "formal"},
	}
	rec = ts.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/context", ts.token, ctxReq)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/execute", ts.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/context", ts.token, ctxReq)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateRunValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/runs", ts.token, model.CreateRunRequest{Goal: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/runs", ts.token, map[string]any{"goal": "g", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/users", ts.token, map[string]any{"role": "user"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSeedAdminAndCreateUser(t *testing.T) {
	ts := newTestServer(t)

	adminKey, _, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	require.NoError(t, ts.handlers.SeedAdmin(context.Background(), adminKey))
	// Idempotent on restart.
	require.NoError(t, ts.handlers.SeedAdmin(context.Background(), adminKey))

	adminToken := ts.fetchToken(t, adminKey)

	rec := ts.do(t, http.MethodPost, "/v1/users", adminToken, map[string]any{"role": "user"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeData[struct {
		User   storage.User `json:"user"`
		APIKey string       `json:"api_key"`
	}](t, rec)
	assert.NotEmpty(t, created.APIKey)
	assert.Equal(t, storage.RoleUser, created.User.Role)

	// The minted key works for token exchange.
	ts.fetchToken(t, created.APIKey)
}

func TestRunOwnershipIsolation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/runs", ts.token, model.CreateRunRequest{Goal: "mine"})
	require.Equal(t, http.StatusCreated, rec.Code)
	run := decodeData[model.Run](t, rec)

	// A second user cannot see the first user's run.
	otherKey, keyID, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	_, secret, err := auth.SplitAPIKey(otherKey)
	require.NoError(t, err)
	hash, err := auth.HashAPIKey(secret)
	require.NoError(t, err)
	require.NoError(t, ts.store.CreateUser(context.Background(), storage.User{
		ID:        "user-2",
		KeyID:     keyID,
		KeyHash:   hash,
		Role:      storage.RoleUser,
		CreatedAt: time.Now().UTC(),
	}))
	otherToken := ts.fetchToken(t, otherKey)

	rec = ts.do(t, http.MethodGet, "/v1/runs/"+run.ID.String(), otherToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteRunSurvivesClientDisconnect(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/runs", ts.token, model.CreateRunRequest{Goal: "long report"})
	require.Equal(t, http.StatusCreated, rec.Code)
	run := decodeData[model.Run](t, rec)

	// The client hangs up while the first step is executing. Execution
	// must keep its own context so store writes outlive the request.
	reqCtx, hangUp := context.WithCancel(context.Background())
	var stepCtxErr error
	ts.dispatcher.Register("analyze", dispatch.CapabilityFunc(func(ctx context.Context, _ map[string]any) (dispatch.Result, error) {
		hangUp()
		stepCtxErr = ctx.Err()
		return dispatch.Result{Summary: "analyze ok"}, nil
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/runs/"+run.ID.String()+"/execute", nil).WithContext(reqCtx)
	req.Header.Set("Authorization", "Bearer "+ts.token)
	ts.handler.ServeHTTP(httptest.NewRecorder(), req)

	require.NoError(t, stepCtxErr, "step context must not be cancelled by the disconnect")

	got, err := ts.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, got.Status)
}
