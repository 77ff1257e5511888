package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsugi-ai/tsugi/internal/model"
	"github.com/tsugi-ai/tsugi/internal/storage"
	"github.com/tsugi-ai/tsugi/internal/testutil"
)

// newPostgresStore spins up a throwaway Postgres container. Set
// TSUGI_TEST_POSTGRES=1 to enable; requires Docker.
func newPostgresStore(t *testing.T) storage.Store {
	t.Helper()
	if os.Getenv("TSUGI_TEST_POSTGRES") == "" {
		t.Skip("set TSUGI_TEST_POSTGRES=1 to run Postgres integration tests")
	}

	tc := testutil.MustStartPostgres()
	t.Cleanup(tc.Terminate)

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

// TestPostgresStoreContract exercises the same Store behaviors the
// SQLite tests cover, against the migrated Postgres schema.
func TestPostgresStoreContract(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	run := model.Run{
		ID:                 uuid.New(),
		UserID:             "u1",
		Goal:               "produce a report",
		Status:             model.RunStatusQueued,
		CompletionCriteria: []string{"has summary"},
		CreatedAt:          time.Now().UTC(),
	}
	require.NoError(t, store.CreateRun(ctx, run))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Goal, got.Goal)

	ok, err := store.TransitionRun(ctx, run.ID,
		[]model.RunStatus{model.RunStatusQueued}, model.RunStatusActive)
	require.NoError(t, err)
	require.True(t, ok)

	steps := []model.Step{
		{RunID: run.ID, ID: "s1", Index: 0, Action: "analyze", Status: model.StepStatusPending},
		{RunID: run.ID, ID: "s2", Index: 1, Action: "done",
			DependsOn: []string{"s1"}, Status: model.StepStatusPending},
	}
	require.NoError(t, store.CreateSteps(ctx, steps))

	listed, err := store.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, []string{"s1"}, listed[1].DependsOn)

	require.NoError(t, store.CreateArtifact(ctx, model.Artifact{
		RunID: run.ID, Key: "analyze/s1", StepID: "s1",
		URI: "mem://r/analyze", Type: "analyze", CreatedAt: time.Now().UTC(),
	}))
	byStep, err := store.FindArtifactByStep(ctx, run.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, "analyze/s1", byStep.Key)
	byKey, err := store.FindArtifactByKey(ctx, run.ID, "analyze")
	require.NoError(t, err)
	assert.Equal(t, "s1", byKey.StepID)

	for i := range 3 {
		ev, err := store.AppendEvent(ctx, run.ID, nil, model.EventToolCompleted,
			map[string]any{"i": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	events, err := store.ListEvents(ctx, run.ID, 1, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Seq)

	ok, err = store.TransitionRun(ctx, run.ID,
		[]model.RunStatus{model.RunStatusActive}, model.RunStatusDone)
	require.NoError(t, err)
	require.True(t, ok)

	// Terminal freeze.
	ok, err = store.TransitionRun(ctx, run.ID,
		[]model.RunStatus{model.RunStatusQueued, model.RunStatusActive}, model.RunStatusCancelled)
	require.NoError(t, err)
	assert.False(t, ok)

	u := storage.User{
		ID: uuid.New().String(), KeyID: "pgkey", KeyHash: "salt$hash",
		Role: storage.RoleAdmin, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateUser(ctx, u))
	gotUser, err := store.GetUserByKeyID(ctx, "pgkey")
	require.NoError(t, err)
	assert.Equal(t, storage.RoleAdmin, gotUser.Role)
}
