package blob_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsugi-ai/tsugi/internal/blob"
)

// Interface compliance.
var (
	_ blob.Store = (*blob.Memory)(nil)
	_ blob.Store = (*blob.FS)(nil)
)

func TestMemoryPutGetIsolation(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()

	data := []byte("hello")
	uri, err := store.Put(ctx, "r1", "analyze/s1", data)
	require.NoError(t, err)
	assert.Equal(t, "mem://r1/analyze/s1", uri)

	data[0] = 'H' // mutate original after save
	out, err := store.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	out[0] = 'x' // mutate returned copy
	out2, err := store.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out2))
}

func TestMemoryGetMissing(t *testing.T) {
	store := blob.NewMemory()
	_, err := store.Get(context.Background(), "mem://nope/nope")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestFSRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	uri, err := store.Put(ctx, "r1", "chart/s2.png", []byte{0x89, 0x50})
	require.NoError(t, err)
	assert.Contains(t, uri, "file://")

	out, err := store.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0x50}, out)
}

func TestFSRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	store, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(ctx, "r1", "../../etc/passwd", []byte("x"))
	assert.Error(t, err)
}

func TestFSGetOutsideBase(t *testing.T) {
	store, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "file:///etc/hostname")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}
