package dispatch_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsugi-ai/tsugi/internal/dispatch"
)

func newTestDispatcher(timeout time.Duration) *dispatch.Dispatcher {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return dispatch.New(timeout, logger)
}

func TestDispatchRoutesToCapability(t *testing.T) {
	d := newTestDispatcher(0)
	d.Register("echo", dispatch.CapabilityFunc(func(_ context.Context, args map[string]any) (dispatch.Result, error) {
		return dispatch.Result{Summary: fmt.Sprintf("got %v", args["msg"]), URI: "mem://echo/1"}, nil
	}))

	res, err := d.Dispatch(context.Background(), "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "got hi", res.Summary)
	assert.Equal(t, "mem://echo/1", res.URI)
}

func TestDispatchUnknownAction(t *testing.T) {
	d := newTestDispatcher(0)
	_, err := d.Dispatch(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, dispatch.ErrUnknownAction)
}

func TestDispatchTimeout(t *testing.T) {
	d := newTestDispatcher(20 * time.Millisecond)
	d.Register("slow", dispatch.CapabilityFunc(func(ctx context.Context, _ map[string]any) (dispatch.Result, error) {
		select {
		case <-ctx.Done():
			return dispatch.Result{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return dispatch.Result{Summary: "too late"}, nil
		}
	}))

	_, err := d.Dispatch(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatchRecoversPanic(t *testing.T) {
	d := newTestDispatcher(0)
	d.Register("boom", dispatch.CapabilityFunc(func(_ context.Context, _ map[string]any) (dispatch.Result, error) {
		panic("unexpected state")
	}))

	_, err := d.Dispatch(context.Background(), "boom", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestActionsSorted(t *testing.T) {
	d := newTestDispatcher(0)
	for _, name := range []string{"chart", "analyze", "websearch"} {
		d.Register(name, dispatch.CapabilityFunc(func(_ context.Context, _ map[string]any) (dispatch.Result, error) {
			return dispatch.Result{}, nil
		}))
	}
	assert.Equal(t, []string{"analyze", "chart", "websearch"}, d.Actions())
}
