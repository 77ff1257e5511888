package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tsugi-ai/tsugi/internal/blob"
	"github.com/tsugi-ai/tsugi/internal/dispatch"
)

// Export packages the assembled document into a dated deliverable
// artifact. It concatenates its input artifacts with a header; format
// conversion beyond markdown is left to downstream consumers of the URI.
type Export struct {
	Blobs blob.Store
}

func (e *Export) Invoke(ctx context.Context, args map[string]any) (dispatch.Result, error) {
	content := gatherInputs(ctx, e.Blobs, args)
	if content == "" {
		return dispatch.Result{}, fmt.Errorf("export: no input artifacts to export")
	}

	goal := strArg(args, ArgGoal)
	var b strings.Builder
	fmt.Fprintf(&b, "%% %s\n%% exported %s\n\n", goal, time.Now().UTC().Format("2006-01-02"))
	b.WriteString(content)

	uri, err := e.Blobs.Put(ctx, strArg(args, ArgRunID), "export.md", []byte(b.String()))
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("export: store deliverable: %w", err)
	}
	return dispatch.Result{
		URI:     uri,
		Summary: "exported final deliverable",
		Meta:    map[string]any{"bytes": b.Len()},
	}, nil
}
