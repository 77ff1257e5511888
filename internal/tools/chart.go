package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tsugi-ai/tsugi/internal/blob"
	"github.com/tsugi-ai/tsugi/internal/dispatch"
)

// ChartRenderer renders a chart image through the bundled builder
// scripts. Every chart kind has a builder at
// <ScriptDir>/build_<kind>.py sharing one contract: the step arguments
// are marshalled to a JSON input file and the builder is invoked as
// `interpreter build_<kind>.py <input.json> <output.png>`. A kind with
// no builder script, a non-zero exit, or a missing output file is a
// step failure.
type ChartRenderer struct {
	Interpreter string
	ScriptDir   string // defaults to "scripts"
	Blobs       blob.Store
}

// Builder scripts are addressed by kind, so the kind must stay a plain
// file-name fragment.
var chartKindPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// chartPayload is the JSON input contract shared by all builder scripts.
type chartPayload struct {
	Title  string    `json:"title"`
	Series []float64 `json:"series"`
	Labels []string  `json:"labels,omitempty"`
}

func (c *ChartRenderer) Invoke(ctx context.Context, args map[string]any) (dispatch.Result, error) {
	kind := strArg(args, "kind")
	if kind == "" {
		kind = "line"
	}
	if !chartKindPattern.MatchString(kind) {
		return dispatch.Result{}, fmt.Errorf("chart: invalid kind %q", kind)
	}

	scriptDir := c.ScriptDir
	if scriptDir == "" {
		scriptDir = "scripts"
	}
	script := filepath.Join(scriptDir, "build_"+kind+".py")
	if _, err := os.Stat(script); err != nil {
		return dispatch.Result{}, fmt.Errorf("chart: no builder for kind %q: %w", kind, err)
	}

	title := strArg(args, "title")
	if title == "" {
		title = strArg(args, ArgGoal)
	}
	payload := chartPayload{
		Title:  title,
		Series: floatSliceArg(args, "series"),
		Labels: strSliceArg(args, "labels"),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("chart: marshal input: %w", err)
	}

	dir, err := os.MkdirTemp("", "tsugi-chart-*")
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("chart: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "input.json")
	outPath := filepath.Join(dir, kind+".png")
	if err := os.WriteFile(inPath, encoded, 0o644); err != nil {
		return dispatch.Result{}, fmt.Errorf("chart: write input: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Interpreter, script, inPath, outPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return dispatch.Result{}, fmt.Errorf("chart: render %s: %w: %s", kind, err, strings.TrimSpace(string(out)))
	}

	img, err := os.ReadFile(outPath)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("chart: no output produced: %w", err)
	}

	uri, err := c.Blobs.Put(ctx, strArg(args, ArgRunID), kind+".png", img)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("chart: store image: %w", err)
	}
	return dispatch.Result{
		URI:     uri,
		Summary: fmt.Sprintf("rendered %s chart %q with %d points", kind, title, len(payload.Series)),
		Meta:    map[string]any{"kind": kind, "title": title, "points": len(payload.Series)},
	}, nil
}

func floatSliceArg(args map[string]any, key string) []float64 {
	switch v := args[key].(type) {
	case []float64:
		return v
	case []any:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				out = append(out, n)
			case int:
				out = append(out, float64(n))
			}
		}
		return out
	}
	return nil
}
