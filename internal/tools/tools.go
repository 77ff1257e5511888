// Package tools implements the concrete capabilities the dispatcher
// routes to: web search, LLM-backed analysis and drafting, chart
// rendering via a subprocess, and export. Each capability normalizes its
// outcome into a dispatch.Result; failures are returned as errors and
// never persisted here.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/tsugi-ai/tsugi/internal/blob"
	"github.com/tsugi-ai/tsugi/internal/dispatch"
	"github.com/tsugi-ai/tsugi/internal/llm"
)

// Args keys injected by the engine before dispatch, alongside whatever
// the planner declared.
const (
	ArgRunID     = "run_id"
	ArgGoal      = "goal"
	ArgInputs    = "inputs"    // []string of dependency artifact URIs
	ArgDocuments = "documents" // []map with name/text of uploaded documents
)

// Config carries the shared collaborators capabilities need.
type Config struct {
	Gen           llm.Generator
	Blobs         blob.Store
	ChartRenderer *ChartRenderer
	Search        *Search
}

// Register binds every available capability to its action name. Nil
// collaborators disable the capabilities that need them.
func Register(d *dispatch.Dispatcher, cfg Config) {
	if cfg.Search != nil {
		d.Register("websearch", cfg.Search)
	}
	if cfg.Gen != nil && cfg.Blobs != nil {
		d.Register("analyze", &TextTool{Name: "analyze", System: analyzeSystemPrompt, Gen: cfg.Gen, Blobs: cfg.Blobs})
		d.Register("draft", &TextTool{Name: "draft", System: draftSystemPrompt, Gen: cfg.Gen, Blobs: cfg.Blobs})
		d.Register("assemble", &TextTool{Name: "assemble", System: assembleSystemPrompt, Gen: cfg.Gen, Blobs: cfg.Blobs})
	}
	if cfg.ChartRenderer != nil {
		d.Register("chart", cfg.ChartRenderer)
	}
	if cfg.Blobs != nil {
		d.Register("export", &Export{Blobs: cfg.Blobs})
	}
}

func strArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func strSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// gatherInputs resolves dependency artifact URIs into text, skipping
// unreadable ones.
func gatherInputs(ctx context.Context, blobs blob.Store, args map[string]any) string {
	var b strings.Builder
	for _, uri := range strSliceArg(args, ArgInputs) {
		data, err := blobs.Get(ctx, uri)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n", uri, data)
	}
	return b.String()
}

// gatherDocuments renders uploaded document content passed in args.
func gatherDocuments(args map[string]any) string {
	docs, ok := args[ArgDocuments].([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, d := range docs {
		m, ok := d.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		text, _ := m["text"].(string)
		fmt.Fprintf(&b, "--- %s ---\n%s\n", name, text)
	}
	return b.String()
}

// summarize returns the first line of text, capped for event payloads.
func summarize(text string, max int) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > max {
		text = text[:max]
	}
	return text
}
