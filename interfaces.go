package tsugi

import (
	"context"

	"github.com/tsugi-ai/tsugi/internal/dispatch"
	"github.com/tsugi-ai/tsugi/internal/llm"
)

// Generator produces text from a system prompt and a user prompt. When
// provided via WithGenerator, it replaces the auto-detected
// Anthropic/OpenAI client for both planning and the LLM-backed tools.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// ToolResult is the outcome of a capability invocation. URI points at
// the produced artifact; empty means the capability succeeded without
// producing one.
type ToolResult struct {
	URI     string
	Summary string
	Meta    map[string]any
}

// Capability is a custom action registered via WithCapability. The args
// map carries the planner-declared arguments plus the run-scoped values
// the engine injects (run_id, goal, inputs, documents).
type Capability func(ctx context.Context, args map[string]any) (ToolResult, error)

// generatorAdapter bridges the public Generator to the internal one.
type generatorAdapter struct {
	g Generator
}

func (a generatorAdapter) Generate(ctx context.Context, system, prompt string) (string, error) {
	return a.g.Generate(ctx, system, prompt)
}

var _ llm.Generator = generatorAdapter{}

// capabilityAdapter bridges a public Capability to the dispatcher.
type capabilityAdapter struct {
	fn Capability
}

func (a capabilityAdapter) Invoke(ctx context.Context, args map[string]any) (dispatch.Result, error) {
	res, err := a.fn(ctx, args)
	if err != nil {
		return dispatch.Result{}, err
	}
	return dispatch.Result{URI: res.URI, Summary: res.Summary, Meta: res.Meta}, nil
}
