package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tsugi-ai/tsugi/internal/llm"
)

const planSystemPrompt = `You are a planning assistant for an execution engine.
Respond with JSON only, no prose, in this exact shape:
{"steps":[{"id":"s1","rationale":"...","action":{"name":"...","args":{}},"expects":"...","depends_on":[]}]}
Available actions: websearch, analyze, chart, draft, assemble, export, done.
Rules: step ids must be unique; depends_on may only reference earlier steps;
order steps so every dependency appears before its dependents; the final
step must use action "done" with no args.`

// LLMPlanner asks a hosted model for a plan and parses the JSON reply.
// Any transport error, malformed JSON, or schema violation is returned as
// an error so a chained fallback can take over.
type LLMPlanner struct {
	Gen     llm.Generator
	Timeout time.Duration
}

func (p LLMPlanner) Plan(ctx context.Context, req Request) (Plan, error) {
	if p.Gen == nil {
		return Plan{}, fmt.Errorf("planner: generator missing")
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	raw, err := p.Gen.Generate(ctx, planSystemPrompt, buildPrompt(req))
	if err != nil {
		return Plan{}, fmt.Errorf("planner: generate: %w", err)
	}

	var parsed struct {
		Steps []Step `json:"steps"`
	}
	cleaned := extractJSON(stripCodeFences(raw))
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return Plan{}, fmt.Errorf("planner: parse plan json: %w", err)
	}
	if err := validate(parsed.Steps); err != nil {
		return Plan{}, err
	}
	return Plan{Steps: parsed.Steps, Source: SourceLLM}, nil
}

// buildPrompt renders the run's goal and context for the model.
func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", req.Goal)
	if req.Mode != "" {
		fmt.Fprintf(&b, "Mode: %s\n", req.Mode)
	}
	if len(req.CompletionCriteria) > 0 {
		b.WriteString("Completion criteria:\n")
		for _, c := range req.CompletionCriteria {
			b.WriteString("- " + c + "\n")
		}
	}
	if len(req.Context.Documents) > 0 {
		b.WriteString("\nUploaded documents:\n")
		for _, d := range req.Context.Documents {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", d.Name, d.Text)
		}
	}
	if len(req.Context.Preferences) > 0 {
		b.WriteString("\nPreferences:\n")
		for k, v := range req.Context.Preferences {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	return b.String()
}
