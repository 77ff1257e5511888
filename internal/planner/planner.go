// Package planner turns a run goal into an ordered list of steps. The
// primary planner calls a hosted model; a deterministic template planner
// stands behind it so a run never fails solely because planning failed.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/tsugi-ai/tsugi/internal/model"
)

// Plan sources, recorded on the plan.created event.
const (
	SourceLLM      = "llm"
	SourceTemplate = "template"
)

// Action names a capability plus the arguments to invoke it with.
type Action struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Step is one planned unit of work. DependsOn references the IDs of
// earlier steps in the same plan.
type Step struct {
	ID        string   `json:"id"`
	Rationale string   `json:"rationale,omitempty"`
	Action    Action   `json:"action"`
	Expects   string   `json:"expects,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Plan is an ordered list of steps plus the source that produced it.
type Plan struct {
	Steps  []Step
	Source string
}

// Request carries everything a planner may consider.
type Request struct {
	Goal               string
	Mode               string
	CompletionCriteria []string
	Context            model.RunContext
}

// Planner produces a plan for a request. Implementations return an error
// on any failure; recovery is the caller's concern.
type Planner interface {
	Plan(ctx context.Context, req Request) (Plan, error)
}

// Chained tries the primary planner and falls back on any error or empty
// plan. At least one of the two must be set.
type Chained struct {
	Primary  Planner
	Fallback Planner
}

func (c Chained) Plan(ctx context.Context, req Request) (Plan, error) {
	if c.Primary != nil {
		plan, err := c.Primary.Plan(ctx, req)
		if err == nil && len(plan.Steps) > 0 {
			return plan, nil
		}
	}
	if c.Fallback != nil {
		return c.Fallback.Plan(ctx, req)
	}
	return Plan{}, fmt.Errorf("planner: no planner available")
}

// validate checks structural soundness: non-empty unique step IDs,
// non-empty action names, and dependencies that reference earlier steps.
func validate(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("planner: empty plan")
	}
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return fmt.Errorf("planner: step %d has no id", i)
		}
		if seen[id] {
			return fmt.Errorf("planner: duplicate step id %q", id)
		}
		if strings.TrimSpace(s.Action.Name) == "" {
			return fmt.Errorf("planner: step %q has no action", id)
		}
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("planner: step %q depends on unknown or later step %q", id, dep)
			}
		}
		seen[id] = true
	}
	return nil
}
