package planner

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

//go:embed templates.toml
var templatesTOML []byte

type templateStep struct {
	ID        string   `toml:"id"`
	Action    string   `toml:"action"`
	Rationale string   `toml:"rationale"`
	Expects   string   `toml:"expects"`
	DependsOn []string `toml:"depends_on"`
}

type templatePlan struct {
	Steps []templateStep `toml:"steps"`
}

// TemplatePlanner builds plans from static templates keyed by run mode.
// It is fully deterministic and never calls the network, which makes it
// the fallback of last resort: it cannot fail once constructed.
type TemplatePlanner struct {
	templates map[string]templatePlan
}

// NewTemplatePlanner parses the embedded template file.
func NewTemplatePlanner() (*TemplatePlanner, error) {
	var templates map[string]templatePlan
	if err := toml.Unmarshal(templatesTOML, &templates); err != nil {
		return nil, fmt.Errorf("planner: parse templates: %w", err)
	}
	if _, ok := templates["default"]; !ok {
		return nil, fmt.Errorf("planner: templates missing default plan")
	}
	return &TemplatePlanner{templates: templates}, nil
}

// Plan selects the template matching the request mode, falling back to
// the default template, and appends the terminal done step. The goal is
// threaded into every step's args so capabilities see it.
func (p *TemplatePlanner) Plan(_ context.Context, req Request) (Plan, error) {
	tpl, ok := p.templates[req.Mode]
	if !ok {
		tpl = p.templates["default"]
	}

	steps := make([]Step, 0, len(tpl.Steps)+1)
	lastID := ""
	for _, ts := range tpl.Steps {
		steps = append(steps, Step{
			ID:        ts.ID,
			Rationale: ts.Rationale,
			Action:    Action{Name: ts.Action, Args: map[string]any{"goal": req.Goal}},
			Expects:   ts.Expects,
			DependsOn: ts.DependsOn,
		})
		lastID = ts.ID
	}

	done := Step{ID: fmt.Sprintf("s%d", len(steps)+1), Action: Action{Name: "done"}}
	if lastID != "" {
		done.DependsOn = []string{lastID}
	}
	steps = append(steps, done)

	if err := validate(steps); err != nil {
		return Plan{}, err
	}
	return Plan{Steps: steps, Source: SourceTemplate}, nil
}
