// Package llm provides a minimal text-generation interface over hosted
// model providers. The planner and the text-producing tools share it, so
// swapping providers is a construction-time decision.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when a provider call succeeds but yields
// no usable text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Generator produces a single completion for a system prompt plus a
// user prompt. Implementations must honor ctx cancellation.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// GeneratorFunc adapts a plain function to the Generator interface.
type GeneratorFunc func(ctx context.Context, system, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, system, prompt string) (string, error) {
	return f(ctx, system, prompt)
}
