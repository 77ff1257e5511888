package tools

import (
	"context"
	"fmt"

	"github.com/tsugi-ai/tsugi/internal/blob"
	"github.com/tsugi-ai/tsugi/internal/dispatch"
	"github.com/tsugi-ai/tsugi/internal/llm"
)

const (
	analyzeSystemPrompt = `You analyze source material for a report pipeline.
Summarize the key findings, figures, and structure of the provided material
as concise markdown. Stick to what the material supports.`

	draftSystemPrompt = `You draft report sections for a report pipeline.
Write well-structured markdown sections covering the goal, grounded in the
provided analysis and source material.`

	assembleSystemPrompt = `You assemble a final document from drafted
sections. Merge the provided material into one coherent markdown document
with a title, remove duplication, and keep the original content intact.`
)

// TextTool is an LLM-backed capability that turns its inputs into a text
// artifact. Analyze, draft, and assemble are all instances with
// different prompts.
type TextTool struct {
	Name   string
	System string
	Gen    llm.Generator
	Blobs  blob.Store
}

func (t *TextTool) Invoke(ctx context.Context, args map[string]any) (dispatch.Result, error) {
	goal := strArg(args, ArgGoal)
	runID := strArg(args, ArgRunID)

	prompt := fmt.Sprintf("Goal: %s\n", goal)
	if docs := gatherDocuments(args); docs != "" {
		prompt += "\nUploaded documents:\n" + docs
	}
	if inputs := gatherInputs(ctx, t.Blobs, args); inputs != "" {
		prompt += "\nMaterial from earlier steps:\n" + inputs
	}

	text, err := t.Gen.Generate(ctx, t.System, prompt)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("%s: %w", t.Name, err)
	}

	uri, err := t.Blobs.Put(ctx, runID, t.Name+".md", []byte(text))
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("%s: store result: %w", t.Name, err)
	}
	return dispatch.Result{
		URI:     uri,
		Summary: summarize(text, 200),
		Meta:    map[string]any{"chars": len(text)},
	}, nil
}
