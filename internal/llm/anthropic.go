package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicOptions configures the Anthropic generator.
type AnthropicOptions struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Anthropic wraps the Anthropic Messages API behind the Generator interface.
type Anthropic struct {
	client *anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropic creates an Anthropic generator using the official client.
func NewAnthropic(optFns ...func(o *AnthropicOptions)) *Anthropic {
	opts := AnthropicOptions{
		Model:       anthropic.ModelClaudeSonnet4_20250514,
		Temperature: 0.2,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Anthropic{client: &client, opts: opts}
}

// Generate sends one non-streaming message and concatenates the text blocks
// of the response.
func (a *Anthropic) Generate(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       a.opts.Model,
		MaxTokens:   a.opts.MaxTokens,
		Temperature: anthropic.Float(a.opts.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("llm: anthropic: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}
