package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIOptions configures the OpenAI generator.
type OpenAIOptions struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
}

// OpenAI wraps the OpenAI Chat Completions API behind the Generator interface.
type OpenAI struct {
	client *openai.Client
	opts   OpenAIOptions
}

// NewOpenAI creates an OpenAI generator using the official client.
func NewOpenAI(optFns ...func(o *OpenAIOptions)) *OpenAI {
	opts := OpenAIOptions{
		Model:               openai.ChatModelGPT4o,
		Temperature:         0.2,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)

	return &OpenAI{client: &client, opts: opts}
}

// Generate sends one non-streaming chat completion.
func (o *OpenAI) Generate(ctx context.Context, system, prompt string) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(prompt))

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               o.opts.Model,
		Messages:            messages,
		Temperature:         openai.Float(o.opts.Temperature),
		MaxCompletionTokens: openai.Int(o.opts.MaxCompletionTokens),
	})
	if err != nil {
		return "", fmt.Errorf("llm: openai: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}
