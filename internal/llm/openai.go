package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// openAIGenerator talks to any OpenAI-compatible chat completions API,
// Groq included.
type openAIGenerator struct {
	client openai.Client
	model  string
}

func NewOpenAIGenerator(baseURL, apiKey, model string) Generator {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openAIGenerator{client: openai.NewClient(opts...), model: model}
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params = append(params, openai.SystemMessage(m.Content))
		case RoleUser:
			params = append(params, openai.UserMessage(m.Content))
		case RoleAssistant:
			params = append(params, openai.AssistantMessage(m.Content))
		}
	}
	return params
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	model := req.Model
	if model == "" {
		model = g.model
	}
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	start := time.Now()
	stream := g.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if err := consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          choice.Delta.Content,
			Partial:          choice.FinishReason == "",
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		}); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	return nil
}
