package llm

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-translator/internal/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the chat context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a chat completion over the conversation so far.
type Request struct {
	SessionID   string
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend. consumer is called for every
// streamed chunk, in order; returning an error stops generation.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// RequestFromConfig builds a request with the configured model defaults.
func RequestFromConfig(cfg config.LLMConfig, messages []Message) Request {
	return Request{
		Messages:    messages,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

// LastUserMessage returns the content of the most recent user turn.
func LastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
