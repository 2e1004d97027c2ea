package llm

import (
	"context"
	"strings"
	"time"
)

// mockGenerator streams the last user message back word by word.
type mockGenerator struct {
	delay time.Duration
}

func NewMockGenerator() Generator { return &mockGenerator{delay: 5 * time.Millisecond} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	start := time.Now()
	words := strings.Fields(LastUserMessage(req.Messages))
	if len(words) == 0 {
		words = []string{"..."}
	}
	for i, word := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		content := word
		if i > 0 {
			content = " " + word
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   content,
			Partial:   i < len(words)-1,
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	return nil
}
