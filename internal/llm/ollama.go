package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type ollamaGenerator struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewOllamaGenerator(endpoint, model string) Generator {
	return &ollamaGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   http.DefaultClient,
	}
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	EvalCount       int     `json:"eval_count,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	model := req.Model
	if model == "" {
		model = g.model
	}
	body, err := json.Marshal(ollamaRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   true,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ollama returned status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	start := time.Now()
	var promptTokens, completionTokens int
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("decode ollama chunk: %w", err)
		}
		if chunk.EvalCount > 0 {
			completionTokens = chunk.EvalCount
		}
		if chunk.PromptEvalCount > 0 {
			promptTokens = chunk.PromptEvalCount
		}
		if err := consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          chunk.Message.Content,
			Partial:          !chunk.Done,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		}); err != nil {
			return err
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return ctx.Err()
}
