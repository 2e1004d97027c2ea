package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/mattn/go-shellwords"
)

type execGenerator struct {
	cmd []string
}

type execRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type execResponse struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(execRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("llm exec command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return fmt.Errorf("decode llm exec response: %w", err)
	}

	return consumer(Chunk{
		SessionID:        req.SessionID,
		Content:          resp.Content,
		Partial:          false,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}
