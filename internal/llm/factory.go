package llm

import (
	"fmt"

	"github.com/loqalabs/loqa-translator/internal/config"
)

// New builds the generator selected by cfg.Mode.
func New(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "openai":
		return NewOpenAIGenerator(cfg.Endpoint, cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}
