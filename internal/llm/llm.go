package llm

import (
	"fmt"

	"github.com/comigor/relay-go/internal/config"
)

// New returns the Generator for the configured provider.
func New(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAI(NewClient(cfg), cfg.Model), nil
	case "ollama":
		return NewOllama(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}
