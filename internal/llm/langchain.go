package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/comigor/relay-go/internal/config"
)

// LangChain generates text through any langchaingo model, e.g. a local Ollama server.
type LangChain struct {
	model        llms.Model
	defaultModel string
}

// Ensure LangChain implements Generator
var _ Generator = (*LangChain)(nil)

func NewLangChain(model llms.Model, defaultModel string) *LangChain {
	return &LangChain{model: model, defaultModel: defaultModel}
}

// NewOllama builds a langchaingo Ollama model from cfg. BaseURL defaults to the
// local daemon.
func NewOllama(cfg config.LLMConfig) (*LangChain, error) {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	model, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	return NewLangChain(model, cfg.Model), nil
}

func (l *LangChain) Generate(ctx context.Context, model, system, prompt string) (string, error) {
	if model == "" {
		model = l.defaultModel
	}

	messages := make([]llms.MessageContent, 0, 2)
	if system != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	resp, err := l.model.GenerateContent(ctx, messages, llms.WithModel(model))
	if err != nil {
		return "", fmt.Errorf("langchain generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Content, nil
}
