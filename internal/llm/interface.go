package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// ChatClient is minimal subset of openai.Client used by the OpenAI generator; it is easy to mock in tests.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Generator produces a completion for prompt under the given system instruction.
// An empty model selects the generator's configured default.
type Generator interface {
	Generate(ctx context.Context, model, system, prompt string) (string, error)
}
