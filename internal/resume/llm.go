package resume

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
)

const summaryPrompt = `You summarize the beginning of an interrupted spoken AI response.
Write one or two sentences capturing what has been said so far, so the speaker
can resume naturally. Respond with the summary only.`

// summaryMaxTokens bounds the model output; a resumption summary is a
// sentence or two.
const summaryMaxTokens = 120

// LLMSummarizer summarizes spoken content through any-llm-go, which fronts
// OpenAI, Anthropic, Gemini, Ollama, Mistral, and Groq behind one interface.
type LLMSummarizer struct {
	backend anyllmlib.Provider
	model   string
}

var _ Summarizer = (*LLMSummarizer)(nil)

// NewLLMSummarizer creates a summarizer for the given provider name and
// model. providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "mistral", "groq". Without an API key option the backend reads its usual
// environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, and so on).
func NewLLMSummarizer(providerName, model string, opts ...anyllmlib.Option) (*LLMSummarizer, error) {
	if providerName == "" {
		return nil, fmt.Errorf("resume: provider name must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("resume: model must not be empty")
	}
	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("resume: create %q backend: %w", providerName, err)
	}
	return &LLMSummarizer{backend: backend, model: model}, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, mistral, groq", providerName)
	}
}

// Summarize implements [Summarizer].
func (s *LLMSummarizer) Summarize(ctx context.Context, spoken string) (string, error) {
	maxTokens := summaryMaxTokens
	resp, err := s.backend.Completion(ctx, anyllmlib.CompletionParams{
		Model: s.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: summaryPrompt},
			{Role: anyllmlib.RoleUser, Content: spoken},
		},
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("resume: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("resume: empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}
