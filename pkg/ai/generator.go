package ai

import (
	"context"
	"fmt"

	"docuchat/pkg/domain"
)

// Generator produces text from a system prompt and user prompt, either as a
// single blocking response or as an incremental stream. All providers
// (Ollama, OpenAI, Anthropic, custom Ollama-shaped backends) implement it.
type Generator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	StreamText(ctx context.Context, systemPrompt, userPrompt string) (*Stream, error)
}

// ProviderConfig carries everything needed to build a Generator for one
// collection. Credential is the plaintext API key, already unsealed.
type ProviderConfig struct {
	Provider   domain.ProviderKind
	Model      string
	Credential string
	BaseURL    string
}

// NewGenerator dispatches on the provider kind once, up front, so a
// misconfigured collection fails at build time rather than mid-chat.
// OpenAI and Anthropic require a credential; Ollama and custom do not.
func NewGenerator(cfg ProviderConfig) (Generator, error) {
	switch domain.NormalizeProvider(string(cfg.Provider)) {
	case domain.ProviderOllama:
		return NewOllamaGenerator(NewOllamaClient(cfg.BaseURL), cfg.Model), nil
	case domain.ProviderOpenAI:
		if cfg.Credential == "" {
			return nil, fmt.Errorf("%w: openai", ErrMissingCredential)
		}
		return NewOpenAIGenerator(cfg.BaseURL, cfg.Credential, cfg.Model), nil
	case domain.ProviderAnthropic:
		if cfg.Credential == "" {
			return nil, fmt.Errorf("%w: anthropic", ErrMissingCredential)
		}
		return NewAnthropicGenerator(cfg.BaseURL, cfg.Credential, cfg.Model), nil
	case domain.ProviderCustom:
		client := NewOllamaClient(cfg.BaseURL)
		if cfg.Credential != "" {
			client = client.WithToken(cfg.Credential)
		}
		return NewOllamaGenerator(client, cfg.Model), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
}
