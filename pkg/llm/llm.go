// Package llm defines the reply generation contract for responder bots: a
// provider turns one prompt into one completed reply, and a registry
// resolves configured providers by stable name.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Request describes one reply generation call.
type Request struct {
	// Model identifies which provider model to call.
	Model string
	// SystemPrompt optionally steers the model before the prompt.
	SystemPrompt string
	// Prompt is the text to reply to.
	Prompt string
	// MaxOutputTokens optionally bounds generated output token count.
	MaxOutputTokens int
	// Temperature optionally controls output randomness.
	Temperature float64
}

// Validate checks one generation request contract.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("validate llm request: missing model")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("validate llm request: missing prompt")
	}
	if r.MaxOutputTokens < 0 {
		return fmt.Errorf("validate llm request: max_output_tokens must be >= 0")
	}
	if r.Temperature < 0 {
		return fmt.Errorf("validate llm request: temperature must be >= 0")
	}

	return nil
}

// Provider generates one complete reply per request.
//
// Implementations hide provider-specific transport behind this neutral
// surface and must be concurrency-safe.
type Provider interface {
	// Name returns the stable provider name.
	Name() string
	// Generate returns one completed reply.
	Generate(ctx context.Context, req Request) (string, error)
}

// Registry resolves configured providers by stable name.
//
// The provider set is copied on construction and remains immutable
// afterward, so Resolve is concurrency-safe.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry constructs one immutable provider registry keyed by each
// provider's name.
func NewRegistry(providers ...Provider) (*Registry, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("new llm registry: no providers")
	}

	byName := make(map[string]Provider, len(providers))
	for _, provider := range providers {
		if provider == nil {
			return nil, fmt.Errorf("new llm registry: nil provider")
		}
		name := strings.TrimSpace(provider.Name())
		if name == "" {
			return nil, fmt.Errorf("new llm registry: empty provider name")
		}
		if _, exists := byName[name]; exists {
			return nil, fmt.Errorf("new llm registry: duplicate provider name %s", name)
		}
		byName[name] = provider
	}

	return &Registry{providers: byName}, nil
}

// Resolve returns one configured provider by name.
func (r *Registry) Resolve(name string) (Provider, error) {
	if r == nil {
		return nil, fmt.Errorf("resolve llm provider: nil registry")
	}

	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, fmt.Errorf("resolve llm provider: empty provider name")
	}

	provider, exists := r.providers[trimmed]
	if !exists {
		return nil, fmt.Errorf("resolve llm provider: provider %s is not configured", trimmed)
	}

	return provider, nil
}
