package llm

import (
	"context"
	"strings"
	"testing"
)

type stubProvider struct {
	name  string
	reply string
}

func (p *stubProvider) Name() string {
	return p.name
}

func (p *stubProvider) Generate(_ context.Context, _ Request) (string, error) {
	return p.reply, nil
}

func TestRequestValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name             string
		request          Request
		wantErrSubstring string
	}{
		{
			name:    "valid minimal request",
			request: Request{Model: "gpt-4.1-mini", Prompt: "hello"},
		},
		{
			name: "valid tuned request",
			request: Request{
				Model:           "gemini-2.5-flash",
				SystemPrompt:    "answer briefly",
				Prompt:          "hello",
				MaxOutputTokens: 256,
				Temperature:     0.4,
			},
		},
		{
			name:             "missing model",
			request:          Request{Prompt: "hello"},
			wantErrSubstring: "missing model",
		},
		{
			name:             "blank model",
			request:          Request{Model: "   ", Prompt: "hello"},
			wantErrSubstring: "missing model",
		},
		{
			name:             "missing prompt",
			request:          Request{Model: "gpt-4.1-mini"},
			wantErrSubstring: "missing prompt",
		},
		{
			name:             "negative max output tokens",
			request:          Request{Model: "gpt-4.1-mini", Prompt: "hello", MaxOutputTokens: -1},
			wantErrSubstring: "max_output_tokens must be >= 0",
		},
		{
			name:             "negative temperature",
			request:          Request{Model: "gpt-4.1-mini", Prompt: "hello", Temperature: -0.1},
			wantErrSubstring: "temperature must be >= 0",
		},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.request.Validate()
			if testCase.wantErrSubstring == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}

				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want substring %q", testCase.wantErrSubstring)
			}
			if !strings.Contains(err.Error(), testCase.wantErrSubstring) {
				t.Fatalf("Validate() error = %q, want substring %q", err.Error(), testCase.wantErrSubstring)
			}
		})
	}
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name             string
		providers        []Provider
		wantErrSubstring string
	}{
		{
			name:      "single provider",
			providers: []Provider{&stubProvider{name: "openai"}},
		},
		{
			name: "two providers",
			providers: []Provider{
				&stubProvider{name: "openai"},
				&stubProvider{name: "gemini"},
			},
		},
		{
			name:             "no providers",
			providers:        nil,
			wantErrSubstring: "no providers",
		},
		{
			name:             "nil provider",
			providers:        []Provider{nil},
			wantErrSubstring: "nil provider",
		},
		{
			name:             "empty provider name",
			providers:        []Provider{&stubProvider{name: "   "}},
			wantErrSubstring: "empty provider name",
		},
		{
			name: "duplicate provider name",
			providers: []Provider{
				&stubProvider{name: "openai"},
				&stubProvider{name: "openai"},
			},
			wantErrSubstring: "duplicate provider name openai",
		},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			registry, err := NewRegistry(testCase.providers...)
			if testCase.wantErrSubstring == "" {
				if err != nil {
					t.Fatalf("NewRegistry() error = %v, want nil", err)
				}
				if registry == nil {
					t.Fatal("NewRegistry() registry is nil, want non-nil")
				}

				return
			}
			if err == nil {
				t.Fatalf("NewRegistry() error = nil, want substring %q", testCase.wantErrSubstring)
			}
			if !strings.Contains(err.Error(), testCase.wantErrSubstring) {
				t.Fatalf("NewRegistry() error = %q, want substring %q", err.Error(), testCase.wantErrSubstring)
			}
		})
	}
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	openaiProvider := &stubProvider{name: "openai", reply: "hi"}
	geminiProvider := &stubProvider{name: "gemini", reply: "hello"}

	registry, err := NewRegistry(openaiProvider, geminiProvider)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v, want nil", err)
	}

	testCases := []struct {
		name             string
		providerName     string
		wantProvider     Provider
		wantErrSubstring string
	}{
		{
			name:         "resolves openai",
			providerName: "openai",
			wantProvider: openaiProvider,
		},
		{
			name:         "resolves gemini with surrounding spaces",
			providerName: "  gemini  ",
			wantProvider: geminiProvider,
		},
		{
			name:             "empty name",
			providerName:     "   ",
			wantErrSubstring: "empty provider name",
		},
		{
			name:             "unknown name",
			providerName:     "anthropic",
			wantErrSubstring: "provider anthropic is not configured",
		},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			provider, err := registry.Resolve(testCase.providerName)
			if testCase.wantErrSubstring == "" {
				if err != nil {
					t.Fatalf("Resolve() error = %v, want nil", err)
				}
				if provider != testCase.wantProvider {
					t.Fatalf("Resolve() provider = %v, want %v", provider, testCase.wantProvider)
				}

				return
			}
			if err == nil {
				t.Fatalf("Resolve() error = nil, want substring %q", testCase.wantErrSubstring)
			}
			if !strings.Contains(err.Error(), testCase.wantErrSubstring) {
				t.Fatalf("Resolve() error = %q, want substring %q", err.Error(), testCase.wantErrSubstring)
			}
		})
	}
}

func TestRegistryResolveNilRegistry(t *testing.T) {
	t.Parallel()

	var registry *Registry

	_, err := registry.Resolve("openai")
	if err == nil {
		t.Fatal("Resolve() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "nil registry") {
		t.Fatalf("Resolve() error = %q, want substring %q", err.Error(), "nil registry")
	}
}
