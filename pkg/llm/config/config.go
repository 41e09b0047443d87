// Package config loads and validates responder configuration: which LLM
// provider a bot answers chat messages through, and with what parameters.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode"
)

const (
	defaultRequestTimeout = 90 * time.Second

	defaultGeminiAPIVersion = "v1beta"
)

const (
	// ProviderOpenAI selects the OpenAI Responses backend.
	ProviderOpenAI = "openai"
	// ProviderGemini selects the Gemini Developer API backend.
	ProviderGemini = "gemini"
)

// Responder describes one configured reply generator.
type Responder struct {
	// Provider identifies the provider implementation kind.
	Provider string
	// APIKey is the provider credential.
	APIKey string
	// BaseURL optionally overrides the provider API endpoint.
	BaseURL string
	// APIVersion selects the Gemini Developer API version.
	//
	// Only valid for gemini providers. Empty defaults to v1beta.
	APIVersion string
	// Model identifies which provider model to call.
	Model string
	// SystemPrompt optionally steers every generated reply.
	SystemPrompt string
	// MaxOutputTokens optionally limits generated token count.
	MaxOutputTokens int
	// Temperature optionally controls output randomness.
	Temperature float64
	// RequestTimeout bounds one generation request lifecycle.
	RequestTimeout time.Duration
}

type fileResponder struct {
	Provider        string  `json:"provider"`
	APIKey          string  `json:"api_key"`
	BaseURL         string  `json:"base_url"`
	APIVersion      string  `json:"api_version"`
	Model           string  `json:"model"`
	SystemPrompt    string  `json:"system_prompt"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	Temperature     float64 `json:"temperature"`
	RequestTimeout  string  `json:"request_timeout"`
}

// LoadFile reads and validates responder configuration from path.
func LoadFile(path string) (Responder, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Responder{}, fmt.Errorf("load responder config: empty path")
	}

	data, err := os.ReadFile(trimmedPath)
	if err != nil {
		return Responder{}, fmt.Errorf("load responder config read %s: %w", trimmedPath, err)
	}

	responder, err := Parse(data)
	if err != nil {
		return Responder{}, fmt.Errorf("load responder config parse %s: %w", trimmedPath, err)
	}

	return responder, nil
}

// Parse decodes and validates one responder configuration document.
func Parse(data []byte) (Responder, error) {
	var parsed fileResponder
	if err := decodeStrictJSON(data, &parsed); err != nil {
		return Responder{}, fmt.Errorf("parse responder config: %w", err)
	}

	responder := Responder{
		Provider:        parsed.Provider,
		APIKey:          parsed.APIKey,
		BaseURL:         parsed.BaseURL,
		APIVersion:      parsed.APIVersion,
		Model:           parsed.Model,
		SystemPrompt:    parsed.SystemPrompt,
		MaxOutputTokens: parsed.MaxOutputTokens,
		Temperature:     parsed.Temperature,
	}
	if rawTimeout := strings.TrimSpace(parsed.RequestTimeout); rawTimeout != "" {
		timeout, err := time.ParseDuration(rawTimeout)
		if err != nil {
			return Responder{}, fmt.Errorf("parse responder config request_timeout: %w", err)
		}
		responder.RequestTimeout = timeout
	}

	normalized, err := responder.Normalize()
	if err != nil {
		return Responder{}, fmt.Errorf("parse responder config: %w", err)
	}

	return normalized, nil
}

// Normalize trims fields, applies defaults, and validates coherence.
func (r Responder) Normalize() (Responder, error) {
	r.Provider = strings.ToLower(strings.TrimSpace(r.Provider))
	r.APIKey = strings.TrimSpace(r.APIKey)
	r.BaseURL = strings.TrimSpace(r.BaseURL)
	r.APIVersion = strings.TrimSpace(r.APIVersion)
	r.Model = strings.TrimSpace(r.Model)
	r.SystemPrompt = strings.TrimSpace(r.SystemPrompt)
	if r.RequestTimeout == 0 {
		r.RequestTimeout = defaultRequestTimeout
	}

	switch r.Provider {
	case "":
		return Responder{}, fmt.Errorf("normalize responder config: missing provider")
	case ProviderOpenAI:
		if r.APIVersion != "" {
			return Responder{}, fmt.Errorf("normalize responder config: api_version is only supported for gemini providers")
		}
	case ProviderGemini:
		if r.APIVersion == "" {
			r.APIVersion = defaultGeminiAPIVersion
		}
		if !isValidAPIVersion(r.APIVersion) {
			return Responder{}, fmt.Errorf("normalize responder config: invalid api_version %q", r.APIVersion)
		}
	default:
		return Responder{}, fmt.Errorf("normalize responder config: unsupported provider %q", r.Provider)
	}

	if r.APIKey == "" {
		return Responder{}, fmt.Errorf("normalize responder config: missing api_key")
	}
	if r.Model == "" {
		return Responder{}, fmt.Errorf("normalize responder config: missing model")
	}
	if r.MaxOutputTokens < 0 {
		return Responder{}, fmt.Errorf("normalize responder config: max_output_tokens must be >= 0")
	}
	if r.Temperature < 0 {
		return Responder{}, fmt.Errorf("normalize responder config: temperature must be >= 0")
	}
	if r.RequestTimeout <= 0 {
		return Responder{}, fmt.Errorf("normalize responder config: request_timeout must be > 0")
	}
	if r.BaseURL != "" {
		parsed, err := url.Parse(r.BaseURL)
		if err != nil {
			return Responder{}, fmt.Errorf("normalize responder config: invalid base_url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return Responder{}, fmt.Errorf("normalize responder config: invalid base_url: must include scheme and host")
		}
	}

	return r, nil
}

func decodeStrictJSON(data []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("unexpected trailing content")
		}
		return fmt.Errorf("decode trailing json: %w", err)
	}

	return nil
}

func isValidAPIVersion(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		switch r {
		case '-', '.', '_':
			continue
		default:
			return false
		}
	}

	return true
}
