package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"perch/pkg/bot"
	"perch/pkg/llm"
	llmconfig "perch/pkg/llm/config"
	"perch/pkg/llm/providers/gemini"
	"perch/pkg/llm/providers/openai"
	"perch/pkg/perch"
)

const fallbackReply = "I heard you, but no language model is configured."

// replier produces one reply body for one prompt.
type replier interface {
	Reply(ctx context.Context, prompt string) (string, error)
}

type llmReplier struct {
	provider llm.Provider
	cfg      llmconfig.Responder
}

func (r *llmReplier) Reply(ctx context.Context, prompt string) (string, error) {
	requestCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	return r.provider.Generate(requestCtx, llm.Request{
		Model:           r.cfg.Model,
		SystemPrompt:    r.cfg.SystemPrompt,
		Prompt:          prompt,
		MaxOutputTokens: r.cfg.MaxOutputTokens,
		Temperature:     r.cfg.Temperature,
	})
}

type staticReplier struct{}

func (staticReplier) Reply(context.Context, string) (string, error) {
	return fallbackReply, nil
}

// buildReplier assembles the configured provider behind the registry, or a
// static fallback when no responder section is configured.
func buildReplier(cfg *llmconfig.Responder) (replier, error) {
	if cfg == nil {
		return staticReplier{}, nil
	}

	provider, err := buildProvider(*cfg)
	if err != nil {
		return nil, err
	}
	registry, err := llm.NewRegistry(provider)
	if err != nil {
		return nil, fmt.Errorf("new provider registry: %w", err)
	}
	resolved, err := registry.Resolve(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("resolve provider: %w", err)
	}

	return &llmReplier{provider: resolved, cfg: *cfg}, nil
}

func buildProvider(cfg llmconfig.Responder) (llm.Provider, error) {
	switch cfg.Provider {
	case llmconfig.ProviderOpenAI:
		provider, err := openai.New(openai.ProviderConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("new openai provider: %w", err)
		}
		return provider, nil
	case llmconfig.ProviderGemini:
		provider, err := gemini.New(gemini.ProviderConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			APIVersion: cfg.APIVersion,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini provider: %w", err)
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

type mentionResponder struct {
	logger  *slog.Logger
	client  *bot.Client
	replies replier
}

func registerHandlers(client *bot.Client, logger *slog.Logger, replies replier) error {
	responder := &mentionResponder{
		logger:  logger,
		client:  client,
		replies: replies,
	}

	handlers := map[perch.Kind]perch.Handler{
		perch.KindReady:         responder.handleReady,
		perch.KindDisconnect:    responder.handleDisconnect,
		perch.KindReconnect:     responder.handleReconnect,
		perch.KindError:         responder.handleError,
		perch.KindRateLimited:   responder.handleRateLimited,
		perch.KindMessageCreate: responder.handleMessageCreate,
	}
	for kind, handler := range handlers {
		if err := client.Handle(kind, handler); err != nil {
			return fmt.Errorf("register %s handler: %w", kind, err)
		}
	}

	return nil
}

func (m *mentionResponder) handleReady(ctx context.Context, event *perch.Event) error {
	m.logger.InfoContext(ctx, "session ready",
		"user_id", event.Self.ID,
		"username", event.Self.Username,
	)
	return nil
}

func (m *mentionResponder) handleDisconnect(ctx context.Context, event *perch.Event) error {
	m.logger.WarnContext(ctx, "session disconnected",
		"code", event.Disconnect.Code,
		"reason", event.Disconnect.Reason,
		"will_reconnect", event.Disconnect.WillReconnect,
	)
	return nil
}

func (m *mentionResponder) handleReconnect(ctx context.Context, event *perch.Event) error {
	m.logger.InfoContext(ctx, "session reconnected", "attempt", event.Reconnect.Attempt)
	return nil
}

func (m *mentionResponder) handleError(ctx context.Context, event *perch.Event) error {
	m.logger.ErrorContext(ctx, "client error", "error", event.Err)
	return nil
}

func (m *mentionResponder) handleRateLimited(ctx context.Context, event *perch.Event) error {
	m.logger.WarnContext(ctx, "rate limited",
		"scope", event.RateLimit.Scope,
		"retry_after", event.RateLimit.RetryAfter,
	)
	return nil
}

func (m *mentionResponder) handleMessageCreate(ctx context.Context, event *perch.Event) error {
	message := event.Message
	if message == nil || message.Content == "" {
		return nil
	}

	self := m.client.Self()
	if self == nil {
		return nil
	}
	// Never respond to the bot's own messages.
	if message.Author != nil && message.Author.ID == self.ID {
		return nil
	}

	prompt, mentioned := extractMention(message.Content, self.Username)
	if !mentioned {
		return nil
	}

	reply, err := m.replies.Reply(ctx, prompt)
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}

	if _, err := m.client.SendMessage(ctx, perch.SendMessageRequest{
		ChannelID: message.ChannelID,
		Content:   reply,
		ReplyToID: message.ID,
	}); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	m.logger.InfoContext(ctx, "replied to mention",
		"channel_id", message.ChannelID,
		"message_id", message.ID,
	)

	return nil
}

// extractMention reports whether content addresses the named account and
// returns the prompt text that follows the mention.
func extractMention(content, username string) (string, bool) {
	if username == "" {
		return "", false
	}

	trimmed := strings.TrimSpace(content)
	mention := "@" + username
	if !strings.HasPrefix(trimmed, mention) {
		return "", false
	}

	prompt := strings.TrimSpace(strings.TrimPrefix(trimmed, mention))
	if prompt == "" {
		return "", false
	}

	return prompt, true
}
