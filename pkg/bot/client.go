// Package bot is the public entry point: one client owns the push
// connection, the request gateway, and the mirrored state for a single bot
// account.
//
// Construct a Client with New, register listeners with Handle, then
// Connect. Mutating operations require a live session and fail fast with
// ErrNotConnected otherwise; cache reads and fetches work in any state.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"perch/internal/echo"
	"perch/internal/ingest"
	"perch/internal/rest"
	"perch/internal/session"
	"perch/internal/state"
	"perch/internal/wire"
	"perch/pkg/perch"
)

// Client mirrors the platform state reachable by one bot account.
type Client struct {
	logger     *slog.Logger
	cfg        perch.Config
	clock      func() time.Time
	gateway    perch.Gateway
	transport  perch.Transport
	store      *state.Store
	echoes     *echo.Suppressor
	dispatcher *dispatcher
	session    *session.Controller
	ingestor   *ingest.Ingestor
}

// New creates a client from cfg. Zero config fields take defaults; Endpoint,
// APIBase and Token are required.
func New(cfg perch.Config, options ...Option) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}

	client := &Client{
		logger: slog.Default(),
		cfg:    cfg,
		clock:  time.Now,
	}
	for _, option := range options {
		option(client)
	}

	if client.gateway == nil {
		gateway, err := rest.New(cfg.APIBase, cfg.Token,
			rest.WithLogger(client.logger),
			rest.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		)
		if err != nil {
			return nil, fmt.Errorf("new client: %w", err)
		}
		client.gateway = gateway
	}
	if client.transport == nil {
		client.transport = wire.NewSocket(
			wire.WithLogger(client.logger),
			wire.WithAckTimeout(cfg.RequestTimeout),
		)
	}

	client.store = state.New(cfg.MessageCacheSize)
	client.echoes = echo.New(echo.WithCapacity(cfg.EchoCapacity))
	client.dispatcher = newDispatcher(client.logger, client.clock)

	// The handler needs the session and ingestor, which need the handler.
	// Fields are bound below, before Connect can open a connection.
	handler := &transportHandler{}

	controller, err := session.New(
		cfg,
		client.transport,
		client.gateway,
		client.store,
		client.dispatcher,
		handler,
		session.WithLogger(client.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	client.session = controller

	resolver, err := ingest.NewResolver(
		client.store,
		client.gateway,
		ingest.WithResolverLogger(client.logger),
		ingest.WithResolverTimeout(cfg.RequestTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	ingestor, err := ingest.New(
		client.store,
		client.echoes,
		resolver,
		client.dispatcher,
		controller,
		ingest.WithLogger(client.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	client.ingestor = ingestor

	handler.ingestor = ingestor
	handler.session = controller

	return client, nil
}

// Handle registers a listener for one event kind. Listeners for the same
// kind run in registration order; listener failures become error events.
func (c *Client) Handle(kind perch.Kind, handler perch.Handler) error {
	return c.dispatcher.register(kind, handler)
}

// Connect establishes the push connection and blocks until the session is
// connected and identified, or until the retry bound is exhausted. The ready
// event fires before Connect returns.
func (c *Client) Connect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

// Disconnect tears the session down. The mirrored state survives, so a
// later Connect resumes over the warm cache.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.session.Disconnect(ctx)
}

// Close disconnects and stops the ingestion lanes. The client must not be
// reused afterwards.
func (c *Client) Close(ctx context.Context) error {
	disconnectErr := c.session.Disconnect(ctx)
	stopErr := c.ingestor.Stop(ctx)
	if err := errors.Join(disconnectErr, stopErr); err != nil {
		return fmt.Errorf("close client: %w", err)
	}

	return nil
}

// State returns the session lifecycle state.
func (c *Client) State() perch.SessionState {
	return c.session.State()
}

// IsReady reports whether the session is connected and identified.
func (c *Client) IsReady() bool {
	return c.session.IsReady()
}

// Self returns the identified bot account, or nil before the first connect.
func (c *Client) Self() *perch.User {
	return c.session.Self()
}

type sendMessagePayload struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	ReplyToID string `json:"reply_to_id,omitempty"`
	Silent    bool   `json:"silent,omitempty"`
}

type editMessagePayload struct {
	Content string `json:"content"`
}

type statusPayload struct {
	Status string `json:"status"`
}

type typingPayload struct {
	ChannelID string `json:"channel_id"`
}

type ackOutcome struct {
	data []byte
	err  error
}

// SendMessage sends one message and blocks until the platform acknowledges
// it. The returned message is the cached instance; the push copy of the
// acknowledged send is recognized and suppressed, so listeners see exactly
// one messageCreate per send.
func (c *Client) SendMessage(ctx context.Context, request perch.SendMessageRequest) (*perch.Message, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	if !c.session.IsReady() {
		return nil, fmt.Errorf("send message: %w", perch.ErrNotConnected)
	}

	payload := sendMessagePayload{
		ChannelID: request.ChannelID,
		Content:   request.Content,
		ReplyToID: request.ReplyToID,
		Silent:    request.Silent,
	}
	ackResult := make(chan ackOutcome, 1)
	err := c.transport.Send(ctx, perch.WireMessageCreate, payload, func(data []byte, err error) {
		ackResult <- ackOutcome{data: data, err: err}
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	var outcome ackOutcome
	select {
	case outcome = <-ackResult:
	case <-ctx.Done():
		return nil, fmt.Errorf("send message: %w", ctx.Err())
	}
	if outcome.err != nil {
		return nil, fmt.Errorf("send message: %w", outcome.err)
	}

	var message perch.Message
	if err := json.Unmarshal(outcome.data, &message); err != nil {
		return nil, fmt.Errorf("send message: %w: malformed acknowledgement: %w", perch.ErrProtocol, err)
	}
	if message.ID == "" {
		return nil, fmt.Errorf("send message: %w: acknowledgement missing message id", perch.ErrProtocol)
	}
	if message.ChannelID == "" {
		message.ChannelID = request.ChannelID
	}

	return c.recordOutbound(ctx, message), nil
}

// recordOutbound canonicalizes an acknowledged self-send into the mirror and
// arms echo suppression for its push copy. Whichever of acknowledgement and
// push copy reaches the cache first wins the single messageCreate emission.
func (c *Client) recordOutbound(ctx context.Context, message perch.Message) *perch.Message {
	c.echoes.Record(message.ID)

	if message.Timestamp.IsZero() {
		message.Timestamp = c.clock()
	}
	if message.Author == nil {
		message.Author = c.session.Self()
	} else {
		author, _ := c.store.EnsureUser(*message.Author)
		message.Author = author
	}
	c.store.EnsureChannel(perch.Channel{ID: message.ChannelID})

	cached, fresh := c.store.AddMessage(message)
	c.store.UpdateChannel(cached.ChannelID, func(entry *perch.Channel) {
		entry.LastMessageID = cached.ID
	})
	if !fresh {
		return cached
	}

	event := &perch.Event{
		Kind:       perch.KindMessageCreate,
		OccurredAt: c.clock(),
		ChannelID:  cached.ChannelID,
		MessageID:  cached.ID,
		Message:    cached,
	}
	if cached.Author != nil {
		event.UserID = cached.Author.ID
	}
	if channel, exists := c.store.Channel(cached.ChannelID); exists {
		event.Channel = channel
	}
	c.dispatcher.Dispatch(context.WithoutCancel(ctx), event)

	return cached
}

// EditMessage replaces a message body through the gateway and updates the
// cached instance in place. The messageEdit event arrives through the push
// connection like any other edit.
func (c *Client) EditMessage(ctx context.Context, request perch.EditMessageRequest) (*perch.Message, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	if !c.session.IsReady() {
		return nil, fmt.Errorf("edit message: %w", perch.ErrNotConnected)
	}

	updated, err := perch.RequestAs[perch.Message](ctx, c.gateway, http.MethodPatch,
		"/messages/"+request.MessageID, editMessagePayload{Content: request.Content})
	if err != nil {
		return nil, fmt.Errorf("edit message %s: %w", request.MessageID, err)
	}

	editedAt := updated.EditedAt
	if editedAt.IsZero() {
		editedAt = c.clock()
	}
	cached, known := c.store.UpdateMessage(request.MessageID, func(entry *perch.Message) {
		entry.Content = updated.Content
		entry.EditedAt = editedAt
	})
	if known {
		return cached, nil
	}

	// Outside the mirror window; hand back a detached instance.
	detached := *updated
	detached.ID = request.MessageID
	detached.EditedAt = editedAt

	return &detached, nil
}

// DeleteMessage removes a message through the gateway and evicts the cached
// instance. The push replay of the deletion is a cache no-op.
func (c *Client) DeleteMessage(ctx context.Context, request perch.DeleteMessageRequest) error {
	if err := request.Validate(); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if !c.session.IsReady() {
		return fmt.Errorf("delete message: %w", perch.ErrNotConnected)
	}

	if _, err := c.gateway.Request(ctx, http.MethodDelete, "/messages/"+request.MessageID, nil); err != nil {
		return fmt.Errorf("delete message %s: %w", request.MessageID, err)
	}

	c.store.RemoveMessage(request.MessageID)

	return nil
}

// SetStatus publishes new status text for the bot account. The mirror
// updates when the platform broadcasts the change back.
func (c *Client) SetStatus(ctx context.Context, status string) error {
	if !c.session.IsReady() {
		return fmt.Errorf("set status: %w", perch.ErrNotConnected)
	}

	if err := c.transport.Send(ctx, perch.WireStatusUpdate, statusPayload{Status: status}, nil); err != nil {
		return fmt.Errorf("set status: %w", err)
	}

	return nil
}

// StartTyping raises the typing indicator in one channel.
func (c *Client) StartTyping(ctx context.Context, channelID string) error {
	return c.sendTyping(ctx, perch.WireTypingStart, channelID)
}

// StopTyping clears the typing indicator in one channel.
func (c *Client) StopTyping(ctx context.Context, channelID string) error {
	return c.sendTyping(ctx, perch.WireTypingStop, channelID)
}

func (c *Client) sendTyping(ctx context.Context, name, channelID string) error {
	if channelID == "" {
		return fmt.Errorf("send %s: %w: missing channel id", name, perch.ErrInvalidRequest)
	}
	if !c.session.IsReady() {
		return fmt.Errorf("send %s: %w", name, perch.ErrNotConnected)
	}

	if err := c.transport.Send(ctx, name, typingPayload{ChannelID: channelID}, nil); err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}

	return nil
}

// FetchUser returns the account from the mirror, falling back to a gateway
// lookup whose result is canonicalized into the cache.
func (c *Client) FetchUser(ctx context.Context, id string) (*perch.User, error) {
	if id == "" {
		return nil, fmt.Errorf("fetch user: %w: missing user id", perch.ErrInvalidRequest)
	}

	if user, exists := c.store.User(id); exists {
		return user, nil
	}

	fetched, err := perch.RequestAs[perch.User](ctx, c.gateway, http.MethodGet, "/users/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch user %s: %w", id, err)
	}

	user, _ := c.store.EnsureUser(*fetched)

	return user, nil
}

// FetchChannel returns the channel from the mirror, falling back to a
// gateway lookup whose result is canonicalized into the cache.
func (c *Client) FetchChannel(ctx context.Context, id string) (*perch.Channel, error) {
	if id == "" {
		return nil, fmt.Errorf("fetch channel: %w: missing channel id", perch.ErrInvalidRequest)
	}

	if channel, exists := c.store.Channel(id); exists {
		return channel, nil
	}

	fetched, err := perch.RequestAs[perch.Channel](ctx, c.gateway, http.MethodGet, "/channels/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch channel %s: %w", id, err)
	}

	channel, _ := c.store.EnsureChannel(*fetched)

	return channel, nil
}

// FetchMessage returns the message from the mirror, falling back to a
// gateway lookup. Fetched messages join the channel sequence without
// emitting an event.
func (c *Client) FetchMessage(ctx context.Context, id string) (*perch.Message, error) {
	if id == "" {
		return nil, fmt.Errorf("fetch message: %w: missing message id", perch.ErrInvalidRequest)
	}

	if message, exists := c.store.Message(id); exists {
		return message, nil
	}

	fetched, err := perch.RequestAs[perch.Message](ctx, c.gateway, http.MethodGet, "/messages/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", id, err)
	}
	if fetched.ID == "" {
		return nil, fmt.Errorf("fetch message %s: %w: entity missing id", id, perch.ErrProtocol)
	}

	message := *fetched
	if message.Author != nil {
		author, _ := c.store.EnsureUser(*message.Author)
		message.Author = author
	}
	c.store.EnsureChannel(perch.Channel{ID: message.ChannelID})
	cached, _ := c.store.AddMessage(message)

	return cached, nil
}

// Messages returns the mirrored messages for one channel, oldest first.
func (c *Client) Messages(channelID string) []*perch.Message {
	return c.store.Messages(channelID)
}

// CachedUser returns the mirrored account without touching the gateway.
func (c *Client) CachedUser(id string) (*perch.User, bool) {
	return c.store.User(id)
}

// CachedChannel returns the mirrored channel without touching the gateway.
func (c *Client) CachedChannel(id string) (*perch.Channel, bool) {
	return c.store.Channel(id)
}

// ClearCache empties the mirror. Entity instances handed out earlier detach
// from future updates.
func (c *Client) ClearCache() {
	c.store.Clear()
}

// transportHandler fans transport activity out to ingestion and the session.
// Both fields are bound during New, before any connection can deliver.
type transportHandler struct {
	ingestor *ingest.Ingestor
	session  *session.Controller
}

func (h *transportHandler) HandleEvent(ctx context.Context, event perch.WireEvent) {
	h.ingestor.Accept(ctx, event)
}

func (h *transportHandler) HandleClose(reason perch.CloseReason) {
	h.session.HandleClose(reason)
}

var (
	_ perch.TransportHandler = (*transportHandler)(nil)
	_ ingest.Dispatcher      = (*dispatcher)(nil)
	_ session.Dispatcher     = (*dispatcher)(nil)
)
