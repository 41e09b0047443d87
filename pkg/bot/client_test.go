package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"perch/pkg/perch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type gatewayCall struct {
	method string
	path   string
	body   any
}

// stubGateway serves the identity lookup plus per-test routes and records
// every call. Unrouted paths fail with a not-found request error.
type stubGateway struct {
	mu     sync.Mutex
	self   perch.User
	routes map[string]func(body any) (json.RawMessage, error)
	calls  []gatewayCall
}

func newStubGateway(self perch.User) *stubGateway {
	return &stubGateway{
		self:   self,
		routes: make(map[string]func(body any) (json.RawMessage, error)),
	}
}

func (g *stubGateway) route(method, path string, fn func(body any) (json.RawMessage, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routes[method+" "+path] = fn
}

func (g *stubGateway) routeEntity(method, path string, entity any) {
	g.route(method, path, func(any) (json.RawMessage, error) {
		return json.Marshal(entity)
	})
}

func (g *stubGateway) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	g.mu.Lock()
	g.calls = append(g.calls, gatewayCall{method: method, path: path, body: body})
	fn, found := g.routes[method+" "+path]
	self := g.self
	g.mu.Unlock()

	if found {
		return fn(body)
	}
	if method == http.MethodGet && path == "/users/@me" {
		return json.Marshal(self)
	}

	return nil, &perch.RequestError{
		Method: method,
		Path:   path,
		Kind:   perch.RequestFailureNotFound,
		Status: http.StatusNotFound,
	}
}

func (g *stubGateway) requests(method, path string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	count := 0
	for _, call := range g.calls {
		if call.method == method && call.path == path {
			count++
		}
	}

	return count
}

type sentFrame struct {
	name    string
	payload any
}

// scriptedTransport opens instantly, records sends, and answers correlated
// sends through a per-test ack script. Push events are injected through the
// captured handler.
type scriptedTransport struct {
	mu      sync.Mutex
	handler perch.TransportHandler
	opens   int
	sends   []sentFrame
	ackFunc func(name string, payload any) ([]byte, error)
}

func (s *scriptedTransport) Open(ctx context.Context, endpoint, credential string, handler perch.TransportHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	s.handler = handler

	return nil
}

func (s *scriptedTransport) Send(ctx context.Context, name string, payload any, ack perch.AckFunc) error {
	s.mu.Lock()
	s.sends = append(s.sends, sentFrame{name: name, payload: payload})
	script := s.ackFunc
	s.mu.Unlock()

	if ack != nil && script != nil {
		data, err := script(name, payload)
		ack(data, err)
	}

	return nil
}

func (s *scriptedTransport) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = nil

	return nil
}

func (s *scriptedTransport) setAck(fn func(name string, payload any) ([]byte, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackFunc = fn
}

func (s *scriptedTransport) sentByName(name string) []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]sentFrame, 0)
	for _, frame := range s.sends {
		if frame.name == name {
			matched = append(matched, frame)
		}
	}

	return matched
}

func (s *scriptedTransport) push(t *testing.T, name string, payload any) {
	t.Helper()

	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		t.Fatalf("push %s: no open connection", name)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", name, err)
	}
	handler.HandleEvent(context.Background(), perch.WireEvent{Name: name, Data: data})
}

// eventRecorder is a listener registered for every kind; tests wait on it
// for asynchronous lane application to land.
type eventRecorder struct {
	mu     sync.Mutex
	events []*perch.Event
	signal chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{signal: make(chan struct{}, 128)}
}

func (r *eventRecorder) handle(ctx context.Context, event *perch.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}

	return nil
}

func (r *eventRecorder) byKind(kind perch.Kind) []*perch.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]*perch.Event, 0)
	for _, event := range r.events {
		if event.Kind == kind {
			matched = append(matched, event)
		}
	}

	return matched
}

func (r *eventRecorder) waitFor(t *testing.T, kind perch.Kind, count int) []*perch.Event {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		if matched := r.byKind(kind); len(matched) >= count {
			return matched
		}
		select {
		case <-r.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s event(s), have %d", count, kind, len(r.byKind(kind)))
		}
	}
}

func testConfig() perch.Config {
	return perch.Config{
		Endpoint:          "wss://push.perch.test/gateway",
		APIBase:           "https://api.perch.test",
		Token:             "bot-token",
		ConnectTimeout:    time.Second,
		RequestTimeout:    time.Second,
		MaxRetries:        3,
		RetryDelay:        5 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		MessageCacheSize:  50,
		EchoCapacity:      16,
	}
}

type fixture struct {
	client    *Client
	transport *scriptedTransport
	gateway   *stubGateway
	events    *eventRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	transport := &scriptedTransport{}
	gateway := newStubGateway(perch.User{ID: "bot-1", Username: "perch-bot", Bot: true})

	client, err := New(testConfig(), WithTransport(transport), WithGateway(gateway))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events := newEventRecorder()
	for _, kind := range perch.Kinds() {
		if err := client.Handle(kind, events.handle); err != nil {
			t.Fatalf("Handle(%s): %v", kind, err)
		}
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return &fixture{client: client, transport: transport, gateway: gateway, events: events}
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func eventsForMessage(events []*perch.Event, messageID string) []*perch.Event {
	matched := make([]*perch.Event, 0)
	for _, event := range events {
		if event.MessageID == messageID {
			matched = append(matched, event)
		}
	}

	return matched
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Token = ""
	_, err := New(cfg, WithTransport(&scriptedTransport{}), WithGateway(newStubGateway(perch.User{ID: "b"})))
	if !errors.Is(err, perch.ErrInvalidRequest) {
		t.Fatalf("New error = %v, want ErrInvalidRequest", err)
	}
}

func TestClientConnectIdentifiesSelf(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	if !f.client.IsReady() {
		t.Fatal("IsReady() = false after connect")
	}
	if state := f.client.State(); state != perch.StateConnected {
		t.Fatalf("State() = %v, want %v", state, perch.StateConnected)
	}

	self := f.client.Self()
	if self == nil || self.ID != "bot-1" {
		t.Fatalf("Self() = %+v, want bot-1", self)
	}
	if cached, _ := f.client.CachedUser("bot-1"); cached != self {
		t.Fatal("identified account is not the cached instance")
	}

	ready := f.events.waitFor(t, perch.KindReady, 1)
	if ready[0].Self != self {
		t.Fatal("ready event does not carry the cached self instance")
	}
	if got := f.gateway.requests(http.MethodGet, "/users/@me"); got != 1 {
		t.Fatalf("identity lookups = %d, want 1", got)
	}
}

func TestClientMirrorsPushedMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	f.transport.push(t, perch.WireMessageCreate, map[string]any{
		"id":         "101",
		"channel_id": "7",
		"author":     map[string]any{"id": "u1", "username": "ana"},
		"content":    "hello perch",
	})

	created := f.events.waitFor(t, perch.KindMessageCreate, 1)
	event := created[0]
	if event.MessageID != "101" || event.ChannelID != "7" {
		t.Fatalf("event ids = (%s, %s), want (101, 7)", event.MessageID, event.ChannelID)
	}
	if event.Message == nil || event.Message.Content != "hello perch" {
		t.Fatalf("event message = %+v, want content %q", event.Message, "hello perch")
	}

	messages := f.client.Messages("7")
	if len(messages) != 1 || messages[0] != event.Message {
		t.Fatalf("Messages(7) = %d entries, want the emitted instance", len(messages))
	}

	author, exists := f.client.CachedUser("u1")
	if !exists || author != event.Message.Author {
		t.Fatal("author was not canonicalized into the cache")
	}
	channel, exists := f.client.CachedChannel("7")
	if !exists || channel.LastMessageID != "101" {
		t.Fatalf("channel last message = %+v, want 101", channel)
	}
}

func TestClientSendMessageNotifiesExactlyOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	f.transport.setAck(func(name string, payload any) ([]byte, error) {
		sent, ok := payload.(sendMessagePayload)
		if !ok || name != perch.WireMessageCreate {
			return nil, fmt.Errorf("unexpected send %s %T", name, payload)
		}

		return json.Marshal(map[string]any{
			"id":         "55",
			"channel_id": sent.ChannelID,
			"author":     map[string]any{"id": "bot-1", "username": "perch-bot", "bot": true},
			"content":    sent.Content,
		})
	})

	message, err := f.client.SendMessage(context.Background(), perch.SendMessageRequest{
		ChannelID: "7",
		Content:   "pong",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if message.ID != "55" || message.Author == nil || message.Author.ID != "bot-1" {
		t.Fatalf("SendMessage returned %+v, want id 55 authored by bot-1", message)
	}
	if cached := f.client.Messages("7"); len(cached) != 1 || cached[0] != message {
		t.Fatal("acknowledged send is not the cached instance")
	}

	// The platform replays the send to its author; the copy must be
	// recognized and dropped.
	f.transport.push(t, perch.WireMessageCreate, map[string]any{
		"id":         "55",
		"channel_id": "7",
		"author":     map[string]any{"id": "bot-1", "username": "perch-bot", "bot": true},
		"content":    "pong",
	})
	f.transport.push(t, perch.WireMessageCreate, map[string]any{
		"id":         "56",
		"channel_id": "7",
		"author":     map[string]any{"id": "u2", "username": "bea"},
		"content":    "follow-up",
	})

	f.events.waitFor(t, perch.KindMessageCreate, 2)
	created := f.events.byKind(perch.KindMessageCreate)
	if got := len(eventsForMessage(created, "55")); got != 1 {
		t.Fatalf("messageCreate events for the send = %d, want exactly 1", got)
	}
	if got := len(f.client.Messages("7")); got != 2 {
		t.Fatalf("Messages(7) = %d entries, want 2", got)
	}
}

func TestClientMessageWindowEvictsOldest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	for i := 1; i <= 51; i++ {
		f.transport.push(t, perch.WireMessageCreate, map[string]any{
			"id":         fmt.Sprintf("%d", i),
			"channel_id": "40",
			"author":     map[string]any{"id": "u1", "username": "ana"},
			"content":    fmt.Sprintf("message %d", i),
		})
	}

	f.events.waitFor(t, perch.KindMessageCreate, 51)
	messages := f.client.Messages("40")
	if len(messages) != 50 {
		t.Fatalf("Messages(40) = %d entries, want 50", len(messages))
	}
	if messages[0].ID != "2" || messages[len(messages)-1].ID != "51" {
		t.Fatalf("window = [%s..%s], want [2..51]", messages[0].ID, messages[len(messages)-1].ID)
	}
}

func TestClientDegradedAuthorStillDelivers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	// No route for /users/ghost: resolution fails and the event flows with
	// the raw ID only.
	f.transport.push(t, perch.WireMessageCreate, map[string]any{
		"id":         "201",
		"channel_id": "9",
		"author_id":  "ghost",
		"content":    "who goes there",
	})

	created := f.events.waitFor(t, perch.KindMessageCreate, 1)
	event := created[0]
	if event.Message == nil || event.Message.Author != nil {
		t.Fatalf("message author = %+v, want nil after degraded resolution", event.Message)
	}
	if event.UserID != "ghost" {
		t.Fatalf("event user id = %q, want ghost", event.UserID)
	}
	if event.Channel == nil || event.Channel.ID != "9" {
		t.Fatalf("event channel = %+v, want stub channel 9", event.Channel)
	}
	if got := f.gateway.requests(http.MethodGet, "/users/ghost"); got != 1 {
		t.Fatalf("author lookups = %d, want 1", got)
	}
}

func TestClientSendMessageRequiresLiveSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.client.SendMessage(context.Background(), perch.SendMessageRequest{
		ChannelID: "7",
		Content:   "too early",
	})
	if !errors.Is(err, perch.ErrNotConnected) {
		t.Fatalf("SendMessage error = %v, want ErrNotConnected", err)
	}
}

func TestClientSendMessageValidatesRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	_, err := f.client.SendMessage(context.Background(), perch.SendMessageRequest{ChannelID: "7"})
	if !errors.Is(err, perch.ErrInvalidRequest) {
		t.Fatalf("SendMessage error = %v, want ErrInvalidRequest", err)
	}
	if got := len(f.transport.sentByName(perch.WireMessageCreate)); got != 0 {
		t.Fatalf("transport sends = %d, want 0 for a rejected request", got)
	}
}

func TestClientSendMessageAckFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	f.transport.setAck(func(string, any) ([]byte, error) {
		return nil, perch.ErrAckTimeout
	})

	_, err := f.client.SendMessage(context.Background(), perch.SendMessageRequest{
		ChannelID: "7",
		Content:   "lost",
	})
	if !errors.Is(err, perch.ErrAckTimeout) {
		t.Fatalf("SendMessage error = %v, want ErrAckTimeout", err)
	}
	if got := len(f.client.Messages("7")); got != 0 {
		t.Fatalf("Messages(7) = %d entries, want 0 after failed send", got)
	}
}

func TestClientEditMessageUpdatesCacheInPlace(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	f.transport.push(t, perch.WireMessageCreate, map[string]any{
		"id":         "300",
		"channel_id": "12",
		"author":     map[string]any{"id": "bot-1", "username": "perch-bot"},
		"content":    "tpyo",
	})
	f.events.waitFor(t, perch.KindMessageCreate, 1)
	before := f.client.Messages("12")[0]

	f.gateway.routeEntity(http.MethodPatch, "/messages/300", map[string]any{
		"id":         "300",
		"channel_id": "12",
		"content":    "typo",
	})

	edited, err := f.client.EditMessage(context.Background(), perch.EditMessageRequest{
		MessageID: "300",
		Content:   "typo",
	})
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if edited != before {
		t.Fatal("edit did not update the cached instance in place")
	}
	if before.Content != "typo" || before.EditedAt.IsZero() {
		t.Fatalf("cached message = %+v, want edited content and timestamp", before)
	}
}

func TestClientEditMessageOutsideWindowReturnsDetached(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	f.gateway.routeEntity(http.MethodPatch, "/messages/888", map[string]any{
		"id":         "888",
		"channel_id": "12",
		"content":    "revised",
	})

	edited, err := f.client.EditMessage(context.Background(), perch.EditMessageRequest{
		MessageID: "888",
		Content:   "revised",
	})
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if edited.ID != "888" || edited.Content != "revised" {
		t.Fatalf("detached edit = %+v, want id 888 content revised", edited)
	}
	if got := len(f.client.Messages("12")); got != 0 {
		t.Fatalf("Messages(12) = %d entries, want 0 for an unmirrored edit", got)
	}
}

func TestClientDeleteMessageEvictsCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	f.transport.push(t, perch.WireMessageCreate, map[string]any{
		"id":         "400",
		"channel_id": "13",
		"author":     map[string]any{"id": "u1", "username": "ana"},
		"content":    "remove me",
	})
	f.events.waitFor(t, perch.KindMessageCreate, 1)

	f.gateway.routeEntity(http.MethodDelete, "/messages/400", map[string]any{})

	if err := f.client.DeleteMessage(context.Background(), perch.DeleteMessageRequest{MessageID: "400"}); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if got := f.gateway.requests(http.MethodDelete, "/messages/400"); got != 1 {
		t.Fatalf("delete requests = %d, want 1", got)
	}
	if got := len(f.client.Messages("13")); got != 0 {
		t.Fatalf("Messages(13) = %d entries, want 0 after delete", got)
	}
}

func TestClientStatusAndTypingSends(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	if err := f.client.SetStatus(context.Background(), "brewing coffee"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := f.client.StartTyping(context.Background(), "7"); err != nil {
		t.Fatalf("StartTyping: %v", err)
	}
	if err := f.client.StopTyping(context.Background(), "7"); err != nil {
		t.Fatalf("StopTyping: %v", err)
	}

	statusSends := f.transport.sentByName(perch.WireStatusUpdate)
	if len(statusSends) != 1 {
		t.Fatalf("status sends = %d, want 1", len(statusSends))
	}
	if payload, ok := statusSends[0].payload.(statusPayload); !ok || payload.Status != "brewing coffee" {
		t.Fatalf("status payload = %+v, want brewing coffee", statusSends[0].payload)
	}
	for _, name := range []string{perch.WireTypingStart, perch.WireTypingStop} {
		sends := f.transport.sentByName(name)
		if len(sends) != 1 {
			t.Fatalf("%s sends = %d, want 1", name, len(sends))
		}
		if payload, ok := sends[0].payload.(typingPayload); !ok || payload.ChannelID != "7" {
			t.Fatalf("%s payload = %+v, want channel 7", name, sends[0].payload)
		}
	}
}

func TestClientTypingGuards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	if err := f.client.StartTyping(context.Background(), ""); !errors.Is(err, perch.ErrInvalidRequest) {
		t.Fatalf("StartTyping(\"\") error = %v, want ErrInvalidRequest", err)
	}
	if err := f.client.StartTyping(context.Background(), "7"); !errors.Is(err, perch.ErrNotConnected) {
		t.Fatalf("StartTyping before connect error = %v, want ErrNotConnected", err)
	}
}

func TestClientFetchUserCachesResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.gateway.routeEntity(http.MethodGet, "/users/u9", perch.User{ID: "u9", Username: "nine"})

	first, err := f.client.FetchUser(context.Background(), "u9")
	if err != nil {
		t.Fatalf("FetchUser: %v", err)
	}
	second, err := f.client.FetchUser(context.Background(), "u9")
	if err != nil {
		t.Fatalf("FetchUser (cached): %v", err)
	}
	if first != second {
		t.Fatal("repeated fetch did not preserve instance identity")
	}
	if got := f.gateway.requests(http.MethodGet, "/users/u9"); got != 1 {
		t.Fatalf("user lookups = %d, want 1", got)
	}
}

func TestClientFetchMessageCanonicalizesReferences(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.gateway.routeEntity(http.MethodGet, "/messages/777", map[string]any{
		"id":         "777",
		"channel_id": "40",
		"author":     map[string]any{"id": "u9", "username": "nine"},
		"content":    "fetched",
	})

	message, err := f.client.FetchMessage(context.Background(), "777")
	if err != nil {
		t.Fatalf("FetchMessage: %v", err)
	}
	if cached, exists := f.client.CachedUser("u9"); !exists || cached != message.Author {
		t.Fatal("fetched author was not canonicalized into the cache")
	}
	if messages := f.client.Messages("40"); len(messages) != 1 || messages[0] != message {
		t.Fatal("fetched message did not join the channel sequence")
	}

	again, err := f.client.FetchMessage(context.Background(), "777")
	if err != nil {
		t.Fatalf("FetchMessage (cached): %v", err)
	}
	if again != message {
		t.Fatal("repeated fetch did not preserve instance identity")
	}
	if got := f.gateway.requests(http.MethodGet, "/messages/777"); got != 1 {
		t.Fatalf("message lookups = %d, want 1", got)
	}
}

func TestClientFetchUserFailureSurfacesRequestError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.client.FetchUser(context.Background(), "nobody")
	if err == nil {
		t.Fatal("FetchUser succeeded for an unknown account")
	}
	requestErr, ok := perch.AsRequestError(err)
	if !ok || requestErr.Kind != perch.RequestFailureNotFound {
		t.Fatalf("FetchUser error = %v, want not_found request error", err)
	}
}

func TestClientHandleRejectsBadRegistrations(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	if err := f.client.Handle(perch.Kind("bogus"), f.events.handle); !errors.Is(err, perch.ErrInvalidRequest) {
		t.Fatalf("Handle(bogus) error = %v, want ErrInvalidRequest", err)
	}
	if err := f.client.Handle(perch.KindReady, nil); !errors.Is(err, perch.ErrInvalidRequest) {
		t.Fatalf("Handle(nil) error = %v, want ErrInvalidRequest", err)
	}
}

func TestClientListenerFailureBecomesErrorEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	boom := errors.New("boom")
	if err := f.client.Handle(perch.KindMessageCreate, func(context.Context, *perch.Event) error {
		return boom
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	f.transport.push(t, perch.WireMessageCreate, map[string]any{
		"id":         "500",
		"channel_id": "3",
		"author":     map[string]any{"id": "u1", "username": "ana"},
		"content":    "trigger",
	})

	failures := f.events.waitFor(t, perch.KindError, 1)
	if !errors.Is(failures[0].Err, boom) {
		t.Fatalf("error event = %v, want wrapped boom", failures[0].Err)
	}
	if !strings.Contains(failures[0].Err.Error(), "messageCreate listener") {
		t.Fatalf("error event = %v, want listener scope", failures[0].Err)
	}
	// The recorder itself still observed the original event.
	if got := len(f.events.byKind(perch.KindMessageCreate)); got != 1 {
		t.Fatalf("messageCreate events = %d, want 1", got)
	}
}

func TestClientClearCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t)

	f.transport.push(t, perch.WireMessageCreate, map[string]any{
		"id":         "600",
		"channel_id": "5",
		"author":     map[string]any{"id": "u1", "username": "ana"},
		"content":    "to be forgotten",
	})
	f.events.waitFor(t, perch.KindMessageCreate, 1)

	f.client.ClearCache()

	if got := len(f.client.Messages("5")); got != 0 {
		t.Fatalf("Messages(5) = %d entries after ClearCache, want 0", got)
	}
	if _, exists := f.client.CachedUser("u1"); exists {
		t.Fatal("CachedUser survived ClearCache")
	}
}

func TestClientCloseEndsSession(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{}
	gateway := newStubGateway(perch.User{ID: "bot-1", Username: "perch-bot", Bot: true})
	client, err := New(testConfig(), WithTransport(transport), WithGateway(gateway))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := client.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if client.IsReady() {
		t.Fatal("IsReady() = true after Close")
	}
	if state := client.State(); state != perch.StateDisconnected {
		t.Fatalf("State() = %v, want %v", state, perch.StateDisconnected)
	}
}
