package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perch/pkg/perch"
)

const (
	opEvent = "event"
	opSend  = "send"
	opAck   = "ack"

	// sendQueueSize bounds the per-connection outbound queue; a connection
	// that stops draining it is dropped rather than stalling the rest.
	sendQueueSize = 32
	writeTimeout  = 10 * time.Second
	maxFrameBytes = 1 << 20
)

// frame is one websocket message in either direction: pushed events carry op
// "event", client emissions op "send", and correlated sends are answered
// with op "ack" echoing the cid.
type frame struct {
	Op    string          `json:"op"`
	Name  string          `json:"t,omitempty"`
	Data  json.RawMessage `json:"d,omitempty"`
	CID   string          `json:"cid,omitempty"`
	Error string          `json:"error,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

type statusEventPayload struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type typingEventPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

// server is the in-memory platform stand-in: a fixture set of users,
// channels and messages behind the lookup API, plus the push fanout over
// every open gateway connection.
//
// Sends are applied to the fixtures first, acked second, and then pushed to
// every connection. The sender gets the push copy of its own message too;
// that echo is platform behavior clients are built against.
type server struct {
	logger   *slog.Logger
	token    string
	upgrader websocket.Upgrader

	mu            sync.Mutex
	self          *perch.User
	users         map[string]*perch.User
	channels      map[string]*perch.Channel
	messages      map[string]*perch.Message
	conns         map[*connection]struct{}
	nextMessageID int
}

func newServer(token string, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}

	stub := &server{
		logger: logger,
		token:  token,
		upgrader: websocket.Upgrader{
			// Local dev tool; any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		users:         make(map[string]*perch.User),
		channels:      make(map[string]*perch.Channel),
		messages:      make(map[string]*perch.Message),
		conns:         make(map[*connection]struct{}),
		nextMessageID: 2,
	}
	stub.seedFixtures()

	return stub
}

// seedFixtures populates the starting world: the bot account behind the
// configured token, two humans to talk to, and a channel with one message so
// lookups have something to return before anyone says a word.
func (s *server) seedFixtures() {
	now := time.Now().UTC()

	s.self = &perch.User{
		ID:          "usr-perch",
		Username:    "perchbot",
		DisplayName: "Perch Bot",
		Bot:         true,
		Status:      string(perch.PresenceOnline),
	}
	casey := &perch.User{
		ID:          "usr-casey",
		Username:    "casey",
		DisplayName: "Casey",
		Status:      string(perch.PresenceOnline),
	}
	riley := &perch.User{
		ID:          "usr-riley",
		Username:    "riley",
		DisplayName: "Riley",
		Status:      string(perch.PresenceIdle),
	}
	for _, user := range []*perch.User{s.self, casey, riley} {
		s.users[user.ID] = user
	}

	general := &perch.Channel{
		ID:            "ch-general",
		Name:          "general",
		Topic:         "local dev chatter",
		Type:          perch.ChannelTypeText,
		LastMessageID: "msg-1",
		CreatedAt:     now,
	}
	random := &perch.Channel{
		ID:        "ch-random",
		Name:      "random",
		Type:      perch.ChannelTypeText,
		CreatedAt: now,
	}
	s.channels[general.ID] = general
	s.channels[random.ID] = random

	s.messages["msg-1"] = &perch.Message{
		ID:        "msg-1",
		ChannelID: general.ID,
		Author:    casey,
		Content:   "welcome to perchd",
		Timestamp: now,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gateway", s.withAuth(s.handleGateway))
	mux.HandleFunc("GET /users/@me", s.withAuth(s.handleSelf))
	mux.HandleFunc("GET /users/{id}", s.withAuth(s.handleUser))
	mux.HandleFunc("GET /channels/{id}", s.withAuth(s.handleChannel))
	mux.HandleFunc("GET /messages/{id}", s.withAuth(s.handleMessage))
	mux.HandleFunc("PATCH /messages/{id}", s.withAuth(s.handleEditMessage))
	mux.HandleFunc("DELETE /messages/{id}", s.withAuth(s.handleDeleteMessage))

	return mux
}

func (s *server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bot "+s.token {
			s.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid credential"})
			return
		}
		next(w, r)
	}
}

func (s *server) handleSelf(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	user := *s.self
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, user)
}

func (s *server) handleUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	entry, ok := s.users[id]
	var user perch.User
	if ok {
		user = *entry
	}
	s.mu.Unlock()

	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown user " + id})
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

func (s *server) handleChannel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	entry, ok := s.channels[id]
	var channel perch.Channel
	if ok {
		channel = *entry
	}
	s.mu.Unlock()

	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown channel " + id})
		return
	}
	s.writeJSON(w, http.StatusOK, channel)
}

func (s *server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	entry, ok := s.messages[id]
	var message perch.Message
	if ok {
		message = copyMessage(entry)
	}
	s.mu.Unlock()

	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown message " + id})
		return
	}
	s.writeJSON(w, http.StatusOK, message)
}

func (s *server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed edit body"})
		return
	}
	if body.Content == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing message content"})
		return
	}

	s.mu.Lock()
	entry, ok := s.messages[id]
	var message perch.Message
	if ok {
		entry.Content = body.Content
		entry.EditedAt = time.Now().UTC()
		message = copyMessage(entry)
	}
	s.mu.Unlock()

	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown message " + id})
		return
	}

	s.writeJSON(w, http.StatusOK, message)
	s.broadcast(perch.WireMessageUpdate, message)
}

func (s *server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	entry, ok := s.messages[id]
	var message perch.Message
	if ok {
		message = copyMessage(entry)
		delete(s.messages, id)
	}
	s.mu.Unlock()

	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown message " + id})
		return
	}

	w.WriteHeader(http.StatusNoContent)
	s.broadcast(perch.WireMessageDelete, message)
}

func (s *server) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

// connection is one upgraded push client. All frame writes funnel through
// the send queue into a single writer goroutine, the one concurrent writer
// gorilla connections allow.
type connection struct {
	ws   *websocket.Conn
	send chan []byte
	quit chan struct{}

	closeOnce sync.Once
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		_ = c.ws.Close()
	})
}

func (c *connection) writePump(logger *slog.Logger) {
	for {
		select {
		case <-c.quit:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("push write failed", "error", err)
				c.close()
				return
			}
		}
	}
}

func (s *server) handleGateway(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	conn := &connection{
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		quit: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("push connection open", "remote", r.RemoteAddr)

	go conn.writePump(s.logger)
	go s.readLoop(conn)
}

func (s *server) readLoop(conn *connection) {
	defer s.dropConnection(conn)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("push connection read failed", "error", err)
			}
			return
		}
		s.handleFrame(conn, data)
	}
}

func (s *server) handleFrame(conn *connection, data []byte) {
	var decoded frame
	if err := json.Unmarshal(data, &decoded); err != nil {
		s.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	if decoded.Op != opSend || decoded.Name == "" {
		s.logger.Warn("dropping unexpected frame", "op", decoded.Op, "name", decoded.Name)
		return
	}

	switch decoded.Name {
	case perch.WireMessageCreate:
		s.handleSendMessage(conn, decoded)
	case perch.WireStatusUpdate:
		s.handleStatusUpdate(decoded)
	case perch.WireTypingStart, perch.WireTypingStop:
		s.handleTyping(decoded)
	case perch.WireHeartbeat:
		s.logger.Debug("heartbeat")
	case perch.WireBye:
		s.logger.Debug("client announced disconnect")
	default:
		if decoded.CID != "" {
			s.ackError(conn, decoded.CID, fmt.Sprintf("unsupported send %q", decoded.Name))
			return
		}
		s.logger.Warn("dropping unsupported send", "name", decoded.Name)
	}
}

// handleSendMessage applies one client send: the message joins the fixtures
// under a fresh id, the sender gets its ack, and every connection gets the
// push copy.
func (s *server) handleSendMessage(conn *connection, decoded frame) {
	var payload struct {
		ChannelID string `json:"channel_id"`
		Content   string `json:"content"`
		ReplyToID string `json:"reply_to_id"`
	}
	if err := json.Unmarshal(decoded.Data, &payload); err != nil {
		s.ackError(conn, decoded.CID, "malformed message payload")
		return
	}
	if payload.ChannelID == "" || payload.Content == "" {
		s.ackError(conn, decoded.CID, "message requires channel_id and content")
		return
	}

	s.mu.Lock()
	channel, ok := s.channels[payload.ChannelID]
	if !ok {
		// The fixture world is open: unknown channels appear on first use.
		channel = &perch.Channel{
			ID:        payload.ChannelID,
			Type:      perch.ChannelTypeText,
			CreatedAt: time.Now().UTC(),
		}
		s.channels[channel.ID] = channel
	}
	author := *s.self
	entry := &perch.Message{
		ID:        fmt.Sprintf("msg-%d", s.nextMessageID),
		ChannelID: channel.ID,
		Author:    &author,
		Content:   payload.Content,
		Timestamp: time.Now().UTC(),
		ReplyToID: payload.ReplyToID,
	}
	s.nextMessageID++
	s.messages[entry.ID] = entry
	channel.LastMessageID = entry.ID
	message := copyMessage(entry)
	s.mu.Unlock()

	s.ack(conn, decoded.CID, message)
	s.broadcast(perch.WireMessageCreate, message)
}

func (s *server) handleStatusUpdate(decoded frame) {
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(decoded.Data, &payload); err != nil || payload.Status == "" {
		s.logger.Warn("dropping malformed status update")
		return
	}

	s.mu.Lock()
	s.self.Status = payload.Status
	userID := s.self.ID
	s.mu.Unlock()

	s.broadcast(perch.WireStatusUpdate, statusEventPayload{UserID: userID, Status: payload.Status})
}

func (s *server) handleTyping(decoded frame) {
	var payload struct {
		ChannelID string `json:"channel_id"`
	}
	if err := json.Unmarshal(decoded.Data, &payload); err != nil || payload.ChannelID == "" {
		s.logger.Warn("dropping malformed typing notice", "name", decoded.Name)
		return
	}

	s.mu.Lock()
	userID := s.self.ID
	s.mu.Unlock()

	s.broadcast(decoded.Name, typingEventPayload{ChannelID: payload.ChannelID, UserID: userID})
}

func (s *server) ack(conn *connection, cid string, entity any) {
	if cid == "" {
		return
	}

	data, err := json.Marshal(entity)
	if err != nil {
		s.logger.Warn("encode ack entity failed", "error", err)
		s.enqueue(conn, frame{Op: opAck, CID: cid, Error: "internal encoding failure"})
		return
	}
	s.enqueue(conn, frame{Op: opAck, CID: cid, Data: data})
}

func (s *server) ackError(conn *connection, cid, message string) {
	if cid == "" {
		s.logger.Warn("rejecting send without cid", "error", message)
		return
	}
	s.enqueue(conn, frame{Op: opAck, CID: cid, Error: message})
}

func (s *server) broadcast(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("encode event payload failed", "name", name, "error", err)
		return
	}
	encoded, err := json.Marshal(frame{Op: opEvent, Name: name, Data: data})
	if err != nil {
		s.logger.Warn("encode event frame failed", "name", name, "error", err)
		return
	}

	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		s.enqueueEncoded(conn, encoded)
	}
}

func (s *server) enqueue(conn *connection, f frame) {
	encoded, err := json.Marshal(f)
	if err != nil {
		s.logger.Warn("encode frame failed", "op", f.Op, "error", err)
		return
	}
	s.enqueueEncoded(conn, encoded)
}

func (s *server) enqueueEncoded(conn *connection, data []byte) {
	select {
	case conn.send <- data:
	case <-conn.quit:
	default:
		s.logger.Warn("dropping connection with full send queue")
		s.dropConnection(conn)
	}
}

func (s *server) dropConnection(conn *connection) {
	s.mu.Lock()
	_, tracked := s.conns[conn]
	delete(s.conns, conn)
	s.mu.Unlock()

	conn.close()
	if tracked {
		s.logger.Info("push connection closed")
	}
}

// closeAll tears down every push connection, announcing the shutdown with a
// going-away close frame first.
func (s *server) closeAll() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.conns = make(map[*connection]struct{})
	s.mu.Unlock()

	message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
	for _, conn := range conns {
		deadline := time.Now().Add(time.Second)
		if err := conn.ws.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
			s.logger.Debug("close frame write failed", "error", err)
		}
		conn.close()
	}
}

func (s *server) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

func copyMessage(message *perch.Message) perch.Message {
	copied := *message
	if message.Author != nil {
		author := *message.Author
		copied.Author = &author
	}

	return copied
}
