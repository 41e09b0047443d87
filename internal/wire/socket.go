package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"perch/pkg/perch"
)

const (
	defaultAckTimeout = 10 * time.Second
	maxFrameBytes     = 1 << 20

	// closeStatusForced is the bottom of the platform-defined close code
	// range for fatal rejections that must not be retried.
	closeStatusForced websocket.StatusCode = 4000
)

// Option mutates socket configuration.
type Option func(*Socket)

// WithLogger injects a logger for transport diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(socket *Socket) {
		if logger != nil {
			socket.logger = logger
		}
	}
}

// WithAckTimeout bounds how long a correlated send waits for its ack.
func WithAckTimeout(timeout time.Duration) Option {
	return func(socket *Socket) {
		if timeout > 0 {
			socket.ackTimeout = timeout
		}
	}
}

// WithHTTPClient overrides the HTTP client used for the websocket handshake.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(socket *Socket) {
		if httpClient != nil {
			socket.httpClient = httpClient
		}
	}
}

// Socket is the websocket-backed push transport. Each Open establishes a
// fresh connection with its own read loop and ack registry; the handler of
// a connection receives exactly one HandleClose when that connection dies.
type Socket struct {
	logger     *slog.Logger
	httpClient *http.Client
	ackTimeout time.Duration

	mu      sync.Mutex
	current *connection
}

// NewSocket creates an unconnected push transport.
func NewSocket(options ...Option) *Socket {
	socket := &Socket{
		logger:     slog.Default(),
		ackTimeout: defaultAckTimeout,
	}
	for _, option := range options {
		option(socket)
	}

	return socket
}

// Open dials the push endpoint and starts the read loop. A credential
// rejected during the handshake fails with ErrAuth.
func (s *Socket) Open(ctx context.Context, endpoint, credential string, handler perch.TransportHandler) error {
	if handler == nil {
		return fmt.Errorf("open push connection: nil handler")
	}

	header := http.Header{}
	header.Set("Authorization", "Bot "+credential)

	ws, response, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: s.httpClient,
	})
	if err != nil {
		if response != nil && (response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("dial %s: %w: credential rejected with status %d", endpoint, perch.ErrAuth, response.StatusCode)
		}

		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	ws.SetReadLimit(maxFrameBytes)

	conn := newConnection(s.logger, ws, handler, s.ackTimeout)

	s.mu.Lock()
	previous := s.current
	s.current = conn
	s.mu.Unlock()

	if previous != nil {
		previous.shutdown(websocket.StatusNormalClosure, "superseded")
	}

	go conn.run()

	s.logger.Debug("push connection open", "endpoint", endpoint)

	return nil
}

// Send emits one named event on the current connection. With a non-nil ack
// the send carries a correlation id and ack fires exactly once: with the
// platform acknowledgement, with the platform rejection, on ack timeout, or
// when the connection dies first.
func (s *Socket) Send(ctx context.Context, name string, payload any, ack perch.AckFunc) error {
	s.mu.Lock()
	conn := s.current
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("send %s: %w", name, perch.ErrTransportClosed)
	}

	return conn.send(ctx, name, payload, ack)
}

// Close tears down the current connection and waits for its read loop to
// finish delivering callbacks.
func (s *Socket) Close(ctx context.Context) error {
	s.mu.Lock()
	conn := s.current
	s.current = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.shutdown(websocket.StatusNormalClosure, "client shutdown")

	select {
	case <-conn.done:
	case <-ctx.Done():
		return fmt.Errorf("close push connection: %w", ctx.Err())
	}

	return nil
}

// connection is the per-Open state: one websocket, one read loop, one ack
// registry. Keeping the registry here means a dying connection can only
// fail its own pending sends, never those of a successor.
type connection struct {
	logger     *slog.Logger
	ws         *websocket.Conn
	handler    perch.TransportHandler
	ackTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingSend
	closed  bool
}

type pendingSend struct {
	name  string
	ack   perch.AckFunc
	timer *time.Timer
}

func newConnection(logger *slog.Logger, ws *websocket.Conn, handler perch.TransportHandler, ackTimeout time.Duration) *connection {
	ctx, cancel := context.WithCancel(context.Background())

	return &connection{
		logger:     logger,
		ws:         ws,
		handler:    handler,
		ackTimeout: ackTimeout,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		pending:    make(map[string]*pendingSend),
	}
}

func (c *connection) run() {
	defer close(c.done)

	reason := c.readLoop()
	c.failPending(fmt.Errorf("push connection closed: %w", perch.ErrTransportClosed))
	c.handler.HandleClose(reason)
}

func (c *connection) readLoop() perch.CloseReason {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return closeReasonFromError(err)
		}

		decoded, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch decoded.Op {
		case opEvent:
			c.handler.HandleEvent(c.ctx, perch.WireEvent{Name: decoded.Name, Data: decoded.Data})
		case opAck:
			c.resolveAck(decoded)
		default:
			c.logger.Warn("unexpected frame op from server", "op", decoded.Op)
		}
	}
}

func (c *connection) send(ctx context.Context, name string, payload any, ack perch.AckFunc) error {
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", name, err)
		}
		data = encoded
	}

	outbound := frame{Op: opSend, Name: name, Data: data}
	if ack != nil {
		outbound.CID = uuid.NewString()
		if err := c.registerPending(outbound.CID, name, ack); err != nil {
			return err
		}
	}

	encoded, err := encodeFrame(outbound)
	if err != nil {
		c.takePending(outbound.CID)
		return err
	}

	c.writeMu.Lock()
	err = c.ws.Write(ctx, websocket.MessageText, encoded)
	c.writeMu.Unlock()
	if err != nil {
		c.takePending(outbound.CID)
		return fmt.Errorf("send %s: %w", name, err)
	}

	return nil
}

func (c *connection) registerPending(cid, name string, ack perch.AckFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("send %s: %w", name, perch.ErrTransportClosed)
	}

	pending := &pendingSend{name: name, ack: ack}
	pending.timer = time.AfterFunc(c.ackTimeout, func() {
		if expired := c.takePending(cid); expired != nil {
			expired.ack(nil, fmt.Errorf("ack %s: %w", name, perch.ErrAckTimeout))
		}
	})
	c.pending[cid] = pending

	return nil
}

// takePending removes one registered send. Removal under the lock is what
// makes the ack, timeout, and connection-death paths mutually exclusive.
func (c *connection) takePending(cid string) *pendingSend {
	if cid == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pending, ok := c.pending[cid]
	if !ok {
		return nil
	}
	delete(c.pending, cid)
	pending.timer.Stop()

	return pending
}

func (c *connection) resolveAck(decoded frame) {
	pending := c.takePending(decoded.CID)
	if pending == nil {
		c.logger.Debug("ack without pending send", "cid", decoded.CID)
		return
	}

	if decoded.Error != "" {
		pending.ack(nil, fmt.Errorf("send %s rejected: %s", pending.name, decoded.Error))
		return
	}
	pending.ack(decoded.Data, nil)
}

func (c *connection) failPending(err error) {
	c.mu.Lock()
	c.closed = true
	orphaned := make([]*pendingSend, 0, len(c.pending))
	for cid, pending := range c.pending {
		delete(c.pending, cid)
		pending.timer.Stop()
		orphaned = append(orphaned, pending)
	}
	c.mu.Unlock()

	for _, pending := range orphaned {
		pending.ack(nil, err)
	}
}

func (c *connection) shutdown(code websocket.StatusCode, reason string) {
	c.cancel()
	_ = c.ws.Close(code, reason)
}

func closeReasonFromError(err error) perch.CloseReason {
	reason := perch.CloseReason{Code: -1, Err: err}

	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		reason.Code = int(closeErr.Code)
		reason.Reason = closeErr.Reason
		reason.Err = nil
		reason.Forced = closeErr.Code >= closeStatusForced
	}

	return reason
}

var _ perch.Transport = (*Socket)(nil)
