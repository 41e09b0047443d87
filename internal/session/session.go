// Package session drives the push connection lifecycle: connect, identify,
// heartbeat, reconnect, disconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"perch/internal/telemetry"
	"perch/pkg/perch"
)

// Dispatcher delivers lifecycle events to registered listeners.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *perch.Event)
}

// IdentityStore canonicalizes the identified account into the mirror.
type IdentityStore interface {
	EnsureUser(user perch.User) (*perch.User, bool)
}

// Option mutates controller configuration.
type Option func(*Controller)

// WithLogger injects a logger for lifecycle diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(controller *Controller) {
		if logger != nil {
			controller.logger = logger
		}
	}
}

func withClock(clock func() time.Time) Option {
	return func(controller *Controller) {
		if clock != nil {
			controller.clock = clock
		}
	}
}

type heartbeatPayload struct {
	SentAt time.Time `json:"sent_at"`
}

// Controller owns the session state machine.
//
// All transitions happen under one mutex. The epoch counter moves on every
// exit from the connected state (and on local teardown); completions of
// work started under an older epoch check it before touching shared state.
type Controller struct {
	logger     *slog.Logger
	cfg        perch.Config
	transport  perch.Transport
	gateway    perch.Gateway
	identities IdentityStore
	dispatcher Dispatcher
	handler    perch.TransportHandler
	clock      func() time.Time

	epoch atomic.Uint64

	mu            sync.Mutex
	state         perch.SessionState
	self          *perch.User
	heartbeatStop context.CancelFunc
	heartbeatDone chan struct{}
	retryStop     context.CancelFunc
	retryDone     chan struct{}
}

// New creates a controller over its collaborators. handler receives the
// transport's push activity once a connection is open.
func New(
	cfg perch.Config,
	transport perch.Transport,
	gateway perch.Gateway,
	identities IdentityStore,
	dispatcher Dispatcher,
	handler perch.TransportHandler,
	options ...Option,
) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new session controller: %w", err)
	}
	if transport == nil {
		return nil, fmt.Errorf("new session controller: nil transport")
	}
	if gateway == nil {
		return nil, fmt.Errorf("new session controller: nil gateway")
	}
	if identities == nil {
		return nil, fmt.Errorf("new session controller: nil identity store")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("new session controller: nil dispatcher")
	}
	if handler == nil {
		return nil, fmt.Errorf("new session controller: nil transport handler")
	}

	controller := &Controller{
		logger:     slog.Default(),
		cfg:        cfg,
		transport:  transport,
		gateway:    gateway,
		identities: identities,
		dispatcher: dispatcher,
		handler:    handler,
		clock:      time.Now,
		state:      perch.StateDisconnected,
	}
	for _, option := range options {
		option(controller)
	}

	return controller, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() perch.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// IsReady reports whether the session is connected and identified.
func (c *Controller) IsReady() bool {
	return c.State() == perch.StateConnected
}

// Self returns the identified bot account, nil before the first ready.
func (c *Controller) Self() *perch.User {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.self
}

// Epoch returns the session liveness counter.
func (c *Controller) Epoch() uint64 {
	return c.epoch.Load()
}

// Connect establishes the session: transport open plus identity
// confirmation, retried up to MaxRetries consecutive transient failures.
// It settles only after both halves succeed. Credential rejection is fatal
// and never retried.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != perch.StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect: %w: session is %s", perch.ErrAlreadyConnected, state)
	}
	c.setStateLocked(perch.StateConnecting)
	c.mu.Unlock()

	attempts := 0
	operation := func() error {
		attempts++
		return c.attempt(ctx)
	}

	err := backoff.Retry(operation, c.retryPolicy(ctx))
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(perch.StateDisconnected)
		c.mu.Unlock()

		if errors.Is(err, perch.ErrAuth) {
			return fmt.Errorf("connect: %w", err)
		}

		return fmt.Errorf("connect after %d attempts: %w: %w", attempts, perch.ErrConnection, err)
	}

	self := c.Self()
	if self != nil {
		c.dispatcher.Dispatch(ctx, &perch.Event{
			Kind:       perch.KindReady,
			OccurredAt: c.clock(),
			UserID:     self.ID,
			Self:       self,
		})
	}

	return nil
}

// HandleClose reacts to push connection termination. Closes arriving
// outside the connected state belong to an older connection or to local
// teardown and are ignored.
func (c *Controller) HandleClose(reason perch.CloseReason) {
	c.mu.Lock()
	if c.state != perch.StateConnected {
		c.mu.Unlock()
		return
	}

	c.epoch.Add(1)
	c.stopHeartbeatLocked()

	if reason.Forced {
		c.setStateLocked(perch.StateDisconnected)
		c.self = nil
		c.mu.Unlock()

		c.logger.Warn("server forced disconnect",
			"code", reason.Code, "reason", reason.Reason)
		c.dispatch(&perch.Event{
			Kind:       perch.KindDisconnect,
			OccurredAt: c.clock(),
			Disconnect: &perch.Disconnect{
				Code:   reason.Code,
				Reason: reason.Reason,
				Forced: true,
			},
		})

		return
	}

	c.setStateLocked(perch.StateReconnecting)
	retryCtx, cancel := context.WithCancel(context.Background())
	c.retryStop = cancel
	c.retryDone = make(chan struct{})
	done := c.retryDone
	c.mu.Unlock()

	c.logger.Warn("push connection lost, reconnecting",
		"code", reason.Code, "reason", reason.Reason, "error", reason.Err)
	c.dispatch(&perch.Event{
		Kind:       perch.KindDisconnect,
		OccurredAt: c.clock(),
		Disconnect: &perch.Disconnect{
			Code:          reason.Code,
			Reason:        reason.Reason,
			WillReconnect: true,
		},
	})

	go c.runReconnect(retryCtx, done)
}

// Disconnect tears the session down. Safe and idempotent from every state;
// a later Connect starts clean. In-flight gateway lookups are not
// cancelled, their completions are discarded by the epoch guard.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == perch.StateDisconnected && c.heartbeatDone == nil && c.retryDone == nil {
		c.mu.Unlock()
		return nil
	}

	previous := c.state
	c.epoch.Add(1)
	c.stopHeartbeatLocked()
	c.stopRetryLocked()
	heartbeatDone := c.heartbeatDone
	retryDone := c.retryDone
	c.heartbeatDone = nil
	c.retryDone = nil
	c.setStateLocked(perch.StateDisconnected)
	c.self = nil
	c.mu.Unlock()

	if previous == perch.StateConnected {
		if err := c.transport.Send(ctx, perch.WireBye, nil, nil); err != nil {
			c.logger.Debug("bye send failed", "error", err)
		}
	}
	if err := c.transport.Close(ctx); err != nil {
		c.logger.Debug("transport close failed", "error", err)
	}

	for _, done := range []chan struct{}{heartbeatDone, retryDone} {
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("disconnect: %w", ctx.Err())
		}
	}

	if previous != perch.StateDisconnected {
		c.dispatch(&perch.Event{
			Kind:       perch.KindDisconnect,
			OccurredAt: c.clock(),
			Disconnect: &perch.Disconnect{Reason: "client disconnect"},
		})
	}

	return nil
}

// attempt performs one open-plus-identify cycle under the connect timeout.
// Auth rejection returns a permanent error; everything else is transient.
func (c *Controller) attempt(ctx context.Context) error {
	startEpoch := c.epoch.Load()

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	if err := c.transport.Open(attemptCtx, c.cfg.Endpoint, c.cfg.Token, c.handler); err != nil {
		if errors.Is(err, perch.ErrAuth) {
			return backoff.Permanent(fmt.Errorf("open push connection: %w", err))
		}

		return fmt.Errorf("open push connection: %w", err)
	}

	self, err := c.identify(attemptCtx)
	if err != nil {
		// The transport is half-open; a failed identify must not leave it up.
		if closeErr := c.transport.Close(context.WithoutCancel(ctx)); closeErr != nil {
			c.logger.Debug("transport close after failed identify", "error", closeErr)
		}
		if errors.Is(err, perch.ErrAuth) {
			return backoff.Permanent(err)
		}

		return err
	}

	c.mu.Lock()
	if c.epoch.Load() != startEpoch {
		c.mu.Unlock()
		if closeErr := c.transport.Close(context.WithoutCancel(ctx)); closeErr != nil {
			c.logger.Debug("transport close after stale attempt", "error", closeErr)
		}

		return backoff.Permanent(errors.New("session torn down during attempt"))
	}
	c.self = self
	c.setStateLocked(perch.StateConnected)
	c.startHeartbeatLocked()
	c.mu.Unlock()

	return nil
}

// identify confirms the credential maps to a bot account and canonicalizes
// it into the mirror.
func (c *Controller) identify(ctx context.Context) (*perch.User, error) {
	fetched, err := perch.RequestAs[perch.User](ctx, c.gateway, "GET", "/users/@me", nil)
	if err != nil {
		if requestErr, ok := perch.AsRequestError(err); ok && requestErr.Kind == perch.RequestFailureUnauthorized {
			return nil, fmt.Errorf("identify: %w: %w", perch.ErrAuth, err)
		}

		return nil, fmt.Errorf("identify: %w", err)
	}
	if fetched.ID == "" {
		return nil, fmt.Errorf("identify: %w: identity response missing id", perch.ErrProtocol)
	}
	if !fetched.Bot {
		return nil, fmt.Errorf("identify: %w: account %s is not a bot account", perch.ErrAuth, fetched.ID)
	}

	self, _ := c.identities.EnsureUser(*fetched)

	return self, nil
}

// retryPolicy yields exactly MaxRetries attempts with a constant delay
// between them.
func (c *Controller) retryPolicy(ctx context.Context) backoff.BackOffContext {
	constant := backoff.NewConstantBackOff(c.cfg.RetryDelay)

	return backoff.WithContext(backoff.WithMaxRetries(constant, uint64(c.cfg.MaxRetries-1)), ctx)
}

// runReconnect drives the serialized retry loop after a lost connection.
func (c *Controller) runReconnect(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		telemetry.RecordReconnect()

		return c.attempt(ctx)
	}

	err := backoff.Retry(operation, c.retryPolicy(ctx))
	if err != nil {
		if ctx.Err() != nil {
			// Local teardown already settled the state.
			return
		}

		c.mu.Lock()
		c.setStateLocked(perch.StateDisconnected)
		c.self = nil
		c.mu.Unlock()

		c.logger.Error("reconnect attempts exhausted", "attempts", attempt, "error", err)
		c.dispatch(&perch.Event{
			Kind:       perch.KindError,
			OccurredAt: c.clock(),
			Err:        fmt.Errorf("reconnect after %d attempts: %w: %w", attempt, perch.ErrConnection, err),
		})

		return
	}

	c.logger.Info("push connection re-established", "attempt", attempt)
	c.dispatch(&perch.Event{
		Kind:       perch.KindReconnect,
		OccurredAt: c.clock(),
		Reconnect:  &perch.Reconnect{Attempt: attempt},
	})
}

// startHeartbeatLocked launches the keepalive loop: one immediate beat,
// then one per interval until the session leaves the connected state.
func (c *Controller) startHeartbeatLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.heartbeatStop = cancel
	c.heartbeatDone = make(chan struct{})
	go c.runHeartbeat(ctx, c.heartbeatDone)
}

func (c *Controller) runHeartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)

	c.beat(ctx)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.beat(ctx)
		}
	}
}

// beat is fire-and-forget: a failed keepalive is logged, the close path
// that follows a dead connection handles recovery.
func (c *Controller) beat(ctx context.Context) {
	telemetry.RecordHeartbeat()
	if err := c.transport.Send(ctx, perch.WireHeartbeat, heartbeatPayload{SentAt: c.clock()}, nil); err != nil {
		c.logger.Warn("heartbeat send failed", "error", err)
	}
}

func (c *Controller) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		c.heartbeatStop()
		c.heartbeatStop = nil
	}
}

func (c *Controller) stopRetryLocked() {
	if c.retryStop != nil {
		c.retryStop()
		c.retryStop = nil
	}
}

func (c *Controller) setStateLocked(next perch.SessionState) {
	if c.state == next {
		return
	}
	c.state = next
	telemetry.SetSessionState(int(next))
}

func (c *Controller) dispatch(event *perch.Event) {
	c.dispatcher.Dispatch(context.Background(), event)
}
