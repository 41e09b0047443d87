package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"perch/internal/state"
	"perch/internal/telemetry"
	"perch/pkg/perch"
)

// ResolverOption mutates resolver configuration.
type ResolverOption func(*Resolver)

// WithResolverLogger injects a logger for degradation diagnostics.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(resolver *Resolver) {
		if logger != nil {
			resolver.logger = logger
		}
	}
}

// WithResolverTimeout bounds one gateway lookup.
func WithResolverTimeout(timeout time.Duration) ResolverOption {
	return func(resolver *Resolver) {
		if timeout > 0 {
			resolver.requestTimeout = timeout
		}
	}
}

// Resolver turns payload references into canonical cache entries.
//
// Resolution is cache-first with a gateway fallback. Lookup contexts are
// detached from the caller's cancellation so a lookup already in flight
// survives session teardown; the ingest liveness guard decides what happens
// to the completion.
type Resolver struct {
	logger         *slog.Logger
	store          *state.Store
	gateway        perch.Gateway
	requestTimeout time.Duration
}

// NewResolver creates a resolver over one store and gateway.
func NewResolver(store *state.Store, gateway perch.Gateway, options ...ResolverOption) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("new resolver: nil store")
	}
	if gateway == nil {
		return nil, fmt.Errorf("new resolver: nil gateway")
	}

	resolver := &Resolver{
		logger:         slog.Default(),
		store:          store,
		gateway:        gateway,
		requestTimeout: perch.DefaultRequestTimeout,
	}
	for _, option := range options {
		option(resolver)
	}

	return resolver, nil
}

// rememberUser stores one embedded payload object and returns the canonical
// entry. Concurrent same-ID resolution converges on whichever insert ran
// first.
func (r *Resolver) rememberUser(payload *userPayload) *perch.User {
	if payload == nil || payload.ID == "" {
		return nil
	}

	user, _ := r.store.EnsureUser(payload.toUser())

	return user
}

// user resolves one account reference. A nil user with a non-nil error means
// resolution degraded; the caller proceeds with the raw ID.
func (r *Resolver) user(ctx context.Context, id string) (*perch.User, error) {
	if id == "" {
		return nil, fmt.Errorf("resolve user: %w: empty id", perch.ErrCacheInconsistent)
	}

	if user, exists := r.store.User(id); exists {
		return user, nil
	}

	lookupCtx, cancel := r.lookupCtx(ctx)
	defer cancel()

	fetched, err := perch.RequestAs[perch.User](lookupCtx, r.gateway, "GET", "/users/"+id, nil)
	if err != nil {
		telemetry.RecordResolutionFailure()
		return nil, fmt.Errorf("resolve user %s: %w: %w", id, perch.ErrCacheInconsistent, err)
	}

	user, _ := r.store.EnsureUser(*fetched)

	return user, nil
}

// channel resolves one channel reference.
func (r *Resolver) channel(ctx context.Context, id string) (*perch.Channel, error) {
	if id == "" {
		return nil, fmt.Errorf("resolve channel: %w: empty id", perch.ErrCacheInconsistent)
	}

	if channel, exists := r.store.Channel(id); exists {
		return channel, nil
	}

	lookupCtx, cancel := r.lookupCtx(ctx)
	defer cancel()

	fetched, err := perch.RequestAs[perch.Channel](lookupCtx, r.gateway, "GET", "/channels/"+id, nil)
	if err != nil {
		telemetry.RecordResolutionFailure()
		return nil, fmt.Errorf("resolve channel %s: %w: %w", id, perch.ErrCacheInconsistent, err)
	}

	channel, _ := r.store.EnsureChannel(*fetched)

	return channel, nil
}

// channelOrStub resolves one channel reference, falling back to a stub entry
// holding only the ID. Messages always land in a channel object even when
// the gateway cannot describe it; the stub is filled in by a later
// CHANNEL_UPDATE. The degradation error is still reported for accounting.
func (r *Resolver) channelOrStub(ctx context.Context, id string) (*perch.Channel, error) {
	channel, err := r.channel(ctx, id)
	if err == nil {
		return channel, nil
	}

	stub, _ := r.store.EnsureChannel(perch.Channel{ID: id})

	return stub, err
}

// lookupCtx detaches lookups from caller cancellation while keeping them
// bounded.
func (r *Resolver) lookupCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.requestTimeout)
}
