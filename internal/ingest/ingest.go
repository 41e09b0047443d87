// Package ingest normalizes raw push events into validated state deltas,
// applies them to the local mirror, and emits domain events.
//
// Deltas for one channel are applied in arrival order on that channel's
// lane; independent scopes proceed concurrently. Reference resolution may
// suspend a lane on a gateway lookup without delaying the others.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"perch/internal/echo"
	"perch/internal/state"
	"perch/internal/telemetry"
	"perch/pkg/perch"
)

const (
	dropReasonUnknown   = "unknown_name"
	dropReasonProtocol  = "protocol"
	dropReasonEcho      = "echo"
	dropReasonDuplicate = "duplicate"
	dropReasonStale     = "stale_epoch"
	dropReasonEnqueue   = "enqueue"
)

// Liveness reports the session epoch. The epoch moves on every exit from
// the connected state; deltas accepted under an older epoch are discarded
// instead of mutating state that belongs to a newer session.
type Liveness interface {
	Epoch() uint64
}

// Dispatcher delivers domain events to registered listeners.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *perch.Event)
}

// Option mutates ingestor configuration.
type Option func(*Ingestor)

// WithLogger injects a logger for ingestion diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(ingestor *Ingestor) {
		if logger != nil {
			ingestor.logger = logger
		}
	}
}

// WithQueueSize bounds each lane's pending delta queue.
func WithQueueSize(size int) Option {
	return func(ingestor *Ingestor) {
		if size > 0 {
			ingestor.queueSize = size
		}
	}
}

func withClock(clock func() time.Time) Option {
	return func(ingestor *Ingestor) {
		if clock != nil {
			ingestor.clock = clock
		}
	}
}

// Ingestor is the push-event half of the mirror: decode once, resolve
// references, apply to the store, emit.
type Ingestor struct {
	logger     *slog.Logger
	store      *state.Store
	echoes     *echo.Suppressor
	resolver   *Resolver
	dispatcher Dispatcher
	liveness   Liveness
	queueSize  int
	clock      func() time.Time
	lanes      *lanes
}

// New creates an ingestor over its collaborators.
func New(
	store *state.Store,
	echoes *echo.Suppressor,
	resolver *Resolver,
	dispatcher Dispatcher,
	liveness Liveness,
	options ...Option,
) (*Ingestor, error) {
	if store == nil {
		return nil, fmt.Errorf("new ingestor: nil store")
	}
	if echoes == nil {
		return nil, fmt.Errorf("new ingestor: nil echo suppressor")
	}
	if resolver == nil {
		return nil, fmt.Errorf("new ingestor: nil resolver")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("new ingestor: nil dispatcher")
	}
	if liveness == nil {
		return nil, fmt.Errorf("new ingestor: nil liveness")
	}

	ingestor := &Ingestor{
		logger:     slog.Default(),
		store:      store,
		echoes:     echoes,
		resolver:   resolver,
		dispatcher: dispatcher,
		liveness:   liveness,
		queueSize:  defaultLaneQueueSize,
		clock:      time.Now,
	}
	for _, option := range options {
		option(ingestor)
	}
	ingestor.lanes = newLanes(ingestor.queueSize)

	return ingestor, nil
}

// Accept validates one raw push event and queues it for in-order
// application. Malformed payloads become error events; unknown names are
// skipped. Accept never propagates a failure to the transport.
func (i *Ingestor) Accept(ctx context.Context, wire perch.WireEvent) {
	decoded, err := decode(wire)
	if err != nil {
		if errors.Is(err, errUnknownEventName) {
			telemetry.RecordEventDropped(dropReasonUnknown)
			i.logger.DebugContext(ctx, "skipping unknown push event", "name", wire.Name)
			return
		}

		telemetry.RecordEventDropped(dropReasonProtocol)
		i.logger.WarnContext(ctx, "malformed push event", "name", wire.Name, "error", err)
		i.emitError(ctx, err)

		return
	}

	epoch := i.liveness.Epoch()
	task := func() {
		i.runDelta(epoch, decoded)
	}
	if err := i.lanes.submit(ctx, decoded.laneKey(), task); err != nil {
		telemetry.RecordEventDropped(dropReasonEnqueue)
		i.logger.WarnContext(ctx, "dropping push event", "name", wire.Name, "error", err)
	}
}

// Stop shuts down lane workers. Queued deltas that have not started are
// dropped.
func (i *Ingestor) Stop(ctx context.Context) error {
	return i.lanes.stop(ctx)
}

// runDelta executes one queued delta with panic containment.
func (i *Ingestor) runDelta(epoch uint64, decoded *delta) {
	ctx := context.Background()

	err := func() (applyErr error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				applyErr = fmt.Errorf("apply %s: panic recovered: %v", decoded.name, recovered)
			}
		}()

		return i.apply(ctx, epoch, decoded)
	}()
	if err != nil {
		i.logger.ErrorContext(ctx, "delta application failed", "name", decoded.name, "error", err)
		i.emitError(ctx, err)
	}
}

func (i *Ingestor) apply(ctx context.Context, epoch uint64, decoded *delta) error {
	if !i.fresh(epoch) {
		telemetry.RecordEventDropped(dropReasonStale)
		return nil
	}

	switch decoded.name {
	case perch.WireMessageCreate:
		return i.applyMessageCreate(ctx, epoch, decoded.message)
	case perch.WireMessageUpdate:
		return i.applyMessageEdit(ctx, decoded.message)
	case perch.WireMessageDelete:
		return i.applyMessageDelete(ctx, decoded.message)
	case perch.WireChannelUpdate:
		return i.applyChannelUpdate(ctx, decoded.channel)
	case perch.WireChannelDelete:
		return i.applyChannelDelete(ctx, decoded.channelID)
	case perch.WireMemberJoin:
		return i.applyMember(ctx, epoch, decoded.member, perch.KindMemberJoin)
	case perch.WireMemberLeave:
		return i.applyMember(ctx, epoch, decoded.member, perch.KindMemberLeave)
	case perch.WirePresenceUpdate:
		return i.applyPresence(ctx, decoded.presence)
	case perch.WireStatusUpdate:
		return i.applyStatus(ctx, decoded.status)
	case perch.WireTypingStart, perch.WireTypingStop:
		return i.applyTyping(ctx, decoded.name, decoded.typing)
	case perch.WireRateLimit:
		return i.applyRateLimit(ctx, decoded.rateLimit)
	default:
		return fmt.Errorf("apply: unsupported delta %s", decoded.name)
	}
}

// applyMessageCreate discards echoes of local sends, caches the message,
// and notifies listeners. The event is emitted only when the insert was
// fresh, so a message that reached the cache through the send
// acknowledgement or a server redelivery produces no second notification.
func (i *Ingestor) applyMessageCreate(ctx context.Context, epoch uint64, payload *messagePayload) error {
	if i.echoes.Consume(payload.ID) {
		telemetry.RecordEchoSuppressed()
		telemetry.RecordEventDropped(dropReasonEcho)
		i.logger.DebugContext(ctx, "suppressed echo of local send", "message_id", payload.ID)

		return nil
	}

	author := i.resolver.rememberUser(payload.Author)
	if author == nil && payload.authorID() != "" {
		resolved, err := i.resolver.user(ctx, payload.authorID())
		if err != nil {
			i.logger.WarnContext(ctx, "author resolution degraded",
				"message_id", payload.ID, "user_id", payload.authorID(), "error", err)
		}
		author = resolved
	}

	channel, err := i.resolver.channelOrStub(ctx, payload.ChannelID)
	if err != nil {
		i.logger.WarnContext(ctx, "channel resolution degraded",
			"message_id", payload.ID, "channel_id", payload.ChannelID, "error", err)
	}

	// Resolution may have suspended this lane; the session can have moved on.
	if !i.fresh(epoch) {
		telemetry.RecordEventDropped(dropReasonStale)
		return nil
	}

	timestamp := payload.Timestamp
	if timestamp.IsZero() {
		timestamp = i.clock()
	}
	message, fresh := i.store.AddMessage(perch.Message{
		ID:        payload.ID,
		ChannelID: payload.ChannelID,
		Author:    author,
		Content:   payload.Content,
		Timestamp: timestamp,
		ReplyToID: payload.ReplyToID,
	})
	if !fresh {
		telemetry.RecordEventDropped(dropReasonDuplicate)
		i.logger.DebugContext(ctx, "message already mirrored", "message_id", payload.ID)

		return nil
	}

	i.store.UpdateChannel(payload.ChannelID, func(entry *perch.Channel) {
		entry.LastMessageID = message.ID
	})

	telemetry.RecordEventIngested(string(perch.KindMessageCreate))
	i.emit(ctx, &perch.Event{
		Kind:       perch.KindMessageCreate,
		OccurredAt: i.clock(),
		ChannelID:  message.ChannelID,
		MessageID:  message.ID,
		UserID:     payload.authorID(),
		Message:    message,
		Channel:    channel,
	})

	return nil
}

// applyMessageEdit updates the cached message in place. An edit for a
// message outside the mirror window is a cache no-op but is still forwarded
// with a detached message built from the payload.
func (i *Ingestor) applyMessageEdit(ctx context.Context, payload *messagePayload) error {
	editedAt := payload.EditedTimestamp
	if editedAt.IsZero() {
		editedAt = i.clock()
	}

	message, known := i.store.UpdateMessage(payload.ID, func(entry *perch.Message) {
		entry.Content = payload.Content
		entry.EditedAt = editedAt
	})
	if !known {
		i.logger.DebugContext(ctx, "edit for unmirrored message", "message_id", payload.ID)
		message = &perch.Message{
			ID:        payload.ID,
			ChannelID: payload.ChannelID,
			Author:    i.resolver.rememberUser(payload.Author),
			Content:   payload.Content,
			Timestamp: payload.Timestamp,
			EditedAt:  editedAt,
		}
	}

	channel, _ := i.store.Channel(payload.ChannelID)

	telemetry.RecordEventIngested(string(perch.KindMessageEdit))
	i.emit(ctx, &perch.Event{
		Kind:       perch.KindMessageEdit,
		OccurredAt: i.clock(),
		ChannelID:  payload.ChannelID,
		MessageID:  payload.ID,
		Message:    message,
		Channel:    channel,
	})

	return nil
}

// applyMessageDelete evicts the message and forwards the final cached
// instance when one existed.
func (i *Ingestor) applyMessageDelete(ctx context.Context, payload *messagePayload) error {
	cached, _ := i.store.Message(payload.ID)
	i.store.RemoveMessage(payload.ID)

	telemetry.RecordEventIngested(string(perch.KindMessageDelete))
	i.emit(ctx, &perch.Event{
		Kind:       perch.KindMessageDelete,
		OccurredAt: i.clock(),
		ChannelID:  payload.ChannelID,
		MessageID:  payload.ID,
		Message:    cached,
	})

	return nil
}

func (i *Ingestor) applyChannelUpdate(ctx context.Context, payload *channelPayload) error {
	channel, fresh := i.store.EnsureChannel(perch.Channel{
		ID:            payload.ID,
		Name:          payload.Name,
		Topic:         payload.Topic,
		Type:          perch.ChannelType(payload.Type),
		LastMessageID: payload.LastMessageID,
		CreatedAt:     payload.CreatedAt,
	})
	if !fresh {
		i.store.UpdateChannel(payload.ID, func(entry *perch.Channel) {
			entry.Name = payload.Name
			entry.Topic = payload.Topic
			if payload.Type != "" {
				entry.Type = perch.ChannelType(payload.Type)
			}
			if payload.LastMessageID != "" {
				entry.LastMessageID = payload.LastMessageID
			}
			if !payload.CreatedAt.IsZero() {
				entry.CreatedAt = payload.CreatedAt
			}
		})
	}

	telemetry.RecordEventIngested(string(perch.KindChannelUpdate))
	i.emit(ctx, &perch.Event{
		Kind:       perch.KindChannelUpdate,
		OccurredAt: i.clock(),
		ChannelID:  payload.ID,
		Channel:    channel,
	})

	return nil
}

// applyChannelDelete drops the channel and its mirrored messages. The final
// cached instance rides along for listeners that need the last-known state.
func (i *Ingestor) applyChannelDelete(ctx context.Context, channelID string) error {
	cached, _ := i.store.Channel(channelID)
	i.store.RemoveChannel(channelID)

	telemetry.RecordEventIngested(string(perch.KindChannelDelete))
	i.emit(ctx, &perch.Event{
		Kind:       perch.KindChannelDelete,
		OccurredAt: i.clock(),
		ChannelID:  channelID,
		Channel:    cached,
	})

	return nil
}

// applyMember resolves the account and mutates the channel roster in place.
// A degraded member resolution still emits the event with the raw user ID.
func (i *Ingestor) applyMember(ctx context.Context, epoch uint64, payload *memberPayload, kind perch.Kind) error {
	member := i.resolver.rememberUser(payload.User)
	if member == nil {
		resolved, err := i.resolver.user(ctx, payload.userID())
		if err != nil {
			i.logger.WarnContext(ctx, "member resolution degraded",
				"channel_id", payload.ChannelID, "user_id", payload.userID(), "error", err)
		}
		member = resolved
	}

	channel, err := i.resolver.channelOrStub(ctx, payload.ChannelID)
	if err != nil {
		i.logger.WarnContext(ctx, "channel resolution degraded",
			"channel_id", payload.ChannelID, "error", err)
	}

	if !i.fresh(epoch) {
		telemetry.RecordEventDropped(dropReasonStale)
		return nil
	}

	i.store.UpdateChannel(payload.ChannelID, func(entry *perch.Channel) {
		if entry.Members == nil {
			entry.Members = make(map[string]*perch.User)
		}
		switch kind {
		case perch.KindMemberJoin:
			if member != nil {
				entry.Members[member.ID] = member
			}
		case perch.KindMemberLeave:
			delete(entry.Members, payload.userID())
		}
	})

	telemetry.RecordEventIngested(string(kind))
	i.emit(ctx, &perch.Event{
		Kind:       kind,
		OccurredAt: i.clock(),
		ChannelID:  payload.ChannelID,
		UserID:     payload.userID(),
		Member:     member,
		Channel:    channel,
	})

	return nil
}

func (i *Ingestor) applyPresence(ctx context.Context, payload *presencePayload) error {
	since := payload.Since
	if since.IsZero() {
		since = i.clock()
	}

	presence, fresh := i.store.EnsurePresence(perch.Presence{
		UserID:   payload.UserID,
		Status:   perch.PresenceStatus(payload.Status),
		Activity: payload.Activity,
		Since:    since,
	})
	if !fresh {
		i.store.UpdatePresence(payload.UserID, func(entry *perch.Presence) {
			entry.Status = perch.PresenceStatus(payload.Status)
			entry.Activity = payload.Activity
			entry.Since = since
		})
	}

	telemetry.RecordEventIngested(string(perch.KindPresenceUpdate))
	i.emit(ctx, &perch.Event{
		Kind:       perch.KindPresenceUpdate,
		OccurredAt: i.clock(),
		UserID:     payload.UserID,
		Presence:   presence,
	})

	return nil
}

// applyStatus mutates the account's status text in place. An unknown
// account is a cache no-op but the event is still forwarded with the raw
// ID and text.
func (i *Ingestor) applyStatus(ctx context.Context, payload *statusPayload) error {
	user, known := i.store.UpdateUser(payload.UserID, func(entry *perch.User) {
		entry.Status = payload.Status
	})
	if !known {
		i.logger.DebugContext(ctx, "status for unmirrored account", "user_id", payload.UserID)
	}

	telemetry.RecordEventIngested(string(perch.KindUserStatusUpdate))
	i.emit(ctx, &perch.Event{
		Kind:       perch.KindUserStatusUpdate,
		OccurredAt: i.clock(),
		UserID:     payload.UserID,
		Status:     payload.Status,
		User:       user,
	})

	return nil
}

// applyTyping validates and counts typing indicators. No listener kind
// exists for them, so nothing is emitted.
func (i *Ingestor) applyTyping(ctx context.Context, name string, payload *typingPayload) error {
	telemetry.RecordEventIngested(name)
	i.logger.DebugContext(ctx, "typing indicator",
		"name", name, "channel_id", payload.ChannelID, "user_id", payload.UserID)

	return nil
}

func (i *Ingestor) applyRateLimit(ctx context.Context, payload *rateLimitPayload) error {
	telemetry.RecordEventIngested(string(perch.KindRateLimited))
	i.emit(ctx, &perch.Event{
		Kind:       perch.KindRateLimited,
		OccurredAt: i.clock(),
		RateLimit: &perch.RateLimit{
			Scope:      payload.Scope,
			RetryAfter: payload.retryAfter(),
		},
	})

	return nil
}

func (i *Ingestor) fresh(epoch uint64) bool {
	return i.liveness.Epoch() == epoch
}

func (i *Ingestor) emit(ctx context.Context, event *perch.Event) {
	if err := event.Validate(); err != nil {
		i.logger.ErrorContext(ctx, "refusing incoherent event", "kind", event.Kind, "error", err)
		i.emitError(ctx, err)

		return
	}

	i.dispatcher.Dispatch(ctx, event)
}

func (i *Ingestor) emitError(ctx context.Context, err error) {
	i.dispatcher.Dispatch(ctx, &perch.Event{
		Kind:       perch.KindError,
		OccurredAt: i.clock(),
		Err:        err,
	})
}
