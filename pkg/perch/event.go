package perch

import (
	"context"
	"fmt"
	"time"
)

// Kind identifies a domain event delivered to listeners.
type Kind string

const (
	// KindReady is emitted once the session is connected and identified.
	KindReady Kind = "ready"
	// KindDisconnect is emitted when the push connection is lost or torn down.
	KindDisconnect Kind = "disconnect"
	// KindReconnect is emitted when a dropped connection is re-established.
	KindReconnect Kind = "reconnect"
	// KindError is emitted for ingestion and listener failures.
	KindError Kind = "error"
	// KindMessageCreate is emitted when a new message enters the mirror.
	KindMessageCreate Kind = "messageCreate"
	// KindMessageEdit is emitted when a message is edited.
	KindMessageEdit Kind = "messageEdit"
	// KindMessageDelete is emitted when a message is deleted.
	KindMessageDelete Kind = "messageDelete"
	// KindMemberJoin is emitted when an account joins a channel.
	KindMemberJoin Kind = "memberJoin"
	// KindMemberLeave is emitted when an account leaves a channel.
	KindMemberLeave Kind = "memberLeave"
	// KindPresenceUpdate is emitted when an account's online state changes.
	KindPresenceUpdate Kind = "presenceUpdate"
	// KindUserStatusUpdate is emitted when an account's status text changes.
	KindUserStatusUpdate Kind = "userStatusUpdate"
	// KindChannelUpdate is emitted when channel metadata changes.
	KindChannelUpdate Kind = "channelUpdate"
	// KindChannelDelete is emitted when a channel is removed.
	KindChannelDelete Kind = "channelDelete"
	// KindRateLimited is emitted when the platform announces throttling.
	KindRateLimited Kind = "rateLimited"
)

// Kinds lists every defined event kind.
func Kinds() []Kind {
	return []Kind{
		KindReady,
		KindDisconnect,
		KindReconnect,
		KindError,
		KindMessageCreate,
		KindMessageEdit,
		KindMessageDelete,
		KindMemberJoin,
		KindMemberLeave,
		KindPresenceUpdate,
		KindUserStatusUpdate,
		KindChannelUpdate,
		KindChannelDelete,
		KindRateLimited,
	}
}

// Handler processes a single domain event.
//
// Handlers for different channels can run concurrently; handlers must be
// concurrency-safe. A handler error is funneled into an error event and never
// propagates to other listeners.
type Handler func(ctx context.Context, event *Event) error

// Event is the envelope delivered to listeners.
//
// Kind selects which payload branch is expected; Validate enforces the
// pairing once at the ingestion boundary. Reference branches may be nil when
// resolution degraded, in which case the identifier fields still carry the
// raw IDs from the push payload.
type Event struct {
	// Kind selects which payload branch is expected.
	Kind Kind
	// OccurredAt is when the event was accepted by ingestion.
	OccurredAt time.Time
	// ChannelID identifies the channel for channel-scoped kinds.
	ChannelID string
	// MessageID identifies the message for message kinds.
	MessageID string
	// UserID identifies the account for user-scoped kinds.
	UserID string
	// Status carries the new status text for userStatusUpdate.
	Status string
	// Message carries the cached (or detached, when unknown) message entity.
	Message *Message
	// Channel carries the cached channel entity when known.
	Channel *Channel
	// Member carries the joining/leaving account; nil when resolution degraded.
	Member *User
	// User carries the account for userStatusUpdate when known.
	User *User
	// Presence carries the presence entity for presenceUpdate.
	Presence *Presence
	// Self carries the identified bot account for ready.
	Self *User
	// Disconnect carries connection-loss context for disconnect.
	Disconnect *Disconnect
	// Reconnect carries re-establishment context for reconnect.
	Reconnect *Reconnect
	// RateLimit carries throttling context for rateLimited.
	RateLimit *RateLimit
	// Err carries the failure for error events.
	Err error
}

// Disconnect describes one push connection termination.
type Disconnect struct {
	// Code is the transport close code when known.
	Code int
	// Reason is the platform-provided close reason when known.
	Reason string
	// Forced reports a server-forced disconnect that is never retried.
	Forced bool
	// WillReconnect reports whether the session enters the retry loop.
	WillReconnect bool
}

// Reconnect describes one successful connection re-establishment.
type Reconnect struct {
	// Attempt is the retry attempt that succeeded, starting at 1.
	Attempt int
}

// RateLimit describes one platform throttling notice.
type RateLimit struct {
	// Scope is the platform-provided throttle scope when known.
	Scope string
	// RetryAfter is the suggested wait before retrying.
	RetryAfter time.Duration
}

// Validate checks envelope and payload-branch coherence.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}

	return validatePayloadByKind(e)
}

// validatePayloadByKind enforces payload branch requirements for each kind.
func validatePayloadByKind(e *Event) error {
	switch e.Kind {
	case KindReady:
		if e.Self == nil {
			return fmt.Errorf("%w: ready requires self payload", ErrInvalidEvent)
		}
	case KindDisconnect:
		if e.Disconnect == nil {
			return fmt.Errorf("%w: disconnect requires disconnect payload", ErrInvalidEvent)
		}
	case KindReconnect:
		if e.Reconnect == nil {
			return fmt.Errorf("%w: reconnect requires reconnect payload", ErrInvalidEvent)
		}
	case KindError:
		if e.Err == nil {
			return fmt.Errorf("%w: error requires err payload", ErrInvalidEvent)
		}
	case KindMessageCreate, KindMessageEdit:
		if e.Message == nil {
			return fmt.Errorf("%w: %s requires message payload", ErrInvalidEvent, e.Kind)
		}
		if e.MessageID == "" || e.ChannelID == "" {
			return fmt.Errorf("%w: %s requires message and channel ids", ErrInvalidEvent, e.Kind)
		}
	case KindMessageDelete:
		if e.MessageID == "" {
			return fmt.Errorf("%w: messageDelete requires message id", ErrInvalidEvent)
		}
	case KindMemberJoin, KindMemberLeave:
		if e.ChannelID == "" || e.UserID == "" {
			return fmt.Errorf("%w: %s requires channel and user ids", ErrInvalidEvent, e.Kind)
		}
	case KindPresenceUpdate:
		if e.Presence == nil {
			return fmt.Errorf("%w: presenceUpdate requires presence payload", ErrInvalidEvent)
		}
	case KindUserStatusUpdate:
		if e.UserID == "" {
			return fmt.Errorf("%w: userStatusUpdate requires user id", ErrInvalidEvent)
		}
	case KindChannelUpdate:
		if e.Channel == nil {
			return fmt.Errorf("%w: channelUpdate requires channel payload", ErrInvalidEvent)
		}
	case KindChannelDelete:
		if e.ChannelID == "" {
			return fmt.Errorf("%w: channelDelete requires channel id", ErrInvalidEvent)
		}
	case KindRateLimited:
		if e.RateLimit == nil {
			return fmt.Errorf("%w: rateLimited requires rate limit payload", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidEvent, e.Kind)
	}

	return nil
}
