package perch

import "context"

// Wire event names exchanged over the push connection.
const (
	// WireMessageCreate announces a new message; also the send name for outbound messages.
	WireMessageCreate = "MESSAGE_CREATE"
	// WireMessageUpdate announces a message edit.
	WireMessageUpdate = "MESSAGE_UPDATE"
	// WireMessageDelete announces a message deletion.
	WireMessageDelete = "MESSAGE_DELETE"
	// WireChannelUpdate announces channel metadata changes.
	WireChannelUpdate = "CHANNEL_UPDATE"
	// WireChannelDelete announces channel removal.
	WireChannelDelete = "CHANNEL_DELETE"
	// WireMemberJoin announces an account joining a channel.
	WireMemberJoin = "MEMBER_JOIN"
	// WireMemberLeave announces an account leaving a channel.
	WireMemberLeave = "MEMBER_LEAVE"
	// WirePresenceUpdate announces an online-state change.
	WirePresenceUpdate = "PRESENCE_UPDATE"
	// WireStatusUpdate announces a status-text change; also the send name for setStatus.
	WireStatusUpdate = "STATUS_UPDATE"
	// WireTypingStart announces a typing indicator; also the send name for startTyping.
	WireTypingStart = "TYPING_START"
	// WireTypingStop clears a typing indicator; also the send name for stopTyping.
	WireTypingStop = "TYPING_STOP"
	// WireRateLimit announces platform-side throttling.
	WireRateLimit = "RATE_LIMIT"
	// WireHeartbeat is the send name for session keepalives.
	WireHeartbeat = "HEARTBEAT"
	// WireBye is the best-effort send name announcing a local disconnect.
	WireBye = "BYE"
)

// WireEvent is one named push event as received from the transport.
type WireEvent struct {
	// Name is the wire event name.
	Name string
	// Data is the raw JSON payload.
	Data []byte
}

// CloseReason describes why the push connection terminated.
type CloseReason struct {
	// Code is the transport close code when known.
	Code int
	// Reason is the platform-provided close reason when known.
	Reason string
	// Forced reports a server-forced disconnect that must not be retried.
	Forced bool
	// Err is the underlying transport error when the close was not clean.
	Err error
}

// AckFunc receives the acknowledgement for one correlated send.
//
// Exactly one invocation is guaranteed: with the acknowledgement payload, or
// with an error when the send timed out or the connection died first.
type AckFunc func(data []byte, err error)

// TransportHandler receives inbound transport activity.
type TransportHandler interface {
	// HandleEvent delivers one named push event.
	HandleEvent(ctx context.Context, event WireEvent)
	// HandleClose reports connection termination exactly once per connection.
	HandleClose(reason CloseReason)
}

// Transport is the asynchronous push collaborator.
type Transport interface {
	// Open establishes the push connection. A nil return means the
	// connection is live and handler will receive activity; an error return
	// means the open failed and no handler calls will be made.
	Open(ctx context.Context, endpoint, credential string, handler TransportHandler) error
	// Send emits one named event. When ack is non-nil the send is correlated
	// and ack is invoked exactly once with the result.
	Send(ctx context.Context, name string, payload any, ack AckFunc) error
	// Close tears down the connection. Safe to call in any state.
	Close(ctx context.Context) error
}
