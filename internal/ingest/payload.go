package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"perch/pkg/perch"
)

// errUnknownEventName marks wire names this library does not consume.
// Unknown names are expected as the platform evolves and are skipped.
var errUnknownEventName = errors.New("unknown event name")

type userPayload struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Bot         bool   `json:"bot,omitempty"`
	Status      string `json:"status,omitempty"`
}

func (p *userPayload) toUser() perch.User {
	return perch.User{
		ID:          p.ID,
		Username:    p.Username,
		DisplayName: p.DisplayName,
		Bot:         p.Bot,
		Status:      p.Status,
	}
}

type channelPayload struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Topic         string    `json:"topic,omitempty"`
	Type          string    `json:"type,omitempty"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitzero"`
}

type messagePayload struct {
	ID              string       `json:"id"`
	ChannelID       string       `json:"channel_id"`
	AuthorID        string       `json:"author_id,omitempty"`
	Author          *userPayload `json:"author,omitempty"`
	Content         string       `json:"content"`
	Timestamp       time.Time    `json:"timestamp,omitzero"`
	EditedTimestamp time.Time    `json:"edited_timestamp,omitzero"`
	ReplyToID       string       `json:"reply_to_id,omitempty"`
}

// authorID returns the author reference regardless of payload shape.
func (p *messagePayload) authorID() string {
	if p.Author != nil && p.Author.ID != "" {
		return p.Author.ID
	}

	return p.AuthorID
}

type memberPayload struct {
	ChannelID string       `json:"channel_id"`
	UserID    string       `json:"user_id,omitempty"`
	User      *userPayload `json:"user,omitempty"`
}

func (p *memberPayload) userID() string {
	if p.User != nil && p.User.ID != "" {
		return p.User.ID
	}

	return p.UserID
}

type presencePayload struct {
	UserID   string    `json:"user_id"`
	Status   string    `json:"status"`
	Activity string    `json:"activity,omitempty"`
	Since    time.Time `json:"since,omitzero"`
}

type statusPayload struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type typingPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

type rateLimitPayload struct {
	Scope string `json:"scope,omitempty"`
	// RetryAfterSeconds is the platform-suggested wait, fractional seconds.
	RetryAfterSeconds float64 `json:"retry_after"`
}

func (p *rateLimitPayload) retryAfter() time.Duration {
	if p.RetryAfterSeconds <= 0 {
		return 0
	}

	return time.Duration(p.RetryAfterSeconds * float64(time.Second))
}

// delta is one validated state change decoded from a push frame. Exactly one
// payload branch is set, selected by name. Downstream application trusts the
// delta and does not re-validate.
type delta struct {
	name      string
	message   *messagePayload
	channel   *channelPayload
	channelID string
	member    *memberPayload
	presence  *presencePayload
	status    *statusPayload
	typing    *typingPayload
	rateLimit *rateLimitPayload
}

// laneKey selects the serial execution scope for this delta. Channel-scoped
// deltas share their channel's lane so application order matches arrival
// order; user-scoped deltas get per-user lanes.
func (d *delta) laneKey() string {
	switch {
	case d.message != nil:
		return d.message.ChannelID
	case d.channel != nil:
		return d.channel.ID
	case d.channelID != "":
		return d.channelID
	case d.member != nil:
		return d.member.ChannelID
	case d.typing != nil:
		return d.typing.ChannelID
	case d.presence != nil:
		return "user:" + d.presence.UserID
	case d.status != nil:
		return "user:" + d.status.UserID
	default:
		return "global"
	}
}

// decode parses and validates one push frame. It returns
// errUnknownEventName for names this library does not consume and a wrapped
// perch.ErrProtocol for payloads that fail validation.
func decode(wire perch.WireEvent) (*delta, error) {
	decoded := &delta{name: wire.Name}

	switch wire.Name {
	case perch.WireMessageCreate, perch.WireMessageUpdate:
		payload := &messagePayload{}
		if err := unmarshalPayload(wire, payload); err != nil {
			return nil, err
		}
		if payload.ID == "" {
			return nil, protocolErr(wire.Name, "missing message id")
		}
		if payload.ChannelID == "" {
			return nil, protocolErr(wire.Name, "missing channel id")
		}
		if wire.Name == perch.WireMessageUpdate && payload.Content == "" {
			return nil, protocolErr(wire.Name, "missing content")
		}
		decoded.message = payload
	case perch.WireMessageDelete:
		payload := &messagePayload{}
		if err := unmarshalPayload(wire, payload); err != nil {
			return nil, err
		}
		if payload.ID == "" {
			return nil, protocolErr(wire.Name, "missing message id")
		}
		if payload.ChannelID == "" {
			return nil, protocolErr(wire.Name, "missing channel id")
		}
		decoded.message = payload
	case perch.WireChannelUpdate:
		payload := &channelPayload{}
		if err := unmarshalPayload(wire, payload); err != nil {
			return nil, err
		}
		if payload.ID == "" {
			return nil, protocolErr(wire.Name, "missing channel id")
		}
		decoded.channel = payload
	case perch.WireChannelDelete:
		payload := &channelPayload{}
		if err := unmarshalPayload(wire, payload); err != nil {
			return nil, err
		}
		if payload.ID == "" {
			return nil, protocolErr(wire.Name, "missing channel id")
		}
		decoded.channelID = payload.ID
	case perch.WireMemberJoin, perch.WireMemberLeave:
		payload := &memberPayload{}
		if err := unmarshalPayload(wire, payload); err != nil {
			return nil, err
		}
		if payload.ChannelID == "" {
			return nil, protocolErr(wire.Name, "missing channel id")
		}
		if payload.userID() == "" {
			return nil, protocolErr(wire.Name, "missing user id")
		}
		decoded.member = payload
	case perch.WirePresenceUpdate:
		payload := &presencePayload{}
		if err := unmarshalPayload(wire, payload); err != nil {
			return nil, err
		}
		if payload.UserID == "" {
			return nil, protocolErr(wire.Name, "missing user id")
		}
		if !validPresenceStatus(payload.Status) {
			return nil, protocolErr(wire.Name, fmt.Sprintf("invalid status %q", payload.Status))
		}
		decoded.presence = payload
	case perch.WireStatusUpdate:
		payload := &statusPayload{}
		if err := unmarshalPayload(wire, payload); err != nil {
			return nil, err
		}
		if payload.UserID == "" {
			return nil, protocolErr(wire.Name, "missing user id")
		}
		decoded.status = payload
	case perch.WireTypingStart, perch.WireTypingStop:
		payload := &typingPayload{}
		if err := unmarshalPayload(wire, payload); err != nil {
			return nil, err
		}
		if payload.ChannelID == "" {
			return nil, protocolErr(wire.Name, "missing channel id")
		}
		if payload.UserID == "" {
			return nil, protocolErr(wire.Name, "missing user id")
		}
		decoded.typing = payload
	case perch.WireRateLimit:
		payload := &rateLimitPayload{}
		if err := unmarshalPayload(wire, payload); err != nil {
			return nil, err
		}
		if payload.RetryAfterSeconds < 0 {
			return nil, protocolErr(wire.Name, "negative retry_after")
		}
		decoded.rateLimit = payload
	default:
		return nil, fmt.Errorf("decode %s: %w", wire.Name, errUnknownEventName)
	}

	return decoded, nil
}

func unmarshalPayload(wire perch.WireEvent, target any) error {
	if len(wire.Data) == 0 {
		return protocolErr(wire.Name, "empty payload")
	}
	if err := json.Unmarshal(wire.Data, target); err != nil {
		return fmt.Errorf("decode %s payload: %w: %w", wire.Name, perch.ErrProtocol, err)
	}

	return nil
}

func protocolErr(name, detail string) error {
	return fmt.Errorf("decode %s payload: %w: %s", name, perch.ErrProtocol, detail)
}

func validPresenceStatus(status string) bool {
	switch perch.PresenceStatus(status) {
	case perch.PresenceOnline, perch.PresenceIdle, perch.PresenceBusy, perch.PresenceOffline:
		return true
	default:
		return false
	}
}
