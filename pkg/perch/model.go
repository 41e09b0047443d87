package perch

import "time"

// User is one platform account as mirrored in the local cache.
type User struct {
	// ID is the stable account identifier.
	ID string `json:"id"`
	// Username is the unique account handle.
	Username string `json:"username"`
	// DisplayName is the human-readable account name when set.
	DisplayName string `json:"display_name,omitempty"`
	// Bot reports whether the account is an automated (privileged) account.
	Bot bool `json:"bot,omitempty"`
	// Status is the free-form status text, updated by status events.
	Status string `json:"status,omitempty"`
}

// ChannelType identifies conversation scope.
type ChannelType string

const (
	// ChannelTypeText is a shared text channel.
	ChannelTypeText ChannelType = "text"
	// ChannelTypeDirect is a direct conversation.
	ChannelTypeDirect ChannelType = "direct"
	// ChannelTypeVoice is a voice channel with a text side.
	ChannelTypeVoice ChannelType = "voice"
)

// Channel is one conversation as mirrored in the local cache.
//
// Channel instances are mutated in place by ingestion so every holder of the
// reference observes updates.
type Channel struct {
	// ID is the stable channel identifier.
	ID string `json:"id"`
	// Name is the channel display name.
	Name string `json:"name,omitempty"`
	// Topic is the channel topic when set.
	Topic string `json:"topic,omitempty"`
	// Type describes the conversation scope.
	Type ChannelType `json:"type,omitempty"`
	// Members holds known channel members keyed by user ID.
	Members map[string]*User `json:"-"`
	// LastMessageID is the most recently observed message in this channel.
	LastMessageID string `json:"last_message_id,omitempty"`
	// CreatedAt is the channel creation timestamp when known.
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Message is one chat message as mirrored in the local cache.
type Message struct {
	// ID is the stable message identifier.
	ID string `json:"id"`
	// ChannelID identifies the channel holding this message.
	ChannelID string `json:"channel_id"`
	// Author is the sending account; nil when reference resolution degraded.
	Author *User `json:"author,omitempty"`
	// Content is the message text body.
	Content string `json:"content"`
	// Timestamp is the creation time assigned by the platform.
	Timestamp time.Time `json:"timestamp,omitzero"`
	// EditedAt is the last edit time; zero when never edited.
	EditedAt time.Time `json:"edited_timestamp,omitzero"`
	// ReplyToID links the parent message when this is a reply.
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// PresenceStatus identifies coarse online state.
type PresenceStatus string

const (
	// PresenceOnline marks an account as active.
	PresenceOnline PresenceStatus = "online"
	// PresenceIdle marks an account as inactive but connected.
	PresenceIdle PresenceStatus = "idle"
	// PresenceBusy marks an account as do-not-disturb.
	PresenceBusy PresenceStatus = "busy"
	// PresenceOffline marks an account as disconnected.
	PresenceOffline PresenceStatus = "offline"
)

// Presence is one account's online state as mirrored in the local cache.
type Presence struct {
	// UserID identifies the account this presence belongs to.
	UserID string `json:"user_id"`
	// Status is the coarse online state.
	Status PresenceStatus `json:"status"`
	// Activity is the free-form activity label when set.
	Activity string `json:"activity,omitempty"`
	// Since is when the current status took effect.
	Since time.Time `json:"since,omitzero"`
}
