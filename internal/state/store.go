// Package state holds the in-memory mirror of remote platform state.
//
// The store hands out references to its live entries rather than copies.
// Ingestion mutates entries in place, so every holder of a reference
// observes updates without re-fetching.
package state

import (
	"sync"

	"perch/internal/telemetry"
	"perch/pkg/perch"
)

const (
	sectionUsers     = "users"
	sectionChannels  = "channels"
	sectionMessages  = "messages"
	sectionPresences = "presences"
)

// Store is the bounded cache backing one client session.
//
// All mutation goes through one writer lock. Read accessors take the shared
// lock and may run concurrently with each other.
type Store struct {
	mu        sync.RWMutex
	capacity  int
	users     map[string]*perch.User
	channels  map[string]*perch.Channel
	presences map[string]*perch.Presence
	messages  map[string]*perch.Message
	byChannel map[string][]*perch.Message
}

// New creates an empty store. capacity bounds each channel's message
// sequence; non-positive values fall back to the default.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = perch.DefaultMessageCacheSize
	}

	return &Store{
		capacity:  capacity,
		users:     make(map[string]*perch.User),
		channels:  make(map[string]*perch.Channel),
		presences: make(map[string]*perch.Presence),
		messages:  make(map[string]*perch.Message),
		byChannel: make(map[string][]*perch.Message),
	}
}

// ensure inserts value under id unless an entry already exists. The first
// insert wins; later calls return the original pointer untouched.
func ensure[T any](entries map[string]*T, id string, value T) (*T, bool) {
	if existing, exists := entries[id]; exists {
		return existing, false
	}

	entry := &value
	entries[id] = entry

	return entry, true
}

// EnsureUser returns the canonical cached user for value.ID, inserting
// value only when the ID is not yet cached. fresh reports whether this
// call inserted.
func (s *Store) EnsureUser(value perch.User) (*perch.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, fresh := ensure(s.users, value.ID, value)
	if fresh {
		telemetry.SetCacheEntries(sectionUsers, len(s.users))
	}

	return user, fresh
}

// EnsureChannel returns the canonical cached channel for value.ID,
// inserting value only when the ID is not yet cached.
func (s *Store) EnsureChannel(value perch.Channel) (*perch.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, fresh := ensure(s.channels, value.ID, value)
	if fresh {
		if channel.Members == nil {
			channel.Members = make(map[string]*perch.User)
		}
		telemetry.SetCacheEntries(sectionChannels, len(s.channels))
	}

	return channel, fresh
}

// EnsurePresence returns the canonical cached presence for value.UserID,
// inserting value only when the user has no presence entry yet.
func (s *Store) EnsurePresence(value perch.Presence) (*perch.Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	presence, fresh := ensure(s.presences, value.UserID, value)
	if fresh {
		telemetry.SetCacheEntries(sectionPresences, len(s.presences))
	}

	return presence, fresh
}

// AddMessage appends value to its channel's ordered sequence and indexes it
// by ID. A message whose ID is already cached is not inserted again; the
// original entry keeps its identity and fresh reports false. Appending
// beyond the capacity bound evicts the channel's oldest messages first.
func (s *Store) AddMessage(value perch.Message) (*perch.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, fresh := ensure(s.messages, value.ID, value)
	if !fresh {
		return message, false
	}

	sequence := append(s.byChannel[message.ChannelID], message)
	for len(sequence) > s.capacity {
		evicted := sequence[0]
		sequence[0] = nil
		sequence = sequence[1:]
		delete(s.messages, evicted.ID)
		telemetry.RecordCacheEviction()
	}
	s.byChannel[message.ChannelID] = sequence
	telemetry.SetCacheEntries(sectionMessages, len(s.messages))

	return message, true
}

// UpdateMessage applies apply to the cached message in place. It reports
// false without calling apply when the ID is not cached.
func (s *Store) UpdateMessage(id string, apply func(*perch.Message)) (*perch.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, exists := s.messages[id]
	if !exists {
		return nil, false
	}
	if apply != nil {
		apply(message)
	}

	return message, true
}

// UpdateUser applies apply to the cached user in place.
func (s *Store) UpdateUser(id string, apply func(*perch.User)) (*perch.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[id]
	if !exists {
		return nil, false
	}
	if apply != nil {
		apply(user)
	}

	return user, true
}

// UpdateChannel applies apply to the cached channel in place.
func (s *Store) UpdateChannel(id string, apply func(*perch.Channel)) (*perch.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, exists := s.channels[id]
	if !exists {
		return nil, false
	}
	if apply != nil {
		apply(channel)
	}

	return channel, true
}

// UpdatePresence applies apply to the cached presence in place.
func (s *Store) UpdatePresence(userID string, apply func(*perch.Presence)) (*perch.Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	presence, exists := s.presences[userID]
	if !exists {
		return nil, false
	}
	if apply != nil {
		apply(presence)
	}

	return presence, true
}

// RemoveMessage drops one message from the index and from its channel's
// sequence. Removing an unknown ID reports false.
func (s *Store) RemoveMessage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, exists := s.messages[id]
	if !exists {
		return false
	}
	delete(s.messages, id)
	s.byChannel[message.ChannelID] = spliceMessage(s.byChannel[message.ChannelID], id)
	telemetry.SetCacheEntries(sectionMessages, len(s.messages))

	return true
}

// RemoveChannel drops one channel together with its message sequence.
func (s *Store) RemoveChannel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.channels[id]; !exists {
		return false
	}
	delete(s.channels, id)
	for _, message := range s.byChannel[id] {
		delete(s.messages, message.ID)
	}
	delete(s.byChannel, id)
	telemetry.SetCacheEntries(sectionChannels, len(s.channels))
	telemetry.SetCacheEntries(sectionMessages, len(s.messages))

	return true
}

// User returns the cached user for id.
func (s *Store) User(id string) (*perch.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[id]

	return user, exists
}

// Channel returns the cached channel for id.
func (s *Store) Channel(id string) (*perch.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channel, exists := s.channels[id]

	return channel, exists
}

// Presence returns the cached presence for userID.
func (s *Store) Presence(userID string) (*perch.Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	presence, exists := s.presences[userID]

	return presence, exists
}

// Message returns the cached message for id.
func (s *Store) Message(id string) (*perch.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	message, exists := s.messages[id]

	return message, exists
}

// Messages returns the channel's cached sequence, oldest first. The slice
// is a snapshot; the entries it points at stay live.
func (s *Store) Messages(channelID string) []*perch.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sequence, exists := s.byChannel[channelID]
	if !exists {
		return nil
	}
	snapshot := make([]*perch.Message, len(sequence))
	copy(snapshot, sequence)

	return snapshot
}

// Clear empties every section. References handed out earlier keep their
// final values but are no longer reachable through the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]*perch.User)
	s.channels = make(map[string]*perch.Channel)
	s.presences = make(map[string]*perch.Presence)
	s.messages = make(map[string]*perch.Message)
	s.byChannel = make(map[string][]*perch.Message)

	telemetry.SetCacheEntries(sectionUsers, 0)
	telemetry.SetCacheEntries(sectionChannels, 0)
	telemetry.SetCacheEntries(sectionPresences, 0)
	telemetry.SetCacheEntries(sectionMessages, 0)
}

func spliceMessage(sequence []*perch.Message, id string) []*perch.Message {
	for index, message := range sequence {
		if message.ID != id {
			continue
		}
		copy(sequence[index:], sequence[index+1:])
		sequence[len(sequence)-1] = nil

		return sequence[:len(sequence)-1]
	}

	return sequence
}
