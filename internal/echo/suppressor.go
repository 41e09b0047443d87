// Package echo tracks message IDs of local sends so their push echoes can
// be told apart from genuinely remote messages.
package echo

import (
	"container/list"
	"sync"
	"time"

	"perch/internal/telemetry"
	"perch/pkg/perch"
)

const defaultTTL = 5 * time.Minute

// Option mutates suppressor configuration.
type Option func(*Suppressor)

// WithCapacity sets the soft bound on remembered send IDs.
func WithCapacity(capacity int) Option {
	return func(suppressor *Suppressor) {
		if capacity > 0 {
			suppressor.capacity = capacity
		}
	}
}

// WithTTL sets how long an unmatched record is kept before it is forgotten.
func WithTTL(ttl time.Duration) Option {
	return func(suppressor *Suppressor) {
		if ttl > 0 {
			suppressor.ttl = ttl
		}
	}
}

func withClock(clock func() time.Time) Option {
	return func(suppressor *Suppressor) {
		if clock != nil {
			suppressor.clock = clock
		}
	}
}

// Suppressor is an insertion-ordered registry of locally sent message IDs.
//
// Record is called once per acknowledged send; Consume removes a matching
// entry and reports true at most once per recorded ID. Entries beyond the
// capacity bound are forgotten oldest first, and entries older than the TTL
// are swept lazily, so a record whose echo never arrives cannot pin memory.
type Suppressor struct {
	capacity int
	ttl      time.Duration
	clock    func() time.Time

	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
}

type record struct {
	id         string
	recordedAt time.Time
}

// New creates an empty suppressor.
func New(options ...Option) *Suppressor {
	suppressor := &Suppressor{
		capacity: perch.DefaultEchoCapacity,
		ttl:      defaultTTL,
		clock:    time.Now,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
	for _, option := range options {
		option(suppressor)
	}

	return suppressor
}

// Record remembers one acknowledged send. Recording an ID that is already
// tracked refreshes its age instead of adding a second entry.
func (s *Suppressor) Record(id string) {
	if id == "" {
		return
	}

	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(now)

	if element, exists := s.index[id]; exists {
		element.Value.(*record).recordedAt = now
		s.order.MoveToFront(element)
		return
	}

	s.index[id] = s.order.PushFront(&record{id: id, recordedAt: now})
	for s.order.Len() > s.capacity {
		s.forgetOldestLocked()
	}
}

// Consume removes the record for id and reports whether one was present.
// A second Consume for the same ID reports false.
func (s *Suppressor) Consume(id string) bool {
	if id == "" {
		return false
	}

	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(now)

	element, exists := s.index[id]
	if !exists {
		return false
	}
	s.order.Remove(element)
	delete(s.index, id)

	return true
}

// Len reports how many send IDs are currently tracked.
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.order.Len()
}

func (s *Suppressor) sweepLocked(now time.Time) {
	for {
		back := s.order.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*record)
		if now.Sub(entry.recordedAt) <= s.ttl {
			return
		}
		s.forgetOldestLocked()
	}
}

func (s *Suppressor) forgetOldestLocked() {
	back := s.order.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*record)
	s.order.Remove(back)
	delete(s.index, entry.id)
	telemetry.RecordEchoForgotten()
}
