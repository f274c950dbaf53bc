package history

import (
	"context"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/wayne/internal/chat"
)

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

// MemoryStore keeps history in process. Expired entries are dropped lazily.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Append(_ context.Context, identity string, turn []chat.Message, meta Meta) error {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *Record
	if e, ok := s.entries[identity]; ok && now.Before(e.expiresAt) {
		prev = &e.record
	}
	s.entries[identity] = memoryEntry{
		record:    extend(prev, identity, turn, meta, now),
		expiresAt: now.Add(s.ttl),
	}
	return nil
}

func (s *MemoryStore) Read(_ context.Context, identity string) (*Record, error) {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[identity]
	if !ok {
		return nil, ErrNoHistory
	}
	if !now.Before(e.expiresAt) {
		delete(s.entries, identity)
		return nil, ErrNoHistory
	}
	rec := e.record
	rec.Messages = append([]chat.Message(nil), e.record.Messages...)
	return &rec, nil
}

// PurgeExpired drops every expired entry and reports how many were removed.
func (s *MemoryStore) PurgeExpired(_ context.Context) (int64, error) {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}
