package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/MikeSquared-Agency/wayne/internal/chat"
)

var conversationsBucket = []byte("conversations")

type boltEntry struct {
	Record    Record    `json:"record"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BoltStore keeps history in a single bbolt file.
type BoltStore struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

func OpenBoltStore(path string, ttl time.Duration) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BoltStore{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func decodeEntry(v []byte, now time.Time) (*boltEntry, bool) {
	if len(v) == 0 {
		return nil, false
	}
	var e boltEntry
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, false
	}
	if !now.Before(e.ExpiresAt) {
		return nil, false
	}
	return &e, true
}

func (s *BoltStore) Read(_ context.Context, identity string) (*Record, error) {
	now := s.now().UTC()
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		if b == nil {
			return nil
		}
		if e, ok := decodeEntry(b.Get([]byte(identity)), now); ok {
			rec = &e.Record
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	if rec == nil {
		return nil, ErrNoHistory
	}
	return rec, nil
}

func (s *BoltStore) Append(_ context.Context, identity string, turn []chat.Message, meta Meta) error {
	now := s.now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(conversationsBucket)
		if err != nil {
			return err
		}
		var prev *Record
		if e, ok := decodeEntry(b.Get([]byte(identity)), now); ok {
			prev = &e.Record
		}
		enc, err := json.Marshal(boltEntry{
			Record:    extend(prev, identity, turn, meta, now),
			ExpiresAt: now.Add(s.ttl),
		})
		if err != nil {
			return err
		}
		return b.Put([]byte(identity), enc)
	})
	if err != nil {
		return fmt.Errorf("append conversation: %w", err)
	}
	return nil
}

// PurgeExpired removes expired and undecodable entries.
func (s *BoltStore) PurgeExpired(_ context.Context) (int64, error) {
	now := s.now().UTC()
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		if b == nil {
			return nil
		}
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			if _, ok := decodeEntry(v, now); !ok {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge conversations: %w", err)
	}
	return n, nil
}
