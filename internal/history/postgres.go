package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/wayne/internal/chat"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS conversations (
    identity   TEXT PRIMARY KEY,
    record     JSONB NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const createExpiryIndexSQL = `CREATE INDEX IF NOT EXISTS idx_conversations_expires_at
    ON conversations (expires_at)`

// Querier is the subset of pgx used by PostgresStore. *pgxpool.Pool and
// pgxmock pools both satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps one JSONB row per identity with an expires_at column.
type PostgresStore struct {
	db  Querier
	ttl time.Duration
	now func() time.Time
}

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func NewPostgresStore(db Querier, ttl time.Duration) *PostgresStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PostgresStore{db: db, ttl: ttl, now: time.Now}
}

// EnsureSchema creates the conversations table and its expiry index.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create conversations table: %w", err)
	}
	if _, err := s.db.Exec(ctx, createExpiryIndexSQL); err != nil {
		return fmt.Errorf("create expiry index: %w", err)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context, identity string) (*Record, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `
		SELECT record FROM conversations
		WHERE identity = $1 AND expires_at > now()`, identity,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoHistory
		}
		return nil, fmt.Errorf("read conversation: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Append(ctx context.Context, identity string, turn []chat.Message, meta Meta) error {
	prev, err := s.Read(ctx, identity)
	if err != nil && !errors.Is(err, ErrNoHistory) {
		return err
	}

	now := s.now().UTC()
	rec := extend(prev, identity, turn, meta, now)
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO conversations (identity, record, expires_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (identity)
		DO UPDATE SET
			record = EXCLUDED.record,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()`,
		identity, raw, now.Add(s.ttl),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// PurgeExpired deletes rows past their expiry.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM conversations WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("purge conversations: %w", err)
	}
	return tag.RowsAffected(), nil
}
