package history

import (
	"context"
	"errors"
	"time"

	"github.com/MikeSquared-Agency/wayne/internal/chat"
)

// DefaultTTL is how long a conversation survives after its last update.
const DefaultTTL = 7 * 24 * time.Hour

// ErrNoHistory is returned by Read when the identity has no live record.
var ErrNoHistory = errors.New("no history found")

// Record is the persisted conversation for one identity.
type Record struct {
	Identity     string         `json:"identity"`
	Messages     []chat.Message `json:"messages"`
	LastUpdated  time.Time      `json:"lastUpdated"`
	LastProvider string         `json:"lastProvider,omitempty"`
	LastModel    string         `json:"lastModel,omitempty"`
	LastUsage    chat.Usage     `json:"lastUsage"`
}

// Meta describes the exchange that produced an appended turn.
type Meta struct {
	Provider string
	Model    string
	Usage    chat.Usage
}

// MetaFromResult extracts append metadata from a dispatch result.
func MetaFromResult(r *chat.Result) Meta {
	return Meta{Provider: r.ProviderName, Model: r.ModelIdentifier, Usage: r.Usage}
}

// Turn builds the user + assistant pair appended after a successful exchange.
func Turn(req *chat.Request, r *chat.Result) []chat.Message {
	userMsg := req.LastUserMessage()
	if userMsg.Timestamp == nil {
		ts := r.Timestamp
		userMsg.Timestamp = &ts
	}
	ts := r.Timestamp
	return []chat.Message{
		userMsg,
		{Role: chat.RoleAssistant, Content: r.ResponseText, Timestamp: &ts},
	}
}

// Store persists conversation history keyed by identity. Concurrent appends
// for the same identity are last-write-wins.
type Store interface {
	Append(ctx context.Context, identity string, turn []chat.Message, meta Meta) error
	Read(ctx context.Context, identity string) (*Record, error)
}

// extend returns a copy of prev (nil means empty) with turn appended.
func extend(prev *Record, identity string, turn []chat.Message, meta Meta, now time.Time) Record {
	rec := Record{Identity: identity}
	if prev != nil {
		rec.Messages = append(rec.Messages, prev.Messages...)
	}
	rec.Messages = append(rec.Messages, turn...)
	rec.LastUpdated = now
	rec.LastProvider = meta.Provider
	rec.LastModel = meta.Model
	rec.LastUsage = meta.Usage
	return rec
}
