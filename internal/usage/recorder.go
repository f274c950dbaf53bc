package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/wayne/internal/chat"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Record is a write-once usage entry for one gateway request.
type Record struct {
	ID              uuid.UUID `json:"id"`
	RequestID       string    `json:"request_id,omitempty"`
	Identity        string    `json:"identity"`
	Provider        string    `json:"provider"`
	Model           string    `json:"model,omitempty"`
	DurationMs      int64     `json:"duration_ms"`
	PromptUnits     int       `json:"prompt_units"`
	CompletionUnits int       `json:"completion_units"`
	TotalUnits      int       `json:"total_units"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewRecord builds the record for a finished dispatch. A nil result with a
// non-nil err produces a failed record.
func NewRecord(requestID, identity, provider string, duration time.Duration, result *chat.Result, err error) Record {
	rec := Record{
		ID:         uuid.New(),
		RequestID:  requestID,
		Identity:   identity,
		Provider:   provider,
		DurationMs: duration.Milliseconds(),
		Status:     StatusSuccess,
		Timestamp:  time.Now().UTC(),
	}
	if result != nil {
		rec.Provider = result.ProviderName
		rec.Model = result.ModelIdentifier
		rec.PromptUnits = result.Usage.PromptUnits
		rec.CompletionUnits = result.Usage.CompletionUnits
		rec.TotalUnits = result.Usage.TotalUnits
	}
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
	}
	return rec
}

// Sink is an append-only analytics destination.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Recorder writes usage records on a best-effort basis.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
}

func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

// Record makes one attempt to write rec. Failures are logged and dropped.
func (r *Recorder) Record(ctx context.Context, rec Record) {
	if r == nil || r.sink == nil {
		return
	}
	if err := r.sink.Write(ctx, rec); err != nil {
		r.logger.Warn("failed to record usage",
			"record_id", rec.ID,
			"provider", rec.Provider,
			"status", rec.Status,
			"error", err,
		)
	}
}

// LogSink writes usage records to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(ctx context.Context, rec Record) error {
	s.logger.InfoContext(ctx, "usage recorded",
		"record_id", rec.ID,
		"request_id", rec.RequestID,
		"identity", rec.Identity,
		"provider", rec.Provider,
		"model", rec.Model,
		"duration_ms", rec.DurationMs,
		"total_units", rec.TotalUnits,
		"status", rec.Status,
	)
	return nil
}
