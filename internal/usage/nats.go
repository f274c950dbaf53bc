package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is where usage records are published when none is configured.
const DefaultSubject = "wayne.usage.recorded"

// NATSSink publishes usage records as JSON on a NATS subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

func NewNATSSink(ctx context.Context, url, token, subject string, logger *slog.Logger) (*NATSSink, error) {
	opts := []nats.Option{
		nats.Name("wayne"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{conn: nc, subject: subject}, nil
}

func (s *NATSSink) Write(_ context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}
	if err := s.conn.Publish(s.subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", s.subject, err)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (s *NATSSink) Close() {
	_ = s.conn.FlushTimeout(2 * time.Second)
	s.conn.Close()
}
