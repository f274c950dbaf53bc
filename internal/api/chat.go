package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/wayne/internal/chat"
	"github.com/MikeSquared-Agency/wayne/internal/history"
	"github.com/MikeSquared-Agency/wayne/internal/usage"
)

const maxRequestBytes = 1 << 20

// handleChat handles POST /api/chat.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			s.writeError(w, http.StatusBadRequest, "Invalid content type", nil)
			return
		}
	}

	var req chat.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "Invalid request format", errors.New("unexpected data after JSON body"))
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	requestID := middleware.GetReqID(r.Context())
	identity := req.IdentityOrDefault()
	s.logger.Info("chat request",
		"request_id", requestID,
		"provider", req.Provider,
		"messages", len(req.Messages),
	)

	start := time.Now()
	result, err := s.dispatcher.Dispatch(r.Context(), &req)
	elapsed := time.Since(start)

	if err != nil {
		s.recordUsage(usage.NewRecord(requestID, identity, s.providerName(&req, err), elapsed, nil, err))
		s.writeDispatchError(w, err)
		return
	}

	s.recordUsage(usage.NewRecord(requestID, identity, result.ProviderName, elapsed, result, nil))
	if s.history != nil {
		turn := history.Turn(&req, result)
		meta := history.MetaFromResult(result)
		s.spawn(func(ctx context.Context) {
			if err := s.history.Append(ctx, identity, turn, meta); err != nil {
				s.logger.Warn("failed to append history", "identity", identity, "error", err)
			}
		})
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) recordUsage(rec usage.Record) {
	if s.recorder == nil {
		return
	}
	s.spawn(func(ctx context.Context) { s.recorder.Record(ctx, rec) })
}

// providerName names the provider a failed request was routed to.
func (s *Server) providerName(req *chat.Request, err error) string {
	var pe *chat.ProviderError
	if errors.As(err, &pe) && pe.Provider != "" {
		return pe.Provider
	}
	if a, selErr := s.dispatcher.Select(req.Provider); selErr == nil {
		return a.Name()
	}
	return strings.ToLower(strings.TrimSpace(req.Provider))
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var (
		ve *chat.ValidationError
		ue *chat.UnsupportedProviderError
		pe *chat.ProviderError
	)
	switch {
	case errors.As(err, &ve):
		s.writeError(w, http.StatusBadRequest, "Invalid request format", err)
	case errors.As(err, &ue):
		s.writeError(w, http.StatusBadRequest, "Unsupported provider", err)
	case errors.As(err, &pe):
		status := http.StatusBadGateway
		if pe.Timeout() {
			status = http.StatusGatewayTimeout
		}
		s.writeError(w, status, pe.Error(), err)
	default:
		s.logger.Error("chat request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error", err)
	}
}

// getHistory handles GET /api/history.
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identity == "" {
		identity = chat.AnonymousIdentity
	}
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "No history found", nil)
		return
	}

	rec, err := s.history.Read(r.Context(), identity)
	if err != nil {
		if errors.Is(err, history.ErrNoHistory) {
			s.writeError(w, http.StatusNotFound, "No history found", nil)
			return
		}
		s.logger.Error("failed to read history", "identity", identity, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
