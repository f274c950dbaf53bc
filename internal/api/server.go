package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/wayne/internal/chat"
	"github.com/MikeSquared-Agency/wayne/internal/dispatch"
	"github.com/MikeSquared-Agency/wayne/internal/history"
	"github.com/MikeSquared-Agency/wayne/internal/usage"
)

const defaultBackgroundTimeout = 5 * time.Second

// Dispatcher routes a chat request to a provider adapter.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *chat.Request) (*chat.Result, error)
	Select(provider string) (dispatch.Adapter, error)
}

// UsageRecorder accepts usage records. Implementations must not block on failure.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record)
}

type Options struct {
	Port              int
	Production        bool
	StaticDir         string
	BackgroundTimeout time.Duration
	Logger            *slog.Logger
}

type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger

	dispatcher Dispatcher
	recorder   UsageRecorder
	history    history.Store

	production        bool
	staticDir         string
	backgroundTimeout time.Duration

	tasks sync.WaitGroup
}

// NewServer builds the gateway. store may be nil, in which case history is
// disabled and GET /api/history always reports no history.
func NewServer(opts Options, d Dispatcher, rec UsageRecorder, store history.Store) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bgTimeout := opts.BackgroundTimeout
	if bgTimeout <= 0 {
		bgTimeout = defaultBackgroundTimeout
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware)

	s := &Server{
		router:            router,
		logger:            logger,
		dispatcher:        d,
		recorder:          rec,
		history:           store,
		production:        opts.Production,
		staticDir:         opts.StaticDir,
		backgroundTimeout: bgTimeout,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	router.Get("/health", s.health)
	router.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Get("/history", s.getHistory)
		r.NotFound(s.apiNotFound)
		r.MethodNotAllowed(s.methodNotAllowed)
	})
	router.NotFound(s.static)
	router.MethodNotAllowed(s.methodNotAllowed)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then waits for in-flight background
// tasks until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return s.Wait(ctx)
}

// Wait blocks until all background tasks finish or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for background tasks: %w", ctx.Err())
	}
}

// spawn runs fn outside the request lifecycle with its own deadline.
func (s *Server) spawn(fn func(ctx context.Context)) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) static(w http.ResponseWriter, r *http.Request) {
	if s.staticDir == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
		return
	}
	http.FileServer(http.Dir(s.staticDir)).ServeHTTP(w, r)
}

func (s *Server) apiNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Endpoint not found"})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// writeError sends {error} and, outside production, the internal error text.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := errorBody{Error: msg}
	if err != nil && !s.production {
		body.Details = err.Error()
	}
	writeJSON(w, status, body)
}
