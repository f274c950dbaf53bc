package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/wayne/internal/chat"
	"github.com/MikeSquared-Agency/wayne/internal/dispatch"
	"github.com/MikeSquared-Agency/wayne/internal/history"
	"github.com/MikeSquared-Agency/wayne/internal/openai"
	"github.com/MikeSquared-Agency/wayne/internal/stability"
	"github.com/MikeSquared-Agency/wayne/internal/usage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAdapter struct {
	name   string
	mode   chat.Mode
	calls  atomic.Int32
	result *chat.Result
	err    error
	block  bool
}

func (f *fakeAdapter) Name() string    { return f.name }
func (f *fakeAdapter) Mode() chat.Mode { return f.mode }

func (f *fakeAdapter) Complete(ctx context.Context, p chat.Prompt) (*chat.Result, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (f *fakeRecorder) Record(_ context.Context, rec usage.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
}

func (f *fakeRecorder) records() []usage.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]usage.Record(nil), f.recs...)
}

type testEnv struct {
	srv      *Server
	recorder *fakeRecorder
	history  *history.MemoryStore
}

func newTestEnv(t *testing.T, opts Options, adapters ...dispatch.Adapter) *testEnv {
	t.Helper()
	opts.Logger = discardLogger()
	rec := &fakeRecorder{}
	store := history.NewMemoryStore(time.Hour)
	d := dispatch.New("openai", 2*time.Second, discardLogger(), adapters...)
	return &testEnv{
		srv:      NewServer(opts, d, rec, store),
		recorder: rec,
		history:  store,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.srv.Wait(ctx); err != nil {
		t.Fatalf("background tasks did not finish: %v", err)
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func okAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name: name,
		mode: chat.MultiTurn,
		result: &chat.Result{
			ResponseText:    "Hi there",
			ProviderName:    name,
			ModelIdentifier: "fake-model",
			Usage:           chat.Usage{PromptUnits: 4, CompletionUnits: 2, TotalUnits: 6},
			Timestamp:       time.Now().UTC(),
		},
	}
}

const helloBody = `{"messages":[{"role":"user","content":"Hello"}],"identity":"u1"}`

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := env.do(t, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestChat_OpenAIUpstreamSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "Hi there"}},
			},
			"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7},
		})
	}))
	defer upstream.Close()

	client := openai.NewClient("test-key", "gpt-4")
	client.SetBaseURL(upstream.URL)
	env := newTestEnv(t, Options{}, client)

	w := env.do(t, "POST", "/api/chat", `{"messages":[{"role":"user","content":"Hello"}],"provider":"openai","identity":"u1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result chat.Result
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.ResponseText != "Hi there" {
		t.Errorf("expected 'Hi there', got %q", result.ResponseText)
	}
	if result.ProviderName != "openai" || result.ModelIdentifier != "gpt-4" {
		t.Errorf("unexpected provider/model %q/%q", result.ProviderName, result.ModelIdentifier)
	}
	if result.Usage.TotalUnits < result.Usage.PromptUnits {
		t.Errorf("total units %d below prompt units %d", result.Usage.TotalUnits, result.Usage.PromptUnits)
	}

	env.drain(t)
	recs := env.recorder.records()
	if len(recs) != 1 || recs[0].Status != usage.StatusSuccess || recs[0].Provider != "openai" {
		t.Fatalf("expected one success record for openai, got %+v", recs)
	}
	if recs[0].Identity != "u1" || recs[0].TotalUnits != 7 {
		t.Errorf("unexpected usage record %+v", recs[0])
	}

	rec, err := env.history.Read(context.Background(), "u1")
	if err != nil {
		t.Fatalf("expected history to be appended: %v", err)
	}
	if len(rec.Messages) != 2 || rec.Messages[1].Content != "Hi there" {
		t.Errorf("unexpected history %+v", rec.Messages)
	}
}

func TestChat_StabilityImage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"artifacts":[{"base64":"aGVsbG8=","seed":42,"finishReason":"SUCCESS"}]}`))
	}))
	defer upstream.Close()

	client := stability.NewClient("test-key", "sdxl")
	client.SetBaseURL(upstream.URL)
	env := newTestEnv(t, Options{}, okAdapter("openai"), client)

	w := env.do(t, "POST", "/api/chat", `{"messages":[{"role":"user","content":"a red fox"}],"provider":"stability"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["imageData"] != "aGVsbG8=" {
		t.Errorf("expected image data, got %v", body["imageData"])
	}
	if body["responseText"] != "Image generated with seed: 42" {
		t.Errorf("unexpected response text %v", body["responseText"])
	}

	env.drain(t)
	recs := env.recorder.records()
	if len(recs) != 1 || recs[0].Status != usage.StatusSuccess || recs[0].Provider != "stability" {
		t.Fatalf("expected one success record for stability, got %+v", recs)
	}
	if recs[0].Identity != chat.AnonymousIdentity {
		t.Errorf("expected anonymous identity, got %q", recs[0].Identity)
	}
}

func TestChat_UpstreamRateLimited(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"Rate limit reached"}}`))
	}))
	defer upstream.Close()

	client := openai.NewClient("test-key", "gpt-4")
	client.SetBaseURL(upstream.URL)
	env := newTestEnv(t, Options{}, client)

	w := env.do(t, "POST", "/api/chat", helloBody)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["error"] != "OpenAI API error: Rate limit reached" {
		t.Errorf("unexpected error %v", body["error"])
	}

	env.drain(t)
	recs := env.recorder.records()
	if len(recs) != 1 || recs[0].Status != usage.StatusFailed {
		t.Fatalf("expected one failed record, got %+v", recs)
	}
	if recs[0].Provider != "openai" || recs[0].Error == "" {
		t.Errorf("unexpected failed record %+v", recs[0])
	}
	if _, err := env.history.Read(context.Background(), "u1"); !errors.Is(err, history.ErrNoHistory) {
		t.Errorf("failed exchange should not be stored, got %v", err)
	}
}

func TestChat_InvalidRequests(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantError   string
	}{
		{"empty messages", "application/json", `{"messages":[]}`, "Invalid request format"},
		{"missing messages", "application/json", `{"provider":"openai"}`, "Invalid request format"},
		{"bad role", "application/json", `{"messages":[{"role":"robot","content":"hi"}]}`, "Invalid request format"},
		{"malformed json", "application/json", `{"messages":`, "Invalid request format"},
		{"trailing data", "application/json", helloBody + ` garbage`, "Invalid request format"},
		{"second object", "application/json", helloBody + helloBody, "Invalid request format"},
		{"wrong content type", "text/plain", helloBody, "Invalid content type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := okAdapter("openai")
			env := newTestEnv(t, Options{}, adapter)

			req := httptest.NewRequest("POST", "/api/chat", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			w := httptest.NewRecorder()
			env.srv.Handler().ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if body := decodeBody(t, w); body["error"] != tt.wantError {
				t.Errorf("expected %q, got %v", tt.wantError, body["error"])
			}
			if n := adapter.calls.Load(); n != 0 {
				t.Errorf("adapter called %d times", n)
			}
			env.drain(t)
			if recs := env.recorder.records(); len(recs) != 0 {
				t.Errorf("expected no usage records, got %d", len(recs))
			}
		})
	}
}

func TestChat_OversizedBody(t *testing.T) {
	adapter := okAdapter("openai")
	env := newTestEnv(t, Options{}, adapter)

	big := `{"messages":[{"role":"user","content":"` + strings.Repeat("a", maxRequestBytes) + `"}]}`
	w := env.do(t, "POST", "/api/chat", big)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if adapter.calls.Load() != 0 {
		t.Error("adapter should not be called")
	}
}

func TestChat_UnknownProviderFallsBack(t *testing.T) {
	def := okAdapter("openai")
	env := newTestEnv(t, Options{}, def)

	w := env.do(t, "POST", "/api/chat", `{"messages":[{"role":"user","content":"Hello"}],"aiProvider":"mystery"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if def.calls.Load() != 1 {
		t.Errorf("expected default adapter to be called once, got %d", def.calls.Load())
	}
	env.drain(t)
}

func TestChat_NoDefaultProvider(t *testing.T) {
	env := newTestEnv(t, Options{}, okAdapter("gemini"))

	w := env.do(t, "POST", "/api/chat", `{"messages":[{"role":"user","content":"Hello"}],"provider":"mystery"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	env.drain(t)
	recs := env.recorder.records()
	if len(recs) != 1 || recs[0].Status != usage.StatusFailed || recs[0].Provider != "mystery" {
		t.Errorf("expected failed record naming the requested provider, got %+v", recs)
	}
}

func TestChat_Timeout(t *testing.T) {
	slow := &fakeAdapter{name: "openai", mode: chat.MultiTurn, block: true}
	rec := &fakeRecorder{}
	d := dispatch.New("openai", 20*time.Millisecond, discardLogger(), slow)
	srv := NewServer(Options{Logger: discardLogger()}, d, rec, nil)

	req := httptest.NewRequest("POST", "/api/chat", strings.NewReader(helloBody))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", w.Code)
	}
	var body errorBody
	json.NewDecoder(w.Body).Decode(&body)
	if body.Error != "OpenAI API error: timeout" {
		t.Errorf("unexpected error %q", body.Error)
	}
}

func TestChat_InternalErrorDetails(t *testing.T) {
	tests := []struct {
		name        string
		production  bool
		wantDetails string
	}{
		{"development", false, "boom"},
		{"production", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broken := &fakeAdapter{name: "openai", mode: chat.MultiTurn, err: errors.New("boom")}
			env := newTestEnv(t, Options{Production: tt.production}, broken)

			w := env.do(t, "POST", "/api/chat", helloBody)
			if w.Code != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %d", w.Code)
			}
			var body errorBody
			json.NewDecoder(w.Body).Decode(&body)
			if body.Error != "Internal server error" {
				t.Errorf("unexpected error %q", body.Error)
			}
			if body.Details != tt.wantDetails {
				t.Errorf("expected details %q, got %q", tt.wantDetails, body.Details)
			}
			env.drain(t)
		})
	}
}

func TestHistory_RoundTrip(t *testing.T) {
	env := newTestEnv(t, Options{}, okAdapter("openai"))

	w := env.do(t, "GET", "/api/history?identity=u1", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any chat, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "No history found" {
		t.Errorf("unexpected error %v", body["error"])
	}

	if w := env.do(t, "POST", "/api/chat", helloBody); w.Code != http.StatusOK {
		t.Fatalf("chat failed: %d", w.Code)
	}
	env.drain(t)

	w = env.do(t, "GET", "/api/history?identity=u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var rec history.Record
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	if len(rec.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(rec.Messages))
	}
	if rec.Messages[0].Content != "Hello" || rec.Messages[1].Content != "Hi there" {
		t.Errorf("unexpected messages %+v", rec.Messages)
	}
	if rec.LastProvider != "openai" {
		t.Errorf("expected last provider openai, got %q", rec.LastProvider)
	}
}

func TestHistory_Disabled(t *testing.T) {
	d := dispatch.New("openai", time.Second, discardLogger(), okAdapter("openai"))
	srv := NewServer(Options{Logger: discardLogger()}, d, &fakeRecorder{}, nil)

	req := httptest.NewRequest("GET", "/api/history", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, Options{})

	for _, path := range []string{"/api/chat", "/api/anything", "/"} {
		w := env.do(t, "OPTIONS", path, "")
		if w.Code != http.StatusNoContent {
			t.Errorf("OPTIONS %s: expected 204, got %d", path, w.Code)
		}
		if w.Body.Len() != 0 {
			t.Errorf("OPTIONS %s: expected empty body", path)
		}
	}

	w := env.do(t, "GET", "/health", "")
	h := w.Header()
	if h.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing allow-origin, got %q", h.Get("Access-Control-Allow-Origin"))
	}
	if h.Get("Access-Control-Allow-Methods") != "GET, POST, OPTIONS" {
		t.Errorf("unexpected allow-methods %q", h.Get("Access-Control-Allow-Methods"))
	}
	if h.Get("Access-Control-Allow-Headers") != "Content-Type, Authorization" {
		t.Errorf("unexpected allow-headers %q", h.Get("Access-Control-Allow-Headers"))
	}
}

func TestRouting_Errors(t *testing.T) {
	env := newTestEnv(t, Options{})

	tests := []struct {
		method, path string
		wantCode     int
		wantError    string
	}{
		{"GET", "/api/chat", http.StatusMethodNotAllowed, "Method not allowed"},
		{"POST", "/api/history", http.StatusMethodNotAllowed, "Method not allowed"},
		{"GET", "/api/unknown", http.StatusNotFound, "Endpoint not found"},
		{"GET", "/nonexistent", http.StatusNotFound, "Not found"},
	}
	for _, tt := range tests {
		w := env.do(t, tt.method, tt.path, "")
		if w.Code != tt.wantCode {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.wantCode, w.Code)
			continue
		}
		if body := decodeBody(t, w); body["error"] != tt.wantError {
			t.Errorf("%s %s: expected %q, got %v", tt.method, tt.path, tt.wantError, body["error"])
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s %s: expected JSON content type, got %q", tt.method, tt.path, ct)
		}
	}
}

func TestStaticFallThrough(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>wayne</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, Options{StaticDir: dir})

	w := env.do(t, "GET", "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "wayne") {
		t.Errorf("expected index.html, got %q", w.Body.String())
	}

	if w := env.do(t, "GET", "/api/unknown", ""); w.Code != http.StatusNotFound {
		t.Errorf("api paths must not fall through to static files, got %d", w.Code)
	}
}

func TestShutdownDrainsBackgroundTasks(t *testing.T) {
	env := newTestEnv(t, Options{}, okAdapter("openai"))

	if w := env.do(t, "POST", "/api/chat", helloBody); w.Code != http.StatusOK {
		t.Fatalf("chat failed: %d", w.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(env.recorder.records()) != 1 {
		t.Error("usage record should be written before shutdown returns")
	}
}
