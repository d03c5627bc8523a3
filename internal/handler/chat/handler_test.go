package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/math12studio/assistant/internal/middleware"
	"github.com/math12studio/assistant/internal/model/chat"
	chatservice "github.com/math12studio/assistant/internal/service/chat"
)

type fakeAnswerer struct {
	answer   string
	err      error
	history  []chat.Message
	streamed bool
	// stream, when set, is served instead of answer.
	stream   io.Reader
}

func (f *fakeAnswerer) GenerateResponse(_ context.Context, history []chat.Message, prompt string) (string, error) {
	f.history = history
	return f.answer, f.err
}

func (f *fakeAnswerer) OpenTextStream(_ context.Context, history []chat.Message, prompt string) (io.ReadCloser, error) {
	f.history = history
	f.streamed = true
	if f.err != nil {
		return nil, f.err
	}
	if f.stream != nil {
		return io.NopCloser(f.stream), nil
	}
	return io.NopCloser(strings.NewReader(f.answer)), nil
}

func setupRouter(ai Answerer) (*chi.Mux, *chatservice.Service) {
	chatSvc := chatservice.NewService(nil)
	handler := New(chatSvc, ai)

	r := chi.NewRouter()
	r.Route("/api/chat", func(api chi.Router) {
		api.Use(middleware.Identity)
		handler.RegisterRoutes(api)
	})
	return r, chatSvc
}

func authed(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: middleware.TokenCookie, Value: "student"})
	return req
}

func TestSendReturnsText(t *testing.T) {
	r, chatSvc := setupRouter(&fakeAnswerer{answer: "$x=2$"})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, authed(http.MethodPost, "/api/chat", []byte(`{"prompt":"solve x+1=3"}`)))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["text"] != "$x=2$" {
		t.Fatalf("unexpected text %q", body["text"])
	}

	history, _ := chatSvc.History(context.Background(), middleware.IdentityOf("student"))
	if len(history) != 2 {
		t.Fatalf("expected the turn to be recorded, got %d messages", len(history))
	}
}

func TestSendMissingPrompt(t *testing.T) {
	r, _ := setupRouter(&fakeAnswerer{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, authed(http.MethodPost, "/api/chat", []byte(`{}`)))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "Prompt is required") {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

func TestSendModelFailure(t *testing.T) {
	r, _ := setupRouter(&fakeAnswerer{err: errors.New("quota at provider")})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, authed(http.MethodPost, "/api/chat", []byte(`{"prompt":"q"}`)))

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "Internal server error") {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

func TestSendWithoutToken(t *testing.T) {
	r, _ := setupRouter(&fakeAnswerer{})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"prompt":"q"}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestSendWithoutAI(t *testing.T) {
	r, _ := setupRouter(nil)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, authed(http.MethodPost, "/api/chat/stream", []byte(`{"prompt":"q"}`)))

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestStreamWritesRawText(t *testing.T) {
	ai := &fakeAnswerer{answer: "**4**\n"}
	r, chatSvc := setupRouter(ai)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, authed(http.MethodPost, "/api/chat/stream", []byte(`{"prompt":"2+2"}`)))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp.Body.String() != "**4**\n" {
		t.Fatalf("unexpected body %q", resp.Body.String())
	}
	if !strings.HasPrefix(resp.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected content type %q", resp.Header().Get("Content-Type"))
	}
	if !ai.streamed {
		t.Fatal("expected streaming call")
	}

	history, _ := chatSvc.History(context.Background(), middleware.IdentityOf("student"))
	if len(history) != 2 || history[1].Content != "**4**\n" {
		t.Fatalf("unexpected recorded history %+v", history)
	}
}

func TestHistoryAndNewChat(t *testing.T) {
	ai := &fakeAnswerer{answer: "4"}
	r, _ := setupRouter(ai)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, authed(http.MethodPost, "/api/chat", []byte(`{"prompt":"2+2"}`)))

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, authed(http.MethodGet, "/api/chat/history", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var history chat.History
	if err := json.Unmarshal(resp.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.History) != 2 || history.History[1].Role != chat.RoleAssistant {
		t.Fatalf("unexpected history %+v", history.History)
	}

	// prior turns are passed to the model
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, authed(http.MethodPost, "/api/chat", []byte(`{"prompt":"and 3+3"}`)))
	if len(ai.history) != 2 {
		t.Fatalf("expected 2 prior messages, got %d", len(ai.history))
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, authed(http.MethodPost, "/api/chat/new", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, authed(http.MethodGet, "/api/chat/history", nil))
	if err := json.Unmarshal(resp.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.History) != 0 {
		t.Fatalf("expected empty history after new chat, got %d", len(history.History))
	}
}

func TestStreamFailureAbortsResponse(t *testing.T) {
	ai := &fakeAnswerer{stream: io.MultiReader(
		strings.NewReader("partial "),
		iotest.ErrReader(errors.New("model connection dropped")),
	)}
	chatSvc := chatservice.NewService(nil)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Route("/api/chat", func(api chi.Router) {
		api.Use(middleware.Identity)
		New(chatSvc, ai).RegisterRoutes(api)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/chat/stream", strings.NewReader(`{"prompt":"2+2"}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: middleware.TokenCookie, Value: "student"})

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 before the failure, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected a truncated body, got err %v", err)
	}
	if string(body) != "partial " {
		t.Fatalf("unexpected partial body %q", body)
	}

	history, err := chatSvc.History(context.Background(), middleware.IdentityOf("student"))
	if err != nil {
		t.Fatalf("History err: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("failed turn must not be recorded, got %+v", history)
	}
}
