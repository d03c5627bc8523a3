package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/math12studio/assistant/internal/model/chat"
	"github.com/math12studio/assistant/internal/service/engine"
	"github.com/math12studio/assistant/internal/service/session"
)

var (
	_ engine.Transport     = (*Client)(nil)
	_ session.HistoryStore = (*Client)(nil)
)

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, WithToken("secret"))
}

func TestStreamSendsPromptAndCookie(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat/stream" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		cookie, err := r.Cookie(TokenCookie)
		if err != nil || cookie.Value != "secret" {
			t.Errorf("missing token cookie: %v", err)
		}
		var body promptRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Prompt != "2+2" {
			t.Errorf("unexpected body %+v, %v", body, err)
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "four")
	})

	body, err := c.Stream(context.Background(), engine.Request{Prompt: "2+2"})
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}
	defer body.Close()

	data, _ := io.ReadAll(body)
	if string(data) != "four" {
		t.Fatalf("unexpected body %q", data)
	}
}

func TestCompleteDecodesText(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(textResponse{Text: "4"})
	})

	text, err := c.Complete(context.Background(), engine.Request{Prompt: "2+2"})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if text != "4" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestLoadHistory(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/chat/history" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		io.WriteString(w, `{"history":[{"id":"1","role":"user","content":"hi","timestamp":"2024-05-01T10:00:00Z"},{"id":"2","role":"ai","content":"hello","timestamp":"2024-05-01T10:00:01Z"}]}`)
	})

	msgs, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Role != chat.RoleAssistant {
		t.Fatalf("unexpected history %+v", msgs)
	}
}

func TestRotate(t *testing.T) {
	called := false
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/chat/new" {
			called = true
		}
		io.WriteString(w, `{"status":"ok"}`)
	})

	if err := c.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate returned error: %v", err)
	}
	if !called {
		t.Fatal("new chat endpoint was not called")
	}
}

func TestUnauthorized(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		if _, err := c.Load(context.Background()); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("status %d: expected ErrUnauthorized, got %v", status, err)
		}
	}
}

func TestStatusErrorCarriesMessage(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":"Internal server error"}`)
	})

	_, err := c.Stream(context.Background(), engine.Request{Prompt: "q"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError || statusErr.Message != "Internal server error" {
		t.Fatalf("unexpected status error %+v", statusErr)
	}
}

func TestConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url)
	if _, err := c.Stream(context.Background(), engine.Request{Prompt: "q"}); err == nil {
		t.Fatal("expected connection error")
	}
}
