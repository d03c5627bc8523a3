// Package client talks to the assistant server on behalf of a local session
// engine. It implements both engine.Transport and session.HistoryStore.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/math12studio/assistant/internal/model/chat"
	"github.com/math12studio/assistant/internal/service/engine"
)

// TokenCookie carries the session token that identifies the caller.
const TokenCookie = "token"

// ErrUnauthorized is returned for 401 and 403 responses.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx response other than an authorization failure.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the session token sent as the "token" cookie.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds non-streaming requests. Streams are bounded by the
// caller's context only.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    2 * time.Minute,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

type textResponse struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Stream implements engine.Transport. The server keeps the conversation, so
// only the prompt is sent.
func (c *Client) Stream(ctx context.Context, req engine.Request) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/chat/stream", promptRequest{Prompt: req.Prompt})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Complete implements engine.Transport.
func (c *Client) Complete(ctx context.Context, req engine.Request) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, "/api/chat", promptRequest{Prompt: req.Prompt})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out textResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode answer: %w", err)
	}
	return out.Text, nil
}

// Load implements session.HistoryStore.
func (c *Client) Load(ctx context.Context) ([]chat.Message, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/api/chat/history", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chat.History
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return out.History, nil
}

// Append implements session.HistoryStore. The server records every turn it
// answers, so there is nothing to send.
func (c *Client) Append(context.Context, ...chat.Message) error {
	return nil
}

// Rotate implements session.HistoryStore by starting a new chat on the server.
func (c *Client) Rotate(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, "/api/chat/new", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// do sends the request and turns non-2xx responses into errors. On success
// the caller owns resp.Body.
func (c *Client) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.AddCookie(&http.Cookie{Name: TokenCookie, Value: c.token})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthorized
	}

	statusErr := &StatusError{StatusCode: resp.StatusCode}
	var payloadErr errorResponse
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
		if json.Unmarshal(data, &payloadErr) == nil && payloadErr.Error != "" {
			statusErr.Message = payloadErr.Error
		} else {
			statusErr.Message = strings.TrimSpace(string(data))
		}
	}
	return nil, statusErr
}
