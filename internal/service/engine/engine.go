// Package engine is the session engine: it guards sends with the quota,
// consumes the answer stream, renders it and keeps history in sync.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/math12studio/assistant/internal/model/chat"
	"github.com/math12studio/assistant/internal/service/quota"
	"github.com/math12studio/assistant/internal/service/rewrite"
	"github.com/math12studio/assistant/internal/service/session"
	"github.com/math12studio/assistant/internal/service/stream"
)

// FailureText replaces an answer that could not be obtained.
const FailureText = "An error occurred while processing your request."

var (
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrTransient wraps connection failures, non-2xx statuses and broken streams.
	ErrTransient = errors.New("answering service failed")
	// ErrAborted is returned by a send that was superseded or reset. It is
	// not a user-facing error.
	ErrAborted = errors.New("stream aborted")
	// ErrPersistence wraps history write failures; local state is still updated.
	ErrPersistence = errors.New("history persistence failed")
)

// Deps are the engine's collaborators.
type Deps struct {
	Transport Transport
	Quota     Quota
	// History may be nil for an unpersisted session.
	History session.HistoryStore
}

// Engine drives one session. Sends are serialized: a new send cancels the
// stream of the previous one.
type Engine struct {
	transport Transport
	quota     Quota
	history   *session.HistorySync
	store     *session.Store

	streaming       bool
	fragmentTimeout time.Duration
	now             func() time.Time
	newID           func() string
	logger          *slog.Logger
	observer        Observer

	mu     sync.Mutex
	active *turn

	// histMu serializes history writes in session order. It is taken while
	// holding mu, so a turn finished before a reset is stored before the
	// rotation and a turn finished after it lands in the new conversation.
	histMu sync.Mutex
}

type turn struct {
	ctx     context.Context
	cancel  context.CancelFunc
	aborted atomic.Bool

	// Guarded by Engine.mu.
	placeholderID string
	handle        *stream.Handle
}

// Option configures an Engine.
type Option func(*Engine)

// WithStreaming selects the streaming (default) or whole-answer transport call.
func WithStreaming(enabled bool) Option {
	return func(e *Engine) { e.streaming = enabled }
}

// WithFragmentTimeout bounds the wait for each stream fragment. Expiry fails the turn.
func WithFragmentTimeout(d time.Duration) Option {
	return func(e *Engine) { e.fragmentTimeout = d }
}

// WithClock overrides the time source for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithObserver registers the event observer.
func WithObserver(observer Observer) Option {
	return func(e *Engine) { e.observer = observer }
}

// New builds an engine and hydrates its session from history before
// returning, so no send can precede the load.
func New(ctx context.Context, deps Deps, opts ...Option) (*Engine, error) {
	if deps.Transport == nil {
		return nil, errors.New("engine: transport is required")
	}
	if deps.Quota == nil {
		return nil, errors.New("engine: quota is required")
	}

	e := &Engine{
		transport: deps.Transport,
		quota:     deps.Quota,
		store:     session.NewStore(),
		streaming: true,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.history = session.NewHistorySync(deps.History, e.logger)
	e.store.Seed(e.history.Load(ctx))
	return e, nil
}

// Messages returns the session history.
func (e *Engine) Messages() []chat.Message {
	return e.store.Messages()
}

// State returns the session state.
func (e *Engine) State() session.State {
	return e.store.State()
}

// Quota reports the allowance without consuming it.
func (e *Engine) Quota() quota.State {
	return e.quota.Peek()
}

// SetInput stores the prompt being composed.
func (e *Engine) SetInput(text string) {
	e.store.SetInput(text)
}

// Input returns the prompt being composed.
func (e *Engine) Input() string {
	return e.store.Input()
}

// Send asks the answering service about prompt, or about the pending input
// when prompt is blank, and blocks until the answer is complete.
//
// It returns quota.ErrQuotaExceeded without touching the session when the
// allowance is spent, ErrAborted when a later send or NewChat took over, and
// an error wrapping ErrTransient when the answer could not be obtained; in
// that case the returned message is the failure placeholder.
func (e *Engine) Send(ctx context.Context, prompt string) (chat.Message, error) {
	if strings.TrimSpace(prompt) == "" {
		prompt = e.store.Input()
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return chat.Message{}, ErrEmptyPrompt
	}

	grant, err := e.quota.TryConsume(ctx)
	if err != nil {
		e.logger.Info("send denied", "error", err)
		return chat.Message{}, err
	}
	if grant.Warning != nil {
		e.logger.Warn("quota not persisted", "error", grant.Warning)
	}

	t := e.begin(ctx)
	defer e.end(t)

	req := Request{Prompt: prompt, History: priorTurns(e.store.Messages())}
	e.store.SetInput("")

	user := session.Render(chat.Message{
		ID:        e.newID(),
		Role:      chat.RoleUser,
		Content:   prompt,
		CreatedAt: e.now(),
	})

	body, err := e.open(t.ctx, req)
	if err != nil {
		return e.failUnopened(t, user, err)
	}
	return e.consume(t, user, body)
}

// Regenerate asks for a new answer to the message with the given id.
func (e *Engine) Regenerate(ctx context.Context, messageID string) (chat.Message, error) {
	return e.Send(ctx, "Regenerate response for message "+messageID)
}

// NewChat cancels any answer in flight, empties the session and rotates the
// stored history. The quota is left alone. When the rotation fails the local
// session is still reset and the error wraps ErrPersistence.
func (e *Engine) NewChat(ctx context.Context) error {
	e.mu.Lock()
	discarded := e.supersede()
	e.store.Reset()
	e.histMu.Lock()
	e.mu.Unlock()
	defer e.histMu.Unlock()

	e.emitDiscarded(discarded)
	e.emit(Event{Kind: EventSessionReset})

	if err := e.history.Rotate(ctx); err != nil {
		e.logger.Warn("new chat not persisted", "error", err)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// Close cancels any answer in flight.
func (e *Engine) Close() {
	e.mu.Lock()
	discarded := e.supersede()
	e.mu.Unlock()

	e.emitDiscarded(discarded)
}

func (e *Engine) begin(parent context.Context) *turn {
	ctx, cancel := context.WithCancel(parent)
	t := &turn{ctx: ctx, cancel: cancel}

	e.mu.Lock()
	discarded := e.supersede()
	e.active = t
	e.store.BeginSend()
	e.mu.Unlock()

	e.emitDiscarded(discarded)
	return t
}

func (e *Engine) end(t *turn) {
	t.cancel()

	e.mu.Lock()
	if e.active == t {
		e.active = nil
		e.store.AbortSend()
	}
	e.mu.Unlock()
}

// supersede stops the active turn and drops its placeholder. It returns the
// id of the dropped placeholder, if any, for the caller to announce once
// e.mu is released. e.mu must be held.
func (e *Engine) supersede() string {
	prev := e.active
	if prev == nil {
		return ""
	}
	e.active = nil

	prev.aborted.Store(true)
	prev.cancel()
	if prev.handle != nil {
		prev.handle.Cancel()
	}
	var discarded string
	if prev.placeholderID != "" && e.store.Discard(prev.placeholderID) {
		discarded = prev.placeholderID
	}
	e.store.AbortSend()
	return discarded
}

func (e *Engine) emitDiscarded(id string) {
	if id != "" {
		e.emit(Event{Kind: EventTurnDiscarded, MessageID: id})
	}
}

func (e *Engine) open(ctx context.Context, req Request) (io.ReadCloser, error) {
	if e.streaming {
		return e.transport.Stream(ctx, req)
	}
	text, err := e.transport.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(text)), nil
}

func (e *Engine) failUnopened(t *turn, user chat.Message, cause error) (chat.Message, error) {
	failure := chat.Message{
		ID:        e.newID(),
		Role:      chat.RoleAssistant,
		Content:   FailureText,
		CreatedAt: e.now(),
	}

	e.mu.Lock()
	if e.active != t {
		e.mu.Unlock()
		return chat.Message{}, ErrAborted
	}
	e.store.FailTurn(user, failure)
	e.mu.Unlock()

	failure = session.Render(failure)
	e.logger.Warn("answer request failed", "error", cause)
	e.emit(Event{Kind: EventTurnFailed, User: &user, Message: &failure})
	return failure, fmt.Errorf("%w: %w", ErrTransient, cause)
}

func (e *Engine) consume(t *turn, user chat.Message, body io.ReadCloser) (chat.Message, error) {
	placeholder := chat.Message{
		ID:        e.newID(),
		Role:      chat.RoleAssistant,
		CreatedAt: e.now(),
	}

	e.mu.Lock()
	if e.active != t {
		e.mu.Unlock()
		body.Close()
		return chat.Message{}, ErrAborted
	}
	if err := e.store.OpenTurn(user, placeholder); err != nil {
		e.mu.Unlock()
		body.Close()
		return chat.Message{}, err
	}
	t.placeholderID = placeholder.ID
	t.handle = stream.Open(body)
	e.mu.Unlock()

	e.emit(Event{Kind: EventTurnOpened, User: &user, Message: &placeholder})

	seg := rewrite.NewSegmenter()
	for {
		frag, err := e.next(t)
		if t.aborted.Load() {
			return chat.Message{}, ErrAborted
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return e.fail(t, placeholder.ID, err)
		}

		rendered := seg.Feed(frag)
		if err := e.store.AppendFragment(placeholder.ID, frag, rendered); err != nil {
			t.handle.Cancel()
			return chat.Message{}, ErrAborted
		}
		e.emit(Event{Kind: EventFragment, MessageID: placeholder.ID, Raw: frag, Fragment: rendered})
	}

	if tail := seg.Flush(); tail != "" {
		if err := e.store.AppendFragment(placeholder.ID, "", tail); err != nil {
			return chat.Message{}, ErrAborted
		}
		e.emit(Event{Kind: EventFragment, MessageID: placeholder.ID, Fragment: tail})
	}
	return e.finish(t, user, placeholder.ID)
}

func (e *Engine) next(t *turn) (string, error) {
	if e.fragmentTimeout <= 0 {
		return t.handle.Next(t.ctx)
	}
	ctx, cancel := context.WithTimeout(t.ctx, e.fragmentTimeout)
	defer cancel()
	return t.handle.Next(ctx)
}

func (e *Engine) fail(t *turn, id string, cause error) (chat.Message, error) {
	e.mu.Lock()
	if e.active != t {
		e.mu.Unlock()
		return chat.Message{}, ErrAborted
	}
	msg, err := e.store.Fail(id, FailureText)
	e.mu.Unlock()
	if err != nil {
		return chat.Message{}, ErrAborted
	}

	e.logger.Warn("answer stream failed", "message_id", id, "error", cause)
	e.emit(Event{Kind: EventTurnFailed, Message: &msg})
	return msg, fmt.Errorf("%w: %w", ErrTransient, cause)
}

func (e *Engine) finish(t *turn, user chat.Message, id string) (chat.Message, error) {
	e.mu.Lock()
	if e.active != t {
		e.mu.Unlock()
		return chat.Message{}, ErrAborted
	}
	msg, err := e.store.Finish(id)
	if err != nil {
		e.mu.Unlock()
		return chat.Message{}, ErrAborted
	}
	// The turn is complete; a later send or NewChat must not cancel its write.
	e.active = nil
	e.histMu.Lock()
	e.mu.Unlock()
	defer e.histMu.Unlock()

	e.emit(Event{Kind: EventTurnFinished, Message: &msg})

	if err := e.history.Persist(context.WithoutCancel(t.ctx), user, msg); err != nil {
		e.logger.Warn("turn not persisted", "message_id", id, "error", err)
	}
	return msg, nil
}

func (e *Engine) emit(ev Event) {
	if e.observer != nil {
		e.observer(ev)
	}
}

// priorTurns drops failure placeholders, which are not part of the dialogue.
func priorTurns(messages []chat.Message) []chat.Message {
	turns := messages[:0]
	for _, msg := range messages {
		if msg.Role == chat.RoleAssistant && msg.Content == FailureText {
			continue
		}
		turns = append(turns, msg)
	}
	return turns
}
