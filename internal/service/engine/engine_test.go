package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/math12studio/assistant/internal/model/chat"
	chatservice "github.com/math12studio/assistant/internal/service/chat"
	"github.com/math12studio/assistant/internal/service/quota"
	"github.com/math12studio/assistant/internal/service/rewrite"
	"github.com/math12studio/assistant/internal/service/session"
)

// fakeTransport hands out queued bodies in order.
type fakeTransport struct {
	mu       sync.Mutex
	bodies   []io.ReadCloser
	errs     []error
	answer   string
	requests []Request
}

func (f *fakeTransport) queue(body io.ReadCloser, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies = append(f.bodies, body)
	f.errs = append(f.errs, err)
}

func (f *fakeTransport) Stream(_ context.Context, req Request) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.bodies) == 0 {
		return nil, errors.New("no body queued")
	}
	body, err := f.bodies[0], f.errs[0]
	f.bodies, f.errs = f.bodies[1:], f.errs[1:]
	return body, err
}

func (f *fakeTransport) Complete(_ context.Context, req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.answer, nil
}

func (f *fakeTransport) lastRequest() Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// chunked yields one chunk per Read.
type chunked struct {
	chunks []string
	err    error
}

func (c *chunked) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if c.chunks[0] == "" {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func (c *chunked) Close() error { return nil }

type memoryHistory struct {
	mu       sync.Mutex
	loaded   []chat.Message
	appended []chat.Message
	rotated  int
	failErr  error
}

func (m *memoryHistory) Load(context.Context) ([]chat.Message, error) {
	return m.loaded, nil
}

func (m *memoryHistory) Append(_ context.Context, msgs ...chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.appended = append(m.appended, msgs...)
	return nil
}

func (m *memoryHistory) Rotate(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.rotated++
	return nil
}

func (m *memoryHistory) snapshot() []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Message(nil), m.appended...)
}

type fixture struct {
	engine    *Engine
	transport *fakeTransport
	history   *memoryHistory
	ledger    *quota.Ledger
	events    chan Event
}

func newFixture(t *testing.T, limit int, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	ledger, err := quota.Open(ctx, nil, quota.RecordKey, quota.Policy{Cap: limit, Window: time.Hour})
	require.NoError(t, err)

	f := &fixture{
		transport: &fakeTransport{},
		history:   &memoryHistory{},
		ledger:    ledger,
		events:    make(chan Event, 256),
	}

	var seq int
	var seqMu sync.Mutex
	opts = append([]Option{
		WithObserver(func(ev Event) { f.events <- ev }),
		WithIDGenerator(func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("m%d", seq)
		}),
	}, opts...)

	f.engine, err = New(ctx, Deps{Transport: f.transport, Quota: ledger, History: f.history}, opts...)
	require.NoError(t, err)
	return f
}

// waitFor blocks until an event of kind arrives.
func (f *fixture) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	for {
		select {
		case ev := <-f.events:
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestSendStreamsAnswer(t *testing.T) {
	f := newFixture(t, 5)
	f.transport.queue(&chunked{chunks: []string{"Hello", ", **wor", "ld**"}}, nil)

	msg, err := f.engine.Send(context.Background(), "hi")
	require.NoError(t, err)

	assert.Equal(t, chat.RoleAssistant, msg.Role)
	assert.Equal(t, "Hello, **world**", msg.Content)
	assert.Equal(t, rewrite.Rewrite("Hello, **world**"), msg.Rendered)

	msgs := f.engine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, msg, msgs[1])

	assert.Equal(t, session.Idle, f.engine.State())
	assert.Equal(t, 4, f.engine.Quota().Remaining)
	assert.Len(t, f.history.snapshot(), 2)
}

func TestSendKeepsCausalOrder(t *testing.T) {
	f := newFixture(t, 5)
	for _, answer := range []string{"one", "two", "three"} {
		f.transport.queue(&chunked{chunks: []string{answer}}, nil)
		_, err := f.engine.Send(context.Background(), "q "+answer)
		require.NoError(t, err)
	}

	msgs := f.engine.Messages()
	require.Len(t, msgs, 6)
	for i, msg := range msgs {
		if i%2 == 0 {
			assert.Equal(t, chat.RoleUser, msg.Role)
		} else {
			assert.Equal(t, chat.RoleAssistant, msg.Role)
			assert.Equal(t, strings.TrimPrefix(msgs[i-1].Content, "q "), msg.Content)
		}
	}

	req := f.transport.lastRequest()
	assert.Equal(t, "q three", req.Prompt)
	assert.Len(t, req.History, 4)
}

func TestSendDeniedByQuota(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.engine.Send(context.Background(), "hi")
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)

	assert.Empty(t, f.engine.Messages())
	assert.Equal(t, session.Idle, f.engine.State())
	assert.Empty(t, f.transport.requests)
}

func TestSendEmptyPrompt(t *testing.T) {
	f := newFixture(t, 5)

	_, err := f.engine.Send(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Equal(t, 5, f.engine.Quota().Remaining)
}

func TestSendUsesPendingInput(t *testing.T) {
	f := newFixture(t, 5)
	f.engine.SetInput("draft question")
	f.transport.queue(&chunked{chunks: []string{"ok"}}, nil)

	_, err := f.engine.Send(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "draft question", f.transport.lastRequest().Prompt)
	assert.Empty(t, f.engine.Input())
}

func TestSendOpenFailureSubstitutesMessage(t *testing.T) {
	f := newFixture(t, 5)
	f.transport.queue(nil, errors.New("connection refused"))

	msg, err := f.engine.Send(context.Background(), "hi")
	require.ErrorIs(t, err, ErrTransient)

	assert.Equal(t, FailureText, msg.Content)
	msgs := f.engine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, FailureText, msgs[1].Content)
	assert.Equal(t, session.Idle, f.engine.State())

	ev := f.waitFor(t, EventTurnFailed)
	require.NotNil(t, ev.User)
	assert.Equal(t, "hi", ev.User.Content)
}

func TestSendStreamFailureReplacesPartialAnswer(t *testing.T) {
	f := newFixture(t, 5)
	boom := errors.New("reset by peer")
	f.transport.queue(&chunked{chunks: []string{"partial\n"}, err: boom}, nil)

	msg, err := f.engine.Send(context.Background(), "hi")
	require.ErrorIs(t, err, ErrTransient)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, FailureText, msg.Content)
	msgs := f.engine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, FailureText, msgs[1].Content)
	assert.Empty(t, f.history.snapshot())
}

func TestFailurePlaceholdersAreNotSentAsHistory(t *testing.T) {
	f := newFixture(t, 5)
	f.transport.queue(nil, errors.New("down"))
	_, _ = f.engine.Send(context.Background(), "first")

	f.transport.queue(&chunked{chunks: []string{"ok"}}, nil)
	_, err := f.engine.Send(context.Background(), "second")
	require.NoError(t, err)

	history := f.transport.lastRequest().History
	require.Len(t, history, 1)
	assert.Equal(t, "first", history[0].Content)
}

func TestSecondSendSupersedesFirst(t *testing.T) {
	f := newFixture(t, 5)
	pr, pw := io.Pipe()
	f.transport.queue(pr, nil)

	firstErr := make(chan error, 1)
	go func() {
		_, err := f.engine.Send(context.Background(), "first")
		firstErr <- err
	}()

	f.waitFor(t, EventTurnOpened)
	_, err := pw.Write([]byte("abandoned\n"))
	require.NoError(t, err)
	f.waitFor(t, EventFragment)

	f.transport.queue(&chunked{chunks: []string{"second answer"}}, nil)
	msg, err := f.engine.Send(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, "second answer", msg.Content)

	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("first send did not return")
	}

	msgs := f.engine.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "second answer", msgs[2].Content)
	assert.Equal(t, 3, f.engine.Quota().Remaining)
	assert.Equal(t, session.Idle, f.engine.State())
}

func TestNewChatDuringStream(t *testing.T) {
	f := newFixture(t, 5)
	pr, pw := io.Pipe()
	f.transport.queue(pr, nil)

	sendErr := make(chan error, 1)
	go func() {
		_, err := f.engine.Send(context.Background(), "hi")
		sendErr <- err
	}()

	f.waitFor(t, EventTurnOpened)
	remaining := f.engine.Quota().Remaining

	require.NoError(t, f.engine.NewChat(context.Background()))

	select {
	case err := <-sendErr:
		require.ErrorIs(t, err, ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after new chat")
	}

	_, err := pw.Write([]byte("late"))
	assert.Error(t, err)

	assert.Empty(t, f.engine.Messages())
	assert.Equal(t, session.Idle, f.engine.State())
	assert.Equal(t, remaining, f.engine.Quota().Remaining)
	assert.Equal(t, 1, f.history.rotated)
}

func TestNewChatRotateFailure(t *testing.T) {
	f := newFixture(t, 5)
	f.transport.queue(&chunked{chunks: []string{"ok"}}, nil)
	_, err := f.engine.Send(context.Background(), "hi")
	require.NoError(t, err)

	f.history.failErr = errors.New("disk full")
	err = f.engine.NewChat(context.Background())
	require.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, f.engine.Messages())
}

func TestPersistFailureKeepsAnswer(t *testing.T) {
	f := newFixture(t, 5)
	f.history.failErr = errors.New("disk full")
	f.transport.queue(&chunked{chunks: []string{"ok"}}, nil)

	msg, err := f.engine.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)
	assert.Len(t, f.engine.Messages(), 2)
}

func TestCallerCancellationFailsTurn(t *testing.T) {
	f := newFixture(t, 5)
	pr, _ := io.Pipe()
	f.transport.queue(pr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Send(ctx, "hi")
		done <- err
	}()

	f.waitFor(t, EventTurnOpened)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrTransient)
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after cancel")
	}
	assert.Equal(t, session.Idle, f.engine.State())
	assert.Equal(t, FailureText, f.engine.Messages()[1].Content)
}

func TestFragmentTimeout(t *testing.T) {
	f := newFixture(t, 5, WithFragmentTimeout(20*time.Millisecond))
	pr, _ := io.Pipe()
	f.transport.queue(pr, nil)

	_, err := f.engine.Send(context.Background(), "hi")
	require.ErrorIs(t, err, ErrTransient)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, session.Idle, f.engine.State())
}

func TestNonStreamingSend(t *testing.T) {
	f := newFixture(t, 5, WithStreaming(false))
	f.transport.answer = "$x^2$ is *nice*"

	msg, err := f.engine.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, rewrite.Rewrite("$x^2$ is *nice*"), msg.Rendered)
}

func TestRegenerate(t *testing.T) {
	f := newFixture(t, 5)
	f.transport.queue(&chunked{chunks: []string{"again"}}, nil)

	_, err := f.engine.Regenerate(context.Background(), "m7")
	require.NoError(t, err)
	assert.Equal(t, "Regenerate response for message m7", f.transport.lastRequest().Prompt)
}

func TestNewHydratesFromHistory(t *testing.T) {
	ctx := context.Background()
	history := &memoryHistory{loaded: []chat.Message{
		{ID: "u1", Role: chat.RoleUser, Content: "<b>"},
		{ID: "a1", Role: chat.RoleAssistant, Content: "**bold**"},
	}}
	ledger, err := quota.Open(ctx, nil, quota.RecordKey, quota.DefaultPolicy())
	require.NoError(t, err)

	e, err := New(ctx, Deps{Transport: &fakeTransport{}, Quota: ledger, History: history})
	require.NoError(t, err)

	msgs := e.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "&lt;b&gt;", msgs[0].Rendered)
	assert.Equal(t, "<strong>bold</strong>", msgs[1].Rendered)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(context.Background(), Deps{})
	assert.Error(t, err)
}

// gatedHistory holds the first Append until release is closed.
type gatedHistory struct {
	session.HistoryStore
	entered chan struct{}
	release chan struct{}
	started atomic.Bool

	mu   sync.Mutex
	errs []error
}

func newGatedHistory(inner session.HistoryStore) *gatedHistory {
	return &gatedHistory{HistoryStore: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedHistory) Append(ctx context.Context, msgs ...chat.Message) error {
	if g.started.CompareAndSwap(false, true) {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			g.record(ctx.Err())
			return ctx.Err()
		}
	}
	err := g.HistoryStore.Append(ctx, msgs...)
	g.record(err)
	return err
}

func (g *gatedHistory) record(err error) {
	if err == nil {
		return
	}
	g.mu.Lock()
	g.errs = append(g.errs, err)
	g.mu.Unlock()
}

func (g *gatedHistory) failures() []error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]error(nil), g.errs...)
}

func (g *gatedHistory) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("history write never started")
	}
}

func newEngineWithHistory(t *testing.T, history session.HistoryStore, opts ...Option) (*Engine, *fakeTransport) {
	t.Helper()
	ledger, err := quota.Open(context.Background(), nil, quota.RecordKey, quota.Policy{Cap: 5, Window: time.Hour})
	require.NoError(t, err)

	transport := &fakeTransport{}
	eng, err := New(context.Background(), Deps{Transport: transport, Quota: ledger, History: history}, opts...)
	require.NoError(t, err)
	return eng, transport
}

func receive(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return")
		return nil
	}
}

func TestNewChatWaitsForPendingTurnWrite(t *testing.T) {
	ctx := context.Background()
	svc := chatservice.NewService(nil)
	history := newGatedHistory(svc.ForIdentity("student"))
	eng, transport := newEngineWithHistory(t, history)
	transport.queue(&chunked{chunks: []string{"old answer"}}, nil)

	sent := make(chan error, 1)
	go func() {
		_, err := eng.Send(ctx, "old question")
		sent <- err
	}()
	history.waitEntered(t)

	reset := make(chan error, 1)
	go func() { reset <- eng.NewChat(ctx) }()
	require.Eventually(t, func() bool { return len(eng.Messages()) == 0 }, 2*time.Second, 5*time.Millisecond)

	close(history.release)
	require.NoError(t, receive(t, sent))
	require.NoError(t, receive(t, reset))

	stored, err := svc.History(ctx, "student")
	require.NoError(t, err)
	assert.Empty(t, stored, "the new conversation must start empty")
	assert.Empty(t, eng.Messages())
	assert.Empty(t, history.failures())
}

func TestLaterSendDoesNotCancelFinishedTurnWrite(t *testing.T) {
	ctx := context.Background()
	inner := &memoryHistory{}
	history := newGatedHistory(inner)
	eng, transport := newEngineWithHistory(t, history)
	transport.queue(&chunked{chunks: []string{"first answer"}}, nil)
	transport.queue(&chunked{chunks: []string{"second answer"}}, nil)

	first := make(chan error, 1)
	go func() {
		_, err := eng.Send(ctx, "first")
		first <- err
	}()
	history.waitEntered(t)

	second := make(chan error, 1)
	go func() {
		_, err := eng.Send(ctx, "second")
		second <- err
	}()
	// the second turn is open before the first write completes
	require.Eventually(t, func() bool { return len(eng.Messages()) == 4 }, 2*time.Second, 5*time.Millisecond)

	close(history.release)
	require.NoError(t, receive(t, first))
	require.NoError(t, receive(t, second))

	assert.Empty(t, history.failures())
	stored := inner.snapshot()
	require.Len(t, stored, 4)
	assert.Equal(t, "first", stored[0].Content)
	assert.Equal(t, "first answer", stored[1].Content)
	assert.Equal(t, "second", stored[2].Content)
	assert.Equal(t, "second answer", stored[3].Content)
}

func TestDiscardEventIsEmittedOutsideEngineLock(t *testing.T) {
	ctx := context.Background()
	discarded := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	observer := func(ev Event) {
		if ev.Kind == EventTurnDiscarded {
			once.Do(func() { close(discarded) })
			<-unblock
		}
	}

	eng, transport := newEngineWithHistory(t, &memoryHistory{}, WithObserver(observer))
	pr, pw := io.Pipe()
	defer pw.Close()
	transport.queue(pr, nil)

	sent := make(chan error, 1)
	go func() {
		_, err := eng.Send(ctx, "hi")
		sent <- err
	}()
	require.Eventually(t, func() bool { return eng.State() == session.Streaming }, 2*time.Second, 5*time.Millisecond)

	reset := make(chan error, 1)
	go func() { reset <- eng.NewChat(ctx) }()
	select {
	case <-discarded:
	case <-time.After(2 * time.Second):
		t.Fatal("placeholder was not discarded")
	}

	// the observer is still blocked; the engine must stay usable
	closed := make(chan error, 1)
	go func() {
		eng.Close()
		closed <- nil
	}()
	require.NoError(t, receive(t, closed))

	close(unblock)
	require.ErrorIs(t, receive(t, sent), ErrAborted)
	require.NoError(t, receive(t, reset))
}
