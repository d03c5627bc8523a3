// Package quota enforces a rolling request allowance per identity.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/math12studio/assistant/internal/storage"
)

var (
	// ErrQuotaExceeded is returned when no requests remain in the current window.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrPersistence marks a failed write-through. The in-memory state stays authoritative.
	ErrPersistence = errors.New("quota persistence failed")
)

// Policy is the allowance granted per rolling window.
type Policy struct {
	Cap    int
	Window time.Duration
}

// DefaultPolicy allows five requests per rolling 24 hours.
func DefaultPolicy() Policy {
	return Policy{Cap: 5, Window: 24 * time.Hour}
}

func (p Policy) validate() error {
	if p.Cap < 0 {
		return fmt.Errorf("quota cap must not be negative, got %d", p.Cap)
	}
	if p.Window <= 0 {
		return fmt.Errorf("quota window must be positive, got %s", p.Window)
	}
	return nil
}

// State is a snapshot of the ledger.
type State struct {
	Remaining   int           `json:"remaining"`
	WindowStart time.Time     `json:"windowStart"`
	WindowSize  time.Duration `json:"windowSize"`
	WindowCap   int           `json:"windowCap"`
}

// ResetAt is the earliest moment the window resets.
func (s State) ResetAt() time.Time {
	return s.WindowStart.Add(s.WindowSize)
}

func (s State) expired(now time.Time) bool {
	return now.Sub(s.WindowStart) >= s.WindowSize
}

// Grant describes an accepted request.
type Grant struct {
	Remaining int
	ResetAt   time.Time
	// Warning is set when the new state could not be persisted.
	Warning error
}

// record is the persisted form: {"remaining": n, "lastReset": epoch-millis}.
type record struct {
	Remaining int   `json:"remaining"`
	LastReset int64 `json:"lastReset"`
}

// Ledger tracks remaining requests inside a rolling window. The window resets
// lazily on the first call made at or after WindowStart+Window.
//
// A Ledger is safe for concurrent use; writes are serialized so concurrent
// sends cannot lose a decrement.
type Ledger struct {
	mu     sync.Mutex
	store  storage.KV
	key    string
	state  State
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger used for persistence warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// Open loads the ledger stored under key. A missing or unreadable record
// starts a fresh window. store may be nil for a process-local ledger.
func Open(ctx context.Context, store storage.KV, key string, policy Policy, opts ...Option) (*Ledger, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}

	l := &Ledger{
		store:  store,
		key:    key,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	now := l.now()
	l.state = State{
		Remaining:   policy.Cap,
		WindowStart: now,
		WindowSize:  policy.Window,
		WindowCap:   policy.Cap,
	}

	rec, ok := l.load(ctx)
	if !ok {
		return l, nil
	}

	l.state.Remaining = min(max(rec.Remaining, 0), policy.Cap)
	l.state.WindowStart = time.UnixMilli(rec.LastReset)
	if l.state.WindowStart.After(now) {
		l.state.WindowStart = now
	}
	return l, nil
}

func (l *Ledger) load(ctx context.Context) (record, bool) {
	if l.store == nil {
		return record{}, false
	}

	data, err := l.store.Get(ctx, l.key)
	if errors.Is(err, storage.ErrNotFound) {
		return record{}, false
	}
	if err != nil {
		l.logger.Warn("quota record unreadable, starting fresh window", "key", l.key, "error", err)
		return record{}, false
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		l.logger.Warn("quota record corrupt, starting fresh window", "key", l.key, "error", err)
		return record{}, false
	}
	return rec, true
}

// TryConsume takes one request from the allowance. It returns ErrQuotaExceeded
// without changing state when nothing remains.
func (l *Ledger) TryConsume(ctx context.Context) (Grant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	reset := l.state.expired(now)
	if reset {
		l.state.Remaining = l.state.WindowCap
		l.state.WindowStart = now
	}

	if l.state.Remaining == 0 {
		if reset {
			// Only reachable with a zero cap; the reset itself is still recorded.
			l.persist(ctx)
		}
		return Grant{}, ErrQuotaExceeded
	}

	l.state.Remaining--
	grant := Grant{Remaining: l.state.Remaining, ResetAt: l.state.ResetAt()}
	if err := l.persist(ctx); err != nil {
		grant.Warning = err
	}
	return grant, nil
}

// Peek reports the current state, applying a due reset to the returned
// snapshot only. Nothing is written.
func (l *Ledger) Peek() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	view := l.state
	if now := l.now(); view.expired(now) {
		view.Remaining = view.WindowCap
		view.WindowStart = now
	}
	return view
}

func (l *Ledger) persist(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	data, err := json.Marshal(record{
		Remaining: l.state.Remaining,
		LastReset: l.state.WindowStart.UnixMilli(),
	})
	if err == nil {
		err = l.store.Put(ctx, l.key, data)
	}
	if err != nil {
		l.logger.Warn("quota write-through failed", "key", l.key, "error", err)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}
