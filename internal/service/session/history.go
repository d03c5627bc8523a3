package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/math12studio/assistant/internal/model/chat"
	"github.com/math12studio/assistant/internal/service/rewrite"
)

// HistoryStore is the persistence collaborator behind HistorySync.
type HistoryStore interface {
	// Load returns the current conversation in order.
	Load(ctx context.Context) ([]chat.Message, error)
	// Append records finished messages.
	Append(ctx context.Context, messages ...chat.Message) error
	// Rotate starts a new, empty conversation.
	Rotate(ctx context.Context) error
}

// HistorySync loads history at startup and writes finished turns through to
// the HistoryStore.
type HistorySync struct {
	store  HistoryStore
	logger *slog.Logger
}

// NewHistorySync wraps store. A nil store makes every operation a no-op.
func NewHistorySync(store HistoryStore, logger *slog.Logger) *HistorySync {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistorySync{store: store, logger: logger}
}

// Load fetches prior messages and renders them. Failures are logged and yield
// an empty history so the session can still start.
func (h *HistorySync) Load(ctx context.Context) []chat.Message {
	if h.store == nil {
		return nil
	}

	messages, err := h.store.Load(ctx)
	if err != nil {
		h.logger.Warn("history load failed, starting empty session", "error", err)
		return nil
	}

	rendered := make([]chat.Message, 0, len(messages))
	for _, msg := range messages {
		rendered = append(rendered, Render(msg))
	}
	return rendered
}

// Persist writes finished messages through.
func (h *HistorySync) Persist(ctx context.Context, messages ...chat.Message) error {
	if h.store == nil || len(messages) == 0 {
		return nil
	}
	if err := h.store.Append(ctx, messages...); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}
	return nil
}

// Rotate starts a new conversation in the store.
func (h *HistorySync) Rotate(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	if err := h.store.Rotate(ctx); err != nil {
		return fmt.Errorf("rotate history: %w", err)
	}
	return nil
}

// Render derives msg.Rendered from msg.Content. Assistant messages go through
// the full rewrite; user messages are shown as plain text.
func Render(msg chat.Message) chat.Message {
	if msg.Role == chat.RoleAssistant {
		msg.Rendered = rewrite.Rewrite(msg.Content)
	} else {
		msg.Rendered = rewrite.Escape(msg.Content)
	}
	return msg
}
