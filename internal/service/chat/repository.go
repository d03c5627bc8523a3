package chat

import (
	"context"
	"sync"

	"github.com/math12studio/assistant/internal/model/chat"
	"github.com/math12studio/assistant/internal/storage"
)

// Repository persists conversations and their messages. *storage.SQLite
// implements it.
type Repository interface {
	// CurrentConversation returns storage.ErrNotFound when identity has none.
	CurrentConversation(ctx context.Context, identity string) (chat.Conversation, error)
	CreateConversation(ctx context.Context, conv chat.Conversation) error
	// AppendMessages stores all messages or none of them.
	AppendMessages(ctx context.Context, conversationID string, messages ...chat.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
}

// MemoryRepository keeps conversations in process memory.
type MemoryRepository struct {
	mu            sync.RWMutex
	current       map[string]string
	conversations map[string]chat.Conversation
	messages      map[string][]chat.Message
}

// NewMemoryRepository returns an empty repository suitable for development and tests.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		current:       make(map[string]string),
		conversations: make(map[string]chat.Conversation),
		messages:      make(map[string][]chat.Message),
	}
}

func (r *MemoryRepository) CurrentConversation(_ context.Context, identity string) (chat.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.current[identity]
	if !ok {
		return chat.Conversation{}, storage.ErrNotFound
	}
	return r.conversations[id], nil
}

func (r *MemoryRepository) CreateConversation(_ context.Context, conv chat.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conversations[conv.ID] = conv
	r.messages[conv.ID] = make([]chat.Message, 0, 16)
	r.current[conv.Identity] = conv.ID
	return nil
}

func (r *MemoryRepository) AppendMessages(_ context.Context, conversationID string, messages ...chat.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conversations[conversationID]; !ok {
		return ErrConversationNotFound
	}
	r.messages[conversationID] = append(r.messages[conversationID], messages...)
	return nil
}

func (r *MemoryRepository) ListMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	messages, ok := r.messages[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}
