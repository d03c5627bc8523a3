package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/math12studio/assistant/internal/model/chat"
	"github.com/math12studio/assistant/internal/storage"
)

var (
	ErrIdentityRequired     = errors.New("identity is required")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Service keeps each identity's current conversation.
type Service struct {
	repo Repository
	// mu serializes lazy creation of a current conversation.
	mu  sync.Mutex
	now func() time.Time
}

// NewService wraps repo. A nil repo falls back to an in-memory repository.
func NewService(repo Repository) *Service {
	if repo == nil {
		repo = NewMemoryRepository()
	}
	return &Service{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// CurrentConversation returns identity's current conversation, creating the
// first one on demand.
func (s *Service) CurrentConversation(ctx context.Context, identity string) (chat.Conversation, error) {
	if identity == "" {
		return chat.Conversation{}, ErrIdentityRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.repo.CurrentConversation(ctx, identity)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return chat.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	return s.create(ctx, identity)
}

// NewConversation rotates identity onto a fresh, empty conversation.
func (s *Service) NewConversation(ctx context.Context, identity string) (chat.Conversation, error) {
	if identity == "" {
		return chat.Conversation{}, ErrIdentityRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(ctx, identity)
}

// create must be called with mu held.
func (s *Service) create(ctx context.Context, identity string) (chat.Conversation, error) {
	conv := chat.Conversation{
		ID:        uuid.NewString(),
		Identity:  identity,
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return chat.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// History returns the messages of identity's current conversation.
func (s *Service) History(ctx context.Context, identity string) ([]chat.Message, error) {
	conv, err := s.CurrentConversation(ctx, identity)
	if err != nil {
		return nil, err
	}

	messages, err := s.repo.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	return messages, nil
}

// SaveMessages appends messages to identity's current conversation. Missing
// ids and timestamps are filled in.
func (s *Service) SaveMessages(ctx context.Context, identity string, messages ...chat.Message) error {
	conv, err := s.CurrentConversation(ctx, identity)
	if err != nil {
		return err
	}

	batch := make([]chat.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = s.now()
		}
		msg.Rendered = ""
		batch = append(batch, msg)
	}

	if err := s.repo.AppendMessages(ctx, conv.ID, batch...); err != nil {
		return fmt.Errorf("append messages: %w", err)
	}
	return nil
}

// ForIdentity binds the service to one identity so it can back a session's
// history.
func (s *Service) ForIdentity(identity string) *IdentityHistory {
	return &IdentityHistory{svc: s, identity: identity}
}

// IdentityHistory is one identity's view of the Service.
type IdentityHistory struct {
	svc      *Service
	identity string
}

func (h *IdentityHistory) Load(ctx context.Context) ([]chat.Message, error) {
	return h.svc.History(ctx, h.identity)
}

func (h *IdentityHistory) Append(ctx context.Context, messages ...chat.Message) error {
	return h.svc.SaveMessages(ctx, h.identity, messages...)
}

func (h *IdentityHistory) Rotate(ctx context.Context) error {
	_, err := h.svc.NewConversation(ctx, h.identity)
	return err
}
