// Package session owns a conversation's ordered message history and the
// assistant placeholder that is open while an answer streams in.
package session

import (
	"errors"
	"sync"

	"github.com/math12studio/assistant/internal/model/chat"
	"github.com/math12studio/assistant/internal/service/rewrite"
)

var (
	// ErrStaleMessage is returned for updates addressed to a placeholder that
	// is no longer open, e.g. after it was superseded or the session was reset.
	ErrStaleMessage = errors.New("message is not the open placeholder")
	// ErrTurnOpen is returned when a turn is opened while another is still streaming.
	ErrTurnOpen = errors.New("an assistant message is already open")
)

// State is the session's position in the send cycle.
type State int

const (
	Idle State = iota
	Sending
	Streaming
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Store holds one session. At most one assistant message is open at a time.
type Store struct {
	mu       sync.RWMutex
	messages []chat.Message
	openIdx  int
	state    State
	input    string
}

// NewStore returns an empty, idle session.
func NewStore() *Store {
	return &Store{openIdx: -1}
}

// Seed replaces the history, typically with messages loaded at startup.
func (s *Store) Seed(messages []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append([]chat.Message(nil), messages...)
	s.openIdx = -1
	s.state = Idle
}

// Messages returns a copy of the history in causal order.
func (s *Store) Messages() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := make([]chat.Message, len(s.messages))
	copy(copied, s.messages)
	return copied
}

// State returns the current state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetInput stores the text the user is composing.
func (s *Store) SetInput(text string) {
	s.mu.Lock()
	s.input = text
	s.mu.Unlock()
}

// Input returns the pending input.
func (s *Store) Input() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.input
}

// BeginSend moves the session into Sending.
func (s *Store) BeginSend() {
	s.mu.Lock()
	s.state = Sending
	s.mu.Unlock()
}

// AbortSend returns a session that never opened its turn to Idle.
func (s *Store) AbortSend() {
	s.mu.Lock()
	if s.state == Sending {
		s.state = Idle
	}
	s.mu.Unlock()
}

// OpenTurn appends the user message and the empty assistant placeholder in a
// single step, so the placeholder is never visible on its own.
func (s *Store) OpenTurn(user, placeholder chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openIdx >= 0 {
		return ErrTurnOpen
	}

	s.messages = append(s.messages, user, placeholder)
	s.openIdx = len(s.messages) - 1
	s.state = Streaming
	return nil
}

// AppendFragment adds streamed content to the open placeholder.
func (s *Store) AppendFragment(id, raw, rendered string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.openMessage(id)
	if err != nil {
		return err
	}
	msg.Content += raw
	msg.Rendered += rendered
	return nil
}

// Finish freezes the open placeholder and returns it.
func (s *Store) Finish(id string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.openMessage(id)
	if err != nil {
		return chat.Message{}, err
	}
	s.openIdx = -1
	s.state = Idle
	return *msg, nil
}

// Fail replaces the open placeholder's content with text and closes it.
func (s *Store) Fail(id, text string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.openMessage(id)
	if err != nil {
		return chat.Message{}, err
	}
	msg.Content = text
	msg.Rendered = rewrite.Escape(text)
	s.openIdx = -1
	s.state = Idle
	return *msg, nil
}

// FailTurn records a send whose stream never opened: the user message is kept
// and followed by failure.
func (s *Store) FailTurn(user, failure chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failure.Rendered = rewrite.Escape(failure.Content)
	s.messages = append(s.messages, user, failure)
	s.state = Idle
}

// Discard removes the open placeholder, dropping whatever it had received,
// and returns the session to Idle. It reports whether anything was removed.
func (s *Store) Discard(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.openMessage(id); err != nil {
		return false
	}
	s.messages = append(s.messages[:s.openIdx], s.messages[s.openIdx+1:]...)
	s.openIdx = -1
	s.state = Idle
	return true
}

// Reset empties the session.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = nil
	s.openIdx = -1
	s.state = Idle
	s.input = ""
}

// openMessage must be called with mu held.
func (s *Store) openMessage(id string) (*chat.Message, error) {
	if s.openIdx < 0 || s.messages[s.openIdx].ID != id {
		return nil, ErrStaleMessage
	}
	return &s.messages[s.openIdx], nil
}
