package engine

import "github.com/math12studio/assistant/internal/model/chat"

// EventKind names a change to the session.
type EventKind string

const (
	// EventTurnOpened carries the user message and the empty placeholder.
	EventTurnOpened EventKind = "turn_opened"
	// EventFragment carries raw text received and rendered text appended to
	// the placeholder. Rendering lags the raw text until a line is complete.
	EventFragment EventKind = "fragment"
	// EventTurnFinished carries the frozen assistant message.
	EventTurnFinished EventKind = "turn_finished"
	// EventTurnFailed carries the failure message, and the user message when
	// the turn never opened.
	EventTurnFailed EventKind = "turn_failed"
	// EventTurnDiscarded names a placeholder removed by a newer send.
	EventTurnDiscarded EventKind = "turn_discarded"
	// EventSessionReset follows a new chat.
	EventSessionReset EventKind = "session_reset"
)

// Event is delivered to the observer synchronously, in order, from the
// goroutine that caused it.
type Event struct {
	Kind      EventKind     `json:"type"`
	MessageID string        `json:"messageId,omitempty"`
	Raw       string        `json:"raw,omitempty"`
	Fragment  string        `json:"fragment,omitempty"`
	User      *chat.Message `json:"user,omitempty"`
	Message   *chat.Message `json:"message,omitempty"`
}

// Observer receives session events. It must not call back into the engine.
type Observer func(Event)
