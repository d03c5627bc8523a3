package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// legacyAssistantRole is what older history payloads use for model replies.
const legacyAssistantRole = "ai"

// UnmarshalJSON accepts the legacy "ai" spelling for assistant messages.
func (r *Role) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case string(RoleUser):
		*r = RoleUser
	case string(RoleAssistant), legacyAssistantRole:
		*r = RoleAssistant
	default:
		return fmt.Errorf("unknown message role %q", raw)
	}
	return nil
}

// Message is a single turn in a conversation.
//
// Content always holds the raw text as typed by the user or produced by the
// model. Rendered is derived from Content exactly once and is never fed back
// into the rewrite pipeline.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Rendered  string    `json:"rendered,omitempty"`
	CreatedAt time.Time `json:"timestamp"`
}

// History is the wire shape of the history endpoint.
type History struct {
	History []Message `json:"history"`
}
