package chat

import "time"

// Conversation is the server-side record of an identity's current chat.
// Starting a new chat rotates it; older conversations are kept but no longer served.
type Conversation struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	CreatedAt time.Time `json:"createdAt"`
}
