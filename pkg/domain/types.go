package domain

import "time"

type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// Valid reports whether the role can be stored in a conversation.
func (r ChatRole) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// User is the public projection of an account. PasswordHash is only filled
// by lookups that need it for login.
type User struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Email        string        `json:"email"`
	PasswordHash string        `json:"-"`
	Chats        []ChatMessage `json:"chats,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// ChatMessage is one entry of a user's conversation. Order of insertion is
// the prompt history replayed upstream.
type ChatMessage struct {
	Role      ChatRole       `json:"role"`
	Content   string         `json:"content"`
	Memory    map[string]any `json:"memory,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Turn is what the completion provider sees: role and content only.
type Turn struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// Reply is the assistant answer produced for a completed turn.
type Reply struct {
	Role    ChatRole       `json:"role"`
	Content string         `json:"content"`
	Memory  map[string]any `json:"memory,omitempty"`
}

// TurnsFromMessages strips storage metadata for the upstream payload.
func TurnsFromMessages(messages []ChatMessage) []Turn {
	out := make([]Turn, 0, len(messages))
	for _, msg := range messages {
		out = append(out, Turn{Role: msg.Role, Content: msg.Content})
	}
	return out
}
