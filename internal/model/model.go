package model

import "time"

// Conversation stores metadata about one chat session. The persisted copy is
// owned by the repository; services hold a transient read-mostly snapshot for
// the duration of a single turn.
type Conversation struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Kind         string    `json:"kind"` // "private" or "group"
	Mode         string    `json:"mode"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
}

// Conversation kinds. Group conversations get tighter rate ceilings and a
// larger flush-growth threshold than private ones.
const (
	KindPrivate = "private"
	KindGroup   = "group"
)

// Turn is one user message and its completed bot answer, with the token cost
// of producing it. Immutable once persisted.
type Turn struct {
	ID         string    `json:"id"`
	UserText   string    `json:"user_text"`
	BotText    string    `json:"bot_text"`
	Timestamp  time.Time `json:"timestamp"`
	TokensUsed int       `json:"tokens_used"`
}

// User holds the token balance consumed by completions.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Balance   int       `json:"balance"`
	FirstSeen time.Time `json:"first_seen"`
}

// PromptMessage is one role-tagged segment of a completion request.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt roles as the completion service expects them.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
