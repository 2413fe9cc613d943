package chat

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation. Immutable once created; ordering
// is by creation time.
type Turn struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	Model      string    `json:"model,omitempty"`
	TokensUsed int       `json:"tokens_used,omitempty"`
}

// Conversation is the persistent-mode metadata for a stored turn sequence.
type Conversation struct {
	ID        string    `json:"id"`
	Owner     string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Title     string    `json:"title,omitempty"`
}

// Usage mirrors the upstream token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of a blocking upstream call.
type Completion struct {
	Content string
	Model   string
	Usage   Usage
}

// StreamEvent is one element of a streaming upstream response. Exactly one
// of Data, Done or Err is meaningful. Data fragments are re-emitted to the
// caller verbatim.
type StreamEvent struct {
	Data []byte
	Done bool
	Err  error
}
