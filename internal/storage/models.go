package storage

import (
	"time"

	"courseassist/internal/chat"
)

// Conversation is a durable, addressable turn sequence. It exclusively owns
// its messages: deleting a conversation deletes them all.
type Conversation struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Owner     string    `gorm:"column:user_id;size:100;index" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Title     string    `gorm:"size:200" json:"title,omitempty"`

	Messages []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Conversation) TableName() string { return "conversations" }

// Message is one stored turn. Immutable once created.
type Message struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID string    `gorm:"size:36;index;not null" json:"-"`
	Role           string    `gorm:"size:20;not null" json:"role"`
	Content        string    `gorm:"not null" json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Model          string    `gorm:"size:100" json:"model,omitempty"`
	TokensUsed     int       `json:"tokens_used,omitempty"`
}

func (Message) TableName() string { return "messages" }

func (m Message) Turn() chat.Turn {
	return chat.Turn{
		Role:       chat.Role(m.Role),
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
		Model:      m.Model,
		TokensUsed: m.TokensUsed,
	}
}

func messageFromTurn(conversationID string, turn chat.Turn) Message {
	return Message{
		ConversationID: conversationID,
		Role:           string(turn.Role),
		Content:        turn.Content,
		CreatedAt:      turn.CreatedAt,
		Model:          turn.Model,
		TokensUsed:     turn.TokensUsed,
	}
}

func (c Conversation) Meta() chat.Conversation {
	return chat.Conversation{
		ID:        c.ID,
		Owner:     c.Owner,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Title:     c.Title,
	}
}
