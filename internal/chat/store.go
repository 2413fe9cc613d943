package chat

import (
	"context"
	"time"
)

// ContextStore is the conversation-state abstraction shared by both delivery
// modes. The persistent implementation is backed by the relational store;
// the ephemeral one by session-scoped memory. Turn lists are always
// oldest-first on both sides of the boundary.
type ContextStore interface {
	// LoadContext returns the prior turns for a conversation key, bounded
	// by the store's own memory window, oldest-first. A missing key yields
	// an empty list, not an error.
	LoadContext(ctx context.Context, key string) ([]Turn, error)

	// StageUserTurn durably records the user turn before the upstream call
	// is made, so a crash mid-call cannot lose the user's input. The
	// ephemeral store has nothing durable to protect and treats this as a
	// no-op.
	StageUserTurn(ctx context.Context, key string, turn Turn) error

	// SaveExchange commits the outcome of a successful exchange: the
	// assistant turn (persistent mode, together with the conversation
	// metadata bump), or the full replacement turn list (ephemeral mode).
	SaveExchange(ctx context.Context, key string, history []Turn, user, assistant Turn) error

	// Clear drops all state for the key.
	Clear(ctx context.Context, key string) error
}

// ConversationManager is the persistent-mode surface beyond raw context:
// conversation records addressable across sessions. Nil in ephemeral mode.
type ConversationManager interface {
	GetOrCreate(ctx context.Context, id, owner string) (Conversation, error)
	MessageCount(ctx context.Context, id string) (int, error)
	PurgeOlderThan(ctx context.Context, horizon time.Duration) (int, error)
}
