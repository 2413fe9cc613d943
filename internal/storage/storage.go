// Package storage is the persistent conversation store, backed by sqlite or
// postgres through gorm. It implements both sides of the chat contract: the
// ContextStore turn window and the conversation records around it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"courseassist/internal/chat"
	"courseassist/internal/config"
)

var ErrNotFound = errors.New("conversation not found")

// titleLimit bounds the auto-generated conversation title, taken from the
// first user turn.
const titleLimit = 100

type Store struct {
	db     *gorm.DB
	window int
	logger *slog.Logger
}

// Open connects to the configured backend and migrates the schema.
func Open(cfg config.StorageConfig, window int, logger *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Mode {
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLitePath)
	case "postgres":
		dialector = postgres.Open(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported storage mode %q", cfg.Mode)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Mode, err)
	}
	return New(db, window, logger)
}

// New wraps an existing gorm handle. Tests use it with in-memory sqlite.
func New(db *gorm.DB, window int, logger *slog.Logger) (*Store, error) {
	if err := db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, window: window, logger: logger}, nil
}

// GetOrCreate returns the conversation for id, or a fresh one when the id
// is empty or unknown.
func (s *Store) GetOrCreate(ctx context.Context, id, owner string) (chat.Conversation, error) {
	if id != "" {
		var conv Conversation
		err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error
		if err == nil {
			return conv.Meta(), nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.Conversation{}, fmt.Errorf("load conversation: %w", err)
		}
	}

	conv := Conversation{ID: uuid.NewString(), Owner: owner}
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return chat.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	if s.logger != nil {
		s.logger.Info("created new conversation", slog.String("conversation_id", conv.ID))
	}
	return conv.Meta(), nil
}

// LoadContext returns the most recent window of turns, reversed to
// oldest-first before anything downstream sees it.
func (s *Store) LoadContext(ctx context.Context, key string) ([]chat.Turn, error) {
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", key).
		Order("created_at DESC").Order("id DESC").
		Limit(s.window).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}

	turns := make([]chat.Turn, len(messages))
	for i, m := range messages {
		turns[len(messages)-1-i] = m.Turn()
	}
	return turns, nil
}

// StageUserTurn durably appends the user turn before the upstream call, and
// bumps the conversation's updated_at with it.
func (s *Store) StageUserTurn(ctx context.Context, key string, turn chat.Turn) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg := messageFromTurn(key, turn)
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("append user turn: %w", err)
		}
		return s.touch(tx, key, nil)
	})
}

// SaveExchange appends the assistant turn and commits the conversation
// metadata bump with it: updated_at always, and the title once, from the
// first user turn, when the conversation reaches exactly two messages.
func (s *Store) SaveExchange(ctx context.Context, key string, history []chat.Turn, user, assistant chat.Turn) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg := messageFromTurn(key, assistant)
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("append assistant turn: %w", err)
		}

		var count int64
		if err := tx.Model(&Message{}).Where("conversation_id = ?", key).Count(&count).Error; err != nil {
			return fmt.Errorf("count messages: %w", err)
		}

		var title *string
		if count == 2 {
			var conv Conversation
			if err := tx.First(&conv, "id = ?", key).Error; err != nil {
				return fmt.Errorf("load conversation: %w", err)
			}
			if conv.Title == "" {
				t := truncateTitle(user.Content)
				title = &t
			}
		}
		return s.touch(tx, key, title)
	})
}

func (s *Store) touch(tx *gorm.DB, key string, title *string) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if title != nil {
		updates["title"] = *title
	}
	if err := tx.Model(&Conversation{}).Where("id = ?", key).Updates(updates).Error; err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// Clear implements the ContextStore side of deletion.
func (s *Store) Clear(ctx context.Context, key string) error {
	return s.Delete(ctx, key)
}

// Delete removes a conversation and all of its messages.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Conversation{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("delete conversation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&Message{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		return nil
	})
}

// Get returns one conversation with its full message history, oldest-first.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, []Message, error) {
	var conv Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("load conversation: %w", err)
	}

	var messages []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", id).
		Order("created_at ASC").Order("id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	return &conv, messages, nil
}

// ConversationSummary is one row of a conversation listing.
type ConversationSummary struct {
	Conversation
	MessageCount int64 `json:"message_count"`
}

// List returns a page of the owner's conversations, most recently updated
// first, plus the owner's total.
func (s *Store) List(ctx context.Context, owner string, limit, offset int) ([]ConversationSummary, int64, error) {
	var conversations []Conversation
	err := s.db.WithContext(ctx).
		Where("user_id = ?", owner).
		Order("updated_at DESC").
		Limit(limit).Offset(offset).
		Find(&conversations).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}

	summaries := make([]ConversationSummary, 0, len(conversations))
	for _, conv := range conversations {
		var count int64
		if err := s.db.WithContext(ctx).Model(&Message{}).Where("conversation_id = ?", conv.ID).Count(&count).Error; err != nil {
			return nil, 0, fmt.Errorf("count messages: %w", err)
		}
		summaries = append(summaries, ConversationSummary{Conversation: conv, MessageCount: count})
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&Conversation{}).Where("user_id = ?", owner).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}
	return summaries, total, nil
}

// MessageCount implements the ConversationManager count used in chat
// responses.
func (s *Store) MessageCount(ctx context.Context, id string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Message{}).Where("conversation_id = ?", id).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return int(count), nil
}

// PurgeOlderThan deletes every conversation idle past the retention
// horizon, with its messages, and reports how many were removed.
func (s *Store) PurgeOlderThan(ctx context.Context, horizon time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-horizon)

	var purged int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&Conversation{}).Where("updated_at < ?", cutoff).Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("find stale conversations: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("conversation_id IN ?", ids).Delete(&Message{}).Error; err != nil {
			return fmt.Errorf("purge messages: %w", err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&Conversation{}).Error; err != nil {
			return fmt.Errorf("purge conversations: %w", err)
		}
		purged = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 && s.logger != nil {
		s.logger.Info("cleaned up old conversations", slog.Int("count", purged))
	}
	return purged, nil
}

// Totals reports store-wide counts for the health probe.
func (s *Store) Totals(ctx context.Context) (conversations, messages int64, err error) {
	if err = s.db.WithContext(ctx).Model(&Conversation{}).Count(&conversations).Error; err != nil {
		return 0, 0, fmt.Errorf("count conversations: %w", err)
	}
	if err = s.db.WithContext(ctx).Model(&Message{}).Count(&messages).Error; err != nil {
		return 0, 0, fmt.Errorf("count messages: %w", err)
	}
	return conversations, messages, nil
}

// OwnerStats reports per-owner usage counts.
func (s *Store) OwnerStats(ctx context.Context, owner string) (conversations, messages int64, err error) {
	if err = s.db.WithContext(ctx).Model(&Conversation{}).Where("user_id = ?", owner).Count(&conversations).Error; err != nil {
		return 0, 0, fmt.Errorf("count conversations: %w", err)
	}
	err = s.db.WithContext(ctx).Model(&Message{}).
		Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Where("conversations.user_id = ?", owner).
		Count(&messages).Error
	if err != nil {
		return 0, 0, fmt.Errorf("count messages: %w", err)
	}
	return conversations, messages, nil
}

// Ping verifies storage reachability for the health probe.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func truncateTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleLimit {
		return content
	}
	return string(runes[:titleLimit])
}
