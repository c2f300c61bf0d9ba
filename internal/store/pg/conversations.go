package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

// ConversationStore implements store.ConversationStore on Postgres.
type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// GetOrCreate resolves the conversation for a tenant+channel+chat target,
// creating it on first contact. Concurrent first contacts are resolved by
// the unique index plus a re-read.
func (s *ConversationStore) GetOrCreate(ctx context.Context, userID, channelType, channelID, chatID string) (*store.Conversation, error) {
	conv, err := s.get(ctx, userID, channelType, channelID, chatID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, channel_type, channel_id, chat_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (user_id, channel_type, channel_id, chat_id) DO NOTHING`,
		uuid.New(), userID, channelType, channelID, chatID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return s.get(ctx, userID, channelType, channelID, chatID)
}

func (s *ConversationStore) get(ctx context.Context, userID, channelType, channelID, chatID string) (*store.Conversation, error) {
	var c store.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, channel_type, channel_id, chat_id, created_at
		 FROM conversations
		 WHERE user_id = $1 AND channel_type = $2 AND channel_id = $3 AND chat_id = $4`,
		userID, channelType, channelID, chatID).Scan(
		&c.ID, &c.UserID, &c.ChannelType, &c.ChannelID, &c.ChatID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *ConversationStore) AppendMessage(ctx context.Context, convID uuid.UUID, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		uuid.New(), convID, role, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}
