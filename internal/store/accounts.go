// Package store defines the persistence interfaces consumed by the
// channel subsystem and the data types they exchange. Implementations
// live in subpackages (pg for managed mode, sqlite for standalone).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get-style lookups when no record matches.
var ErrNotFound = errors.New("store: not found")

// ChannelAccount is one tenant's connection to one external channel.
// The triple (UserID, ChannelType, ChannelID) is unique; Upsert replaces
// credentials and config on collision instead of duplicating.
type ChannelAccount struct {
	ID             uuid.UUID       `json:"id"`
	UserID         string          `json:"user_id"`
	ChannelType    string          `json:"channel_type"`
	ChannelID      string          `json:"channel_id"`
	AccountID      string          `json:"account_id"` // bot/user identity on the platform
	AccessToken    string          `json:"-"`          // encrypted at rest, decrypted by the store
	RefreshToken   string          `json:"-"`
	Scopes         []string        `json:"scopes,omitempty"` // OAuth scopes granted at authorization
	TokenExpiresAt *time.Time      `json:"token_expires_at,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`
	DisplayName    string          `json:"display_name,omitempty"`
	Active         bool            `json:"active"`
	LastSyncAt     *time.Time      `json:"last_sync_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// UpsertFields carries the mutable fields written by Upsert.
type UpsertFields struct {
	AccountID      string
	AccessToken    string
	RefreshToken   string
	Scopes         []string
	TokenExpiresAt *time.Time
	Config         json.RawMessage
	DisplayName    string
	Active         bool
}

// ChannelAccountStore manages persisted channel accounts.
type ChannelAccountStore interface {
	Get(ctx context.Context, userID string, id uuid.UUID) (*ChannelAccount, error)
	GetByTriple(ctx context.Context, userID, channelType, channelID string) (*ChannelAccount, error)
	ListActive(ctx context.Context) ([]ChannelAccount, error)
	ListByUser(ctx context.Context, userID string) ([]ChannelAccount, error)
	Upsert(ctx context.Context, userID, channelType, channelID string, fields UpsertFields) (*ChannelAccount, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// ProviderKey is a tenant's upstream model-provider API credential.
type ProviderKey struct {
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"` // "anthropic", "openai", ...
	APIKey    string    `json:"-"`        // encrypted at rest
	Model     string    `json:"model,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProviderKeyStore manages tenant provider credentials. Used by the
// background service to probe which upstream providers a tenant has
// configured when an account carries no explicit model override.
type ProviderKeyStore interface {
	Get(ctx context.Context, userID, provider string) (*ProviderKey, error)
	ListByUser(ctx context.Context, userID string) ([]ProviderKey, error)
	Put(ctx context.Context, key ProviderKey) error
}

// Conversation groups messages for one tenant+channel+chat target.
type Conversation struct {
	ID          uuid.UUID `json:"id"`
	UserID      string    `json:"user_id"`
	ChannelType string    `json:"channel_type"`
	ChannelID   string    `json:"channel_id"`
	ChatID      string    `json:"chat_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// StoredMessage is one persisted exchange entry.
type StoredMessage struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           string    `json:"role"` // "user" or "assistant"
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationStore resolves conversations and persists exchanged messages.
type ConversationStore interface {
	GetOrCreate(ctx context.Context, userID, channelType, channelID, chatID string) (*Conversation, error)
	AppendMessage(ctx context.Context, convID uuid.UUID, role, content string) error
}
