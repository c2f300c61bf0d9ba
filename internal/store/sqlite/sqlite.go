// Package sqlite implements the store interfaces on a local SQLite file
// for standalone (single-operator) deployments. Managed multi-tenant
// deployments use the pg package instead.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/crypto"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS channel_accounts (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    channel_type  TEXT NOT NULL,
    channel_id    TEXT NOT NULL,
    account_id    TEXT NOT NULL DEFAULT '',
    access_token  TEXT,
    refresh_token TEXT,
    scopes        TEXT NOT NULL DEFAULT '',
    token_expires_at TEXT,
    config        TEXT NOT NULL DEFAULT '{}',
    display_name  TEXT NOT NULL DEFAULT '',
    active        INTEGER NOT NULL DEFAULT 1,
    last_sync_at  TEXT,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL,
    UNIQUE (user_id, channel_type, channel_id)
);
CREATE TABLE IF NOT EXISTS provider_keys (
    user_id    TEXT NOT NULL,
    provider   TEXT NOT NULL,
    api_key    TEXT,
    model      TEXT,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (user_id, provider)
);
CREATE TABLE IF NOT EXISTS conversations (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    channel_type TEXT NOT NULL,
    channel_id   TEXT NOT NULL,
    chat_id      TEXT NOT NULL,
    created_at   TEXT NOT NULL,
    UNIQUE (user_id, channel_type, channel_id, chat_id)
);
CREATE TABLE IF NOT EXISTS messages (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    created_at      TEXT NOT NULL
);
`

// Store bundles SQLite-backed implementations of every store interface.
type Store struct {
	db     *sql.DB
	encKey string
}

// Open opens (creating if needed) the standalone database at path.
func Open(path, encryptionKey string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is not safe for concurrent writers on one connection pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &Store{db: db, encKey: encryptionKey}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// --- ChannelAccountStore ---

func (s *Store) Get(ctx context.Context, userID string, id uuid.UUID) (*store.ChannelAccount, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		accountSelect+` WHERE user_id = ? AND id = ?`, userID, id.String()))
}

func (s *Store) GetByTriple(ctx context.Context, userID, channelType, channelID string) (*store.ChannelAccount, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		accountSelect+` WHERE user_id = ? AND channel_type = ? AND channel_id = ?`,
		userID, channelType, channelID))
}

func (s *Store) ListActive(ctx context.Context) ([]store.ChannelAccount, error) {
	return s.queryAccounts(ctx, accountSelect+` WHERE active = 1 ORDER BY user_id, created_at`)
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]store.ChannelAccount, error) {
	return s.queryAccounts(ctx, accountSelect+` WHERE user_id = ? ORDER BY created_at`, userID)
}

func (s *Store) Upsert(ctx context.Context, userID, channelType, channelID string, fields store.UpsertFields) (*store.ChannelAccount, error) {
	accessEnc, err := crypto.Encrypt(fields.AccessToken, s.encKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc, err := crypto.Encrypt(fields.RefreshToken, s.encKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	cfg := fields.Config
	if len(cfg) == 0 {
		cfg = []byte("{}")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channel_accounts
		   (id, user_id, channel_type, channel_id, account_id, access_token,
		    refresh_token, scopes, token_expires_at, config, display_name,
		    active, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (user_id, channel_type, channel_id) DO UPDATE SET
		   account_id = excluded.account_id,
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   scopes = excluded.scopes,
		   token_expires_at = excluded.token_expires_at,
		   config = excluded.config,
		   display_name = excluded.display_name,
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		uuid.New().String(), userID, channelType, channelID, fields.AccountID,
		accessEnc, refreshEnc, strings.Join(fields.Scopes, " "),
		formatNullTime(fields.TokenExpiresAt), string(cfg),
		fields.DisplayName, fields.Active, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert channel account: %w", err)
	}
	return s.GetByTriple(ctx, userID, channelType, channelID)
}

func (s *Store) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channel_accounts SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC().Format(time.RFC3339), id.String())
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channel_accounts WHERE id = ?`, id.String())
	return err
}

const accountSelect = `SELECT id, user_id, channel_type, channel_id, account_id,
	access_token, refresh_token, scopes, token_expires_at, config,
	display_name, active, last_sync_at, created_at, updated_at
	FROM channel_accounts`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAccount(row rowScanner) (*store.ChannelAccount, error) {
	var a store.ChannelAccount
	var id, scopes, config, createdAt, updatedAt string
	var access, refresh, tokenExpires, lastSync sql.NullString
	err := row.Scan(&id, &a.UserID, &a.ChannelType, &a.ChannelID, &a.AccountID,
		&access, &refresh, &scopes, &tokenExpires, &config, &a.DisplayName,
		&a.Active, &lastSync, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.ID, _ = uuid.Parse(id)
	if scopes != "" {
		a.Scopes = strings.Fields(scopes)
	}
	a.Config = json.RawMessage(config)
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if tokenExpires.Valid && tokenExpires.String != "" {
		if t, err := time.Parse(time.RFC3339, tokenExpires.String); err == nil {
			a.TokenExpiresAt = &t
		}
	}
	if lastSync.Valid {
		if t, err := time.Parse(time.RFC3339, lastSync.String); err == nil {
			a.LastSyncAt = &t
		}
	}
	if plain, err := crypto.Decrypt(access.String, s.encKey); err == nil {
		a.AccessToken = plain
	}
	if plain, err := crypto.Decrypt(refresh.String, s.encKey); err == nil {
		a.RefreshToken = plain
	}
	return &a, nil
}

func (s *Store) queryAccounts(ctx context.Context, query string, args ...any) ([]store.ChannelAccount, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.ChannelAccount
	for rows.Next() {
		acct, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *acct)
	}
	return result, rows.Err()
}

// --- ProviderKeyStore ---

func (s *Store) GetProviderKey(ctx context.Context, userID, provider string) (*store.ProviderKey, error) {
	var k store.ProviderKey
	var apiKey, model sql.NullString
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, provider, api_key, model, updated_at
		 FROM provider_keys WHERE user_id = ? AND provider = ?`,
		userID, provider).Scan(&k.UserID, &k.Provider, &apiKey, &model, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	k.Model = model.String
	k.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if plain, err := crypto.Decrypt(apiKey.String, s.encKey); err == nil {
		k.APIKey = plain
	}
	return &k, nil
}

func (s *Store) ListProviderKeys(ctx context.Context, userID string) ([]store.ProviderKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, provider, api_key, model, updated_at
		 FROM provider_keys WHERE user_id = ? ORDER BY provider`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.ProviderKey
	for rows.Next() {
		var k store.ProviderKey
		var apiKey, model sql.NullString
		var updatedAt string
		if err := rows.Scan(&k.UserID, &k.Provider, &apiKey, &model, &updatedAt); err != nil {
			return nil, err
		}
		k.Model = model.String
		k.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		if plain, err := crypto.Decrypt(apiKey.String, s.encKey); err == nil {
			k.APIKey = plain
		}
		result = append(result, k)
	}
	return result, rows.Err()
}

func (s *Store) PutProviderKey(ctx context.Context, key store.ProviderKey) error {
	enc, err := crypto.Encrypt(key.APIKey, s.encKey)
	if err != nil {
		return fmt.Errorf("encrypt provider key: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO provider_keys (user_id, provider, api_key, model, updated_at)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		   api_key = excluded.api_key, model = excluded.model, updated_at = excluded.updated_at`,
		key.UserID, key.Provider, enc, key.Model, time.Now().UTC().Format(time.RFC3339))
	return err
}

// --- ConversationStore ---

func (s *Store) GetOrCreate(ctx context.Context, userID, channelType, channelID, chatID string) (*store.Conversation, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, channel_type, channel_id, chat_id, created_at)
		 VALUES (?,?,?,?,?,?)
		 ON CONFLICT (user_id, channel_type, channel_id, chat_id) DO NOTHING`,
		uuid.New().String(), userID, channelType, channelID, chatID,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	var c store.Conversation
	var id, createdAt string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, user_id, channel_type, channel_id, chat_id, created_at
		 FROM conversations
		 WHERE user_id = ? AND channel_type = ? AND channel_id = ? AND chat_id = ?`,
		userID, channelType, channelID, chatID).Scan(
		&id, &c.UserID, &c.ChannelType, &c.ChannelID, &c.ChatID, &createdAt)
	if err != nil {
		return nil, err
	}
	c.ID, _ = uuid.Parse(id)
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &c, nil
}

func (s *Store) AppendMessage(ctx context.Context, convID uuid.UUID, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at)
		 VALUES (?,?,?,?,?)`,
		uuid.New().String(), convID.String(), role, content,
		time.Now().UTC().Format(time.RFC3339))
	return err
}

// providerKeyAdapter adapts Store's provider-key methods to store.ProviderKeyStore.
type providerKeyAdapter struct{ s *Store }

func (a providerKeyAdapter) Get(ctx context.Context, userID, provider string) (*store.ProviderKey, error) {
	return a.s.GetProviderKey(ctx, userID, provider)
}

func (a providerKeyAdapter) ListByUser(ctx context.Context, userID string) ([]store.ProviderKey, error) {
	return a.s.ListProviderKeys(ctx, userID)
}

func (a providerKeyAdapter) Put(ctx context.Context, key store.ProviderKey) error {
	return a.s.PutProviderKey(ctx, key)
}

// ProviderKeys returns the store.ProviderKeyStore view of this store.
func (s *Store) ProviderKeys() store.ProviderKeyStore { return providerKeyAdapter{s} }
