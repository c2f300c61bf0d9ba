package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/crypto"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

// ProviderKeyStore implements store.ProviderKeyStore on Postgres.
type ProviderKeyStore struct {
	db     *sql.DB
	encKey string
}

func NewProviderKeyStore(db *sql.DB, encryptionKey string) *ProviderKeyStore {
	return &ProviderKeyStore{db: db, encKey: encryptionKey}
}

func (s *ProviderKeyStore) Get(ctx context.Context, userID, provider string) (*store.ProviderKey, error) {
	var k store.ProviderKey
	var apiKey sql.NullString
	var model sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, provider, api_key, model, updated_at
		 FROM provider_keys WHERE user_id = $1 AND provider = $2`,
		userID, provider).Scan(&k.UserID, &k.Provider, &apiKey, &model, &k.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	k.Model = model.String
	k.APIKey = s.decrypt(apiKey.String, userID, provider)
	return &k, nil
}

func (s *ProviderKeyStore) ListByUser(ctx context.Context, userID string) ([]store.ProviderKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, provider, api_key, model, updated_at
		 FROM provider_keys WHERE user_id = $1 ORDER BY provider`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.ProviderKey
	for rows.Next() {
		var k store.ProviderKey
		var apiKey, model sql.NullString
		if err := rows.Scan(&k.UserID, &k.Provider, &apiKey, &model, &k.UpdatedAt); err != nil {
			return nil, err
		}
		k.Model = model.String
		k.APIKey = s.decrypt(apiKey.String, userID, k.Provider)
		result = append(result, k)
	}
	return result, rows.Err()
}

func (s *ProviderKeyStore) Put(ctx context.Context, key store.ProviderKey) error {
	enc, err := crypto.Encrypt(key.APIKey, s.encKey)
	if err != nil {
		return fmt.Errorf("encrypt provider key: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO provider_keys (user_id, provider, api_key, model, updated_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		   api_key = EXCLUDED.api_key,
		   model = EXCLUDED.model,
		   updated_at = EXCLUDED.updated_at`,
		key.UserID, key.Provider, enc, key.Model, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert provider key: %w", err)
	}
	return nil
}

func (s *ProviderKeyStore) decrypt(blob, userID, provider string) string {
	plain, err := crypto.Decrypt(blob, s.encKey)
	if err != nil {
		slog.Warn("provider key decrypt failed", "user", userID, "provider", provider)
		return ""
	}
	return plain
}
