package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/crypto"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

// ChannelAccountStore implements store.ChannelAccountStore on Postgres.
// Token columns are sealed with the vault key before they touch the wire.
type ChannelAccountStore struct {
	db     *sql.DB
	encKey string
}

func NewChannelAccountStore(db *sql.DB, encryptionKey string) *ChannelAccountStore {
	return &ChannelAccountStore{db: db, encKey: encryptionKey}
}

const accountColumns = `id, user_id, channel_type, channel_id, account_id,
	access_token, refresh_token, scopes, token_expires_at, config,
	display_name, active, last_sync_at, created_at, updated_at`

func (s *ChannelAccountStore) Get(ctx context.Context, userID string, id uuid.UUID) (*store.ChannelAccount, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts WHERE user_id = $1 AND id = $2`,
		userID, id))
}

func (s *ChannelAccountStore) GetByTriple(ctx context.Context, userID, channelType, channelID string) (*store.ChannelAccount, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts
		 WHERE user_id = $1 AND channel_type = $2 AND channel_id = $3`,
		userID, channelType, channelID))
}

func (s *ChannelAccountStore) ListActive(ctx context.Context) ([]store.ChannelAccount, error) {
	return s.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts WHERE active ORDER BY user_id, created_at`)
}

func (s *ChannelAccountStore) ListByUser(ctx context.Context, userID string) ([]store.ChannelAccount, error) {
	return s.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM channel_accounts WHERE user_id = $1 ORDER BY created_at`, userID)
}

// Upsert inserts or, when the (user_id, channel_type, channel_id) triple
// already exists, replaces credentials and config in place.
func (s *ChannelAccountStore) Upsert(ctx context.Context, userID, channelType, channelID string, fields store.UpsertFields) (*store.ChannelAccount, error) {
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

	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO channel_accounts
		   (id, user_id, channel_type, channel_id, account_id, access_token,
		    refresh_token, scopes, token_expires_at, config, display_name,
		    active, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
		 ON CONFLICT (user_id, channel_type, channel_id) DO UPDATE SET
		   account_id = EXCLUDED.account_id,
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   scopes = EXCLUDED.scopes,
		   token_expires_at = EXCLUDED.token_expires_at,
		   config = EXCLUDED.config,
		   display_name = EXCLUDED.display_name,
		   active = EXCLUDED.active,
		   updated_at = EXCLUDED.updated_at
		 RETURNING `+accountColumns,
		uuid.New(), userID, channelType, channelID, fields.AccountID,
		accessEnc, refreshEnc, pq.Array(fields.Scopes), fields.TokenExpiresAt,
		cfg, fields.DisplayName, fields.Active, now)

	acct, err := s.scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("upsert channel account: %w", err)
	}
	return acct, nil
}

func (s *ChannelAccountStore) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channel_accounts SET active = $1, updated_at = $2 WHERE id = $3`,
		active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ChannelAccountStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channel_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete channel account: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *ChannelAccountStore) scanAccount(row rowScanner) (*store.ChannelAccount, error) {
	var a store.ChannelAccount
	var access, refresh, displayName sql.NullString
	var tokenExpires, lastSync sql.NullTime
	err := row.Scan(
		&a.ID, &a.UserID, &a.ChannelType, &a.ChannelID, &a.AccountID,
		&access, &refresh, pq.Array(&a.Scopes), &tokenExpires, &a.Config,
		&displayName, &a.Active, &lastSync, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.DisplayName = displayName.String
	if tokenExpires.Valid {
		t := tokenExpires.Time
		a.TokenExpiresAt = &t
	}
	if lastSync.Valid {
		t := lastSync.Time
		a.LastSyncAt = &t
	}
	a.AccessToken = s.decryptColumn(access.String, "access_token", a.ID)
	a.RefreshToken = s.decryptColumn(refresh.String, "refresh_token", a.ID)
	return &a, nil
}

// decryptColumn unseals a token column. A blob that no longer decrypts
// (rotated vault key) is treated as absent rather than fatal so the
// account record itself stays readable.
func (s *ChannelAccountStore) decryptColumn(blob, column string, id uuid.UUID) string {
	plain, err := crypto.Decrypt(blob, s.encKey)
	if err != nil {
		slog.Warn("channel account token decrypt failed", "column", column, "account", id)
		return ""
	}
	return plain
}

func (s *ChannelAccountStore) queryAccounts(ctx context.Context, query string, args ...any) ([]store.ChannelAccount, error) {
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
