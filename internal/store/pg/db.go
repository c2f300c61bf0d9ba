// Package pg implements the store interfaces on Postgres (managed mode).
package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

// OpenDB opens a pooled Postgres connection via the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Stores bundles the Postgres-backed store implementations.
type Stores struct {
	Accounts      store.ChannelAccountStore
	ProviderKeys  store.ProviderKeyStore
	Conversations store.ConversationStore
}

// NewStores creates all Postgres stores sharing one connection pool.
// encryptionKey seals credential columns at rest.
func NewStores(dsn, encryptionKey string) (*Stores, *sql.DB, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, nil, err
	}
	return &Stores{
		Accounts:      NewChannelAccountStore(db, encryptionKey),
		ProviderKeys:  NewProviderKeyStore(db, encryptionKey),
		Conversations: NewConversationStore(db),
	}, db, nil
}
