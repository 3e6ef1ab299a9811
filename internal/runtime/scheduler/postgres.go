package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const postgresSchema = `
	CREATE SCHEMA IF NOT EXISTS nodebus;

	CREATE TABLE IF NOT EXISTS nodebus.scheduled_messages (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL,
		route_key TEXT NOT NULL,
		wake_at BIGINT NOT NULL,
		message BYTEA NOT NULL,
		created_at BIGINT NOT NULL,
		published_at BIGINT,
		purge_at BIGINT
	);

	CREATE INDEX IF NOT EXISTS idx_scheduled_wake
		ON nodebus.scheduled_messages(wake_at)
		WHERE published_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_scheduled_purge
		ON nodebus.scheduled_messages(purge_at)
		WHERE purge_at IS NOT NULL;
`

// NewPostgresStore connects to the database at connStr and creates the
// nodebus schema when missing.
func NewPostgresStore(connStr string) (Store, error) {
	if connStr == "" {
		return nil, fmt.Errorf("PostgreSQL connection string is required")
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	store, err := newSQLStore(db, dialect{
		name:      "postgres",
		schema:    postgresSchema,
		table:     "nodebus.scheduled_messages",
		numbered:  true,
		returning: true,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// OpenStore opens the store named by kind ("sqlite" or "postgres").
func OpenStore(kind, sqliteFile, postgresURL string) (Store, error) {
	switch kind {
	case "", "sqlite":
		return NewSQLiteStore(sqliteFile)
	case "postgres":
		return NewPostgresStore(postgresURL)
	default:
		return nil, fmt.Errorf("unknown scheduler store %q", kind)
	}
}
