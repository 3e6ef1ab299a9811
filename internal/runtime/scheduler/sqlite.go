package scheduler

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DefaultSQLiteFile is used when no file is configured.
const DefaultSQLiteFile = "nodebus-scheduler.db"

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS scheduled_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		route_key TEXT NOT NULL,
		wake_at INTEGER NOT NULL,
		message BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		published_at INTEGER,
		purge_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_scheduled_wake ON scheduled_messages(published_at, wake_at);
	CREATE INDEX IF NOT EXISTS idx_scheduled_purge ON scheduled_messages(purge_at);
`

// NewSQLiteStore opens (or creates) the store at path. Use ":memory:" for a
// throwaway database.
func NewSQLiteStore(path string) (Store, error) {
	if path == "" {
		path = DefaultSQLiteFile
	}
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// SQLite doesn't support concurrent writes well, and :memory: is per connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store, err := newSQLStore(db, dialect{
		name:   "sqlite",
		schema: sqliteSchema,
		table:  "scheduled_messages",
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
