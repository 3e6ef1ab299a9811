package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is one stored delivery request. Message holds the wire form of the
// broker message to republish verbatim.
type Record struct {
	ID          int64
	UUID        string
	RouteKey    string
	WakeAt      time.Time
	Message     []byte
	CreatedAt   time.Time
	PublishedAt time.Time
	PurgeAt     time.Time
}

// Store persists pending deliveries.
type Store interface {
	Save(ctx context.Context, rec Record) (int64, error)
	// Due returns up to limit unpublished records whose wake time is not
	// after now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Record, error)
	MarkPublished(ctx context.Context, id int64, at, purgeAt time.Time) error
	// Purge deletes up to limit published records whose purge time has passed.
	Purge(ctx context.Context, now time.Time, limit int) (int64, error)
	Pending(ctx context.Context) (int, error)
	Close() error
}

// dialect covers the differences between the SQL backends.
type dialect struct {
	name      string
	schema    string
	table     string
	numbered  bool // $1 placeholders instead of ?
	returning bool // INSERT ... RETURNING id instead of LastInsertId
}

type sqlStore struct {
	db *sql.DB
	d  dialect
}

func newSQLStore(db *sql.DB, d dialect) (*sqlStore, error) {
	if _, err := db.Exec(d.schema); err != nil {
		return nil, fmt.Errorf("failed to initialize %s schema: %w", d.name, err)
	}
	return &sqlStore{db: db, d: d}, nil
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *sqlStore) rebind(query string) string {
	query = strings.ReplaceAll(query, "{table}", s.d.table)
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Save(ctx context.Context, rec Record) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	query := `INSERT INTO {table} (uuid, route_key, wake_at, message, created_at) VALUES (?, ?, ?, ?, ?)`
	args := []any{rec.UUID, rec.RouteKey, rec.WakeAt.UnixNano(), rec.Message, rec.CreatedAt.UnixNano()}

	if s.d.returning {
		var id int64
		err := s.db.QueryRowContext(ctx, s.rebind(query+` RETURNING id`), args...).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to store schedule: %w", err)
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to store schedule: %w", err)
	}
	return res.LastInsertId()
}

func (s *sqlStore) Due(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, uuid, route_key, wake_at, message, created_at
		FROM {table}
		WHERE published_at IS NULL AND wake_at <= ?
		ORDER BY wake_at, id
		LIMIT ?`), now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec               Record
			wakeAt, createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.UUID, &rec.RouteKey, &wakeAt, &rec.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		rec.WakeAt = time.Unix(0, wakeAt)
		rec.CreatedAt = time.Unix(0, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkPublished(ctx context.Context, id int64, at, purgeAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE {table} SET published_at = ?, purge_at = ? WHERE id = ?`),
		at.UnixNano(), purgeAt.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to mark schedule %d published: %w", id, err)
	}
	return nil
}

func (s *sqlStore) Purge(ctx context.Context, now time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM {table} WHERE id IN (
			SELECT id FROM {table}
			WHERE purge_at IS NOT NULL AND purge_at <= ?
			ORDER BY purge_at
			LIMIT ?
		)`), now.UnixNano(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge schedules: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) Pending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM {table} WHERE published_at IS NULL`)).Scan(&n)
	return n, err
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
