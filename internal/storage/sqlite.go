package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS proximity_cache (
	key        TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	stored_at  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proximity_cache_expires ON proximity_cache (expires_at);
`

// SQLiteStore persists records in a SQLite database through the pure-Go
// modernc driver.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(config Config) (*SQLiteStore, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; sqlite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (ss *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	var (
		payload             []byte
		storedAt, expiresAt int64
	)
	err := ss.db.QueryRowContext(ctx,
		`SELECT payload, stored_at, expires_at FROM proximity_cache WHERE key = ?`, key,
	).Scan(&payload, &storedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record %s: %w", key, err)
	}
	return &Record{
		Key:       key,
		Payload:   payload,
		StoredAt:  fromUnixNano(storedAt),
		ExpiresAt: fromUnixNano(expiresAt),
	}, nil
}

func (ss *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO proximity_cache (key, payload, stored_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			stored_at = excluded.stored_at,
			expires_at = excluded.expires_at`,
		rec.Key, rec.Payload, toUnixNano(rec.StoredAt), toUnixNano(rec.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.Key, err)
	}
	return nil
}

func (ss *SQLiteStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	res, err := ss.db.ExecContext(ctx,
		`DELETE FROM proximity_cache WHERE substr(key, 1, length(?)) = ?`, prefix, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to delete prefix %q: %w", prefix, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (ss *SQLiteStore) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := ss.db.ExecContext(ctx,
		`DELETE FROM proximity_cache WHERE expires_at > 0 AND expires_at < ?`, toUnixNano(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (ss *SQLiteStore) Ping(ctx context.Context) error {
	return ss.db.PingContext(ctx)
}

func (ss *SQLiteStore) Close() error {
	return ss.db.Close()
}
