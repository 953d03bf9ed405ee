package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS proximity_cache (
	key        TEXT PRIMARY KEY,
	payload    BYTEA NOT NULL,
	stored_at  TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_proximity_cache_expires ON proximity_cache (expires_at);
`

// PostgresStore persists records in PostgreSQL through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(config Config) (*PostgresStore, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	pool, err := pgxpool.New(context.Background(), config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(context.Background(), postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (ps *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var (
		rec       = Record{Key: key}
		expiresAt *time.Time
	)
	err := ps.pool.QueryRow(ctx,
		`SELECT payload, stored_at, expires_at FROM proximity_cache WHERE key = $1`, key,
	).Scan(&rec.Payload, &rec.StoredAt, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record %s: %w", key, err)
	}
	if expiresAt != nil {
		rec.ExpiresAt = *expiresAt
	}
	return &rec, nil
}

func (ps *PostgresStore) Put(ctx context.Context, rec *Record) error {
	var expiresAt *time.Time
	if !rec.ExpiresAt.IsZero() {
		expiresAt = &rec.ExpiresAt
	}
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO proximity_cache (key, payload, stored_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			payload = EXCLUDED.payload,
			stored_at = EXCLUDED.stored_at,
			expires_at = EXCLUDED.expires_at`,
		rec.Key, rec.Payload, rec.StoredAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.Key, err)
	}
	return nil
}

func (ps *PostgresStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	tag, err := ps.pool.Exec(ctx,
		`DELETE FROM proximity_cache WHERE left(key, char_length($1)) = $1`, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to delete prefix %q: %w", prefix, err)
	}
	return int(tag.RowsAffected()), nil
}

func (ps *PostgresStore) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	tag, err := ps.pool.Exec(ctx,
		`DELETE FROM proximity_cache WHERE expires_at IS NOT NULL AND expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (ps *PostgresStore) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

func (ps *PostgresStore) Close() error {
	ps.pool.Close()
	return nil
}
