// Package storage provides the record stores behind the persistent cache
// tier. A store maps string keys to opaque payloads with an expiry; it knows
// nothing about what the payload encodes. Deciding whether an expired record
// is still useful is the caller's business, so Get returns expired records
// until they are purged.
package storage

import (
	"context"
	"time"
)

// Record is one persisted cache entry.
type Record struct {
	Key       string
	Payload   []byte
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Clone copies the record including its payload.
func (r *Record) Clone() *Record {
	out := *r
	out.Payload = append([]byte(nil), r.Payload...)
	return &out
}

// Store defines the persistent tier contract. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the record stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// Put stores or replaces a record.
	Put(ctx context.Context, rec *Record) error

	// DeletePrefix removes every record whose key starts with prefix and
	// returns how many were removed. An empty prefix removes everything.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// PurgeExpired removes records that expired before the given time.
	PurgeExpired(ctx context.Context, before time.Time) (int, error)

	// Ping checks that the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close closes the storage connection and cleans up resources.
	Close() error
}

// Config holds configuration for storage backends
type Config struct {
	// Type specifies the storage backend type (memory, json, sqlite, postgres, redis)
	Type string `json:"type" yaml:"type"`

	// Path is used for file-based storage backends
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// ConnectionString is used for database backends
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty"`

	// Redis holds the redis client settings
	Redis RedisOptions `json:"redis,omitempty" yaml:"redis,omitempty"`
}

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}
