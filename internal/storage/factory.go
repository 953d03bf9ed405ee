package storage

import (
	"fmt"

	"proximity/internal/models"
)

// Factory creates persistent-tier stores from configuration.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

// Create instantiates a store for config. It returns a nil Store and no
// error when the persistent tier is disabled ("none").
// Supported providers:
//   - memory: in-process records (tests, development)
//   - json: single JSON file
//   - sqlite: SQLite database (modernc, no cgo)
//   - postgres: PostgreSQL via pgx
//   - redis: redis with native key TTLs
func (f *Factory) Create(config models.PersistentConfig) (Store, error) {
	storeConfig := Config{
		Type:             config.Type,
		Path:             config.Path,
		ConnectionString: config.DSN,
		Redis: RedisOptions{
			Addr:      config.Redis.Addr,
			Password:  config.Redis.Password,
			DB:        config.Redis.DB,
			PoolSize:  config.Redis.PoolSize,
			KeyPrefix: config.Redis.KeyPrefix,
		},
	}

	switch config.Type {
	case models.PersistentTypeNone, "":
		return nil, nil
	case models.PersistentTypeMemory:
		return NewMemoryStore(storeConfig)
	case models.PersistentTypeJSON:
		return NewJSONStore(storeConfig)
	case models.PersistentTypeSQLite:
		return NewSQLiteStore(storeConfig)
	case models.PersistentTypePostgres:
		return NewPostgresStore(storeConfig)
	case models.PersistentTypeRedis:
		return NewRedisStore(storeConfig)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

// GetSupportedProviders returns a list of all supported storage provider types
func (f *Factory) GetSupportedProviders() []string {
	return []string{
		models.PersistentTypeMemory,
		models.PersistentTypeJSON,
		models.PersistentTypeSQLite,
		models.PersistentTypePostgres,
		models.PersistentTypeRedis,
	}
}
