package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// JSONStore persists records in a single JSON file. The file is re-read only
// when its modification time moves, so several engine processes on one host
// can share it; writes replace the file atomically.
type JSONStore struct {
	filePath     string
	reloadEvery  time.Duration
	mu           sync.RWMutex
	data         *JSONData
	lastModified time.Time
	reloadAfter  time.Time
	closed       bool
}

// JSONData represents the structure of data stored in JSON format
type JSONData struct {
	Records     map[string]*jsonRecord `json:"records"`
	LastUpdated time.Time              `json:"last_updated"`
}

// jsonRecord keeps payloads as raw JSON so the file stays readable.
type jsonRecord struct {
	Payload   json.RawMessage `json:"payload"`
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func NewJSONStore(config Config) (*JSONStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("path is required for JSON storage")
	}
	store := &JSONStore{
		filePath:    config.Path,
		reloadEvery: 5 * time.Second,
	}

	if err := store.ensureFileExists(); err != nil {
		return nil, fmt.Errorf("failed to ensure file exists: %w", err)
	}
	if err := store.loadData(); err != nil {
		return nil, fmt.Errorf("failed to load initial data: %w", err)
	}
	return store, nil
}

// ensureFileExists creates the JSON file with empty data if it doesn't exist
func (j *JSONStore) ensureFileExists() error {
	if _, err := os.Stat(j.filePath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(j.filePath), 0700); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		return j.saveData(&JSONData{Records: map[string]*jsonRecord{}})
	}
	return nil
}

// loadData reloads the file when it changed on disk. It uses double-checked
// locking: a read-lock fast path while the reload window is open, and a
// write-lock slow path that re-validates before any I/O.
func (j *JSONStore) loadData() error {
	j.mu.RLock()
	if j.data != nil && time.Now().Before(j.reloadAfter) {
		j.mu.RUnlock()
		return nil
	}
	j.mu.RUnlock()

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.data != nil && time.Now().Before(j.reloadAfter) {
		return nil
	}

	info, err := os.Stat(j.filePath)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if j.data != nil && !info.ModTime().After(j.lastModified) {
		j.reloadAfter = time.Now().Add(j.reloadEvery)
		return nil
	}

	fileData, err := os.ReadFile(j.filePath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	var data JSONData
	if err := json.Unmarshal(fileData, &data); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	if data.Records == nil {
		data.Records = map[string]*jsonRecord{}
	}

	j.data = &data
	j.lastModified = info.ModTime()
	j.reloadAfter = time.Now().Add(j.reloadEvery)
	return nil
}

// saveData writes data to a temporary file and renames it over the target.
// Callers hold the write lock (or own data exclusively).
func (j *JSONStore) saveData(data *JSONData) error {
	data.LastUpdated = time.Now()

	fileData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	tmp := j.filePath + ".tmp"
	if err := os.WriteFile(tmp, fileData, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, j.filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	if info, err := os.Stat(j.filePath); err == nil {
		j.lastModified = info.ModTime()
	}
	return nil
}

func (j *JSONStore) Get(ctx context.Context, key string) (*Record, error) {
	if err := j.usable(); err != nil {
		return nil, err
	}
	if err := j.loadData(); err != nil {
		return nil, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	r, ok := j.data.Records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Record{
		Key:       key,
		Payload:   append([]byte(nil), r.Payload...),
		StoredAt:  r.StoredAt,
		ExpiresAt: r.ExpiresAt,
	}, nil
}

func (j *JSONStore) Put(ctx context.Context, rec *Record) error {
	if !json.Valid(rec.Payload) {
		return fmt.Errorf("record %s: payload is not valid JSON", rec.Key)
	}
	if err := j.usable(); err != nil {
		return err
	}
	if err := j.loadData(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.data.Records[rec.Key] = &jsonRecord{
		Payload:   append(json.RawMessage(nil), rec.Payload...),
		StoredAt:  rec.StoredAt,
		ExpiresAt: rec.ExpiresAt,
	}
	return j.saveData(j.data)
}

func (j *JSONStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return j.deleteWhere(func(key string, _ *jsonRecord) bool {
		return strings.HasPrefix(key, prefix)
	})
}

func (j *JSONStore) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	return j.deleteWhere(func(_ string, r *jsonRecord) bool {
		return !r.ExpiresAt.IsZero() && before.After(r.ExpiresAt)
	})
}

func (j *JSONStore) deleteWhere(match func(key string, r *jsonRecord) bool) (int, error) {
	if err := j.usable(); err != nil {
		return 0, err
	}
	if err := j.loadData(); err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	removed := 0
	for key, r := range j.data.Records {
		if match(key, r) {
			delete(j.data.Records, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, j.saveData(j.data)
}

func (j *JSONStore) Ping(ctx context.Context) error {
	if err := j.usable(); err != nil {
		return err
	}
	_, err := os.Stat(j.filePath)
	return err
}

func (j *JSONStore) usable() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	return nil
}

func (j *JSONStore) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}
