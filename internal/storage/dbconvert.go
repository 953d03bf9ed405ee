package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// toUnixNano stores times as integers so every SQL backend compares them the
// same way. The zero time maps to 0.
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// envelope is the on-the-wire shape of a record in key-value backends that
// only store a value per key.
type envelope struct {
	Payload   []byte `json:"payload"`
	StoredAt  int64  `json:"stored_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func marshalEnvelope(rec *Record) ([]byte, error) {
	b, err := json.Marshal(envelope{
		Payload:   rec.Payload,
		StoredAt:  toUnixNano(rec.StoredAt),
		ExpiresAt: toUnixNano(rec.ExpiresAt),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal record envelope: %w", err)
	}
	return b, nil
}

func unmarshalEnvelope(key string, data []byte) (*Record, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal record envelope: %w", err)
	}
	return &Record{
		Key:       key,
		Payload:   env.Payload,
		StoredAt:  fromUnixNano(env.StoredAt),
		ExpiresAt: fromUnixNano(env.ExpiresAt),
	}, nil
}

// escapeGlob escapes the characters redis MATCH patterns treat specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
