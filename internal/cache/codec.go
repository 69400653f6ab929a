package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// storedEnvelope is the serialized form of an Entry in external stores.
type storedEnvelope struct {
	Payload  []byte `json:"payload"`
	ETag     string `json:"etag"`
	StoredAt int64  `json:"stored_at_ms"`
	MaxAgeMs int64  `json:"max_age_ms"`
}

func encodeEntry(entry Entry) ([]byte, error) {
	raw, err := json.Marshal(storedEnvelope{
		Payload:  entry.Payload,
		ETag:     entry.ETag,
		StoredAt: entry.StoredAt.UnixMilli(),
		MaxAgeMs: entry.MaxAge.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode cache entry %s: %w", entry.Key, err)
	}
	return raw, nil
}

func decodeEntry(key string, raw []byte) (Entry, error) {
	var envelope storedEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Entry{}, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return Entry{
		Key:      key,
		Payload:  envelope.Payload,
		ETag:     envelope.ETag,
		StoredAt: time.UnixMilli(envelope.StoredAt).UTC(),
		MaxAge:   time.Duration(envelope.MaxAgeMs) * time.Millisecond,
	}, nil
}
