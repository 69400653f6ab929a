package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerConfig configures the embedded badger cache backend.
type BadgerConfig struct {
	// Path is the data directory. An empty path keeps the store in memory.
	Path   string
	Logger *zap.Logger
}

// BadgerStore keeps cache entries in an embedded badger database.
// Entry expiry is delegated to badger's per-key TTL.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerStore opens the badger database described by cfg.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var options badger.Options
	if cfg.Path == "" {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		options = badger.DefaultOptions(cfg.Path)
	}
	// The default INFO logging is noisy for a cache.
	options = options.
		WithLogger(badgerLogger{sugar: logger.Named("badger").Sugar()}).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Get returns the entry under key.
func (s *BadgerStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("badger get %s: %w", key, err)
	}
	entry, err := decodeEntry(key, raw)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Set stores the entry with a badger TTL.
func (s *BadgerStore) Set(ctx context.Context, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		_, err := s.Delete(ctx, entry.Key)
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(entry.Key), raw).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", entry.Key, err)
	}
	return nil
}

// Delete removes exact keys and counts the ones that were present.
func (s *BadgerStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if _, err := txn.Get([]byte(key)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger delete: %w", err)
	}
	return removed, nil
}

// DeleteMatching collects keys under prefix with a key-only iterator and removes them in a write batch.
func (s *BadgerStore) DeleteMatching(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		options.Prefix = []byte(prefix)
		iterator := txn.NewIterator(options)
		defer iterator.Close()
		for iterator.Rewind(); iterator.Valid(); iterator.Next() {
			keys = append(keys, iterator.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger scan %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	batch := s.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range keys {
		if err := batch.Delete(key); err != nil {
			return 0, fmt.Errorf("badger delete %s: %w", key, err)
		}
	}
	if err := batch.Flush(); err != nil {
		return 0, fmt.Errorf("badger flush: %w", err)
	}
	return len(keys), nil
}

type badgerLogger struct {
	sugar *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.sugar.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.sugar.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.sugar.Infof(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.sugar.Debugf(format, args...) }
