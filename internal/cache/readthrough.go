package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	etagDigestBytes = 16
	tracerName      = "github.com/MarcoPoloResearchLab/petitions/backend/internal/cache"
)

// ComputeFunc produces the payload for a missing key.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// ReadThroughConfig describes the dependencies of a ReadThrough.
// Generations must be the table shared with the Invalidator evicting the same Store.
type ReadThroughConfig struct {
	Store       Store
	Logger      *zap.Logger
	Clock       func() time.Time
	Metrics     *Metrics
	Generations *Generations
	Coalesce    bool
}

// ReadThrough serves entries from a Store and computes them on a miss.
// Failed computations are never stored, and neither are computations that an
// invalidation overlapped.
type ReadThrough struct {
	store       Store
	logger      *zap.Logger
	clock       func() time.Time
	metrics     *Metrics
	generations *Generations
	coalesce    bool
	group       singleflight.Group
}

// NewReadThrough validates the configuration.
func NewReadThrough(cfg ReadThroughConfig) (*ReadThrough, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	generations := cfg.Generations
	if generations == nil {
		generations = NewGenerations()
	}
	return &ReadThrough{
		store:       cfg.Store,
		logger:      logger,
		clock:       clock,
		metrics:     cfg.Metrics,
		generations: generations,
		coalesce:    cfg.Coalesce,
	}, nil
}

// GetOrCompute returns the live entry under key, or computes, stores and returns a
// new one valid for maxAge. The boolean reports whether the entry came from the store.
// Store failures degrade to an uncached computation.
func (r *ReadThrough) GetOrCompute(ctx context.Context, key string, maxAge time.Duration, compute ComputeFunc) (Entry, bool, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cache.GetOrCompute")
	defer span.End()
	span.SetAttributes(attribute.String("cache.key", key))

	entry, hit, err := r.getOrCompute(ctx, key, maxAge, compute)
	span.SetAttributes(attribute.Bool("cache.hit", hit))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compute failed")
	}
	return entry, hit, err
}

func (r *ReadThrough) getOrCompute(ctx context.Context, key string, maxAge time.Duration, compute ComputeFunc) (Entry, bool, error) {
	entry, ok, err := r.store.Get(ctx, key)
	if err != nil {
		r.metrics.incStoreError()
		r.logger.Warn("cache read failed",
			zap.String("key", key),
			zap.Error(err))
	}
	if err == nil && ok && entry.Live(r.clock()) {
		r.metrics.incHit()
		return entry, true, nil
	}
	r.metrics.incMiss()

	if !r.coalesce {
		computed, computeErr := r.computeAndStore(ctx, key, maxAge, compute)
		return computed, false, computeErr
	}
	result, computeErr, _ := r.group.Do(key, func() (any, error) {
		return r.computeAndStore(ctx, key, maxAge, compute)
	})
	if computeErr != nil {
		return Entry{}, false, computeErr
	}
	return cloneEntry(result.(Entry)), false, nil
}

// computeAndStore keeps the result only while the key's generation is unchanged.
// The second check after Set covers an invalidation that evicted between the first
// check and the write.
func (r *ReadThrough) computeAndStore(ctx context.Context, key string, maxAge time.Duration, compute ComputeFunc) (Entry, error) {
	generation := r.generations.Snapshot(key)
	payload, err := compute(ctx)
	if err != nil {
		r.metrics.incComputeError()
		return Entry{}, err
	}
	entry := Entry{
		Key:      key,
		Payload:  payload,
		ETag:     ETag(payload),
		StoredAt: r.clock(),
		MaxAge:   maxAge,
	}
	if r.generations.Snapshot(key) != generation {
		r.discardWrite(key)
		return entry, nil
	}
	if err := r.store.Set(ctx, entry, maxAge); err != nil {
		r.metrics.incStoreError()
		r.logger.Warn("cache write failed",
			zap.String("key", key),
			zap.Error(err))
		return entry, nil
	}
	if r.generations.Snapshot(key) != generation {
		if _, err := r.store.Delete(ctx, key); err != nil {
			r.metrics.incStoreError()
			r.logger.Warn("cache write rollback failed",
				zap.String("key", key),
				zap.Error(err))
		}
		r.discardWrite(key)
	}
	return entry, nil
}

func (r *ReadThrough) discardWrite(key string) {
	r.metrics.incDiscardedWrite()
	r.logger.Debug("cache write discarded after invalidation", zap.String("key", key))
}

// ETag returns the strong validator of a payload.
func ETag(payload []byte) string {
	digest := sha256.Sum256(payload)
	return `"` + hex.EncodeToString(digest[:etagDigestBytes]) + `"`
}
