package cache

import (
	"context"

	"github.com/MarcoPoloResearchLab/petitions/backend/internal/petitions"
	"go.uber.org/zap"
)

// InvalidatorConfig describes the dependencies of an Invalidator.
type InvalidatorConfig struct {
	Store       Store
	Logger      *zap.Logger
	Metrics     *Metrics
	Generations *Generations
}

// Invalidator evicts cached reads after committed petition and signature writes.
// Every eviction step runs independently and failures are only logged.
// Generations advance before each eviction so in-flight computations drop their results.
type Invalidator struct {
	store       Store
	logger      *zap.Logger
	metrics     *Metrics
	generations *Generations
}

var _ petitions.ChangeNotifier = (*Invalidator)(nil)

// NewInvalidator validates the configuration.
func NewInvalidator(cfg InvalidatorConfig) (*Invalidator, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invalidator{
		store:       cfg.Store,
		logger:      logger,
		metrics:     cfg.Metrics,
		generations: cfg.Generations,
	}, nil
}

// PetitionChanged evicts listings, the petition under every old and new slug, and the
// owner's petition list. Deleting a petition also evicts every per-user entry, since
// the signers' lists referenced it.
func (i *Invalidator) PetitionChanged(ctx context.Context, change petitions.PetitionChange) {
	i.evictPrefix(ctx, PrefixPetitions)
	keys := []string{PetitionIDKey(change.PetitionID)}
	for _, petitionSlug := range change.Slugs {
		keys = append(keys, PetitionSlugKey(petitionSlug))
	}
	if change.OwnerID != "" {
		keys = append(keys, UserPetitionsKey(change.OwnerID))
	}
	i.evictKeys(ctx, keys...)
	if change.Kind == petitions.ChangeDeleted {
		i.evictPrefix(ctx, PrefixUsers)
	}
}

// SignatureCreated evicts listings, the petition's single-item entries, the owner's
// petition list and the signer's list.
func (i *Invalidator) SignatureCreated(ctx context.Context, change petitions.SignatureChange) {
	i.evictPrefix(ctx, PrefixPetitions)
	keys := []string{PetitionIDKey(change.PetitionID)}
	if change.Slug != "" {
		keys = append(keys, PetitionSlugKey(change.Slug))
	}
	if change.OwnerID != "" {
		keys = append(keys, UserPetitionsKey(change.OwnerID))
	}
	if change.UserID != "" {
		keys = append(keys, UserSignaturesKey(change.UserID))
	}
	i.evictKeys(ctx, keys...)
}

func (i *Invalidator) evictPrefix(ctx context.Context, prefix string) {
	i.generations.AdvancePrefix(prefix)
	removed, err := i.store.DeleteMatching(ctx, prefix)
	i.metrics.addEvictions(removed)
	if err != nil {
		i.metrics.incInvalidationFailure()
		i.logger.Error("cache invalidation failed",
			zap.String("prefix", prefix),
			zap.Error(err))
	}
}

func (i *Invalidator) evictKeys(ctx context.Context, keys ...string) {
	for _, key := range keys {
		i.generations.Advance(key)
		removed, err := i.store.Delete(ctx, key)
		i.metrics.addEvictions(removed)
		if err != nil {
			i.metrics.incInvalidationFailure()
			i.logger.Error("cache invalidation failed",
				zap.String("key", key),
				zap.Error(err))
		}
	}
}
