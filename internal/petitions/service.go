package petitions

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/petitions/backend/internal/slug"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultDuration is the signing window applied when a petition is created without a due date.
const DefaultDuration = 60 * 24 * time.Hour

const (
	opServiceNew          = "petitions.service.new"
	opCreatePetition      = "petitions.create"
	opUpdatePetition      = "petitions.update"
	opPublishPetition     = "petitions.publish"
	opUnpublishPetition   = "petitions.unpublish"
	opDeletePetition      = "petitions.delete"
	opSign                = "petitions.sign"
	opListPetitions       = "petitions.list"
	opGetPetition         = "petitions.get"
	opListOwned           = "petitions.list_owned"
	opListSignatures      = "petitions.list_signatures"
	opListUserSignatures  = "petitions.list_user_signatures"
	opListCategories      = "petitions.list_categories"
	queryID               = "id = ?"
	queryPetitionID       = "petition_id = ?"
	columnSlug            = "slug"
	columnUpdatedAt       = "updated_at"
	columnPublishedAt     = "published_at"
	orderNewestFirst      = "created_at DESC, id DESC"
	maxTemporarySlugTries = 3
)

var noOpLogger = zap.NewNop()

// ProfileDirectory resolves display names for signers who did not sign anonymously.
type ProfileDirectory interface {
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// ServiceConfig describes the dependencies of the lifecycle engine.
type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	Logger          *zap.Logger
	DefaultDuration time.Duration
	Profiles        ProfileDirectory
	Notifiers       []ChangeNotifier
}

// Service is the only writer of petition and signature rows.
type Service struct {
	db              *gorm.DB
	clock           func() time.Time
	logger          *zap.Logger
	defaultDuration time.Duration
	profiles        ProfileDirectory
	notifiers       []ChangeNotifier
}

// NewService validates the configuration and constructs the lifecycle engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(ErrStore, opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	duration := cfg.DefaultDuration
	if duration <= 0 {
		duration = DefaultDuration
	}

	notifiers := make([]ChangeNotifier, 0, len(cfg.Notifiers))
	for _, notifier := range cfg.Notifiers {
		if notifier != nil {
			notifiers = append(notifiers, notifier)
		}
	}

	return &Service{
		db:              cfg.Database,
		clock:           clock,
		logger:          logger,
		defaultDuration: duration,
		profiles:        cfg.Profiles,
		notifiers:       notifiers,
	}, nil
}

// Create validates the input, inserts the petition unpublished, and assigns its final slug.
func (s *Service) Create(ctx context.Context, actor UserID, input CreateInput) (Petition, error) {
	const operation = opCreatePetition
	if s.db == nil {
		return Petition{}, s.missingDatabase(operation)
	}
	owner, err := NewUserID(actor.String())
	if err != nil {
		return Petition{}, newServiceError(ErrValidation, operation, reasonMissingIdentity, err)
	}

	now := s.clock().UTC()
	dueDate := now.Add(s.defaultDuration)
	if input.DueDate != nil {
		dueDate = input.DueDate.UTC()
	}
	fields := fieldsFromCreate(input, dueDate)
	if err := fields.validate(operation); err != nil {
		return Petition{}, err
	}
	categoryIDs, err := normalizeCategoryIDs(operation, input.CategoryIDs)
	if err != nil {
		return Petition{}, err
	}

	var created Petition
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureCategoriesExist(tx, operation, categoryIDs); err != nil {
			return err
		}

		petition := Petition{
			Title:       fields.title,
			Description: fields.description,
			Type:        fields.petitionType,
			ImageRef:    fields.imageRef,
			TargetCount: fields.targetCount,
			Status:      PetitionStatusActive,
			Location:    fields.location,
			DueDate:     fields.dueDate,
			CreatedBy:   owner.String(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.insertWithTemporarySlug(tx, operation, &petition); err != nil {
			return err
		}

		finalSlug := slug.WithID(petition.Title, petition.ID)
		if err := tx.Model(&Petition{}).Where(queryID, petition.ID).Update(columnSlug, finalSlug).Error; err != nil {
			return s.storeFailure(operation, reasonSlugFailed, err, zap.Int64("petition_id", petition.ID))
		}
		if err := s.replaceCategories(tx, operation, petition.ID, categoryIDs); err != nil {
			return err
		}

		loaded, err := s.loadPetition(tx, operation, petition.ID)
		if err != nil {
			return err
		}
		created = loaded
		return nil
	})
	if txErr != nil {
		return Petition{}, s.transactionFailure(operation, txErr)
	}

	s.loggerOrDefault().Info("petition created",
		zap.Int64("petition_id", created.ID),
		zap.String("slug", created.Slug),
		zap.String("created_by", created.CreatedBy))
	s.notifyPetitionChanged(ctx, PetitionChange{
		Kind:       ChangeCreated,
		PetitionID: created.ID,
		Slugs:      distinctSlugs(created.Slug),
		OwnerID:    created.CreatedBy,
	})
	return created, nil
}

// Update applies the supplied fields. A title change recomputes the slug from the existing id.
func (s *Service) Update(ctx context.Context, actor UserID, petitionID int64, input UpdateInput) (Petition, error) {
	const operation = opUpdatePetition
	if s.db == nil {
		return Petition{}, s.missingDatabase(operation)
	}
	if input.Empty() {
		return Petition{}, newServiceError(ErrNoOp, operation, reasonNoFields, nil)
	}
	var categoryIDs []int64
	if input.CategoryIDs != nil {
		normalized, err := normalizeCategoryIDs(operation, *input.CategoryIDs)
		if err != nil {
			return Petition{}, err
		}
		categoryIDs = normalized
	}

	var (
		updated      Petition
		previousSlug string
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.lockOwnedPetition(tx, operation, actor, petitionID)
		if err != nil {
			return err
		}
		previousSlug = existing.Slug

		merged, updates := fieldsFromPetition(existing).apply(input)
		if err := merged.validate(operation); err != nil {
			return err
		}
		if merged.title != existing.Title {
			updates[columnSlug] = slug.WithID(merged.title, existing.ID)
		}
		updates[columnUpdatedAt] = s.clock().UTC()

		if err := tx.Model(&Petition{}).Where(queryID, existing.ID).Updates(updates).Error; err != nil {
			return s.storeFailure(operation, reasonUpdateFailed, err, zap.Int64("petition_id", existing.ID))
		}
		if input.CategoryIDs != nil {
			if err := s.ensureCategoriesExist(tx, operation, categoryIDs); err != nil {
				return err
			}
			if err := s.replaceCategories(tx, operation, existing.ID, categoryIDs); err != nil {
				return err
			}
		}

		loaded, err := s.loadPetition(tx, operation, existing.ID)
		if err != nil {
			return err
		}
		updated = loaded
		return nil
	})
	if txErr != nil {
		return Petition{}, s.transactionFailure(operation, txErr)
	}

	s.notifyPetitionChanged(ctx, PetitionChange{
		Kind:       ChangeUpdated,
		PetitionID: updated.ID,
		Slugs:      distinctSlugs(previousSlug, updated.Slug),
		OwnerID:    updated.CreatedBy,
	})
	return updated, nil
}

// Publish makes the petition publicly visible. Publishing twice keeps the first timestamp.
func (s *Service) Publish(ctx context.Context, actor UserID, petitionID int64) (Petition, error) {
	const operation = opPublishPetition
	if s.db == nil {
		return Petition{}, s.missingDatabase(operation)
	}

	var published Petition
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.lockOwnedPetition(tx, operation, actor, petitionID)
		if err != nil {
			return err
		}
		if existing.PublishedAt == nil {
			now := s.clock().UTC()
			updates := map[string]any{columnPublishedAt: now, columnUpdatedAt: now}
			if err := tx.Model(&Petition{}).Where(queryID, existing.ID).Updates(updates).Error; err != nil {
				return s.storeFailure(operation, reasonUpdateFailed, err, zap.Int64("petition_id", existing.ID))
			}
		}
		loaded, err := s.loadPetition(tx, operation, existing.ID)
		if err != nil {
			return err
		}
		published = loaded
		return nil
	})
	if txErr != nil {
		return Petition{}, s.transactionFailure(operation, txErr)
	}

	s.notifyPetitionChanged(ctx, PetitionChange{
		Kind:       ChangePublished,
		PetitionID: published.ID,
		Slugs:      distinctSlugs(published.Slug),
		OwnerID:    published.CreatedBy,
	})
	return published, nil
}

// Unpublish hides the petition from public reads without touching its status.
func (s *Service) Unpublish(ctx context.Context, actor UserID, petitionID int64) error {
	const operation = opUnpublishPetition
	if s.db == nil {
		return s.missingDatabase(operation)
	}

	var existing Petition
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lockOwnedPetition(tx, operation, actor, petitionID)
		if err != nil {
			return err
		}
		existing = locked
		updates := map[string]any{columnPublishedAt: nil, columnUpdatedAt: s.clock().UTC()}
		if err := tx.Model(&Petition{}).Where(queryID, locked.ID).Updates(updates).Error; err != nil {
			return s.storeFailure(operation, reasonUpdateFailed, err, zap.Int64("petition_id", locked.ID))
		}
		return nil
	})
	if txErr != nil {
		return s.transactionFailure(operation, txErr)
	}

	s.notifyPetitionChanged(ctx, PetitionChange{
		Kind:       ChangeUnpublished,
		PetitionID: existing.ID,
		Slugs:      distinctSlugs(existing.Slug),
		OwnerID:    existing.CreatedBy,
	})
	return nil
}

// Delete removes signatures, category links, and the petition, in that order.
// Deleting an absent petition reports ErrNotFound.
func (s *Service) Delete(ctx context.Context, actor UserID, petitionID int64) error {
	const operation = opDeletePetition
	if s.db == nil {
		return s.missingDatabase(operation)
	}

	var existing Petition
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lockOwnedPetition(tx, operation, actor, petitionID)
		if err != nil {
			return err
		}
		existing = locked
		if err := tx.Where(queryPetitionID, locked.ID).Delete(&Signature{}).Error; err != nil {
			return s.storeFailure(operation, reasonDeleteFailed, err, zap.String("table", Signature{}.TableName()))
		}
		if err := tx.Where(queryPetitionID, locked.ID).Delete(&PetitionCategory{}).Error; err != nil {
			return s.storeFailure(operation, reasonDeleteFailed, err, zap.String("table", PetitionCategory{}.TableName()))
		}
		if err := tx.Where(queryID, locked.ID).Delete(&Petition{}).Error; err != nil {
			return s.storeFailure(operation, reasonDeleteFailed, err, zap.String("table", Petition{}.TableName()))
		}
		return nil
	})
	if txErr != nil {
		return s.transactionFailure(operation, txErr)
	}

	s.loggerOrDefault().Info("petition deleted", zap.Int64("petition_id", existing.ID), zap.String("slug", existing.Slug))
	s.notifyPetitionChanged(ctx, PetitionChange{
		Kind:       ChangeDeleted,
		PetitionID: existing.ID,
		Slugs:      distinctSlugs(existing.Slug),
		OwnerID:    existing.CreatedBy,
	})
	return nil
}

func (s *Service) insertWithTemporarySlug(tx *gorm.DB, operation string, petition *Petition) error {
	for attempt := 1; ; attempt++ {
		temporary, err := slug.Temporary(petition.Title)
		if err != nil {
			return s.storeFailure(operation, reasonSlugFailed, err)
		}
		petition.ID = 0
		petition.Slug = temporary

		err = tx.Transaction(func(inner *gorm.DB) error {
			return inner.Create(petition).Error
		})
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return s.storeFailure(operation, reasonInsertFailed, err)
		}
		if attempt >= maxTemporarySlugTries {
			return s.storeFailure(operation, reasonSlugCollision, err, zap.Int("attempts", attempt))
		}
		s.loggerOrDefault().Warn("temporary slug collision, retrying",
			zap.String("operation", operation),
			zap.String("slug", temporary),
			zap.Int("attempt", attempt))
	}
}

func (s *Service) lockOwnedPetition(tx *gorm.DB, operation string, actor UserID, petitionID int64) (Petition, error) {
	owner, err := NewUserID(actor.String())
	if err != nil {
		return Petition{}, newServiceError(ErrValidation, operation, reasonMissingIdentity, err)
	}
	if petitionID <= 0 {
		return Petition{}, notFoundError(operation, reasonPetitionNotFound)
	}

	var existing Petition
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryID, petitionID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Petition{}, notFoundError(operation, reasonPetitionNotFound)
	}
	if err != nil {
		return Petition{}, s.storeFailure(operation, reasonQueryFailed, err, zap.Int64("petition_id", petitionID))
	}
	if !existing.OwnedBy(owner) {
		return Petition{}, newServiceError(ErrOwnership, operation, reasonPetitionNotOwned, nil)
	}
	return existing, nil
}

func (s *Service) ensureCategoriesExist(tx *gorm.DB, operation string, categoryIDs []int64) error {
	if len(categoryIDs) == 0 {
		return nil
	}
	var found int64
	if err := tx.Model(&Category{}).Where("id IN ?", categoryIDs).Count(&found).Error; err != nil {
		return s.storeFailure(operation, reasonQueryFailed, err)
	}
	if found != int64(len(categoryIDs)) {
		return validationError(operation, reasonUnknownCategory)
	}
	return nil
}

// replaceCategories deletes every link of the petition and inserts the new set.
func (s *Service) replaceCategories(tx *gorm.DB, operation string, petitionID int64, categoryIDs []int64) error {
	if err := tx.Where(queryPetitionID, petitionID).Delete(&PetitionCategory{}).Error; err != nil {
		return s.storeFailure(operation, reasonCategoryWriteFailed, err, zap.Int64("petition_id", petitionID))
	}
	if len(categoryIDs) == 0 {
		return nil
	}
	links := make([]PetitionCategory, 0, len(categoryIDs))
	for _, categoryID := range categoryIDs {
		links = append(links, PetitionCategory{PetitionID: petitionID, CategoryID: categoryID})
	}
	if err := tx.Create(&links).Error; err != nil {
		return s.storeFailure(operation, reasonCategoryWriteFailed, err, zap.Int64("petition_id", petitionID))
	}
	return nil
}

func (s *Service) missingDatabase(operation string) error {
	s.logError(operation, reasonMissingDatabase, errMissingDatabase)
	return newServiceError(ErrStore, operation, reasonMissingDatabase, errMissingDatabase)
}

func (s *Service) storeFailure(operation, reason string, err error, fields ...zap.Field) error {
	s.logError(operation, reason, err, fields...)
	return newServiceError(storeFailureKind(err), operation, reason, err)
}

// transactionFailure passes service errors raised inside a transaction through unchanged
// and classifies begin/commit failures.
func (s *Service) transactionFailure(operation string, err error) error {
	if _, ok := asServiceError(err); ok {
		return err
	}
	return s.storeFailure(operation, reasonQueryFailed, err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("petitions service error", attrs...)
}
