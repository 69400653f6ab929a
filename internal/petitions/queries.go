package petitions

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const queryPublished = "published_at IS NOT NULL"

type petitionCategoryRow struct {
	PetitionID int64
	ID         int64
	Name       string
	Slug       string
}

// List returns published petitions, newest first. A category filter matches petitions
// linked to any of the requested categories.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Petition, error) {
	const operation = opListPetitions
	if s.db == nil {
		return nil, s.missingDatabase(operation)
	}
	normalized, err := filter.Normalize()
	if err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).Model(&Petition{}).Where(queryPublished)
	if normalized.Type != "" {
		query = query.Where("type = ?", normalized.Type)
	}
	if len(normalized.CategoryIDs) > 0 {
		members := s.db.WithContext(ctx).Model(&PetitionCategory{}).
			Select("petition_id").
			Where("category_id IN ?", normalized.CategoryIDs)
		query = query.Where("id IN (?)", members)
	}

	var petitions []Petition
	if err := query.Order(orderNewestFirst).Limit(normalized.Limit).Offset(normalized.Offset).Find(&petitions).Error; err != nil {
		return nil, s.storeFailure(operation, reasonQueryFailed, err)
	}
	if err := s.attachCategories(s.db.WithContext(ctx), operation, petitions); err != nil {
		return nil, err
	}
	return petitions, nil
}

// Get returns a published petition by id.
func (s *Service) Get(ctx context.Context, petitionID int64) (Petition, error) {
	const operation = opGetPetition
	if s.db == nil {
		return Petition{}, s.missingDatabase(operation)
	}
	if petitionID <= 0 {
		return Petition{}, notFoundError(operation, reasonPetitionNotFound)
	}
	return s.findPublished(ctx, operation, queryID, petitionID)
}

// GetBySlug returns a published petition by its current slug.
func (s *Service) GetBySlug(ctx context.Context, petitionSlug string) (Petition, error) {
	const operation = opGetPetition
	if s.db == nil {
		return Petition{}, s.missingDatabase(operation)
	}
	trimmed := strings.TrimSpace(petitionSlug)
	if trimmed == "" {
		return Petition{}, notFoundError(operation, reasonPetitionNotFound)
	}
	return s.findPublished(ctx, operation, columnSlug+" = ?", trimmed)
}

// ListOwned returns every petition created by the identity, drafts included, newest first.
func (s *Service) ListOwned(ctx context.Context, actor UserID) ([]Petition, error) {
	const operation = opListOwned
	if s.db == nil {
		return nil, s.missingDatabase(operation)
	}
	owner, err := NewUserID(actor.String())
	if err != nil {
		return nil, newServiceError(ErrValidation, operation, reasonMissingIdentity, err)
	}

	var petitions []Petition
	if err := s.db.WithContext(ctx).
		Where("created_by = ?", owner.String()).
		Order(orderNewestFirst).
		Find(&petitions).Error; err != nil {
		return nil, s.storeFailure(operation, reasonQueryFailed, err, zap.String("user_id", owner.String()))
	}
	if err := s.attachCategories(s.db.WithContext(ctx), operation, petitions); err != nil {
		return nil, err
	}
	return petitions, nil
}

// ListCategories returns every category ordered by name.
func (s *Service) ListCategories(ctx context.Context) ([]Category, error) {
	const operation = opListCategories
	if s.db == nil {
		return nil, s.missingDatabase(operation)
	}
	var categories []Category
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&categories).Error; err != nil {
		return nil, s.storeFailure(operation, reasonQueryFailed, err)
	}
	return categories, nil
}

func (s *Service) findPublished(ctx context.Context, operation, condition string, value any) (Petition, error) {
	db := s.db.WithContext(ctx)
	var petition Petition
	err := db.Where(condition, value).Where(queryPublished).Take(&petition).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Petition{}, notFoundError(operation, reasonPetitionNotFound)
	}
	if err != nil {
		return Petition{}, s.storeFailure(operation, reasonQueryFailed, err)
	}
	petitions := []Petition{petition}
	if err := s.attachCategories(db, operation, petitions); err != nil {
		return Petition{}, err
	}
	return petitions[0], nil
}

func (s *Service) loadPetition(tx *gorm.DB, operation string, petitionID int64) (Petition, error) {
	var petition Petition
	err := tx.Where(queryID, petitionID).Take(&petition).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Petition{}, notFoundError(operation, reasonPetitionNotFound)
	}
	if err != nil {
		return Petition{}, s.storeFailure(operation, reasonQueryFailed, err, zap.Int64("petition_id", petitionID))
	}
	petitions := []Petition{petition}
	if err := s.attachCategories(tx, operation, petitions); err != nil {
		return Petition{}, err
	}
	return petitions[0], nil
}

// attachCategories loads the category sets of all petitions with one query.
func (s *Service) attachCategories(db *gorm.DB, operation string, petitions []Petition) error {
	if len(petitions) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(petitions))
	for _, petition := range petitions {
		ids = append(ids, petition.ID)
	}

	var rows []petitionCategoryRow
	if err := db.Table(PetitionCategory{}.TableName()).
		Select("petition_categories.petition_id, categories.id, categories.name, categories.slug").
		Joins("JOIN categories ON categories.id = petition_categories.category_id").
		Where("petition_categories.petition_id IN ?", ids).
		Order("categories.name ASC").
		Scan(&rows).Error; err != nil {
		return s.storeFailure(operation, reasonQueryFailed, err)
	}

	byPetition := make(map[int64][]Category, len(petitions))
	for _, row := range rows {
		byPetition[row.PetitionID] = append(byPetition[row.PetitionID], Category{ID: row.ID, Name: row.Name, Slug: row.Slug})
	}
	for index := range petitions {
		petitions[index].Categories = byPetition[petitions[index].ID]
	}
	return nil
}
