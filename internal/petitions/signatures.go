package petitions

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SignResult is the committed signature together with the recounted total.
type SignResult struct {
	Signature    Signature
	CurrentCount int64
}

// Sign records a signature. The (petition_id, user_id) unique index rejects a second
// signature from the same identity, which surfaces as ErrDuplicateSignature.
// current_count is recomputed from the signature rows inside the same transaction.
func (s *Service) Sign(ctx context.Context, input SignInput) (SignResult, error) {
	const operation = opSign
	if s.db == nil {
		return SignResult{}, s.missingDatabase(operation)
	}
	normalized, err := input.normalize()
	if err != nil {
		return SignResult{}, err
	}

	var (
		result        SignResult
		petitionSlug  string
		petitionOwner string
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var petition Petition
		err := tx.Where(queryID, normalized.PetitionID).Take(&petition).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFoundError(operation, reasonPetitionNotFound)
		}
		if err != nil {
			return s.storeFailure(operation, reasonQueryFailed, err, zap.Int64("petition_id", normalized.PetitionID))
		}
		if !petition.Published() {
			return notFoundError(operation, reasonPetitionNotFound)
		}
		if petition.Status == PetitionStatusClosed {
			return validationError(operation, reasonPetitionClosed)
		}
		petitionSlug = petition.Slug
		petitionOwner = petition.CreatedBy

		signature := Signature{
			PetitionID: petition.ID,
			UserID:     normalized.UserID.String(),
			Comment:    normalized.Comment,
			Anonymous:  normalized.Anonymous,
			IPAddress:  normalized.IPAddress,
			CreatedAt:  s.clock().UTC(),
		}
		if err := tx.Create(&signature).Error; err != nil {
			if isUniqueViolation(err) {
				return newServiceError(ErrDuplicateSignature, operation, reasonDuplicateSignature, nil)
			}
			return s.storeFailure(operation, reasonInsertFailed, err, zap.Int64("petition_id", petition.ID))
		}

		count, err := s.recountSignatures(tx, operation, petition.ID)
		if err != nil {
			return err
		}
		result = SignResult{Signature: signature, CurrentCount: count}
		return nil
	})
	if txErr != nil {
		return SignResult{}, s.transactionFailure(operation, txErr)
	}

	s.notifySignatureCreated(ctx, SignatureChange{
		PetitionID:   result.Signature.PetitionID,
		Slug:         petitionSlug,
		OwnerID:      petitionOwner,
		UserID:       result.Signature.UserID,
		CurrentCount: result.CurrentCount,
	})
	return result, nil
}

// ListSignatures returns the most recent signatures of a published petition.
// Anonymous signatures carry no display name.
func (s *Service) ListSignatures(ctx context.Context, petitionID int64, limit int) ([]SignatureView, error) {
	const operation = opListSignatures
	if s.db == nil {
		return nil, s.missingDatabase(operation)
	}
	if _, err := s.Get(ctx, petitionID); err != nil {
		return nil, err
	}
	limit = NormalizeSignatureLimit(limit)

	var signatures []Signature
	if err := s.db.WithContext(ctx).
		Where(queryPetitionID, petitionID).
		Order(orderNewestFirst).
		Limit(limit).
		Find(&signatures).Error; err != nil {
		return nil, s.storeFailure(operation, reasonQueryFailed, err, zap.Int64("petition_id", petitionID))
	}

	names := s.displayNames(ctx, signatures)
	views := make([]SignatureView, 0, len(signatures))
	for _, signature := range signatures {
		view := SignatureView{
			ID:         signature.ID,
			PetitionID: signature.PetitionID,
			Comment:    signature.Comment,
			Anonymous:  signature.Anonymous,
			CreatedAt:  signature.CreatedAt,
		}
		if !signature.Anonymous {
			view.DisplayName = names[signature.UserID]
		}
		views = append(views, view)
	}
	return views, nil
}

// ListUserSignatures returns every signature made by the identity, newest first.
func (s *Service) ListUserSignatures(ctx context.Context, userID UserID) ([]Signature, error) {
	const operation = opListUserSignatures
	if s.db == nil {
		return nil, s.missingDatabase(operation)
	}
	signer, err := NewUserID(userID.String())
	if err != nil {
		return nil, newServiceError(ErrValidation, operation, reasonMissingIdentity, err)
	}

	var signatures []Signature
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", signer.String()).
		Order(orderNewestFirst).
		Find(&signatures).Error; err != nil {
		return nil, s.storeFailure(operation, reasonQueryFailed, err, zap.String("user_id", signer.String()))
	}
	return signatures, nil
}

func (s *Service) recountSignatures(tx *gorm.DB, operation string, petitionID int64) (int64, error) {
	count := tx.Model(&Signature{}).Select("COUNT(*)").Where(queryPetitionID, petitionID)
	if err := tx.Model(&Petition{}).Where(queryID, petitionID).UpdateColumn("current_count", count).Error; err != nil {
		return 0, s.storeFailure(operation, reasonCountFailed, err, zap.Int64("petition_id", petitionID))
	}
	var current int64
	if err := tx.Model(&Petition{}).Select("current_count").Where(queryID, petitionID).Scan(&current).Error; err != nil {
		return 0, s.storeFailure(operation, reasonCountFailed, err, zap.Int64("petition_id", petitionID))
	}
	return current, nil
}

// displayNames degrades to unnamed signatures when the directory is unavailable.
func (s *Service) displayNames(ctx context.Context, signatures []Signature) map[string]string {
	if s.profiles == nil || len(signatures) == 0 {
		return nil
	}
	userIDs := make([]string, 0, len(signatures))
	for _, signature := range signatures {
		if !signature.Anonymous {
			userIDs = append(userIDs, signature.UserID)
		}
	}
	if len(userIDs) == 0 {
		return nil
	}
	names, err := s.profiles.DisplayNames(ctx, userIDs)
	if err != nil {
		s.loggerOrDefault().Warn("display name lookup failed",
			zap.String("operation", opListSignatures),
			zap.Error(err))
		return nil
	}
	return names
}

// NormalizeSignatureLimit applies the default and maximum page size of signature lists.
func NormalizeSignatureLimit(limit int) int {
	if limit <= 0 {
		return defaultSignatureListLimit
	}
	if limit > maxSignatureListLimit {
		return maxSignatureListLimit
	}
	return limit
}
