package petitions

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	defaultSignatureListLimit = 20
	maxSignatureListLimit     = 100
)

const (
	reasonMissingIdentity     = "missing_identity"
	reasonInvalidTitle        = "invalid_title"
	reasonInvalidDescription  = "invalid_description"
	reasonInvalidType         = "invalid_type"
	reasonInvalidTargetCount  = "invalid_target_count"
	reasonMissingLocation     = "missing_location"
	reasonInvalidLocation     = "invalid_location"
	reasonInvalidImageRef     = "invalid_image_ref"
	reasonInvalidDueDate      = "invalid_due_date"
	reasonInvalidStatus       = "invalid_status"
	reasonInvalidCategoryID   = "invalid_category_id"
	reasonUnknownCategory     = "unknown_category"
	reasonInvalidPetitionID   = "invalid_petition_id"
	reasonInvalidComment      = "invalid_comment"
	reasonInvalidIPAddress    = "invalid_ip_address"
	reasonInvalidOffset       = "invalid_offset"
	reasonNoFields            = "no_fields"
	reasonPetitionNotFound    = "petition_not_found"
	reasonPetitionNotOwned    = "petition_not_owned"
	reasonPetitionClosed      = "petition_closed"
	reasonDuplicateSignature  = "duplicate_signature"
	reasonSlugCollision       = "slug_collision"
	reasonMissingDatabase     = "missing_database"
	reasonQueryFailed         = "query_failed"
	reasonInsertFailed        = "insert_failed"
	reasonUpdateFailed        = "update_failed"
	reasonDeleteFailed        = "delete_failed"
	reasonCategoryWriteFailed = "category_write_failed"
	reasonCountFailed         = "count_failed"
	reasonSlugFailed          = "slug_failed"
)

// CreateInput is the validated shape accepted by Service.Create.
type CreateInput struct {
	Title       string
	Description string
	Type        PetitionType
	ImageRef    *string
	TargetCount int64
	Location    *string
	DueDate     *time.Time
	CategoryIDs []int64
}

// UpdateInput carries only the fields the caller wants to change.
// A non-nil CategoryIDs replaces the full category set, an empty slice clears it.
type UpdateInput struct {
	Title       *string
	Description *string
	Type        *PetitionType
	ImageRef    *string
	TargetCount *int64
	Location    *string
	DueDate     *time.Time
	Status      *PetitionStatus
	CategoryIDs *[]int64
}

// Empty reports whether no field was supplied.
func (input UpdateInput) Empty() bool {
	return input.Title == nil &&
		input.Description == nil &&
		input.Type == nil &&
		input.ImageRef == nil &&
		input.TargetCount == nil &&
		input.Location == nil &&
		input.DueDate == nil &&
		input.Status == nil &&
		input.CategoryIDs == nil
}

// ListFilter selects published petitions.
type ListFilter struct {
	Type        PetitionType
	CategoryIDs []int64
	Limit       int
	Offset      int
}

// Normalize applies paging defaults and canonical category ordering.
// Equal filters normalize to identical values, which keeps cache keys stable.
func (filter ListFilter) Normalize() (ListFilter, error) {
	const operation = opListPetitions
	normalized := ListFilter{Limit: filter.Limit, Offset: filter.Offset}
	if filter.Type != "" {
		petitionType, ok := ParsePetitionType(string(filter.Type))
		if !ok {
			return ListFilter{}, validationError(operation, reasonInvalidType)
		}
		normalized.Type = petitionType
	}
	categoryIDs, err := normalizeCategoryIDs(operation, filter.CategoryIDs)
	if err != nil {
		return ListFilter{}, err
	}
	normalized.CategoryIDs = categoryIDs
	if normalized.Limit <= 0 {
		normalized.Limit = defaultListLimit
	}
	if normalized.Limit > maxListLimit {
		normalized.Limit = maxListLimit
	}
	if normalized.Offset < 0 {
		return ListFilter{}, validationError(operation, reasonInvalidOffset)
	}
	return normalized, nil
}

// SignInput is the validated shape accepted by Service.Sign.
type SignInput struct {
	PetitionID int64
	UserID     UserID
	Comment    *string
	Anonymous  bool
	IPAddress  *string
}

type petitionFields struct {
	title        string
	description  string
	petitionType PetitionType
	imageRef     *string
	targetCount  int64
	location     *string
	dueDate      time.Time
	status       PetitionStatus
}

func (fields petitionFields) validate(operation string) error {
	if fields.title == "" || utf8.RuneCountInString(fields.title) > maxTitleLength {
		return validationError(operation, reasonInvalidTitle)
	}
	if fields.description == "" || utf8.RuneCountInString(fields.description) > maxDescriptionLength {
		return validationError(operation, reasonInvalidDescription)
	}
	if _, ok := ParsePetitionType(string(fields.petitionType)); !ok {
		return validationError(operation, reasonInvalidType)
	}
	if fields.targetCount < 1 {
		return validationError(operation, reasonInvalidTargetCount)
	}
	if fields.location != nil && utf8.RuneCountInString(*fields.location) > maxLocationLength {
		return validationError(operation, reasonInvalidLocation)
	}
	if fields.petitionType == PetitionTypeLocal && fields.location == nil {
		return validationError(operation, reasonMissingLocation)
	}
	if fields.imageRef != nil && len(*fields.imageRef) > maxImageRefLength {
		return validationError(operation, reasonInvalidImageRef)
	}
	if fields.dueDate.IsZero() {
		return validationError(operation, reasonInvalidDueDate)
	}
	if _, ok := ParsePetitionStatus(string(fields.status)); !ok {
		return validationError(operation, reasonInvalidStatus)
	}
	return nil
}

func fieldsFromCreate(input CreateInput, dueDate time.Time) petitionFields {
	petitionType, ok := ParsePetitionType(string(input.Type))
	if !ok {
		petitionType = input.Type
	}
	return petitionFields{
		title:        strings.TrimSpace(input.Title),
		description:  strings.TrimSpace(input.Description),
		petitionType: petitionType,
		imageRef:     optionalText(input.ImageRef),
		targetCount:  input.TargetCount,
		location:     optionalText(input.Location),
		dueDate:      dueDate,
		status:       PetitionStatusActive,
	}
}

func fieldsFromPetition(petition Petition) petitionFields {
	return petitionFields{
		title:        petition.Title,
		description:  petition.Description,
		petitionType: petition.Type,
		imageRef:     petition.ImageRef,
		targetCount:  petition.TargetCount,
		location:     petition.Location,
		dueDate:      petition.DueDate,
		status:       petition.Status,
	}
}

// apply merges the supplied fields and returns the column updates they imply.
func (fields petitionFields) apply(input UpdateInput) (petitionFields, map[string]any) {
	merged := fields
	updates := make(map[string]any)
	if input.Title != nil {
		merged.title = strings.TrimSpace(*input.Title)
		updates["title"] = merged.title
	}
	if input.Description != nil {
		merged.description = strings.TrimSpace(*input.Description)
		updates["description"] = merged.description
	}
	if input.Type != nil {
		petitionType, ok := ParsePetitionType(string(*input.Type))
		if !ok {
			petitionType = *input.Type
		}
		merged.petitionType = petitionType
		updates["type"] = petitionType
	}
	if input.ImageRef != nil {
		merged.imageRef = optionalText(input.ImageRef)
		updates["image_ref"] = merged.imageRef
	}
	if input.TargetCount != nil {
		merged.targetCount = *input.TargetCount
		updates["target_count"] = merged.targetCount
	}
	if input.Location != nil {
		merged.location = optionalText(input.Location)
		updates["location"] = merged.location
	}
	if input.DueDate != nil {
		merged.dueDate = input.DueDate.UTC()
		updates["due_date"] = merged.dueDate
	}
	if input.Status != nil {
		status, ok := ParsePetitionStatus(string(*input.Status))
		if !ok {
			status = *input.Status
		}
		merged.status = status
		updates["status"] = status
	}
	return merged, updates
}

func (input SignInput) normalize() (SignInput, error) {
	const operation = opSign
	if input.PetitionID <= 0 {
		return SignInput{}, validationError(operation, reasonInvalidPetitionID)
	}
	userID, err := NewUserID(input.UserID.String())
	if err != nil {
		return SignInput{}, newServiceError(ErrValidation, operation, reasonMissingIdentity, err)
	}
	normalized := SignInput{
		PetitionID: input.PetitionID,
		UserID:     userID,
		Comment:    optionalText(input.Comment),
		Anonymous:  input.Anonymous,
		IPAddress:  optionalText(input.IPAddress),
	}
	if normalized.Comment != nil && utf8.RuneCountInString(*normalized.Comment) > maxCommentLength {
		return SignInput{}, validationError(operation, reasonInvalidComment)
	}
	if normalized.IPAddress != nil && len(*normalized.IPAddress) > maxIPAddressLength {
		return SignInput{}, validationError(operation, reasonInvalidIPAddress)
	}
	return normalized, nil
}

func normalizeCategoryIDs(operation string, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	seen := make(map[int64]struct{}, len(ids))
	unique := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return nil, validationError(operation, reasonInvalidCategoryID)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })
	return unique, nil
}

func optionalText(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
