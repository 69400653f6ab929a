package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/petitions/backend/internal/petitions"
)

type categoryPayload struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type petitionPayload struct {
	ID           int64             `json:"id"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Type         string            `json:"type"`
	ImageRef     *string           `json:"image_ref,omitempty"`
	TargetCount  int64             `json:"target_count"`
	CurrentCount int64             `json:"current_count"`
	Status       string            `json:"status"`
	Location     *string           `json:"location,omitempty"`
	DueDate      time.Time         `json:"due_date"`
	DaysLeft     int               `json:"days_left"`
	Slug         string            `json:"slug"`
	Published    bool              `json:"published"`
	PublishedAt  *time.Time        `json:"published_at,omitempty"`
	CreatedBy    string            `json:"created_by"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Categories   []categoryPayload `json:"categories"`
}

type petitionListPayload struct {
	Petitions []petitionPayload `json:"petitions"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

type signatureViewPayload struct {
	ID          int64     `json:"id"`
	PetitionID  int64     `json:"petition_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Comment     *string   `json:"comment,omitempty"`
	Anonymous   bool      `json:"anonymous"`
	CreatedAt   time.Time `json:"created_at"`
}

type signatureListPayload struct {
	PetitionID int64                  `json:"petition_id"`
	Signatures []signatureViewPayload `json:"signatures"`
}

type userSignaturePayload struct {
	ID         int64     `json:"id"`
	PetitionID int64     `json:"petition_id"`
	Comment    *string   `json:"comment,omitempty"`
	Anonymous  bool      `json:"anonymous"`
	CreatedAt  time.Time `json:"created_at"`
}

type signResponsePayload struct {
	Signature    userSignaturePayload `json:"signature"`
	CurrentCount int64                `json:"current_count"`
}

type createPetitionRequest struct {
	Title       string     `json:"title" form:"title"`
	Description string     `json:"description" form:"description"`
	Type        string     `json:"type" form:"type"`
	ImageRef    *string    `json:"image_ref" form:"image_ref"`
	TargetCount int64      `json:"target_count" form:"target_count"`
	Location    *string    `json:"location" form:"location"`
	DueDate     *time.Time `json:"due_date" form:"due_date" time_format:"2006-01-02T15:04:05Z07:00"`
	CategoryIDs []int64    `json:"category_ids" form:"category_ids"`
}

type updatePetitionRequest struct {
	Title       *string    `json:"title" form:"title"`
	Description *string    `json:"description" form:"description"`
	Type        *string    `json:"type" form:"type"`
	ImageRef    *string    `json:"image_ref" form:"image_ref"`
	TargetCount *int64     `json:"target_count" form:"target_count"`
	Location    *string    `json:"location" form:"location"`
	DueDate     *time.Time `json:"due_date" form:"due_date" time_format:"2006-01-02T15:04:05Z07:00"`
	Status      *string    `json:"status" form:"status"`
	CategoryIDs *[]int64   `json:"category_ids" form:"category_ids"`
}

type signRequest struct {
	Comment   *string `json:"comment" form:"comment"`
	Anonymous bool    `json:"anonymous" form:"anonymous"`
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func newPetitionPayload(petition petitions.Petition, now time.Time) petitionPayload {
	categories := make([]categoryPayload, 0, len(petition.Categories))
	for _, category := range petition.Categories {
		categories = append(categories, newCategoryPayload(category))
	}
	return petitionPayload{
		ID:           petition.ID,
		Title:        petition.Title,
		Description:  petition.Description,
		Type:         string(petition.Type),
		ImageRef:     petition.ImageRef,
		TargetCount:  petition.TargetCount,
		CurrentCount: petition.CurrentCount,
		Status:       string(petition.Status),
		Location:     petition.Location,
		DueDate:      petition.DueDate.UTC(),
		DaysLeft:     petition.DaysLeft(now),
		Slug:         petition.Slug,
		Published:    petition.Published(),
		PublishedAt:  petition.PublishedAt,
		CreatedBy:    petition.CreatedBy,
		CreatedAt:    petition.CreatedAt.UTC(),
		UpdatedAt:    petition.UpdatedAt.UTC(),
		Categories:   categories,
	}
}

func newPetitionPayloads(list []petitions.Petition, now time.Time) []petitionPayload {
	payloads := make([]petitionPayload, 0, len(list))
	for _, petition := range list {
		payloads = append(payloads, newPetitionPayload(petition, now))
	}
	return payloads
}

func newCategoryPayload(category petitions.Category) categoryPayload {
	return categoryPayload{ID: category.ID, Name: category.Name, Slug: category.Slug}
}

func newSignatureViewPayloads(views []petitions.SignatureView) []signatureViewPayload {
	payloads := make([]signatureViewPayload, 0, len(views))
	for _, view := range views {
		payloads = append(payloads, signatureViewPayload{
			ID:          view.ID,
			PetitionID:  view.PetitionID,
			DisplayName: view.DisplayName,
			Comment:     view.Comment,
			Anonymous:   view.Anonymous,
			CreatedAt:   view.CreatedAt.UTC(),
		})
	}
	return payloads
}

func newUserSignaturePayload(signature petitions.Signature) userSignaturePayload {
	return userSignaturePayload{
		ID:         signature.ID,
		PetitionID: signature.PetitionID,
		Comment:    signature.Comment,
		Anonymous:  signature.Anonymous,
		CreatedAt:  signature.CreatedAt.UTC(),
	}
}

func (request createPetitionRequest) toInput() petitions.CreateInput {
	return petitions.CreateInput{
		Title:       request.Title,
		Description: request.Description,
		Type:        petitions.PetitionType(strings.ToLower(strings.TrimSpace(request.Type))),
		ImageRef:    request.ImageRef,
		TargetCount: request.TargetCount,
		Location:    request.Location,
		DueDate:     request.DueDate,
		CategoryIDs: request.CategoryIDs,
	}
}

func (request updatePetitionRequest) toInput() petitions.UpdateInput {
	input := petitions.UpdateInput{
		Title:       request.Title,
		Description: request.Description,
		ImageRef:    request.ImageRef,
		TargetCount: request.TargetCount,
		Location:    request.Location,
		DueDate:     request.DueDate,
		CategoryIDs: request.CategoryIDs,
	}
	if request.Type != nil {
		petitionType := petitions.PetitionType(strings.ToLower(strings.TrimSpace(*request.Type)))
		input.Type = &petitionType
	}
	if request.Status != nil {
		status := petitions.PetitionStatus(strings.ToLower(strings.TrimSpace(*request.Status)))
		input.Status = &status
	}
	return input
}

// parseCategoryIDs accepts a comma separated list; repeated query parameters are joined first.
func parseCategoryIDs(values []string) ([]int64, bool) {
	var ids []int64
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			id, err := strconv.ParseInt(trimmed, 10, 64)
			if err != nil {
				return nil, false
			}
			ids = append(ids, id)
		}
	}
	return ids, true
}

// parseOptionalInt returns zero for an empty value.
func parseOptionalInt(value string) (int, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, true
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// parsePetitionID reports whether ref is a positive numeric identifier.
func parsePetitionID(ref string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(ref), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
