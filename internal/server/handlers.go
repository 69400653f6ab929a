package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/petitions/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/petitions"
	"github.com/gin-gonic/gin"
)

const (
	operationListPetitions  = "http.list_petitions"
	operationListSignatures = "http.list_signatures"
	operationCreatePetition = "http.create_petition"
	operationUpdatePetition = "http.update_petition"
	operationPublish        = "http.publish_petition"
	operationUnpublish      = "http.unpublish_petition"
	operationDelete         = "http.delete_petition"
	operationSign           = "http.sign_petition"
)

func (h *httpHandler) handleListPetitions(c *gin.Context) {
	categoryIDs, ok := parseCategoryIDs(c.QueryArray("category_ids"))
	if !ok {
		abortWithReason(c, http.StatusBadRequest, operationListPetitions, reasonInvalidQuery)
		return
	}
	limit, limitOK := parseOptionalInt(c.Query("limit"))
	offset, offsetOK := parseOptionalInt(c.Query("offset"))
	if !limitOK || !offsetOK {
		abortWithReason(c, http.StatusBadRequest, operationListPetitions, reasonInvalidQuery)
		return
	}

	filter, err := petitions.ListFilter{
		Type:        petitions.PetitionType(strings.ToLower(strings.TrimSpace(c.Query("type")))),
		CategoryIDs: categoryIDs,
		Limit:       limit,
		Offset:      offset,
	}.Normalize()
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.serveCached(c, cache.ListKey(filter), h.ttls.Listings, visibilityPublic,
		encodeJSON(func(ctx context.Context) (petitionListPayload, error) {
			list, err := h.petitions.List(ctx, filter)
			if err != nil {
				return petitionListPayload{}, err
			}
			return petitionListPayload{
				Petitions: newPetitionPayloads(list, h.clock()),
				Limit:     filter.Limit,
				Offset:    filter.Offset,
			}, nil
		}))
}

func (h *httpHandler) handleGetPetition(c *gin.Context) {
	ref := strings.TrimSpace(c.Param("ref"))
	if petitionID, ok := parsePetitionID(ref); ok {
		h.serveCached(c, cache.PetitionIDKey(petitionID), h.ttls.Petition, visibilityPublic,
			encodeJSON(func(ctx context.Context) (petitionPayload, error) {
				petition, err := h.petitions.Get(ctx, petitionID)
				if err != nil {
					return petitionPayload{}, err
				}
				return newPetitionPayload(petition, h.clock()), nil
			}))
		return
	}
	h.serveCached(c, cache.PetitionSlugKey(ref), h.ttls.Petition, visibilityPublic,
		encodeJSON(func(ctx context.Context) (petitionPayload, error) {
			petition, err := h.petitions.GetBySlug(ctx, ref)
			if err != nil {
				return petitionPayload{}, err
			}
			return newPetitionPayload(petition, h.clock()), nil
		}))
}

func (h *httpHandler) handleListSignatures(c *gin.Context) {
	limit, ok := parseOptionalInt(c.Query("limit"))
	if !ok {
		abortWithReason(c, http.StatusBadRequest, operationListSignatures, reasonInvalidQuery)
		return
	}
	petitionID, err := h.resolvePetitionID(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	limit = petitions.NormalizeSignatureLimit(limit)

	h.serveCached(c, cache.SignaturesKey(petitionID, limit), h.ttls.Signatures, visibilityPublic,
		encodeJSON(func(ctx context.Context) (signatureListPayload, error) {
			views, err := h.petitions.ListSignatures(ctx, petitionID, limit)
			if err != nil {
				return signatureListPayload{}, err
			}
			return signatureListPayload{PetitionID: petitionID, Signatures: newSignatureViewPayloads(views)}, nil
		}))
}

func (h *httpHandler) handleListCategories(c *gin.Context) {
	h.serveCached(c, cache.CategoriesKey, h.ttls.Categories, visibilityPublic,
		encodeJSON(func(ctx context.Context) ([]categoryPayload, error) {
			categories, err := h.petitions.ListCategories(ctx)
			if err != nil {
				return nil, err
			}
			payloads := make([]categoryPayload, 0, len(categories))
			for _, category := range categories {
				payloads = append(payloads, newCategoryPayload(category))
			}
			return payloads, nil
		}))
}

func (h *httpHandler) handleListOwnPetitions(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	h.serveCached(c, cache.UserPetitionsKey(actor.String()), h.ttls.UserPetitions, visibilityPrivate,
		encodeJSON(func(ctx context.Context) ([]petitionPayload, error) {
			owned, err := h.petitions.ListOwned(ctx, actor)
			if err != nil {
				return nil, err
			}
			return newPetitionPayloads(owned, h.clock()), nil
		}))
}

func (h *httpHandler) handleListOwnSignatures(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	h.serveCached(c, cache.UserSignaturesKey(actor.String()), h.ttls.UserSignatures, visibilityPrivate,
		encodeJSON(func(ctx context.Context) ([]userSignaturePayload, error) {
			signatures, err := h.petitions.ListUserSignatures(ctx, actor)
			if err != nil {
				return nil, err
			}
			payloads := make([]userSignaturePayload, 0, len(signatures))
			for _, signature := range signatures {
				payloads = append(payloads, newUserSignaturePayload(signature))
			}
			return payloads, nil
		}))
}

func (h *httpHandler) handleCreatePetition(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var request createPetitionRequest
	if err := c.ShouldBind(&request); err != nil {
		abortWithReason(c, http.StatusBadRequest, operationCreatePetition, reasonInvalidRequest)
		return
	}
	petition, err := h.petitions.Create(c.Request.Context(), actor, request.toInput())
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondUncached(c, http.StatusCreated, newPetitionPayload(petition, h.clock()))
}

func (h *httpHandler) handleUpdatePetition(c *gin.Context) {
	actor, petitionID, ok := h.writeTarget(c, operationUpdatePetition)
	if !ok {
		return
	}
	var request updatePetitionRequest
	if err := c.ShouldBind(&request); err != nil {
		abortWithReason(c, http.StatusBadRequest, operationUpdatePetition, reasonInvalidRequest)
		return
	}
	petition, err := h.petitions.Update(c.Request.Context(), actor, petitionID, request.toInput())
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondUncached(c, http.StatusOK, newPetitionPayload(petition, h.clock()))
}

func (h *httpHandler) handlePublishPetition(c *gin.Context) {
	actor, petitionID, ok := h.writeTarget(c, operationPublish)
	if !ok {
		return
	}
	petition, err := h.petitions.Publish(c.Request.Context(), actor, petitionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondUncached(c, http.StatusOK, newPetitionPayload(petition, h.clock()))
}

func (h *httpHandler) handleUnpublishPetition(c *gin.Context) {
	actor, petitionID, ok := h.writeTarget(c, operationUnpublish)
	if !ok {
		return
	}
	if err := h.petitions.Unpublish(c.Request.Context(), actor, petitionID); err != nil {
		h.respondError(c, err)
		return
	}
	respondUncached(c, http.StatusOK, gin.H{"id": petitionID, "published": false})
}

func (h *httpHandler) handleDeletePetition(c *gin.Context) {
	actor, petitionID, ok := h.writeTarget(c, operationDelete)
	if !ok {
		return
	}
	if err := h.petitions.Delete(c.Request.Context(), actor, petitionID); err != nil {
		h.respondError(c, err)
		return
	}
	respondUncached(c, http.StatusOK, gin.H{"id": petitionID, "deleted": true})
}

func (h *httpHandler) handleSignPetition(c *gin.Context) {
	actor, petitionID, ok := h.writeTarget(c, operationSign)
	if !ok {
		return
	}
	var request signRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBind(&request); err != nil {
			abortWithReason(c, http.StatusBadRequest, operationSign, reasonInvalidRequest)
			return
		}
	}
	input := petitions.SignInput{
		PetitionID: petitionID,
		UserID:     actor,
		Comment:    request.Comment,
		Anonymous:  request.Anonymous,
	}
	if clientIP := c.ClientIP(); clientIP != "" {
		input.IPAddress = &clientIP
	}
	result, err := h.petitions.Sign(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondUncached(c, http.StatusCreated, signResponsePayload{
		Signature:    newUserSignaturePayload(result.Signature),
		CurrentCount: result.CurrentCount,
	})
}

// writeTarget extracts the actor and the numeric petition id addressed by a write.
// Writes never resolve slugs.
func (h *httpHandler) writeTarget(c *gin.Context, operation string) (petitions.UserID, int64, bool) {
	actor, ok := h.actor(c)
	if !ok {
		return "", 0, false
	}
	petitionID, ok := parsePetitionID(c.Param("ref"))
	if !ok {
		abortWithReason(c, http.StatusNotFound, operation, reasonPetitionNotFound)
		return "", 0, false
	}
	return actor, petitionID, true
}

// resolvePetitionID accepts a numeric id as is and looks a slug up among published petitions.
func (h *httpHandler) resolvePetitionID(ctx context.Context, ref string) (int64, error) {
	ref = strings.TrimSpace(ref)
	if petitionID, ok := parsePetitionID(ref); ok {
		return petitionID, nil
	}
	petition, err := h.petitions.GetBySlug(ctx, ref)
	if err != nil {
		return 0, err
	}
	return petition.ID, nil
}
