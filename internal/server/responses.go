package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/petitions/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/petitions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerETag          = "ETag"
	headerCacheControl  = "Cache-Control"
	headerIfNoneMatch   = "If-None-Match"
	headerCacheStatus   = "X-Cache"
	cacheStatusHit      = "HIT"
	cacheStatusMiss     = "MISS"
	cacheControlNoStore = "no-store"
	contentTypeJSON     = "application/json; charset=utf-8"

	reasonInvalidRequest   = "invalid_request"
	reasonInvalidQuery     = "invalid_query"
	reasonMissingIdentity  = "missing_identity"
	reasonInvalidIdentity  = "invalid_identity"
	reasonExpiredIdentity  = "expired_identity"
	reasonPetitionNotFound = "petition_not_found"
	reasonInternal         = "internal_error"
	reasonEncodeFailed     = "encode_failed"
)

// visibility selects the Cache-Control directive of a cached response.
type visibility string

const (
	visibilityPublic  visibility = "public"
	visibilityPrivate visibility = "private"
)

// statusForError maps the lifecycle error kinds onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, petitions.ErrValidation), errors.Is(err, petitions.ErrNoOp):
		return http.StatusBadRequest
	case errors.Is(err, petitions.ErrOwnership):
		return http.StatusForbidden
	case errors.Is(err, petitions.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, petitions.ErrDuplicateSignature):
		return http.StatusConflict
	case errors.Is(err, petitions.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorPayloadFor(err error) errorPayload {
	var serviceErr *petitions.ServiceError
	if errors.As(err, &serviceErr) {
		return errorPayload{Error: serviceErr.Reason(), Code: serviceErr.Code()}
	}
	return errorPayload{Error: reasonInternal, Code: "http." + reasonInternal}
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.Header(headerCacheControl, cacheControlNoStore)
	c.AbortWithStatusJSON(status, errorPayloadFor(err))
}

func abortWithReason(c *gin.Context, status int, operation, reason string) {
	c.Header(headerCacheControl, cacheControlNoStore)
	c.AbortWithStatusJSON(status, errorPayload{Error: reason, Code: fmt.Sprintf("%s.%s", operation, reason)})
}

func respondUncached(c *gin.Context, status int, payload any) {
	c.Header(headerCacheControl, cacheControlNoStore)
	c.JSON(status, payload)
}

// encodeJSON adapts a typed loader into a cache computation.
func encodeJSON[T any](load func(ctx context.Context) (T, error)) cache.ComputeFunc {
	return func(ctx context.Context) ([]byte, error) {
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", reasonEncodeFailed, err)
		}
		return payload, nil
	}
}

// serveCached answers a GET through the read-through cache with validators.
// A matching If-None-Match yields 304 without a body.
func (h *httpHandler) serveCached(c *gin.Context, key string, maxAge time.Duration, scope visibility, compute cache.ComputeFunc) {
	entry, hit, err := h.readThrough.GetOrCompute(c.Request.Context(), key, maxAge, compute)
	if err != nil {
		h.respondError(c, err)
		return
	}

	cacheStatus := cacheStatusMiss
	if hit {
		cacheStatus = cacheStatusHit
	}
	c.Header(headerETag, entry.ETag)
	c.Header(headerCacheControl, fmt.Sprintf("%s, max-age=%d", scope, maxAgeSeconds(entry.Remaining(h.clock()))))
	c.Header(headerCacheStatus, cacheStatus)

	if entry.Matches(c.GetHeader(headerIfNoneMatch)) {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, contentTypeJSON, entry.Payload)
}

func maxAgeSeconds(remaining time.Duration) int64 {
	if remaining <= 0 {
		return 0
	}
	return int64(math.Ceil(remaining.Seconds()))
}
