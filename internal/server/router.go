package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/petitions/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/petitions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "petitions_user_id"
	defaultRequestTimeout    = 10 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	operationAuthorize       = "http.authorize"
)

var (
	errMissingPetitionService  = errors.New("petition service dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingReadThrough      = errors.New("read-through cache dependency required")
)

// SessionValidator authenticates an incoming request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver maps validated claims onto the canonical user identifier.
type IdentityResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

type Dependencies struct {
	Petitions         *petitions.Service
	Sessions          SessionValidator
	Identities        IdentityResolver
	ReadThrough       *cache.ReadThrough
	TTLs              cache.TTLs
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	MetricsGatherer   prometheus.Gatherer
	HTTPMetrics       *HTTPMetrics
	HealthCheck       func(ctx context.Context) error
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	Clock             func() time.Time
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Petitions == nil {
		return nil, errMissingPetitionService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.ReadThrough == nil {
		return nil, errMissingReadThrough
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	requestTimeout := deps.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	handler := &httpHandler{
		petitions:   deps.Petitions,
		sessions:    deps.Sessions,
		identities:  deps.Identities,
		readThrough: deps.ReadThrough,
		ttls:        deps.TTLs.WithDefaults(),
		realtime:    realtime,
		logger:      logger,
		clock:       clock,
		heartbeat:   heartbeat,
		healthCheck: deps.HealthCheck,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(deps.HTTPMetrics.middleware())

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsGatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.MetricsGatherer, promhttp.HandlerOpts{})))
	}

	// The stream outlives the request deadline, so it is registered before the timeout applies.
	router.GET("/petitions/:ref/stream", handler.handlePetitionStream)

	api := router.Group("/")
	api.Use(requestTimeoutMiddleware(requestTimeout))
	api.GET("/petitions", handler.handleListPetitions)
	api.GET("/petitions/:ref", handler.handleGetPetition)
	api.GET("/petitions/:ref/signatures", handler.handleListSignatures)
	api.GET("/categories", handler.handleListCategories)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me/petitions", handler.handleListOwnPetitions)
	protected.GET("/me/signatures", handler.handleListOwnSignatures)
	protected.POST("/petitions", handler.handleCreatePetition)
	protected.PATCH("/petitions/:ref", handler.handleUpdatePetition)
	protected.POST("/petitions/:ref/publish", handler.handlePublishPetition)
	protected.POST("/petitions/:ref/unpublish", handler.handleUnpublishPetition)
	protected.DELETE("/petitions/:ref", handler.handleDeletePetition)
	protected.POST("/petitions/:ref/signatures", handler.handleSignPetition)

	return router, nil
}

type httpHandler struct {
	petitions   *petitions.Service
	sessions    SessionValidator
	identities  IdentityResolver
	readThrough *cache.ReadThrough
	ttls        cache.TTLs
	realtime    *RealtimeDispatcher
	logger      *zap.Logger
	clock       func() time.Time
	heartbeat   time.Duration
	healthCheck func(ctx context.Context) error
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool { return true },
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:     []string{"Authorization", "Content-Type", "If-None-Match", "Last-Event-ID"},
		ExposeHeaders:    []string{headerETag, headerCacheStatus},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func requestTimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
			abortWithReason(c, http.StatusUnauthorized, operationAuthorize, reasonMissingIdentity)
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session validation failed", zap.Error(err))
			abortWithReason(c, http.StatusUnauthorized, operationAuthorize, reasonExpiredIdentity)
		default:
			h.logger.Warn("session validation failed", zap.Error(err))
			abortWithReason(c, http.StatusUnauthorized, operationAuthorize, reasonInvalidIdentity)
		}
		return
	}

	userID := claims.UserID
	if h.identities != nil {
		canonical, resolveErr := h.identities.ResolveCanonicalUserID(c.Request.Context(), claims)
		if resolveErr != nil {
			h.logger.Error("identity resolution failed", zap.Error(resolveErr))
			abortWithReason(c, http.StatusInternalServerError, operationAuthorize, reasonInternal)
			return
		}
		userID = canonical
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// actor returns the authenticated identity set by authorizeRequest.
func (h *httpHandler) actor(c *gin.Context) (petitions.UserID, bool) {
	userID, err := petitions.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		abortWithReason(c, http.StatusUnauthorized, operationAuthorize, reasonMissingIdentity)
		return "", false
	}
	return userID, true
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
