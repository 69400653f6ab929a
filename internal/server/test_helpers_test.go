package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/petitions/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/database"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/petitions"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
)

var databaseSequence atomic.Int64

type serverHarness struct {
	handler    http.Handler
	service    *petitions.Service
	issuer     *auth.SessionIssuer
	store      *cache.MemoryStore
	dispatcher *RealtimeDispatcher
	metrics    *cache.Metrics
	registry   *prometheus.Registry
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:server_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), databaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newTestDatabase(t)

	store := cache.NewMemoryStore(nil)
	metrics := &cache.Metrics{}
	generations := cache.NewGenerations()
	readThrough, err := cache.NewReadThrough(cache.ReadThroughConfig{Store: store, Metrics: metrics, Generations: generations})
	if err != nil {
		t.Fatalf("failed to build read-through cache: %v", err)
	}
	invalidator, err := cache.NewInvalidator(cache.InvalidatorConfig{Store: store, Metrics: metrics, Generations: generations})
	if err != nil {
		t.Fatalf("failed to build invalidator: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	dispatcher := NewRealtimeDispatcher()
	service, err := petitions.NewService(petitions.ServiceConfig{
		Database:  db,
		Profiles:  userService,
		Notifiers: []petitions.ChangeNotifier{invalidator, NewRealtimeNotifier(dispatcher, nil)},
	})
	if err != nil {
		t.Fatalf("failed to build petition service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build session issuer: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)
	httpMetrics := &HTTPMetrics{}
	httpMetrics.Register(registry)

	handler, err := NewHTTPHandler(Dependencies{
		Petitions:         service,
		Sessions:          validator,
		Identities:        userService,
		ReadThrough:       readThrough,
		Realtime:          dispatcher,
		MetricsGatherer:   registry,
		HTTPMetrics:       httpMetrics,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &serverHarness{
		handler:    handler,
		service:    service,
		issuer:     issuer,
		store:      store,
		dispatcher: dispatcher,
		metrics:    metrics,
		registry:   registry,
	}
}

func (h *serverHarness) token(t *testing.T, userID, displayName string) string {
	t.Helper()
	token, _, err := h.issuer.Issue(auth.SessionIdentity{UserID: userID, DisplayName: displayName})
	if err != nil {
		t.Fatalf("failed to issue session token: %v", err)
	}
	return token
}

// do sends a request through the handler. A non-nil body is encoded as JSON.
func (h *serverHarness) do(t *testing.T, method, target, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	for index := 0; index+1 < len(headers); index += 2 {
		request.Header.Set(headers[index], headers[index+1])
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func (h *serverHarness) createPublished(t *testing.T, token string, title string) petitionPayload {
	t.Helper()
	created := h.do(t, http.MethodPost, "/petitions", token, map[string]any{
		"title":        title,
		"description":  "A petition created by the test harness.",
		"type":         "national",
		"target_count": 100,
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("unexpected create status %d: %s", created.Code, created.Body.String())
	}
	petition := decodeBody[petitionPayload](t, created)
	published := h.do(t, http.MethodPost, fmt.Sprintf("/petitions/%d/publish", petition.ID), token, nil)
	if published.Code != http.StatusOK {
		t.Fatalf("unexpected publish status %d: %s", published.Code, published.Body.String())
	}
	return decodeBody[petitionPayload](t, published)
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}
