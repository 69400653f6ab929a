package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/petitions/backend/internal/petitions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func TestCachedPetitionReadServesValidators(t *testing.T) {
	harness := newServerHarness(t)
	owner := harness.token(t, "user-1", "Maria Santos")
	petition := harness.createPublished(t, owner, "Plant Trees Along the Highway")
	target := fmt.Sprintf("/petitions/%d", petition.ID)

	first := harness.do(t, http.MethodGet, target, "", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", first.Code, first.Body.String())
	}
	etag := first.Header().Get(headerETag)
	if etag == "" {
		t.Fatalf("expected ETag header")
	}
	if first.Header().Get(headerCacheStatus) != cacheStatusMiss {
		t.Fatalf("expected first read to miss, got %q", first.Header().Get(headerCacheStatus))
	}
	if cacheControl := first.Header().Get(headerCacheControl); cacheControl != "public, max-age=300" {
		t.Fatalf("unexpected Cache-Control %q", cacheControl)
	}

	second := harness.do(t, http.MethodGet, target, "", nil)
	if second.Header().Get(headerCacheStatus) != cacheStatusHit {
		t.Fatalf("expected second read to hit")
	}
	if second.Header().Get(headerETag) != etag {
		t.Fatalf("expected stable ETag, got %q and %q", etag, second.Header().Get(headerETag))
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("expected identical payloads within the ttl")
	}

	conditional := harness.do(t, http.MethodGet, target, "", nil, headerIfNoneMatch, etag)
	if conditional.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", conditional.Code)
	}
	if conditional.Body.Len() != 0 {
		t.Fatalf("expected empty body for 304, got %q", conditional.Body.String())
	}

	bySlug := harness.do(t, http.MethodGet, "/petitions/"+petition.Slug, "", nil)
	if bySlug.Code != http.StatusOK {
		t.Fatalf("unexpected slug lookup status %d", bySlug.Code)
	}
	if decodeBody[petitionPayload](t, bySlug).ID != petition.ID {
		t.Fatalf("expected slug lookup to return petition %d", petition.ID)
	}
}

func TestSigningInvalidatesCachedReads(t *testing.T) {
	harness := newServerHarness(t)
	owner := harness.token(t, "user-1", "Maria Santos")
	signer := harness.token(t, "user-2", "Jose Rizal")
	petition := harness.createPublished(t, owner, "Repair the Public Library")
	target := fmt.Sprintf("/petitions/%d", petition.ID)

	before := harness.do(t, http.MethodGet, target, "", nil)
	listBefore := harness.do(t, http.MethodGet, "/petitions", "", nil)
	if before.Code != http.StatusOK || listBefore.Code != http.StatusOK {
		t.Fatalf("unexpected warm-up statuses %d %d", before.Code, listBefore.Code)
	}

	signed := harness.do(t, http.MethodPost, target+"/signatures", signer, map[string]any{"comment": "Long overdue"})
	if signed.Code != http.StatusCreated {
		t.Fatalf("unexpected sign status %d: %s", signed.Code, signed.Body.String())
	}
	if signed.Header().Get(headerCacheControl) != cacheControlNoStore {
		t.Fatalf("expected writes to be uncached")
	}
	if decodeBody[signResponsePayload](t, signed).CurrentCount != 1 {
		t.Fatalf("expected current count 1")
	}

	after := harness.do(t, http.MethodGet, target, "", nil, headerIfNoneMatch, before.Header().Get(headerETag))
	if after.Code != http.StatusOK {
		t.Fatalf("expected stale validator to be rejected, got %d", after.Code)
	}
	if after.Header().Get(headerCacheStatus) != cacheStatusMiss {
		t.Fatalf("expected petition entry to be evicted")
	}
	if decodeBody[petitionPayload](t, after).CurrentCount != 1 {
		t.Fatalf("expected refreshed count")
	}

	listAfter := harness.do(t, http.MethodGet, "/petitions", "", nil)
	listed := decodeBody[petitionListPayload](t, listAfter)
	if len(listed.Petitions) != 1 || listed.Petitions[0].CurrentCount != 1 {
		t.Fatalf("expected listing to reflect the new signature, got %#v", listed.Petitions)
	}

	signatures := harness.do(t, http.MethodGet, target+"/signatures", "", nil)
	views := decodeBody[signatureListPayload](t, signatures)
	if len(views.Signatures) != 1 || views.Signatures[0].DisplayName != "Jose Rizal" {
		t.Fatalf("unexpected signature views %#v", views.Signatures)
	}

	own := harness.do(t, http.MethodGet, "/me/signatures", signer, nil)
	if own.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", own.Code)
	}
	if !strings.HasPrefix(own.Header().Get(headerCacheControl), string(visibilityPrivate)) {
		t.Fatalf("expected private Cache-Control, got %q", own.Header().Get(headerCacheControl))
	}
	if entries := decodeBody[[]userSignaturePayload](t, own); len(entries) != 1 || entries[0].PetitionID != petition.ID {
		t.Fatalf("unexpected own signatures %#v", entries)
	}
}

func TestWriteErrorsMapToStatuses(t *testing.T) {
	harness := newServerHarness(t)
	owner := harness.token(t, "user-1", "Maria Santos")
	stranger := harness.token(t, "user-2", "Jose Rizal")
	petition := harness.createPublished(t, owner, "Build a Footbridge")
	target := fmt.Sprintf("/petitions/%d", petition.ID)

	testCases := []struct {
		name       string
		method     string
		target     string
		token      string
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "unauthenticated create",
			method:     http.MethodPost,
			target:     "/petitions",
			body:       map[string]any{"title": "Anything"},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "http.authorize.missing_identity",
		},
		{
			name:       "invalid create",
			method:     http.MethodPost,
			target:     "/petitions",
			token:      owner,
			body:       map[string]any{"title": "", "type": "national", "target_count": 5, "description": "x"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "petitions.create.invalid_title",
		},
		{
			name:       "update by non owner",
			method:     http.MethodPatch,
			target:     target,
			token:      stranger,
			body:       map[string]any{"title": "Hijacked"},
			wantStatus: http.StatusForbidden,
			wantCode:   "petitions.update.petition_not_owned",
		},
		{
			name:       "empty update",
			method:     http.MethodPatch,
			target:     target,
			token:      owner,
			body:       map[string]any{},
			wantStatus: http.StatusBadRequest,
			wantCode:   "petitions.update.no_fields",
		},
		{
			name:       "write by slug",
			method:     http.MethodPost,
			target:     "/petitions/" + petition.Slug + "/publish",
			token:      owner,
			wantStatus: http.StatusNotFound,
			wantCode:   "http.publish_petition.petition_not_found",
		},
		{
			name:       "missing petition",
			method:     http.MethodGet,
			target:     "/petitions/9999",
			wantStatus: http.StatusNotFound,
			wantCode:   "petitions.get.petition_not_found",
		},
		{
			name:       "invalid listing filter",
			method:     http.MethodGet,
			target:     "/petitions?type=regional",
			wantStatus: http.StatusBadRequest,
			wantCode:   "petitions.list.invalid_type",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := harness.do(t, testCase.method, testCase.target, testCase.token, testCase.body)
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
			}
			payload := decodeBody[errorPayload](t, recorder)
			if payload.Code != testCase.wantCode {
				t.Fatalf("unexpected code %q, want %q", payload.Code, testCase.wantCode)
			}
			if !strings.HasSuffix(payload.Code, "."+payload.Error) {
				t.Fatalf("expected error reason %q to end the code %q", payload.Error, payload.Code)
			}
		})
	}
}

func TestStatusForErrorCoversEveryKind(t *testing.T) {
	testCases := map[error]int{
		petitions.ErrValidation:         http.StatusBadRequest,
		petitions.ErrNoOp:               http.StatusBadRequest,
		petitions.ErrOwnership:          http.StatusForbidden,
		petitions.ErrNotFound:           http.StatusNotFound,
		petitions.ErrDuplicateSignature: http.StatusConflict,
		petitions.ErrTimeout:            http.StatusGatewayTimeout,
		petitions.ErrStore:              http.StatusInternalServerError,
		errors.New("unexpected"):        http.StatusInternalServerError,
	}
	for kind, want := range testCases {
		wrapped := fmt.Errorf("wrapped: %w", kind)
		if got := statusForError(wrapped); got != want {
			t.Fatalf("statusForError(%v) = %d, want %d", kind, got, want)
		}
	}
}

func TestOwnPetitionsIncludeDrafts(t *testing.T) {
	harness := newServerHarness(t)
	owner := harness.token(t, "user-1", "Maria Santos")

	created := harness.do(t, http.MethodPost, "/petitions", owner, map[string]any{
		"title":        "Draft About Streetlights",
		"description":  "Still collecting details.",
		"type":         "local",
		"location":     "Barangay Y",
		"target_count": 50,
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("unexpected create status %d: %s", created.Code, created.Body.String())
	}

	public := decodeBody[petitionListPayload](t, harness.do(t, http.MethodGet, "/petitions", "", nil))
	if len(public.Petitions) != 0 {
		t.Fatalf("expected drafts to stay out of public listings")
	}

	own := harness.do(t, http.MethodGet, "/me/petitions", owner, nil)
	drafts := decodeBody[[]petitionPayload](t, own)
	if len(drafts) != 1 || drafts[0].Published {
		t.Fatalf("expected the unpublished draft, got %#v", drafts)
	}
}

func TestBarangayScenarioOverHTTP(t *testing.T) {
	harness := newServerHarness(t)
	owner := harness.token(t, "user-1", "Maria Santos")
	body := map[string]any{
		"title":        "Fix the Road to Barangay X",
		"description":  "The road floods every rainy season.",
		"type":         "local",
		"location":     "Barangay X",
		"target_count": 500,
	}

	unauthenticated := harness.do(t, http.MethodPost, "/petitions", "", body)
	if unauthenticated.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", unauthenticated.Code)
	}

	created := harness.do(t, http.MethodPost, "/petitions", owner, body)
	if created.Code != http.StatusCreated {
		t.Fatalf("unexpected create status %d: %s", created.Code, created.Body.String())
	}
	petition := decodeBody[petitionPayload](t, created)
	if petition.Published || petition.PublishedAt != nil {
		t.Fatalf("expected new petition to be unpublished")
	}
	if want := fmt.Sprintf("fix-the-road-to-barangay-x-%d", petition.ID); petition.Slug != want {
		t.Fatalf("unexpected slug %q, want %q", petition.Slug, want)
	}

	published := harness.do(t, http.MethodPost, fmt.Sprintf("/petitions/%d/publish", petition.ID), owner, nil)
	if published.Code != http.StatusOK || decodeBody[petitionPayload](t, published).PublishedAt == nil {
		t.Fatalf("expected publish to set published_at")
	}

	local := decodeBody[petitionListPayload](t, harness.do(t, http.MethodGet, "/petitions?type=local", "", nil))
	if len(local.Petitions) != 1 || local.Petitions[0].ID != petition.ID {
		t.Fatalf("expected published petition in local listing, got %#v", local.Petitions)
	}

	signers := []string{
		harness.token(t, "user-2", "Jose Rizal"),
		harness.token(t, "user-3", "Gabriela Silang"),
	}
	target := fmt.Sprintf("/petitions/%d/signatures", petition.ID)
	var wg sync.WaitGroup
	statuses := make([]int, len(signers))
	for index, signer := range signers {
		wg.Add(1)
		go func(index int, signer string) {
			defer wg.Done()
			statuses[index] = harness.do(t, http.MethodPost, target, signer, nil).Code
		}(index, signer)
	}
	wg.Wait()
	for index, status := range statuses {
		if status != http.StatusCreated {
			t.Fatalf("signer %d received status %d", index, status)
		}
	}

	current := decodeBody[petitionPayload](t, harness.do(t, http.MethodGet, fmt.Sprintf("/petitions/%d", petition.ID), "", nil))
	if current.CurrentCount != 2 {
		t.Fatalf("expected current count 2, got %d", current.CurrentCount)
	}

	duplicate := harness.do(t, http.MethodPost, target, signers[0], nil)
	if duplicate.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a repeated signature, got %d", duplicate.Code)
	}
	if decodeBody[errorPayload](t, duplicate).Code != "petitions.sign.duplicate_signature" {
		t.Fatalf("unexpected duplicate code %s", duplicate.Body.String())
	}
}

func TestCategoriesAndHealthEndpoints(t *testing.T) {
	harness := newServerHarness(t)

	categories := harness.do(t, http.MethodGet, "/categories", "", nil)
	if categories.Code != http.StatusOK {
		t.Fatalf("unexpected categories status %d", categories.Code)
	}
	if listed := decodeBody[[]categoryPayload](t, categories); len(listed) == 0 || listed[0].Name != "Education" {
		t.Fatalf("expected seeded categories ordered by name, got %#v", listed)
	}
	if cacheControl := categories.Header().Get(headerCacheControl); cacheControl != "public, max-age=3600" {
		t.Fatalf("unexpected categories Cache-Control %q", cacheControl)
	}

	health := harness.do(t, http.MethodGet, "/healthz", "", nil)
	if health.Code != http.StatusOK {
		t.Fatalf("unexpected health status %d", health.Code)
	}

	metrics := harness.do(t, http.MethodGet, "/metrics", "", nil)
	if metrics.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", metrics.Code)
	}
	body := metrics.Body.String()
	for _, name := range []string{"petitions_cache_misses_total", "petitions_http_requests_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected metric %s in exposition", name)
		}
	}
}

func TestHealthEndpointReportsFailingCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)

	handler := &httpHandler{
		logger:      zap.NewNop(),
		healthCheck: func(context.Context) error { return errors.New("database unavailable") },
	}
	handler.handleHealth(ctx)

	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}
