package petitions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func newSteppingClock(start time.Time) *steppingClock {
	return &steppingClock{current: start.UTC(), step: time.Second}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.current
	c.current = c.current.Add(c.step)
	return now
}

type recordingNotifier struct {
	mu         sync.Mutex
	petitions  []PetitionChange
	signatures []SignatureChange
}

func (n *recordingNotifier) PetitionChanged(_ context.Context, change PetitionChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.petitions = append(n.petitions, change)
}

func (n *recordingNotifier) SignatureCreated(_ context.Context, change SignatureChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signatures = append(n.signatures, change)
}

func (n *recordingNotifier) petitionChanges() []PetitionChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]PetitionChange(nil), n.petitions...)
}

func (n *recordingNotifier) signatureChanges() []SignatureChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]SignatureChange(nil), n.signatures...)
}

type staticProfiles map[string]string

func (p staticProfiles) DisplayNames(_ context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		if name, ok := p[id]; ok {
			names[id] = name
		}
	}
	return names, nil
}

type testHarness struct {
	service  *Service
	db       *gorm.DB
	notifier *recordingNotifier
	clock    *steppingClock
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:petitions_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
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
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestHarness(t *testing.T) testHarness {
	t.Helper()

	db := newTestDatabase(t)
	notifier := &recordingNotifier{}
	clock := newSteppingClock(time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC))
	service, err := NewService(ServiceConfig{
		Database:  db,
		Clock:     clock.Now,
		Profiles:  staticProfiles{"user-1": "Maria Santos", "user-2": "Jose Rizal"},
		Notifiers: []ChangeNotifier{notifier},
	})
	if err != nil {
		t.Fatalf("failed to construct petitions service: %v", err)
	}
	return testHarness{service: service, db: db, notifier: notifier, clock: clock}
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustCategory(t *testing.T, db *gorm.DB, name, categorySlug string) Category {
	t.Helper()
	category := Category{Name: name, Slug: categorySlug, CreatedAt: time.Now().UTC()}
	if err := db.Create(&category).Error; err != nil {
		t.Fatalf("failed to create category %s: %v", name, err)
	}
	return category
}

func stringPointer(value string) *string {
	return &value
}

func localInput(title string, categoryIDs ...int64) CreateInput {
	return CreateInput{
		Title:       title,
		Description: "Residents request action on " + title,
		Type:        PetitionTypeLocal,
		TargetCount: 100,
		Location:    stringPointer("Barangay San Isidro"),
		CategoryIDs: categoryIDs,
	}
}

func mustCreatePublished(t *testing.T, h testHarness, actor UserID, input CreateInput) Petition {
	t.Helper()
	created, err := h.service.Create(context.Background(), actor, input)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	published, err := h.service.Publish(context.Background(), actor, created.ID)
	if err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	return published
}

func assertErrorKind(t *testing.T, err error, kind error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", kind)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("expected error kind %v, got %v", kind, err)
	}
	serviceErr, ok := asServiceError(err)
	if !ok {
		t.Fatalf("expected service error, got %T", err)
	}
	if code != "" && serviceErr.Code() != code {
		t.Fatalf("expected code %s, got %s", code, serviceErr.Code())
	}
}
