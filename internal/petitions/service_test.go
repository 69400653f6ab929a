package petitions

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"
)

func TestNewServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	assertErrorKind(t, err, ErrStore, "petitions.service.new.missing_database")
}

func TestCreateAssignsFinalSlugAndDefaults(t *testing.T) {
	h := newTestHarness(t)
	owner := mustUserID(t, "user-1")
	roads := mustCategory(t, h.db, "Roads", "roads")

	created, err := h.service.Create(context.Background(), owner, localInput("Fix the Road to Barangay X", roads.ID))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if created.ID <= 0 {
		t.Fatalf("expected assigned id, got %d", created.ID)
	}
	if created.Slug != "fix-the-road-to-barangay-x-1" {
		t.Fatalf("unexpected slug %q", created.Slug)
	}
	if created.Published() {
		t.Fatalf("expected new petition to be unpublished")
	}
	if created.Status != PetitionStatusActive {
		t.Fatalf("expected active status, got %s", created.Status)
	}
	if created.CurrentCount != 0 {
		t.Fatalf("expected zero signatures, got %d", created.CurrentCount)
	}
	if got := created.DueDate.Sub(created.CreatedAt); got != DefaultDuration {
		t.Fatalf("expected default duration %s, got %s", DefaultDuration, got)
	}
	if ids := created.CategoryIDs(); len(ids) != 1 || ids[0] != roads.ID {
		t.Fatalf("unexpected categories %v", ids)
	}

	changes := h.notifier.petitionChanges()
	if len(changes) != 1 || changes[0].Kind != ChangeCreated {
		t.Fatalf("expected one created notification, got %#v", changes)
	}
}

func TestCreateSameTitleProducesDistinctSlugs(t *testing.T) {
	h := newTestHarness(t)
	owner := mustUserID(t, "user-1")

	first, err := h.service.Create(context.Background(), owner, localInput("Same Title"))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	second, err := h.service.Create(context.Background(), owner, localInput("Same Title"))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if first.Slug == second.Slug {
		t.Fatalf("expected distinct slugs, both %q", first.Slug)
	}
	if strings.Contains(second.Slug, "-tmp-") {
		t.Fatalf("temporary slug leaked: %q", second.Slug)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	h := newTestHarness(t)
	owner := mustUserID(t, "user-1")

	testCases := []struct {
		name   string
		mutate func(*CreateInput)
		code   string
	}{
		{name: "empty title", mutate: func(input *CreateInput) { input.Title = "   " }, code: "petitions.create.invalid_title"},
		{name: "missing description", mutate: func(input *CreateInput) { input.Description = "" }, code: "petitions.create.invalid_description"},
		{name: "unknown type", mutate: func(input *CreateInput) { input.Type = "regional" }, code: "petitions.create.invalid_type"},
		{name: "zero target", mutate: func(input *CreateInput) { input.TargetCount = 0 }, code: "petitions.create.invalid_target_count"},
		{name: "local without location", mutate: func(input *CreateInput) { input.Location = stringPointer("  ") }, code: "petitions.create.missing_location"},
		{name: "unknown category", mutate: func(input *CreateInput) { input.CategoryIDs = []int64{999} }, code: "petitions.create.unknown_category"},
		{name: "invalid category id", mutate: func(input *CreateInput) { input.CategoryIDs = []int64{-1} }, code: "petitions.create.invalid_category_id"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			input := localInput("Valid Title")
			testCase.mutate(&input)
			_, err := h.service.Create(context.Background(), owner, input)
			assertErrorKind(t, err, ErrValidation, testCase.code)
		})
	}

	var count int64
	if err := h.db.Model(&Petition{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count petitions: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no rows after rejected creates, got %d", count)
	}
}

func TestCreateNationalPetitionWithoutLocation(t *testing.T) {
	h := newTestHarness(t)
	dueDate := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)

	created, err := h.service.Create(context.Background(), mustUserID(t, "user-1"), CreateInput{
		Title:       "National Broadband Access",
		Description: "Extend broadband to every province.",
		Type:        PetitionTypeNational,
		TargetCount: 10000,
		DueDate:     &dueDate,
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if created.Location != nil {
		t.Fatalf("expected nil location, got %v", *created.Location)
	}
	if !created.DueDate.Equal(dueDate) {
		t.Fatalf("expected due date %s, got %s", dueDate, created.DueDate)
	}
}

func TestCreateRequiresIdentity(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.service.Create(context.Background(), UserID(" "), localInput("Anything"))
	assertErrorKind(t, err, ErrValidation, "petitions.create.missing_identity")
}

func TestUpdateRecomputesSlugAndReplacesCategories(t *testing.T) {
	h := newTestHarness(t)
	owner := mustUserID(t, "user-1")
	roads := mustCategory(t, h.db, "Roads", "roads")
	water := mustCategory(t, h.db, "Water", "water")
	created, err := h.service.Create(context.Background(), owner, localInput("Old Title", roads.ID))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	title := "New Title"
	categories := []int64{water.ID}
	updated, err := h.service.Update(context.Background(), owner, created.ID, UpdateInput{Title: &title, CategoryIDs: &categories})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if updated.Slug != "new-title-1" {
		t.Fatalf("unexpected slug %q", updated.Slug)
	}
	if ids := updated.CategoryIDs(); len(ids) != 1 || ids[0] != water.ID {
		t.Fatalf("expected categories replaced with water, got %v", ids)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatalf("expected updated_at to advance")
	}

	changes := h.notifier.petitionChanges()
	last := changes[len(changes)-1]
	if last.Kind != ChangeUpdated {
		t.Fatalf("expected updated notification, got %s", last.Kind)
	}
	if len(last.Slugs) != 2 || last.Slugs[0] != "old-title-1" || last.Slugs[1] != "new-title-1" {
		t.Fatalf("expected old and new slugs, got %v", last.Slugs)
	}
}

func TestUpdateEmptyCategoriesClearsLinks(t *testing.T) {
	h := newTestHarness(t)
	owner := mustUserID(t, "user-1")
	roads := mustCategory(t, h.db, "Roads", "roads")
	created, err := h.service.Create(context.Background(), owner, localInput("Clear Me", roads.ID))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	empty := []int64{}
	updated, err := h.service.Update(context.Background(), owner, created.ID, UpdateInput{CategoryIDs: &empty})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if len(updated.Categories) != 0 {
		t.Fatalf("expected categories cleared, got %v", updated.CategoryIDs())
	}
	if updated.Slug != created.Slug {
		t.Fatalf("expected slug unchanged, got %q", updated.Slug)
	}
}

func TestUpdateErrorKinds(t *testing.T) {
	h := newTestHarness(t)
	owner := mustUserID(t, "user-1")
	created, err := h.service.Create(context.Background(), owner, localInput("Guarded"))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	title := "Hijacked"
	status := PetitionStatus("archived")

	_, err = h.service.Update(context.Background(), owner, created.ID, UpdateInput{})
	assertErrorKind(t, err, ErrNoOp, "petitions.update.no_fields")

	_, err = h.service.Update(context.Background(), owner, 9999, UpdateInput{Title: &title})
	assertErrorKind(t, err, ErrNotFound, "petitions.update.petition_not_found")

	_, err = h.service.Update(context.Background(), mustUserID(t, "user-2"), created.ID, UpdateInput{Title: &title})
	assertErrorKind(t, err, ErrOwnership, "petitions.update.petition_not_owned")

	_, err = h.service.Update(context.Background(), owner, created.ID, UpdateInput{Status: &status})
	assertErrorKind(t, err, ErrValidation, "petitions.update.invalid_status")

	var stored Petition
	if err := h.db.Where(queryID, created.ID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to load petition: %v", err)
	}
	if stored.Title != "Guarded" {
		t.Fatalf("expected title unchanged, got %q", stored.Title)
	}
}

func TestPublishKeepsFirstTimestampAndUnpublishHides(t *testing.T) {
	h := newTestHarness(t)
	owner := mustUserID(t, "user-1")
	created, err := h.service.Create(context.Background(), owner, localInput("Visible Soon"))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	if _, err := h.service.Get(context.Background(), created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected draft to be hidden, got %v", err)
	}

	first, err := h.service.Publish(context.Background(), owner, created.ID)
	if err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	second, err := h.service.Publish(context.Background(), owner, created.ID)
	if err != nil {
		t.Fatalf("unexpected republish error: %v", err)
	}
	if !first.PublishedAt.Equal(*second.PublishedAt) {
		t.Fatalf("expected first published_at to be kept, got %s then %s", first.PublishedAt, second.PublishedAt)
	}

	bySlug, err := h.service.GetBySlug(context.Background(), created.Slug)
	if err != nil {
		t.Fatalf("unexpected get by slug error: %v", err)
	}
	if bySlug.ID != created.ID {
		t.Fatalf("expected petition %d, got %d", created.ID, bySlug.ID)
	}

	if err := h.service.Unpublish(context.Background(), mustUserID(t, "user-2"), created.ID); !errors.Is(err, ErrOwnership) {
		t.Fatalf("expected ownership error, got %v", err)
	}
	if err := h.service.Unpublish(context.Background(), owner, created.ID); err != nil {
		t.Fatalf("unexpected unpublish error: %v", err)
	}
	if _, err := h.service.GetBySlug(context.Background(), created.Slug); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unpublished petition to be hidden, got %v", err)
	}

	owned, err := h.service.ListOwned(context.Background(), owner)
	if err != nil {
		t.Fatalf("unexpected list owned error: %v", err)
	}
	if len(owned) != 1 || owned[0].Published() {
		t.Fatalf("expected owner to still see the draft, got %#v", owned)
	}
}

func TestDeleteRemovesDependentRows(t *testing.T) {
	h := newTestHarness(t)
	owner := mustUserID(t, "user-1")
	roads := mustCategory(t, h.db, "Roads", "roads")
	petition := mustCreatePublished(t, h, owner, localInput("Short Lived", roads.ID))
	if _, err := h.service.Sign(context.Background(), SignInput{PetitionID: petition.ID, UserID: mustUserID(t, "user-2")}); err != nil {
		t.Fatalf("unexpected sign error: %v", err)
	}

	if err := h.service.Delete(context.Background(), mustUserID(t, "user-2"), petition.ID); !errors.Is(err, ErrOwnership) {
		t.Fatalf("expected ownership error, got %v", err)
	}
	if err := h.service.Delete(context.Background(), owner, petition.ID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	for _, model := range []any{&Petition{}, &Signature{}, &PetitionCategory{}} {
		var count int64
		if err := h.db.Model(model).Count(&count).Error; err != nil {
			t.Fatalf("failed to count %T: %v", model, err)
		}
		if count != 0 {
			t.Fatalf("expected %T rows removed, got %d", model, count)
		}
	}
	var categories int64
	if err := h.db.Model(&Category{}).Count(&categories).Error; err != nil {
		t.Fatalf("failed to count categories: %v", err)
	}
	if categories != 1 {
		t.Fatalf("expected categories to survive, got %d", categories)
	}

	err := h.service.Delete(context.Background(), owner, petition.ID)
	assertErrorKind(t, err, ErrNotFound, "petitions.delete.petition_not_found")

	changes := h.notifier.petitionChanges()
	if changes[len(changes)-1].Kind != ChangeDeleted {
		t.Fatalf("expected deleted notification, got %s", changes[len(changes)-1].Kind)
	}
}

func TestServiceReportsTimeoutOnCanceledContext(t *testing.T) {
	h := newTestHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.service.List(ctx, ListFilter{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout kind, got %v", err)
	}
}

func TestZeroValueServiceReportsMissingDatabase(t *testing.T) {
	var service Service
	_, err := service.Get(context.Background(), 1)
	assertErrorKind(t, err, ErrStore, "petitions.get.missing_database")
	if _, err := service.Sign(context.Background(), SignInput{}); !errors.Is(err, ErrStore) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestUniqueViolationDetection(t *testing.T) {
	if !isUniqueViolation(gorm.ErrDuplicatedKey) {
		t.Fatalf("expected translated duplicate key to be detected")
	}
	if !isUniqueViolation(errors.New("UNIQUE constraint failed: signatures.petition_id, signatures.user_id")) {
		t.Fatalf("expected sqlite message to be detected")
	}
	if isUniqueViolation(errors.New("disk I/O error")) {
		t.Fatalf("unexpected detection of unrelated error")
	}
}
