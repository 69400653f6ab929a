package petitions

import "context"

// ChangeKind names the mutation that produced a PetitionChange.
type ChangeKind string

const (
	ChangeCreated     ChangeKind = "created"
	ChangeUpdated     ChangeKind = "updated"
	ChangePublished   ChangeKind = "published"
	ChangeUnpublished ChangeKind = "unpublished"
	ChangeDeleted     ChangeKind = "deleted"
)

// PetitionChange describes a committed petition mutation.
// Slugs holds every slug the petition was reachable under before and after the change.
type PetitionChange struct {
	Kind       ChangeKind
	PetitionID int64
	Slugs      []string
	OwnerID    string
}

// SignatureChange describes a committed signature insert.
// OwnerID is the petition's creator, whose own listing carries the count.
type SignatureChange struct {
	PetitionID   int64
	Slug         string
	OwnerID      string
	UserID       string
	CurrentCount int64
}

// ChangeNotifier receives committed mutations. Implementations must not fail the
// mutation: they run after commit and handle their own errors.
type ChangeNotifier interface {
	PetitionChanged(ctx context.Context, change PetitionChange)
	SignatureCreated(ctx context.Context, change SignatureChange)
}

func (s *Service) notifyPetitionChanged(ctx context.Context, change PetitionChange) {
	detached := context.WithoutCancel(ctx)
	for _, notifier := range s.notifiers {
		notifier.PetitionChanged(detached, change)
	}
}

func (s *Service) notifySignatureCreated(ctx context.Context, change SignatureChange) {
	detached := context.WithoutCancel(ctx)
	for _, notifier := range s.notifiers {
		notifier.SignatureCreated(detached, change)
	}
}

func distinctSlugs(values ...string) []string {
	slugs := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		duplicate := false
		for _, existing := range slugs {
			if existing == value {
				duplicate = true
				break
			}
		}
		if !duplicate {
			slugs = append(slugs, value)
		}
	}
	return slugs
}
