package cache

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/petitions/backend/internal/petitions"
)

// Key prefixes. Everything under PrefixPetitions is derived from the public
// petition set and is evicted wholesale after any petition or signature write.
const (
	PrefixPetitions    = "petitions:"
	PrefixPetitionByID = "petition:id:"
	PrefixPetitionSlug = "petition:slug:"
	PrefixUsers        = "users:"
	CategoriesKey      = "categories:all"
)

// TTLs groups the freshness of each key class.
type TTLs struct {
	Listings       time.Duration
	Petition       time.Duration
	Signatures     time.Duration
	UserPetitions  time.Duration
	UserSignatures time.Duration
	Categories     time.Duration
}

// DefaultTTLs returns the stock freshness windows.
func DefaultTTLs() TTLs {
	return TTLs{
		Listings:       5 * time.Minute,
		Petition:       5 * time.Minute,
		Signatures:     time.Minute,
		UserPetitions:  5 * time.Minute,
		UserSignatures: time.Minute,
		Categories:     time.Hour,
	}
}

// WithDefaults fills non-positive windows from DefaultTTLs.
func (t TTLs) WithDefaults() TTLs {
	defaults := DefaultTTLs()
	if t.Listings <= 0 {
		t.Listings = defaults.Listings
	}
	if t.Petition <= 0 {
		t.Petition = defaults.Petition
	}
	if t.Signatures <= 0 {
		t.Signatures = defaults.Signatures
	}
	if t.UserPetitions <= 0 {
		t.UserPetitions = defaults.UserPetitions
	}
	if t.UserSignatures <= 0 {
		t.UserSignatures = defaults.UserSignatures
	}
	if t.Categories <= 0 {
		t.Categories = defaults.Categories
	}
	return t
}

// ListKey derives the listing key from a normalized filter, so equal filters share an entry.
func ListKey(filter petitions.ListFilter) string {
	categoryIDs := make([]string, 0, len(filter.CategoryIDs))
	for _, id := range filter.CategoryIDs {
		categoryIDs = append(categoryIDs, strconv.FormatInt(id, 10))
	}
	petitionType := string(filter.Type)
	if petitionType == "" {
		petitionType = "all"
	}
	return fmt.Sprintf("%slist:type=%s:categories=%s:limit=%d:offset=%d",
		PrefixPetitions, petitionType, strings.Join(categoryIDs, ","), filter.Limit, filter.Offset)
}

// PetitionIDKey addresses a single published petition by id.
func PetitionIDKey(petitionID int64) string {
	return PrefixPetitionByID + strconv.FormatInt(petitionID, 10)
}

// PetitionSlugKey addresses a single published petition by slug.
func PetitionSlugKey(petitionSlug string) string {
	return PrefixPetitionSlug + petitionSlug
}

// SignaturesKey addresses the recent-signatures list of a petition.
func SignaturesKey(petitionID int64, limit int) string {
	return fmt.Sprintf("%ssignatures:%d:%d", PrefixPetitions, petitionID, limit)
}

// UserPetitionsKey addresses the petitions owned by a user.
func UserPetitionsKey(userID string) string {
	return PrefixUsers + userID + ":petitions"
}

// UserSignaturesKey addresses the signatures made by a user.
func UserSignaturesKey(userID string) string {
	return PrefixUsers + userID + ":signatures"
}
