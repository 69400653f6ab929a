package petitions

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// PetitionType distinguishes local petitions, which require a location, from national ones.
type PetitionType string

const (
	// PetitionTypeLocal targets a specific place and requires a location.
	PetitionTypeLocal PetitionType = "local"
	// PetitionTypeNational has no location requirement.
	PetitionTypeNational PetitionType = "national"
)

// PetitionStatus is set by the owner and does not gate visibility.
type PetitionStatus string

const (
	// PetitionStatusActive is the initial status of every petition.
	PetitionStatusActive PetitionStatus = "active"
	// PetitionStatusCompleted marks a petition the owner considers achieved.
	PetitionStatusCompleted PetitionStatus = "completed"
	// PetitionStatusClosed marks a petition that no longer accepts signatures.
	PetitionStatusClosed PetitionStatus = "closed"
)

const (
	maxIdentifierLength  = 190
	maxTitleLength       = 200
	maxDescriptionLength = 20000
	maxLocationLength    = 255
	maxImageRefLength    = 512
	maxCommentLength     = 1000
	maxIPAddressLength   = 64
)

// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
var ErrInvalidUserID = errors.New("petitions: invalid user id")

// UserID represents a validated, already-authenticated identity.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ParsePetitionType validates a raw petition type.
func ParsePetitionType(value string) (PetitionType, bool) {
	switch PetitionType(strings.ToLower(strings.TrimSpace(value))) {
	case PetitionTypeLocal:
		return PetitionTypeLocal, true
	case PetitionTypeNational:
		return PetitionTypeNational, true
	default:
		return "", false
	}
}

// ParsePetitionStatus validates a raw petition status.
func ParsePetitionStatus(value string) (PetitionStatus, bool) {
	switch PetitionStatus(strings.ToLower(strings.TrimSpace(value))) {
	case PetitionStatusActive:
		return PetitionStatusActive, true
	case PetitionStatusCompleted:
		return PetitionStatusCompleted, true
	case PetitionStatusClosed:
		return PetitionStatusClosed, true
	default:
		return "", false
	}
}

// Petition models the persisted petition row.
type Petition struct {
	ID           int64          `gorm:"column:id;primaryKey;autoIncrement"`
	Title        string         `gorm:"column:title;size:200;not null"`
	Description  string         `gorm:"column:description;type:text;not null"`
	Type         PetitionType   `gorm:"column:type;size:16;not null;index:idx_petitions_visible,priority:2"`
	ImageRef     *string        `gorm:"column:image_ref;size:512"`
	TargetCount  int64          `gorm:"column:target_count;not null"`
	CurrentCount int64          `gorm:"column:current_count;not null;default:0"`
	Status       PetitionStatus `gorm:"column:status;size:16;not null;default:'active'"`
	Location     *string        `gorm:"column:location;size:255"`
	DueDate      time.Time      `gorm:"column:due_date;not null"`
	Slug         string         `gorm:"column:slug;size:255;not null;uniqueIndex:idx_petitions_slug"`
	PublishedAt  *time.Time     `gorm:"column:published_at;index:idx_petitions_visible,priority:1"`
	CreatedBy    string         `gorm:"column:created_by;size:190;not null;index:idx_petitions_owner"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null;index:idx_petitions_visible,priority:3"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;not null"`

	Categories []Category `gorm:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Petition) TableName() string {
	return "petitions"
}

// Published reports whether the petition is publicly visible.
func (p Petition) Published() bool {
	return p.PublishedAt != nil
}

// OwnedBy reports whether the identity created the petition.
func (p Petition) OwnedBy(userID UserID) bool {
	return p.CreatedBy != "" && p.CreatedBy == userID.String()
}

// DaysLeft returns the whole days remaining until the due date, rounded up and never negative.
func (p Petition) DaysLeft(now time.Time) int {
	remaining := p.DueDate.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Hours() / 24))
}

// CategoryIDs lists the identifiers of the attached categories.
func (p Petition) CategoryIDs() []int64 {
	if len(p.Categories) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(p.Categories))
	for _, category := range p.Categories {
		ids = append(ids, category.ID)
	}
	return ids
}

// Signature records one identity supporting one petition. Rows are immutable.
type Signature struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	PetitionID int64     `gorm:"column:petition_id;not null;uniqueIndex:idx_signatures_petition_user,priority:1;index:idx_signatures_petition_created,priority:1"`
	UserID     string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_signatures_petition_user,priority:2;index:idx_signatures_user"`
	Comment    *string   `gorm:"column:comment;type:text"`
	Anonymous  bool      `gorm:"column:anonymous;not null;default:false"`
	IPAddress  *string   `gorm:"column:ip_address;size:64"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index:idx_signatures_petition_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Signature) TableName() string {
	return "signatures"
}

// SignatureView is the public projection of a signature; anonymous signers carry no name.
type SignatureView struct {
	ID          int64
	PetitionID  int64
	DisplayName string
	Comment     *string
	Anonymous   bool
	CreatedAt   time.Time
}

// Category groups petitions by topic.
type Category struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name      string    `gorm:"column:name;size:120;not null;uniqueIndex:idx_categories_name"`
	Slug      string    `gorm:"column:slug;size:160;not null;uniqueIndex:idx_categories_slug"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Category) TableName() string {
	return "categories"
}

// PetitionCategory is the junction between petitions and categories.
type PetitionCategory struct {
	PetitionID int64 `gorm:"column:petition_id;primaryKey"`
	CategoryID int64 `gorm:"column:category_id;primaryKey;index:idx_petition_categories_category"`
}

// TableName provides the explicit table binding for GORM.
func (PetitionCategory) TableName() string {
	return "petition_categories"
}

// Models lists every persisted model owned by this package, in migration order.
func Models() []any {
	return []any{&Category{}, &Petition{}, &PetitionCategory{}, &Signature{}}
}
