package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/petitions/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/petitions/backend/internal/petitions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

const (
	defaultProvider      = "default"
	queryProviderSubject = "provider = ? AND subject = ?"
)

var _ petitions.ProfileDirectory = (*Service)(nil)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// cachedIdentity memoizes a resolved identity with the profile fields last written for it.
type cachedIdentity struct {
	userID      string
	email       string
	displayName string
}

// current reports whether the claims carry nothing newer than the memoized profile.
func (c cachedIdentity) current(claims auth.SessionClaims) bool {
	email := normalize(claims.UserEmail)
	display := normalize(claims.UserDisplayName)
	return (email == "" || email == c.email) && (display == "" || display == c.displayName)
}

// Service manages canonical user identifiers and the display names attached to them.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the session claims, recording
// the identity on first sight and refreshing its profile fields afterwards.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedValue, ok := s.cache.Load(cacheKey); ok {
		if cached, ok := cachedValue.(cachedIdentity); ok && cached.current(claims) {
			return cached.userID, nil
		}
	}

	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.Where(queryProviderSubject, provider, subject).First(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now().UTC(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return "", fmt.Errorf("users: record identity: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("users: load identity: %w", err)
	default:
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		if err := db.Model(&Identity{}).Where(queryProviderSubject, provider, subject).Updates(updates).Error; err != nil {
			s.logger.Warn("identity refresh failed",
				zap.String("provider", provider),
				zap.Error(err))
			// Not memoized so the next request retries the refresh.
			return identity.UserID, nil
		}
		if email, ok := updates["user_email"].(string); ok {
			identity.Email = email
		}
		if display, ok := updates["user_display_name"].(string); ok {
			identity.DisplayName = display
		}
	}

	s.cache.Store(cacheKey, cachedIdentity{
		userID:      identity.UserID,
		email:       identity.Email,
		displayName: identity.DisplayName,
	})
	return identity.UserID, nil
}

// DisplayNames returns the most recently seen display name per user id. Ids without a
// recorded name are absent from the result.
func (s *Service) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}
	var identities []Identity
	if err := s.db.WithContext(ctx).
		Where("user_id IN ?", userIDs).
		Where("user_display_name <> ''").
		Order("last_seen_at ASC").
		Find(&identities).Error; err != nil {
		return nil, fmt.Errorf("users: load display names: %w", err)
	}
	for _, identity := range identities {
		names[identity.UserID] = identity.DisplayName
	}
	return names, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
