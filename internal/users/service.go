package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/auth"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// User is the local directory row for an externally authenticated account.
type User struct {
	ID               string `gorm:"column:id;primaryKey;size:64"`
	Email            string `gorm:"column:email;size:320;index"`
	DisplayName      string `gorm:"column:display_name;size:320"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null"`
	LastSeenAtSecond int64  `gorm:"column:last_seen_at_s;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

func (User) TableName() string {
	return "users"
}

// ServiceConfig describes the dependencies required for user resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service keeps the user directory in step with verified token claims.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// ResolveUserID returns the canonical user id for claims, creating or
// refreshing the directory row. Profile changes are written at most once per
// cached identity.
func (s *Service) ResolveUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	userID := claims.CanonicalUserID()
	if userID == "" {
		return "", ErrInvalidIdentity
	}
	email := normalize(claims.UserEmail)
	cacheKey := userID + "|" + email + "|" + normalize(claims.UserDisplayName)
	if _, ok := s.cache.Load(cacheKey); ok {
		return userID, nil
	}

	nowSeconds := s.now().UTC().Unix()
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = User{
			ID:               userID,
			Email:            email,
			DisplayName:      normalize(claims.UserDisplayName),
			LastSeenAtSecond: nowSeconds,
			CreatedAtSeconds: nowSeconds,
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	default:
		updates := map[string]any{"last_seen_at_s": nowSeconds}
		if email != "" && email != user.Email {
			updates["email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != user.DisplayName {
			updates["display_name"] = display
		}
		if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
			return "", err
		}
	}

	s.cache.Store(cacheKey, struct{}{})
	return userID, nil
}

// Get returns a live user. Missing and deleted users are NotFound.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	return Lookup(ctx, s.db, userID)
}

// Lookup reads a live user through the supplied handle.
func Lookup(ctx context.Context, db *gorm.DB, userID string) (User, error) {
	var user User
	err := db.WithContext(ctx).Where("id = ? AND is_deleted = ?", userID, false).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, domain.NotFound("User not found")
	}
	if err != nil {
		return User{}, domain.NewServiceError("users.lookup", "query_failed", err)
	}
	return user, nil
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
