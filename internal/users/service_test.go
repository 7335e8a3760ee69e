package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/auth"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: func() time.Time { return time.Unix(1_700_000_000, 0) }})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func TestResolveUserIDCreatesAndRefreshes(testContext *testing.T) {
	service, _ := newTestService(testContext)
	ctx := context.Background()

	userID, err := service.ResolveUserID(ctx, auth.SessionClaims{UserID: "u-1", UserEmail: "a@example.com"})
	if err != nil || userID != "u-1" {
		testContext.Fatalf("unexpected resolve result %q, %v", userID, err)
	}
	if _, err := service.ResolveUserID(ctx, auth.SessionClaims{UserID: "u-1", UserEmail: "b@example.com", UserDisplayName: "Bee"}); err != nil {
		testContext.Fatalf("refresh failed: %v", err)
	}
	user, err := service.Get(ctx, "u-1")
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if user.Email != "b@example.com" || user.DisplayName != "Bee" {
		testContext.Fatalf("expected refreshed profile, got %+v", user)
	}
}

func TestResolveUserIDFallsBackToSubject(testContext *testing.T) {
	service, _ := newTestService(testContext)
	claims := auth.SessionClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-7"}}
	userID, err := service.ResolveUserID(context.Background(), claims)
	if err != nil || userID != "sub-7" {
		testContext.Fatalf("unexpected resolve result %q, %v", userID, err)
	}
	if _, err := service.ResolveUserID(context.Background(), auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		testContext.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestGetMissingUserIsNotFound(testContext *testing.T) {
	service, _ := newTestService(testContext)
	if _, err := service.Get(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
}
