package permissions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/audit"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Share-link access modes.
const (
	LinkModeView    = "view"
	LinkModeComment = "comment"
	LinkModeEdit    = "edit"
)

// Rejection reasons reported by ValidateLink, in evaluation order.
const (
	LinkReasonInvalidToken     = "invalid_token"
	LinkReasonRevoked          = "revoked"
	LinkReasonExpired          = "expired"
	LinkReasonMaxUsesExceeded  = "max_uses_exceeded"
	LinkReasonPasswordRequired = "password_required"
	LinkReasonInvalidPassword  = "invalid_password"
)

const (
	opCreateLink   = "permissions.create_link"
	opListLinks    = "permissions.list_links"
	opRevokeLink   = "permissions.revoke_link"
	opValidateLink = "permissions.validate_link"
)

// LinkRequest describes a share link to create.
type LinkRequest struct {
	Mode      string
	Password  string
	MaxUses   *int
	ExpiresAt *time.Time
}

func (r LinkRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Mode, validation.Required, validation.In(LinkModeView, LinkModeComment, LinkModeEdit)),
		validation.Field(&r.Password, validation.Length(0, 72)),
		validation.Field(&r.MaxUses, validation.NilOrNotEmpty, validation.Min(1)),
	)
}

// LinkValidation is the public answer to a share-link check.
type LinkValidation struct {
	Valid      bool   `json:"valid"`
	DocumentID string `json:"document_id,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// HasPassword reports whether the link is password protected.
func (l ShareLink) HasPassword() bool {
	return l.PasswordHash != nil && *l.PasswordHash != ""
}

// CreateLink issues a new share link for a document.
func (s *Service) CreateLink(ctx context.Context, actorID, documentID string, request LinkRequest) (ShareLink, error) {
	request.Mode = strings.ToLower(strings.TrimSpace(request.Mode))
	if err := request.Validate(); err != nil {
		return ShareLink{}, domain.Invalid("%v", err)
	}
	grant, err := s.resolver.AssertRole(ctx, documentID, actorID, RoleAdmin)
	if err != nil {
		return ShareLink{}, err
	}

	token, err := secureToken()
	if err != nil {
		return ShareLink{}, s.serviceFailure(opCreateLink, reasonTokenFailed, err)
	}
	linkID, err := s.newID(opCreateLink)
	if err != nil {
		return ShareLink{}, err
	}
	now := s.clock().UTC()
	expiresAt := now.Add(s.linkTTL)
	if request.ExpiresAt != nil {
		if !request.ExpiresAt.After(now) {
			return ShareLink{}, domain.Invalid("expires_at must be in the future")
		}
		expiresAt = request.ExpiresAt.UTC()
	}
	expiresAtSeconds := expiresAt.Unix()

	link := ShareLink{
		ID:               linkID,
		DocumentID:       documentID,
		Token:            token,
		Mode:             request.Mode,
		MaxUses:          request.MaxUses,
		CreatedBy:        actorID,
		ExpiresAtSeconds: &expiresAtSeconds,
		CreatedAtSeconds: now.Unix(),
	}
	if request.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(request.Password), bcrypt.DefaultCost)
		if err != nil {
			return ShareLink{}, s.serviceFailure(opCreateLink, "password_hash_failed", err)
		}
		encoded := string(hash)
		link.PasswordHash = &encoded
	}
	if err := s.db.WithContext(ctx).Create(&link).Error; err != nil {
		return ShareLink{}, s.serviceFailure(opCreateLink, reasonWriteFailed, err, zap.String("document_id", documentID))
	}

	s.record(ctx, audit.Entry{
		ActorID:     actorID,
		DocumentID:  documentID,
		WorkspaceID: grant.Document.WorkspaceID,
		Action:      audit.ActionLinkCreated,
		Metadata: map[string]any{
			"link_id":      link.ID,
			"mode":         link.Mode,
			"has_password": link.HasPassword(),
			"max_uses":     link.MaxUses,
		},
	})
	return link, nil
}

// ListLinks returns every link of a document, newest first.
func (s *Service) ListLinks(ctx context.Context, actorID, documentID string) ([]ShareLink, error) {
	if _, err := s.resolver.AssertRole(ctx, documentID, actorID, RoleViewer); err != nil {
		return nil, err
	}
	var links []ShareLink
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at_s DESC").
		Find(&links).Error; err != nil {
		return nil, s.serviceFailure(opListLinks, reasonQueryFailed, err, zap.String("document_id", documentID))
	}
	return links, nil
}

// RevokeLink revokes a link; revoking twice is a validation error.
func (s *Service) RevokeLink(ctx context.Context, actorID, linkID string) (ShareLink, error) {
	var link ShareLink
	err := s.db.WithContext(ctx).Where("id = ?", linkID).Take(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ShareLink{}, domain.NotFound("Share link not found")
	}
	if err != nil {
		return ShareLink{}, s.serviceFailure(opRevokeLink, reasonQueryFailed, err)
	}
	grant, err := s.resolver.AssertRole(ctx, link.DocumentID, actorID, RoleAdmin)
	if err != nil {
		return ShareLink{}, err
	}
	if link.RevokedAtSeconds != nil {
		return ShareLink{}, domain.Invalid("Link is already revoked")
	}
	now := s.nowSeconds()
	result := s.db.WithContext(ctx).Model(&ShareLink{}).
		Where("id = ? AND revoked_at_s IS NULL", linkID).
		Update("revoked_at_s", now)
	if result.Error != nil {
		return ShareLink{}, s.serviceFailure(opRevokeLink, reasonWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return ShareLink{}, domain.Invalid("Link is already revoked")
	}
	link.RevokedAtSeconds = &now

	s.record(ctx, audit.Entry{
		ActorID:     actorID,
		DocumentID:  link.DocumentID,
		WorkspaceID: grant.Document.WorkspaceID,
		Action:      audit.ActionLinkRevoked,
		Metadata:    map[string]any{"link_id": link.ID},
	})
	return link, nil
}

// ValidateLink checks a token and, on success, consumes one use in the same
// conditional write, so concurrent callers never exceed max_uses.
func (s *Service) ValidateLink(ctx context.Context, token, password string) (LinkValidation, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return LinkValidation{Reason: LinkReasonInvalidToken}, nil
	}
	var link ShareLink
	err := s.db.WithContext(ctx).Where("token = ?", token).Take(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LinkValidation{Reason: LinkReasonInvalidToken}, nil
	}
	if err != nil {
		return LinkValidation{}, s.serviceFailure(opValidateLink, reasonQueryFailed, err)
	}

	nowSeconds := s.nowSeconds()
	if reason := rejectLink(link, nowSeconds); reason != "" {
		return LinkValidation{Reason: reason}, nil
	}
	if link.HasPassword() {
		if password == "" {
			return LinkValidation{Reason: LinkReasonPasswordRequired}, nil
		}
		if bcrypt.CompareHashAndPassword([]byte(*link.PasswordHash), []byte(password)) != nil {
			return LinkValidation{Reason: LinkReasonInvalidPassword}, nil
		}
	}

	result := s.db.WithContext(ctx).Model(&ShareLink{}).
		Where("id = ? AND revoked_at_s IS NULL", link.ID).
		Where("expires_at_s IS NULL OR expires_at_s > ?", nowSeconds).
		Where("max_uses IS NULL OR uses_count < max_uses").
		Update("uses_count", gorm.Expr("uses_count + 1"))
	if result.Error != nil {
		return LinkValidation{}, s.serviceFailure(opValidateLink, reasonWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		var current ShareLink
		if err := s.db.WithContext(ctx).Where("id = ?", link.ID).Take(&current).Error; err != nil {
			return LinkValidation{}, s.serviceFailure(opValidateLink, reasonQueryFailed, err)
		}
		reason := rejectLink(current, nowSeconds)
		if reason == "" {
			reason = LinkReasonMaxUsesExceeded
		}
		return LinkValidation{Reason: reason}, nil
	}

	s.record(ctx, audit.Entry{
		DocumentID: link.DocumentID,
		Action:     audit.ActionLinkUsed,
		Metadata:   map[string]any{"link_id": link.ID, "mode": link.Mode},
	})
	return LinkValidation{Valid: true, DocumentID: link.DocumentID, Mode: link.Mode}, nil
}

func rejectLink(link ShareLink, nowSeconds int64) string {
	switch {
	case link.RevokedAtSeconds != nil:
		return LinkReasonRevoked
	case link.ExpiresAtSeconds != nil && *link.ExpiresAtSeconds <= nowSeconds:
		return LinkReasonExpired
	case link.MaxUses != nil && link.UsesCount >= *link.MaxUses:
		return LinkReasonMaxUsesExceeded
	default:
		return ""
	}
}
