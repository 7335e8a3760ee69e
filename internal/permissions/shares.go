package permissions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/audit"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/mailer"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/users"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opShareDocument      = "permissions.share_document"
	opListDocumentShares = "permissions.list_document_members"
	opInvite             = "permissions.invite"
	opRespondInvitation  = "permissions.respond_invitation"
	opChangeShareRole    = "permissions.change_share_role"
	opRemoveShare        = "permissions.remove_share"
)

// InviteRequest describes an invitation to a document.
type InviteRequest struct {
	Email   string
	Role    Role
	Message string
}

func (r InviteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.EmailFormat),
		validation.Field(&r.Role, validation.Required, validation.In(RoleViewer, RoleCommenter, RoleEditor, RoleAdmin)),
		validation.Field(&r.Message, validation.Length(0, 1000)),
	)
}

// ShareDocument grants role on a document to a user or workspace principal.
// An existing share for the principal is updated in place.
func (s *Service) ShareDocument(ctx context.Context, actorID, documentID, principalType, principalID string, role Role) (DocumentShare, error) {
	grant, err := s.resolver.AssertRole(ctx, documentID, actorID, RoleAdmin)
	if err != nil {
		return DocumentShare{}, err
	}
	if principalType != PrincipalUser && principalType != PrincipalWorkspace {
		return DocumentShare{}, domain.Invalid("Invalid principal_type %q", principalType)
	}
	if _, err := ParseRole(string(role)); err != nil {
		return DocumentShare{}, err
	}
	if role.Rank() > grant.Role.Rank() {
		return DocumentShare{}, domain.Forbidden("Forbidden: cannot grant a role above your own")
	}
	if role == RoleOwner && grant.Role != RoleOwner {
		return DocumentShare{}, domain.Forbidden("Forbidden: only the owner can grant owner")
	}

	var share DocumentShare
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		share, txErr = s.upsertShare(tx, documentID, principalType, principalID, role, actorID, false)
		return txErr
	})
	if err := s.finishTransaction(opShareDocument, err); err != nil {
		return DocumentShare{}, err
	}
	s.record(ctx, audit.Entry{
		ActorID:     actorID,
		DocumentID:  documentID,
		WorkspaceID: grant.Document.WorkspaceID,
		Action:      audit.ActionShareGranted,
		Metadata:    map[string]any{"principal_type": principalType, "principal_id": principalID, "role": string(role)},
	})
	return share, nil
}

// ListDocumentMembers returns active user shares of a document.
func (s *Service) ListDocumentMembers(ctx context.Context, actorID, documentID string) ([]DocumentShare, error) {
	if _, err := s.resolver.AssertRole(ctx, documentID, actorID, RoleViewer); err != nil {
		return nil, err
	}
	var shares []DocumentShare
	if err := s.db.WithContext(ctx).
		Where("document_id = ? AND principal_type = ? AND status = ?", documentID, PrincipalUser, StatusActive).
		Order("created_at_s ASC").
		Find(&shares).Error; err != nil {
		return nil, s.serviceFailure(opListDocumentShares, reasonQueryFailed, err, zap.String("document_id", documentID))
	}
	return shares, nil
}

// Invite creates a pending invitation and queues its email. Queue failures
// are logged and never fail the invitation.
func (s *Service) Invite(ctx context.Context, actorID, documentID string, request InviteRequest) (Invitation, error) {
	request.Email = strings.ToLower(strings.TrimSpace(request.Email))
	if err := request.Validate(); err != nil {
		return Invitation{}, domain.Invalid("%v", err)
	}
	grant, err := s.resolver.AssertRole(ctx, documentID, actorID, RoleAdmin)
	if err != nil {
		return Invitation{}, err
	}
	if request.Role.Rank() > grant.Role.Rank() {
		return Invitation{}, domain.Forbidden("Forbidden: cannot invite with a role higher than your own")
	}

	token, err := secureToken()
	if err != nil {
		return Invitation{}, s.serviceFailure(opInvite, reasonTokenFailed, err)
	}
	invitationID, err := s.newID(opInvite)
	if err != nil {
		return Invitation{}, err
	}
	now := s.clock().UTC()
	invitation := Invitation{
		ID:               invitationID,
		DocumentID:       documentID,
		Email:            request.Email,
		Role:             request.Role,
		Token:            token,
		Status:           StatusPending,
		Message:          request.Message,
		InvitedBy:        actorID,
		ExpiresAtSeconds: now.Add(s.invitationTTL).Unix(),
		CreatedAtSeconds: now.Unix(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Invitation{}).
			Where("document_id = ? AND email = ? AND status = ?", documentID, request.Email, StatusPending).
			Update("status", StatusCancelled).Error; err != nil {
			return err
		}
		return tx.Create(&invitation).Error
	})
	if err := s.finishTransaction(opInvite, err); err != nil {
		return Invitation{}, err
	}

	s.enqueueInvitationEmail(invitation, grant.Document.Title)
	s.record(ctx, audit.Entry{
		ActorID:     actorID,
		DocumentID:  documentID,
		WorkspaceID: grant.Document.WorkspaceID,
		Action:      audit.ActionInviteSent,
		Metadata:    map[string]any{"email": request.Email, "role": string(request.Role), "invitation_id": invitation.ID},
	})
	return invitation, nil
}

// AcceptInvitation turns a pending invitation into an active share for userID.
func (s *Service) AcceptInvitation(ctx context.Context, userID, token string) (DocumentShare, error) {
	var share DocumentShare
	var invitation Invitation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		invitation, err = s.pendingInvitation(ctx, tx, userID, token)
		if err != nil {
			return err
		}
		share, err = s.upsertShare(tx, invitation.DocumentID, PrincipalUser, userID, invitation.Role, invitation.InvitedBy, true)
		if err != nil {
			return err
		}
		return s.closeInvitation(tx, invitation.ID, StatusAccepted, userID)
	})
	if err := s.finishTransaction(opRespondInvitation, err); err != nil {
		return DocumentShare{}, err
	}
	s.record(ctx, audit.Entry{
		ActorID:    userID,
		DocumentID: invitation.DocumentID,
		Action:     audit.ActionInviteAccepted,
		Metadata:   map[string]any{"invitation_id": invitation.ID, "role": string(share.Role)},
	})
	return share, nil
}

// DeclineInvitation marks a pending invitation declined.
func (s *Service) DeclineInvitation(ctx context.Context, userID, token string) error {
	var invitation Invitation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		invitation, err = s.pendingInvitation(ctx, tx, userID, token)
		if err != nil {
			return err
		}
		return s.closeInvitation(tx, invitation.ID, StatusDeclined, userID)
	})
	if err := s.finishTransaction(opRespondInvitation, err); err != nil {
		return err
	}
	s.record(ctx, audit.Entry{
		ActorID:    userID,
		DocumentID: invitation.DocumentID,
		Action:     audit.ActionInviteDeclined,
		Metadata:   map[string]any{"invitation_id": invitation.ID},
	})
	return nil
}

// ChangeDocumentMemberRole changes the role of a user share.
func (s *Service) ChangeDocumentMemberRole(ctx context.Context, actorID, documentID, userID string, newRole Role) (DocumentShare, error) {
	grant, err := s.resolver.AssertRole(ctx, documentID, actorID, RoleAdmin)
	if err != nil {
		return DocumentShare{}, err
	}
	if _, err := ParseRole(string(newRole)); err != nil {
		return DocumentShare{}, err
	}
	share, err := s.activeUserShare(ctx, documentID, userID)
	if err != nil {
		return DocumentShare{}, err
	}
	if newRole.Rank() > grant.Role.Rank() {
		return DocumentShare{}, domain.Forbidden("Forbidden: cannot assign a role higher than your own")
	}
	if newRole == RoleOwner && grant.Role != RoleOwner {
		return DocumentShare{}, domain.Forbidden("Forbidden: only the owner can promote to owner")
	}
	if share.Role == RoleOwner && grant.Role != RoleOwner {
		return DocumentShare{}, domain.Forbidden("Forbidden: cannot change the owner's role")
	}

	oldRole := share.Role
	share.Role = newRole
	share.UpdatedAtSeconds = s.nowSeconds()
	if err := s.db.WithContext(ctx).Model(&DocumentShare{}).Where("id = ?", share.ID).
		Updates(map[string]any{"role": newRole, "updated_at_s": share.UpdatedAtSeconds}).Error; err != nil {
		return DocumentShare{}, s.serviceFailure(opChangeShareRole, reasonWriteFailed, err)
	}
	s.record(ctx, audit.Entry{
		ActorID:     actorID,
		DocumentID:  documentID,
		WorkspaceID: grant.Document.WorkspaceID,
		Action:      audit.ActionRoleChanged,
		Metadata:    map[string]any{"user_id": userID, "old_role": string(oldRole), "new_role": string(newRole)},
	})
	return share, nil
}

// RemoveDocumentMember revokes a user share. Owner shares cannot be removed.
func (s *Service) RemoveDocumentMember(ctx context.Context, actorID, documentID, userID string) error {
	grant, err := s.resolver.AssertRole(ctx, documentID, actorID, RoleAdmin)
	if err != nil {
		return err
	}
	if userID == actorID && grant.Role == RoleOwner {
		return domain.Invalid("Owner cannot remove themselves")
	}
	share, err := s.activeUserShare(ctx, documentID, userID)
	if err != nil {
		return err
	}
	if share.Role == RoleOwner {
		return domain.Invalid("Cannot remove the document owner")
	}
	if err := s.db.WithContext(ctx).Model(&DocumentShare{}).Where("id = ?", share.ID).
		Updates(map[string]any{"status": StatusRevoked, "updated_at_s": s.nowSeconds()}).Error; err != nil {
		return s.serviceFailure(opRemoveShare, reasonWriteFailed, err)
	}
	s.record(ctx, audit.Entry{
		ActorID:     actorID,
		DocumentID:  documentID,
		WorkspaceID: grant.Document.WorkspaceID,
		Action:      audit.ActionShareRemoved,
		Metadata:    map[string]any{"user_id": userID, "previous_role": string(share.Role)},
	})
	return nil
}

// upsertShare activates a share for the principal. With keepHigher an
// existing active share is never downgraded.
func (s *Service) upsertShare(tx *gorm.DB, documentID, principalType, principalID string, role Role, grantedBy string, keepHigher bool) (DocumentShare, error) {
	now := s.nowSeconds()
	var share DocumentShare
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("document_id = ? AND principal_type = ? AND principal_id = ?", documentID, principalType, principalID).
		Take(&share).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		shareID, idErr := s.newID(opShareDocument)
		if idErr != nil {
			return DocumentShare{}, idErr
		}
		share = DocumentShare{
			ID:               shareID,
			DocumentID:       documentID,
			PrincipalType:    principalType,
			PrincipalID:      principalID,
			Role:             role,
			Status:           StatusActive,
			GrantedBy:        grantedBy,
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		return share, tx.Create(&share).Error
	}
	if err != nil {
		return DocumentShare{}, err
	}
	if !(keepHigher && share.Status == StatusActive && share.Role.Rank() > role.Rank()) {
		share.Role = role
	}
	share.Status = StatusActive
	share.GrantedBy = grantedBy
	share.ExpiresAtSeconds = nil
	share.UpdatedAtSeconds = now
	return share, tx.Save(&share).Error
}

func (s *Service) pendingInvitation(ctx context.Context, tx *gorm.DB, userID, token string) (Invitation, error) {
	var invitation Invitation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("token = ?", token).Take(&invitation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Invitation{}, domain.NotFound("Invitation not found")
	}
	if err != nil {
		return Invitation{}, err
	}
	if invitation.Status != StatusPending {
		return Invitation{}, domain.Invalid("Invitation is %s", invitation.Status)
	}
	if invitation.ExpiresAtSeconds <= s.nowSeconds() {
		return Invitation{}, domain.Invalid("Invitation has expired")
	}
	user, err := users.Lookup(ctx, tx, userID)
	if err != nil {
		return Invitation{}, err
	}
	if !strings.EqualFold(strings.TrimSpace(user.Email), invitation.Email) {
		return Invitation{}, domain.Forbidden("Forbidden: invitation was sent to a different email address")
	}
	return invitation, nil
}

func (s *Service) closeInvitation(tx *gorm.DB, invitationID, status, userID string) error {
	now := s.nowSeconds()
	updates := map[string]any{"status": status, "responded_at_s": now}
	if status == StatusAccepted {
		updates["accepted_by"] = userID
	}
	return tx.Model(&Invitation{}).Where("id = ?", invitationID).Updates(updates).Error
}

func (s *Service) activeUserShare(ctx context.Context, documentID, userID string) (DocumentShare, error) {
	var share DocumentShare
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND principal_type = ? AND principal_id = ? AND status = ?", documentID, PrincipalUser, userID, StatusActive).
		Take(&share).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentShare{}, domain.NotFound("Member not found")
	}
	if err != nil {
		return DocumentShare{}, s.serviceFailure(opListDocumentShares, reasonQueryFailed, err)
	}
	return share, nil
}

func (s *Service) enqueueInvitationEmail(invitation Invitation, documentTitle string) {
	if s.mail == nil {
		return
	}
	acceptURL := fmt.Sprintf("%s/invitations/%s", strings.TrimRight(s.publicURL, "/"), invitation.Token)
	body := fmt.Sprintf("You have been invited to %q as %s.\n\nAccept the invitation: %s\n", documentTitle, invitation.Role, acceptURL)
	if invitation.Message != "" {
		body += "\n" + invitation.Message + "\n"
	}
	message := mailer.Message{
		To:      []string{invitation.Email},
		Subject: fmt.Sprintf("Invitation to collaborate on %s", documentTitle),
		Body:    body,
		Kind:    "invitation",
	}
	if !s.mail.TryEnqueue(message) {
		s.logger.Warn("invitation email dropped: queue full",
			zap.String("invitation_id", invitation.ID),
			zap.String("document_id", invitation.DocumentID))
	}
}
