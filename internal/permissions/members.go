package permissions

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/audit"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreateWorkspace   = "permissions.create_workspace"
	opAddMember         = "permissions.add_member"
	opListMembers       = "permissions.list_members"
	opChangeMemberRole  = "permissions.change_member_role"
	opRemoveMember      = "permissions.remove_member"
	opTransferOwnership = "permissions.transfer_ownership"
)

// CreateWorkspace creates a workspace with ownerID as its single owner.
func (s *Service) CreateWorkspace(ctx context.Context, ownerID, name string) (Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Workspace{}, domain.Invalid("Workspace name is required")
	}
	workspaceID, err := s.newID(opCreateWorkspace)
	if err != nil {
		return Workspace{}, err
	}
	memberID, err := s.newID(opCreateWorkspace)
	if err != nil {
		return Workspace{}, err
	}
	now := s.nowSeconds()
	workspace := Workspace{ID: workspaceID, Name: name, OwnerID: ownerID, CreatedAtSeconds: now, UpdatedAtSeconds: now}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := users.Lookup(ctx, tx, ownerID); err != nil {
			return err
		}
		if err := tx.Create(&workspace).Error; err != nil {
			return err
		}
		return tx.Create(&WorkspaceMember{
			ID:               memberID,
			WorkspaceID:      workspaceID,
			UserID:           ownerID,
			Role:             RoleOwner,
			Status:           StatusActive,
			GrantedBy:        ownerID,
			GrantedAtSeconds: now,
			UpdatedAtSeconds: now,
		}).Error
	})
	if err := s.finishTransaction(opCreateWorkspace, err); err != nil {
		return Workspace{}, err
	}
	return workspace, nil
}

// AddMember grants a non-owner workspace role. Revoked memberships are reactivated.
func (s *Service) AddMember(ctx context.Context, actorID, workspaceID, userID string, role Role, expiresAt *time.Time) (WorkspaceMember, error) {
	actorRole, err := s.resolver.AssertWorkspaceRole(ctx, workspaceID, actorID, RoleAdmin)
	if err != nil {
		return WorkspaceMember{}, err
	}
	if _, err := ParseWorkspaceRole(string(role)); err != nil {
		return WorkspaceMember{}, err
	}
	if role == RoleOwner {
		return WorkspaceMember{}, domain.Invalid("Cannot grant owner role. Use transfer_ownership instead.")
	}
	if role.Rank() > actorRole.Rank() {
		return WorkspaceMember{}, domain.Forbidden("Forbidden: cannot grant a role above your own")
	}
	if _, err := users.Lookup(ctx, s.db, userID); err != nil {
		return WorkspaceMember{}, err
	}

	now := s.nowSeconds()
	var expiresAtSeconds *int64
	if expiresAt != nil {
		value := expiresAt.UTC().Unix()
		expiresAtSeconds = &value
	}

	var member WorkspaceMember
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
			Take(&member).Error
		switch {
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
			memberID, err := s.newID(opAddMember)
			if err != nil {
				return err
			}
			member = WorkspaceMember{
				ID:               memberID,
				WorkspaceID:      workspaceID,
				UserID:           userID,
				Role:             role,
				Status:           StatusActive,
				GrantedBy:        actorID,
				ExpiresAtSeconds: expiresAtSeconds,
				GrantedAtSeconds: now,
				UpdatedAtSeconds: now,
			}
			return tx.Create(&member).Error
		case lookupErr != nil:
			return lookupErr
		case member.Status == StatusActive:
			return domain.Invalid("User is already a member")
		default:
			member.Role = role
			member.Status = StatusActive
			member.GrantedBy = actorID
			member.ExpiresAtSeconds = expiresAtSeconds
			member.GrantedAtSeconds = now
			member.UpdatedAtSeconds = now
			return tx.Save(&member).Error
		}
	})
	if err := s.finishTransaction(opAddMember, err); err != nil {
		return WorkspaceMember{}, err
	}

	s.record(ctx, audit.Entry{
		ActorID:     actorID,
		WorkspaceID: workspaceID,
		Action:      audit.ActionMemberAdded,
		Metadata:    map[string]any{"workspace_id": workspaceID, "user_id": userID, "role": string(role)},
	})
	return member, nil
}

// ListMembers returns active members, owner first then by descending role.
func (s *Service) ListMembers(ctx context.Context, actorID, workspaceID string) ([]WorkspaceMember, error) {
	if _, err := s.resolver.AssertWorkspaceRole(ctx, workspaceID, actorID, RoleViewer); err != nil {
		return nil, err
	}
	var members []WorkspaceMember
	if err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND status = ?", workspaceID, StatusActive).
		Order("granted_at_s ASC").
		Find(&members).Error; err != nil {
		return nil, s.serviceFailure(opListMembers, reasonQueryFailed, err, zap.String("workspace_id", workspaceID))
	}
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].Role.Rank() > members[j].Role.Rank()
	})
	return members, nil
}

// ChangeMemberRole changes a non-owner member's role. The owner is only ever
// changed through TransferOwnership.
func (s *Service) ChangeMemberRole(ctx context.Context, actorID, workspaceID, userID string, newRole Role) (WorkspaceMember, error) {
	actorRole, err := s.resolver.AssertWorkspaceRole(ctx, workspaceID, actorID, RoleAdmin)
	if err != nil {
		return WorkspaceMember{}, err
	}
	if _, err := ParseWorkspaceRole(string(newRole)); err != nil {
		return WorkspaceMember{}, err
	}
	member, err := s.activeMember(ctx, workspaceID, userID)
	if err != nil {
		return WorkspaceMember{}, err
	}
	if member.Role == RoleOwner {
		return WorkspaceMember{}, domain.Invalid("Cannot change owner role. Use transfer_ownership instead.")
	}
	if newRole == RoleOwner {
		return WorkspaceMember{}, domain.Invalid("Cannot promote to owner. Use transfer_ownership instead.")
	}
	if newRole.Rank() > actorRole.Rank() {
		return WorkspaceMember{}, domain.Forbidden("Forbidden: cannot grant a role above your own")
	}

	oldRole := member.Role
	now := s.nowSeconds()
	result := s.db.WithContext(ctx).Model(&WorkspaceMember{}).
		Where("id = ? AND status = ? AND role <> ?", member.ID, StatusActive, RoleOwner).
		Updates(map[string]any{"role": newRole, "updated_at_s": now})
	if result.Error != nil {
		return WorkspaceMember{}, s.serviceFailure(opChangeMemberRole, reasonWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return WorkspaceMember{}, domain.Invalid("Cannot change owner role. Use transfer_ownership instead.")
	}
	member.Role = newRole
	member.UpdatedAtSeconds = now

	s.record(ctx, audit.Entry{
		ActorID:     actorID,
		WorkspaceID: workspaceID,
		Action:      audit.ActionMemberRoleChanged,
		Metadata: map[string]any{
			"workspace_id": workspaceID,
			"user_id":      userID,
			"old_role":     string(oldRole),
			"new_role":     string(newRole),
		},
	})
	return member, nil
}

// RemoveMember revokes a non-owner membership.
func (s *Service) RemoveMember(ctx context.Context, actorID, workspaceID, userID string) error {
	if _, err := s.resolver.AssertWorkspaceRole(ctx, workspaceID, actorID, RoleAdmin); err != nil {
		return err
	}
	member, err := s.activeMember(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	if member.Role == RoleOwner {
		return domain.Invalid("Cannot remove workspace owner. Transfer ownership first.")
	}
	result := s.db.WithContext(ctx).Model(&WorkspaceMember{}).
		Where("id = ? AND status = ? AND role <> ?", member.ID, StatusActive, RoleOwner).
		Updates(map[string]any{"status": StatusRevoked, "updated_at_s": s.nowSeconds()})
	if result.Error != nil {
		return s.serviceFailure(opRemoveMember, reasonWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.Invalid("Cannot remove workspace owner. Transfer ownership first.")
	}

	s.record(ctx, audit.Entry{
		ActorID:     actorID,
		WorkspaceID: workspaceID,
		Action:      audit.ActionMemberRemoved,
		Metadata:    map[string]any{"workspace_id": workspaceID, "user_id": userID, "previous_role": string(member.Role)},
	})
	return nil
}

// TransferOwnership promotes newOwnerID and demotes the acting owner in one
// transaction, so no other operation ever observes zero or two owners.
func (s *Service) TransferOwnership(ctx context.Context, actorID, workspaceID, newOwnerID string, demoteTo Role) error {
	if demoteTo == RoleNone {
		demoteTo = RoleAdmin
	}
	if _, err := ParseWorkspaceRole(string(demoteTo)); err != nil {
		return err
	}
	if demoteTo == RoleOwner {
		return domain.Invalid("Previous owner must be demoted to a non-owner role")
	}
	if newOwnerID == actorID {
		return domain.Invalid("User is already the owner")
	}
	if _, err := s.resolver.AssertWorkspaceRole(ctx, workspaceID, actorID, RoleViewer); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current WorkspaceMember
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("workspace_id = ? AND user_id = ? AND status = ?", workspaceID, actorID, StatusActive).
			Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && current.Role != RoleOwner) {
			return domain.Forbidden("Forbidden: Only owner can transfer ownership")
		}
		if err != nil {
			return err
		}
		if _, err := users.Lookup(ctx, tx, newOwnerID); err != nil {
			return err
		}

		now := s.nowSeconds()
		var incoming WorkspaceMember
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("workspace_id = ? AND user_id = ?", workspaceID, newOwnerID).
			Take(&incoming).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			memberID, idErr := s.newID(opTransferOwnership)
			if idErr != nil {
				return idErr
			}
			incoming = WorkspaceMember{
				ID:               memberID,
				WorkspaceID:      workspaceID,
				UserID:           newOwnerID,
				Role:             RoleOwner,
				Status:           StatusActive,
				GrantedBy:        actorID,
				GrantedAtSeconds: now,
				UpdatedAtSeconds: now,
			}
			if err := tx.Create(&incoming).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&WorkspaceMember{}).Where("id = ?", incoming.ID).Updates(map[string]any{
				"role":         RoleOwner,
				"status":       StatusActive,
				"expires_at_s": nil,
				"updated_at_s": now,
			}).Error; err != nil {
				return err
			}
		}

		demoted := tx.Model(&WorkspaceMember{}).
			Where("id = ? AND role = ?", current.ID, RoleOwner).
			Updates(map[string]any{"role": demoteTo, "updated_at_s": now})
		if demoted.Error != nil {
			return demoted.Error
		}
		if demoted.RowsAffected != 1 {
			return domain.NewServiceError(opTransferOwnership, "owner_demotion_lost", errors.New("owner row changed during transfer"))
		}
		if err := tx.Model(&Workspace{}).Where("id = ?", workspaceID).
			Updates(map[string]any{"owner_id": newOwnerID, "updated_at_s": now}).Error; err != nil {
			return err
		}

		var owners int64
		if err := tx.Model(&WorkspaceMember{}).
			Where("workspace_id = ? AND status = ? AND role = ?", workspaceID, StatusActive, RoleOwner).
			Count(&owners).Error; err != nil {
			return err
		}
		if owners != 1 {
			return domain.NewServiceError(opTransferOwnership, "owner_count_invalid", errors.New("workspace must have exactly one owner"))
		}
		return nil
	})
	if err := s.finishTransaction(opTransferOwnership, err); err != nil {
		return err
	}

	s.record(ctx, audit.Entry{
		ActorID:     actorID,
		WorkspaceID: workspaceID,
		Action:      audit.ActionOwnershipTransferred,
		Metadata: map[string]any{
			"workspace_id":      workspaceID,
			"previous_owner_id": actorID,
			"new_owner_id":      newOwnerID,
			"demoted_to":        string(demoteTo),
		},
	})
	return nil
}

func (s *Service) activeMember(ctx context.Context, workspaceID, userID string) (WorkspaceMember, error) {
	var member WorkspaceMember
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ? AND status = ?", workspaceID, userID, StatusActive).
		Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return WorkspaceMember{}, domain.NotFound("Member not found")
	}
	if err != nil {
		return WorkspaceMember{}, s.serviceFailure(opListMembers, reasonQueryFailed, err)
	}
	return member, nil
}
