package permissions

import (
	"context"
	"errors"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/documents"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opResolveDocument  = "permissions.resolve_document"
	opResolveWorkspace = "permissions.resolve_workspace"
)

var noOpLogger = zap.NewNop()

type ResolverConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Resolver computes effective roles. Reads are unlocked: a concurrent role
// change may let one in-flight action through.
type Resolver struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// Grant is the outcome of a successful document role check.
type Grant struct {
	Role     Role
	Document documents.Document
}

func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Database == nil {
		return nil, errors.New("permissions: database handle is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Resolver{db: cfg.Database, clock: clock, logger: logger}, nil
}

// WithDB returns a copy of the resolver reading through handle.
func (r *Resolver) WithDB(handle *gorm.DB) *Resolver {
	clone := *r
	clone.db = handle
	return &clone
}

// EffectiveRole resolves the user's role on a live document.
// RESTRICTED documents honour document shares only; INHERITED documents take
// the higher of the workspace role and any share role.
func (r *Resolver) EffectiveRole(ctx context.Context, documentID, userID string) (Grant, error) {
	var document documents.Document
	err := r.db.WithContext(ctx).Where("id = ?", documentID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && document.IsDeleted) {
		return Grant{}, domain.NotFound("Document not found")
	}
	if err != nil {
		r.logger.Error("document lookup failed", zap.String("document_id", documentID), zap.Error(err))
		return Grant{}, domain.NewServiceError(opResolveDocument, "document_lookup_failed", err)
	}

	shareRole, err := r.shareRole(ctx, documentID, userID)
	if err != nil {
		return Grant{}, err
	}
	if document.Restricted() {
		return Grant{Role: shareRole, Document: document}, nil
	}

	workspaceRole, err := r.WorkspaceRole(ctx, document.WorkspaceID, userID)
	if err != nil {
		return Grant{}, err
	}
	return Grant{Role: MaxRole(workspaceRole, shareRole), Document: document}, nil
}

// AssertRole fails with Forbidden unless the effective role reaches minimum.
func (r *Resolver) AssertRole(ctx context.Context, documentID, userID string, minimum Role) (Grant, error) {
	grant, err := r.EffectiveRole(ctx, documentID, userID)
	if err != nil {
		return Grant{}, err
	}
	if grant.Role == RoleNone {
		return Grant{}, domain.Forbidden("Forbidden: no access to document")
	}
	if !grant.Role.AtLeast(minimum) {
		return Grant{}, domain.Forbidden("Forbidden: requires %s role", minimum)
	}
	return grant, nil
}

// AssertExactRole requires the effective role to equal role exactly.
func (r *Resolver) AssertExactRole(ctx context.Context, documentID, userID string, role Role) (Grant, error) {
	grant, err := r.AssertRole(ctx, documentID, userID, role)
	if err != nil {
		return Grant{}, err
	}
	if grant.Role != role {
		return Grant{}, domain.Forbidden("Forbidden: requires %s role", role)
	}
	return grant, nil
}

// WorkspaceRole returns the user's active, unexpired workspace role or RoleNone.
func (r *Resolver) WorkspaceRole(ctx context.Context, workspaceID, userID string) (Role, error) {
	var member WorkspaceMember
	err := r.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ? AND status = ?", workspaceID, userID, StatusActive).
		Where("expires_at_s IS NULL OR expires_at_s > ?", r.clock().UTC().Unix()).
		Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoleNone, nil
	}
	if err != nil {
		r.logger.Error("workspace role lookup failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		return RoleNone, domain.NewServiceError(opResolveWorkspace, "member_lookup_failed", err)
	}
	return member.Role, nil
}

// AssertWorkspaceRole checks a workspace-scoped action.
func (r *Resolver) AssertWorkspaceRole(ctx context.Context, workspaceID, userID string, minimum Role) (Role, error) {
	var workspace Workspace
	err := r.db.WithContext(ctx).Where("id = ? AND is_deleted = ?", workspaceID, false).Take(&workspace).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoleNone, domain.NotFound("Workspace not found")
	}
	if err != nil {
		return RoleNone, domain.NewServiceError(opResolveWorkspace, "workspace_lookup_failed", err)
	}
	role, err := r.WorkspaceRole(ctx, workspaceID, userID)
	if err != nil {
		return RoleNone, err
	}
	if role == RoleNone {
		return RoleNone, domain.Forbidden("Forbidden: Not a workspace member")
	}
	if !role.AtLeast(minimum) {
		return RoleNone, domain.Forbidden("Forbidden: Requires %s role", minimum)
	}
	return role, nil
}

// shareRole returns the highest active share naming the user directly or
// through a workspace they actively belong to.
func (r *Resolver) shareRole(ctx context.Context, documentID, userID string) (Role, error) {
	nowSeconds := r.clock().UTC().Unix()
	memberWorkspaces := r.db.Model(&WorkspaceMember{}).
		Select("workspace_id").
		Where("user_id = ? AND status = ?", userID, StatusActive).
		Where("expires_at_s IS NULL OR expires_at_s > ?", nowSeconds)

	var shares []DocumentShare
	err := r.db.WithContext(ctx).
		Where("document_id = ? AND status = ?", documentID, StatusActive).
		Where("expires_at_s IS NULL OR expires_at_s > ?", nowSeconds).
		Where(r.db.Where("principal_type = ? AND principal_id = ?", PrincipalUser, userID).
			Or("principal_type = ? AND principal_id IN (?)", PrincipalWorkspace, memberWorkspaces)).
		Find(&shares).Error
	if err != nil {
		r.logger.Error("share lookup failed", zap.String("document_id", documentID), zap.Error(err))
		return RoleNone, domain.NewServiceError(opResolveDocument, "share_lookup_failed", err)
	}
	role := RoleNone
	for _, share := range shares {
		role = MaxRole(role, share.Role)
	}
	return role, nil
}
