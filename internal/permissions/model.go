package permissions

// Membership, share and invitation statuses.
const (
	StatusActive    = "active"
	StatusRevoked   = "revoked"
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusDeclined  = "declined"
	StatusCancelled = "cancelled"

	PrincipalUser      = "user"
	PrincipalWorkspace = "workspace"
)

type Workspace struct {
	ID               string `gorm:"column:id;primaryKey;size:64"`
	Name             string `gorm:"column:name;size:200;not null"`
	OwnerID          string `gorm:"column:owner_id;size:64;not null;index"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (Workspace) TableName() string {
	return "workspaces"
}

// WorkspaceMember grants a workspace role. At most one row per (workspace, user).
type WorkspaceMember struct {
	ID               string `gorm:"column:id;primaryKey;size:64"`
	WorkspaceID      string `gorm:"column:workspace_id;size:64;not null;uniqueIndex:idx_workspace_member"`
	UserID           string `gorm:"column:user_id;size:64;not null;uniqueIndex:idx_workspace_member;index"`
	Role             Role   `gorm:"column:role;size:16;not null"`
	Status           string `gorm:"column:status;size:16;not null"`
	GrantedBy        string `gorm:"column:granted_by;size:64"`
	ExpiresAtSeconds *int64 `gorm:"column:expires_at_s"`
	GrantedAtSeconds int64  `gorm:"column:granted_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (WorkspaceMember) TableName() string {
	return "workspace_members"
}

// DocumentShare grants a document role to a user or a whole workspace.
type DocumentShare struct {
	ID               string `gorm:"column:id;primaryKey;size:64"`
	DocumentID       string `gorm:"column:document_id;size:64;not null;uniqueIndex:idx_document_principal"`
	PrincipalType    string `gorm:"column:principal_type;size:16;not null;uniqueIndex:idx_document_principal"`
	PrincipalID      string `gorm:"column:principal_id;size:64;not null;uniqueIndex:idx_document_principal"`
	Role             Role   `gorm:"column:role;size:16;not null"`
	Status           string `gorm:"column:status;size:16;not null"`
	GrantedBy        string `gorm:"column:granted_by;size:64"`
	ExpiresAtSeconds *int64 `gorm:"column:expires_at_s"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (DocumentShare) TableName() string {
	return "document_shares"
}

// Invitation is a pending document share addressed to an email.
type Invitation struct {
	ID                string  `gorm:"column:id;primaryKey;size:64"`
	DocumentID        string  `gorm:"column:document_id;size:64;not null;index"`
	Email             string  `gorm:"column:email;size:320;not null;index"`
	Role              Role    `gorm:"column:role;size:16;not null"`
	Token             string  `gorm:"column:token;size:128;not null;uniqueIndex"`
	Status            string  `gorm:"column:status;size:16;not null"`
	Message           string  `gorm:"column:message;size:1000"`
	InvitedBy         string  `gorm:"column:invited_by;size:64;not null"`
	AcceptedBy        *string `gorm:"column:accepted_by;size:64"`
	ExpiresAtSeconds  int64   `gorm:"column:expires_at_s;not null"`
	RespondedAtSecond *int64  `gorm:"column:responded_at_s"`
	CreatedAtSeconds  int64   `gorm:"column:created_at_s;not null"`
}

func (Invitation) TableName() string {
	return "invitations"
}

// ShareLink is a tokenized, optionally password-protected link to a document.
type ShareLink struct {
	ID               string  `gorm:"column:id;primaryKey;size:64"`
	DocumentID       string  `gorm:"column:document_id;size:64;not null;index"`
	Token            string  `gorm:"column:token;size:128;not null;uniqueIndex"`
	Mode             string  `gorm:"column:mode;size:16;not null"`
	PasswordHash     *string `gorm:"column:password_hash;size:128" json:"-"`
	MaxUses          *int    `gorm:"column:max_uses"`
	UsesCount        int     `gorm:"column:uses_count;not null"`
	CreatedBy        string  `gorm:"column:created_by;size:64;not null"`
	ExpiresAtSeconds *int64  `gorm:"column:expires_at_s"`
	RevokedAtSeconds *int64  `gorm:"column:revoked_at_s"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

func (ShareLink) TableName() string {
	return "share_links"
}

// Models lists every table owned by this package for migrations.
func Models() []any {
	return []any{&Workspace{}, &WorkspaceMember{}, &DocumentShare{}, &Invitation{}, &ShareLink{}}
}
