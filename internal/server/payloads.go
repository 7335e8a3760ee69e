package server

import (
	"strconv"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/audit"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/documents"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/permissions"
	"github.com/gin-gonic/gin"
)

const maxQueryLimit = 500

type workspacePayload struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	OwnerID          string `json:"owner_id"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func newWorkspacePayload(workspace permissions.Workspace) workspacePayload {
	return workspacePayload{
		ID:               workspace.ID,
		Name:             workspace.Name,
		OwnerID:          workspace.OwnerID,
		CreatedAtSeconds: workspace.CreatedAtSeconds,
	}
}

type memberPayload struct {
	UserID           string `json:"user_id"`
	Role             string `json:"role"`
	Status           string `json:"status"`
	GrantedBy        string `json:"granted_by,omitempty"`
	ExpiresAtSeconds *int64 `json:"expires_at_s"`
	GrantedAtSeconds int64  `json:"granted_at_s"`
}

func newMemberPayload(member permissions.WorkspaceMember) memberPayload {
	return memberPayload{
		UserID:           member.UserID,
		Role:             member.Role.String(),
		Status:           member.Status,
		GrantedBy:        member.GrantedBy,
		ExpiresAtSeconds: member.ExpiresAtSeconds,
		GrantedAtSeconds: member.GrantedAtSeconds,
	}
}

type sharePayload struct {
	ID               string `json:"id"`
	DocumentID       string `json:"document_id"`
	PrincipalType    string `json:"principal_type"`
	PrincipalID      string `json:"principal_id"`
	Role             string `json:"role"`
	Status           string `json:"status"`
	GrantedBy        string `json:"granted_by,omitempty"`
	ExpiresAtSeconds *int64 `json:"expires_at_s"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func newSharePayload(share permissions.DocumentShare) sharePayload {
	return sharePayload{
		ID:               share.ID,
		DocumentID:       share.DocumentID,
		PrincipalType:    share.PrincipalType,
		PrincipalID:      share.PrincipalID,
		Role:             share.Role.String(),
		Status:           share.Status,
		GrantedBy:        share.GrantedBy,
		ExpiresAtSeconds: share.ExpiresAtSeconds,
		CreatedAtSeconds: share.CreatedAtSeconds,
	}
}

type invitationPayload struct {
	ID               string `json:"id"`
	DocumentID       string `json:"document_id"`
	Email            string `json:"email"`
	Role             string `json:"role"`
	Status           string `json:"status"`
	InvitedBy        string `json:"invited_by"`
	ExpiresAtSeconds int64  `json:"expires_at_s"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func newInvitationPayload(invitation permissions.Invitation) invitationPayload {
	return invitationPayload{
		ID:               invitation.ID,
		DocumentID:       invitation.DocumentID,
		Email:            invitation.Email,
		Role:             invitation.Role.String(),
		Status:           invitation.Status,
		InvitedBy:        invitation.InvitedBy,
		ExpiresAtSeconds: invitation.ExpiresAtSeconds,
		CreatedAtSeconds: invitation.CreatedAtSeconds,
	}
}

// linkPayload carries the token only when the link was just created.
type linkPayload struct {
	ID               string `json:"id"`
	DocumentID       string `json:"document_id"`
	Token            string `json:"token,omitempty"`
	Mode             string `json:"mode"`
	HasPassword      bool   `json:"has_password"`
	MaxUses          *int   `json:"max_uses"`
	UsesCount        int    `json:"uses_count"`
	CreatedBy        string `json:"created_by"`
	ExpiresAtSeconds *int64 `json:"expires_at_s"`
	RevokedAtSeconds *int64 `json:"revoked_at_s"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func newLinkPayload(link permissions.ShareLink, includeToken bool) linkPayload {
	payload := linkPayload{
		ID:               link.ID,
		DocumentID:       link.DocumentID,
		Mode:             link.Mode,
		HasPassword:      link.HasPassword(),
		MaxUses:          link.MaxUses,
		UsesCount:        link.UsesCount,
		CreatedBy:        link.CreatedBy,
		ExpiresAtSeconds: link.ExpiresAtSeconds,
		RevokedAtSeconds: link.RevokedAtSeconds,
		CreatedAtSeconds: link.CreatedAtSeconds,
	}
	if includeToken {
		payload.Token = link.Token
	}
	return payload
}

type folderPayload struct {
	ID               string  `json:"id"`
	WorkspaceID      string  `json:"workspace_id"`
	ParentID         *string `json:"parent_id"`
	Name             string  `json:"name"`
	Position         int     `json:"position"`
	CreatedBy        string  `json:"created_by"`
	CreatedAtSeconds int64   `json:"created_at_s"`
	UpdatedAtSeconds int64   `json:"updated_at_s"`
}

func newFolderPayload(folder documents.Folder) folderPayload {
	return folderPayload{
		ID:               folder.ID,
		WorkspaceID:      folder.WorkspaceID,
		ParentID:         folder.ParentID,
		Name:             folder.Name,
		Position:         folder.Position,
		CreatedBy:        folder.CreatedBy,
		CreatedAtSeconds: folder.CreatedAtSeconds,
		UpdatedAtSeconds: folder.UpdatedAtSeconds,
	}
}

type folderNodePayload struct {
	Folder   folderPayload       `json:"folder"`
	Children []folderNodePayload `json:"children"`
}

func newFolderTreePayload(nodes []*documents.FolderNode) []folderNodePayload {
	tree := make([]folderNodePayload, 0, len(nodes))
	for _, node := range nodes {
		tree = append(tree, folderNodePayload{
			Folder:   newFolderPayload(node.Folder),
			Children: newFolderTreePayload(node.Children),
		})
	}
	return tree
}

type auditPayload struct {
	ID               string         `json:"id"`
	ActorID          *string        `json:"actor_id"`
	DocumentID       *string        `json:"document_id"`
	WorkspaceID      *string        `json:"workspace_id"`
	Action           string         `json:"action"`
	Metadata         map[string]any `json:"metadata"`
	CreatedAtSeconds int64          `json:"created_at_s"`
}

func newAuditPayload(entry audit.Log) auditPayload {
	return auditPayload{
		ID:               entry.ID,
		ActorID:          entry.ActorID,
		DocumentID:       entry.DocumentID,
		WorkspaceID:      entry.WorkspaceID,
		Action:           entry.Action,
		Metadata:         entry.Metadata,
		CreatedAtSeconds: entry.CreatedAtSeconds,
	}
}

// queryInt parses a positive integer query parameter; anything else yields 0
// and lets the service apply its default.
func queryInt(c *gin.Context, name string) int {
	value, err := strconv.Atoi(c.Query(name))
	if err != nil || value <= 0 {
		return 0
	}
	if value > maxQueryLimit {
		return maxQueryLimit
	}
	return value
}

// expiresAt converts an optional unix-seconds field.
func expiresAt(seconds *int64) *time.Time {
	if seconds == nil {
		return nil
	}
	value := time.Unix(*seconds, 0).UTC()
	return &value
}
