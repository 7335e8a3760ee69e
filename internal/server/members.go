package server

import (
	"net/http"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/permissions"
	"github.com/gin-gonic/gin"
)

type createWorkspacePayload struct {
	Name string `json:"name"`
}

type addMemberPayload struct {
	UserID           string `json:"user_id"`
	Role             string `json:"role"`
	ExpiresAtSeconds *int64 `json:"expires_at_s"`
}

type rolePayload struct {
	Role string `json:"role"`
}

type transferOwnershipPayload struct {
	NewOwnerID string `json:"new_owner_id"`
	DemoteTo   string `json:"demote_to"`
}

type shareDocumentPayload struct {
	PrincipalType string `json:"principal_type"`
	PrincipalID   string `json:"principal_id"`
	Role          string `json:"role"`
}

type invitePayload struct {
	Email   string `json:"email"`
	Role    string `json:"role"`
	Message string `json:"message"`
}

func (h *httpHandler) handleCreateWorkspace(c *gin.Context) {
	var request createWorkspacePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_request")
		return
	}
	workspace, err := h.permissions.CreateWorkspace(c.Request.Context(), currentUserID(c), request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newWorkspacePayload(workspace))
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	members, err := h.permissions.ListMembers(c.Request.Context(), currentUserID(c), c.Param("workspace_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]memberPayload, 0, len(members))
	for _, member := range members {
		payload = append(payload, newMemberPayload(member))
	}
	c.JSON(http.StatusOK, gin.H{"workspace_id": c.Param("workspace_id"), "members": payload})
}

func (h *httpHandler) handleAddMember(c *gin.Context) {
	var request addMemberPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_request")
		return
	}
	role, err := permissions.ParseWorkspaceRole(request.Role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	member, err := h.permissions.AddMember(c.Request.Context(), currentUserID(c), c.Param("workspace_id"), request.UserID, role, expiresAt(request.ExpiresAtSeconds))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newMemberPayload(member))
}

func (h *httpHandler) handleChangeMemberRole(c *gin.Context) {
	var request rolePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_request")
		return
	}
	role, err := permissions.ParseWorkspaceRole(request.Role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	member, err := h.permissions.ChangeMemberRole(c.Request.Context(), currentUserID(c), c.Param("workspace_id"), c.Param("user_id"), role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newMemberPayload(member))
}

func (h *httpHandler) handleRemoveMember(c *gin.Context) {
	if err := h.permissions.RemoveMember(c.Request.Context(), currentUserID(c), c.Param("workspace_id"), c.Param("user_id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleTransferOwnership(c *gin.Context) {
	var request transferOwnershipPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_request")
		return
	}
	demoteTo := permissions.RoleNone
	if request.DemoteTo != "" {
		parsed, err := permissions.ParseWorkspaceRole(request.DemoteTo)
		if err != nil {
			h.respondError(c, err)
			return
		}
		demoteTo = parsed
	}
	workspaceID := c.Param("workspace_id")
	if err := h.permissions.TransferOwnership(c.Request.Context(), currentUserID(c), workspaceID, request.NewOwnerID, demoteTo); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspace_id": workspaceID, "owner_id": request.NewOwnerID})
}

func (h *httpHandler) handleListDocumentMembers(c *gin.Context) {
	shares, err := h.permissions.ListDocumentMembers(c.Request.Context(), currentUserID(c), c.Param("document_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]sharePayload, 0, len(shares))
	for _, share := range shares {
		payload = append(payload, newSharePayload(share))
	}
	c.JSON(http.StatusOK, gin.H{"document_id": c.Param("document_id"), "members": payload})
}

func (h *httpHandler) handleShareDocument(c *gin.Context) {
	var request shareDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_request")
		return
	}
	role, err := permissions.ParseRole(request.Role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	principalType := request.PrincipalType
	if principalType == "" {
		principalType = permissions.PrincipalUser
	}
	share, err := h.permissions.ShareDocument(c.Request.Context(), currentUserID(c), c.Param("document_id"), principalType, request.PrincipalID, role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSharePayload(share))
}

func (h *httpHandler) handleChangeDocumentMemberRole(c *gin.Context) {
	var request rolePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_request")
		return
	}
	role, err := permissions.ParseRole(request.Role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	share, err := h.permissions.ChangeDocumentMemberRole(c.Request.Context(), currentUserID(c), c.Param("document_id"), c.Param("user_id"), role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSharePayload(share))
}

func (h *httpHandler) handleRemoveDocumentMember(c *gin.Context) {
	if err := h.permissions.RemoveDocumentMember(c.Request.Context(), currentUserID(c), c.Param("document_id"), c.Param("user_id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleInvite(c *gin.Context) {
	var request invitePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_request")
		return
	}
	invitation, err := h.permissions.Invite(c.Request.Context(), currentUserID(c), c.Param("document_id"), permissions.InviteRequest{
		Email:   request.Email,
		Role:    permissions.Role(request.Role),
		Message: request.Message,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newInvitationPayload(invitation))
}

func (h *httpHandler) handleAcceptInvitation(c *gin.Context) {
	share, err := h.permissions.AcceptInvitation(c.Request.Context(), currentUserID(c), c.Param("token"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSharePayload(share))
}

func (h *httpHandler) handleDeclineInvitation(c *gin.Context) {
	if err := h.permissions.DeclineInvitation(c.Request.Context(), currentUserID(c), c.Param("token")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
