package server

import (
	"net/http"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/documents"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/permissions"
	"github.com/gin-gonic/gin"
)

type createFolderPayload struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id"`
	Position int     `json:"position"`
}

type moveFolderPayload struct {
	ParentID *string `json:"parent_id"`
}

func (h *httpHandler) handleFolderTree(c *gin.Context) {
	workspaceID := c.Param("workspace_id")
	if _, err := h.resolver.AssertWorkspaceRole(c.Request.Context(), workspaceID, currentUserID(c), permissions.RoleViewer); err != nil {
		h.respondError(c, err)
		return
	}
	tree, err := h.store.FolderTree(c.Request.Context(), workspaceID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspace_id": workspaceID, "folders": newFolderTreePayload(tree)})
}

func (h *httpHandler) handleCreateFolder(c *gin.Context) {
	var request createFolderPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_request")
		return
	}
	workspaceID := c.Param("workspace_id")
	userID := currentUserID(c)
	if _, err := h.resolver.AssertWorkspaceRole(c.Request.Context(), workspaceID, userID, permissions.RoleEditor); err != nil {
		h.respondError(c, err)
		return
	}
	folder, err := h.store.CreateFolder(c.Request.Context(), documents.NewFolder{
		WorkspaceID: workspaceID,
		ParentID:    request.ParentID,
		Name:        request.Name,
		Position:    request.Position,
		CreatedBy:   userID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newFolderPayload(folder))
}

func (h *httpHandler) handleMoveFolder(c *gin.Context) {
	var request moveFolderPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_request")
		return
	}
	folderID := c.Param("folder_id")
	existing, err := h.store.GetFolder(c.Request.Context(), folderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if _, err := h.resolver.AssertWorkspaceRole(c.Request.Context(), existing.WorkspaceID, currentUserID(c), permissions.RoleEditor); err != nil {
		h.respondError(c, err)
		return
	}
	folder, err := h.store.MoveFolder(c.Request.Context(), folderID, request.ParentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newFolderPayload(folder))
}
