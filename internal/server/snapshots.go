package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/permissions"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/snapshots"
	"github.com/gin-gonic/gin"
)

const errActiveSessions = "Cannot overwrite while the document is open in an editing session"

type createSnapshotPayload struct {
	Type           string `json:"type"`
	YjsStateBase64 string `json:"yjs_state_base64"`
	HTMLPreview    string `json:"html_preview"`
	Note           string `json:"note"`
}

func (h *httpHandler) handleCreateSnapshot(c *gin.Context) {
	var request createSnapshotPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_request")
		return
	}
	state, err := base64.StdEncoding.DecodeString(request.YjsStateBase64)
	if err != nil {
		h.respondInvalid(c, "yjs_state_base64 must be valid base64")
		return
	}
	snapshot, err := h.snapshots.Create(c.Request.Context(), currentUserID(c), c.Param("document_id"), snapshots.CreateRequest{
		Type:    snapshots.Type(request.Type),
		State:   state,
		Preview: request.HTMLPreview,
		Note:    request.Note,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

func (h *httpHandler) handleListSnapshots(c *gin.Context) {
	documentID := c.Param("document_id")
	list, err := h.snapshots.List(c.Request.Context(), currentUserID(c), documentID, snapshots.Type(c.Query("type")), queryInt(c, "limit"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if list == nil {
		list = []snapshots.Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"document_id": documentID, "snapshots": list})
}

func (h *httpHandler) handleGetSnapshot(c *gin.Context) {
	snapshot, err := h.snapshots.Get(c.Request.Context(), currentUserID(c), c.Param("document_id"), c.Param("snapshot_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleDownloadSnapshot(c *gin.Context) {
	snapshot, err := h.snapshots.Get(c.Request.Context(), currentUserID(c), c.Param("document_id"), c.Param("snapshot_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "snapshot-"+snapshot.ID+".yjs"))
	c.Data(http.StatusOK, "application/octet-stream", snapshot.State)
}

func (h *httpHandler) handleRestoreSnapshot(c *gin.Context) {
	var request snapshots.RestoreRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_request")
		return
	}
	documentID := c.Param("document_id")
	userID := currentUserID(c)
	if strings.EqualFold(strings.TrimSpace(request.Action), snapshots.ActionOverwrite) {
		if _, err := h.resolver.AssertRole(c.Request.Context(), documentID, userID, permissions.RoleViewer); err != nil {
			h.respondError(c, err)
			return
		}
		open, err := h.hasOpenSessions(c.Request.Context(), documentID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		if open {
			h.respondError(c, &domain.ConflictError{Message: errActiveSessions})
			return
		}
	}
	result, err := h.snapshots.Restore(c.Request.Context(), userID, documentID, c.Param("snapshot_id"), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// hasOpenSessions reports whether any connection on this instance or any
// durable presence row still has the document open.
func (h *httpHandler) hasOpenSessions(ctx context.Context, documentID string) (bool, error) {
	if h.rooms != nil && len(h.rooms.RoomMembers(documentID)) > 0 {
		return true, nil
	}
	active, err := h.presence.ListActive(ctx, documentID)
	if err != nil {
		return false, err
	}
	return len(active) > 0, nil
}
