package server

import (
	"net/http"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/permissions"
	"github.com/gin-gonic/gin"
)

type createLinkPayload struct {
	Mode             string `json:"mode"`
	Password         string `json:"password"`
	MaxUses          *int   `json:"max_uses"`
	ExpiresAtSeconds *int64 `json:"expires_at_s"`
}

func (h *httpHandler) handleCreateLink(c *gin.Context) {
	var request createLinkPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_request")
		return
	}
	link, err := h.permissions.CreateLink(c.Request.Context(), currentUserID(c), c.Param("document_id"), permissions.LinkRequest{
		Mode:      request.Mode,
		Password:  request.Password,
		MaxUses:   request.MaxUses,
		ExpiresAt: expiresAt(request.ExpiresAtSeconds),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newLinkPayload(link, true))
}

func (h *httpHandler) handleListLinks(c *gin.Context) {
	links, err := h.permissions.ListLinks(c.Request.Context(), currentUserID(c), c.Param("document_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]linkPayload, 0, len(links))
	for _, link := range links {
		payload = append(payload, newLinkPayload(link, false))
	}
	c.JSON(http.StatusOK, gin.H{"document_id": c.Param("document_id"), "links": payload})
}

func (h *httpHandler) handleRevokeLink(c *gin.Context) {
	link, err := h.permissions.RevokeLink(c.Request.Context(), currentUserID(c), c.Param("link_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newLinkPayload(link, false))
}
