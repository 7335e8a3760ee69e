package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/audit"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/batch"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/documents"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/permissions"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/presence"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/snapshots"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingSessions    = errors.New("session validator dependency required")
	errMissingUsers       = errors.New("user resolver dependency required")
	errMissingBatch       = errors.New("batch engine dependency required")
	errMissingPermissions = errors.New("permissions service dependency required")
	errMissingSnapshots   = errors.New("snapshot service dependency required")
	errMissingStore       = errors.New("document store dependency required")
	errMissingPresence    = errors.New("presence tracker dependency required")
	errMissingAudit       = errors.New("audit recorder dependency required")
)

// RoomInspector reports the connections attached to a document on this instance.
type RoomInspector interface {
	RoomMembers(documentID string) []string
}

type Dependencies struct {
	Sessions       SessionValidator
	Users          UserResolver
	Batch          *batch.Engine
	Permissions    *permissions.Service
	Snapshots      *snapshots.Service
	Store          *documents.Store
	Presence       *presence.Tracker
	Audit          *audit.Recorder
	Rooms          RoomInspector
	Realtime       http.Handler
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Batch == nil:
		return nil, errMissingBatch
	case deps.Permissions == nil:
		return nil, errMissingPermissions
	case deps.Snapshots == nil:
		return nil, errMissingSnapshots
	case deps.Store == nil:
		return nil, errMissingStore
	case deps.Presence == nil:
		return nil, errMissingPresence
	case deps.Audit == nil:
		return nil, errMissingAudit
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:    deps.Sessions,
		users:       deps.Users,
		batch:       deps.Batch,
		permissions: deps.Permissions,
		resolver:    deps.Permissions.Resolver(),
		snapshots:   deps.Snapshots,
		store:       deps.Store,
		presence:    deps.Presence,
		audit:       deps.Audit,
		rooms:       deps.Rooms,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/share-links/validate", handler.handleValidateLink)
	if deps.Realtime != nil {
		realtime := deps.Realtime
		router.GET("/ws", func(c *gin.Context) {
			realtime.ServeHTTP(c.Writer, c.Request)
		})
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/workspaces", handler.handleCreateWorkspace)
	protected.POST("/workspaces/:workspace_id/batch", handler.handleBatch)
	protected.GET("/workspaces/:workspace_id/members", handler.handleListMembers)
	protected.POST("/workspaces/:workspace_id/members", handler.handleAddMember)
	protected.PATCH("/workspaces/:workspace_id/members/:user_id", handler.handleChangeMemberRole)
	protected.DELETE("/workspaces/:workspace_id/members/:user_id", handler.handleRemoveMember)
	protected.POST("/workspaces/:workspace_id/transfer-ownership", handler.handleTransferOwnership)
	protected.GET("/workspaces/:workspace_id/folders/tree", handler.handleFolderTree)
	protected.POST("/workspaces/:workspace_id/folders", handler.handleCreateFolder)
	protected.POST("/folders/:folder_id/move", handler.handleMoveFolder)

	protected.GET("/documents/:document_id/presence", handler.handleDocumentPresence)
	protected.GET("/documents/:document_id/members", handler.handleListDocumentMembers)
	protected.POST("/documents/:document_id/members", handler.handleShareDocument)
	protected.PATCH("/documents/:document_id/members/:user_id", handler.handleChangeDocumentMemberRole)
	protected.DELETE("/documents/:document_id/members/:user_id", handler.handleRemoveDocumentMember)
	protected.POST("/documents/:document_id/invitations", handler.handleInvite)
	protected.POST("/invitations/:token/accept", handler.handleAcceptInvitation)
	protected.POST("/invitations/:token/decline", handler.handleDeclineInvitation)
	protected.POST("/documents/:document_id/links", handler.handleCreateLink)
	protected.GET("/documents/:document_id/links", handler.handleListLinks)
	protected.DELETE("/links/:link_id", handler.handleRevokeLink)
	protected.GET("/documents/:document_id/audit", handler.handleAuditLog)

	protected.POST("/documents/:document_id/snapshots", handler.handleCreateSnapshot)
	protected.GET("/documents/:document_id/snapshots", handler.handleListSnapshots)
	protected.GET("/documents/:document_id/snapshots/:snapshot_id", handler.handleGetSnapshot)
	protected.GET("/documents/:document_id/snapshots/:snapshot_id/download", handler.handleDownloadSnapshot)
	protected.POST("/documents/:document_id/snapshots/:snapshot_id/restore", handler.handleRestoreSnapshot)

	return router, nil
}

type httpHandler struct {
	sessions    SessionValidator
	users       UserResolver
	batch       *batch.Engine
	permissions *permissions.Service
	resolver    *permissions.Resolver
	snapshots   *snapshots.Service
	store       *documents.Store
	presence    *presence.Tracker
	audit       *audit.Recorder
	rooms       RoomInspector
	logger      *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleBatch(c *gin.Context) {
	var request batch.Request
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_request")
		return
	}
	request.WorkspaceID = c.Param("workspace_id")

	response, err := h.batch.Process(c.Request.Context(), currentUserID(c), request)
	if err != nil {
		var abort *batch.AbortError
		if errors.As(err, &abort) {
			c.JSON(abort.StatusCode(), gin.H{"error": abort.Error(), "client_id": abort.ClientID})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

type validateLinkPayload struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (h *httpHandler) handleValidateLink(c *gin.Context) {
	var request validateLinkPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "invalid_request")
		return
	}
	result, err := h.permissions.ValidateLink(c.Request.Context(), request.Token, request.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type presenceResponsePayload struct {
	DocumentID string          `json:"document_id"`
	Users      []presence.View `json:"users"`
}

func (h *httpHandler) handleDocumentPresence(c *gin.Context) {
	documentID := c.Param("document_id")
	if _, err := h.resolver.AssertRole(c.Request.Context(), documentID, currentUserID(c), permissions.RoleViewer); err != nil {
		h.respondError(c, err)
		return
	}
	rows, err := h.presence.ListActive(c.Request.Context(), documentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := presenceResponsePayload{DocumentID: documentID, Users: make([]presence.View, 0, len(rows))}
	for _, row := range rows {
		response.Users = append(response.Users, row.View())
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleAuditLog(c *gin.Context) {
	documentID := c.Param("document_id")
	if _, err := h.resolver.AssertRole(c.Request.Context(), documentID, currentUserID(c), permissions.RoleAdmin); err != nil {
		h.respondError(c, err)
		return
	}
	logs, err := h.audit.List(c.Request.Context(), documentID, queryInt(c, "limit"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	entries := make([]auditPayload, 0, len(logs))
	for _, entry := range logs {
		entries = append(entries, newAuditPayload(entry))
	}
	c.JSON(http.StatusOK, gin.H{"document_id": documentID, "entries": entries})
}
