package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "collab_user_id"

var errInvalidAuthorization = errors.New("authorization header missing or invalid")

// SessionValidator verifies session tokens carried by a request.
type SessionValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps verified claims onto a local user id.
type UserResolver interface {
	ResolveUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// SessionAuthenticator authenticates WebSocket upgrade requests.
type SessionAuthenticator struct {
	validator SessionValidator
	users     UserResolver
}

func NewSessionAuthenticator(validator SessionValidator, users UserResolver) *SessionAuthenticator {
	return &SessionAuthenticator{validator: validator, users: users}
}

// Authenticate returns the local user id behind the request's token.
func (a *SessionAuthenticator) Authenticate(r *http.Request) (string, error) {
	claims, err := a.validator.ValidateRequest(r)
	if err != nil {
		return "", err
	}
	return a.users.ResolveUserID(r.Context(), claims)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.sessions.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}
