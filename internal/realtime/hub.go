package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/permissions"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/presence"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout      = 5 * time.Second
	maxMessageBytes   = 64 * 1024
	closeUnauthorized = "Unauthorized"
	closeInvalid      = "Invalid message"
	closeExpired      = "Session expired"
)

// Authenticator resolves the verified user behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// DocumentAccess gates joining a document room.
type DocumentAccess interface {
	AssertRole(ctx context.Context, documentID, userID string, minimum permissions.Role) (permissions.Grant, error)
}

// PresenceStore persists sessions and presence for the hub.
type PresenceStore interface {
	CreateSession(ctx context.Context, info presence.SessionInfo) (presence.Session, error)
	TouchSession(ctx context.Context, connectionID string) (bool, error)
	DeactivateSession(ctx context.Context, connectionID string) (bool, error)
	Join(ctx context.Context, documentID, userID, sessionID string) (presence.Presence, error)
	Leave(ctx context.Context, documentID, userID, sessionID string) (bool, error)
	UpdateCursor(ctx context.Context, documentID, userID string, cursor presence.Position) (presence.Presence, bool, error)
	UpdateSelection(ctx context.Context, documentID, userID string, selection presence.Selection) (presence.Presence, bool, error)
	ClearSelection(ctx context.Context, documentID, userID string) (presence.Presence, bool, error)
	SetEditing(ctx context.Context, documentID, userID string, editing bool) (presence.Presence, bool, error)
	ListActive(ctx context.Context, documentID string) ([]presence.Presence, error)
}

type HubConfig struct {
	Manager       *Manager
	Presence      PresenceStore
	Authenticator Authenticator
	Access        DocumentAccess
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Hub serves the collaboration WebSocket protocol. Each connection runs its
// own read loop; handling is synchronous with no per-connection queue, so a
// flooding client only delays itself.
type Hub struct {
	manager       *Manager
	presence      PresenceStore
	authenticator Authenticator
	access        DocumentAccess
	logger        *zap.Logger
	clock         func() time.Time
	upgrader      websocket.Upgrader
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Manager == nil || cfg.Presence == nil || cfg.Authenticator == nil {
		return nil, errors.New("realtime: manager, presence store and authenticator are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Hub{
		manager:       cfg.Manager,
		presence:      cfg.Presence,
		authenticator: cfg.Authenticator,
		access:        cfg.Access,
		logger:        logger,
		clock:         clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// socket serializes writes to one gorilla connection.
type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *socket) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *socket) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
	_ = s.conn.Close()
}

// session is the per-connection state of the read loop.
type session struct {
	hub          *Hub
	socket       *socket
	connectionID string
	userID       string
	sessionID    string
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, authErr := h.authenticator.Authenticate(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	ws := &socket{conn: conn}
	if authErr != nil || userID == "" {
		h.logger.Info("websocket rejected", zap.Error(authErr))
		ws.close(websocket.ClosePolicyViolation, closeUnauthorized)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	ctx := context.WithoutCancel(r.Context())
	connectionID, err := h.manager.Connect(userID, ws)
	if err != nil {
		h.logger.Error("websocket registration failed", zap.Error(err))
		ws.close(websocket.CloseInternalServerErr, "Internal error")
		return
	}
	record, err := h.presence.CreateSession(ctx, presence.SessionInfo{
		UserID:       userID,
		ConnectionID: connectionID,
		UserAgent:    r.UserAgent(),
		IPAddress:    clientIP(r),
	})
	if err != nil {
		h.manager.Disconnect(connectionID)
		ws.close(websocket.CloseInternalServerErr, "Internal error")
		return
	}

	s := &session{hub: h, socket: ws, connectionID: connectionID, userID: userID, sessionID: record.ID}
	defer s.teardown(ctx)
	if err := ws.Send(mustEncode(Event{Type: EventConnected, ConnectionID: connectionID, UserID: userID})); err != nil {
		h.logger.Warn("websocket send failed", zap.String("connection_id", connectionID), zap.Error(err))
		return
	}
	s.readLoop(ctx)
}

func (s *session) readLoop(ctx context.Context) {
	for {
		messageType, data, err := s.socket.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.hub.logger.Info("websocket closed", zap.String("connection_id", s.connectionID), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			s.socket.close(websocket.CloseUnsupportedData, closeInvalid)
			return
		}
		var message ClientMessage
		if err := json.Unmarshal(data, &message); err != nil {
			s.socket.close(websocket.CloseUnsupportedData, closeInvalid)
			return
		}
		alive, err := s.hub.presence.TouchSession(ctx, s.connectionID)
		if err != nil {
			s.hub.logger.Warn("session touch failed", zap.String("connection_id", s.connectionID), zap.Error(err))
		} else if !alive {
			// The stale cleanup closed this session; the client reconnects with a fresh one.
			s.socket.close(websocket.CloseGoingAway, closeExpired)
			return
		}
		if err := s.handle(ctx, message); err != nil {
			s.reply(Event{Type: EventError, Message: clientMessage(err), DocumentID: message.DocumentID})
		}
	}
}

// teardown runs on close: the room is left and the session with its
// presences deactivated.
func (s *session) teardown(ctx context.Context) {
	s.hub.manager.Disconnect(s.connectionID)
	if _, err := s.hub.presence.DeactivateSession(ctx, s.connectionID); err != nil {
		s.hub.logger.Warn("session deactivation failed", zap.String("connection_id", s.connectionID), zap.Error(err))
	}
	_ = s.socket.conn.Close()
}

func (s *session) handle(ctx context.Context, message ClientMessage) error {
	switch message.Type {
	case MessageHeartbeat:
		now := s.hub.clock().UTC()
		s.reply(Event{Type: EventHeartbeatAck, Timestamp: &now})
		return nil
	case MessageJoinDocument:
		return s.join(ctx, message.DocumentID)
	case MessageLeaveDocument:
		return s.leave(ctx, message.DocumentID)
	case MessageCursorMove:
		if message.Cursor == nil {
			return domain.Invalid("cursor is required")
		}
		if err := s.requireRoom(message.DocumentID); err != nil {
			return err
		}
		if _, _, err := s.hub.presence.UpdateCursor(ctx, message.DocumentID, s.userID, *message.Cursor); err != nil {
			return err
		}
		return s.relay(message.DocumentID, Event{Type: EventCursorMove, UserID: s.userID, DocumentID: message.DocumentID, Cursor: message.Cursor})
	case MessageSelectionChange:
		if err := s.requireRoom(message.DocumentID); err != nil {
			return err
		}
		var err error
		if message.Selection == nil {
			_, _, err = s.hub.presence.ClearSelection(ctx, message.DocumentID, s.userID)
		} else {
			_, _, err = s.hub.presence.UpdateSelection(ctx, message.DocumentID, s.userID, *message.Selection)
		}
		if err != nil {
			return err
		}
		return s.relay(message.DocumentID, SelectionEvent{Type: EventSelectionChange, UserID: s.userID, DocumentID: message.DocumentID, Selection: message.Selection})
	case MessageEditingStart, MessageEditingStop:
		if err := s.requireRoom(message.DocumentID); err != nil {
			return err
		}
		editing := message.Type == MessageEditingStart
		if _, _, err := s.hub.presence.SetEditing(ctx, message.DocumentID, s.userID, editing); err != nil {
			return err
		}
		eventType := EventEditingStop
		if editing {
			eventType = EventEditingStart
		}
		return s.relay(message.DocumentID, Event{Type: eventType, UserID: s.userID, DocumentID: message.DocumentID})
	default:
		return domain.Invalid("Unknown message type: %s", message.Type)
	}
}

func (s *session) join(ctx context.Context, documentID string) error {
	if documentID == "" {
		return domain.Invalid("document_id is required")
	}
	if s.hub.access != nil {
		if _, err := s.hub.access.AssertRole(ctx, documentID, s.userID, permissions.RoleViewer); err != nil {
			return err
		}
	}
	if previous, ok := s.hub.manager.Room(s.connectionID); ok && previous != "" && previous != documentID {
		if _, err := s.hub.presence.Leave(ctx, previous, s.userID, s.sessionID); err != nil {
			return err
		}
	}
	if err := s.hub.manager.JoinDocument(s.connectionID, documentID); err != nil {
		return err
	}
	if _, err := s.hub.presence.Join(ctx, documentID, s.userID, s.sessionID); err != nil {
		return err
	}
	roster, err := s.hub.presence.ListActive(ctx, documentID)
	if err != nil {
		return err
	}
	views := make([]presence.View, 0, len(roster))
	for _, row := range roster {
		views = append(views, row.View())
	}
	s.reply(PresenceListEvent{Type: EventPresenceList, DocumentID: documentID, Users: views})
	return nil
}

func (s *session) leave(ctx context.Context, documentID string) error {
	if documentID == "" {
		return domain.Invalid("document_id is required")
	}
	if _, err := s.hub.presence.Leave(ctx, documentID, s.userID, s.sessionID); err != nil {
		return err
	}
	if current, _ := s.hub.manager.Room(s.connectionID); current != documentID {
		return nil
	}
	return s.hub.manager.LeaveDocument(s.connectionID)
}

func (s *session) requireRoom(documentID string) error {
	if documentID == "" {
		return domain.Invalid("document_id is required")
	}
	if current, _ := s.hub.manager.Room(s.connectionID); current != documentID {
		return domain.Invalid("Join document %s before sending updates", documentID)
	}
	return nil
}

func (s *session) relay(documentID string, event any) error {
	return s.hub.manager.BroadcastToDocument(documentID, event, s.connectionID)
}

func (s *session) reply(event any) {
	if err := s.socket.Send(mustEncode(event)); err != nil {
		s.hub.logger.Warn("websocket send failed", zap.String("connection_id", s.connectionID), zap.Error(err))
	}
}

// clientMessage hides infrastructure detail from error frames.
func clientMessage(err error) string {
	if domain.IsDomainError(err) {
		return err.Error()
	}
	return fmt.Sprintf("Internal error (%s)", serviceCode(err))
}

func serviceCode(err error) string {
	var serviceErr *domain.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return "realtime.unexpected"
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
