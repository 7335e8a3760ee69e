package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/permissions"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/presence"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

type tokenAuthenticator struct{}

func (tokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" || token == "bad" {
		return "", errors.New("invalid token")
	}
	return token, nil
}

type denyListAccess struct {
	denied map[string]bool
}

func (a denyListAccess) AssertRole(_ context.Context, documentID, userID string, _ permissions.Role) (permissions.Grant, error) {
	if a.denied[userID+"/"+documentID] {
		return permissions.Grant{}, domain.Forbidden("Forbidden: no access to document")
	}
	return permissions.Grant{Role: permissions.RoleEditor}, nil
}

type hubFixture struct {
	server  *httptest.Server
	manager *Manager
	tracker *presence.Tracker
}

func newHubFixture(t *testing.T, access DocumentAccess) *hubFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "realtime.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(presence.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	tracker, err := presence.NewTracker(presence.TrackerConfig{Database: db, IDProvider: &sequenceIDProvider{prefix: "row"}})
	if err != nil {
		t.Fatalf("failed to build tracker: %v", err)
	}
	manager := newTestManager(t, nil)
	hub, err := NewHub(HubConfig{Manager: manager, Presence: tracker, Authenticator: tokenAuthenticator{}, Access: access})
	if err != nil {
		t.Fatalf("failed to build hub: %v", err)
	}
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	return &hubFixture{server: server, manager: manager, tracker: tracker}
}

func (f *hubFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, message map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(message); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// readUntil returns the first frame of the wanted type, skipping others.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", eventType, err)
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("invalid frame %s: %v", data, err)
		}
		if frame["type"] == eventType {
			return frame
		}
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestJoinLeaveDisconnectScenario(t *testing.T) {
	fixture := newHubFixture(t, nil)

	first := fixture.dial(t, "u1")
	connected := readUntil(t, first, EventConnected)
	firstConnectionID, _ := connected["connection_id"].(string)
	if connected["user_id"] != "u1" || firstConnectionID == "" {
		t.Fatalf("unexpected connected frame %v", connected)
	}
	send(t, first, map[string]any{"type": MessageJoinDocument, "document_id": "d1"})
	roster := readUntil(t, first, EventPresenceList)
	if users, _ := roster["users"].([]any); len(users) != 1 {
		t.Fatalf("expected roster of one, got %v", roster)
	}

	second := fixture.dial(t, "u2")
	readUntil(t, second, EventConnected)
	send(t, second, map[string]any{"type": MessageJoinDocument, "document_id": "d1"})
	joined := readUntil(t, first, EventUserJoined)
	if joined["user_id"] != "u2" || joined["document_id"] != "d1" {
		t.Fatalf("unexpected user_joined %v", joined)
	}
	roster = readUntil(t, second, EventPresenceList)
	if users, _ := roster["users"].([]any); len(users) != 2 {
		t.Fatalf("expected roster of two, got %v", roster)
	}

	send(t, second, map[string]any{"type": MessageCursorMove, "document_id": "d1", "cursor": map[string]any{"line": 4, "column": 2}})
	cursor := readUntil(t, first, EventCursorMove)
	if cursor["user_id"] != "u2" {
		t.Fatalf("unexpected cursor frame %v", cursor)
	}

	_ = second.Close()
	left := readUntil(t, first, EventUserLeft)
	if left["user_id"] != "u2" {
		t.Fatalf("unexpected user_left %v", left)
	}
	waitFor(t, func() bool {
		members := fixture.manager.RoomMembers("d1")
		return len(members) == 1 && members[0] == firstConnectionID
	})
	waitFor(t, func() bool {
		active, err := fixture.tracker.ListActive(context.Background(), "d1")
		return err == nil && len(active) == 1 && active[0].UserID == "u1"
	})
}

func TestHeartbeatAndUnknownMessage(t *testing.T) {
	fixture := newHubFixture(t, nil)
	conn := fixture.dial(t, "u1")
	readUntil(t, conn, EventConnected)

	send(t, conn, map[string]any{"type": MessageHeartbeat})
	if ack := readUntil(t, conn, EventHeartbeatAck); ack["timestamp"] == nil {
		t.Fatalf("expected timestamp in heartbeat_ack, got %v", ack)
	}
	send(t, conn, map[string]any{"type": "teleport"})
	if frame := readUntil(t, conn, EventError); !strings.Contains(frame["message"].(string), "teleport") {
		t.Fatalf("unexpected error frame %v", frame)
	}
	send(t, conn, map[string]any{"type": MessageCursorMove, "document_id": "d9", "cursor": map[string]any{"line": 1, "column": 1}})
	readUntil(t, conn, EventError)
}

func TestJoinRequiresViewerAccess(t *testing.T) {
	fixture := newHubFixture(t, denyListAccess{denied: map[string]bool{"u1/secret": true}})
	conn := fixture.dial(t, "u1")
	readUntil(t, conn, EventConnected)

	send(t, conn, map[string]any{"type": MessageJoinDocument, "document_id": "secret"})
	frame := readUntil(t, conn, EventError)
	if frame["message"] != "Forbidden: no access to document" {
		t.Fatalf("unexpected error frame %v", frame)
	}
	if len(fixture.manager.RoomMembers("secret")) != 0 {
		t.Fatalf("denied connection must not enter the room")
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	fixture := newHubFixture(t, nil)
	conn := fixture.dial(t, "u1")
	readUntil(t, conn, EventConnected)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseUnsupportedData || closeErr.Text != "Invalid message" {
		t.Fatalf("expected 1003 close, got %v", err)
	}
}

func TestUnauthorizedUpgradeIsClosed(t *testing.T) {
	fixture := newHubFixture(t, nil)
	conn := fixture.dial(t, "bad")
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected 1008 close, got %v", err)
	}
	if fixture.manager.ConnectionCount() != 0 {
		t.Fatalf("rejected connection must not be registered")
	}
}

func TestExpiredSessionClosesConnection(t *testing.T) {
	fixture := newHubFixture(t, nil)
	conn := fixture.dial(t, "u1")
	readUntil(t, conn, EventConnected)
	send(t, conn, map[string]any{"type": MessageJoinDocument, "document_id": "d1"})
	readUntil(t, conn, EventPresenceList)

	if cleaned, err := fixture.tracker.CleanupStale(context.Background(), -time.Hour); err != nil || cleaned != 1 {
		t.Fatalf("expected the session to be cleaned, cleaned=%d err=%v", cleaned, err)
	}
	send(t, conn, map[string]any{"type": MessageJoinDocument, "document_id": "d1"})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseGoingAway || closeErr.Text != "Session expired" {
		t.Fatalf("expected 1001 close, got %v", err)
	}
	waitFor(t, func() bool { return fixture.manager.ConnectionCount() == 0 })
	active, err := fixture.tracker.ListActive(context.Background(), "d1")
	if err != nil || len(active) != 0 {
		t.Fatalf("expected no active presence, got %+v err=%v", active, err)
	}
}

func TestLeaveFromOneTabKeepsUserInRoster(t *testing.T) {
	fixture := newHubFixture(t, nil)
	firstTab := fixture.dial(t, "u1")
	readUntil(t, firstTab, EventConnected)
	secondTab := fixture.dial(t, "u1")
	readUntil(t, secondTab, EventConnected)
	for _, conn := range []*websocket.Conn{firstTab, secondTab} {
		send(t, conn, map[string]any{"type": MessageJoinDocument, "document_id": "d1"})
		readUntil(t, conn, EventPresenceList)
	}

	send(t, firstTab, map[string]any{"type": MessageLeaveDocument, "document_id": "d1"})
	waitFor(t, func() bool { return len(fixture.manager.RoomMembers("d1")) == 1 })
	active, err := fixture.tracker.ListActive(context.Background(), "d1")
	if err != nil || len(active) != 1 || active[0].UserID != "u1" {
		t.Fatalf("expected u1 to stay in the roster, got %+v err=%v", active, err)
	}

	send(t, secondTab, map[string]any{"type": MessageLeaveDocument, "document_id": "d1"})
	waitFor(t, func() bool {
		active, err := fixture.tracker.ListActive(context.Background(), "d1")
		return err == nil && len(active) == 0
	})
}
