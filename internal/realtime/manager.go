package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"go.uber.org/zap"
)

// Server to client event types.
const (
	EventConnected       = "connected"
	EventPresenceList    = "presence_list"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventCursorMove      = "cursor_move"
	EventSelectionChange = "selection_change"
	EventEditingStart    = "editing_start"
	EventEditingStop     = "editing_stop"
	EventHeartbeatAck    = "heartbeat_ack"
	EventError           = "error"
)

var (
	// ErrUnknownConnection is returned for ids absent from the registry.
	ErrUnknownConnection = errors.New("realtime: unknown connection")
	errIndexCorrupted    = errors.New("realtime: connection indexes out of sync")
)

// Transport writes frames to one client.
type Transport interface {
	Send(payload []byte) error
}

// Fanout forwards room broadcasts to other server instances.
type Fanout interface {
	Publish(ctx context.Context, documentID string, payload []byte) error
}

type ManagerConfig struct {
	IDProvider domain.IDProvider
	Logger     *zap.Logger
}

type connection struct {
	id         string
	userID     string
	documentID string
	transport  Transport
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// Manager tracks live connections in three indexes: the registry, the
// per-user sets and the per-document rooms. Index mutation for a room and
// broadcast iteration over it are serialized by that room's lock, so a
// broadcast never reaches a connection already removed from the registry.
type Manager struct {
	idProvider domain.IDProvider
	logger     *zap.Logger

	mu          sync.Mutex
	connections map[string]*connection
	users       map[string]map[string]struct{}
	rooms       map[string]map[string]struct{}
	roomLocks   map[string]*roomLock
	fanout      Fanout
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.IDProvider == nil {
		return nil, errors.New("realtime: id provider is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		idProvider:  cfg.IDProvider,
		logger:      logger,
		connections: make(map[string]*connection),
		users:       make(map[string]map[string]struct{}),
		rooms:       make(map[string]map[string]struct{}),
		roomLocks:   make(map[string]*roomLock),
	}, nil
}

// SetFanout installs a cross-instance publisher. Call before serving.
func (m *Manager) SetFanout(fanout Fanout) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fanout = fanout
}

// Connect registers transport for userID with no room and returns its id.
func (m *Manager) Connect(userID string, transport Transport) (string, error) {
	connectionID, err := m.idProvider.NewID()
	if err != nil {
		return "", fmt.Errorf("realtime: connection id: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[connectionID] = &connection{id: connectionID, userID: userID, transport: transport}
	addToSet(m.users, userID, connectionID)
	m.logger.Debug("websocket connected", zap.String("connection_id", connectionID), zap.String("user_id", userID))
	return connectionID, nil
}

// Disconnect removes the connection from every index, announcing user_left
// to its room. Unknown ids are ignored.
func (m *Manager) Disconnect(connectionID string) {
	documentID, ok := m.currentRoom(connectionID)
	if !ok {
		return
	}
	if documentID != "" {
		lock := m.acquireRoom(documentID)
		left, userID := m.removeFromRoom(connectionID, documentID)
		if left {
			m.deliverLocked(documentID, mustEncode(Event{Type: EventUserLeft, UserID: userID, DocumentID: documentID}), connectionID)
		}
		m.removeConnection(connectionID)
		m.releaseRoom(documentID, lock)
		if left {
			m.publish(documentID, Event{Type: EventUserLeft, UserID: userID, DocumentID: documentID})
		}
		return
	}
	m.removeConnection(connectionID)
}

// JoinDocument moves the connection into documentID's room, leaving any
// previous room first, and announces user_joined to the new room.
func (m *Manager) JoinDocument(connectionID, documentID string) error {
	previous, ok := m.currentRoom(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	if previous == documentID {
		return nil
	}
	if previous != "" {
		if err := m.LeaveDocument(connectionID); err != nil {
			return err
		}
	}

	lock := m.acquireRoom(documentID)
	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	if ok {
		conn.documentID = documentID
		addToSet(m.rooms, documentID, connectionID)
	}
	m.mu.Unlock()
	if !ok {
		m.releaseRoom(documentID, lock)
		return ErrUnknownConnection
	}
	event := Event{Type: EventUserJoined, UserID: conn.userID, DocumentID: documentID}
	m.deliverLocked(documentID, mustEncode(event), connectionID)
	m.releaseRoom(documentID, lock)
	m.publish(documentID, event)
	return nil
}

// LeaveDocument removes the connection from its room and announces
// user_left. Leaving with no room is a no-op.
func (m *Manager) LeaveDocument(connectionID string) error {
	documentID, ok := m.currentRoom(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	if documentID == "" {
		return nil
	}
	lock := m.acquireRoom(documentID)
	left, userID := m.removeFromRoom(connectionID, documentID)
	event := Event{Type: EventUserLeft, UserID: userID, DocumentID: documentID}
	if left {
		m.deliverLocked(documentID, mustEncode(event), connectionID)
	}
	m.releaseRoom(documentID, lock)
	if left {
		m.publish(documentID, event)
	}
	return nil
}

// BroadcastToDocument sends event to every local connection in the room
// except exclude, then forwards it to other instances when a fanout is set.
// A missing room is a no-op.
func (m *Manager) BroadcastToDocument(documentID string, event any, exclude string) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("realtime: encode event: %w", err)
	}
	m.DeliverLocal(documentID, payload, exclude)
	m.publishPayload(documentID, payload)
	return nil
}

// DeliverLocal sends an encoded frame to this instance's room members.
func (m *Manager) DeliverLocal(documentID string, payload []byte, exclude string) {
	lock := m.acquireRoom(documentID)
	defer m.releaseRoom(documentID, lock)
	m.deliverLocked(documentID, payload, exclude)
}

// SendToUser sends event to every connection of userID.
func (m *Manager) SendToUser(userID string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("realtime: encode event: %w", err)
	}
	m.mu.Lock()
	targets := make([]*connection, 0, len(m.users[userID]))
	for connectionID := range m.users[userID] {
		if conn, ok := m.connections[connectionID]; ok {
			targets = append(targets, conn)
		}
	}
	m.mu.Unlock()
	for _, conn := range targets {
		m.send(conn, payload)
	}
	return nil
}

// SendToConnection writes one frame to a single connection.
func (m *Manager) SendToConnection(connectionID string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("realtime: encode event: %w", err)
	}
	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownConnection
	}
	return conn.transport.Send(payload)
}

// RoomMembers returns the connection ids in a room.
func (m *Manager) RoomMembers(documentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return setMembers(m.rooms[documentID])
}

// UserConnections returns the connection ids of a user.
func (m *Manager) UserConnections(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return setMembers(m.users[userID])
}

// ConnectionCount returns the size of the registry.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// IsUserOnline reports whether the user has a local connection.
func (m *Manager) IsUserOnline(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users[userID]) > 0
}

// Room returns the connection's current document and whether it is known.
func (m *Manager) Room(connectionID string) (string, bool) {
	return m.currentRoom(connectionID)
}

func (m *Manager) currentRoom(connectionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[connectionID]
	if !ok {
		return "", false
	}
	return conn.documentID, true
}

// removeFromRoom must run under the room lock.
func (m *Manager) removeFromRoom(connectionID, documentID string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[connectionID]
	if !ok || conn.documentID != documentID {
		return false, ""
	}
	conn.documentID = ""
	if !removeFromSet(m.rooms, documentID, connectionID) {
		m.logger.Error("room index missing connection", zap.String("connection_id", connectionID), zap.String("document_id", documentID), zap.Error(errIndexCorrupted))
	}
	return true, conn.userID
}

func (m *Manager) removeConnection(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[connectionID]
	if !ok {
		return
	}
	if conn.documentID != "" && !removeFromSet(m.rooms, conn.documentID, connectionID) {
		m.logger.Error("room index missing connection", zap.String("connection_id", connectionID), zap.String("document_id", conn.documentID), zap.Error(errIndexCorrupted))
	}
	if !removeFromSet(m.users, conn.userID, connectionID) {
		m.logger.Error("user index missing connection", zap.String("connection_id", connectionID), zap.String("user_id", conn.userID), zap.Error(errIndexCorrupted))
	}
	delete(m.connections, connectionID)
	m.logger.Debug("websocket disconnected", zap.String("connection_id", connectionID))
}

// deliverLocked must run under the room lock.
func (m *Manager) deliverLocked(documentID string, payload []byte, exclude string) {
	m.mu.Lock()
	targets := make([]*connection, 0, len(m.rooms[documentID]))
	for connectionID := range m.rooms[documentID] {
		if connectionID == exclude {
			continue
		}
		if conn, ok := m.connections[connectionID]; ok {
			targets = append(targets, conn)
		}
	}
	m.mu.Unlock()
	for _, conn := range targets {
		m.send(conn, payload)
	}
}

func (m *Manager) send(conn *connection, payload []byte) {
	if err := conn.transport.Send(payload); err != nil {
		m.logger.Warn("websocket send failed",
			zap.String("connection_id", conn.id),
			zap.String("user_id", conn.userID),
			zap.Error(err))
	}
}

func (m *Manager) publish(documentID string, event Event) {
	m.publishPayload(documentID, mustEncode(event))
}

func (m *Manager) publishPayload(documentID string, payload []byte) {
	m.mu.Lock()
	fanout := m.fanout
	m.mu.Unlock()
	if fanout == nil {
		return
	}
	if err := fanout.Publish(context.Background(), documentID, payload); err != nil {
		m.logger.Warn("room fanout failed", zap.String("document_id", documentID), zap.Error(err))
	}
}

func (m *Manager) acquireRoom(documentID string) *roomLock {
	m.mu.Lock()
	lock, ok := m.roomLocks[documentID]
	if !ok {
		lock = &roomLock{}
		m.roomLocks[documentID] = lock
	}
	lock.refs++
	m.mu.Unlock()
	lock.mu.Lock()
	return lock
}

func (m *Manager) releaseRoom(documentID string, lock *roomLock) {
	lock.mu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(m.roomLocks, documentID)
	}
}

func addToSet(index map[string]map[string]struct{}, key, member string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[member] = struct{}{}
}

// removeFromSet deletes member and drops the set once empty. It reports
// whether member was present.
func removeFromSet(index map[string]map[string]struct{}, key, member string) bool {
	set, ok := index[key]
	if !ok {
		return false
	}
	if _, present := set[member]; !present {
		return false
	}
	delete(set, member)
	if len(set) == 0 {
		delete(index, key)
	}
	return true
}

func setMembers(set map[string]struct{}) []string {
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members
}
