package realtime

import (
	"encoding/json"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/presence"
)

// Client to server message types.
const (
	MessageJoinDocument    = "join_document"
	MessageLeaveDocument   = "leave_document"
	MessageCursorMove      = "cursor_move"
	MessageSelectionChange = "selection_change"
	MessageEditingStart    = "editing_start"
	MessageEditingStop     = "editing_stop"
	MessageHeartbeat       = "heartbeat"
)

// Event is the JSON envelope pushed to clients.
type Event struct {
	Type         string              `json:"type"`
	ConnectionID string              `json:"connection_id,omitempty"`
	UserID       string              `json:"user_id,omitempty"`
	DocumentID   string              `json:"document_id,omitempty"`
	Cursor       *presence.Position  `json:"cursor,omitempty"`
	Selection    *presence.Selection `json:"selection,omitempty"`
	Message      string              `json:"message,omitempty"`
	Timestamp    *time.Time          `json:"timestamp,omitempty"`
}

// PresenceListEvent answers a join with the room roster.
type PresenceListEvent struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"document_id"`
	Users      []presence.View `json:"users"`
}

// SelectionEvent relays a selection; a nil Selection means cleared.
type SelectionEvent struct {
	Type       string              `json:"type"`
	UserID     string              `json:"user_id"`
	DocumentID string              `json:"document_id"`
	Selection  *presence.Selection `json:"selection"`
}

// ClientMessage is one inbound frame.
type ClientMessage struct {
	Type       string              `json:"type"`
	DocumentID string              `json:"document_id"`
	Cursor     *presence.Position  `json:"cursor"`
	Selection  *presence.Selection `json:"selection"`
}

func mustEncode(event any) []byte {
	payload, err := json.Marshal(event)
	if err != nil {
		panic(err)
	}
	return payload
}
