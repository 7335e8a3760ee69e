package presence

import (
	"strings"
	"time"
)

// Device classes derived from the user agent.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
)

// Session mirrors one live WebSocket connection.
type Session struct {
	ID                string  `gorm:"column:id;primaryKey;size:64"`
	UserID            string  `gorm:"column:user_id;size:64;not null;index:idx_session_user_active"`
	ConnectionID      string  `gorm:"column:connection_id;size:64;not null;uniqueIndex"`
	IsActive          bool    `gorm:"column:is_active;not null;index:idx_session_user_active"`
	LastSeenAtSeconds int64   `gorm:"column:last_seen_at_s;not null;index"`
	UserAgent         string  `gorm:"column:user_agent;size:500"`
	IPAddress         string  `gorm:"column:ip_address;size:45"`
	DeviceType        string  `gorm:"column:device_type;size:16"`
	WorkspaceID       *string `gorm:"column:workspace_id;size:64"`
	DocumentID        *string `gorm:"column:document_id;size:64"`
	CreatedAtSeconds  int64   `gorm:"column:created_at_s;not null"`
}

func (Session) TableName() string {
	return "user_sessions"
}

// Presence is the per-(document, user) collaboration state. The unique index
// keeps at most one row per pair; join reactivates it.
type Presence struct {
	ID                    string `gorm:"column:id;primaryKey;size:64"`
	DocumentID            string `gorm:"column:document_id;size:64;not null;uniqueIndex:idx_presence_document_user"`
	UserID                string `gorm:"column:user_id;size:64;not null;uniqueIndex:idx_presence_document_user"`
	SessionID             string `gorm:"column:session_id;size:64;not null;index"`
	IsActive              bool   `gorm:"column:is_active;not null;index"`
	IsEditing             bool   `gorm:"column:is_editing;not null"`
	CursorLine            *int   `gorm:"column:cursor_line"`
	CursorColumn          *int   `gorm:"column:cursor_column"`
	SelectionStartLine    *int   `gorm:"column:selection_start_line"`
	SelectionStartColumn  *int   `gorm:"column:selection_start_column"`
	SelectionEndLine      *int   `gorm:"column:selection_end_line"`
	SelectionEndColumn    *int   `gorm:"column:selection_end_column"`
	LastActivityAtSeconds int64  `gorm:"column:last_activity_at_s;not null"`
	CreatedAtSeconds      int64  `gorm:"column:created_at_s;not null"`
}

func (Presence) TableName() string {
	return "document_presences"
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Session{}, &Presence{}}
}

// Position is a caret location.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is a selected range.
type Selection struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// View is the presence shape sent to clients.
type View struct {
	UserID         string     `json:"user_id"`
	SessionID      string     `json:"session_id"`
	IsActive       bool       `json:"is_active"`
	IsEditing      bool       `json:"is_editing"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	Cursor         *Position  `json:"cursor"`
	Selection      *Selection `json:"selection"`
}

// View converts the row to its client shape.
func (p Presence) View() View {
	view := View{
		UserID:         p.UserID,
		SessionID:      p.SessionID,
		IsActive:       p.IsActive,
		IsEditing:      p.IsEditing,
		LastActivityAt: time.Unix(p.LastActivityAtSeconds, 0).UTC(),
	}
	if p.CursorLine != nil && p.CursorColumn != nil {
		view.Cursor = &Position{Line: *p.CursorLine, Column: *p.CursorColumn}
	}
	if p.SelectionStartLine != nil && p.SelectionStartColumn != nil && p.SelectionEndLine != nil && p.SelectionEndColumn != nil {
		view.Selection = &Selection{
			Start: Position{Line: *p.SelectionStartLine, Column: *p.SelectionStartColumn},
			End:   Position{Line: *p.SelectionEndLine, Column: *p.SelectionEndColumn},
		}
	}
	return view
}

// DeviceType classifies a user agent string.
func DeviceType(userAgent string) string {
	agent := strings.ToLower(userAgent)
	switch {
	case strings.Contains(agent, "ipad") || strings.Contains(agent, "tablet"):
		return DeviceTablet
	case strings.Contains(agent, "android") && !strings.Contains(agent, "mobile"):
		return DeviceTablet
	case strings.Contains(agent, "mobile") || strings.Contains(agent, "iphone"):
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}
