package presence

import (
	"context"
	"errors"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opNewTracker        = "presence.tracker.new"
	opCreateSession     = "presence.create_session"
	opTouchSession      = "presence.touch_session"
	opDeactivateSession = "presence.deactivate_session"
	opJoin              = "presence.join"
	opLeave             = "presence.leave"
	opUpdate            = "presence.update"
	opList              = "presence.list"
	opCleanup           = "presence.cleanup_stale"
)

var noOpLogger = zap.NewNop()

type TrackerConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider domain.IDProvider
	Logger     *zap.Logger
}

// Tracker persists sessions and document presence.
type Tracker struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider domain.IDProvider
	logger     *zap.Logger
}

// SessionInfo describes a freshly accepted connection.
type SessionInfo struct {
	UserID       string
	ConnectionID string
	UserAgent    string
	IPAddress    string
}

func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, domain.NewServiceError(opNewTracker, "missing_database", errors.New("database handle is required"))
	}
	if cfg.IDProvider == nil {
		return nil, domain.NewServiceError(opNewTracker, "missing_id_provider", errors.New("id provider is required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Tracker{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

func (t *Tracker) nowSeconds() int64 {
	return t.clock().UTC().Unix()
}

// CreateSession records a new active session for a connection.
func (t *Tracker) CreateSession(ctx context.Context, info SessionInfo) (Session, error) {
	id, err := t.idProvider.NewID()
	if err != nil {
		return Session{}, t.failure(opCreateSession, "id_generation_failed", err)
	}
	now := t.nowSeconds()
	session := Session{
		ID:                id,
		UserID:            info.UserID,
		ConnectionID:      info.ConnectionID,
		IsActive:          true,
		LastSeenAtSeconds: now,
		UserAgent:         truncate(info.UserAgent, 500),
		IPAddress:         truncate(info.IPAddress, 45),
		DeviceType:        DeviceType(info.UserAgent),
		CreatedAtSeconds:  now,
	}
	if err := t.db.WithContext(ctx).Create(&session).Error; err != nil {
		return Session{}, t.failure(opCreateSession, "write_failed", err, zap.String("connection_id", info.ConnectionID))
	}
	return session, nil
}

// TouchSession refreshes last-seen for an active session. It reports false
// when the session is missing or already inactive.
func (t *Tracker) TouchSession(ctx context.Context, connectionID string) (bool, error) {
	result := t.db.WithContext(ctx).Model(&Session{}).
		Where("connection_id = ? AND is_active = ?", connectionID, true).
		Update("last_seen_at_s", t.nowSeconds())
	if result.Error != nil {
		return false, t.failure(opTouchSession, "write_failed", result.Error, zap.String("connection_id", connectionID))
	}
	return result.RowsAffected > 0, nil
}

// DeactivateSession marks a connection's session inactive and releases every
// presence that still references it. Presences are released even when the
// session was already closed by the stale cleanup, so a rejoin on an expired
// session can never outlive its socket.
func (t *Tracker) DeactivateSession(ctx context.Context, connectionID string) (bool, error) {
	var session Session
	err := t.db.WithContext(ctx).Where("connection_id = ?", connectionID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, t.failure(opDeactivateSession, "query_failed", err, zap.String("connection_id", connectionID))
	}
	changed := false
	err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Session{}).
			Where("id = ? AND is_active = ?", session.ID, true).
			Updates(map[string]any{"is_active": false, "document_id": nil, "last_seen_at_s": t.nowSeconds()})
		if result.Error != nil {
			return result.Error
		}
		released, err := t.releasePresences(tx, session.ID)
		if err != nil {
			return err
		}
		changed = result.RowsAffected > 0 || released > 0
		return nil
	})
	if err != nil {
		return false, t.failure(opDeactivateSession, "transaction_failed", err, zap.String("connection_id", connectionID))
	}
	return changed, nil
}

// deactivate flips one active session and releases its presences. With a
// cutoff the session is only touched while its last-seen is still older than it.
func (t *Tracker) deactivate(tx *gorm.DB, sessionID string, cutoff *int64) (bool, error) {
	query := tx.Model(&Session{}).Where("id = ? AND is_active = ?", sessionID, true)
	if cutoff != nil {
		query = query.Where("last_seen_at_s < ?", *cutoff)
	}
	result := query.Updates(map[string]any{"is_active": false, "document_id": nil, "last_seen_at_s": t.nowSeconds()})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	if _, err := t.releasePresences(tx, sessionID); err != nil {
		return false, err
	}
	return true, nil
}

// releasePresences detaches every active presence bound to sessionID. A
// presence moves to another live session of the same user still in that
// document when one exists; otherwise it is deactivated. It returns how many
// presences were detached.
func (t *Tracker) releasePresences(tx *gorm.DB, sessionID string) (int, error) {
	var rows []Presence
	if err := tx.Where("session_id = ? AND is_active = ?", sessionID, true).Find(&rows).Error; err != nil {
		return 0, err
	}
	for _, row := range rows {
		if _, err := t.releasePresence(tx, row); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

// releasePresence hands row to a successor session or deactivates it. It
// reports whether the user dropped out of the roster.
func (t *Tracker) releasePresence(tx *gorm.DB, row Presence) (bool, error) {
	var successor Session
	err := tx.Where("user_id = ? AND document_id = ? AND is_active = ? AND id <> ?", row.UserID, row.DocumentID, true, row.SessionID).
		Order("last_seen_at_s DESC").
		Take(&successor).Error
	if err == nil {
		return false, tx.Model(&Presence{}).Where("id = ?", row.ID).Update("session_id", successor.ID).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	err = tx.Model(&Presence{}).Where("id = ?", row.ID).
		Updates(map[string]any{"is_active": false, "is_editing": false, "last_activity_at_s": t.nowSeconds()}).Error
	return err == nil, err
}

// Join activates the (document, user) presence for sessionID, inserting it on
// first join and reactivating the existing row afterwards with a clean cursor
// and selection. The referenced session is reactivated too, so a connection
// whose session went stale while idle is tracked again.
func (t *Tracker) Join(ctx context.Context, documentID, userID, sessionID string) (Presence, error) {
	id, err := t.idProvider.NewID()
	if err != nil {
		return Presence{}, t.failure(opJoin, "id_generation_failed", err)
	}
	now := t.nowSeconds()
	row := Presence{
		ID:                    id,
		DocumentID:            documentID,
		UserID:                userID,
		SessionID:             sessionID,
		IsActive:              true,
		LastActivityAtSeconds: now,
		CreatedAtSeconds:      now,
	}
	err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns(rejoinColumns),
		}).Create(&row)
		if upsert.Error != nil {
			return upsert.Error
		}
		return tx.Model(&Session{}).Where("id = ?", sessionID).
			Updates(map[string]any{"document_id": documentID, "is_active": true, "last_seen_at_s": now}).Error
	})
	if err != nil {
		return Presence{}, t.failure(opJoin, "write_failed", err, zap.String("document_id", documentID), zap.String("user_id", userID))
	}
	return t.load(ctx, opJoin, documentID, userID)
}

// rejoinColumns are overwritten from the inserted row when a presence is
// reactivated; the cursor and selection columns are NULL there.
var rejoinColumns = []string{
	"session_id",
	"is_active",
	"is_editing",
	"last_activity_at_s",
	"cursor_line",
	"cursor_column",
	"selection_start_line",
	"selection_start_column",
	"selection_end_line",
	"selection_end_column",
}

// Leave releases the presence sessionID holds in a document. A presence bound
// to another of the user's sessions is left alone, and one whose user still
// has another session in the room moves to it. It reports true only when the
// user dropped out of the roster.
func (t *Tracker) Leave(ctx context.Context, documentID, userID, sessionID string) (bool, error) {
	left := false
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Session{}).
			Where("id = ? AND document_id = ?", sessionID, documentID).
			Update("document_id", nil).Error; err != nil {
			return err
		}
		var row Presence
		err := tx.Where("document_id = ? AND user_id = ? AND session_id = ? AND is_active = ?", documentID, userID, sessionID, true).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		left, err = t.releasePresence(tx, row)
		return err
	})
	if err != nil {
		return false, t.failure(opLeave, "write_failed", err, zap.String("document_id", documentID))
	}
	return left, nil
}

func (t *Tracker) UpdateCursor(ctx context.Context, documentID, userID string, cursor Position) (Presence, bool, error) {
	return t.updateActive(ctx, documentID, userID, map[string]any{
		"cursor_line":   cursor.Line,
		"cursor_column": cursor.Column,
	})
}

func (t *Tracker) UpdateSelection(ctx context.Context, documentID, userID string, selection Selection) (Presence, bool, error) {
	return t.updateActive(ctx, documentID, userID, map[string]any{
		"selection_start_line":   selection.Start.Line,
		"selection_start_column": selection.Start.Column,
		"selection_end_line":     selection.End.Line,
		"selection_end_column":   selection.End.Column,
	})
}

func (t *Tracker) ClearSelection(ctx context.Context, documentID, userID string) (Presence, bool, error) {
	return t.updateActive(ctx, documentID, userID, map[string]any{
		"selection_start_line":   nil,
		"selection_start_column": nil,
		"selection_end_line":     nil,
		"selection_end_column":   nil,
	})
}

func (t *Tracker) SetEditing(ctx context.Context, documentID, userID string, editing bool) (Presence, bool, error) {
	return t.updateActive(ctx, documentID, userID, map[string]any{"is_editing": editing})
}

// updateActive applies updates to an active presence only. The bool result is
// false when no active row matched.
func (t *Tracker) updateActive(ctx context.Context, documentID, userID string, updates map[string]any) (Presence, bool, error) {
	updates["last_activity_at_s"] = t.nowSeconds()
	result := t.db.WithContext(ctx).Model(&Presence{}).
		Where("document_id = ? AND user_id = ? AND is_active = ?", documentID, userID, true).
		Updates(updates)
	if result.Error != nil {
		return Presence{}, false, t.failure(opUpdate, "write_failed", result.Error, zap.String("document_id", documentID))
	}
	if result.RowsAffected == 0 {
		return Presence{}, false, nil
	}
	presence, err := t.load(ctx, opUpdate, documentID, userID)
	if err != nil {
		return Presence{}, false, err
	}
	return presence, true, nil
}

// ListActive returns the active roster of a document.
func (t *Tracker) ListActive(ctx context.Context, documentID string) ([]Presence, error) {
	var rows []Presence
	err := t.db.WithContext(ctx).
		Where("document_id = ? AND is_active = ?", documentID, true).
		Order("last_activity_at_s DESC").
		Order("user_id").
		Find(&rows).Error
	if err != nil {
		return nil, t.failure(opList, "query_failed", err, zap.String("document_id", documentID))
	}
	return rows, nil
}

// ActiveSessions lists a user's live sessions.
func (t *Tracker) ActiveSessions(ctx context.Context, userID string) ([]Session, error) {
	var sessions []Session
	err := t.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at_s").
		Find(&sessions).Error
	if err != nil {
		return nil, t.failure(opList, "query_failed", err, zap.String("user_id", userID))
	}
	return sessions, nil
}

// CleanupStale deactivates sessions not seen within threshold together with
// their presences and returns how many sessions it deactivated. Each session
// is re-checked against the cutoff when it is written, so a session touched
// after the candidate query survives. Active presences left pointing at an
// inactive session are closed as well.
func (t *Tracker) CleanupStale(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := t.clock().UTC().Add(-threshold).Unix()
	var candidates []string
	err := t.db.WithContext(ctx).Model(&Session{}).
		Where("is_active = ? AND last_seen_at_s < ?", true, cutoff).
		Pluck("id", &candidates).Error
	if err != nil {
		return 0, t.failure(opCleanup, "query_failed", err)
	}
	cleaned := 0
	for _, sessionID := range candidates {
		deactivated := false
		err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var innerErr error
			deactivated, innerErr = t.deactivate(tx, sessionID, &cutoff)
			return innerErr
		})
		if err != nil {
			return cleaned, t.failure(opCleanup, "transaction_failed", err, zap.String("session_id", sessionID))
		}
		if deactivated {
			cleaned++
		}
	}
	orphaned := t.db.WithContext(ctx).Model(&Presence{}).
		Where("is_active = ?", true).
		Where("session_id NOT IN (?)", t.db.Model(&Session{}).Select("id").Where("is_active = ?", true)).
		Updates(map[string]any{"is_active": false, "is_editing": false})
	if orphaned.Error != nil {
		return cleaned, t.failure(opCleanup, "write_failed", orphaned.Error)
	}
	if cleaned > 0 || orphaned.RowsAffected > 0 {
		t.logger.Info("stale sessions cleaned", zap.Int("count", cleaned), zap.Int64("orphaned_presences", orphaned.RowsAffected))
	}
	return cleaned, nil
}

func (t *Tracker) load(ctx context.Context, operation, documentID, userID string) (Presence, error) {
	var presence Presence
	err := t.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", documentID, userID).
		Take(&presence).Error
	if err != nil {
		return Presence{}, t.failure(operation, "query_failed", err, zap.String("document_id", documentID))
	}
	return presence, nil
}

func (t *Tracker) failure(operation, reason string, err error, fields ...zap.Field) error {
	attrs := append([]zap.Field{zap.String("operation", operation), zap.String("reason", reason), zap.Error(err)}, fields...)
	t.logger.Error("presence tracker error", attrs...)
	return domain.NewServiceError(operation, reason, err)
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
