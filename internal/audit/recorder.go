package audit

import (
	"context"
	"errors"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Action tags stored on audit entries.
const (
	ActionMemberAdded          = "workspace_member_added"
	ActionMemberRoleChanged    = "workspace_member_role_changed"
	ActionMemberRemoved        = "workspace_member_removed"
	ActionOwnershipTransferred = "ownership_transferred"
	ActionInviteSent           = "invite_sent"
	ActionInviteAccepted       = "invite_accepted"
	ActionInviteDeclined       = "invite_declined"
	ActionRoleChanged          = "role_changed"
	ActionShareGranted         = "share_granted"
	ActionShareRemoved         = "member_removed"
	ActionLinkCreated          = "link_created"
	ActionLinkRevoked          = "link_revoked"
	ActionLinkUsed             = "link_used"
	ActionSnapshotCreated      = "snapshot_created"
	ActionSnapshotRestored     = "snapshot_restored"
)

const (
	opList           = "audit.list"
	defaultListLimit = 50
	maxListLimit     = 500
)

var noOpLogger = zap.NewNop()

// Log is one persisted audit entry. ActorID is nil for system actions.
type Log struct {
	ID               string         `gorm:"column:id;primaryKey;size:64"`
	ActorID          *string        `gorm:"column:actor_id;size:64;index"`
	DocumentID       *string        `gorm:"column:document_id;size:64;index"`
	WorkspaceID      *string        `gorm:"column:workspace_id;size:64;index"`
	Action           string         `gorm:"column:action;size:64;not null;index"`
	Metadata         map[string]any `gorm:"column:metadata;serializer:json"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null;index"`
}

func (Log) TableName() string {
	return "audit_logs"
}

// Entry describes an action to record.
type Entry struct {
	ActorID     string
	DocumentID  string
	WorkspaceID string
	Action      string
	Metadata    map[string]any
}

type RecorderConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider domain.IDProvider
	Logger     *zap.Logger
}

// Recorder writes audit entries on a best-effort basis.
type Recorder struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider domain.IDProvider
	logger     *zap.Logger
}

func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Database == nil {
		return nil, errors.New("audit: database handle is required")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = domain.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Recorder{db: cfg.Database, clock: clock, idProvider: idProvider, logger: logger}, nil
}

// Record persists entry. Failures are logged and swallowed; a nil Recorder is a no-op.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil || r.db == nil {
		return
	}
	id, err := r.idProvider.NewID()
	if err != nil {
		r.logger.Warn("audit id generation failed", zap.String("action", entry.Action), zap.Error(err))
		return
	}
	record := Log{
		ID:               id,
		ActorID:          optional(entry.ActorID),
		DocumentID:       optional(entry.DocumentID),
		WorkspaceID:      optional(entry.WorkspaceID),
		Action:           entry.Action,
		Metadata:         entry.Metadata,
		CreatedAtSeconds: r.clock().UTC().Unix(),
	}
	if record.Metadata == nil {
		record.Metadata = map[string]any{}
	}
	if err := r.db.WithContext(context.WithoutCancel(ctx)).Create(&record).Error; err != nil {
		r.logger.Warn("audit write failed",
			zap.String("action", entry.Action),
			zap.String("document_id", entry.DocumentID),
			zap.Error(err))
	}
}

// List returns the newest entries for a document.
func (r *Recorder) List(ctx context.Context, documentID string, limit int) ([]Log, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var logs []Log
	if err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at_s DESC").
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		r.logger.Error("audit query failed", zap.String("document_id", documentID), zap.Error(err))
		return nil, domain.NewServiceError(opList, "query_failed", err)
	}
	return logs, nil
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
