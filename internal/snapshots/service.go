package snapshots

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/audit"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/documents"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/permissions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opNewService = "snapshots.service.new"
	opCreate     = "snapshots.create"
	opList       = "snapshots.list"
	opGet        = "snapshots.get"
	opRestore    = "snapshots.restore"

	// DefaultBackupMaxAge bounds how old a restore-backup may be for an overwrite.
	DefaultBackupMaxAge = 5 * time.Minute
	defaultListLimit    = 50
	maxListLimit        = 200
)

type ServiceConfig struct {
	Database     *gorm.DB
	Store        *documents.Store
	Resolver     *permissions.Resolver
	Audit        *audit.Recorder
	Clock        func() time.Time
	IDProvider   domain.IDProvider
	Logger       *zap.Logger
	BackupMaxAge time.Duration
}

// Service stores snapshots and guards their restore.
type Service struct {
	db           *gorm.DB
	store        *documents.Store
	resolver     *permissions.Resolver
	audit        *audit.Recorder
	clock        func() time.Time
	idProvider   domain.IDProvider
	logger       *zap.Logger
	backupMaxAge time.Duration
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil || cfg.Store == nil || cfg.Resolver == nil {
		return nil, domain.NewServiceError(opNewService, "missing_dependency", errors.New("database, store and resolver are required"))
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
		logger = zap.NewNop()
	}
	backupMaxAge := cfg.BackupMaxAge
	if backupMaxAge <= 0 {
		backupMaxAge = DefaultBackupMaxAge
	}
	return &Service{
		db:           cfg.Database,
		store:        cfg.Store,
		resolver:     cfg.Resolver,
		audit:        cfg.Audit,
		clock:        clock,
		idProvider:   idProvider,
		logger:       logger,
		backupMaxAge: backupMaxAge,
	}, nil
}

// Create stores a snapshot of documentID. Editors and above may snapshot.
func (s *Service) Create(ctx context.Context, actorID, documentID string, request CreateRequest) (Snapshot, error) {
	request.Type = Type(strings.ToLower(strings.TrimSpace(string(request.Type))))
	if request.Type == "" {
		request.Type = TypeManual
	}
	if err := request.Validate(); err != nil {
		return Snapshot{}, domain.Invalid("%v", err)
	}
	grant, err := s.resolver.AssertRole(ctx, documentID, actorID, permissions.RoleEditor)
	if err != nil {
		return Snapshot{}, err
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Snapshot{}, s.failure(opCreate, "id_generation_failed", err)
	}
	snapshot := Snapshot{
		ID:               id,
		DocumentID:       documentID,
		CreatedBy:        optional(actorID),
		Type:             request.Type,
		State:            append([]byte(nil), request.State...),
		Preview:          optional(request.Preview),
		Note:             optional(strings.TrimSpace(request.Note)),
		SizeBytes:        len(request.State),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&snapshot).Error; err != nil {
		return Snapshot{}, s.failure(opCreate, "insert_failed", err, zap.String("document_id", documentID))
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:     actorID,
		DocumentID:  documentID,
		WorkspaceID: grant.Document.WorkspaceID,
		Action:      audit.ActionSnapshotCreated,
		Metadata: map[string]any{
			"snapshot_id": snapshot.ID,
			"type":        string(snapshot.Type),
			"size_bytes":  snapshot.SizeBytes,
		},
	})
	return snapshot, nil
}

// List returns a document's snapshots newest first, optionally of one type.
func (s *Service) List(ctx context.Context, actorID, documentID string, snapshotType Type, limit int) ([]Snapshot, error) {
	if _, err := s.resolver.AssertRole(ctx, documentID, actorID, permissions.RoleViewer); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := s.db.WithContext(ctx).
		Omit("yjs_state").
		Where("document_id = ?", documentID)
	if snapshotType != "" {
		query = query.Where("type = ?", snapshotType)
	}
	var snapshots []Snapshot
	if err := query.Order("created_at_s DESC").Order("id DESC").Limit(limit).Find(&snapshots).Error; err != nil {
		return nil, s.failure(opList, "query_failed", err, zap.String("document_id", documentID))
	}
	return snapshots, nil
}

// Get returns one snapshot, state included. A snapshot of another document
// is reported as not found.
func (s *Service) Get(ctx context.Context, actorID, documentID, snapshotID string) (Snapshot, error) {
	if _, err := s.resolver.AssertRole(ctx, documentID, actorID, permissions.RoleViewer); err != nil {
		return Snapshot{}, err
	}
	return s.load(ctx, s.db, documentID, snapshotID)
}

// Restore applies a snapshot either as a new document (editor+) or over the
// source document (exact owner, with a fresh restore-backup). Overwrite only
// replaces the stored state; attached editing sessions are not notified and
// callers must make sure none are open.
func (s *Service) Restore(ctx context.Context, actorID, documentID, snapshotID string, request RestoreRequest) (RestoreResult, error) {
	request.Action = strings.ToLower(strings.TrimSpace(request.Action))
	if request.Action == "" {
		request.Action = ActionNewDocument
	}
	request.BackupSnapshotID = strings.TrimSpace(request.BackupSnapshotID)
	if err := request.Validate(); err != nil {
		return RestoreResult{}, domain.Invalid("%v", err)
	}

	var (
		result      RestoreResult
		workspaceID string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		resolver := s.resolver.WithDB(tx)
		store := s.store.WithDB(tx)
		if request.Action == ActionOverwrite {
			grant, err := resolver.AssertExactRole(ctx, documentID, actorID, permissions.RoleOwner)
			if err != nil {
				return err
			}
			workspaceID = grant.Document.WorkspaceID
			snapshot, err := s.load(ctx, tx, documentID, snapshotID)
			if err != nil {
				return err
			}
			if err := s.checkBackup(ctx, tx, documentID, request.BackupSnapshotID); err != nil {
				return err
			}
			if _, err := store.ReplaceState(ctx, documentID, snapshot.State); err != nil {
				return err
			}
			result = RestoreResult{
				Action:           ActionOverwrite,
				DocumentID:       documentID,
				BackupSnapshotID: request.BackupSnapshotID,
				Message:          "Snapshot restored (overwrite). Reload document to see changes.",
			}
			return nil
		}

		grant, err := resolver.AssertRole(ctx, documentID, actorID, permissions.RoleEditor)
		if err != nil {
			return err
		}
		workspaceID = grant.Document.WorkspaceID
		snapshot, err := s.load(ctx, tx, documentID, snapshotID)
		if err != nil {
			return err
		}
		title := strings.TrimSpace(request.Title)
		if title == "" {
			title = restoredTitle(grant.Document.Title)
		}
		folderID := ""
		if grant.Document.FolderID != nil {
			folderID = *grant.Document.FolderID
		}
		created, err := store.Create(ctx, documents.NewDocument{
			WorkspaceID: grant.Document.WorkspaceID,
			CreatedBy:   actorID,
			Fields: documents.Fields{
				Title:       &title,
				FolderID:    &folderID,
				ContentType: &grant.Document.ContentType,
				YjsState:    snapshot.State,
			},
		})
		if err != nil {
			return err
		}
		result = RestoreResult{
			Action:        ActionNewDocument,
			DocumentID:    documentID,
			NewDocumentID: created.ID,
			Message:       "Snapshot restored as new document",
		}
		return nil
	})
	if err != nil {
		return RestoreResult{}, s.finish(err)
	}

	metadata := map[string]any{"snapshot_id": snapshotID, "action": result.Action}
	if result.NewDocumentID != "" {
		metadata["new_document_id"] = result.NewDocumentID
	}
	if result.BackupSnapshotID != "" {
		metadata["backup_snapshot_id"] = result.BackupSnapshotID
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:     actorID,
		DocumentID:  documentID,
		WorkspaceID: workspaceID,
		Action:      audit.ActionSnapshotRestored,
		Metadata:    metadata,
	})
	return result, nil
}

// checkBackup requires a restore-backup of the same document no older than
// the configured window.
func (s *Service) checkBackup(ctx context.Context, handle *gorm.DB, documentID, backupID string) error {
	var backup Snapshot
	err := handle.WithContext(ctx).
		Omit("yjs_state").
		Where("id = ? AND document_id = ? AND type = ?", backupID, documentID, TypeRestoreBackup).
		Take(&backup).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Invalid("Invalid backup_snapshot_id: must be type 'restore-backup'")
	}
	if err != nil {
		return s.failure(opRestore, "backup_lookup_failed", err, zap.String("snapshot_id", backupID))
	}
	if s.clock().UTC().Sub(backup.CreatedAt()) > s.backupMaxAge {
		return domain.Invalid("Backup snapshot is too old (>%s). Create a fresh backup.", formatWindow(s.backupMaxAge))
	}
	return nil
}

func (s *Service) load(ctx context.Context, handle *gorm.DB, documentID, snapshotID string) (Snapshot, error) {
	var snapshot Snapshot
	err := handle.WithContext(ctx).
		Where("id = ? AND document_id = ?", snapshotID, documentID).
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, domain.NotFound("Snapshot not found")
	}
	if err != nil {
		return Snapshot{}, s.failure(opGet, "query_failed", err, zap.String("snapshot_id", snapshotID))
	}
	return snapshot, nil
}

func (s *Service) finish(err error) error {
	var serviceErr *domain.ServiceError
	if domain.IsDomainError(err) || errors.As(err, &serviceErr) {
		return err
	}
	return s.failure(opRestore, "transaction_failed", err)
}

func (s *Service) failure(operation, reason string, err error, fields ...zap.Field) error {
	attrs := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("snapshot service error", attrs...)
	return domain.NewServiceError(operation, reason, err)
}

func restoredTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled"
	}
	suffix := " (Restored)"
	runes := []rune(title)
	if limit := 200 - len([]rune(suffix)); len(runes) > limit {
		title = string(runes[:limit])
	}
	return title + suffix
}

func formatWindow(window time.Duration) string {
	if window%time.Minute == 0 {
		minutes := int(window / time.Minute)
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	return window.String()
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
