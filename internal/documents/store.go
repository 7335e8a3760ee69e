package documents

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opStoreNew      = "documents.store.new"
	opGetDocument   = "documents.get"
	opCreate        = "documents.create"
	opUpdate        = "documents.update"
	opDelete        = "documents.delete"
	opReplaceState  = "documents.replace_state"
	fieldDocumentID = "document_id"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonInsertFailed    = "insert_failed"
	reasonUpdateFailed    = "update_failed"
	reasonIDFailed        = "id_generation_failed"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// columns written by Update; everything a client may change plus bookkeeping.
	updateColumns = []string{
		"title", "slug", "content", "content_type", "folder_id", "tags", "is_public",
		"is_template", "access_model", "yjs_state", "word_count", "content_hash",
		"version", "updated_at_s",
	}
)

func errInvalid(format string, args ...any) error {
	return domain.Invalid(format, args...)
}

type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider domain.IDProvider
	Logger     *zap.Logger
}

// Store persists documents and folders.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider domain.IDProvider
	logger     *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, domain.NewServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, domain.NewServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// WithDB returns a copy of the store bound to handle, typically a transaction.
func (s *Store) WithDB(handle *gorm.DB) *Store {
	clone := *s
	clone.db = handle
	return &clone
}

// Get returns a live document. Missing and soft-deleted documents are NotFound.
func (s *Store) Get(ctx context.Context, documentID string) (Document, error) {
	document, found, err := s.Lookup(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	if !found || document.IsDeleted {
		return Document{}, domain.NotFound("Document %s not found", documentID)
	}
	return document, nil
}

// Lookup returns the stored row including soft-deleted ones.
func (s *Store) Lookup(ctx context.Context, documentID string) (Document, bool, error) {
	var document Document
	err := s.db.WithContext(ctx).Where("id = ?", documentID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, false, nil
	}
	if err != nil {
		s.logError(opGetDocument, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID))
		return Document{}, false, domain.NewServiceError(opGetDocument, reasonQueryFailed, err)
	}
	return document, true, nil
}

// Create inserts a new document at version 1.
func (s *Store) Create(ctx context.Context, input NewDocument) (Document, error) {
	documentID := strings.TrimSpace(input.ID)
	if documentID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreate, reasonIDFailed, err)
			return Document{}, domain.NewServiceError(opCreate, reasonIDFailed, err)
		}
		documentID = generated
	}

	nowSeconds := s.clock().UTC().Unix()
	document := Document{
		ID:               documentID,
		WorkspaceID:      input.WorkspaceID,
		CreatedBy:        input.CreatedBy,
		ContentType:      string(ContentMarkdown),
		AccessModel:      string(AccessInherited),
		Tags:             []string{},
		Version:          1,
		CreatedAtSeconds: nowSeconds,
		UpdatedAtSeconds: nowSeconds,
	}
	input.Fields.apply(&document)
	if err := validateDocument(document); err != nil {
		return Document{}, err
	}
	if err := s.ensureFolder(ctx, document.WorkspaceID, document.FolderID); err != nil {
		return Document{}, err
	}
	document.Slug = slugify(document.Title, document.ID)
	document.ContentHash = contentHash(document)

	if err := s.db.WithContext(ctx).Create(&document).Error; err != nil {
		s.logError(opCreate, reasonInsertFailed, err, zap.String(fieldDocumentID, document.ID))
		return Document{}, domain.NewServiceError(opCreate, reasonInsertFailed, err)
	}
	return document, nil
}

// Update applies fields to a live document. When expectedVersion is set and
// differs from the stored version a ConflictError is returned and nothing is
// written. A write that would leave every attribute unchanged is skipped and
// reports changed=false, keeping replays from bumping the version.
func (s *Store) Update(ctx context.Context, documentID string, fields Fields, expectedVersion *int64) (Document, bool, error) {
	existing, err := s.Get(ctx, documentID)
	if err != nil {
		return Document{}, false, err
	}
	if expectedVersion != nil && *expectedVersion != existing.Version {
		return Document{}, false, domain.VersionConflict(*expectedVersion, existing.Version)
	}

	updated := existing
	fields.apply(&updated)
	if err := validateDocument(updated); err != nil {
		return Document{}, false, err
	}
	hash := contentHash(updated)
	if hash == existing.ContentHash {
		return existing, false, nil
	}
	if err := s.ensureFolder(ctx, updated.WorkspaceID, updated.FolderID); err != nil {
		return Document{}, false, err
	}
	if updated.Title != existing.Title {
		updated.Slug = slugify(updated.Title, updated.ID)
	}
	updated.ContentHash = hash
	updated.Version = existing.Version + 1
	updated.UpdatedAtSeconds = s.clock().UTC().Unix()

	if err := s.compareAndSwap(ctx, opUpdate, existing, updated, expectedVersion); err != nil {
		return Document{}, false, err
	}
	return updated, true, nil
}

// Delete soft-deletes a live document, bumping its version.
func (s *Store) Delete(ctx context.Context, documentID string, expectedVersion *int64) (Document, error) {
	existing, err := s.Get(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	if expectedVersion != nil && *expectedVersion != existing.Version {
		return Document{}, domain.VersionConflict(*expectedVersion, existing.Version)
	}
	result := s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND version = ? AND is_deleted = ?", documentID, existing.Version, false).
		Updates(map[string]any{
			"is_deleted":   true,
			"version":      existing.Version + 1,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opDelete, reasonUpdateFailed, result.Error, zap.String(fieldDocumentID, documentID))
		return Document{}, domain.NewServiceError(opDelete, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return Document{}, s.lostRace(ctx, documentID, existing.Version, expectedVersion)
	}
	existing.IsDeleted = true
	existing.Version++
	return existing, nil
}

// ReplaceState overwrites the stored CRDT blob only. Live sessions are not notified.
func (s *Store) ReplaceState(ctx context.Context, documentID string, state []byte) (Document, error) {
	existing, err := s.Get(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	existing.YjsState = append([]byte(nil), state...)
	existing.YjsVersion++
	existing.ContentHash = contentHash(existing)
	existing.UpdatedAtSeconds = s.clock().UTC().Unix()
	err = s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", documentID).
		Updates(map[string]any{
			"yjs_state":    existing.YjsState,
			"yjs_version":  existing.YjsVersion,
			"content_hash": existing.ContentHash,
			"updated_at_s": existing.UpdatedAtSeconds,
		}).Error
	if err != nil {
		s.logError(opReplaceState, reasonUpdateFailed, err, zap.String(fieldDocumentID, documentID))
		return Document{}, domain.NewServiceError(opReplaceState, reasonUpdateFailed, err)
	}
	return existing, nil
}

func (s *Store) compareAndSwap(ctx context.Context, operation string, existing, updated Document, expectedVersion *int64) error {
	result := s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND version = ? AND is_deleted = ?", existing.ID, existing.Version, false).
		Select(updateColumns).
		Updates(&updated)
	if result.Error != nil {
		s.logError(operation, reasonUpdateFailed, result.Error, zap.String(fieldDocumentID, existing.ID))
		return domain.NewServiceError(operation, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return s.lostRace(ctx, existing.ID, existing.Version, expectedVersion)
	}
	return nil
}

// lostRace explains a conditional write that matched no row: the document
// was deleted or another writer advanced its version first.
func (s *Store) lostRace(ctx context.Context, documentID string, readVersion int64, expectedVersion *int64) error {
	current, err := s.Get(ctx, documentID)
	if err != nil {
		return err
	}
	expected := readVersion
	if expectedVersion != nil {
		expected = *expectedVersion
	}
	return domain.VersionConflict(expected, current.Version)
}

func (s *Store) ensureFolder(ctx context.Context, workspaceID string, folderID *string) error {
	if folderID == nil {
		return nil
	}
	_, err := s.getFolder(ctx, workspaceID, *folderID)
	return err
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := s.logger
	if logger == nil {
		logger = noOpLogger
	}
	logger.Error("documents store error", attrs...)
}
