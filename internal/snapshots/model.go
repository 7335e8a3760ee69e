package snapshots

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Type classifies why a snapshot was taken.
type Type string

const (
	TypeAuto          Type = "auto"
	TypeManual        Type = "manual"
	TypeRestoreBackup Type = "restore-backup"
)

// Restore actions.
const (
	ActionNewDocument = "new_document"
	ActionOverwrite   = "overwrite"
)

const (
	maxNoteLength    = 500
	maxPreviewLength = 1 << 20
	maxStateBytes    = 16 << 20
)

// Snapshot is an immutable copy of a document's CRDT state. The state is
// stored and served as-is.
type Snapshot struct {
	ID               string  `gorm:"column:id;primaryKey;size:64" json:"id"`
	DocumentID       string  `gorm:"column:document_id;size:64;not null;index:idx_snapshot_document_created,priority:1" json:"document_id"`
	CreatedBy        *string `gorm:"column:created_by;size:64" json:"created_by"`
	Type             Type    `gorm:"column:type;size:32;not null;index" json:"type"`
	State            []byte  `gorm:"column:yjs_state;not null" json:"-"`
	Preview          *string `gorm:"column:html_preview;type:text" json:"html_preview,omitempty"`
	Note             *string `gorm:"column:note;size:500" json:"note,omitempty"`
	SizeBytes        int     `gorm:"column:size_bytes;not null" json:"size_bytes"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null;index:idx_snapshot_document_created,priority:2" json:"created_at_s"`
}

func (Snapshot) TableName() string {
	return "document_snapshots"
}

// CreatedAt returns the creation time in UTC.
func (s Snapshot) CreatedAt() time.Time {
	return time.Unix(s.CreatedAtSeconds, 0).UTC()
}

// Models lists the persisted snapshot types for migration.
func Models() []any {
	return []any{&Snapshot{}}
}

// CreateRequest describes a snapshot to store.
type CreateRequest struct {
	Type    Type
	State   []byte
	Preview string
	Note    string
}

func (r CreateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Type, validation.Required, validation.In(TypeAuto, TypeManual, TypeRestoreBackup)),
		validation.Field(&r.State, validation.Required, validation.Length(1, maxStateBytes)),
		validation.Field(&r.Preview, validation.Length(0, maxPreviewLength)),
		validation.Field(&r.Note, validation.Length(0, maxNoteLength)),
	)
}

// RestoreRequest selects how a snapshot is restored. BackupSnapshotID is
// required for overwrite and must name a fresh restore-backup snapshot of the
// same document.
type RestoreRequest struct {
	Action           string `json:"action"`
	BackupSnapshotID string `json:"backup_snapshot_id"`
	Title            string `json:"title"`
}

func (r RestoreRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Action, validation.In(ActionNewDocument, ActionOverwrite).Error("must be one of: new_document, overwrite")),
		validation.Field(&r.BackupSnapshotID, validation.When(r.Action == ActionOverwrite,
			validation.Required.Error("is required for overwrite action"))),
		validation.Field(&r.Title, validation.Length(0, 200)),
	)
}

// RestoreResult reports what a restore changed.
type RestoreResult struct {
	Action           string `json:"action"`
	DocumentID       string `json:"document_id"`
	NewDocumentID    string `json:"new_document_id,omitempty"`
	BackupSnapshotID string `json:"backup_snapshot_id,omitempty"`
	Message          string `json:"message"`
}
