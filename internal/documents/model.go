package documents

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// AccessModel controls whether workspace roles apply to a document.
type AccessModel string

const (
	AccessInherited  AccessModel = "inherited"
	AccessRestricted AccessModel = "restricted"
)

// ContentType enumerates the document body formats.
type ContentType string

const (
	ContentMarkdown ContentType = "markdown"
	ContentHTML     ContentType = "html"
)

const (
	maxTitleLength = 200
	maxSlugLength  = 240
)

// Document is the persisted document row. YjsState is opaque and never decoded.
type Document struct {
	ID               string   `gorm:"column:id;primaryKey;size:64"`
	WorkspaceID      string   `gorm:"column:workspace_id;size:64;not null;index"`
	FolderID         *string  `gorm:"column:folder_id;size:64;index"`
	Title            string   `gorm:"column:title;size:200;not null"`
	Slug             string   `gorm:"column:slug;size:240;not null"`
	Content          string   `gorm:"column:content;type:text"`
	ContentType      string   `gorm:"column:content_type;size:16;not null"`
	Tags             []string `gorm:"column:tags;serializer:json"`
	IsPublic         bool     `gorm:"column:is_public;not null"`
	IsTemplate       bool     `gorm:"column:is_template;not null"`
	AccessModel      string   `gorm:"column:access_model;size:16;not null"`
	CreatedBy        string   `gorm:"column:created_by;size:64;not null;index"`
	Version          int64    `gorm:"column:version;not null"`
	YjsVersion       int64    `gorm:"column:yjs_version;not null"`
	YjsState         []byte   `gorm:"column:yjs_state"`
	WordCount        int      `gorm:"column:word_count;not null"`
	ContentHash      string   `gorm:"column:content_hash;size:64"`
	IsDeleted        bool     `gorm:"column:is_deleted;not null;index"`
	CreatedAtSeconds int64    `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64    `gorm:"column:updated_at_s;not null"`
}

func (Document) TableName() string {
	return "documents"
}

// Restricted reports whether workspace roles are ignored for this document.
func (d Document) Restricted() bool {
	return AccessModel(d.AccessModel) == AccessRestricted
}

// Fields carries the mutable document attributes submitted by clients.
// Nil pointers and nil slices leave the stored value unchanged.
type Fields struct {
	Title       *string  `json:"title"`
	Content     *string  `json:"content"`
	ContentType *string  `json:"content_type"`
	FolderID    *string  `json:"folder_id"`
	Tags        []string `json:"tags"`
	IsPublic    *bool    `json:"is_public"`
	IsTemplate  *bool    `json:"is_template"`
	AccessModel *string  `json:"access_model"`
	YjsState    []byte   `json:"yjs_state"`
}

// NewDocument describes a document to insert. ID may be client supplied.
type NewDocument struct {
	ID          string
	WorkspaceID string
	CreatedBy   string
	Fields      Fields
}

func (f Fields) apply(document *Document) {
	if f.Title != nil {
		document.Title = strings.TrimSpace(*f.Title)
	}
	if f.Content != nil {
		document.Content = *f.Content
	}
	if f.ContentType != nil {
		document.ContentType = strings.ToLower(strings.TrimSpace(*f.ContentType))
	}
	if f.FolderID != nil {
		folderID := strings.TrimSpace(*f.FolderID)
		if folderID == "" {
			document.FolderID = nil
		} else {
			document.FolderID = &folderID
		}
	}
	if f.Tags != nil {
		document.Tags = append([]string(nil), f.Tags...)
	}
	if f.IsPublic != nil {
		document.IsPublic = *f.IsPublic
	}
	if f.IsTemplate != nil {
		document.IsTemplate = *f.IsTemplate
	}
	if f.AccessModel != nil {
		document.AccessModel = strings.ToLower(strings.TrimSpace(*f.AccessModel))
	}
	if f.YjsState != nil {
		document.YjsState = append([]byte(nil), f.YjsState...)
	}
	document.WordCount = len(strings.Fields(document.Content))
}

// Unchanged reports whether applying every fields value in order would leave
// document's client-controlled attributes as stored.
func Unchanged(document Document, fields ...Fields) bool {
	merged := document
	for _, f := range fields {
		f.apply(&merged)
	}
	return contentHash(merged) == document.ContentHash
}

func validateDocument(document Document) error {
	title := strings.TrimSpace(document.Title)
	if title == "" {
		return errInvalid("Title is required")
	}
	if len([]rune(title)) > maxTitleLength {
		return errInvalid("Title must be at most %d characters", maxTitleLength)
	}
	switch ContentType(document.ContentType) {
	case ContentMarkdown, ContentHTML:
	default:
		return errInvalid("Invalid content_type %q", document.ContentType)
	}
	switch AccessModel(document.AccessModel) {
	case AccessInherited, AccessRestricted:
	default:
		return errInvalid("Invalid access_model %q", document.AccessModel)
	}
	return nil
}

// contentHash fingerprints every client-controlled attribute so replays of
// identical writes can be recognized.
func contentHash(document Document) string {
	folderID := ""
	if document.FolderID != nil {
		folderID = *document.FolderID
	}
	tags, _ := json.Marshal(document.Tags)
	digest := sha256.New()
	for _, part := range []string{
		document.Title,
		document.Content,
		document.ContentType,
		folderID,
		string(tags),
		boolString(document.IsPublic),
		boolString(document.IsTemplate),
		document.AccessModel,
	} {
		digest.Write([]byte(part))
		digest.Write([]byte{0})
	}
	digest.Write(document.YjsState)
	return hex.EncodeToString(digest.Sum(nil))
}

func boolString(value bool) string {
	if value {
		return "1"
	}
	return "0"
}

func slugify(title, id string) string {
	var builder strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
			lastDash = false
		case !lastDash:
			builder.WriteByte('-')
			lastDash = true
		}
	}
	slug := strings.Trim(builder.String(), "-")
	if slug == "" {
		slug = "untitled"
	}
	suffix := strings.ReplaceAll(id, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	if len(slug)+len(suffix)+1 > maxSlugLength {
		slug = slug[:maxSlugLength-len(suffix)-1]
	}
	return slug + "-" + suffix
}
