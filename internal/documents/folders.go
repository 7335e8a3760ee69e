package documents

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreateFolder = "documents.create_folder"
	opFolderTree   = "documents.folder_tree"
	opMoveFolder   = "documents.move_folder"
	fieldFolderID  = "folder_id"

	maxFolderNameLength = 120
)

// Folder groups documents inside a workspace. ParentID nil means top level.
type Folder struct {
	ID               string  `gorm:"column:id;primaryKey;size:64"`
	WorkspaceID      string  `gorm:"column:workspace_id;size:64;not null;index"`
	ParentID         *string `gorm:"column:parent_id;size:64;index"`
	Name             string  `gorm:"column:name;size:120;not null"`
	Position         int     `gorm:"column:position;not null"`
	CreatedBy        string  `gorm:"column:created_by;size:64;not null"`
	IsDeleted        bool    `gorm:"column:is_deleted;not null"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

func (Folder) TableName() string {
	return "folders"
}

// FolderNode is one entry of a folder tree.
type FolderNode struct {
	Folder   Folder        `json:"folder"`
	Children []*FolderNode `json:"children"`
}

type NewFolder struct {
	WorkspaceID string
	ParentID    *string
	Name        string
	Position    int
	CreatedBy   string
}

// CreateFolder inserts a folder; the parent must be a live folder of the same workspace.
func (s *Store) CreateFolder(ctx context.Context, input NewFolder) (Folder, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Folder{}, errInvalid("Folder name is required")
	}
	if len([]rune(name)) > maxFolderNameLength {
		return Folder{}, errInvalid("Folder name must be at most %d characters", maxFolderNameLength)
	}
	if input.ParentID != nil {
		if _, err := s.getFolder(ctx, input.WorkspaceID, *input.ParentID); err != nil {
			return Folder{}, domain.NotFound("Parent folder not found")
		}
	}
	folderID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateFolder, reasonIDFailed, err)
		return Folder{}, domain.NewServiceError(opCreateFolder, reasonIDFailed, err)
	}
	nowSeconds := s.clock().UTC().Unix()
	folder := Folder{
		ID:               folderID,
		WorkspaceID:      input.WorkspaceID,
		ParentID:         input.ParentID,
		Name:             name,
		Position:         input.Position,
		CreatedBy:        input.CreatedBy,
		CreatedAtSeconds: nowSeconds,
		UpdatedAtSeconds: nowSeconds,
	}
	if err := s.db.WithContext(ctx).Create(&folder).Error; err != nil {
		s.logError(opCreateFolder, reasonInsertFailed, err, zap.String(fieldFolderID, folderID))
		return Folder{}, domain.NewServiceError(opCreateFolder, reasonInsertFailed, err)
	}
	return folder, nil
}

// FolderTree returns the live folders of a workspace as a forest.
func (s *Store) FolderTree(ctx context.Context, workspaceID string) ([]*FolderNode, error) {
	folders, err := s.listFolders(ctx, s.db, workspaceID)
	if err != nil {
		s.logError(opFolderTree, reasonQueryFailed, err, zap.String("workspace_id", workspaceID))
		return nil, domain.NewServiceError(opFolderTree, reasonQueryFailed, err)
	}
	return buildFolderTree(folders), nil
}

// MoveFolder re-parents a folder. Moving a folder under itself or one of its
// descendants is rejected.
func (s *Store) MoveFolder(ctx context.Context, folderID string, newParentID *string) (Folder, error) {
	var moved Folder
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var folder Folder
		err := tx.Where("id = ? AND is_deleted = ?", folderID, false).Take(&folder).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.NotFound("Folder not found")
		}
		if err != nil {
			return domain.NewServiceError(opMoveFolder, reasonQueryFailed, err)
		}

		folders, err := s.listFolders(ctx, tx, folder.WorkspaceID)
		if err != nil {
			return domain.NewServiceError(opMoveFolder, reasonQueryFailed, err)
		}
		arena := make(map[string]Folder, len(folders))
		for _, candidate := range folders {
			arena[candidate.ID] = candidate
		}

		if newParentID != nil {
			if _, ok := arena[*newParentID]; !ok {
				return domain.NotFound("Parent folder not found")
			}
			if createsCycle(arena, folderID, *newParentID) {
				return errInvalid("Cannot move folder into itself or create circular hierarchy")
			}
		}

		folder.ParentID = newParentID
		folder.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Model(&Folder{}).Where("id = ?", folderID).Updates(map[string]any{
			"parent_id":    newParentID,
			"updated_at_s": folder.UpdatedAtSeconds,
		}).Error; err != nil {
			return domain.NewServiceError(opMoveFolder, reasonUpdateFailed, err)
		}
		moved = folder
		return nil
	})
	if err != nil {
		if !domain.IsDomainError(err) {
			s.logError(opMoveFolder, "transaction_failed", err, zap.String(fieldFolderID, folderID))
		}
		return Folder{}, err
	}
	return moved, nil
}

// createsCycle walks the ancestor chain of parentID and reports whether
// folderID is reached, or whether the stored chain already loops.
func createsCycle(arena map[string]Folder, folderID, parentID string) bool {
	visited := make(map[string]struct{}, len(arena))
	cursor := parentID
	for {
		if cursor == folderID {
			return true
		}
		if _, seen := visited[cursor]; seen {
			return true
		}
		visited[cursor] = struct{}{}
		current, ok := arena[cursor]
		if !ok || current.ParentID == nil {
			return false
		}
		cursor = *current.ParentID
	}
}

// buildFolderTree assembles the forest iteratively. Folders whose parent is
// missing become roots, and a stored cycle is cut at the first revisited node.
func buildFolderTree(folders []Folder) []*FolderNode {
	arena := make(map[string]*FolderNode, len(folders))
	for _, folder := range folders {
		arena[folder.ID] = &FolderNode{Folder: folder, Children: []*FolderNode{}}
	}
	parentOf := func(id string) string {
		node := arena[id]
		if node.Folder.ParentID == nil {
			return ""
		}
		if _, ok := arena[*node.Folder.ParentID]; !ok {
			return ""
		}
		return *node.Folder.ParentID
	}

	resolved := make(map[string]struct{}, len(folders))
	detached := make(map[string]struct{})
	for _, folder := range folders {
		onPath := make(map[string]struct{})
		path := make([]string, 0, 4)
		cursor := folder.ID
		for cursor != "" {
			if _, ok := resolved[cursor]; ok {
				break
			}
			if _, ok := onPath[cursor]; ok {
				detached[cursor] = struct{}{}
				break
			}
			onPath[cursor] = struct{}{}
			path = append(path, cursor)
			cursor = parentOf(cursor)
		}
		for _, id := range path {
			resolved[id] = struct{}{}
		}
	}

	roots := make([]*FolderNode, 0)
	for _, folder := range folders {
		node := arena[folder.ID]
		parentID := parentOf(folder.ID)
		if _, cut := detached[folder.ID]; cut || parentID == "" {
			roots = append(roots, node)
			continue
		}
		parent := arena[parentID]
		parent.Children = append(parent.Children, node)
	}

	sortNodes(roots)
	for _, node := range arena {
		sortNodes(node.Children)
	}
	return roots
}

func sortNodes(nodes []*FolderNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Folder.Position != nodes[j].Folder.Position {
			return nodes[i].Folder.Position < nodes[j].Folder.Position
		}
		return nodes[i].Folder.Name < nodes[j].Folder.Name
	})
}

func (s *Store) listFolders(ctx context.Context, handle *gorm.DB, workspaceID string) ([]Folder, error) {
	var folders []Folder
	err := handle.WithContext(ctx).
		Where("workspace_id = ? AND is_deleted = ?", workspaceID, false).
		Order("created_at_s ASC").
		Find(&folders).Error
	return folders, err
}

func (s *Store) getFolder(ctx context.Context, workspaceID, folderID string) (Folder, error) {
	var folder Folder
	err := s.db.WithContext(ctx).
		Where("id = ? AND workspace_id = ? AND is_deleted = ?", folderID, workspaceID, false).
		Take(&folder).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Folder{}, domain.NotFound("Folder not found")
	}
	if err != nil {
		return Folder{}, domain.NewServiceError(opFolderTree, reasonQueryFailed, err)
	}
	return folder, nil
}

// GetFolder returns a live folder by id regardless of workspace.
func (s *Store) GetFolder(ctx context.Context, folderID string) (Folder, error) {
	var folder Folder
	err := s.db.WithContext(ctx).Where("id = ? AND is_deleted = ?", folderID, false).Take(&folder).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Folder{}, domain.NotFound("Folder not found")
	}
	if err != nil {
		return Folder{}, domain.NewServiceError(opFolderTree, reasonQueryFailed, err)
	}
	return folder, nil
}
