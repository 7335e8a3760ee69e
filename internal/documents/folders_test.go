package documents

import (
	"context"
	"errors"
	"testing"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
)

func mustFolder(t *testing.T, store *Store, name string, parentID *string) Folder {
	t.Helper()
	folder, err := store.CreateFolder(context.Background(), NewFolder{
		WorkspaceID: "ws-1",
		ParentID:    parentID,
		Name:        name,
		CreatedBy:   "user-1",
	})
	if err != nil {
		t.Fatalf("unexpected folder error: %v", err)
	}
	return folder
}

func TestFolderTreeNestsChildren(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	root := mustFolder(testContext, store, "root", nil)
	child := mustFolder(testContext, store, "child", &root.ID)
	mustFolder(testContext, store, "grandchild", &child.ID)
	mustFolder(testContext, store, "sibling", nil)

	tree, err := store.FolderTree(context.Background(), "ws-1")
	if err != nil {
		testContext.Fatalf("tree failed: %v", err)
	}
	if len(tree) != 2 {
		testContext.Fatalf("expected 2 roots, got %d", len(tree))
	}
	if tree[0].Folder.Name != "root" || len(tree[0].Children) != 1 {
		testContext.Fatalf("unexpected first root %+v", tree[0])
	}
	if len(tree[0].Children[0].Children) != 1 || tree[0].Children[0].Children[0].Folder.Name != "grandchild" {
		testContext.Fatalf("expected grandchild under child")
	}
}

func TestMoveFolderRejectsCycles(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	root := mustFolder(testContext, store, "root", nil)
	child := mustFolder(testContext, store, "child", &root.ID)
	grandchild := mustFolder(testContext, store, "grandchild", &child.ID)

	testCases := []struct {
		name     string
		folderID string
		parentID string
	}{
		{name: "into itself", folderID: root.ID, parentID: root.ID},
		{name: "into child", folderID: root.ID, parentID: child.ID},
		{name: "into grandchild", folderID: root.ID, parentID: grandchild.ID},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			parentID := testCase.parentID
			_, err := store.MoveFolder(context.Background(), testCase.folderID, &parentID)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	moved, err := store.MoveFolder(context.Background(), grandchild.ID, nil)
	if err != nil {
		testContext.Fatalf("move to root failed: %v", err)
	}
	if moved.ParentID != nil {
		testContext.Fatalf("expected top-level folder, got parent %v", *moved.ParentID)
	}
}

func TestMoveFolderRequiresExistingParent(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	folder := mustFolder(testContext, store, "lonely", nil)
	missing := "missing"
	if _, err := store.MoveFolder(context.Background(), folder.ID, &missing); !errors.Is(err, domain.ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
}

func TestBuildFolderTreeBreaksStoredCycle(testContext *testing.T) {
	first := "a"
	second := "b"
	folders := []Folder{
		{ID: "a", Name: "a", ParentID: &second},
		{ID: "b", Name: "b", ParentID: &first},
		{ID: "c", Name: "c", ParentID: stringPtr("ghost")},
	}
	tree := buildFolderTree(folders)
	if len(tree) != 2 {
		testContext.Fatalf("expected 2 roots, got %d", len(tree))
	}
	total := 0
	stack := append([]*FolderNode(nil), tree...)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		total++
		stack = append(stack, node.Children...)
	}
	if total != 3 {
		testContext.Fatalf("expected every folder exactly once, got %d", total)
	}
}
