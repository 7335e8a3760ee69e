package permissions

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/audit"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/documents"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/mailer"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testEpoch = 1_700_000_000

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

type recordingMailQueue struct {
	mu       sync.Mutex
	messages []mailer.Message
	full     bool
}

func (q *recordingMailQueue) TryEnqueue(message mailer.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.messages = append(q.messages, message)
	return true
}

func (q *recordingMailQueue) Messages() []mailer.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]mailer.Message(nil), q.messages...)
}

type permissionsFixture struct {
	db       *gorm.DB
	service  *Service
	resolver *Resolver
	store    *documents.Store
	recorder *audit.Recorder
	mail     *recordingMailQueue
	clock    *manualClock
}

func newPermissionsFixture(testContext *testing.T) *permissionsFixture {
	testContext.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "permissions.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	models := []any{&documents.Document{}, &documents.Folder{}, &audit.Log{}, &users.User{}}
	models = append(models, Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	clock := &manualClock{now: time.Unix(testEpoch, 0).UTC()}
	ids := &sequenceIDProvider{}
	resolver, err := NewResolver(ResolverConfig{Database: db, Clock: clock.Now})
	if err != nil {
		testContext.Fatalf("failed to build resolver: %v", err)
	}
	recorder, err := audit.NewRecorder(audit.RecorderConfig{Database: db, Clock: clock.Now, IDProvider: ids})
	if err != nil {
		testContext.Fatalf("failed to build recorder: %v", err)
	}
	store, err := documents.NewStore(documents.StoreConfig{Database: db, Clock: clock.Now, IDProvider: ids})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	mail := &recordingMailQueue{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Resolver:   resolver,
		Audit:      recorder,
		Mail:       mail,
		Clock:      clock.Now,
		IDProvider: ids,
		PublicURL:  "https://app.example.com/",
	})
	if err != nil {
		testContext.Fatalf("failed to build service: %v", err)
	}
	return &permissionsFixture{db: db, service: service, resolver: resolver, store: store, recorder: recorder, mail: mail, clock: clock}
}

func (f *permissionsFixture) mustUser(testContext *testing.T, userID, email string) {
	testContext.Helper()
	user := users.User{ID: userID, Email: email, DisplayName: userID, CreatedAtSeconds: testEpoch, LastSeenAtSecond: testEpoch}
	if err := f.db.Create(&user).Error; err != nil {
		testContext.Fatalf("failed to insert user %s: %v", userID, err)
	}
}

// mustWorkspace creates a workspace owned by ownerID plus members at the given roles.
func (f *permissionsFixture) mustWorkspace(testContext *testing.T, ownerID string, members map[string]Role) Workspace {
	testContext.Helper()
	ctx := context.Background()
	f.mustUser(testContext, ownerID, ownerID+"@example.com")
	workspace, err := f.service.CreateWorkspace(ctx, ownerID, "Team")
	if err != nil {
		testContext.Fatalf("failed to create workspace: %v", err)
	}
	for userID, role := range members {
		f.mustUser(testContext, userID, userID+"@example.com")
		if _, err := f.service.AddMember(ctx, ownerID, workspace.ID, userID, role, nil); err != nil {
			testContext.Fatalf("failed to add %s: %v", userID, err)
		}
	}
	return workspace
}

func (f *permissionsFixture) mustDocument(testContext *testing.T, workspaceID, documentID, createdBy string, access documents.AccessModel) documents.Document {
	testContext.Helper()
	title := "Doc " + documentID
	accessModel := string(access)
	document, err := f.store.Create(context.Background(), documents.NewDocument{
		ID:          documentID,
		WorkspaceID: workspaceID,
		CreatedBy:   createdBy,
		Fields:      documents.Fields{Title: &title, AccessModel: &accessModel},
	})
	if err != nil {
		testContext.Fatalf("failed to create document: %v", err)
	}
	return document
}

func (f *permissionsFixture) auditActions(testContext *testing.T, documentID string) []string {
	testContext.Helper()
	logs, err := f.recorder.List(context.Background(), documentID, 0)
	if err != nil {
		testContext.Fatalf("failed to list audit: %v", err)
	}
	actions := make([]string, 0, len(logs))
	for _, entry := range logs {
		actions = append(actions, entry.Action)
	}
	return actions
}

func (f *permissionsFixture) countOwners(testContext *testing.T, workspaceID string) int64 {
	testContext.Helper()
	var owners int64
	if err := f.db.Model(&WorkspaceMember{}).
		Where("workspace_id = ? AND status = ? AND role = ?", workspaceID, StatusActive, RoleOwner).
		Count(&owners).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	return owners
}

func intPtr(value int) *int {
	return &value
}
