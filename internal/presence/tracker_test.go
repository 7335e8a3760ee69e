package presence

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%d", p.next), nil
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

func (c *manualClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

func newTestTracker(t *testing.T) (*Tracker, *gorm.DB, *manualClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "presence.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	tracker, err := NewTracker(TrackerConfig{Database: db, Clock: clock.Now, IDProvider: &sequenceIDProvider{}})
	if err != nil {
		t.Fatalf("failed to build tracker: %v", err)
	}
	return tracker, db, clock
}

func mustSession(t *testing.T, tracker *Tracker, userID, connectionID string) Session {
	t.Helper()
	session, err := tracker.CreateSession(context.Background(), SessionInfo{
		UserID:       userID,
		ConnectionID: connectionID,
		UserAgent:    "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile",
		IPAddress:    "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return session
}

func countPresence(t *testing.T, db *gorm.DB, documentID, userID string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&Presence{}).Where("document_id = ? AND user_id = ?", documentID, userID).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return count
}

func TestJoinTwiceKeepsSingleRow(t *testing.T) {
	tracker, db, clock := newTestTracker(t)
	ctx := context.Background()
	first := mustSession(t, tracker, "u1", "c1")
	second := mustSession(t, tracker, "u1", "c2")

	if _, err := tracker.Join(ctx, "d1", "u1", first.ID); err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	if _, err := tracker.Leave(ctx, "d1", "u1", first.ID); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	clock.Advance(time.Minute)
	presence, err := tracker.Join(ctx, "d1", "u1", second.ID)
	if err != nil {
		t.Fatalf("second join failed: %v", err)
	}

	if got := countPresence(t, db, "d1", "u1"); got != 1 {
		t.Fatalf("expected exactly one presence row, got %d", got)
	}
	if !presence.IsActive || presence.SessionID != second.ID {
		t.Fatalf("expected reactivated presence bound to the new session, got %+v", presence)
	}
	if presence.LastActivityAtSeconds != clock.Now().Unix() {
		t.Fatalf("expected last activity to be refreshed")
	}
}

func TestConcurrentJoinsKeepSingleRow(t *testing.T) {
	tracker, db, _ := newTestTracker(t)
	session := mustSession(t, tracker, "u1", "c1")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tracker.Join(context.Background(), "d1", "u1", session.ID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("join failed: %v", err)
	}
	if got := countPresence(t, db, "d1", "u1"); got != 1 {
		t.Fatalf("expected exactly one presence row, got %d", got)
	}
}

func TestUpdatesOnlyTouchActivePresence(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()
	session := mustSession(t, tracker, "u1", "c1")

	if _, found, err := tracker.UpdateCursor(ctx, "d1", "u1", Position{Line: 1, Column: 2}); err != nil || found {
		t.Fatalf("expected no-op against absent presence, found=%v err=%v", found, err)
	}

	if _, err := tracker.Join(ctx, "d1", "u1", session.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	presence, found, err := tracker.UpdateCursor(ctx, "d1", "u1", Position{Line: 3, Column: 7})
	if err != nil || !found {
		t.Fatalf("cursor update failed: found=%v err=%v", found, err)
	}
	if view := presence.View(); view.Cursor == nil || *view.Cursor != (Position{Line: 3, Column: 7}) {
		t.Fatalf("unexpected cursor %+v", presence.View().Cursor)
	}

	selection := Selection{Start: Position{Line: 1, Column: 0}, End: Position{Line: 2, Column: 4}}
	presence, _, err = tracker.UpdateSelection(ctx, "d1", "u1", selection)
	if err != nil {
		t.Fatalf("selection update failed: %v", err)
	}
	if view := presence.View(); view.Selection == nil || *view.Selection != selection {
		t.Fatalf("unexpected selection %+v", presence.View().Selection)
	}
	presence, _, err = tracker.ClearSelection(ctx, "d1", "u1")
	if err != nil || presence.View().Selection != nil {
		t.Fatalf("expected cleared selection, err=%v", err)
	}
	presence, _, err = tracker.SetEditing(ctx, "d1", "u1", true)
	if err != nil || !presence.IsEditing {
		t.Fatalf("expected editing flag, err=%v", err)
	}

	if left, err := tracker.Leave(ctx, "d1", "u1", session.ID); err != nil || !left {
		t.Fatalf("leave failed: left=%v err=%v", left, err)
	}
	if _, found, err := tracker.SetEditing(ctx, "d1", "u1", true); err != nil || found {
		t.Fatalf("expected no-op against inactive presence, found=%v err=%v", found, err)
	}
	if left, _ := tracker.Leave(ctx, "d1", "u1", session.ID); left {
		t.Fatalf("expected second leave to be a no-op")
	}
}

func TestDeactivateSessionCascadesToPresence(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()
	session := mustSession(t, tracker, "u1", "c1")
	other := mustSession(t, tracker, "u2", "c2")
	for _, documentID := range []string{"d1", "d2"} {
		if _, err := tracker.Join(ctx, documentID, "u1", session.ID); err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}
	if _, err := tracker.Join(ctx, "d1", "u2", other.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	deactivated, err := tracker.DeactivateSession(ctx, "c1")
	if err != nil || !deactivated {
		t.Fatalf("deactivate failed: deactivated=%v err=%v", deactivated, err)
	}

	roster, err := tracker.ListActive(ctx, "d1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(roster) != 1 || roster[0].UserID != "u2" {
		t.Fatalf("expected only u2 in d1, got %+v", roster)
	}
	if roster, _ := tracker.ListActive(ctx, "d2"); len(roster) != 0 {
		t.Fatalf("expected d2 to be empty, got %+v", roster)
	}
	if again, _ := tracker.DeactivateSession(ctx, "c1"); again {
		t.Fatalf("expected second deactivate to be a no-op")
	}
}

func TestCleanupStaleSparesRecentlyTouchedSessions(t *testing.T) {
	tracker, _, clock := newTestTracker(t)
	ctx := context.Background()
	stale := mustSession(t, tracker, "u1", "c1")
	fresh := mustSession(t, tracker, "u2", "c2")
	if _, err := tracker.Join(ctx, "d1", "u1", stale.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := tracker.Join(ctx, "d1", "u2", fresh.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	clock.Advance(90 * time.Minute)
	if touched, err := tracker.TouchSession(ctx, "c2"); err != nil || !touched {
		t.Fatalf("touch failed: touched=%v err=%v", touched, err)
	}

	cleaned, err := tracker.CleanupStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if cleaned != 1 {
		t.Fatalf("expected 1 cleaned session, got %d", cleaned)
	}
	roster, _ := tracker.ListActive(ctx, "d1")
	if len(roster) != 1 || roster[0].UserID != "u2" {
		t.Fatalf("expected only u2 to remain, got %+v", roster)
	}
	sessions, _ := tracker.ActiveSessions(ctx, "u1")
	if len(sessions) != 0 {
		t.Fatalf("expected u1 to have no active sessions")
	}
}

func TestRejoinOnExpiredSessionDoesNotLeaveGhostPresence(t *testing.T) {
	tracker, _, clock := newTestTracker(t)
	ctx := context.Background()
	session := mustSession(t, tracker, "u1", "conn-1")

	clock.Advance(2 * time.Hour)
	if cleaned, err := tracker.CleanupStale(ctx, time.Hour); err != nil || cleaned != 1 {
		t.Fatalf("expected the idle session to be cleaned, cleaned=%d err=%v", cleaned, err)
	}
	if _, err := tracker.Join(ctx, "doc-1", "u1", session.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if sessions, _ := tracker.ActiveSessions(ctx, "u1"); len(sessions) != 1 {
		t.Fatalf("expected join to reactivate the session, got %+v", sessions)
	}
	if deactivated, err := tracker.DeactivateSession(ctx, "conn-1"); err != nil || !deactivated {
		t.Fatalf("deactivate failed: deactivated=%v err=%v", deactivated, err)
	}

	clock.Advance(2 * time.Hour)
	if _, err := tracker.CleanupStale(ctx, time.Hour); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	roster, err := tracker.ListActive(ctx, "doc-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(roster) != 0 {
		t.Fatalf("expected no active presence, got %+v", roster)
	}
}

func TestDeactivateSessionReleasesPresenceOfInactiveSession(t *testing.T) {
	tracker, db, _ := newTestTracker(t)
	ctx := context.Background()
	session := mustSession(t, tracker, "u1", "c1")
	if _, err := tracker.Join(ctx, "d1", "u1", session.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := db.Model(&Session{}).Where("id = ?", session.ID).Update("is_active", false).Error; err != nil {
		t.Fatalf("failed to expire session: %v", err)
	}

	if deactivated, err := tracker.DeactivateSession(ctx, "c1"); err != nil || !deactivated {
		t.Fatalf("expected presence release to count as a change, deactivated=%v err=%v", deactivated, err)
	}
	if roster, _ := tracker.ListActive(ctx, "d1"); len(roster) != 0 {
		t.Fatalf("expected d1 to be empty, got %+v", roster)
	}
	if again, _ := tracker.DeactivateSession(ctx, "c1"); again {
		t.Fatalf("expected second deactivate to be a no-op")
	}
	if found, _ := tracker.DeactivateSession(ctx, "missing"); found {
		t.Fatalf("expected unknown connection to be a no-op")
	}
}

func TestCleanupStaleClosesOrphanedPresence(t *testing.T) {
	tracker, db, _ := newTestTracker(t)
	ctx := context.Background()
	orphan := mustSession(t, tracker, "u1", "c1")
	live := mustSession(t, tracker, "u2", "c2")
	if _, err := tracker.Join(ctx, "d1", "u1", orphan.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := tracker.Join(ctx, "d1", "u2", live.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := db.Model(&Session{}).Where("id = ?", orphan.ID).Update("is_active", false).Error; err != nil {
		t.Fatalf("failed to expire session: %v", err)
	}

	cleaned, err := tracker.CleanupStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if cleaned != 0 {
		t.Fatalf("expected no session to be cleaned, got %d", cleaned)
	}
	roster, _ := tracker.ListActive(ctx, "d1")
	if len(roster) != 1 || roster[0].UserID != "u2" {
		t.Fatalf("expected only u2 to remain, got %+v", roster)
	}
}

func TestLeaveFromSecondTabKeepsPresence(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()
	firstTab := mustSession(t, tracker, "u1", "c1")
	secondTab := mustSession(t, tracker, "u1", "c2")
	for _, session := range []Session{firstTab, secondTab} {
		if _, err := tracker.Join(ctx, "d1", "u1", session.ID); err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}

	if left, err := tracker.Leave(ctx, "d1", "u1", firstTab.ID); err != nil || left {
		t.Fatalf("expected first tab leave to keep the user, left=%v err=%v", left, err)
	}
	roster, _ := tracker.ListActive(ctx, "d1")
	if len(roster) != 1 || roster[0].SessionID != secondTab.ID {
		t.Fatalf("expected presence to stay with the second tab, got %+v", roster)
	}

	if left, err := tracker.Leave(ctx, "d1", "u1", secondTab.ID); err != nil || !left {
		t.Fatalf("expected last tab leave to drop the user, left=%v err=%v", left, err)
	}
	if roster, _ := tracker.ListActive(ctx, "d1"); len(roster) != 0 {
		t.Fatalf("expected d1 to be empty, got %+v", roster)
	}
}

func TestClosingOneTabHandsPresenceToAnother(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()
	firstTab := mustSession(t, tracker, "u1", "c1")
	secondTab := mustSession(t, tracker, "u1", "c2")
	for _, session := range []Session{firstTab, secondTab} {
		if _, err := tracker.Join(ctx, "d1", "u1", session.ID); err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}

	if _, err := tracker.DeactivateSession(ctx, "c2"); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	roster, _ := tracker.ListActive(ctx, "d1")
	if len(roster) != 1 || roster[0].SessionID != firstTab.ID {
		t.Fatalf("expected presence to move to the first tab, got %+v", roster)
	}
	if left, err := tracker.Leave(ctx, "d1", "u1", firstTab.ID); err != nil || !left {
		t.Fatalf("leave failed: left=%v err=%v", left, err)
	}
}

func TestRejoinClearsCursorSelectionAndEditing(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()
	session := mustSession(t, tracker, "u1", "c1")
	if _, err := tracker.Join(ctx, "d1", "u1", session.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, _, err := tracker.UpdateCursor(ctx, "d1", "u1", Position{Line: 4, Column: 2}); err != nil {
		t.Fatalf("cursor update failed: %v", err)
	}
	selection := Selection{Start: Position{Line: 1, Column: 0}, End: Position{Line: 2, Column: 4}}
	if _, _, err := tracker.UpdateSelection(ctx, "d1", "u1", selection); err != nil {
		t.Fatalf("selection update failed: %v", err)
	}
	if _, _, err := tracker.SetEditing(ctx, "d1", "u1", true); err != nil {
		t.Fatalf("editing update failed: %v", err)
	}
	if _, err := tracker.Leave(ctx, "d1", "u1", session.ID); err != nil {
		t.Fatalf("leave failed: %v", err)
	}

	presence, err := tracker.Join(ctx, "d1", "u1", session.ID)
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	view := presence.View()
	if view.Cursor != nil || view.Selection != nil || view.IsEditing {
		t.Fatalf("expected a clean presence after rejoin, got %+v", view)
	}
}

func TestDeviceType(t *testing.T) {
	testCases := map[string]string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64)":                       DeviceDesktop,
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile":   DeviceMobile,
		"Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X)":                   DeviceTablet,
		"Mozilla/5.0 (Linux; Android 14; Pixel 8) Mobile Safari/537.36":   DeviceMobile,
		"Mozilla/5.0 (Linux; Android 13; SM-X710) Safari/537.36":          DeviceTablet,
		"":                                                                DeviceDesktop,
	}
	for agent, want := range testCases {
		if got := DeviceType(agent); got != want {
			t.Fatalf("DeviceType(%q) = %q, want %q", agent, got, want)
		}
	}
}
