package permissions

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/audit"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/documents"
	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
)

func TestInvitationLifecycle(t *testing.T) {
	fixture := newPermissionsFixture(t)
	ctx := context.Background()
	workspace := fixture.mustWorkspace(t, "owner", nil)
	fixture.mustDocument(t, workspace.ID, "doc-1", "owner", documents.AccessRestricted)
	fixture.mustUser(t, "guest", "Guest@Example.com")

	invitation, err := fixture.service.Invite(ctx, "owner", "doc-1", InviteRequest{Email: " guest@example.com ", Role: RoleEditor, Message: "welcome"})
	if err != nil {
		t.Fatalf("invite failed: %v", err)
	}
	if invitation.Status != StatusPending || invitation.Email != "guest@example.com" {
		t.Fatalf("unexpected invitation %+v", invitation)
	}
	if invitation.ExpiresAtSeconds != fixture.clock.Now().Add(defaultInvitationTTL).Unix() {
		t.Fatalf("expected 30 day expiry")
	}

	messages := fixture.mail.Messages()
	if len(messages) != 1 || messages[0].To[0] != "guest@example.com" {
		t.Fatalf("expected one invitation email, got %+v", messages)
	}
	if !strings.Contains(messages[0].Body, "https://app.example.com/invitations/"+invitation.Token) {
		t.Fatalf("expected accept url in body, got %q", messages[0].Body)
	}

	fixture.mustUser(t, "impostor", "impostor@example.com")
	if _, err := fixture.service.AcceptInvitation(ctx, "impostor", invitation.Token); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected email mismatch to be forbidden, got %v", err)
	}

	share, err := fixture.service.AcceptInvitation(ctx, "guest", invitation.Token)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if share.Role != RoleEditor || share.PrincipalID != "guest" || share.Status != StatusActive {
		t.Fatalf("unexpected share %+v", share)
	}
	if _, err := fixture.resolver.AssertRole(ctx, "doc-1", "guest", RoleEditor); err != nil {
		t.Fatalf("expected guest to edit restricted doc: %v", err)
	}
	if _, err := fixture.service.AcceptInvitation(ctx, "guest", invitation.Token); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected second accept to be rejected, got %v", err)
	}

	actions := fixture.auditActions(t, "doc-1")
	if len(actions) < 2 || actions[0] != audit.ActionInviteAccepted || actions[1] != audit.ActionInviteSent {
		t.Fatalf("unexpected audit trail %v", actions)
	}
}

func TestInvitationRules(t *testing.T) {
	fixture := newPermissionsFixture(t)
	ctx := context.Background()
	workspace := fixture.mustWorkspace(t, "owner", map[string]Role{"admin": RoleAdmin, "editor": RoleEditor})
	fixture.mustDocument(t, workspace.ID, "doc-1", "owner", documents.AccessInherited)

	if _, err := fixture.service.Invite(ctx, "editor", "doc-1", InviteRequest{Email: "x@example.com", Role: RoleViewer}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected editor invite to be forbidden, got %v", err)
	}
	if _, err := fixture.service.Invite(ctx, "admin", "doc-1", InviteRequest{Email: "not-an-email", Role: RoleViewer}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected invalid email to be rejected, got %v", err)
	}
	if _, err := fixture.service.Invite(ctx, "admin", "doc-1", InviteRequest{Email: "x@example.com", Role: RoleOwner}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected owner invitation to be rejected, got %v", err)
	}

	fixture.mustUser(t, "late", "late@example.com")
	invitation, err := fixture.service.Invite(ctx, "admin", "doc-1", InviteRequest{Email: "late@example.com", Role: RoleViewer})
	if err != nil {
		t.Fatalf("invite failed: %v", err)
	}
	fixture.clock.Advance(defaultInvitationTTL + time.Second)
	if _, err := fixture.service.AcceptInvitation(ctx, "late", invitation.Token); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected expired invitation to be rejected, got %v", err)
	}
}

func TestReinviteCancelsPending(t *testing.T) {
	fixture := newPermissionsFixture(t)
	ctx := context.Background()
	workspace := fixture.mustWorkspace(t, "owner", nil)
	fixture.mustDocument(t, workspace.ID, "doc-1", "owner", documents.AccessInherited)
	fixture.mustUser(t, "guest", "guest@example.com")

	first, err := fixture.service.Invite(ctx, "owner", "doc-1", InviteRequest{Email: "guest@example.com", Role: RoleViewer})
	if err != nil {
		t.Fatalf("invite failed: %v", err)
	}
	if _, err := fixture.service.Invite(ctx, "owner", "doc-1", InviteRequest{Email: "guest@example.com", Role: RoleEditor}); err != nil {
		t.Fatalf("second invite failed: %v", err)
	}
	if err := fixture.service.DeclineInvitation(ctx, "guest", first.Token); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected cancelled invitation to be rejected, got %v", err)
	}
}

func TestFullMailQueueDoesNotFailInvite(t *testing.T) {
	fixture := newPermissionsFixture(t)
	ctx := context.Background()
	workspace := fixture.mustWorkspace(t, "owner", nil)
	fixture.mustDocument(t, workspace.ID, "doc-1", "owner", documents.AccessInherited)
	fixture.mail.full = true

	if _, err := fixture.service.Invite(ctx, "owner", "doc-1", InviteRequest{Email: "guest@example.com", Role: RoleViewer}); err != nil {
		t.Fatalf("expected invite to succeed with a full queue, got %v", err)
	}
}

func TestDocumentMemberRoleChanges(t *testing.T) {
	fixture := newPermissionsFixture(t)
	ctx := context.Background()
	workspace := fixture.mustWorkspace(t, "owner", map[string]Role{"admin": RoleAdmin})
	fixture.mustDocument(t, workspace.ID, "doc-1", "owner", documents.AccessInherited)
	fixture.mustUser(t, "guest", "guest@example.com")
	if _, err := fixture.service.ShareDocument(ctx, "owner", "doc-1", PrincipalUser, "guest", RoleViewer); err != nil {
		t.Fatalf("share failed: %v", err)
	}

	if _, err := fixture.service.ChangeDocumentMemberRole(ctx, "admin", "doc-1", "guest", RoleOwner); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected admin to be unable to grant owner, got %v", err)
	}
	share, err := fixture.service.ChangeDocumentMemberRole(ctx, "admin", "doc-1", "guest", RoleCommenter)
	if err != nil || share.Role != RoleCommenter {
		t.Fatalf("expected commenter, got %+v err=%v", share, err)
	}

	members, err := fixture.service.ListDocumentMembers(ctx, "guest", "doc-1")
	if err != nil || len(members) != 1 {
		t.Fatalf("expected one member, got %d err=%v", len(members), err)
	}

	if err := fixture.service.RemoveDocumentMember(ctx, "admin", "doc-1", "guest"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := fixture.resolver.AssertRole(ctx, "doc-1", "guest", RoleViewer); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected removed guest to lose access, got %v", err)
	}
	if err := fixture.service.RemoveDocumentMember(ctx, "owner", "doc-1", "owner"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected owner self-removal to be rejected, got %v", err)
	}

	actions := fixture.auditActions(t, "doc-1")
	if len(actions) < 3 || actions[0] != audit.ActionShareRemoved || actions[1] != audit.ActionRoleChanged {
		t.Fatalf("unexpected audit trail %v", actions)
	}
}
