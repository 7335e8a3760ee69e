package permissions

import (
	"strings"

	"github.com/NaumSimi11/md-mindmap-sub000/internal/domain"
)

// Role is a workspace or document role. RoleNone means no access.
type Role string

const (
	RoleNone      Role = ""
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
	RoleOwner     Role = "owner"
)

// roleRank is the single source of role ordering. Commenter exists only on documents.
var roleRank = map[Role]int{
	RoleNone:      0,
	RoleViewer:    1,
	RoleCommenter: 2,
	RoleEditor:    3,
	RoleAdmin:     4,
	RoleOwner:     5,
}

var workspaceRoles = map[Role]struct{}{
	RoleViewer: {},
	RoleEditor: {},
	RoleAdmin:  {},
	RoleOwner:  {},
}

func (r Role) Rank() int {
	return roleRank[r]
}

// AtLeast reports whether r satisfies the minimum role.
func (r Role) AtLeast(minimum Role) bool {
	return r != RoleNone && r.Rank() >= minimum.Rank()
}

func (r Role) String() string {
	return string(r)
}

// MaxRole returns the higher of two roles.
func MaxRole(left, right Role) Role {
	if right.Rank() > left.Rank() {
		return right
	}
	return left
}

// ParseRole validates a document role.
func ParseRole(value string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := roleRank[role]; !ok || role == RoleNone {
		return RoleNone, domain.Invalid("Invalid role %q", value)
	}
	return role, nil
}

// ParseWorkspaceRole validates a workspace role; commenter is not one.
func ParseWorkspaceRole(value string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := workspaceRoles[role]; !ok {
		return RoleNone, domain.Invalid("Invalid workspace role %q", value)
	}
	return role, nil
}
