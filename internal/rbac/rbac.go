// Package rbac defines the document role lattice and the actions each role may perform.
package rbac

import "strings"

type Role string
type Action string

const (
	RoleNone   Role = "NONE"
	RoleGuest  Role = "GUEST"
	RoleViewer Role = "VIEWER"
	RoleEditor Role = "EDITOR"
	RoleOwner  Role = "OWNER"
)

const (
	ActionRead   Action = "READ"
	ActionWrite  Action = "WRITE"
	ActionShare  Action = "SHARE"
	ActionDelete Action = "DELETE"
)

// rank is the explicit total order over roles. Unknown roles rank with NONE.
var rank = map[Role]int{
	RoleNone:   0,
	RoleGuest:  1,
	RoleViewer: 2,
	RoleEditor: 3,
	RoleOwner:  4,
}

// Roles lists every role from lowest to highest.
func Roles() []Role {
	return []Role{RoleNone, RoleGuest, RoleViewer, RoleEditor, RoleOwner}
}

func (r Role) rank() int {
	return rank[r]
}

// Valid reports whether r is one of the five known roles.
func (r Role) Valid() bool {
	_, ok := rank[r]
	return ok
}

// AtLeast reports whether r ranks at or above other.
func (r Role) AtLeast(other Role) bool {
	return r.rank() >= other.rank()
}

// HigherRole returns whichever role ranks higher. Ties return a.
func HigherRole(a, b Role) Role {
	if b.rank() > a.rank() {
		return b
	}
	if !a.Valid() {
		return RoleNone
	}
	return a
}

func Can(role Role, action Action) bool {
	switch action {
	case ActionDelete, ActionShare:
		return role == RoleOwner
	case ActionWrite:
		return role == RoleOwner || role == RoleEditor
	case ActionRead:
		return role == RoleOwner || role == RoleEditor || role == RoleViewer || role == RoleGuest
	default:
		return false
	}
}

// ParseRole maps case-insensitive input onto a known role.
func ParseRole(value string) (Role, bool) {
	role := Role(strings.ToUpper(strings.TrimSpace(value)))
	if !role.Valid() {
		return RoleNone, false
	}
	return role, true
}

// ParseAction maps case-insensitive input onto a known action.
func ParseAction(value string) (Action, bool) {
	action := Action(strings.ToUpper(strings.TrimSpace(value)))
	switch action {
	case ActionRead, ActionWrite, ActionShare, ActionDelete:
		return action, true
	default:
		return "", false
	}
}

// Normalize returns the parsed role, or NONE when the value is unknown.
func Normalize(role string) Role {
	parsed, _ := ParseRole(role)
	return parsed
}
