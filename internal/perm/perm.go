// Package perm defines the capability bit flags and the fixed role and
// action tables used to build permission masks.
package perm

import "strings"

// Permission is a capability bit. A mask is the bitwise OR of the
// permissions a principal holds.
type Permission int

const (
	Read Permission = 1 << iota
	Comment
	Add
	Modify
	Delete
	Export
	Share
	Invite
	Manage
)

// None is the empty mask.
const None Permission = 0

type Role string

const (
	RoleOwner        Role = "owner"
	RoleAdmin        Role = "admin"
	RoleCollaborator Role = "collaborator"
	RoleExternal     Role = "external"
)

// NormalizeRole parses a stored role string. Unknown strings report false
// so a corrupt role record degrades to "no workspace-level grant" instead
// of granting anything.
func NormalizeRole(role string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(role))) {
	case RoleOwner:
		return RoleOwner, true
	case RoleAdmin:
		return RoleAdmin, true
	case RoleCollaborator:
		return RoleCollaborator, true
	case RoleExternal:
		return RoleExternal, true
	default:
		return "", false
	}
}

// RoleMask returns the mask a workspace role derives.
func RoleMask(role Role) Permission {
	switch role {
	case RoleOwner, RoleAdmin:
		return Read | Comment | Add | Modify | Delete | Export | Share | Invite | Manage
	case RoleCollaborator:
		return Read | Comment | Add | Modify | Export
	case RoleExternal:
		return Read
	default:
		return None
	}
}

// Has reports whether the p bit is set in mask.
func Has(mask, p Permission) bool {
	return mask&p == p
}

// HasAny reports whether at least one bit of p is set in mask.
func HasAny(mask, p Permission) bool {
	return mask&p != 0
}

// ActionPermission maps a free-form action string to a permission bit,
// case-insensitively. Unrecognized actions map to Read; callers today send
// free-form names and Read is the least privilege in the table, so we fail
// open to the weakest bit rather than reject. Callers should log unknown
// actions to surface bugs.
func ActionPermission(action string) Permission {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "read", "view", "load":
		return Read
	case "comment":
		return Comment
	case "add", "create", "append":
		return Add
	case "modify", "edit", "update", "write":
		return Modify
	case "delete", "remove":
		return Delete
	case "export", "download":
		return Export
	case "share":
		return Share
	case "invite":
		return Invite
	case "manage", "admin":
		return Manage
	default:
		return Read
	}
}

// KnownAction reports whether the action string maps to a permission
// without falling through the Read default.
func KnownAction(action string) bool {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "read", "view", "load", "comment", "add", "create", "append",
		"modify", "edit", "update", "write", "delete", "remove",
		"export", "download", "share", "invite", "manage", "admin":
		return true
	default:
		return false
	}
}

var names = []struct {
	p    Permission
	name string
}{
	{Read, "read"},
	{Comment, "comment"},
	{Add, "add"},
	{Modify, "modify"},
	{Delete, "delete"},
	{Export, "export"},
	{Share, "share"},
	{Invite, "invite"},
	{Manage, "manage"},
}

// Name returns the canonical lower-case name of a single permission bit.
func (p Permission) Name() string {
	for _, n := range names {
		if n.p == p {
			return n.name
		}
	}
	return "unknown"
}

// MaskNames expands a mask into action-name → held, one entry per known
// bit. Used by the REST permissions endpoint.
func MaskNames(mask Permission) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n.name] = mask&n.p != 0
	}
	return out
}
