package store

import "time"

// DocGrant is an explicit per-document permission override. At most one
// active grant exists per (workspace, document, user), enforced by the
// table's primary key.
type DocGrant struct {
	WorkspaceID    string
	DocID          string
	UserID         string
	PermissionMask int
	GrantedBy      string
	GrantedAt      time.Time
}

// PublicLink is a token-addressed share link for a single document. A
// link carries its own public permission level and optionally a bcrypt
// password hash and an expiry.
type PublicLink struct {
	ID             string
	Token          string
	WorkspaceID    string
	DocID          string
	Permission     string // "read-only" or "append-only"
	PasswordHash   *string
	CreatedBy      string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	RevokedAt      *time.Time
	AccessCount    int
	LastAccessedAt *time.Time
}
