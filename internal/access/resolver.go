// Package access resolves the effective permission mask for a
// (workspace, document, user) triple from the role, grant and
// public-settings stores.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scribe/collab/internal/perm"
)

// ErrStoreUnavailable wraps any store lookup failure during resolution.
// Callers must treat it as deny, never as allow.
var ErrStoreUnavailable = errors.New("permission store unavailable")

// Public permission levels for documents shared without authentication.
const (
	PublicReadOnly   = "read-only"
	PublicAppendOnly = "append-only"
)

// PublicSettings is the per-document public-share record.
type PublicSettings struct {
	IsPublic         bool
	PublicPermission string
}

// Mask returns the baseline mask the settings grant to any caller.
func (s PublicSettings) Mask() perm.Permission {
	if !s.IsPublic {
		return perm.None
	}
	mask := perm.Read
	if s.PublicPermission == PublicAppendOnly {
		mask |= perm.Add
	}
	return mask
}

// RoleStore reads the workspace role of a user. Absence of a role record
// is (zero, false, nil), not an error.
type RoleStore interface {
	WorkspaceRole(ctx context.Context, workspaceID, userID string) (perm.Role, bool, error)
}

// GrantStore reads the per-document permission override for a user.
type GrantStore interface {
	DocGrant(ctx context.Context, workspaceID, docID, userID string) (perm.Permission, bool, error)
}

// PublicSettingsStore reads the per-document public-share settings.
type PublicSettingsStore interface {
	DocPublicSettings(ctx context.Context, workspaceID, docID string) (PublicSettings, bool, error)
}

// MaskResolver is the surface consumed by the gateway and the HTTP API.
type MaskResolver interface {
	EffectiveMask(ctx context.Context, workspaceID, docID, userID string) (perm.Permission, error)
}

// Resolver combines the three permission sources into one effective mask.
// It holds no locks and may block on store I/O; callers must not invoke it
// while holding session or room locks.
type Resolver struct {
	roles   RoleStore
	grants  GrantStore
	public  PublicSettingsStore
	timeout time.Duration
}

// NewResolver builds a resolver. timeout bounds each resolution; zero
// means no bound beyond the caller's context.
func NewResolver(roles RoleStore, grants GrantStore, public PublicSettingsStore, timeout time.Duration) *Resolver {
	return &Resolver{roles: roles, grants: grants, public: public, timeout: timeout}
}

// EffectiveMask computes the mask for (workspaceID, docID, userID).
//
// Order: public baseline, then role-derived mask (replaces the baseline),
// then per-document grant (replaces wholesale). An empty userID is an
// anonymous caller and stops after the baseline. Missing records are never
// errors; a failed lookup yields ErrStoreUnavailable.
func (r *Resolver) EffectiveMask(ctx context.Context, workspaceID, docID, userID string) (perm.Permission, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	settings, _, err := r.public.DocPublicSettings(ctx, workspaceID, docID)
	if err != nil {
		return perm.None, unavailable("load public settings", err)
	}
	mask := settings.Mask()

	if userID == "" {
		return mask, nil
	}

	role, hasRole, err := r.roles.WorkspaceRole(ctx, workspaceID, userID)
	if err != nil {
		return perm.None, unavailable("load workspace role", err)
	}
	if hasRole {
		mask = perm.RoleMask(role)
	}

	grant, hasGrant, err := r.grants.DocGrant(ctx, workspaceID, docID, userID)
	if err != nil {
		return perm.None, unavailable("load doc grant", err)
	}
	if hasGrant {
		mask = grant
	}

	return mask, nil
}

// Allowed resolves the mask and tests the required bits. need may carry
// several bits; holding any one of them is enough.
func (r *Resolver) Allowed(ctx context.Context, workspaceID, docID, userID string, need perm.Permission) (bool, error) {
	mask, err := r.EffectiveMask(ctx, workspaceID, docID, userID)
	if err != nil {
		return false, err
	}
	return perm.HasAny(mask, need), nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s (%v): %w", op, err, ErrStoreUnavailable)
}
