package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"scribe/collab/internal/access"
	"scribe/collab/internal/perm"
	"scribe/collab/internal/util"
)

// PostgresStore implements the access-package store interfaces plus the
// admin surface for grants, public settings and public links.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WorkspaceExists reports whether the workspace row is present.
func (s *PostgresStore) WorkspaceExists(ctx context.Context, workspaceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM workspaces WHERE id = $1)`, workspaceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check workspace: %w", err)
	}
	return exists, nil
}

// WorkspaceRole returns the user's role in the workspace. A missing
// membership row, or a row carrying a role string we no longer recognize,
// reports (_, false, nil).
func (s *PostgresStore) WorkspaceRole(ctx context.Context, workspaceID, userID string) (perm.Role, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM workspace_members
		WHERE workspace_id = $1 AND user_id = $2
	`, workspaceID, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read workspace role: %w", err)
	}
	role, ok := perm.NormalizeRole(raw)
	return role, ok, nil
}

// DocGrant returns the per-document override mask for the user.
func (s *PostgresStore) DocGrant(ctx context.Context, workspaceID, docID, userID string) (perm.Permission, bool, error) {
	var mask int
	err := s.db.QueryRowContext(ctx, `
		SELECT permission_mask FROM doc_grants
		WHERE workspace_id = $1 AND doc_id = $2 AND user_id = $3
	`, workspaceID, docID, userID).Scan(&mask)
	if errors.Is(err, sql.ErrNoRows) {
		return perm.None, false, nil
	}
	if err != nil {
		return perm.None, false, fmt.Errorf("read doc grant: %w", err)
	}
	return perm.Permission(mask), true, nil
}

// UpsertDocGrant creates or replaces the single active grant for the
// (workspace, document, user) triple.
func (s *PostgresStore) UpsertDocGrant(ctx context.Context, grant DocGrant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO doc_grants (workspace_id, doc_id, user_id, permission_mask, granted_by, granted_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (workspace_id, doc_id, user_id)
		DO UPDATE SET permission_mask = EXCLUDED.permission_mask, granted_by = EXCLUDED.granted_by, granted_at = NOW()
	`, grant.WorkspaceID, grant.DocID, grant.UserID, grant.PermissionMask, grant.GrantedBy)
	if err != nil {
		return fmt.Errorf("upsert doc grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocGrant(ctx context.Context, workspaceID, docID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM doc_grants
		WHERE workspace_id = $1 AND doc_id = $2 AND user_id = $3
	`, workspaceID, docID, userID)
	if err != nil {
		return fmt.Errorf("delete doc grant: %w", err)
	}
	return nil
}

// DocPublicSettings returns the public-share settings for a document.
func (s *PostgresStore) DocPublicSettings(ctx context.Context, workspaceID, docID string) (access.PublicSettings, bool, error) {
	var settings access.PublicSettings
	err := s.db.QueryRowContext(ctx, `
		SELECT is_public, public_permission FROM doc_public_settings
		WHERE workspace_id = $1 AND doc_id = $2
	`, workspaceID, docID).Scan(&settings.IsPublic, &settings.PublicPermission)
	if errors.Is(err, sql.ErrNoRows) {
		return access.PublicSettings{}, false, nil
	}
	if err != nil {
		return access.PublicSettings{}, false, fmt.Errorf("read public settings: %w", err)
	}
	return settings, true, nil
}

func (s *PostgresStore) SetDocPublicSettings(ctx context.Context, workspaceID, docID string, settings access.PublicSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO doc_public_settings (workspace_id, doc_id, is_public, public_permission)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, doc_id)
		DO UPDATE SET is_public = EXCLUDED.is_public, public_permission = EXCLUDED.public_permission
	`, workspaceID, docID, settings.IsPublic, settings.PublicPermission)
	if err != nil {
		return fmt.Errorf("set public settings: %w", err)
	}
	return nil
}

// CreatePublicLink mints a share link. password may be empty; expiresAt
// may be nil for a link that never expires.
func (s *PostgresStore) CreatePublicLink(ctx context.Context, workspaceID, docID, permission, password, createdBy string, expiresAt *time.Time) (PublicLink, error) {
	if permission != access.PublicReadOnly && permission != access.PublicAppendOnly {
		return PublicLink{}, fmt.Errorf("invalid link permission %q", permission)
	}

	link := PublicLink{
		Token:       util.NewID("lnk"),
		WorkspaceID: workspaceID,
		DocID:       docID,
		Permission:  permission,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now(),
		ExpiresAt:   expiresAt,
	}

	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return PublicLink{}, fmt.Errorf("hash link password: %w", err)
		}
		h := string(hash)
		link.PasswordHash = &h
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO public_links (token, workspace_id, doc_id, permission, password_hash, created_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, link.Token, link.WorkspaceID, link.DocID, link.Permission, link.PasswordHash, link.CreatedBy, link.ExpiresAt).Scan(&link.ID)
	if err != nil {
		return PublicLink{}, fmt.Errorf("insert public link: %w", err)
	}
	return link, nil
}

// ResolvePublicLink validates a link token (and password, if the link has
// one) and returns the baseline mask it grants. An unknown, revoked or
// expired token, or a wrong password, reports (0, false, nil) so callers
// cannot distinguish why access was refused.
func (s *PostgresStore) ResolvePublicLink(ctx context.Context, token, password string) (perm.Permission, bool, error) {
	var (
		id         string
		permission string
		hash       *string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, permission, password_hash FROM public_links
		WHERE token = $1
			AND revoked_at IS NULL
			AND (expires_at IS NULL OR expires_at > NOW())
	`, token).Scan(&id, &permission, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return perm.None, false, nil
	}
	if err != nil {
		return perm.None, false, fmt.Errorf("read public link: %w", err)
	}

	if hash != nil {
		if bcrypt.CompareHashAndPassword([]byte(*hash), []byte(password)) != nil {
			return perm.None, false, nil
		}
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE public_links
		SET access_count = access_count + 1, last_accessed_at = NOW()
		WHERE id = $1
	`, id); err != nil {
		return perm.None, false, fmt.Errorf("record link access: %w", err)
	}

	settings := access.PublicSettings{IsPublic: true, PublicPermission: permission}
	return settings.Mask(), true, nil
}

func (s *PostgresStore) RevokePublicLink(ctx context.Context, linkID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE public_links SET revoked_at = NOW() WHERE id = $1
	`, linkID)
	if err != nil {
		return fmt.Errorf("revoke public link: %w", err)
	}
	return nil
}
