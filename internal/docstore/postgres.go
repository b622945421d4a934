package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Postgres implements Store with the documents and doc_updates tables.
// snapshots may be nil, in which case LoadDoc serves the full update log.
type Postgres struct {
	db        *sql.DB
	snapshots *Snapshots
}

func NewPostgres(db *sql.DB, snapshots *Snapshots) *Postgres {
	return &Postgres{db: db, snapshots: snapshots}
}

func (s *Postgres) docRow(ctx context.Context, workspaceID, docID string) (snapshotSeq int64, updatedAt time.Time, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT snapshot_seq, updated_at FROM documents
		WHERE workspace_id = $1 AND id = $2
	`, workspaceID, docID).Scan(&snapshotSeq, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, ErrDocNotFound
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("load document row: %w", err)
	}
	return snapshotSeq, updatedAt, nil
}

func (s *Postgres) LoadDoc(ctx context.Context, workspaceID, docID string) (Doc, error) {
	snapshotSeq, updatedAt, err := s.docRow(ctx, workspaceID, docID)
	if err != nil {
		return Doc{}, err
	}

	doc := Doc{UpdatedAt: updatedAt}

	if s.snapshots != nil {
		blob, err := s.snapshots.Get(ctx, workspaceID, docID)
		if err != nil {
			return Doc{}, err
		}
		doc.Snapshot = blob
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM doc_updates
		WHERE workspace_id = $1 AND doc_id = $2 AND seq > $3
		ORDER BY seq
	`, workspaceID, docID, snapshotSeq)
	if err != nil {
		return Doc{}, fmt.Errorf("load doc updates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return Doc{}, fmt.Errorf("scan doc update: %w", err)
		}
		doc.Updates = append(doc.Updates, payload)
	}
	if err := rows.Err(); err != nil {
		return Doc{}, fmt.Errorf("iterate doc updates: %w", err)
	}
	return doc, nil
}

func (s *Postgres) PushUpdate(ctx context.Context, workspaceID, docID string, update []byte) error {
	if _, _, err := s.docRow(ctx, workspaceID, docID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO doc_updates (workspace_id, doc_id, payload)
		VALUES ($1, $2, $3)
	`, workspaceID, docID, update)
	if err != nil {
		return fmt.Errorf("insert doc update: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE documents SET updated_at = NOW()
		WHERE workspace_id = $1 AND id = $2
	`, workspaceID, docID)
	if err != nil {
		return fmt.Errorf("stamp document: %w", err)
	}
	return nil
}

// DeleteDoc removes the document row and its update log in one
// transaction, so a failure cannot leave orphaned update rows behind.
func (s *Postgres) DeleteDoc(ctx context.Context, workspaceID, docID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete doc: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM documents WHERE workspace_id = $1 AND id = $2
	`, workspaceID, docID)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete document: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		_ = tx.Rollback()
		return ErrDocNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM doc_updates WHERE workspace_id = $1 AND doc_id = $2
	`, workspaceID, docID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete doc updates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete doc: %w", err)
	}

	if s.snapshots != nil {
		if err := s.snapshots.Remove(ctx, workspaceID, docID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) Timestamps(ctx context.Context, workspaceID string) (map[string]time.Time, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM workspaces WHERE id = $1)`, workspaceID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check workspace: %w", err)
	}
	if !exists {
		return nil, ErrWorkspaceNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, updated_at FROM documents WHERE workspace_id = $1
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load doc timestamps: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var updatedAt time.Time
		if err := rows.Scan(&id, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan doc timestamp: %w", err)
		}
		out[id] = updatedAt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate doc timestamps: %w", err)
	}
	return out, nil
}

// SaveSnapshot stores a compacted snapshot produced by the merge engine
// and advances snapshot_seq so already-compacted updates stop being served
// to late joiners.
func (s *Postgres) SaveSnapshot(ctx context.Context, workspaceID, docID string, blob []byte) error {
	if _, _, err := s.docRow(ctx, workspaceID, docID); err != nil {
		return err
	}
	if s.snapshots == nil {
		return errors.New("snapshot storage not configured")
	}
	if err := s.snapshots.Put(ctx, workspaceID, docID, blob); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET snapshot_seq = COALESCE((SELECT MAX(seq) FROM doc_updates WHERE workspace_id = $1 AND doc_id = $2), snapshot_seq)
		WHERE workspace_id = $1 AND id = $2
	`, workspaceID, docID)
	if err != nil {
		return fmt.Errorf("advance snapshot seq: %w", err)
	}
	return nil
}
