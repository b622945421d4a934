// Package docstore persists document content for the collaboration
// gateway: an append-only update log in Postgres and compacted snapshots
// in object storage. Update payloads are opaque to this layer.
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDocNotFound       = errors.New("document not found")
	ErrWorkspaceNotFound = errors.New("workspace not found")
)

// Doc is what a late joiner needs to catch up: the latest compacted
// snapshot (may be empty) plus every update pushed after it.
type Doc struct {
	Snapshot  []byte
	Updates   [][]byte
	UpdatedAt time.Time
}

// Store is the document content surface the gateway consumes.
type Store interface {
	// LoadDoc returns the snapshot and pending updates for a document.
	LoadDoc(ctx context.Context, workspaceID, docID string) (Doc, error)
	// PushUpdate appends an opaque update blob to the document's log.
	PushUpdate(ctx context.Context, workspaceID, docID string, update []byte) error
	// DeleteDoc removes the document's log, metadata and snapshot.
	DeleteDoc(ctx context.Context, workspaceID, docID string) error
	// Timestamps returns docID -> last update time for a workspace.
	Timestamps(ctx context.Context, workspaceID string) (map[string]time.Time, error)
}
