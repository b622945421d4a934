// Package httpapi exposes the REST permission surface, the websocket
// upgrade endpoint and the internal share-admin endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"scribe/collab/internal/access"
	"scribe/collab/internal/gateway"
	"scribe/collab/internal/perm"
	"scribe/collab/internal/store"
)

const syncTokenHeader = "x-collab-sync-token"

// PermissionStore is the slice of the data store the HTTP surface needs.
type PermissionStore interface {
	Ping(ctx context.Context) error
	WorkspaceExists(ctx context.Context, workspaceID string) (bool, error)
	WorkspaceRole(ctx context.Context, workspaceID, userID string) (perm.Role, bool, error)
	DocPublicSettings(ctx context.Context, workspaceID, docID string) (access.PublicSettings, bool, error)
	SetDocPublicSettings(ctx context.Context, workspaceID, docID string, settings access.PublicSettings) error
	UpsertDocGrant(ctx context.Context, grant store.DocGrant) error
	DeleteDocGrant(ctx context.Context, workspaceID, docID, userID string) error
	CreatePublicLink(ctx context.Context, workspaceID, docID, permission, password, createdBy string, expiresAt *time.Time) (store.PublicLink, error)
	ResolvePublicLink(ctx context.Context, token, password string) (perm.Permission, bool, error)
	RevokePublicLink(ctx context.Context, linkID string) error
}

// SnapshotSaver accepts compacted snapshots from the merge engine.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, workspaceID, docID string, blob []byte) error
}

type Server struct {
	resolver       access.MaskResolver
	store          PermissionStore
	snapshots      SnapshotSaver
	gw             *gateway.Gateway
	metricsHandler http.Handler
	syncToken      string
	pingInterval   time.Duration
	pongWait       time.Duration
	maxPayload     int64
	upgrader       websocket.Upgrader
}

func NewServer(resolver access.MaskResolver, permStore PermissionStore, snapshots SnapshotSaver, gw *gateway.Gateway, metricsHandler http.Handler, syncToken string, pingInterval, pongWait time.Duration, maxPayload int64) *Server {
	return &Server{
		resolver:       resolver,
		store:          permStore,
		snapshots:      snapshots,
		gw:             gw,
		metricsHandler: metricsHandler,
		syncToken:      syncToken,
		pingInterval:   pingInterval,
		pongWait:       pongWait,
		maxPayload:     maxPayload,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/workspaces/{workspaceId}/docs/{docId}/permissions", s.handlePermissions).Methods(http.MethodGet)
	r.HandleFunc("/workspaces/{workspaceId}/docs/{docId}/grants/{userId}", s.withSyncToken(s.handleUpsertGrant)).Methods(http.MethodPut)
	r.HandleFunc("/workspaces/{workspaceId}/docs/{docId}/grants/{userId}", s.withSyncToken(s.handleDeleteGrant)).Methods(http.MethodDelete)
	r.HandleFunc("/workspaces/{workspaceId}/docs/{docId}/public", s.withSyncToken(s.handleSetPublic)).Methods(http.MethodPut)
	r.HandleFunc("/workspaces/{workspaceId}/docs/{docId}/links", s.withSyncToken(s.handleCreateLink)).Methods(http.MethodPost)
	r.HandleFunc("/links/{token}/resolve", s.handleResolveLink).Methods(http.MethodPost)
	r.HandleFunc("/links/{linkId}", s.withSyncToken(s.handleRevokeLink)).Methods(http.MethodDelete)
	r.HandleFunc("/internal/docs/{workspaceId}/{docId}/snapshot", s.withSyncToken(s.handleSaveSnapshot)).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":     false,
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ready"})
}

// handlePermissions serves the UI's capability lookup. userId comes from
// the upstream auth layer as a query parameter; absence means anonymous.
func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	workspaceID := vars["workspaceId"]
	docID := vars["docId"]
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))

	exists, err := s.store.WorkspaceExists(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "PERMISSION_STORE_UNAVAILABLE", "Permission store unavailable", nil)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "WORKSPACE_NOT_FOUND", "Workspace not found", nil)
		return
	}

	mask, err := s.resolver.EffectiveMask(r.Context(), workspaceID, docID, userID)
	if err != nil {
		// Deny: report no permissions rather than guessing.
		writeError(w, http.StatusServiceUnavailable, "PERMISSION_STORE_UNAVAILABLE", "Permission store unavailable", nil)
		return
	}

	role := ""
	if userID != "" {
		if r0, ok, roleErr := s.store.WorkspaceRole(r.Context(), workspaceID, userID); roleErr == nil && ok {
			role = string(r0)
		}
	}

	settings, _, err := s.store.DocPublicSettings(r.Context(), workspaceID, docID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "PERMISSION_STORE_UNAVAILABLE", "Permission store unavailable", nil)
		return
	}

	response := map[string]any{
		"success":       true,
		"permissions":   perm.MaskNames(mask),
		"effectiveMask": int(mask),
		"role":          role,
		"isPublic":      settings.IsPublic,
	}

	// Optional action check: ?action=edit answers "may this user edit".
	if action := strings.TrimSpace(r.URL.Query().Get("action")); action != "" {
		if !perm.KnownAction(action) {
			log.Printf("permissions: unknown action %q from caller, treating as read", action)
		}
		response["action"] = action
		response["allowed"] = perm.Has(mask, perm.ActionPermission(action))
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleUpsertGrant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		PermissionMask int    `json:"permissionMask"`
		GrantedBy      string `json:"grantedBy"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	grant := store.DocGrant{
		WorkspaceID:    vars["workspaceId"],
		DocID:          vars["docId"],
		UserID:         vars["userId"],
		PermissionMask: body.PermissionMask,
		GrantedBy:      body.GrantedBy,
	}
	if err := s.store.UpsertDocGrant(r.Context(), grant); err != nil {
		writeError(w, http.StatusInternalServerError, "GRANT_FAILED", "Failed to save grant", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDeleteGrant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.store.DeleteDocGrant(r.Context(), vars["workspaceId"], vars["docId"], vars["userId"]); err != nil {
		writeError(w, http.StatusInternalServerError, "GRANT_FAILED", "Failed to delete grant", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSetPublic(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		IsPublic         bool   `json:"isPublic"`
		PublicPermission string `json:"publicPermission"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.PublicPermission == "" {
		body.PublicPermission = access.PublicReadOnly
	}
	if body.PublicPermission != access.PublicReadOnly && body.PublicPermission != access.PublicAppendOnly {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "publicPermission must be read-only or append-only", nil)
		return
	}
	settings := access.PublicSettings{IsPublic: body.IsPublic, PublicPermission: body.PublicPermission}
	if err := s.store.SetDocPublicSettings(r.Context(), vars["workspaceId"], vars["docId"], settings); err != nil {
		writeError(w, http.StatusInternalServerError, "SETTINGS_FAILED", "Failed to save public settings", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		Permission string  `json:"permission"`
		Password   string  `json:"password"`
		ExpiresAt  *string `json:"expiresAt"`
		CreatedBy  string  `json:"createdBy"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Permission == "" {
		body.Permission = access.PublicReadOnly
	}

	var expiresAt *time.Time
	if body.ExpiresAt != nil && *body.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, *body.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid expiresAt format", nil)
			return
		}
		expiresAt = &t
	}

	link, err := s.store.CreatePublicLink(r.Context(), vars["workspaceId"], vars["docId"], body.Permission, body.Password, body.CreatedBy, expiresAt)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "LINK_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"id":         link.ID,
		"token":      link.Token,
		"docId":      link.DocID,
		"permission": link.Permission,
		"expiresAt":  link.ExpiresAt,
		"createdAt":  link.CreatedAt,
	})
}

func (s *Server) handleResolveLink(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	var body struct {
		Password string `json:"password"`
	}
	_ = decodeBody(r, &body)

	mask, ok, err := s.store.ResolvePublicLink(r.Context(), token, body.Password)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "PERMISSION_STORE_UNAVAILABLE", "Permission store unavailable", nil)
		return
	}
	if !ok {
		// Unknown, revoked, expired and wrong-password all look the same.
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Link not found or expired", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"permissions":   perm.MaskNames(mask),
		"effectiveMask": int(mask),
	})
}

func (s *Server) handleRevokeLink(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RevokePublicLink(r.Context(), mux.Vars(r)["linkId"]); err != nil {
		writeError(w, http.StatusInternalServerError, "LINK_FAILED", "Failed to revoke link", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, http.StatusNotImplemented, "SNAPSHOTS_DISABLED", "Snapshot storage not configured", nil)
		return
	}
	vars := mux.Vars(r)
	blob, err := io.ReadAll(io.LimitReader(r.Body, s.maxPayload))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Failed to read snapshot body", nil)
		return
	}
	if err := s.snapshots.SaveSnapshot(r.Context(), vars["workspaceId"], vars["docId"], blob); err != nil {
		writeError(w, http.StatusInternalServerError, "SNAPSHOT_FAILED", "Failed to save snapshot", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleWebSocket upgrades the connection and hands it to the gateway.
// userId is trusted from the upstream auth proxy; absence is anonymous.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	connID := uuid.NewString()
	client := gateway.NewClient(connID, userID, conn, s.gw, s.pingInterval, s.pongWait)
	s.gw.Connect(connID, userID, client)

	go client.WritePump()
	go client.ReadPump(context.Background(), s.maxPayload)
}

func (s *Server) withSyncToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get(syncTokenHeader))
		if token == "" || token != s.syncToken {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
