// Package gateway implements the collaboration protocol state machine:
// it validates inbound events, gates them on resolved permissions and
// drives the session registry and room broadcaster.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"slices"
	"sync"

	"scribe/collab/internal/access"
	"scribe/collab/internal/docstore"
	"scribe/collab/internal/perm"
	"scribe/collab/internal/registry"
	"scribe/collab/internal/room"
)

// Gateway dispatches protocol events. Permission resolution happens
// before any registry or room mutation, and never while a session or room
// lock is held.
type Gateway struct {
	registry *registry.Registry
	rooms    *room.Broadcaster
	resolver access.MaskResolver
	docs     docstore.Store

	mu      sync.Mutex
	closers map[string]io.Closer
}

func New(reg *registry.Registry, rooms *room.Broadcaster, resolver access.MaskResolver, docs docstore.Store) *Gateway {
	return &Gateway{
		registry: reg,
		rooms:    rooms,
		resolver: resolver,
		docs:     docs,
		closers:  make(map[string]io.Closer),
	}
}

// Registry exposes the session registry for the sweeper.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Rooms exposes the broadcaster for the sweeper's stats.
func (g *Gateway) Rooms() *room.Broadcaster { return g.rooms }

// Connect registers a session for a new connection. closer, when not nil,
// lets Evict tear the transport down; tests pass nil.
func (g *Gateway) Connect(connID, userID string, closer io.Closer) registry.Session {
	sess := g.registry.Connect(connID, userID)
	if closer != nil {
		g.mu.Lock()
		g.closers[connID] = closer
		g.mu.Unlock()
	}
	return sess
}

// Disconnect removes the session and leaves every room it was in. Safe to
// call more than once; the cleanup runs only for a live session.
func (g *Gateway) Disconnect(connID string) {
	g.mu.Lock()
	delete(g.closers, connID)
	g.mu.Unlock()

	rooms, err := g.registry.Disconnect(connID)
	if err != nil {
		return
	}
	g.rooms.LeaveAll(connID, rooms)
}

// Evict force-disconnects a stale connection: same cleanup as an explicit
// disconnect, plus closing the transport so the read loop unwinds.
func (g *Gateway) Evict(connID string) {
	g.mu.Lock()
	closer := g.closers[connID]
	g.mu.Unlock()

	g.Disconnect(connID)
	if closer != nil {
		_ = closer.Close()
	}
}

// Touch stamps session liveness, for transport-level pongs.
func (g *Gateway) Touch(connID string) {
	_ = g.registry.Touch(connID)
}

// HandleEvent processes one inbound envelope for the sending connection
// and returns the acknowledgement. A failing permission or field check
// short-circuits with no state mutated.
func (g *Gateway) HandleEvent(ctx context.Context, sender room.Sender, env Envelope) Ack {
	kind, ok := ParseEvent(env.Event)
	if !ok {
		return errAck(env.Seq, errUnknownEvent(env.Event))
	}

	connID := sender.ID()
	sess, err := g.registry.Get(connID)
	if err != nil {
		return errAck(env.Seq, errUnknownSession())
	}
	_ = g.registry.Touch(connID)

	var p payload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return errAck(env.Seq, errMissingField("payload"))
		}
	}
	if p.SpaceID == "" {
		return errAck(env.Seq, errMissingField("spaceId"))
	}

	data, gwErr := g.dispatch(ctx, kind, sender, sess, p)
	if gwErr != nil {
		return errAck(env.Seq, gwErr)
	}
	return okAck(env.Seq, data)
}

func (g *Gateway) dispatch(ctx context.Context, kind EventKind, sender room.Sender, sess registry.Session, p payload) (any, *Error) {
	switch kind {
	case EventSpaceJoin:
		return g.handleJoin(ctx, sender, sess, p)
	case EventSpaceLeave:
		return g.handleLeaveSpace(sender, sess, p)
	case EventLoadDoc:
		return g.handleLoadDoc(ctx, sess, p)
	case EventPushDocUpdate:
		return g.handlePushUpdate(ctx, sender, sess, p)
	case EventDeleteDoc:
		return g.handleDeleteDoc(ctx, sender, sess, p)
	case EventLoadDocTimestamps:
		return g.handleTimestamps(ctx, sess, p)
	case EventJoinAwareness:
		return g.handleJoinAwareness(ctx, sender, sess, p)
	case EventLoadAwarenesses:
		return g.handleLoadAwarenesses(ctx, sender, sess, p)
	case EventUpdateAwareness:
		return g.handleUpdateAwareness(ctx, sender, sess, p)
	case EventLeaveAwareness:
		return g.handleLeave(sender, p)
	default:
		// The switch covers every EventKind; reaching here is a bug.
		log.Printf("gateway: unhandled event kind %d", kind)
		return nil, errInternal()
	}
}

// authorize resolves the caller's mask and requires at least one of the
// need bits. Resolution failures deny with PermissionStoreUnavailable.
func (g *Gateway) authorize(ctx context.Context, sess registry.Session, workspaceID, docID string, need perm.Permission, what string) *Error {
	mask, err := g.resolver.EffectiveMask(ctx, workspaceID, docID, sess.UserID)
	if err != nil {
		log.Printf("gateway: permission resolution for conn %s failed, denying: %v", sess.ConnID, err)
		return errStoreUnavailable()
	}
	if !perm.HasAny(mask, need) {
		return errPermissionDenied(what)
	}
	return nil
}

func joined(sess registry.Session, spaceID string) bool {
	return slices.Contains(sess.Rooms, spaceID)
}

func (g *Gateway) handleJoin(ctx context.Context, sender room.Sender, sess registry.Session, p payload) (any, *Error) {
	if gwErr := g.authorize(ctx, sess, p.SpaceID, p.DocID, perm.Read, "read space "+p.SpaceID); gwErr != nil {
		return nil, gwErr
	}
	if _, err := g.registry.JoinSpace(sess.ConnID, p.SpaceID, p.DocID); err != nil {
		return nil, errUnknownSession()
	}
	return g.joinRoom(sender, sess, p.SpaceID)
}

// handleJoinAwareness joins the room without touching the session's space
// affiliation; awareness joins to a second space must not re-affiliate.
func (g *Gateway) handleJoinAwareness(ctx context.Context, sender room.Sender, sess registry.Session, p payload) (any, *Error) {
	if gwErr := g.authorize(ctx, sess, p.SpaceID, p.DocID, perm.Read, "read space "+p.SpaceID); gwErr != nil {
		return nil, gwErr
	}
	return g.joinRoom(sender, sess, p.SpaceID)
}

// joinRoom adds the connection to the room and records the membership on
// the session. If the session was evicted while joining, the room add is
// undone so the broadcaster never holds a connection the registry has
// already forgotten.
func (g *Gateway) joinRoom(sender room.Sender, sess registry.Session, spaceID string) (any, *Error) {
	n := g.rooms.Join(spaceID, sender)
	if err := g.registry.TrackRoom(sess.ConnID, spaceID); err != nil {
		g.rooms.Leave(spaceID, sender.ID())
		return nil, errUnknownSession()
	}
	return map[string]any{"memberCount": n}, nil
}

func (g *Gateway) handleLeave(sender room.Sender, p payload) (any, *Error) {
	g.rooms.Leave(p.SpaceID, sender.ID())
	_ = g.registry.UntrackRoom(sender.ID(), p.SpaceID)
	return map[string]any{"left": true}, nil
}

// handleLeaveSpace additionally clears the session's space affiliation when
// the left space is the one the session is affiliated with. The session
// stays connected and may join another space.
func (g *Gateway) handleLeaveSpace(sender room.Sender, sess registry.Session, p payload) (any, *Error) {
	data, gwErr := g.handleLeave(sender, p)
	if gwErr == nil && sess.WorkspaceID == p.SpaceID {
		_ = g.registry.LeaveSpace(sender.ID())
	}
	return data, gwErr
}

func (g *Gateway) handleLoadDoc(ctx context.Context, sess registry.Session, p payload) (any, *Error) {
	if p.DocID == "" {
		return nil, errMissingField("docId")
	}
	if !joined(sess, p.SpaceID) {
		return nil, errNotJoined(p.SpaceID)
	}
	if gwErr := g.authorize(ctx, sess, p.SpaceID, p.DocID, perm.Read, "read doc "+p.DocID); gwErr != nil {
		return nil, gwErr
	}
	doc, err := g.docs.LoadDoc(ctx, p.SpaceID, p.DocID)
	if err != nil {
		return nil, mapDocErr(err, p)
	}
	return map[string]any{
		"snapshot":  doc.Snapshot,
		"updates":   doc.Updates,
		"updatedAt": doc.UpdatedAt,
	}, nil
}

func (g *Gateway) handlePushUpdate(ctx context.Context, sender room.Sender, sess registry.Session, p payload) (any, *Error) {
	if p.DocID == "" {
		return nil, errMissingField("docId")
	}
	if len(p.Update) == 0 {
		return nil, errMissingField("update")
	}
	if !joined(sess, p.SpaceID) {
		return nil, errNotJoined(p.SpaceID)
	}
	if gwErr := g.authorize(ctx, sess, p.SpaceID, p.DocID, perm.Add|perm.Modify, "update doc "+p.DocID); gwErr != nil {
		return nil, gwErr
	}
	if err := g.docs.PushUpdate(ctx, p.SpaceID, p.DocID, p.Update); err != nil {
		return nil, mapDocErr(err, p)
	}
	g.rooms.Broadcast(p.SpaceID, PushDocUpdate, map[string]any{
		"docId":  p.DocID,
		"update": p.Update,
	}, sender.ID())
	return map[string]any{"accepted": true}, nil
}

func (g *Gateway) handleDeleteDoc(ctx context.Context, sender room.Sender, sess registry.Session, p payload) (any, *Error) {
	if p.DocID == "" {
		return nil, errMissingField("docId")
	}
	if !joined(sess, p.SpaceID) {
		return nil, errNotJoined(p.SpaceID)
	}
	if gwErr := g.authorize(ctx, sess, p.SpaceID, p.DocID, perm.Delete, "delete doc "+p.DocID); gwErr != nil {
		return nil, gwErr
	}
	if err := g.docs.DeleteDoc(ctx, p.SpaceID, p.DocID); err != nil {
		return nil, mapDocErr(err, p)
	}
	g.rooms.Broadcast(p.SpaceID, PushDocDeleted, map[string]any{"docId": p.DocID}, sender.ID())
	return map[string]any{"deleted": true}, nil
}

func (g *Gateway) handleTimestamps(ctx context.Context, sess registry.Session, p payload) (any, *Error) {
	if !joined(sess, p.SpaceID) {
		return nil, errNotJoined(p.SpaceID)
	}
	if gwErr := g.authorize(ctx, sess, p.SpaceID, "", perm.Read, "read space "+p.SpaceID); gwErr != nil {
		return nil, gwErr
	}
	stamps, err := g.docs.Timestamps(ctx, p.SpaceID)
	if err != nil {
		return nil, mapDocErr(err, p)
	}
	return map[string]any{"timestamps": stamps}, nil
}

func (g *Gateway) handleLoadAwarenesses(ctx context.Context, sender room.Sender, sess registry.Session, p payload) (any, *Error) {
	if !joined(sess, p.SpaceID) {
		return nil, errNotJoined(p.SpaceID)
	}
	if gwErr := g.authorize(ctx, sess, p.SpaceID, p.DocID, perm.Read, "read space "+p.SpaceID); gwErr != nil {
		return nil, gwErr
	}
	// The requester is included on purpose: every member, the requester's
	// own client included, answers with its current awareness state.
	n := g.rooms.Broadcast(p.SpaceID, PushCollectAware, map[string]any{
		"docId":     p.DocID,
		"requestor": sender.ID(),
	}, "")
	return map[string]any{"requested": n}, nil
}

func (g *Gateway) handleUpdateAwareness(ctx context.Context, sender room.Sender, sess registry.Session, p payload) (any, *Error) {
	if p.AwarenessUpdate == "" {
		return nil, errMissingField("awarenessUpdate")
	}
	if !joined(sess, p.SpaceID) {
		return nil, errNotJoined(p.SpaceID)
	}
	if gwErr := g.authorize(ctx, sess, p.SpaceID, p.DocID, perm.Read, "read space "+p.SpaceID); gwErr != nil {
		return nil, gwErr
	}
	g.rooms.Broadcast(p.SpaceID, PushAwarenessUpdate, map[string]any{
		"docId":           p.DocID,
		"awarenessUpdate": p.AwarenessUpdate,
	}, sender.ID())
	return map[string]any{"sent": true}, nil
}

func mapDocErr(err error, p payload) *Error {
	switch {
	case errors.Is(err, docstore.ErrDocNotFound):
		return errDocNotFound(p.DocID)
	case errors.Is(err, docstore.ErrWorkspaceNotFound):
		return errWorkspaceNotFound(p.SpaceID)
	default:
		log.Printf("gateway: doc store error: %v", err)
		return errInternal()
	}
}
