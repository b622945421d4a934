package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"scribe/collab/internal/access"
	"scribe/collab/internal/docstore"
	"scribe/collab/internal/perm"
	"scribe/collab/internal/registry"
	"scribe/collab/internal/room"
)

type fakeResolver struct {
	masks map[string]perm.Permission // key userID
	err   error
	calls int
}

func (f *fakeResolver) EffectiveMask(ctx context.Context, workspaceID, docID, userID string) (perm.Permission, error) {
	f.calls++
	if f.err != nil {
		return perm.None, f.err
	}
	return f.masks[userID], nil
}

type fakeDocs struct {
	mu      sync.Mutex
	docs    map[string][]byte // key ws/doc -> snapshot
	updates map[string][][]byte
	stamps  map[string]map[string]time.Time // key ws
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		docs:    make(map[string][]byte),
		updates: make(map[string][][]byte),
		stamps:  make(map[string]map[string]time.Time),
	}
}

func dkey(ws, doc string) string { return ws + "/" + doc }

func (f *fakeDocs) addDoc(ws, doc string, snapshot []byte) {
	f.docs[dkey(ws, doc)] = snapshot
	if f.stamps[ws] == nil {
		f.stamps[ws] = make(map[string]time.Time)
	}
	f.stamps[ws][doc] = time.Unix(1000, 0)
}

func (f *fakeDocs) LoadDoc(ctx context.Context, ws, doc string) (docstore.Doc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.docs[dkey(ws, doc)]
	if !ok {
		return docstore.Doc{}, docstore.ErrDocNotFound
	}
	return docstore.Doc{Snapshot: snap, Updates: f.updates[dkey(ws, doc)]}, nil
}

func (f *fakeDocs) PushUpdate(ctx context.Context, ws, doc string, update []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[dkey(ws, doc)]; !ok {
		return docstore.ErrDocNotFound
	}
	f.updates[dkey(ws, doc)] = append(f.updates[dkey(ws, doc)], update)
	return nil
}

func (f *fakeDocs) DeleteDoc(ctx context.Context, ws, doc string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[dkey(ws, doc)]; !ok {
		return docstore.ErrDocNotFound
	}
	delete(f.docs, dkey(ws, doc))
	return nil
}

func (f *fakeDocs) Timestamps(ctx context.Context, ws string) (map[string]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stamps, ok := f.stamps[ws]
	if !ok {
		return nil, docstore.ErrWorkspaceNotFound
	}
	return stamps, nil
}

type recordedEvent struct {
	Event   string
	Payload any
}

type fakeSender struct {
	mu     sync.Mutex
	id     string
	events []recordedEvent
}

func (f *fakeSender) ID() string { return f.id }

func (f *fakeSender) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{Event: event, Payload: payload})
	return nil
}

func (f *fakeSender) received() []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedEvent, len(f.events))
	copy(out, f.events)
	return out
}

type fixture struct {
	gw       *Gateway
	resolver *fakeResolver
	docs     *fakeDocs
}

func newFixture() *fixture {
	resolver := &fakeResolver{masks: map[string]perm.Permission{
		"writer": perm.RoleMask(perm.RoleCollaborator),
		"reader": perm.Read,
	}}
	docs := newFakeDocs()
	gw := New(registry.New(), room.NewBroadcaster(), resolver, docs)
	return &fixture{gw: gw, resolver: resolver, docs: docs}
}

func (f *fixture) connect(t *testing.T, connID, userID string) *fakeSender {
	t.Helper()
	f.gw.Connect(connID, userID, nil)
	return &fakeSender{id: connID}
}

func (f *fixture) join(t *testing.T, sender *fakeSender, spaceID string) {
	t.Helper()
	ack := f.event(sender, "space:join", map[string]any{"spaceId": spaceID, "spaceType": "workspace"})
	if !ack.OK {
		t.Fatalf("join failed: %v", ack.Error)
	}
}

func (f *fixture) event(sender room.Sender, event string, data map[string]any) Ack {
	raw, _ := json.Marshal(data)
	return f.gw.HandleEvent(context.Background(), sender, Envelope{Seq: 1, Event: event, Data: raw})
}

func TestJoinWithoutSessionFails(t *testing.T) {
	f := newFixture()
	ghost := &fakeSender{id: "ghost"}

	ack := f.event(ghost, "space:join", map[string]any{"spaceId": "ws1"})
	if ack.OK {
		t.Fatal("join without a session must fail")
	}
	if ack.Error.Name != NameUnknownSession {
		t.Fatalf("error name = %q, want UnknownSession", ack.Error.Name)
	}
	if n := f.gw.Rooms().MemberCount("ws1"); n != 0 {
		t.Fatalf("room mutated despite failed join: count %d", n)
	}
}

func TestJoinMissingSpaceIDRejectedBeforeStoreLookup(t *testing.T) {
	f := newFixture()
	a := f.connect(t, "a", "writer")

	ack := f.event(a, "space:join", map[string]any{"spaceType": "workspace"})
	if ack.OK || ack.Error.Name != NameMissingField {
		t.Fatalf("expected MissingField, got %+v", ack)
	}
	if f.resolver.calls != 0 {
		t.Fatalf("resolver consulted %d times before validation", f.resolver.calls)
	}
}

func TestJoinHappyPath(t *testing.T) {
	f := newFixture()
	a := f.connect(t, "a", "writer")

	ack := f.event(a, "space:join", map[string]any{"spaceId": "ws1", "docId": "doc1", "spaceType": "document"})
	if !ack.OK {
		t.Fatalf("join failed: %v", ack.Error)
	}
	data := ack.Data.(map[string]any)
	if data["memberCount"] != 1 {
		t.Fatalf("memberCount = %v, want 1", data["memberCount"])
	}

	sess, err := f.gw.Registry().Get("a")
	if err != nil {
		t.Fatalf("session gone: %v", err)
	}
	if sess.WorkspaceID != "ws1" || sess.DocID != "doc1" {
		t.Fatalf("session not updated: %+v", sess)
	}
}

func TestJoinDeniedWithoutRead(t *testing.T) {
	f := newFixture()
	f.gw.Connect("anon", "", nil)
	anon := &fakeSender{id: "anon"}

	ack := f.event(anon, "space:join", map[string]any{"spaceId": "ws1"})
	if ack.OK || ack.Error.Name != NamePermissionDenied {
		t.Fatalf("expected PermissionDenied, got %+v", ack)
	}
	if n := f.gw.Rooms().MemberCount("ws1"); n != 0 {
		t.Fatal("denied join must not mutate the room")
	}
}

func TestStoreUnavailableDenies(t *testing.T) {
	f := newFixture()
	a := f.connect(t, "a", "writer")
	f.resolver.err = access.ErrStoreUnavailable

	ack := f.event(a, "space:join", map[string]any{"spaceId": "ws1"})
	if ack.OK {
		t.Fatal("store failure must deny, never allow")
	}
	if ack.Error.Name != NameStoreUnavailable {
		t.Fatalf("error name = %q, want PermissionStoreUnavailable", ack.Error.Name)
	}
	if n := f.gw.Rooms().MemberCount("ws1"); n != 0 {
		t.Fatal("no room mutation on store failure")
	}
}

func TestUnknownEvent(t *testing.T) {
	f := newFixture()
	a := f.connect(t, "a", "writer")

	ack := f.event(a, "space:frobnicate", map[string]any{"spaceId": "ws1"})
	if ack.OK || ack.Error.Name != NameUnknownEvent {
		t.Fatalf("expected UnknownEvent, got %+v", ack)
	}
}

func TestPushDocUpdateBroadcastsExcludingSender(t *testing.T) {
	f := newFixture()
	f.docs.addDoc("ws1", "doc1", nil)
	a := f.connect(t, "a", "writer")
	b := f.connect(t, "b", "writer")
	f.join(t, a, "ws1")
	f.join(t, b, "ws1")

	ack := f.event(a, "space:push-doc-update", map[string]any{
		"spaceId": "ws1", "docId": "doc1", "update": []byte("crdt-bytes"),
	})
	if !ack.OK {
		t.Fatalf("push failed: %v", ack.Error)
	}

	if got := f.docs.updates[dkey("ws1", "doc1")]; len(got) != 1 || string(got[0]) != "crdt-bytes" {
		t.Fatalf("update not persisted: %v", got)
	}

	// B got exactly one doc-update push; A (the sender) got none.
	bGot := b.received()
	if len(bGot) != 1 || bGot[0].Event != PushDocUpdate {
		t.Fatalf("b received %v", bGot)
	}
	if len(a.received()) != 0 {
		t.Fatal("sender must be excluded from its own update broadcast")
	}
}

func TestPushDocUpdateDeniedForReader(t *testing.T) {
	f := newFixture()
	f.docs.addDoc("ws1", "doc1", nil)
	r := f.connect(t, "r", "reader")
	f.join(t, r, "ws1")

	ack := f.event(r, "space:push-doc-update", map[string]any{
		"spaceId": "ws1", "docId": "doc1", "update": []byte("x"),
	})
	if ack.OK || ack.Error.Name != NamePermissionDenied {
		t.Fatalf("expected PermissionDenied, got %+v", ack)
	}
	if got := f.docs.updates[dkey("ws1", "doc1")]; len(got) != 0 {
		t.Fatal("denied push must not reach the doc store")
	}
}

func TestPushDocUpdateRequiresJoin(t *testing.T) {
	f := newFixture()
	f.docs.addDoc("ws1", "doc1", nil)
	a := f.connect(t, "a", "writer")

	ack := f.event(a, "space:push-doc-update", map[string]any{
		"spaceId": "ws1", "docId": "doc1", "update": []byte("x"),
	})
	if ack.OK || ack.Error.Name != NameNotJoined {
		t.Fatalf("expected NotJoined, got %+v", ack)
	}
}

func TestAwarenessUpdateReachesOnlyOthers(t *testing.T) {
	f := newFixture()
	a := f.connect(t, "a", "writer")
	b := f.connect(t, "b", "writer")
	f.join(t, a, "ws1")
	f.join(t, b, "ws1")

	ack := f.event(a, "space:update-awareness", map[string]any{
		"spaceId": "ws1", "docId": "doc1", "spaceType": "workspace", "awarenessUpdate": "cursor@3",
	})
	if !ack.OK {
		t.Fatalf("update-awareness failed: %v", ack.Error)
	}

	bGot := b.received()
	if len(bGot) != 1 || bGot[0].Event != PushAwarenessUpdate {
		t.Fatalf("b received %v, want one broadcast-awareness-update", bGot)
	}
	if len(a.received()) != 0 {
		t.Fatal("sender must not receive its own awareness update")
	}
}

func TestLoadAwarenessesIncludesRequester(t *testing.T) {
	f := newFixture()
	a := f.connect(t, "a", "writer")
	b := f.connect(t, "b", "writer")
	f.join(t, a, "ws1")
	f.join(t, b, "ws1")

	ack := f.event(a, "space:load-awarenesses", map[string]any{"spaceId": "ws1", "docId": "doc1"})
	if !ack.OK {
		t.Fatalf("load-awarenesses failed: %v", ack.Error)
	}

	// Both members, requester included, are asked to report awareness.
	aGot := a.received()
	bGot := b.received()
	if len(aGot) != 1 || aGot[0].Event != PushCollectAware {
		t.Fatalf("a received %v", aGot)
	}
	if len(bGot) != 1 || bGot[0].Event != PushCollectAware {
		t.Fatalf("b received %v", bGot)
	}
}

func TestDeleteDocGatedAndBroadcast(t *testing.T) {
	f := newFixture()
	f.resolver.masks["owner"] = perm.RoleMask(perm.RoleOwner)
	f.docs.addDoc("ws1", "doc1", nil)

	o := f.connect(t, "o", "owner")
	w := f.connect(t, "w", "writer")
	f.join(t, o, "ws1")
	f.join(t, w, "ws1")

	// Collaborator lacks Delete.
	ack := f.event(w, "space:delete-doc", map[string]any{"spaceId": "ws1", "docId": "doc1"})
	if ack.OK || ack.Error.Name != NamePermissionDenied {
		t.Fatalf("expected PermissionDenied for collaborator, got %+v", ack)
	}

	ack = f.event(o, "space:delete-doc", map[string]any{"spaceId": "ws1", "docId": "doc1"})
	if !ack.OK {
		t.Fatalf("owner delete failed: %v", ack.Error)
	}
	wGot := w.received()
	if len(wGot) != 1 || wGot[0].Event != PushDocDeleted {
		t.Fatalf("w received %v, want one doc-deleted", wGot)
	}
}

func TestLoadDocNotFound(t *testing.T) {
	f := newFixture()
	a := f.connect(t, "a", "writer")
	f.join(t, a, "ws1")

	ack := f.event(a, "space:load-doc", map[string]any{"spaceId": "ws1", "docId": "ghost"})
	if ack.OK || ack.Error.Name != NameDocNotFound {
		t.Fatalf("expected DocNotFound, got %+v", ack)
	}
}

func TestTimestampsUnknownWorkspace(t *testing.T) {
	f := newFixture()
	a := f.connect(t, "a", "writer")
	f.join(t, a, "ws-ghost")

	ack := f.event(a, "space:load-doc-timestamps", map[string]any{"spaceId": "ws-ghost"})
	if ack.OK || ack.Error.Name != NameWorkspaceMissing {
		t.Fatalf("expected WorkspaceNotFound, got %+v", ack)
	}
}

// racingSender triggers a callback on the nth ID() call, to interleave an
// eviction with the join path at a precise point.
type racingSender struct {
	id      string
	calls   int
	onCall  int
	trigger func()
}

func (s *racingSender) ID() string {
	s.calls++
	if s.calls == s.onCall && s.trigger != nil {
		s.trigger()
	}
	return s.id
}

func (s *racingSender) Send(event string, payload any) error { return nil }

func TestJoinUndoneWhenSessionEvictedMidJoin(t *testing.T) {
	f := newFixture()
	f.gw.Connect("a", "writer", nil)

	// The second ID() call happens inside the room add, after the session
	// update but before the membership is recorded on the session.
	a := &racingSender{id: "a", onCall: 2}
	a.trigger = func() {
		_, _ = f.gw.Registry().Disconnect("a")
	}

	ack := f.event(a, "space:join", map[string]any{"spaceId": "ws1"})
	if ack.OK || ack.Error.Name != NameUnknownSession {
		t.Fatalf("expected UnknownSession, got %+v", ack)
	}

	// The room add must have been undone: no member the registry has
	// already forgotten may remain in the room.
	if n := f.gw.Rooms().MemberCount("ws1"); n != 0 {
		t.Fatalf("ws1 count = %d, want 0 (dangling member after eviction)", n)
	}
	if rooms, members := f.gw.Rooms().Counts(); rooms != 0 || members != 0 {
		t.Fatalf("Counts = (%d, %d), want (0, 0)", rooms, members)
	}
}

func TestJoinAwarenessDoesNotReaffiliate(t *testing.T) {
	f := newFixture()
	a := f.connect(t, "a", "writer")
	f.join(t, a, "ws1")

	ack := f.event(a, "space:join-awareness", map[string]any{"spaceId": "ws2", "docId": "doc1", "spaceType": "awareness"})
	if !ack.OK {
		t.Fatalf("join-awareness failed: %v", ack.Error)
	}
	if n := f.gw.Rooms().MemberCount("ws2"); n != 1 {
		t.Fatalf("ws2 count = %d, want 1", n)
	}

	// The awareness join must not overwrite the session's affiliation.
	sess, err := f.gw.Registry().Get("a")
	if err != nil {
		t.Fatalf("session gone: %v", err)
	}
	if sess.WorkspaceID != "ws1" {
		t.Fatalf("workspace = %q, want ws1 (awareness join re-affiliated)", sess.WorkspaceID)
	}

	// Leaving the awareness space keeps the affiliation too.
	ack = f.event(a, "space:leave-awareness", map[string]any{"spaceId": "ws2", "docId": "doc1"})
	if !ack.OK {
		t.Fatalf("leave-awareness failed: %v", ack.Error)
	}
	sess, _ = f.gw.Registry().Get("a")
	if sess.WorkspaceID != "ws1" {
		t.Fatalf("workspace = %q after leave-awareness, want ws1", sess.WorkspaceID)
	}
}

func TestDisconnectLeavesAllRooms(t *testing.T) {
	f := newFixture()
	a := f.connect(t, "a", "writer")
	b := f.connect(t, "b", "writer")
	f.join(t, a, "ws1")
	f.join(t, b, "ws1")

	ackAware := f.event(a, "space:join-awareness", map[string]any{"spaceId": "ws2"})
	if !ackAware.OK {
		t.Fatalf("join-awareness failed: %v", ackAware.Error)
	}

	f.gw.Disconnect("a")

	if n := f.gw.Rooms().MemberCount("ws1"); n != 1 {
		t.Fatalf("ws1 count = %d, want 1", n)
	}
	if n := f.gw.Rooms().MemberCount("ws2"); n != 0 {
		t.Fatalf("ws2 count = %d, want 0", n)
	}
	if f.gw.Registry().Len() != 1 {
		t.Fatalf("registry len = %d, want 1", f.gw.Registry().Len())
	}

	// Events on the disconnected id fail.
	ack := f.event(a, "space:leave", map[string]any{"spaceId": "ws1"})
	if ack.OK || ack.Error.Name != NameUnknownSession {
		t.Fatalf("expected UnknownSession after disconnect, got %+v", ack)
	}
}

func TestLeaveClearsSpaceAffiliation(t *testing.T) {
	f := newFixture()
	a := f.connect(t, "a", "writer")
	f.join(t, a, "ws1")

	ack := f.event(a, "space:leave", map[string]any{"spaceId": "ws1"})
	if !ack.OK {
		t.Fatalf("leave failed: %v", ack.Error)
	}
	sess, err := f.gw.Registry().Get("a")
	if err != nil {
		t.Fatalf("session gone after leave: %v", err)
	}
	if sess.WorkspaceID != "" || sess.DocID != "" {
		t.Fatalf("affiliation not cleared: %+v", sess)
	}

	// The session stays connected and can join another space.
	f.join(t, a, "ws2")
}

func TestLeaveIsIdempotent(t *testing.T) {
	f := newFixture()
	a := f.connect(t, "a", "writer")
	f.join(t, a, "ws1")

	for i := 0; i < 2; i++ {
		ack := f.event(a, "space:leave", map[string]any{"spaceId": "ws1"})
		if !ack.OK {
			t.Fatalf("leave %d failed: %v", i, ack.Error)
		}
	}
	if n := f.gw.Rooms().MemberCount("ws1"); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}
