// Package registry tracks live collaboration sessions: one per socket,
// with the (workspace, doc) the connection joined and a liveness stamp.
package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrUnknownSession is returned for any operation on a connection id the
// registry does not know (never connected, or already disconnected).
var ErrUnknownSession = errors.New("unknown session")

// Session is a snapshot of a live session. Registry methods return copies;
// callers never see the internal, lock-guarded record.
type Session struct {
	ConnID      string
	UserID      string
	WorkspaceID string
	DocID       string
	JoinedAt    time.Time
	LastSeenAt  time.Time
	Rooms       []string
}

// Anonymous reports whether the session has no authenticated user.
func (s Session) Anonymous() bool { return s.UserID == "" }

type session struct {
	mu          sync.Mutex
	connID      string
	userID      string
	workspaceID string
	docID       string
	joinedAt    time.Time
	lastSeenAt  time.Time
	rooms       map[string]struct{}
}

func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	return Session{
		ConnID:      s.connID,
		UserID:      s.userID,
		WorkspaceID: s.workspaceID,
		DocID:       s.docID,
		JoinedAt:    s.joinedAt,
		LastSeenAt:  s.lastSeenAt,
		Rooms:       rooms,
	}
}

// Registry owns session lifecycle. The map is guarded by an RWMutex; field
// updates take the per-session mutex so unrelated sessions never contend.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	now      func() time.Time
}

func New() *Registry {
	return NewWithClock(time.Now)
}

// NewWithClock injects the time source, for tests.
func NewWithClock(now func() time.Time) *Registry {
	return &Registry{sessions: make(map[string]*session), now: now}
}

// Connect creates a session in the connected state. Reconnecting with an
// id that is still registered replaces the old record.
func (r *Registry) Connect(connID, userID string) Session {
	now := r.now()
	s := &session{
		connID:     connID,
		userID:     userID,
		joinedAt:   now,
		lastSeenAt: now,
		rooms:      make(map[string]struct{}),
	}
	r.mu.Lock()
	r.sessions[connID] = s
	r.mu.Unlock()
	return s.snapshot()
}

func (r *Registry) lookup(connID string) (*session, error) {
	r.mu.RLock()
	s, ok := r.sessions[connID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// JoinSpace records the space the connection joined and stamps liveness.
func (r *Registry) JoinSpace(connID, workspaceID, docID string) (Session, error) {
	s, err := r.lookup(connID)
	if err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	s.workspaceID = workspaceID
	s.docID = docID
	s.lastSeenAt = r.now()
	s.mu.Unlock()
	return s.snapshot(), nil
}

// LeaveSpace clears the space affiliation; the session stays connected and
// may join another space.
func (r *Registry) LeaveSpace(connID string) error {
	s, err := r.lookup(connID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.workspaceID = ""
	s.docID = ""
	s.lastSeenAt = r.now()
	s.mu.Unlock()
	return nil
}

// Touch stamps liveness; called for every inbound event and pong.
func (r *Registry) Touch(connID string) error {
	s, err := r.lookup(connID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSeenAt = r.now()
	s.mu.Unlock()
	return nil
}

// TrackRoom records room membership on the session so Disconnect can leave
// every room the connection was in.
func (r *Registry) TrackRoom(connID, roomID string) error {
	s, err := r.lookup(connID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (r *Registry) UntrackRoom(connID, roomID string) error {
	s, err := r.lookup(connID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
	return nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(connID string) (Session, error) {
	s, err := r.lookup(connID)
	if err != nil {
		return Session{}, err
	}
	return s.snapshot(), nil
}

// Disconnect removes the session and returns the rooms it belonged to so
// the caller can run room-leave cleanup. Disconnecting twice returns
// ErrUnknownSession the second time; disconnected is terminal.
func (r *Registry) Disconnect(connID string) ([]string, error) {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	if ok {
		delete(r.sessions, connID)
	}
	r.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	snap := s.snapshot()
	return snap.Rooms, nil
}

// SessionsOlderThan returns snapshots of sessions whose last activity is
// older than d. Used by the liveness sweeper.
func (r *Registry) SessionsOlderThan(d time.Duration) []Session {
	cutoff := r.now().Add(-d)

	r.mu.RLock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	var stale []Session
	for _, s := range all {
		snap := s.snapshot()
		if snap.LastSeenAt.Before(cutoff) {
			stale = append(stale, snap)
		}
	}
	return stale
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
