// Package room maintains broadcast rooms: one member set per space or
// document, with FIFO fan-out within a room.
package room

import (
	"log"
	"sync"
)

// Sender delivers an event to one connection. Implementations must not
// block; a slow consumer should fail the send rather than stall the room.
type Sender interface {
	ID() string
	Send(event string, payload any) error
}

type room struct {
	mu      sync.Mutex
	members map[string]Sender
	// closed marks a room that was deleted after emptying; a Join that
	// raced the deletion retries against a fresh room.
	closed bool
}

// Broadcaster owns all room membership. Rooms are created lazily on first
// join and destroyed as soon as the last member leaves; membership is only
// ever mutated through Join/Leave/LeaveAll.
type Broadcaster struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{rooms: make(map[string]*room)}
}

// Join adds the sender to the room, creating it if needed, and returns the
// member count. Joining twice with the same connection id is idempotent.
func (b *Broadcaster) Join(roomID string, s Sender) int {
	for {
		b.mu.Lock()
		r, ok := b.rooms[roomID]
		if !ok {
			r = &room{members: make(map[string]Sender)}
			b.rooms[roomID] = r
		}
		b.mu.Unlock()

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}
		r.members[s.ID()] = s
		n := len(r.members)
		r.mu.Unlock()
		return n
	}
}

// Leave removes the connection from the room. Leaving a room the
// connection is not in, or a room that does not exist, is a no-op. An
// emptied room is destroyed immediately.
func (b *Broadcaster) Leave(roomID, connID string) {
	b.mu.RLock()
	r, ok := b.rooms[roomID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.Lock()
	delete(r.members, connID)
	empty := len(r.members) == 0
	if empty {
		r.closed = true
	}
	r.mu.Unlock()

	if empty {
		b.mu.Lock()
		if cur, ok := b.rooms[roomID]; ok && cur == r {
			delete(b.rooms, roomID)
		}
		b.mu.Unlock()
	}
}

// LeaveAll removes the connection from every listed room; used on
// disconnect and sweeper eviction.
func (b *Broadcaster) LeaveAll(connID string, roomIDs []string) {
	for _, roomID := range roomIDs {
		b.Leave(roomID, connID)
	}
}

// Broadcast delivers event/payload to every member except excludeConnID
// (pass "" to include everyone) and returns the delivered count. Delivery
// is best effort per member: one failed send is logged and does not abort
// the others. Sends happen under the room lock, so broadcasts to one room
// are FIFO; rooms do not serialize each other.
func (b *Broadcaster) Broadcast(roomID, event string, payload any, excludeConnID string) int {
	b.mu.RLock()
	r, ok := b.rooms[roomID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delivered := 0
	for id, member := range r.members {
		if id == excludeConnID {
			continue
		}
		if err := member.Send(event, payload); err != nil {
			log.Printf("room %s: send %s to %s failed: %v", roomID, event, id, err)
			continue
		}
		delivered++
	}
	return delivered
}

// MemberCount returns the current size of the room, 0 if it does not exist.
func (b *Broadcaster) MemberCount(roomID string) int {
	b.mu.RLock()
	r, ok := b.rooms[roomID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Counts returns the number of rooms and the total membership across all
// rooms, for the sweeper's aggregate stats.
func (b *Broadcaster) Counts() (rooms, members int) {
	b.mu.RLock()
	all := make([]*room, 0, len(b.rooms))
	for _, r := range b.rooms {
		all = append(all, r)
	}
	b.mu.RUnlock()

	for _, r := range all {
		r.mu.Lock()
		members += len(r.members)
		r.mu.Unlock()
	}
	return len(all), members
}
