package gateway

import "encoding/json"

// EventKind is the closed set of protocol events. Dispatch switches over
// the kind so a new event cannot be added without a handler.
type EventKind int

const (
	EventSpaceJoin EventKind = iota
	EventSpaceLeave
	EventLoadDoc
	EventPushDocUpdate
	EventDeleteDoc
	EventLoadDocTimestamps
	EventJoinAwareness
	EventLoadAwarenesses
	EventUpdateAwareness
	EventLeaveAwareness
)

var eventNames = map[string]EventKind{
	"space:join":                EventSpaceJoin,
	"space:leave":               EventSpaceLeave,
	"space:load-doc":            EventLoadDoc,
	"space:push-doc-update":     EventPushDocUpdate,
	"space:delete-doc":          EventDeleteDoc,
	"space:load-doc-timestamps": EventLoadDocTimestamps,
	"space:join-awareness":      EventJoinAwareness,
	"space:load-awarenesses":    EventLoadAwarenesses,
	"space:update-awareness":    EventUpdateAwareness,
	"space:leave-awareness":     EventLeaveAwareness,
}

// ParseEvent maps a wire event name to its kind.
func ParseEvent(name string) (EventKind, bool) {
	kind, ok := eventNames[name]
	return kind, ok
}

func (k EventKind) String() string {
	for name, kind := range eventNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// Server-pushed event names.
const (
	PushDocUpdate       = "doc-update"
	PushDocDeleted      = "doc-deleted"
	PushCollectAware    = "collect-awareness"
	PushAwarenessUpdate = "broadcast-awareness-update"
)

// Envelope is an inbound protocol frame.
type Envelope struct {
	Seq   int64           `json:"seq"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Ack is the reply to an envelope: data on success, error on failure.
type Ack struct {
	Seq   int64  `json:"seq"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Push is a server-initiated frame fanned out to room members.
type Push struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func okAck(seq int64, data any) Ack {
	return Ack{Seq: seq, OK: true, Data: data}
}

func errAck(seq int64, err *Error) Ack {
	return Ack{Seq: seq, OK: false, Error: err}
}

// payload is the union of the fields protocol events carry. Each handler
// validates the fields it needs before any store lookup.
type payload struct {
	SpaceID         string `json:"spaceId"`
	DocID           string `json:"docId"`
	SpaceType       string `json:"spaceType"`
	Update          []byte `json:"update"`
	AwarenessUpdate string `json:"awarenessUpdate"`
}
