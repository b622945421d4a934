package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// sendBuffer bounds how far a slow consumer may fall behind before its
// sends start failing. Failed sends are dropped, not fatal; a consumer
// that stops ponging is evicted by the read deadline.
const sendBuffer = 64

var errSendBufferFull = errors.New("send buffer full")

// Client binds one websocket connection to the gateway: it implements
// room.Sender for fan-out and runs the read/write pumps.
type Client struct {
	id           string
	userID       string
	conn         *websocket.Conn
	gw           *Gateway
	send         chan any
	done         chan struct{}
	pingInterval time.Duration
	pongWait     time.Duration
}

// NewClient wraps an upgraded connection. The caller is expected to call
// gw.Connect with the client as closer before starting the pumps.
func NewClient(id, userID string, conn *websocket.Conn, gw *Gateway, pingInterval, pongWait time.Duration) *Client {
	return &Client{
		id:           id,
		userID:       userID,
		conn:         conn,
		gw:           gw,
		send:         make(chan any, sendBuffer),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		pongWait:     pongWait,
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) UserID() string { return c.userID }

// Send enqueues a push frame. Never blocks: a full buffer fails the send
// and the room broadcaster logs and moves on.
func (c *Client) Send(event string, payload any) error {
	return c.enqueue(Push{Event: event, Data: payload})
}

func (c *Client) enqueue(frame any) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	default:
		return errSendBufferFull
	}
}

// Close tears down the transport; used by Evict. The read pump unwinds
// and completes the session cleanup.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ReadPump processes inbound frames until the connection dies, then runs
// disconnect cleanup. Must run on its own goroutine, one per connection;
// per-connection events are handled in arrival order.
func (c *Client) ReadPump(ctx context.Context, maxPayload int64) {
	defer func() {
		c.gw.Disconnect(c.id)
		close(c.done)
		_ = c.conn.Close()
	}()

	if maxPayload > 0 {
		c.conn.SetReadLimit(maxPayload)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.gw.Touch(c.id)
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("conn %s closed unexpectedly: %v", c.id, err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			if enqErr := c.enqueue(errAck(0, errMissingField("event"))); enqErr != nil {
				return
			}
			continue
		}

		ack := c.gw.HandleEvent(ctx, c, env)
		if err := c.enqueue(ack); err != nil {
			log.Printf("conn %s: dropping ack for %s: %v", c.id, env.Event, err)
		}
	}
}

// WritePump serializes all outbound traffic for the connection and keeps
// it alive with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
