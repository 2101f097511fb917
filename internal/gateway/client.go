package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/user/tripclaw/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	maxMessageSize = 1024 * 1024

	sendBuffer = 256
)

var (
	errClientClosed = errors.New("client closed")
	errSendBuffer   = errors.New("client send buffer full")
)

// Client is one websocket connection. It subscribes to at most one
// conversation at a time and is the session.Subscriber for it.
type Client struct {
	id   string
	gw   *Gateway
	conn *websocket.Conn
	log  *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
	actor  *session.Actor
}

func newClient(gw *Gateway, conn *websocket.Conn) *Client {
	id := uuid.New().String()
	return &Client{
		id:   id,
		gw:   gw,
		conn: conn,
		log:  slog.With("client_id", id),
		send: make(chan []byte, sendBuffer),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send queues msg for the write pump without blocking.
func (c *Client) Send(msg *session.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *Client) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBuffer
	}
}

func (c *Client) sendError(code, detail string) {
	msg := &session.Message{Type: session.TypeError, Code: code, Detail: detail}
	if err := c.Send(msg); err != nil {
		c.log.Debug("drop error frame", "code", code, "error", err)
	}
}

// subscription returns the current actor, if any.
func (c *Client) subscription() *session.Actor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actor
}

// switchTo makes a the client's only subscription.
func (c *Client) switchTo(a *session.Actor) {
	c.mu.Lock()
	prev := c.actor
	c.actor = a
	c.mu.Unlock()

	if prev != nil && prev != a {
		prev.Unsubscribe(c)
	}
	a.Subscribe(c)
}

func (c *Client) unsubscribe() {
	c.mu.Lock()
	prev := c.actor
	c.actor = nil
	c.mu.Unlock()
	if prev != nil {
		prev.Unsubscribe(c)
	}
}

// close detaches the client from its conversation and stops the write pump.
func (c *Client) close() {
	c.unsubscribe()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump reads frames until the connection fails.
func (c *Client) readPump() {
	defer func() {
		c.gw.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", "error", err)
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.sendError(CodeInvalidMessage, "failed to parse message")
			continue
		}
		c.gw.handle(c, &in)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
