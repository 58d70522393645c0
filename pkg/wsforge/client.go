package wsforge

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"
)

// Client wraps a single upgraded socket with the bookkeeping the rest of
// the runtime needs: identity, route, liveness, message/byte counters,
// and the user-facing send/close/terminate/ping surface of spec.md §6.
type Client struct {
	ID         string
	Route      string
	RemoteAddr string

	conn *websocket.Conn

	mu         sync.Mutex
	closed     bool
	lastActive time.Time
	createdAt  time.Time
	metadata   map[string]interface{}

	messagesIn  int64
	messagesOut int64
	bytesIn     int64
	bytesOut    int64

	// onActivity, if set, is invoked after every recorded send/receive so
	// the orchestrator can mirror per-connection counters into the
	// process-wide health counters. Set once via SetActivityHook before
	// any read/heartbeat goroutine starts; never reassigned afterward.
	onActivity func(direction string, bytes int)

	// onMessage, if set, receives every message the orchestrator's read
	// loop pulls off the socket, letting an application handler react to
	// incoming data without owning the read loop itself (gorilla's Conn
	// doesn't support concurrent reads, so only one reader may exist).
	onMessage func(messageType int, data []byte)
}

// NewClient wraps an already-upgraded connection. Route is the matched
// route pattern, not the raw request path.
func NewClient(conn *websocket.Conn, route, remoteAddr string) *Client {
	now := time.Now()
	return &Client{
		ID:         uuid.NewString(),
		Route:      route,
		RemoteAddr: remoteAddr,
		conn:       conn,
		createdAt:  now,
		lastActive: now,
		metadata:   make(map[string]interface{}),
	}
}

// Conn exposes the underlying socket for handlers that need raw access
// (e.g. to call SetReadLimit before handing off to a ConnectionHandler).
func (c *Client) Conn() *websocket.Conn { return c.conn }

// SetActivityHook registers fn to be called after every message this
// client sends or receives, with the direction ("in"/"out") and payload
// size. Used by the orchestrator to feed per-connection activity into the
// process-wide health counters.
func (c *Client) SetActivityHook(fn func(direction string, bytes int)) {
	c.onActivity = fn
}

// SetMessageHandler registers fn to be called with every message the
// orchestrator's read loop receives on this connection. Typical use is a
// ConnectionHandler that wants to react to or echo incoming messages
// without reading the socket itself.
func (c *Client) SetMessageHandler(fn func(messageType int, data []byte)) {
	c.onMessage = fn
}

func (c *Client) recordOut(n int) {
	atomic.AddInt64(&c.messagesOut, 1)
	atomic.AddInt64(&c.bytesOut, int64(n))
	if c.onActivity != nil {
		c.onActivity("out", n)
	}
}

func (c *Client) recordIn(n int) {
	atomic.AddInt64(&c.messagesIn, 1)
	atomic.AddInt64(&c.bytesIn, int64(n))
	if c.onActivity != nil {
		c.onActivity("in", n)
	}
}

// MessagesIn reports how many messages this connection has received.
func (c *Client) MessagesIn() int64 { return atomic.LoadInt64(&c.messagesIn) }

// MessagesOut reports how many messages this connection has sent.
func (c *Client) MessagesOut() int64 { return atomic.LoadInt64(&c.messagesOut) }

// BytesIn reports the total payload bytes this connection has received.
func (c *Client) BytesIn() int64 { return atomic.LoadInt64(&c.bytesIn) }

// BytesOut reports the total payload bytes this connection has sent.
func (c *Client) BytesOut() int64 { return atomic.LoadInt64(&c.bytesOut) }

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// LastActive reports the last time a message was sent or received on
// this connection. Pings and pongs do not refresh it.
func (c *Client) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Idle reports whether this connection has had no activity for at
// least d.
func (c *Client) Idle(d time.Duration) bool {
	return time.Since(c.LastActive()) >= d
}

// IsClosed reports whether Close or Terminate has already run.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// Send writes a text message, refreshing the idle clock on success.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.touch()
	c.recordOut(len(data))
	return nil
}

// SendJSON marshals v and writes it as a text frame.
func (c *Client) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Receive reads the next message, refreshing the idle clock and the
// message/byte counters on success. The orchestrator's read loop is the
// sole reader of a connection's socket; handlers that need the message
// content receive it through their own application-level channel rather
// than calling Receive directly.
func (c *Client) Receive() (messageType int, data []byte, err error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return 0, nil, websocket.ErrCloseSent
	}
	messageType, data, err = conn.ReadMessage()
	if err != nil {
		return messageType, data, err
	}
	c.touch()
	c.recordIn(len(data))
	if c.onMessage != nil {
		c.onMessage(messageType, data)
	}
	return messageType, data, nil
}

// Ping sends a control-frame ping.
func (c *Client) Ping() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	return conn.WriteMessage(websocket.PingMessage, nil)
}

// Close performs the graceful close sequence: a close frame, a bounded
// wait for the peer's acknowledgement, then Terminate. Returns
// immediately if the client is already closed. If the close frame cannot
// be written, the socket is closed at once and the write error returned.
func (c *Client) Close(code int, reason string, timeout time.Duration) error {
	if !c.markClosed() {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(timeout)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		_ = conn.Close()
		return err
	}
	time.AfterFunc(timeout, func() { _ = conn.Close() })
	return nil
}

// Terminate closes the underlying socket immediately, with no close
// handshake. Safe to call more than once or after Close.
func (c *Client) Terminate() error {
	c.markClosed()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// SetMetadata stores an arbitrary value against this connection, for
// use by application handlers (e.g. authenticated user id).
func (c *Client) SetMetadata(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Metadata retrieves a value previously stored with SetMetadata.
func (c *Client) Metadata(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.metadata[key]
	return v, ok
}
