package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
	writeWait    = 10 * time.Second
	sendBuffer   = 64
)

// Connection is one authenticated WebSocket client: its claims, the
// channel set it is currently subscribed to, and an outbound send queue
// so fan-out never blocks on a slow reader.
type Connection struct {
	conn   *websocket.Conn
	claims *Claims
	log    *logrus.Entry

	mu       sync.Mutex
	channels map[string]bool
	send     chan []byte
	closed   bool
}

func newConnection(conn *websocket.Conn, claims *Claims, log *logrus.Entry) *Connection {
	return &Connection{
		conn:     conn,
		claims:   claims,
		log:      log,
		channels: make(map[string]bool),
		send:     make(chan []byte, sendBuffer),
	}
}

// defaultChannels computes the spec §4.8 connect-time subscription set.
func (c *Connection) defaultChannels() []string {
	channels := []string{"tariffs"}
	if c.claims.Role == RoleOperator || c.claims.Role == RoleAdmin {
		channels = append(channels, "alerts", "alert_status_updates")
	}
	if c.claims.Region != "" {
		channels = append(channels, "region:"+c.claims.Region)
	}
	if c.claims.MeterID != "" {
		channels = append(channels, "meter:"+c.claims.MeterID)
	}
	return channels
}

// subscribe adds channel to the connection's set iff allowed.
func (c *Connection) subscribe(channel string) bool {
	if !allowChannel(c.claims, channel) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = true
	return true
}

// unsubscribe removes channel from the connection's set.
func (c *Connection) unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channel)
}

// subscribedTo reports whether the connection currently receives channel.
func (c *Connection) subscribedTo(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[channel]
}

// channelList snapshots the current subscription set.
func (c *Connection) channelList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// enqueue queues payload for delivery, dropping the connection's oldest
// unsent message on overflow rather than blocking the fan-out loop.
func (c *Connection) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- payload:
		default:
		}
	}
}

// writePump drains the send queue and pings on an interval, terminating
// the connection if a write fails.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readPump handles pong resets and client-sent subscribe/unsubscribe
// requests, returning when the connection closes.
func (c *Connection) readPump(onClose func()) {
	defer onClose()
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleClientMessage(data)
	}
}

// handleClientMessage applies one client-sent subscribe/unsubscribe
// frame and enqueues the corresponding SUBSCRIBED/UNSUBSCRIBED/ERROR
// acknowledgement, per spec §4.8's frame-type enum. Split out of
// readPump so it can be driven directly in tests without a live socket.
func (c *Connection) handleClientMessage(data []byte) {
	var req clientRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	switch req.Action {
	case "subscribe":
		var accepted, rejected []string
		for _, ch := range req.Channels {
			if c.subscribe(ch) {
				accepted = append(accepted, ch)
			} else {
				rejected = append(rejected, ch)
			}
		}
		if len(accepted) > 0 {
			c.enqueue(envelope("SUBSCRIBED", map[string]interface{}{"channels": accepted}))
		}
		for _, ch := range rejected {
			c.enqueue(envelope("ERROR", map[string]interface{}{"channel": ch, "message": "subscription not permitted"}))
		}
	case "unsubscribe":
		for _, ch := range req.Channels {
			c.unsubscribe(ch)
		}
		if len(req.Channels) > 0 {
			c.enqueue(envelope("UNSUBSCRIBED", map[string]interface{}{"channels": req.Channels}))
		}
	default:
		c.enqueue(envelope("ERROR", map[string]interface{}{"message": "unknown action"}))
	}
}

type clientRequest struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}
