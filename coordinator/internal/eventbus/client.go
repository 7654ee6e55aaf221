package eventbus

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fabricrun/fabric/shared/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // worker frames carry signaling/key-exchange payloads, unlike GUI pongs
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client represents a single connected event-channel peer — either a GUI
// client subscribing to job/session events, or a worker carrying
// registration, heartbeat, dispatch, and signaling-relay traffic.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan wire.Message
	logger *zap.Logger

	mu     sync.Mutex
	topics []string

	// onMessage, if set, is invoked for every inbound frame. Both GUI and
	// worker connections set it: worker frames carry registration,
	// heartbeat, status, and signaling messages, and GUI frames (such as
	// session offers) go through the same dispatch.
	onMessage func(wire.Message)
}

// NewClient upgrades the HTTP connection to a WebSocket and returns a Client
// subscribed to topics. onMessage may be nil.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, logger *zap.Logger, onMessage func(wire.Message)) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan wire.Message, sendBufferSize),
		topics:    topics,
		logger:    logger.With(zap.String("remote_addr", r.RemoteAddr)),
		onMessage: onMessage,
	}, nil
}

// Topics returns the client's current topic subscriptions.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.topics))
	copy(out, c.topics)
	return out
}

func (c *Client) addTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
}

// Send enqueues msg for delivery, non-blocking: a full buffer drops the
// client rather than stalling the caller.
func (c *Client) Send(msg wire.Message) {
	select {
	case c.send <- msg:
	default:
		c.hub.Unsubscribe(c)
	}
}

// Run registers the client with the hub and blocks until the connection
// closes, running the read and write pumps.
func (c *Client) Run() {
	c.hub.Subscribe(c)
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg wire.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("eventbus: unexpected close", zap.Error(err))
			}
			return
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("eventbus: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
