// Package wsdemo is a minimal worked example of a transport boundary over
// the kernel's channel.Registry: a single WebSocket connection per client,
// carrying a small JSON frame protocol that can subscribe to a named
// channel and publish events onto one. It exists to show how a real
// transport (a gateway, a CLI bridge, a browser client) sits on top of
// the pub/sub layer (C5) without reaching into its internals, not to be
// a production-grade gateway itself.
package wsdemo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentrt/kernel/internal/kernel/channel"
)

const (
	maxPayloadBytes  = 1 << 20
	maxBufferedBytes = 1 << 20
	pongWait         = 45 * time.Second
	pingInterval     = (pongWait * 9) / 10
	writeWait        = 10 * time.Second
)

// Frame is the wire shape exchanged over the socket. A client sends
// "subscribe"/"unsubscribe"/"publish" frames; the server replies with
// "ack"/"error" frames and pushes "event" frames for every delivery on a
// subscribed channel.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePublish     = "publish"
	frameAck         = "ack"
	frameEvent       = "event"
	frameError       = "error"
)

// Handler upgrades incoming HTTP requests to WebSocket connections and
// binds each one to a channel.Session resolved from the request's query
// parameters.
type Handler struct {
	registry *channel.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds a Handler serving sessions out of registry. A nil
// logger falls back to slog.Default().
func NewHandler(registry *channel.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// This is a worked example, not a deployed gateway: every
			// origin is accepted. A real transport must replace this.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler. It resolves a channel.Session from
// the "user"/"conversation" query parameters (falling back to the
// Identity zero value, i.e. an anonymous/default session) and runs the
// connection until the client disconnects or the handler is asked to
// shut down via the request context.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := channel.Identity{
		UserID:         r.URL.Query().Get("user"),
		ConversationID: r.URL.Query().Get("conversation"),
		TraceID:        r.URL.Query().Get("trace"),
	}
	session := h.registry.Get(identity)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("wsdemo: upgrade failed", "error", err)
		return
	}

	c := newWSConn(session, conn, h.logger)
	c.run()
}

// wsConn pairs one upgraded connection with the channel.Session it was
// resolved against, and owns every subscription it has created so Close
// can unwind them.
type wsConn struct {
	session *channel.Session
	conn    *websocket.Conn
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte
	seq    int64

	mu   sync.Mutex
	subs map[string]func()
}

func newWSConn(session *channel.Session, conn *websocket.Conn, logger *slog.Logger) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{
		session: session,
		conn:    conn,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan []byte, 64),
		subs:    map[string]func(){},
	}
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsConn) close() {
	c.cancel()
	c.mu.Lock()
	subs := c.subs
	c.subs = map[string]func(){}
	c.mu.Unlock()
	for _, unsubscribe := range subs {
		unsubscribe()
	}
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueueError("", "invalid_frame", err.Error())
			continue
		}

		if err := c.handle(frame); err != nil {
			c.enqueueError(frame.ID, "request_failed", err.Error())
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) handle(frame Frame) error {
	switch frame.Type {
	case frameSubscribe:
		return c.handleSubscribe(frame)
	case frameUnsubscribe:
		return c.handleUnsubscribe(frame)
	case framePublish:
		return c.handlePublish(frame)
	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

func (c *wsConn) handleSubscribe(frame Frame) error {
	if frame.Channel == "" {
		return fmt.Errorf("channel is required")
	}

	c.mu.Lock()
	if _, exists := c.subs[frame.Channel]; exists {
		c.mu.Unlock()
		return c.enqueueAck(frame.ID)
	}
	c.mu.Unlock()

	ch := c.session.Channel(frame.Channel)
	unsubscribe := ch.Subscribe(func(evt channel.Event) {
		c.enqueueEvent(evt)
	})

	c.mu.Lock()
	c.subs[frame.Channel] = unsubscribe
	c.mu.Unlock()

	return c.enqueueAck(frame.ID)
}

func (c *wsConn) handleUnsubscribe(frame Frame) error {
	c.mu.Lock()
	unsubscribe, ok := c.subs[frame.Channel]
	if ok {
		delete(c.subs, frame.Channel)
	}
	c.mu.Unlock()
	if ok {
		unsubscribe()
	}
	return c.enqueueAck(frame.ID)
}

func (c *wsConn) handlePublish(frame Frame) error {
	if frame.Channel == "" {
		return fmt.Errorf("channel is required")
	}

	var payload any
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}

	ch := c.session.Channel(frame.Channel)
	evt := channel.Event{Type: frame.Event, ID: frame.ID, Payload: payload}
	if err := ch.Publish(evt, nil); err != nil {
		return err
	}
	return c.enqueueAck(frame.ID)
}

func (c *wsConn) enqueueAck(id string) error {
	return c.enqueue(Frame{Type: frameAck, ID: id})
}

func (c *wsConn) enqueueError(id, code, message string) {
	_ = c.enqueue(Frame{Type: frameError, ID: id, Error: code + ": " + message}) //nolint:errcheck
}

func (c *wsConn) enqueueEvent(evt channel.Event) {
	seq := atomic.AddInt64(&c.seq, 1)
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		c.logger.Warn("wsdemo: dropping event with unmarshalable payload", "channel", evt.Channel, "error", err)
		return
	}
	_ = c.enqueue(Frame{ //nolint:errcheck
		Type:    frameEvent,
		ID:      evt.ID,
		Channel: evt.Channel,
		Event:   evt.Type,
		Payload: payload,
		Seq:     &seq,
	})
}

func (c *wsConn) enqueue(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > maxBufferedBytes {
		return fmt.Errorf("frame too large: %s bytes", strconv.Itoa(len(data)))
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}
