// Package hub is the broker's delivery layer: a WebSocket endpoint served
// over a local unix socket. Clients submit self-contained command envelopes
// as text frames; replies and broadcasts are written back to whichever
// connection currently holds the target reply channel id.
//
// The hub owns no broker state. It maps reply channel ids to live
// connections and forwards inbound envelopes to the dispatcher's single
// command channel, preserving arrival order.
package hub

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"topicbus/broker/internal/logging"
	"topicbus/broker/internal/protocol"
)

var (
	// ErrUnknownChannel is returned when no connection holds the reply channel id.
	ErrUnknownChannel = errors.New("hub: unknown reply channel")
	// ErrChannelBusy is returned when a send would block on a saturated client.
	ErrChannelBusy = errors.New("hub: reply channel busy, frame dropped")
)

const (
	defaultPingInterval = 30 * time.Second
	sendBuffer          = 256
	commandBuffer       = 64
)

type client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	stopOnce sync.Once
}

// stop closes the send channel exactly once, releasing the write loop.
// Callers must hold the hub mutex so no send can race the close.
func (c *client) stop() {
	c.stopOnce.Do(func() { close(c.send) })
}

// Hub accepts client connections and routes frames in both directions.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logging.Logger
	ping     time.Duration

	mu      sync.Mutex
	clients map[string]*client
	closed  bool

	commands chan *protocol.Envelope
	done     chan struct{}
	server   *http.Server
}

// New constructs a hub that reports inbound envelopes on Commands.
func New(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   logger,
		ping:     defaultPingInterval,
		clients:  make(map[string]*client),
		commands: make(chan *protocol.Envelope, commandBuffer),
		done:     make(chan struct{}),
	}
}

// Commands exposes the single inbound envelope channel, in arrival order.
func (h *Hub) Commands() <-chan *protocol.Envelope { return h.commands }

// Serve accepts connections on the listener until Close is called.
func (h *Hub) Serve(listener net.Listener) error {
	server := &http.Server{Handler: h}
	h.mu.Lock()
	h.server = server
	h.mu.Unlock()
	if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP upgrades an incoming connection and runs its read loop.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	defer h.dropClient(c)
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		envelope, err := protocol.Decode(frame)
		if err != nil {
			//1.- A malformed frame is the sender's problem, never the broker's.
			h.logger.Warn("discarding malformed envelope", logging.Error(err))
			continue
		}
		h.register(envelope.ReplyChannel, c)
		select {
		case h.commands <- envelope:
		case <-h.done:
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.WriteMessage(websocket.TextMessage, frame)
		case <-ticker.C:
			_ = c.conn.WriteMessage(websocket.PingMessage, []byte{})
		}
	}
}

// register binds the reply channel id to the connection. Re-registering an
// id on a new connection displaces the old binding, which lets a client
// reconnect and keep its address.
func (h *Hub) register(id string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if c.id == id {
		if h.clients[id] == c {
			return
		}
	} else if c.id != "" {
		if current, ok := h.clients[c.id]; ok && current == c {
			delete(h.clients, c.id)
		}
	}
	c.id = id
	h.clients[id] = c
}

func (h *Hub) dropClient(c *client) {
	h.mu.Lock()
	if c.id != "" {
		if current, ok := h.clients[c.id]; ok && current == c {
			delete(h.clients, c.id)
		}
	}
	c.stop()
	h.mu.Unlock()
	c.conn.Close()
}

// Send writes one newline-terminated text frame to the reply channel. A
// saturated or unknown channel loses the frame; the caller decides whether
// that is worth logging. The non-blocking send happens under the same mutex
// that guards every close of the send channel, so a client dropping out
// mid-broadcast can never turn into a send on a closed channel.
func (h *Hub) Send(id, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return ErrUnknownChannel
	}
	select {
	case c.send <- []byte(text):
		return nil
	default:
		return ErrChannelBusy
	}
}

// Terminate closes the reply channel's connection, signalling the client to
// shut down. Unknown ids are ignored.
func (h *Hub) Terminate(id string) {
	h.mu.Lock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		c.stop()
	}
	h.mu.Unlock()
}

// Close terminates every client and stops the accept loop.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	for id, c := range h.clients {
		delete(h.clients, id)
		c.stop()
	}
	server := h.server
	h.mu.Unlock()
	if server != nil {
		return server.Close()
	}
	return nil
}
