package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"agent_consensus/internal/domain"
)

type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		c.PingInterval = c.ReadTimeout * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1024
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 1024
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 1024
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	return c
}

// Message is the frame written to display clients.
type Message struct {
	Type domain.EventType `json:"type"`
	Data any              `json:"data"`
	At   time.Time        `json:"at"`
}

// SnapshotSource supplies the snapshot sent to a client right after it connects.
type SnapshotSource interface {
	Snapshot() domain.Snapshot
}

// Hub fans display events out to WebSocket clients. A client whose send
// buffer is full is disconnected.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	source   SnapshotSource
	logger   zerolog.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

type conn struct {
	id          string
	ws          *websocket.Conn
	send        chan []byte
	hub         *Hub
	connectedAt time.Time
}

func NewHub(cfg Config, source SnapshotSource, logger zerolog.Logger) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		source: source,
		logger: logger.With().Str("component", "gateway").Logger(),
		conns:  make(map[*conn]struct{}),
	}
}

// Consume forwards bus events to clients until ctx ends or events closes.
func (h *Hub) Consume(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case evt, ok := <-events:
			if !ok {
				h.closeAll()
				return
			}
			h.Broadcast(evt)
		}
	}
}

func (h *Hub) OnSnapshot(s domain.Snapshot) {
	h.Broadcast(domain.Event{Type: domain.EventLoopSnapshot, Snapshot: &s, At: time.Now().UTC()})
}

func (h *Hub) OnTransition(t domain.Transition) {
	h.Broadcast(domain.Event{Type: domain.EventLoopTransition, Transition: &t, At: t.At})
}

func (h *Hub) Broadcast(evt domain.Event) {
	data, err := encode(evt)
	if err != nil {
		h.logger.Error().Err(err).Str("event_type", string(evt.Type)).Msg("encode event failed")
		return
	}

	var slow []*conn
	h.mu.RLock()
	for c := range h.conns {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("connection_id", c.id).Msg("send buffer full, closing connection")
		h.unregister(c)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &conn{
		id:          uuid.NewString(),
		ws:          ws,
		send:        make(chan []byte, h.cfg.SendBuffer),
		hub:         h,
		connectedAt: time.Now().UTC(),
	}

	if h.source != nil {
		snap := h.source.Snapshot()
		if data, err := encode(domain.Event{Type: domain.EventLoopSnapshot, Snapshot: &snap, At: c.connectedAt}); err == nil {
			c.send <- data
		}
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
	h.logger.Info().Str("connection_id", c.id).Str("remote", r.RemoteAddr).Msg("websocket connected")
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

// unregister closes the send channel under the write lock so Broadcast,
// which sends under the read lock, never sends on a closed channel.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	if ok {
		delete(h.conns, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		h.logger.Info().Str("connection_id", c.id).Dur("connected_for", time.Since(c.connectedAt)).Msg("websocket disconnected")
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.unregister(c)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Debug().Err(err).Str("connection_id", c.id).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; client payloads are ignored.
func (c *conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Str("connection_id", c.id).Msg("unexpected websocket close")
			}
			return
		}
	}
}

func encode(evt domain.Event) ([]byte, error) {
	msg := Message{Type: evt.Type, At: evt.At}
	switch evt.Type {
	case domain.EventLoopSnapshot:
		msg.Data = evt.Snapshot
	case domain.EventLoopTransition:
		msg.Data = evt.Transition
	case domain.EventDebateArgument:
		msg.Data = evt.Argument
	default:
		return nil, fmt.Errorf("unknown event type %q", evt.Type)
	}
	return json.Marshal(msg)
}
