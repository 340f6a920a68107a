package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/fingerhq/finger/internal/log"
)

// CatchupLimit is the most archived events a single catchup request will
// replay. Clients further behind get a catchup.overflow advisory and are
// expected to reload over HTTP instead.
const CatchupLimit = 200

const (
	defaultWriteTimeout = 5 * time.Second
	clientSendBuffer    = 64
)

// Archive supplies archived events for catch-up queries, in seq order
// starting strictly after sinceID.
type Archive interface {
	EventsSince(ctx context.Context, sinceID int64, limit int) ([]Event, error)
}

// clientMessage is what a websocket client may send.
type clientMessage struct {
	Type    string  `json:"type"`
	Types   []Type  `json:"types,omitempty"`
	Groups  []Group `json:"groups,omitempty"`
	SinceID int64   `json:"sinceId,omitempty"`
}

// filter selects which events a client receives. An empty filter
// matches everything; otherwise an event passes when its type or group
// is listed.
type filter struct {
	types  map[Type]struct{}
	groups map[Group]struct{}
}

func newFilter(types []Type, groups []Group) filter {
	var f filter
	if len(types) > 0 {
		f.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			f.types[t] = struct{}{}
		}
	}
	if len(groups) > 0 {
		f.groups = make(map[Group]struct{}, len(groups))
		for _, g := range groups {
			f.groups[g] = struct{}{}
		}
	}
	return f
}

func (f filter) matches(ev Event) bool {
	if f.types == nil && f.groups == nil {
		return true
	}
	if f.types != nil {
		if _, ok := f.types[ev.Type]; ok {
			return true
		}
	}
	if f.groups != nil {
		if _, ok := f.groups[ev.Group]; ok {
			return true
		}
	}
	return false
}

// wsClient is one connected websocket. Writes flow through the send
// channel so a slow consumer drops frames instead of stalling Emit.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte

	mu     sync.Mutex
	filter filter
}

func (c *wsClient) setFilter(f filter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

func (c *wsClient) currentFilter() filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// enqueue hands a frame to the writer goroutine without blocking.
func (c *wsClient) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// WSManager owns all websocket event-stream connections.
type WSManager struct {
	mu      sync.RWMutex
	clients map[string]*wsClient

	archive      Archive
	writeTimeout time.Duration
}

// NewWSManager creates a manager. archive may be nil, which disables
// catchup replies.
func NewWSManager(archive Archive) *WSManager {
	return &WSManager{
		clients:      make(map[string]*wsClient),
		archive:      archive,
		writeTimeout: defaultWriteTimeout,
	}
}

// Attach subscribes the manager to a bus. The returned function detaches.
func (m *WSManager) Attach(bus *Bus) func() {
	return bus.SubscribeAll(m.Broadcast)
}

// Handler returns the HTTP handler that upgrades to a websocket and
// serves the event stream until the client goes away.
func (m *WSManager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			log.Warn(log.CatEvents, "websocket accept failed", "error", err.Error())
			return
		}
		m.HandleConnection(r.Context(), conn)
	})
}

// HandleConnection runs a client's read loop. It blocks until the
// connection closes.
func (m *WSManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, clientSendBuffer),
	}

	m.register(c)
	defer m.unregister(c)

	log.SafeGo("ws-writer-"+c.id, func() { m.writeLoop(c) })

	m.sendJSON(c, map[string]any{"type": "connection.established", "connectionId": c.id})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug(log.CatEvents, "invalid websocket message", "client_id", c.id, "error", err.Error())
			m.sendJSON(c, map[string]any{"type": "error", "message": "invalid message"})
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

// Broadcast delivers an event frame to every client whose filter matches.
// Slow clients lose the frame rather than stalling the emitter.
func (m *WSManager) Broadcast(ev Event) {
	frame, err := json.Marshal(map[string]any{"type": "event", "event": ev})
	if err != nil {
		log.Warn(log.CatEvents, "marshaling event frame failed", "event_id", ev.ID, "error", err.Error())
		return
	}

	m.mu.RLock()
	clients := make([]*wsClient, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		if !c.currentFilter().matches(ev) {
			continue
		}
		if !c.enqueue(frame) {
			log.Debug(log.CatEvents, "dropping event frame for slow client", "client_id", c.id, "event_type", ev.Type)
		}
	}
}

// ClientCount reports the number of connected clients.
func (m *WSManager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CloseAll disconnects every client. Used on daemon shutdown.
func (m *WSManager) CloseAll() {
	m.mu.Lock()
	clients := make([]*wsClient, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*wsClient)
	m.mu.Unlock()

	for _, c := range clients {
		c.cancel()
		_ = c.conn.Close(websocket.StatusGoingAway, "daemon stopping")
	}
}

func (m *WSManager) handleClientMessage(c *wsClient, msg *clientMessage) {
	switch msg.Type {
	case "subscribe":
		c.setFilter(newFilter(msg.Types, msg.Groups))
		m.sendJSON(c, map[string]any{"type": "subscribed", "types": msg.Types, "groups": msg.Groups})
	case "catchup":
		m.handleCatchup(c, msg.SinceID)
	case "ping":
		m.sendJSON(c, map[string]any{"type": "pong"})
	default:
		m.sendJSON(c, map[string]any{"type": "error", "message": "unknown message type"})
	}
}

// handleCatchup replays archived events newer than sinceID through the
// client's filter. More than CatchupLimit missed events yields an
// overflow advisory instead of the tail.
func (m *WSManager) handleCatchup(c *wsClient, sinceID int64) {
	if m.archive == nil {
		m.sendJSON(c, map[string]any{"type": "error", "message": "event archive disabled"})
		return
	}

	missed, err := m.archive.EventsSince(c.ctx, sinceID, CatchupLimit+1)
	if err != nil {
		log.Warn(log.CatEvents, "catchup query failed", "client_id", c.id, "error", err.Error())
		m.sendJSON(c, map[string]any{"type": "error", "message": "catchup query failed"})
		return
	}

	if len(missed) > CatchupLimit {
		m.sendJSON(c, map[string]any{"type": "catchup.overflow", "sinceId": sinceID})
		return
	}

	f := c.currentFilter()
	for _, ev := range missed {
		if !f.matches(ev) {
			continue
		}
		frame, err := json.Marshal(map[string]any{"type": "event", "event": ev})
		if err != nil {
			continue
		}
		if !c.enqueue(frame) {
			return
		}
	}
}

func (m *WSManager) register(c *wsClient) {
	m.mu.Lock()
	m.clients[c.id] = c
	m.mu.Unlock()
	log.Debug(log.CatEvents, "websocket client connected", "client_id", c.id)
}

func (m *WSManager) unregister(c *wsClient) {
	m.mu.Lock()
	delete(m.clients, c.id)
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	log.Debug(log.CatEvents, "websocket client disconnected", "client_id", c.id)
}

func (m *WSManager) writeLoop(c *wsClient) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (m *WSManager) sendJSON(c *wsClient, v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		return
	}
	if !c.enqueue(frame) {
		log.Debug(log.CatEvents, "dropping frame for slow client", "client_id", c.id)
	}
}
