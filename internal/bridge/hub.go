// Package bridge exposes a running TOC client over HTTP: Prometheus
// metrics, a JSON buddy list and a WebSocket that streams client events
// and accepts outgoing messages.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tocclient/internal/toc"
)

// Session is the part of the TOC client the bridge drives.
type Session interface {
	Buddies() []toc.Buddy
	Send(ctx context.Context, screenName, message string, autoResponse bool) error
}

// EventType identifies an event sent to WebSocket clients.
type EventType string

const (
	EventMessage    EventType = "message"
	EventBuddy      EventType = "buddy"
	EventConfig     EventType = "config"
	EventError      EventType = "error"
	EventDisconnect EventType = "disconnect"
	EventSent       EventType = "sent"
)

// Event is the JSON document pushed to WebSocket clients.
type Event struct {
	Type  EventType  `json:"type"`
	From  string     `json:"from,omitempty"`
	To    string     `json:"to,omitempty"`
	Text  string     `json:"text,omitempty"`
	Auto  bool       `json:"auto,omitempty"`
	Code  int        `json:"code,omitempty"`
	Buddy *BuddyView `json:"buddy,omitempty"`
	Error string     `json:"error,omitempty"`
}

// Command is a JSON document received from a WebSocket client.
type Command struct {
	Type string `json:"type"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// BuddyView is the JSON form of a roster entry.
type BuddyView struct {
	ScreenName string    `json:"screen_name"`
	Group      string    `json:"group"`
	Online     bool      `json:"online"`
	Available  bool      `json:"available"`
	EvilAmount int       `json:"evil"`
	IdleTime   int       `json:"idle_minutes"`
	SignOnTime time.Time `json:"signon_time"`
	IsOnAOL    bool      `json:"aol"`
	UserClass  string    `json:"class"`
}

func viewOf(b toc.Buddy) BuddyView {
	return BuddyView{
		ScreenName: b.ScreenName,
		Group:      b.Group,
		Online:     b.Online,
		Available:  b.Available,
		EvilAmount: b.EvilAmount,
		IdleTime:   int(b.IdleTime / time.Minute),
		SignOnTime: b.SignOnTime,
		IsOnAOL:    b.IsOnAOL,
		UserClass:  b.UserClass.String(),
	}
}

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

// client is one WebSocket peer. Events are queued on send and written by
// writePump, so a slow peer never blocks the publisher.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// queue reports false when the peer's buffer is full.
func (c *client) queue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *client) writePump() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Hub manages WebSocket connections and fans client events out to them.
// Publishing never blocks; a peer that falls sendBuffer events behind is
// disconnected.
type Hub struct {
	session  Session
	logger   *slog.Logger
	clients  map[*client]bool
	mu       sync.RWMutex
	upgrader websocket.Upgrader
}

// NewHub creates a hub that forwards send commands to session.
func NewHub(session Session, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		session: session,
		logger:  logger,
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket upgrades the request and serves the connection until
// the peer goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	c := newClient(conn)

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	go c.writePump()

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			break
		}
		h.handle(req.Context(), c, cmd)
	}

	h.drop(c)
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) handle(ctx context.Context, c *client, cmd Command) {
	reply := Event{Type: EventSent, To: cmd.To, Text: cmd.Text}
	switch cmd.Type {
	case "send":
		if cmd.To == "" {
			reply = Event{Type: EventError, Error: "send needs a recipient"}
			break
		}
		if err := h.session.Send(ctx, cmd.To, cmd.Text, false); err != nil {
			reply = Event{Type: EventError, To: cmd.To, Error: err.Error()}
		}
	default:
		reply = Event{Type: EventError, Error: "unknown command " + cmd.Type}
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if !c.queue(data) {
		h.logger.Warn("dropping slow websocket client")
		h.drop(c)
	}
}

// Message publishes an incoming instant message.
func (h *Hub) Message(m toc.Message) {
	h.broadcast(Event{Type: EventMessage, From: m.From, Text: m.Text, Auto: m.AutoResponse})
}

// BuddyUpdate publishes a roster change.
func (h *Hub) BuddyUpdate(b toc.Buddy) {
	view := viewOf(b)
	h.broadcast(Event{Type: EventBuddy, Buddy: &view})
}

// Config publishes the arrival of the server buddy list.
func (h *Hub) Config() {
	h.broadcast(Event{Type: EventConfig})
}

// Error publishes a recoverable server warning.
func (h *Hub) Error(r *toc.ErrorRecord) {
	h.broadcast(Event{Type: EventError, Code: r.Code, Text: r.Message})
}

// Disconnect publishes the loss of the TOC connection.
func (h *Hub) Disconnect(err error) {
	ev := Event{Type: EventDisconnect}
	if err != nil {
		ev.Error = err.Error()
	}
	h.broadcast(ev)
}

func (h *Hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.queue(data) {
			h.logger.Warn("dropping slow websocket client")
			h.drop(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close closes all client connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}
