// Package hub tracks the pages connected over WebSocket and routes
// client-channel messages to and from them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"neuropulse/internal/models"
)

const writeWait = 10 * time.Second

// maxOpenedWindows bounds the open-window history kept for OpenedWindows.
const maxOpenedWindows = 256

var ErrClientGone = errors.New("client disconnected")

// Client is one open page.
type Client interface {
	ID() string
	URL() string
	PostMessage(msg models.ClientMessage) error
	Focus() error
}

// MessageHandler receives messages sent by pages.
type MessageHandler func(client Client, msg models.ClientMessage)

// Hub is the registry of open pages.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]Client
	order   []string
	handler MessageHandler
	windows []string
}

// New creates an empty hub. checkOrigin may be nil to accept any origin.
func New(logger *slog.Logger, checkOrigin func(r *http.Request) bool) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		logger:  logger,
		clients: make(map[string]Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// OnMessage installs the handler for inbound page messages.
func (h *Hub) OnMessage(fn MessageHandler) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

// Register adds a client. Later registrations sort after earlier ones.
func (h *Hub) Register(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID()]; !ok {
		h.order = append(h.order, c.ID())
	}
	h.clients[c.ID()] = c
}

// Unregister removes a client by id.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[id]; !ok {
		return
	}
	delete(h.clients, id)
	for i, cid := range h.order {
		if cid == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// MatchAll returns every open client in registration order.
func (h *Hub) MatchAll() []Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Client, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.clients[id])
	}
	return out
}

// Broadcast posts msg to every client and returns how many accepted it.
func (h *Hub) Broadcast(msg models.ClientMessage) int {
	sent := 0
	for _, c := range h.MatchAll() {
		if err := c.PostMessage(msg); err != nil {
			h.logger.Debug("broadcast to client failed", "client", c.ID(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

// OpenWindow asks the pages to open url. The request is recorded even when no page is open.
func (h *Hub) OpenWindow(url string) error {
	h.mu.Lock()
	h.windows = append(h.windows, url)
	if over := len(h.windows) - maxOpenedWindows; over > 0 {
		h.windows = append(h.windows[:0:0], h.windows[over:]...)
	}
	h.mu.Unlock()
	n := h.Broadcast(models.ClientMessage{Type: models.MessageOpenWindow, URL: url})
	h.logger.Info("open window requested", "url", url, "relayed_to", n)
	return nil
}

// OpenedWindows lists the most recent urls passed to OpenWindow, oldest first.
func (h *Hub) OpenedWindows() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.windows...)
}

// Show forwards a notification to every page for display.
func (h *Hub) Show(_ context.Context, n models.Notification) error {
	h.Broadcast(models.ClientMessage{Type: models.MessageShowNotification, Notification: &n})
	return nil
}

// ServeWS upgrades the request and serves the page until it disconnects.
// The page reports its own location with the url query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		pageURL = "/"
	}
	c := &wsClient{id: uuid.NewString(), url: pageURL, ws: ws}
	h.Register(c)
	h.logger.Debug("client connected", "client", c.id, "url", c.url)

	defer func() {
		h.Unregister(c.id)
		c.close()
		h.logger.Debug("client disconnected", "client", c.id)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", "client", c.id, "error", err)
			}
			return
		}
		var msg models.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("ignoring malformed client message", "client", c.id, "error", err)
			continue
		}
		h.mu.RLock()
		handler := h.handler
		h.mu.RUnlock()
		if handler != nil {
			handler(c, msg)
		}
	}
}

type wsClient struct {
	id  string
	url string

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

func (c *wsClient) ID() string  { return c.id }
func (c *wsClient) URL() string { return c.url }

func (c *wsClient) PostMessage(msg models.ClientMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientGone
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

func (c *wsClient) Focus() error {
	return c.PostMessage(models.ClientMessage{Type: models.MessageFocus, URL: c.url})
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.Close()
}
