// Package websocket streams workflow notifications to connected clients.
// Each client is bound to the topics its identity may see; the hub is a
// notification sink that fans every delivered event out to those topics.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/labflow/internal/platform/auth"
	"github.com/ehr/labflow/internal/platform/notification"
)

// TopicAll receives every event.
const TopicAll = "*"

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// CenterTopic and DoctorTopic name the audiences an event is fanned out to.
func CenterTopic(centerID string) string { return "center:" + centerID }
func DoctorTopic(doctorID string) string { return "doctor:" + doctorID }

// ClientMessage lets a client narrow its feed to a set of event types.
type ClientMessage struct {
	Action string   `json:"action"`
	Types  []string `json:"types"`
}

// Client is one connected feed.
type Client struct {
	ID      string
	ActorID string
	Topics  []string
	Send    chan []byte

	mu    sync.RWMutex
	types map[notification.EventType]struct{}
}

// NewClient builds a client bound to topics.
func NewClient(actorID string, topics []string) *Client {
	return &Client{
		ID:      uuid.New().String(),
		ActorID: actorID,
		Topics:  topics,
		Send:    make(chan []byte, sendBuffer),
	}
}

// Subscribe restricts the client to the given event types. The first call
// replaces the implicit "everything" filter.
func (c *Client) Subscribe(types []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.types == nil {
		c.types = make(map[notification.EventType]struct{}, len(types))
	}
	for _, t := range types {
		c.types[notification.EventType(t)] = struct{}{}
	}
}

// Unsubscribe removes event types from the filter. Removing the last one
// restores the unfiltered feed.
func (c *Client) Unsubscribe(types []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range types {
		delete(c.types, notification.EventType(t))
	}
	if len(c.types) == 0 {
		c.types = nil
	}
}

func (c *Client) wants(t notification.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.types == nil {
		return true
	}
	_, ok := c.types[t]
	return ok
}

// Hub tracks clients by topic. All operations are safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	skipped atomic.Int64
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client under its topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
}

// Unregister removes a client and closes its Send channel. Calling it twice
// is harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// ProcessMessage applies a client's filter change. Unknown actions are
// ignored.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		client.Subscribe(msg.Types)
	case "unsubscribe":
		client.Unsubscribe(msg.Types)
	}
}

func (h *Hub) Name() string { return "websocket" }

// Deliver implements notification.Sink. Slow clients miss events rather
// than stall the dispatcher.
func (h *Hub) Deliver(_ context.Context, ev notification.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	topics := []string{TopicAll}
	if ev.CenterRef != "" {
		topics = append(topics, CenterTopic(ev.CenterRef))
	}
	if ev.DoctorRef != "" {
		topics = append(topics, DoctorTopic(ev.DoctorRef))
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, topic := range topics {
		for client := range h.clients[topic] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			if !client.wants(ev.Type) {
				continue
			}
			select {
			case client.Send <- data:
			default:
				h.skipped.Add(1)
				h.logger.Warn().Str("client_id", client.ID).Str("event_type", string(ev.Type)).
					Msg("websocket client buffer full, event skipped")
			}
		}
	}
	return nil
}

// Skipped counts events not queued because a client's buffer was full.
func (h *Hub) Skipped() int64 { return h.skipped.Load() }

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients bound to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// ---------------------------------------------------------------------------
// Handler: Echo endpoint that upgrades to a WebSocket feed
// ---------------------------------------------------------------------------

// TopicResolver maps an authenticated identity to the topics it may follow.
type TopicResolver func(id auth.Identity) ([]string, error)

// Handler upgrades authenticated requests into feed clients.
type Handler struct {
	hub      *Hub
	resolve  TopicResolver
	upgrader gorillawebsocket.Upgrader
}

// NewHandler builds the feed endpoint. allowedOrigins follows the CORS
// list; "*" accepts any origin and an empty list only accepts same-host
// requests.
func NewHandler(hub *Hub, resolve TopicResolver, allowedOrigins []string) *Handler {
	return &Handler{
		hub:     hub,
		resolve: resolve,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil // gorilla's same-host check
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(strings.TrimSpace(o), origin) {
				return true
			}
		}
		return false
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/events/ws", h.HandleConnect)
}

// HandleConnect resolves the caller's topics before upgrading so that an
// unauthorised caller gets a plain HTTP error.
func (h *Handler) HandleConnect(c echo.Context) error {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	topics, err := h.resolve(id)
	if err != nil {
		return err
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		return nil
	}

	client := NewClient(id.ID, topics)
	h.hub.Register(client)
	zerolog.Ctx(c.Request().Context()).Info().
		Str("client_id", client.ID).Strs("topics", topics).Msg("websocket feed connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(4 << 10)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			var closeErr *gorillawebsocket.CloseError
			if !errors.As(err, &closeErr) {
				h.hub.logger.Debug().Err(err).Str("client_id", client.ID).Msg("websocket read ended")
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
