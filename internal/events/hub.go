package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"shuttle-tracker/internal/models"
)

// ErrHubBacklog is returned when the hub cannot keep up with arrivals
var ErrHubBacklog = errors.New("stream hub backlog full")

// ClientGauge tracks how many stream clients are connected
type ClientGauge interface {
	StreamClientsSet(n int)
}

// Client is one websocket subscriber. A zero routeID receives every route.
type Client struct {
	ID      string
	Send    chan []byte
	routeID int32
}

// NewClient creates a subscriber; routeID 0 means every route
func NewClient(id string, routeID int32, bufferSize int) *Client {
	return &Client{ID: id, Send: make(chan []byte, bufferSize), routeID: routeID}
}

func (c *Client) wants(a models.StopArrival) bool {
	return c.routeID == 0 || c.routeID == a.RouteID
}

// StreamMessage is the envelope written to websocket clients
type StreamMessage struct {
	Type    string              `json:"type"`
	Payload *models.StopArrival `json:"payload,omitempty"`
}

// Hub fans stop arrivals out to websocket clients
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan models.StopArrival
	done       chan struct{}

	gauge   ClientGauge
	origins []string
	logger  *slog.Logger
}

// NewHub creates a hub; call Run to start it
func NewHub(gauge ClientGauge, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client), // unbuffered: a send succeeds only while Run is live
		unregister: make(chan *Client, 16),
		broadcast:  make(chan models.StopArrival, 256),
		done:       make(chan struct{}),
		gauge:      gauge,
		logger:     logger.With("component", "stream_hub"),
	}
}

// AllowOrigins sets the host patterns (path.Match syntax) accepted for
// cross-origin stream connections. Call before serving.
func (h *Hub) AllowOrigins(patterns ...string) {
	h.origins = patterns
}

// Run owns the client set until ctx ends. It must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.setGauge(n)
			h.logger.Debug("client registered", "client_id", client.ID, "total", n)

		case client := <-h.unregister:
			h.removeClient(client)

		case arrival := <-h.broadcast:
			h.fanout(arrival)
		}
	}
}

// PublishArrival queues an arrival for fan-out without blocking the caller
func (h *Hub) PublishArrival(_ context.Context, arrival models.StopArrival) error {
	select {
	case h.broadcast <- arrival:
		return nil
	default:
		return ErrHubBacklog
	}
}

// Register adds a client. Once the hub has stopped the client's Send
// channel is closed instead.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

// Unregister removes a client and closes its Send channel
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) fanout(arrival models.StopArrival) {
	data, err := json.Marshal(StreamMessage{Type: "arrival", Payload: &arrival})
	if err != nil {
		h.logger.Error("marshal arrival", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(arrival) {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.logger.Debug("client buffer full, dropping arrival", "client_id", client.ID)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.Send)
	n := len(h.clients)
	h.mu.Unlock()

	h.setGauge(n)
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", n)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.Send)
		delete(h.clients, client)
	}
	h.setGauge(0)
}

func (h *Hub) setGauge(n int) {
	if h.gauge != nil {
		h.gauge.StreamClientsSet(n)
	}
}

// ServeWS upgrades the request and streams arrivals until the client goes
// away. ?route=<id> limits the stream to one route.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var routeID int32
	if v := r.URL.Query().Get("route"); v != "" {
		id, err := strconv.ParseInt(v, 10, 32)
		if err != nil || id <= 0 {
			http.Error(w, "invalid route", http.StatusBadRequest)
			return
		}
		routeID = int32(id)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	client := NewClient(uuid.New().String(), routeID, 64)
	h.Register(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, conn, client)

	h.readLoop(ctx, conn, client)
}

// readLoop discards client frames; it exists to notice disconnects
func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, client *Client) {
	defer func() {
		h.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "client_id", client.ID, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
