package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Event is one activity-feed message pushed to websocket subscribers.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Activity event types.
const (
	EventNoteIngested   = "note_ingested"
	EventNoteDeleted    = "note_deleted"
	EventBulkCompleted  = "bulk_completed"
	EventEntitiesMerged = "entities_merged"
)

// NewEvent stamps an event with the current time.
func NewEvent(eventType string, payload interface{}) Event {
	return Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()}
}

// subscriber allows both real websocket clients and test doubles.
type subscriber interface {
	sendChannel() chan []byte
	closeConn()
}

// Hub fans activity events out to connected websocket clients.
type Hub struct {
	clients        map[subscriber]bool
	broadcast      chan Event
	register       chan subscriber
	unregister     chan subscriber
	originPatterns []string
	mu             sync.Mutex
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewHub creates an activity hub. originPatterns restricts websocket
// upgrades by Origin header; empty means same-host defaults.
func NewHub(originPatterns []string) *Hub {
	if len(originPatterns) == 0 {
		originPatterns = []string{"localhost:*", "127.0.0.1:*"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:        make(map[subscriber]bool),
		broadcast:      make(chan Event, 256),
		register:       make(chan subscriber),
		unregister:     make(chan subscriber),
		originPatterns: originPatterns,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("server: websocket client connected (total: %d)", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.sendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("server: websocket client disconnected (total: %d)", count)

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("server: failed to marshal activity event: %v", err)
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.sendChannel() <- data:
				default:
					// Slow consumer; drop it rather than block the feed.
					close(client.sendChannel())
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the hub down and disconnects all clients.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	for client := range h.clients {
		close(client.sendChannel())
		client.closeConn()
	}
	h.clients = make(map[subscriber]bool)
	h.mu.Unlock()
}

// Broadcast queues an event for all subscribers. Never blocks; the event is
// dropped when the queue is full.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		log.Printf("server: activity feed full, dropping %s event", event.Type)
	}
}

// drop unregisters a client without blocking once the hub has stopped.
func (h *Hub) drop(c subscriber) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// ServeHTTP upgrades GET /api/events requests to a websocket subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, 64)}
	select {
	case h.register <- client:
	case <-h.ctx.Done():
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	go client.writePump()
	go client.readPump()
}

// wsClient is one live websocket subscription.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) sendChannel() chan []byte { return c.send }

func (c *wsClient) closeConn() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *wsClient) writePump() {
	defer func() {
		c.hub.drop(c)
		c.closeConn()
	}()
	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			return
		}
	}
}

// readPump drains inbound frames so close handshakes are noticed. The feed
// is one-way; client messages are ignored.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.drop(c)
		c.closeConn()
	}()
	for {
		if _, _, err := c.conn.Read(context.Background()); err != nil {
			return
		}
	}
}
