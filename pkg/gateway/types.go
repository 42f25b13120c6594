package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame types exchanged with gateway clients.
const (
	FrameMessage           = "message"
	FrameAssistantResponse = "assistant_response"
	FrameError             = "error"
	FrameStatus            = "status"
)

// Frame is one JSON message on a gateway connection. Incoming frames carry
// Type "message" with Content; outgoing frames carry an assistant response,
// an error, or a status transition.
type Frame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

// QueryProcessor turns one query into a final answer. Satisfied by
// *agent.Runner.
type QueryProcessor interface {
	Process(ctx context.Context, query string) (string, error)
}

// Client is one connected gateway client.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	RemoteAddr  string

	writeMu sync.Mutex
}

// WriteFrame sends one frame to the client. Safe for concurrent use.
func (c *Client) WriteFrame(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(frame)
}

// ClientRegistry tracks connected clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

// Add registers a client.
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
}

// Remove unregisters a client.
func (r *ClientRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// All returns a snapshot of connected clients.
func (r *ClientRegistry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}
