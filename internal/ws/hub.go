package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// Frame is the wire shape on the feed endpoint. Client frames carry an
// action; server frames carry a subject plus the raw change record.
type Frame struct {
	Action  string          `json:"action,omitempty"` // subscribe | unsubscribe
	Subject string          `json:"subject"`
	Record  json.RawMessage `json:"record,omitempty"`
}

// client is one connected feed consumer. Writes are serialized through mu;
// gorilla allows at most one concurrent writer per connection.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

// Hub tracks feed subscriptions keyed by subject and fans published change
// records out to every subscribed connection. It satisfies the service
// layer's Publisher interface.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*client]struct{}),
	}
}

func (h *Hub) subscribe(subject string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[subject] == nil {
		h.subs[subject] = make(map[*client]struct{})
	}
	h.subs[subject][c] = struct{}{}
}

func (h *Hub) unsubscribe(subject string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.subs[subject]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.subs, subject)
		}
	}
}

// drop removes the client from every subject, used on disconnect.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for subject, clients := range h.subs {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.subs, subject)
		}
	}
}

// Publish sends a change record to every connection subscribed to subject.
// Failed writes close the connection; cleanup happens on its read loop exit.
func (h *Hub) Publish(ctx context.Context, subject string, data []byte) error {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.subs[subject]))
	for c := range h.subs[subject] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	frame := Frame{Subject: subject, Record: data}
	for _, c := range targets {
		if err := c.send(frame); err != nil {
			c.conn.Close()
		}
	}
	return nil
}
