// Package events implements the real-time pub/sub hub that pushes model
// status transitions to connected websocket subscribers, so frontends track
// training and deployment progress without polling.
//
// Topic naming convention:
//
//	models        every status transition on the platform
//	model:<uuid>  transitions for one model
package events

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/bazaar-ml/bazaar/internal/db"
)

// Message is the envelope for every websocket frame sent to subscribers.
type Message struct {
	Type    string `json:"type"` // "model.status"
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// StatusPayload is the body of a model.status message.
type StatusPayload struct {
	ModelID string `json:"model_id"`
	Field   string `json:"field"` // status column that changed
	From    string `json:"from"`
	To      string `json:"to"`
}

// Hub routes published messages to subscribed clients.
//
// Registry mutations are serialized through the Run loop via channels.
// Publish holds a read-lock only long enough to copy the target set, then
// sends outside the lock so a slow client cannot stall the event loop.
type Hub struct {
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	// mu protects clients and topics during Publish, which reads them from
	// outside the Run goroutine.
	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. Call exactly once, in its own goroutine.
// Exits when ctx is cancelled during graceful shutdown.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, topic := range client.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Client]struct{})
				}
				h.topics[topic][client] = struct{}{}
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, topic := range client.topics {
					delete(h.topics[topic], client)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends msg to every client subscribed to topic. Safe to call from
// any goroutine. Clients whose send buffer is full are disconnected so a slow
// consumer cannot block other subscribers.
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.RLock()
	var clients []*Client
	for c := range h.topics[topic] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			h.unregister <- c
		}
	}
}

// PublishStatus broadcasts one status transition to the global topic and the
// model's own topic. Implements the job manager's publisher interface.
func (h *Hub) PublishStatus(modelID uuid.UUID, field string, from, to db.Status) {
	payload := StatusPayload{
		ModelID: modelID.String(),
		Field:   field,
		From:    string(from),
		To:      string(to),
	}
	for _, topic := range []string{"models", "model:" + modelID.String()} {
		h.Publish(topic, Message{Type: "model.status", Topic: topic, Payload: payload})
	}
}

// Subscribe registers client with the hub and adds it to its topics.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub and its topic subscriptions.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the number of connected clients, for metrics.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
