// Package eventbus implements the coordinator's bidirectional event channel:
// a topic-based pub/sub hub used both to push job/session lifecycle events to
// subscribed clients and to carry the worker registry/dispatch/signaling
// traffic in the other direction. One Hub instance serves both roles — the
// wire envelope (shared/wire.Message) and topic convention are the same,
// only the set of message types a given Client acts on differs.
//
// # Design: single-writer event loop
//
// Register and unregister requests reach a single goroutine — the Run loop —
// via channels, and the loop applies them to the client registry under h.mu;
// AddTopic takes the same lock directly. Publish holds a read-lock for the
// shortest possible time to copy the target set, then sends outside the lock
// to avoid blocking the event loop while waiting on slow client channels.
//
// # Topic format
//
//	job:<job-id>         — job status/log events
//	worker:<worker-id>   — registration/heartbeat-ack events for a worker
//	session:<session-id> — signaling relay and secure-channel events
package eventbus

import (
	"context"
	"sync"

	"github.com/fabricrun/fabric/shared/wire"
)

// Hub is the central pub/sub broker for event-channel connections.
type Hub struct {
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

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

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine. It exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, topic := range client.Topics() {
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
				for _, topic := range client.Topics() {
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
// any goroutine. Clients whose send buffer is full are disconnected to
// prevent backpressure from a slow consumer stalling other subscribers.
func (h *Hub) Publish(topic string, msg wire.Message) {
	h.mu.RLock()
	targets := h.topics[topic]
	var clients []*Client
	for c := range targets {
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

// Subscribe registers client with the hub and adds it to all its topics.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub and all its topic subscriptions.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// AddTopic subscribes an already-registered client to an additional topic —
// used when a worker opens a new session after its connection is already
// live.
func (h *Hub) AddTopic(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.addTopic(topic)
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]struct{})
	}
	h.topics[topic][client] = struct{}{}
}

// ConnectedCount returns the current number of connected clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
