// Package websocket streams engagement events to connected clients. Events
// are routed per user: a client only ever receives events for the user its
// session belongs to.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event is a real-time engagement notification pushed to a user's clients.
type Event struct {
	Type string         `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// Event types.
const (
	EventStreakUpdated = "streak_updated"
	EventCampaignSent  = "campaign_sent"
)

// NewEvent creates an Event stamped with the current time.
func NewEvent(eventType string, data map[string]any) Event {
	return Event{Type: eventType, At: time.Now().UTC(), Data: data}
}

// Hub maintains the set of active clients grouped by user and routes events
// to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[int64]map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to its user's group.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	group, ok := h.clients[c.userID]
	if !ok {
		group = make(map[*Client]struct{})
		h.clients[c.userID] = group
	}
	group[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if group, ok := h.clients[c.userID]; ok {
		if _, ok := group[c]; ok {
			delete(group, c)
			close(c.send)
		}
		if len(group) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()
}

// Publish sends an event to every connected client of one user. Clients with
// a full buffer drop the event rather than block the publisher.
func (h *Hub) Publish(userID int64, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[userID] {
		select {
		case c.send <- data:
		default:
		}
	}
}

// ClientCount returns the number of connected clients across all users.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, group := range h.clients {
		n += len(group)
	}
	return n
}
