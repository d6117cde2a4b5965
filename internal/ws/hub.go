package ws

import (
	"sync"
)

// Hub tracks connected clients and which conversation each one is
// watching. It is the delivery edge for feed events and transient
// notification alerts.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client         // userID -> Client
	rooms   map[string]map[string]bool // conversationID -> userIDs
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]bool),
	}
}

func (h *Hub) AddClient(userID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[userID] = c
}

func (h *Hub) RemoveClient(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, userID)
	for _, members := range h.rooms {
		delete(members, userID)
	}
}

// RemoveClientIf drops the registration only while c is still the
// user's current client. A socket replaced by a newer one for the same
// user gets false and must not tear shared state down.
func (h *Hub) RemoveClientIf(userID string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] != c {
		return false
	}
	delete(h.clients, userID)
	for _, members := range h.rooms {
		delete(members, userID)
	}
	return true
}

func (h *Hub) JoinRoom(conversationID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[string]bool)
	}
	h.rooms[conversationID][userID] = true
}

func (h *Hub) LeaveRoom(conversationID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[conversationID]; ok {
		delete(members, userID)
	}
}

func (h *Hub) Broadcast(conversationID string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if members, ok := h.rooms[conversationID]; ok {
		for userID := range members {
			if client, ok := h.clients[userID]; ok {
				client.Send(payload)
			}
		}
	}
}

// Alert pushes a transient payload to one user, if connected. Satisfies
// the dispatcher's Alerter.
func (h *Hub) Alert(userID string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if client, ok := h.clients[userID]; ok {
		client.Send(payload)
	}
}
