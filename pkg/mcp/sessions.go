package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry maps chat session IDs to the MCP client session that started them.
// Populated when a client starts a chat over a transport with sessions.
type SessionRegistry struct {
	mu      sync.RWMutex
	clients map[string]string // chat session ID → MCP session ID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{clients: make(map[string]string)}
}

// Register associates a chat session with an MCP client session.
// A later Register for the same chat moves it to the new client.
func (r *SessionRegistry) Register(chatID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[chatID] = clientID
}

// ClientFor returns the MCP session that owns a chat, if connected.
func (r *SessionRegistry) ClientFor(chatID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.clients[chatID]
	return cid, ok
}

// Forget drops a single chat mapping.
func (r *SessionRegistry) Forget(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, chatID)
}

// Remove deletes every chat owned by the MCP session and returns their IDs, sorted.
// Called when a client disconnects.
func (r *SessionRegistry) Remove(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for chatID, cid := range r.clients {
		if cid == clientID {
			delete(r.clients, chatID)
			removed = append(removed, chatID)
		}
	}
	slices.Sort(removed)
	return removed
}
