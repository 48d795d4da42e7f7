package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns in-memory group fanout handles. It is intentionally minimal:
// persistence lives behind MessageStore and GroupStore.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	groups map[string]*Group
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:    log,
		groups: make(map[string]*Group),
	}
}

// GetOrCreateGroup returns a stable in-memory group handle.
func (h *Hub) GetOrCreateGroup(groupID string) *Group {
	h.mu.Lock()
	defer h.mu.Unlock()

	if g, ok := h.groups[groupID]; ok {
		return g
	}

	g := NewGroup(h.log, groupID)
	h.groups[groupID] = g
	return g
}
