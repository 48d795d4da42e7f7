package realtime

import (
	"log/slog"
	"sync"

	chatv1 "supportline/contracts/chat/v1"
)

// Group is an in-memory membership + broadcast fanout primitive for one
// conversation group.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Group struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewGroup constructs a group fanout handle.
func NewGroup(log *slog.Logger, id string) *Group {
	return &Group{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (g *Group) Join(client *Client) {
	if g == nil || client == nil || client.SessionID == "" {
		return
	}

	g.mu.Lock()
	g.members[client.SessionID] = client
	g.mu.Unlock()

	g.log.Info("group.member.join", "group_id", g.ID, "session_id", client.SessionID)
}

// Leave removes a client from membership. Unlike a full client shutdown,
// leaving keeps the connection alive: a client switching groups leaves the
// old one first and keeps its session.
func (g *Group) Leave(sessionID string) {
	if g == nil || sessionID == "" {
		return
	}

	g.mu.Lock()
	delete(g.members, sessionID)
	g.mu.Unlock()

	g.log.Info("group.member.leave", "group_id", g.ID, "session_id", sessionID)
}

// Broadcast fanouts an envelope to all members, the sender included (clients
// suppress their own echo). Non-blocking: if a member queue is full or the
// client is shutting down, the envelope is dropped for that member.
func (g *Group) Broadcast(env chatv1.Envelope) {
	if g == nil {
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, m := range g.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole group.
		}
	}
}
