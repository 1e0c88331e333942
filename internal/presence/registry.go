// Package presence maintains the authoritative in-memory view of live
// connections: which connection belongs to which user and room. It is the
// only shared mutable state in the distribution core, guarded by a single
// mutex; everything it does completes synchronously.
package presence

import (
	"sort"
	"sync"
	"time"

	"parley/internal/model"
)

// Connection is one live transport session. A display name may own several
// connections at once (multi-device); each connection keeps its own room.
type Connection struct {
	ID       string
	Name     string
	Room     string
	Avatar   string
	JoinedAt time.Time
}

// Broadcaster receives room-scoped presence traffic. The room router
// implements it; it is injected after construction to break the
// registry→router→registry dependency loop.
type Broadcaster interface {
	BroadcastToRoom(room, event string, payload any, exclude ...string)
}

// UserEvent is the payload of a join/leave announcement.
type UserEvent struct {
	Type      string    `json:"type"`
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry tracks active connections and the name→connections index.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	byName  map[string][]string
	emitter Broadcaster
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		byName: make(map[string][]string),
	}
}

// SetBroadcaster installs the presence event sink. Must be called before the
// first Join; passing nil silences presence announcements (used in tests).
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.mu.Lock()
	r.emitter = b
	r.mu.Unlock()
}

// Join registers or overwrites the record for connID. Re-joining the same
// connection replaces its record without duplicating the name index entry.
// Emits a join event and a refreshed member list to the connection's room;
// when the connection was already in a different room, that room gets a
// leave event and its own refreshed list so it does not go stale.
func (r *Registry) Join(connID, name, room, avatar string) {
	r.mu.Lock()

	var prevRoom, prevName string
	if prev, ok := r.conns[connID]; ok {
		r.removeFromIndexLocked(prev.Name, connID)
		if prev.Room != room {
			prevRoom, prevName = prev.Room, prev.Name
		}
	}
	conn := &Connection{
		ID:       connID,
		Name:     name,
		Room:     room,
		Avatar:   avatar,
		JoinedAt: time.Now().UTC(),
	}
	r.conns[connID] = conn
	r.byName[name] = append(r.byName[name], connID)

	members := r.membersLocked(room)
	var prevMembers []model.Member
	if prevRoom != "" {
		prevMembers = r.membersLocked(prevRoom)
	}
	emitter := r.emitter
	r.mu.Unlock()

	if emitter != nil {
		if prevRoom != "" {
			emitter.BroadcastToRoom(prevRoom, "user_event", UserEvent{
				Type:      "leave",
				User:      prevName,
				Timestamp: conn.JoinedAt,
			})
			emitter.BroadcastToRoom(prevRoom, "active_users", prevMembers)
		}
		emitter.BroadcastToRoom(room, "user_event", UserEvent{
			Type:      "join",
			User:      name,
			Timestamp: conn.JoinedAt,
		})
		emitter.BroadcastToRoom(room, "active_users", members)
	}
}

// Leave removes connID and announces the departure to its room. Unregistered
// connection ids are a no-op: leave may race a disconnect that already won.
func (r *Registry) Leave(connID string) {
	r.mu.Lock()

	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	r.removeFromIndexLocked(conn.Name, connID)

	members := r.membersLocked(conn.Room)
	emitter := r.emitter
	r.mu.Unlock()

	if emitter != nil {
		emitter.BroadcastToRoom(conn.Room, "user_event", UserEvent{
			Type:      "leave",
			User:      conn.Name,
			Timestamp: time.Now().UTC(),
		})
		emitter.BroadcastToRoom(conn.Room, "active_users", members)
	}
}

// removeFromIndexLocked drops connID from name's list and deletes the name
// entry entirely when the list empties. Callers hold the write lock.
func (r *Registry) removeFromIndexLocked(name, connID string) {
	ids := r.byName[name]
	for i, id := range ids {
		if id == connID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byName, name)
		return
	}
	r.byName[name] = ids
}

// Lookup returns a copy of the record for connID, if registered.
func (r *Registry) Lookup(connID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// MembersOf returns the distinct names (with avatar and earliest join time)
// whose live connections are currently in room, sorted by name.
func (r *Registry) MembersOf(room string) []model.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.membersLocked(room)
}

func (r *Registry) membersLocked(room string) []model.Member {
	byName := make(map[string]model.Member)
	for _, conn := range r.conns {
		if conn.Room != room {
			continue
		}
		existing, ok := byName[conn.Name]
		if !ok || conn.JoinedAt.Before(existing.JoinedAt) {
			byName[conn.Name] = model.Member{
				Name:     conn.Name,
				Avatar:   conn.Avatar,
				JoinedAt: conn.JoinedAt,
			}
		}
	}

	members := make([]model.Member, 0, len(byName))
	for _, m := range byName {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members
}

// ConnectionsFor returns the live connection ids for name, for multi-device
// fan-out. The result is a copy; empty when the name is offline.
func (r *Registry) ConnectionsFor(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.byName[name]...)
}

// ConnectionsInRoom returns the ids of every live connection whose room
// field equals room, the broadcast target set.
func (r *Registry) ConnectionsInRoom(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, conn := range r.conns {
		if conn.Room == room {
			ids = append(ids, id)
		}
	}
	return ids
}
