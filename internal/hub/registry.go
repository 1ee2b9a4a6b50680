// Package hub tracks connected sessions, their space/room membership and
// fans out authoritative events. All shared state lives behind one mutex;
// every mutation is atomic relative to every other.
package hub

import (
	"sync"

	"github.com/stumn/Chatment-sub000/internal/event"
)

// Conn is the per-client event channel the transport provides. Send must not
// block the caller indefinitely.
type Conn interface {
	ID() string
	Send(ev event.Event)
}

type member struct {
	conn        Conn
	displayName string
	spaceID     int64
	roomID      string // empty while not joined to any room
}

// Registry is the room/space registry and broadcast router.
type Registry struct {
	mu      sync.Mutex
	members map[string]*member
	rooms   map[string]map[string]struct{} // roomID -> connIDs
	spaces  map[int64]map[string]struct{}  // spaceID -> connIDs
}

func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]*member),
		rooms:   make(map[string]map[string]struct{}),
		spaces:  make(map[int64]map[string]struct{}),
	}
}

// Register binds a connection to a space at login time. Document-wide events
// reach every registered connection of the space, joined to a room or not.
func (r *Registry) Register(conn Conn, spaceID int64, displayName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.members[conn.ID()] = &member{conn: conn, displayName: displayName, spaceID: spaceID}
	if r.spaces[spaceID] == nil {
		r.spaces[spaceID] = make(map[string]struct{})
	}
	r.spaces[spaceID][conn.ID()] = struct{}{}
}

// Join moves the connection into roomID, leaving any previously joined room
// first — a connection belongs to at most one room at a time. It returns the
// previous room id (empty if none) and the new room's participant count.
func (r *Registry) Join(connID, roomID string) (prevRoomID string, participants int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.members[connID]
	if !exists {
		return "", 0, false
	}
	prevRoomID = m.roomID
	if prevRoomID == roomID {
		return "", len(r.rooms[roomID]), true
	}
	if prevRoomID != "" {
		r.removeFromRoom(connID, prevRoomID)
	}
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]struct{})
	}
	r.rooms[roomID][connID] = struct{}{}
	m.roomID = roomID
	return prevRoomID, len(r.rooms[roomID]), true
}

// Leave removes the connection from roomID. Also used on disconnect.
func (r *Registry) Leave(connID, roomID string) (participants int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.members[connID]
	if !exists || m.roomID != roomID {
		return 0, false
	}
	r.removeFromRoom(connID, roomID)
	m.roomID = ""
	return len(r.rooms[roomID]), true
}

// Unregister drops the connection entirely and reports where it was, so the
// caller can broadcast user-left. Safe to call for unknown connections.
func (r *Registry) Unregister(connID string) (spaceID int64, roomID, displayName string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.members[connID]
	if !exists {
		return 0, "", "", false
	}
	if m.roomID != "" {
		r.removeFromRoom(connID, m.roomID)
	}
	if set := r.spaces[m.spaceID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.spaces, m.spaceID)
		}
	}
	delete(r.members, connID)
	return m.spaceID, m.roomID, m.displayName, true
}

func (r *Registry) removeFromRoom(connID, roomID string) {
	if set := r.rooms[roomID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

// RoomOf returns the room the connection is currently joined to.
func (r *Registry) RoomOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connID]
	if !ok || m.roomID == "" {
		return "", false
	}
	return m.roomID, true
}

// SpaceOf returns the space the connection logged into.
func (r *Registry) SpaceOf(connID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connID]
	if !ok {
		return 0, false
	}
	return m.spaceID, true
}

// DisplayNameOf returns the name announced at login.
func (r *Registry) DisplayNameOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connID]
	if !ok {
		return "", false
	}
	return m.displayName, true
}

// ParticipantCount is the number of connections currently joined to roomID.
func (r *Registry) ParticipantCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[roomID])
}
