package hub

import "github.com/stumn/Chatment-sub000/internal/event"

// BroadcastRoom delivers ev to every connection currently joined to roomID,
// except exceptConnID (pass "" to include everyone). Targets are collected
// under the lock but sends happen outside it.
func (r *Registry) BroadcastRoom(roomID string, ev event.Event, exceptConnID string) {
	r.mu.Lock()
	targets := make([]Conn, 0, len(r.rooms[roomID]))
	for connID := range r.rooms[roomID] {
		if connID == exceptConnID {
			continue
		}
		if m, ok := r.members[connID]; ok {
			targets = append(targets, m.conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range targets {
		conn.Send(ev)
	}
}

// BroadcastSpace delivers ev to every connection registered to spaceID —
// document-row events are space-wide because the document pane is shared
// across all rooms of a space.
func (r *Registry) BroadcastSpace(spaceID int64, ev event.Event, exceptConnID string) {
	r.mu.Lock()
	targets := make([]Conn, 0, len(r.spaces[spaceID]))
	for connID := range r.spaces[spaceID] {
		if connID == exceptConnID {
			continue
		}
		if m, ok := r.members[connID]; ok {
			targets = append(targets, m.conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range targets {
		conn.Send(ev)
	}
}
