package hub

import (
	"sync"
	"testing"

	"github.com/stumn/Chatment-sub000/internal/event"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []event.Event
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Send(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *fakeConn) received() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.events...)
}

func setupRegistry() (*Registry, *fakeConn, *fakeConn, *fakeConn) {
	r := NewRegistry()
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	c := &fakeConn{id: "c"}
	r.Register(a, 7, "Aki")
	r.Register(b, 7, "Ben")
	r.Register(c, 9, "Cleo")
	return r, a, b, c
}

func TestJoinLeavesPreviousRoom(t *testing.T) {
	r, _, _, _ := setupRegistry()

	prev, count, ok := r.Join("a", "space7-main")
	if !ok || prev != "" || count != 1 {
		t.Fatalf("first join = (%q, %d, %v), want (\"\", 1, true)", prev, count, ok)
	}

	prev, count, ok = r.Join("a", "space7-side")
	if !ok || prev != "space7-main" || count != 1 {
		t.Fatalf("second join = (%q, %d, %v), want (\"space7-main\", 1, true)", prev, count, ok)
	}

	if r.ParticipantCount("space7-main") != 0 {
		t.Error("old room should be empty after switch")
	}
	if room, _ := r.RoomOf("a"); room != "space7-side" {
		t.Errorf("RoomOf = %q, want space7-side", room)
	}
}

func TestRoomIsolation(t *testing.T) {
	r, a, b, _ := setupRegistry()
	r.Join("a", "space7-main")
	r.Join("b", "space7-side")

	r.BroadcastRoom("space7-main", event.Event{Kind: event.KindChatMessage}, "")

	if len(a.received()) != 1 {
		t.Errorf("a received %d events, want 1", len(a.received()))
	}
	if len(b.received()) != 0 {
		t.Errorf("b joined another room of the same space but received %d events", len(b.received()))
	}
}

func TestBroadcastRoomExceptOrigin(t *testing.T) {
	r, a, b, _ := setupRegistry()
	r.Join("a", "space7-main")
	r.Join("b", "space7-main")

	r.BroadcastRoom("space7-main", event.Event{Kind: event.KindUserJoined}, "a")

	if len(a.received()) != 0 {
		t.Error("origin should be excluded")
	}
	if len(b.received()) != 1 {
		t.Errorf("b received %d events, want 1", len(b.received()))
	}
}

func TestBroadcastSpaceReachesAllRooms(t *testing.T) {
	r, a, b, c := setupRegistry()
	r.Join("a", "space7-main")
	r.Join("b", "space7-side")
	r.Join("c", "space9-main")

	r.BroadcastSpace(7, event.Event{Kind: event.KindRowAdded}, "")

	if len(a.received()) != 1 || len(b.received()) != 1 {
		t.Error("document events must reach every room of the space")
	}
	if len(c.received()) != 0 {
		t.Error("space 9 connection must not receive space 7 events")
	}
}

func TestBroadcastSpaceIncludesRoomlessConnections(t *testing.T) {
	r, a, _, _ := setupRegistry()
	// a is logged in but has not joined a room yet.
	r.BroadcastSpace(7, event.Event{Kind: event.KindRowEdited}, "")
	if len(a.received()) != 1 {
		t.Error("logged-in connection without a room should still get document events")
	}
}

func TestLeave(t *testing.T) {
	r, _, _, _ := setupRegistry()
	r.Join("a", "space7-main")

	count, ok := r.Leave("a", "space7-main")
	if !ok || count != 0 {
		t.Fatalf("Leave = (%d, %v), want (0, true)", count, ok)
	}
	if _, ok := r.RoomOf("a"); ok {
		t.Error("connection should have no room after leave")
	}

	// Leaving a room the connection is not in is a no-op.
	if _, ok := r.Leave("a", "space7-main"); ok {
		t.Error("second leave should report false")
	}
}

func TestUnregisterCleansUpMembership(t *testing.T) {
	r, a, b, _ := setupRegistry()
	r.Join("a", "space7-main")
	r.Join("b", "space7-main")

	spaceID, roomID, name, ok := r.Unregister("a")
	if !ok || spaceID != 7 || roomID != "space7-main" || name != "Aki" {
		t.Fatalf("Unregister = (%d, %q, %q, %v)", spaceID, roomID, name, ok)
	}
	if r.ParticipantCount("space7-main") != 1 {
		t.Errorf("participant count = %d, want 1", r.ParticipantCount("space7-main"))
	}

	r.BroadcastSpace(7, event.Event{Kind: event.KindRowDeleted}, "")
	if len(a.received()) != 0 {
		t.Error("unregistered connection must not receive events")
	}
	if len(b.received()) != 1 {
		t.Error("remaining connection should still receive events")
	}

	if _, _, _, ok := r.Unregister("a"); ok {
		t.Error("second unregister should report false")
	}
}

func TestConcurrentJoinsAndBroadcasts(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		conn := &fakeConn{id: string(rune('a' + i))}
		r.Register(conn, 7, conn.id)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Join(id, "space7-main")
				r.BroadcastRoom("space7-main", event.Event{Kind: event.KindChatMessage}, id)
				r.Leave(id, "space7-main")
			}
		}(conn.id)
	}
	wg.Wait()
	if r.ParticipantCount("space7-main") != 0 {
		t.Errorf("room should be empty, has %d", r.ParticipantCount("space7-main"))
	}
}
