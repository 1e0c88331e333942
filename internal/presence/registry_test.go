package presence

import (
	"sort"
	"sync"
	"testing"

	"parley/internal/model"
)

// recorder captures broadcast calls for assertions.
type recorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

type recordedCall struct {
	room    string
	event   string
	payload any
}

func (r *recorder) BroadcastToRoom(room, event string, payload any, exclude ...string) {
	r.mu.Lock()
	r.calls = append(r.calls, recordedCall{room: room, event: event, payload: payload})
	r.mu.Unlock()
}

func (r *recorder) eventsFor(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if c.room == room {
			out = append(out, c.event)
		}
	}
	return out
}

func TestJoinAnnouncesToRoom(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	reg.SetBroadcaster(rec)

	reg.Join("c1", "alice", "general", "")

	events := rec.eventsFor("general")
	if len(events) != 2 || events[0] != "user_event" || events[1] != "active_users" {
		t.Fatalf("expected [user_event active_users], got %v", events)
	}

	ev, ok := rec.calls[0].payload.(UserEvent)
	if !ok || ev.Type != "join" || ev.User != "alice" {
		t.Errorf("unexpected join payload: %+v", rec.calls[0].payload)
	}
}

func TestLeaveUnknownConnectionIsNoop(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	reg.SetBroadcaster(rec)

	reg.Leave("ghost")

	if len(rec.calls) != 0 {
		t.Fatalf("expected no announcements, got %d", len(rec.calls))
	}
}

func TestRejoinSameConnectionDoesNotDuplicateIndex(t *testing.T) {
	reg := NewRegistry()

	reg.Join("c1", "alice", "general", "")
	reg.Join("c1", "alice", "random", "")

	if ids := reg.ConnectionsFor("alice"); len(ids) != 1 {
		t.Fatalf("expected 1 connection for alice, got %v", ids)
	}
	conn, ok := reg.Lookup("c1")
	if !ok || conn.Room != "random" {
		t.Fatalf("expected c1 in random, got %+v ok=%v", conn, ok)
	}
}

func TestRoomSwitchAnnouncesToPreviousRoom(t *testing.T) {
	reg := NewRegistry()
	reg.Join("c1", "alice", "red", "")
	reg.Join("c2", "bob", "red", "")

	rec := &recorder{}
	reg.SetBroadcaster(rec)

	reg.Join("c1", "alice", "blue", "")

	redEvents := rec.eventsFor("red")
	if len(redEvents) != 2 || redEvents[0] != "user_event" || redEvents[1] != "active_users" {
		t.Fatalf("expected leave announcement in red, got %v", redEvents)
	}
	ev, ok := rec.calls[0].payload.(UserEvent)
	if !ok || ev.Type != "leave" || ev.User != "alice" {
		t.Errorf("unexpected leave payload: %+v", rec.calls[0].payload)
	}
	redMembers, ok := rec.calls[1].payload.([]model.Member)
	if !ok || len(redMembers) != 1 || redMembers[0].Name != "bob" {
		t.Errorf("stale red member list: %+v", rec.calls[1].payload)
	}

	blueEvents := rec.eventsFor("blue")
	if len(blueEvents) != 2 || blueEvents[0] != "user_event" || blueEvents[1] != "active_users" {
		t.Fatalf("expected join announcement in blue, got %v", blueEvents)
	}
}

func TestRejoinUnderNewNameMovesIndexEntry(t *testing.T) {
	reg := NewRegistry()

	reg.Join("c1", "alice", "general", "")
	reg.Join("c1", "alicia", "general", "")

	if ids := reg.ConnectionsFor("alice"); len(ids) != 0 {
		t.Fatalf("expected old name released, got %v", ids)
	}
	if ids := reg.ConnectionsFor("alicia"); len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("expected c1 under new name, got %v", ids)
	}
}

func TestMultiDeviceMembership(t *testing.T) {
	reg := NewRegistry()

	reg.Join("phone", "alice", "general", "cat.png")
	reg.Join("laptop", "alice", "general", "cat.png")
	reg.Join("c3", "bob", "general", "")

	members := reg.MembersOf("general")
	if len(members) != 2 {
		t.Fatalf("expected 2 distinct members, got %+v", members)
	}
	if members[0].Name != "alice" || members[1].Name != "bob" {
		t.Errorf("expected sorted names [alice bob], got %+v", members)
	}

	ids := reg.ConnectionsFor("alice")
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "laptop" || ids[1] != "phone" {
		t.Errorf("expected both devices, got %v", ids)
	}

	// One device leaving keeps the user present.
	reg.Leave("phone")
	if members := reg.MembersOf("general"); len(members) != 2 {
		t.Errorf("expected alice still present after one device left, got %+v", members)
	}
	reg.Leave("laptop")
	if ids := reg.ConnectionsFor("alice"); len(ids) != 0 {
		t.Errorf("expected empty index entry removed, got %v", ids)
	}
}

func TestMultiDeviceRoomsAreIndependent(t *testing.T) {
	reg := NewRegistry()

	reg.Join("phone", "alice", "general", "")
	reg.Join("laptop", "alice", "random", "")

	if ids := reg.ConnectionsInRoom("general"); len(ids) != 1 || ids[0] != "phone" {
		t.Errorf("expected only phone in general, got %v", ids)
	}
	if ids := reg.ConnectionsInRoom("random"); len(ids) != 1 || ids[0] != "laptop" {
		t.Errorf("expected only laptop in random, got %v", ids)
	}

	// Each name appears in the member list of every room it has a device in.
	if m := reg.MembersOf("general"); len(m) != 1 || m[0].Name != "alice" {
		t.Errorf("expected alice in general, got %+v", m)
	}
	if m := reg.MembersOf("random"); len(m) != 1 || m[0].Name != "alice" {
		t.Errorf("expected alice in random, got %+v", m)
	}
}

func TestMembersOfEmptyRoom(t *testing.T) {
	reg := NewRegistry()
	if m := reg.MembersOf("nowhere"); len(m) != 0 {
		t.Fatalf("expected empty member list, got %+v", m)
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%26))
			reg.Join(id, "user"+id, "general", "")
			reg.MembersOf("general")
			reg.Leave(id)
		}(i)
	}
	wg.Wait()

	if ids := reg.ConnectionsInRoom("general"); len(ids) != 0 {
		t.Fatalf("expected room drained, got %v", ids)
	}
}
