package registry

import (
	"errors"
	"sync"
	"testing"

	"signalhub/pkg/types"
)

type fakePusher struct {
	mu     sync.Mutex
	frames []any
	fail   bool
}

func (f *fakePusher) Push(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("push failed")
	}
	f.frames = append(f.frames, v)
	return nil
}

func (f *fakePusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestRegistry_RegisterStartsInDefaultRoom(t *testing.T) {
	r := New()

	conn := r.Register("c1", Meta{RemoteAddr: "10.0.0.1"})
	if len(conn.Rooms) != 1 || conn.Rooms[0] != types.DefaultRoom {
		t.Fatalf("expected default room membership, got %v", conn.Rooms)
	}
	if !r.IsMember("c1", types.DefaultRoom) {
		t.Error("room index should contain the connection")
	}
}

func TestRegistry_BidirectionalConsistency(t *testing.T) {
	r := New()
	r.Register("c1", Meta{})

	if _, err := r.AddToRoom("c1", "ops"); err != nil {
		t.Fatalf("AddToRoom failed: %v", err)
	}

	// Connection's room list and the room's member set agree.
	conn, _ := r.Get("c1")
	if len(conn.Rooms) != 2 || conn.Rooms[1] != "ops" {
		t.Errorf("expected [lobby ops], got %v", conn.Rooms)
	}
	if !r.IsMember("c1", "ops") {
		t.Error("room index missing the connection")
	}

	if _, err := r.RemoveFromRoom("c1", "ops"); err != nil {
		t.Fatalf("RemoveFromRoom failed: %v", err)
	}
	conn, _ = r.Get("c1")
	if len(conn.Rooms) != 1 {
		t.Errorf("expected only default room, got %v", conn.Rooms)
	}
	if r.IsMember("c1", "ops") {
		t.Error("room index should no longer contain the connection")
	}
}

func TestRegistry_RemoveFromRoomNotMember(t *testing.T) {
	r := New()
	r.Register("c1", Meta{})

	if _, err := r.RemoveFromRoom("c1", "ops"); err != ErrNotMember {
		t.Errorf("expected ErrNotMember, got %v", err)
	}
	if _, err := r.AddToRoom("ghost", "ops"); err != ErrNotRegistered {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestRegistry_UnregisterReturnsRooms(t *testing.T) {
	r := New()
	r.Register("c1", Meta{})
	r.AddToRoom("c1", "ops")

	rooms := r.Unregister("c1")
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %v", rooms)
	}
	if _, exists := r.Get("c1"); exists {
		t.Error("connection should be gone")
	}
	if r.MemberCount(types.DefaultRoom) != 0 || r.MemberCount("ops") != 0 {
		t.Error("room indexes should be empty")
	}

	// Idempotent.
	if rooms := r.Unregister("c1"); rooms != nil {
		t.Errorf("second unregister should return nil, got %v", rooms)
	}
}

func TestRegistry_ListByRoom(t *testing.T) {
	r := New()
	r.Register("c1", Meta{})
	r.Register("c2", Meta{})
	r.Register("c3", Meta{})
	r.AddToRoom("c1", "ops")
	r.AddToRoom("c2", "ops")

	members := r.ListByRoom("ops")
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if len(r.ListByRoom(types.DefaultRoom)) != 3 {
		t.Error("all connections should be in the default room")
	}
}

func TestRegistry_Touch(t *testing.T) {
	r := New()
	before := r.Register("c1", Meta{})

	r.Touch("c1")
	after, _ := r.Get("c1")
	if after.LastActivityAt.Before(before.LastActivityAt) {
		t.Error("touch should not move activity backwards")
	}
}

func TestRegistry_BroadcastRoomExcludesSender(t *testing.T) {
	r := New()
	p1 := &fakePusher{}
	p2 := &fakePusher{}
	p3 := &fakePusher{fail: true}
	r.Register("c1", Meta{Pusher: p1})
	r.Register("c2", Meta{Pusher: p2})
	r.Register("c3", Meta{Pusher: p3})

	sent := r.BroadcastRoom(types.DefaultRoom, map[string]any{"type": "x"}, "c1")
	if sent != 1 {
		t.Fatalf("expected 1 successful delivery, got %d", sent)
	}
	if p1.count() != 0 {
		t.Error("excluded connection should not receive the frame")
	}
	if p2.count() != 1 {
		t.Error("other member should receive the frame")
	}
}

func TestRegistry_PushUnknownConnection(t *testing.T) {
	r := New()
	if err := r.Push("ghost", "x"); err != ErrNotRegistered {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := New()
	r.Register("c1", Meta{})
	conn, _ := r.Get("c1")

	// Mutating the snapshot must not affect registry state.
	conn.Rooms[0] = "hacked"
	fresh, _ := r.Get("c1")
	if fresh.Rooms[0] != types.DefaultRoom {
		t.Error("snapshot mutation leaked into registry")
	}
}

func TestRegistry_ConcurrentMembership(t *testing.T) {
	r := New()
	r.Register("c1", Meta{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.AddToRoom("c1", "ops")
				r.RemoveFromRoom("c1", "ops")
			}
		}()
	}
	wg.Wait()

	conn, _ := r.Get("c1")
	inList := false
	for _, room := range conn.Rooms {
		if room == "ops" {
			inList = true
		}
	}
	if inList != r.IsMember("c1", "ops") {
		t.Error("room list and index disagree after concurrent churn")
	}
}
