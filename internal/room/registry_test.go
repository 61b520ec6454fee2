package room

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

type fakeOccupant struct {
	id string

	mu     sync.Mutex
	events []Event
	reject bool
}

func newFakeOccupant(id string) *fakeOccupant {
	return &fakeOccupant{id: id}
}

func (o *fakeOccupant) ID() string { return o.id }

func (o *fakeOccupant) Deliver(ev Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reject {
		return false
	}
	o.events = append(o.events, ev)
	return true
}

func (o *fakeOccupant) Events() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Event, len(o.events))
	copy(out, o.events)
	return out
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"a", "room-1", "A.B_c-9", "x"} {
		if err := ValidateName(name); err != nil {
			t.Fatalf("ValidateName(%q)=%v, want nil", name, err)
		}
	}
	long := ""
	for i := 0; i < 65; i++ {
		long += "a"
	}
	for _, name := range []string{"", "has space", "emojié", "slash/room", long} {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("ValidateName(%q)=%v, want ErrInvalidName", name, err)
		}
	}
}

func TestRegistry_JoinAssignsRolesByOrder(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newFakeOccupant("a")
	b := newFakeOccupant("b")

	resA, err := r.Join("duet", a)
	if err != nil {
		t.Fatalf("join a: %v", err)
	}
	if resA.Role != RoleOfferer || resA.PeerPresent {
		t.Fatalf("resA=%+v, want offerer with no peer", resA)
	}

	resB, err := r.Join("duet", b)
	if err != nil {
		t.Fatalf("join b: %v", err)
	}
	if resB.Role != RoleAnswerer {
		t.Fatalf("resB.Role=%q, want answerer", resB.Role)
	}
	if !resB.PeerPresent || resB.PeerID != "a" || resB.PeerRole != RoleOfferer {
		t.Fatalf("resB=%+v, want existing offerer peer a", resB)
	}

	// The first occupant hears about the newcomer.
	events := a.Events()
	if len(events) != 1 {
		t.Fatalf("a events=%d, want 1", len(events))
	}
	if events[0].Kind != EventPeerJoined || events[0].PeerID != "b" || events[0].PeerRole != RoleAnswerer {
		t.Fatalf("a event=%+v", events[0])
	}

	// The newcomer's own pairing event is already in its queue when Join
	// returns.
	events = b.Events()
	if len(events) != 1 {
		t.Fatalf("b events=%d, want 1", len(events))
	}
	if events[0].Kind != EventPeerJoined || events[0].PeerID != "a" || events[0].PeerRole != RoleOfferer {
		t.Fatalf("b event=%+v", events[0])
	}
}

func TestRegistry_PairingEventPrecedesRelayedFrames(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newFakeOccupant("a")
	b := newFakeOccupant("b")

	if _, err := r.Join("duet", a); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := r.Join("duet", b); err != nil {
		t.Fatalf("join b: %v", err)
	}
	if err := r.Relay("duet", a, []byte(`{"type":"offer"}`)); err != nil {
		t.Fatalf("relay: %v", err)
	}

	// A relay racing the second join has to wait for the room lock, so the
	// newcomer can never see a frame ahead of its pairing event.
	events := b.Events()
	if len(events) != 2 {
		t.Fatalf("b events=%d, want 2", len(events))
	}
	if events[0].Kind != EventPeerJoined || events[1].Kind != EventFrame {
		t.Fatalf("b events=%+v, want peer-joined then frame", events)
	}
	if events[0].Seq >= events[1].Seq {
		t.Fatalf("seqs %d, %d not increasing", events[0].Seq, events[1].Seq)
	}
}

func TestRegistry_ThirdJoinerIsRejectedWithoutSideEffects(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newFakeOccupant("a")
	b := newFakeOccupant("b")
	c := newFakeOccupant("c")

	if _, err := r.Join("duet", a); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := r.Join("duet", b); err != nil {
		t.Fatalf("join b: %v", err)
	}

	_, err := r.Join("duet", c)
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err=%v, want ErrRoomFull", err)
	}

	// Paired occupants never observe the rejected attempt; each still has only
	// its own pairing event.
	if got := len(a.Events()); got != 1 {
		t.Fatalf("a events=%d, want 1", got)
	}
	if got := len(b.Events()); got != 1 {
		t.Fatalf("b events=%d, want 1", got)
	}

	// A full room still relays.
	if err := r.Relay("duet", a, []byte(`{"type":"offer"}`)); err != nil {
		t.Fatalf("relay after rejected join: %v", err)
	}
}

func TestRegistry_JoinTwiceReturnsAlreadyJoined(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newFakeOccupant("a")

	if _, err := r.Join("duet", a); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := r.Join("duet", a); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("err=%v, want ErrAlreadyJoined", err)
	}
}

func TestRegistry_RelayForwardsFrameVerbatim(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newFakeOccupant("a")
	b := newFakeOccupant("b")

	if _, err := r.Join("duet", a); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := r.Join("duet", b); err != nil {
		t.Fatalf("join b: %v", err)
	}

	frame := []byte(`{"type":"offer","sdp":{"type":"offer","sdp":"v=0..."}}`)
	if err := r.Relay("duet", a, frame); err != nil {
		t.Fatalf("relay: %v", err)
	}

	events := b.Events()
	if len(events) != 2 {
		t.Fatalf("b events=%d, want pairing event plus frame", len(events))
	}
	if events[1].Kind != EventFrame {
		t.Fatalf("kind=%v, want frame", events[1].Kind)
	}
	if string(events[1].Frame) != string(frame) {
		t.Fatalf("frame=%q, want %q", events[1].Frame, frame)
	}
}

func TestRegistry_RelayWithoutPeer(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newFakeOccupant("a")

	if _, err := r.Join("duet", a); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := r.Relay("duet", a, []byte("{}")); !errors.Is(err, ErrNoPeer) {
		t.Fatalf("err=%v, want ErrNoPeer", err)
	}

	b := newFakeOccupant("b")
	if err := r.Relay("duet", b, []byte("{}")); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("err=%v, want ErrNotJoined", err)
	}
}

func TestRegistry_LeaveNotifiesPeerAndDeletesEmptyRoom(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newFakeOccupant("a")
	b := newFakeOccupant("b")

	if _, err := r.Join("duet", a); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := r.Join("duet", b); err != nil {
		t.Fatalf("join b: %v", err)
	}

	r.Leave("duet", a)

	events := b.Events()
	if len(events) != 2 || events[1].Kind != EventPeerLeft || events[1].PeerID != "a" {
		t.Fatalf("b events=%+v, want peer-joined then peer-left from a", events)
	}

	// The survivor has no peer now.
	if err := r.Relay("duet", b, []byte("{}")); !errors.Is(err, ErrNoPeer) {
		t.Fatalf("err=%v, want ErrNoPeer", err)
	}

	r.Leave("duet", b)
	if n := r.Rooms(); n != 0 {
		t.Fatalf("rooms=%d after everyone left, want 0", n)
	}

	// The name is immediately reusable with fresh role assignment.
	c := newFakeOccupant("c")
	res, err := r.Join("duet", c)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if res.Role != RoleOfferer {
		t.Fatalf("role=%q after reuse, want offerer", res.Role)
	}
}

func TestRegistry_RejoinTakesComplementaryRole(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newFakeOccupant("a")
	b := newFakeOccupant("b")

	if _, err := r.Join("duet", a); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := r.Join("duet", b); err != nil {
		t.Fatalf("join b: %v", err)
	}

	// The offerer leaves; the answerer stays. The replacement must become the
	// offerer so the room never holds two answerers.
	r.Leave("duet", a)

	c := newFakeOccupant("c")
	res, err := r.Join("duet", c)
	if err != nil {
		t.Fatalf("join c: %v", err)
	}
	if res.Role != RoleOfferer {
		t.Fatalf("role=%q, want offerer", res.Role)
	}
	if !res.PeerPresent || res.PeerRole != RoleAnswerer {
		t.Fatalf("res=%+v, want answerer peer", res)
	}
}

func TestRegistry_LeaveUnknownIsNoOp(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newFakeOccupant("a")

	r.Leave("nope", a)

	if _, err := r.Join("duet", a); err != nil {
		t.Fatalf("join: %v", err)
	}
	b := newFakeOccupant("b")
	r.Leave("duet", b) // not a member
	if err := r.Relay("duet", a, []byte("{}")); !errors.Is(err, ErrNoPeer) {
		t.Fatalf("err=%v, want a still joined alone", err)
	}
}

func TestRegistry_ConcurrentJoinersExactlyTwoSucceed(t *testing.T) {
	r := NewRegistry(nil, nil)

	const attempts = 32
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = r.Join("contested", newFakeOccupant(fmt.Sprintf("occ-%d", i)))
		}(i)
	}
	wg.Wait()

	joined, full := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			joined++
		case errors.Is(err, ErrRoomFull):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if joined != 2 || full != attempts-2 {
		t.Fatalf("joined=%d full=%d, want 2 and %d", joined, full, attempts-2)
	}
}

func TestRegistry_EventSequenceIsMonotonic(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newFakeOccupant("a")
	b := newFakeOccupant("b")

	if _, err := r.Join("duet", a); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := r.Join("duet", b); err != nil {
		t.Fatalf("join b: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := r.Relay("duet", b, []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("relay %d: %v", i, err)
		}
	}

	var last uint64
	for i, ev := range a.Events() {
		if ev.Seq <= last {
			t.Fatalf("event %d seq=%d not increasing (last=%d)", i, ev.Seq, last)
		}
		last = ev.Seq
	}
}
