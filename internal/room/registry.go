// Package room tracks signaling rooms and relays events between the two
// occupants of each room.
package room

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/duetchat/signaling-relay/internal/metrics"
)

var (
	ErrInvalidName   = errors.New("invalid room name")
	ErrRoomFull      = errors.New("room full")
	ErrAlreadyJoined = errors.New("already joined")
	ErrNoPeer        = errors.New("no peer in room")
	ErrNotJoined     = errors.New("not joined")
)

// maxNameLen bounds room names. Names are client-chosen and appear in logs,
// so they stay short and restricted to a safe alphabet.
const maxNameLen = 64

// ValidateName checks a client-supplied room name: 1 to 64 characters from
// [A-Za-z0-9._-].
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return ErrInvalidName
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return ErrInvalidName
		}
	}
	return nil
}

// JoinResult describes the state of the room at the moment the occupant
// joined. When PeerPresent is true the pair is complete and both occupants
// have received a peer-joined event before Join returned.
type JoinResult struct {
	Role Role
	Seq  uint64

	PeerPresent bool
	PeerID      string
	PeerRole    Role
}

type member struct {
	occ  Occupant
	role Role
}

// A room holds at most two occupants. Its mutex guards membership and the
// event sequence, and is held across Deliver calls so events observed by an
// occupant are totally ordered.
type room struct {
	name string

	mu      sync.Mutex
	members []member
	seq     uint64
}

func (r *room) nextSeq() uint64 {
	r.seq++
	return r.seq
}

func (r *room) memberIndex(occ Occupant) int {
	for i, m := range r.members {
		if m.occ == occ {
			return i
		}
	}
	return -1
}

// Registry is the in-memory room table. Rooms are created on first join and
// deleted when the last occupant leaves. Lock order is registry then room;
// no registry method calls back into an occupant while holding only the
// registry lock.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	rooms map[string]*room
}

func NewRegistry(log *slog.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		log:     log,
		metrics: m,
		rooms:   make(map[string]*room),
	}
}

// Join adds occ to the named room, creating the room if needed. The first
// occupant becomes the offerer, the second the answerer. A third concurrent
// joiner gets ErrRoomFull and the room is left untouched, so a full room
// never observes the failed attempt.
func (r *Registry) Join(name string, occ Occupant) (JoinResult, error) {
	if err := ValidateName(name); err != nil {
		return JoinResult{}, err
	}

	r.mu.Lock()
	rm, ok := r.rooms[name]
	if !ok {
		rm = &room{name: name}
		r.rooms[name] = rm
		r.metrics.Inc(metrics.EventRoomsCreated)
		r.log.Debug("room created", "room", name)
	}
	rm.mu.Lock()
	r.mu.Unlock()
	defer rm.mu.Unlock()

	if rm.memberIndex(occ) >= 0 {
		return JoinResult{}, ErrAlreadyJoined
	}
	if len(rm.members) >= 2 {
		r.metrics.Inc(metrics.EventRoomFull)
		return JoinResult{}, ErrRoomFull
	}

	// The first occupant is the offerer. A later joiner takes whichever role
	// the current occupant does not hold, so a room where one peer left and
	// another arrived still ends up with one offerer and one answerer.
	role := RoleOfferer
	if len(rm.members) == 1 {
		role = RoleAnswerer
		if rm.members[0].role == RoleAnswerer {
			role = RoleOfferer
		}
	}
	rm.members = append(rm.members, member{occ: occ, role: role})

	result := JoinResult{Role: role, Seq: rm.nextSeq()}
	if len(rm.members) == 2 {
		peer := rm.members[0]
		result.PeerPresent = true
		result.PeerID = peer.occ.ID()
		result.PeerRole = peer.role

		peer.occ.Deliver(Event{
			Kind:     EventPeerJoined,
			Room:     name,
			Seq:      rm.nextSeq(),
			PeerID:   occ.ID(),
			PeerRole: role,
		})
		// The newcomer's pairing event is delivered here too, while the room
		// lock is still held. A relay from the peer has to wait for the lock,
		// so it can never land in the newcomer's queue before this event.
		occ.Deliver(Event{
			Kind:     EventPeerJoined,
			Room:     name,
			Seq:      rm.nextSeq(),
			PeerID:   peer.occ.ID(),
			PeerRole: peer.role,
		})
	}
	return result, nil
}

// Leave removes occ from the named room. The remaining occupant, if any,
// receives a peer-left event; an empty room is deleted. Leaving a room the
// occupant is not in is a no-op.
func (r *Registry) Leave(name string, occ Occupant) {
	r.mu.Lock()
	rm, ok := r.rooms[name]
	if !ok {
		r.mu.Unlock()
		return
	}

	rm.mu.Lock()
	idx := rm.memberIndex(occ)
	if idx < 0 {
		rm.mu.Unlock()
		r.mu.Unlock()
		return
	}

	leaving := rm.members[idx]
	rm.members = append(rm.members[:idx], rm.members[idx+1:]...)

	if len(rm.members) == 0 {
		delete(r.rooms, name)
		r.metrics.Inc(metrics.EventRoomsDeleted)
		r.log.Debug("room deleted", "room", name)
		rm.mu.Unlock()
		r.mu.Unlock()
		return
	}
	// The room survives; release the registry lock before delivering so other
	// rooms are not serialized behind this event.
	r.mu.Unlock()

	remaining := rm.members[0]
	remaining.occ.Deliver(Event{
		Kind:     EventPeerLeft,
		Room:     name,
		Seq:      rm.nextSeq(),
		PeerID:   occ.ID(),
		PeerRole: leaving.role,
	})
	rm.mu.Unlock()
}

// Relay delivers a raw signaling frame from one occupant to the other.
func (r *Registry) Relay(name string, from Occupant, frame []byte) error {
	r.mu.RLock()
	rm, ok := r.rooms[name]
	r.mu.RUnlock()
	if !ok {
		return ErrNotJoined
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	idx := rm.memberIndex(from)
	if idx < 0 {
		return ErrNotJoined
	}
	if len(rm.members) < 2 {
		return ErrNoPeer
	}

	peer := rm.members[1-idx]
	peer.occ.Deliver(Event{
		Kind:  EventFrame,
		Room:  name,
		Seq:   rm.nextSeq(),
		Frame: frame,
	})
	r.metrics.Inc(metrics.EventFramesRelayed)
	return nil
}

// Rooms reports the number of active rooms.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
