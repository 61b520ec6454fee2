package room

// Role is a peer's negotiation role, assigned by join order. The first
// occupant of a room is the offerer: it initiates the WebRTC offer once its
// peer-joined event arrives. The second occupant answers.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

type EventKind int

const (
	// EventPeerJoined is delivered to the existing occupant when a second
	// peer completes the pair.
	EventPeerJoined EventKind = iota
	// EventPeerLeft is delivered to the remaining occupant when its peer
	// leaves or disconnects.
	EventPeerLeft
	// EventFrame carries a relayed signaling frame, byte for byte as the
	// sending peer produced it.
	EventFrame
)

func (k EventKind) String() string {
	switch k {
	case EventPeerJoined:
		return "peer-joined"
	case EventPeerLeft:
		return "peer-left"
	case EventFrame:
		return "frame"
	default:
		return "unknown"
	}
}

// Event is a room-scoped delivery to one occupant. Seq is a per-room sequence
// number assigned under the room lock, so events observed by one occupant are
// totally ordered.
type Event struct {
	Kind EventKind
	Room string
	Seq  uint64

	// PeerID and PeerRole describe the other occupant for peer-joined and
	// peer-left events.
	PeerID   string
	PeerRole Role

	// Frame is the raw signaling frame for EventFrame.
	Frame []byte
}

// Occupant is a room member capable of receiving events. Deliver must not
// block; it reports false when the occupant could not accept the event (for
// example a full outbound queue), in which case the occupant is expected to
// tear itself down.
type Occupant interface {
	ID() string
	Deliver(Event) bool
}
