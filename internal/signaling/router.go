package signaling

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/duetchat/signaling-relay/internal/metrics"
	"github.com/duetchat/signaling-relay/internal/room"
)

// dispatch routes one parsed inbound message. It returns false when the read
// loop should stop; the closing frames have already been queued by then.
func (s *Session) dispatch(msg SignalMessage, raw []byte) bool {
	switch msg.Type {
	case MessageTypeJoin:
		return s.handleJoin(msg.Room)
	case MessageTypeLeave:
		s.handleLeave()
		return false
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeCandidate:
		return s.handleRelay(msg, raw)
	default:
		// ParseSignalMessage only lets protocol types through.
		s.metrics.Inc(metrics.EventProtocolError)
		s.sendError(CodeUnknownMessage, fmt.Sprintf("unknown message type %q", msg.Type))
		return true
	}
}

// handleJoin places the session into a room. Join failures are non-fatal: the
// client gets an error frame and may retry, for example with a different room
// name after room_full.
func (s *Session) handleJoin(name string) bool {
	s.mu.Lock()
	joined := s.roomName
	s.mu.Unlock()
	if joined != "" {
		s.sendError(CodeAlreadyJoined, fmt.Sprintf("already joined room %q", joined))
		return true
	}

	res, err := s.registry.Join(name, s)
	switch {
	case errors.Is(err, room.ErrInvalidName):
		s.sendError(CodeInvalidRoom, "room name must be 1-64 characters from [A-Za-z0-9._-]")
		return true
	case errors.Is(err, room.ErrRoomFull):
		s.sendError(CodeRoomFull, fmt.Sprintf("room %q already has two peers", name))
		return true
	case errors.Is(err, room.ErrAlreadyJoined):
		s.sendError(CodeAlreadyJoined, fmt.Sprintf("already joined room %q", name))
		return true
	case err != nil:
		s.log.Error("join failed", "room", name, "err", err)
		s.sendError(CodeBadMessage, "join failed")
		return true
	}

	s.mu.Lock()
	if s.state == StateClosed {
		// Torn down while joining; undo the membership.
		s.mu.Unlock()
		s.registry.Leave(name, s)
		return false
	}
	s.roomName = name
	s.role = res.Role
	if res.PeerPresent {
		s.state = StatePaired
	} else {
		s.state = StateAwaitingPeer
	}
	s.mu.Unlock()

	s.log.Info("joined room", "room", name, "role", string(res.Role))
	return true
}

// handleLeave ends the session. An explicit leave closes the connection; the
// peer is notified through the registry and the client reconnects to join
// again.
func (s *Session) handleLeave() {
	s.mu.Lock()
	name := s.roomName
	s.roomName = ""
	s.role = ""
	s.mu.Unlock()

	if name != "" {
		s.registry.Leave(name, s)
		s.log.Info("left room", "room", name)
	}
	s.closeWith(websocket.CloseNormalClosure, "left")
}

// handleRelay forwards an offer, answer, or ice-candidate to the room peer.
// The raw frame is forwarded byte for byte; the parsed form is only used for
// validation.
func (s *Session) handleRelay(msg SignalMessage, raw []byte) bool {
	if size := msg.relayPayloadSize(); size > s.maxPayloadBytes {
		s.metrics.Inc(metrics.EventProtocolError)
		s.sendError(CodePayloadTooLarge, fmt.Sprintf("%s payload is %d bytes (max %d)", msg.Type, size, s.maxPayloadBytes))
		return true
	}
	if msg.Type == MessageTypeCandidate && msg.Candidate.Candidate == "" {
		// End-of-candidates is not relayed; peers detect completion themselves.
		s.sendError(CodeBadMessage, "empty candidate")
		return true
	}

	s.mu.Lock()
	name := s.roomName
	s.mu.Unlock()
	if name == "" {
		s.metrics.Inc(metrics.EventNoPeer)
		s.sendError(CodeNoPeer, "join a room before signaling")
		return true
	}

	err := s.registry.Relay(name, s, raw)
	switch {
	case errors.Is(err, room.ErrNoPeer):
		s.metrics.Inc(metrics.EventNoPeer)
		s.sendError(CodeNoPeer, "no peer in room")
	case errors.Is(err, room.ErrNotJoined):
		s.metrics.Inc(metrics.EventNoPeer)
		s.sendError(CodeNoPeer, "join a room before signaling")
	case err != nil:
		s.log.Error("relay failed", "room", name, "err", err)
		s.sendError(CodeBadMessage, "relay failed")
	}
	return true
}
