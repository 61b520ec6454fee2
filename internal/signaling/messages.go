package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/duetchat/signaling-relay/internal/room"
)

type MessageType string

const (
	// Client to server.
	MessageTypeJoin      MessageType = "join"
	MessageTypeOffer     MessageType = "offer"
	MessageTypeAnswer    MessageType = "answer"
	MessageTypeCandidate MessageType = "ice-candidate"
	MessageTypeLeave     MessageType = "leave"

	// Server to client.
	MessageTypePeerJoined MessageType = "peer-joined"
	MessageTypePeerLeft   MessageType = "peer-left"
	MessageTypeError      MessageType = "error"
)

// Error codes carried by error messages.
const (
	CodeUnauthorized    = "unauthorized"
	CodeRateLimited     = "rate_limited"
	CodeBadMessage      = "bad_message"
	CodeUnknownMessage  = "unknown_message"
	CodePayloadTooLarge = "payload_too_large"
	CodeInvalidRoom     = "invalid_room"
	CodeRoomFull        = "room_full"
	CodeAlreadyJoined   = "already_joined"
	CodeNoPeer          = "no_peer"
)

// SDP mirrors the browser RTCSessionDescriptionInit shape.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate mirrors the browser RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// SignalMessage is one frame of the signaling protocol, in both directions.
type SignalMessage struct {
	Type MessageType `json:"type"`

	Room      string     `json:"room,omitempty"`
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// Peer and Role describe the other occupant in peer-joined and peer-left
	// messages.
	Peer string    `json:"peer,omitempty"`
	Role room.Role `json:"role,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrUnknownMessageType marks a structurally valid frame whose type is not
// part of the protocol.
type ErrUnknownMessageType struct {
	Type MessageType
}

func (e *ErrUnknownMessageType) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// ParseSignalMessage decodes one inbound frame. Decoding is strict: unknown
// fields, trailing data, and cross-type field mixing are all rejected.
func ParseSignalMessage(data []byte) (SignalMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg SignalMessage
	if err := dec.Decode(&msg); err != nil {
		return SignalMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return SignalMessage{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.validateInbound(); err != nil {
		return SignalMessage{}, err
	}
	return msg, nil
}

func (m SignalMessage) validateInbound() error {
	switch m.Type {
	case MessageTypeJoin:
		if m.Room == "" {
			return fmt.Errorf("join message missing room")
		}
		if m.SDP != nil || m.Candidate != nil || m.Peer != "" || m.Role != "" || m.Code != "" || m.Message != "" {
			return fmt.Errorf("join message has unexpected fields")
		}
	case MessageTypeOffer, MessageTypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		if m.SDP.Type != string(m.Type) {
			return fmt.Errorf("%s message has sdp.type=%q", m.Type, m.SDP.Type)
		}
		if _, err := m.SDP.ToPion(); err != nil {
			return err
		}
		if m.Room != "" || m.Candidate != nil || m.Peer != "" || m.Role != "" || m.Code != "" || m.Message != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case MessageTypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.Room != "" || m.SDP != nil || m.Peer != "" || m.Role != "" || m.Code != "" || m.Message != "" {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	case MessageTypeLeave:
		if m.Room != "" || m.SDP != nil || m.Candidate != nil || m.Peer != "" || m.Role != "" || m.Code != "" || m.Message != "" {
			return fmt.Errorf("leave message has unexpected fields")
		}
	case MessageTypePeerJoined, MessageTypePeerLeft, MessageTypeError:
		// Server-to-client only.
		return &ErrUnknownMessageType{Type: m.Type}
	default:
		return &ErrUnknownMessageType{Type: m.Type}
	}
	return nil
}

// relayPayloadSize returns the size of the client-supplied blob inside a
// relayable message, for payload cap enforcement.
func (m SignalMessage) relayPayloadSize() int {
	switch m.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		if m.SDP != nil {
			return len(m.SDP.SDP)
		}
	case MessageTypeCandidate:
		if m.Candidate != nil {
			return len(m.Candidate.Candidate)
		}
	}
	return 0
}

func mustMarshal(msg SignalMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		// SignalMessage contains only marshalable fields.
		panic(err)
	}
	return data
}

func errorFrame(code, message string) []byte {
	return mustMarshal(SignalMessage{
		Type:    MessageTypeError,
		Code:    code,
		Message: message,
	})
}
