package signaling

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duetchat/signaling-relay/internal/auth"
	"github.com/duetchat/signaling-relay/internal/metrics"
	"github.com/duetchat/signaling-relay/internal/ratelimit"
	"github.com/duetchat/signaling-relay/internal/room"
)

// State is a session's position in its lifecycle. Transitions only move
// forward except Paired -> AwaitingPeer (peer left).
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateAwaitingPeer
	StatePaired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateAwaitingPeer:
		return "awaiting-peer"
	case StatePaired:
		return "paired"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const wsWriteWait = 1 * time.Second

type closeDirective struct {
	code   int
	reason string
}

// outbound is one unit of work for the writer pump: an optional text frame
// followed by an optional close handshake. A close directive ends the pump.
type outbound struct {
	data  []byte
	close *closeDirective
}

// Session is one authenticated signaling connection. The read loop is the
// only goroutine that drives protocol handling; all writes go through the
// bounded out queue consumed by a single writer pump, which owns the
// connection's closure.
type Session struct {
	id       string
	identity auth.Identity
	remoteIP string

	conn *websocket.Conn
	log  *slog.Logger

	registry   *room.Registry
	metrics    *metrics.Metrics
	admissions *ratelimit.Admissions

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64
	maxPayloadBytes int

	out  chan outbound
	done chan struct{}

	mu       sync.Mutex
	state    State
	roomName string
	role     room.Role

	closeOnce sync.Once
	onClose   func(*Session)
}

func newSession(conn *websocket.Conn, identity auth.Identity, remoteIP string, srv *Server) *Session {
	s := &Session{
		id:       uuid.NewString(),
		identity: identity,
		remoteIP: remoteIP,

		conn: conn,

		registry:   srv.registry,
		metrics:    srv.metrics,
		admissions: srv.admissions,

		idleTimeout:     srv.idleTimeout,
		pingInterval:    srv.pingInterval,
		maxMessageBytes: srv.maxMessageBytes,
		maxPayloadBytes: srv.maxPayloadBytes,

		out:  make(chan outbound, srv.sendQueueSize),
		done: make(chan struct{}),

		state:   StateConnecting,
		onClose: srv.untrack,
	}
	s.log = srv.log.With("session", s.id, "addr", remoteIP)
	if identity.Subject != "" {
		s.log = s.log.With("sub", identity.Subject)
	}
	return s
}

// ID implements room.Occupant.
func (s *Session) ID() string { return s.id }

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// rateKey selects the message rate limiting key: the authenticated subject
// when one exists, otherwise the source address.
func (s *Session) rateKey() string {
	if s.identity.Subject != "" {
		return "sub:" + s.identity.Subject
	}
	return "addr:" + s.remoteIP
}

// Deliver implements room.Occupant. It is called with the room lock held and
// must not block: the event is encoded and enqueued, and a full queue marks
// this session as a slow consumer and tears it down.
func (s *Session) Deliver(ev room.Event) bool {
	var data []byte
	switch ev.Kind {
	case room.EventFrame:
		data = ev.Frame
	case room.EventPeerJoined:
		s.setStateIfJoined(StatePaired)
		data = mustMarshal(SignalMessage{
			Type: MessageTypePeerJoined,
			Room: ev.Room,
			Peer: ev.PeerID,
			Role: ev.PeerRole,
		})
	case room.EventPeerLeft:
		s.setStateIfJoined(StateAwaitingPeer)
		data = mustMarshal(SignalMessage{
			Type: MessageTypePeerLeft,
			Room: ev.Room,
			Peer: ev.PeerID,
			Role: ev.PeerRole,
		})
	default:
		return true
	}

	if !s.enqueue(data, nil) {
		s.metrics.Inc(metrics.EventSlowConsumer)
		s.log.Warn("outbound queue full, dropping session", "event", ev.Kind.String())
		// Deliver runs under the room lock; teardown reenters the registry, so
		// it must happen on another goroutine.
		go s.shutdown()
		return false
	}
	return true
}

func (s *Session) setStateIfJoined(st State) {
	s.mu.Lock()
	if s.state == StateAwaitingPeer || s.state == StatePaired {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Session) enqueue(data []byte, cd *closeDirective) bool {
	select {
	case s.out <- outbound{data: data, close: cd}:
		return true
	default:
		return false
	}
}

// sendError emits a non-fatal error frame; the session keeps running.
func (s *Session) sendError(code, message string) {
	if !s.enqueue(errorFrame(code, message), nil) {
		s.metrics.Inc(metrics.EventSlowConsumer)
		go s.shutdown()
	}
}

// fail emits an error frame followed by a close handshake. The caller is
// expected to stop the read loop afterwards.
func (s *Session) fail(code, message string, closeCode int, closeReason string) {
	if !s.enqueue(errorFrame(code, message), &closeDirective{code: closeCode, reason: closeReason}) {
		// Queue full: skip the courtesy frame, the close still happens during
		// shutdown's flush.
		_ = s.enqueue(nil, &closeDirective{code: closeCode, reason: closeReason})
	}
}

func (s *Session) closeWith(code int, reason string) {
	_ = s.enqueue(nil, &closeDirective{code: code, reason: reason})
}

// run drives the session until the connection dies or a fatal protocol error
// occurs. It blocks; the caller runs it on the connection's handler goroutine.
func (s *Session) run(initialRoom string) {
	defer s.shutdown()

	go s.writePump()

	s.conn.SetReadLimit(s.maxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	s.mu.Lock()
	s.state = StateAuthenticated
	s.mu.Unlock()

	if initialRoom != "" {
		if !s.handleJoin(initialRoom) {
			return
		}
	}

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				s.log.Debug("idle timeout")
				s.closeWith(websocket.ClosePolicyViolation, "idle timeout")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		// The rate limit is applied after reading so the bytes already in the
		// TCP receive buffer are consumed. Closing with unread data pending can
		// turn into an abortive close (RST) and the client would never see the
		// close code.
		if !s.admissions.AllowMessage(s.rateKey()) {
			s.metrics.Inc(metrics.EventMessageRateLimited)
			s.fail(CodeRateLimited, "message rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.EventProtocolError)
			s.fail(CodeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		// Malformed and unrecognized messages are reported but do not end the
		// session; the client keeps its connection and may retry.
		msg, err := ParseSignalMessage(data)
		if err != nil {
			s.metrics.Inc(metrics.EventProtocolError)
			var unknown *ErrUnknownMessageType
			if errors.As(err, &unknown) {
				s.sendError(CodeUnknownMessage, err.Error())
			} else {
				s.sendError(CodeBadMessage, err.Error())
			}
			continue
		}

		if !s.dispatch(msg, data) {
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case item := <-s.out:
			if !s.writeOutbound(item) {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-s.done:
			s.flushPending()
			return
		}
	}
}

// writeOutbound writes one queue item. It returns false when the pump should
// stop, either because the connection failed or a close handshake was sent.
func (s *Session) writeOutbound(item outbound) bool {
	if item.data != nil {
		_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, item.data); err != nil {
			return false
		}
	}
	if item.close != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(item.close.code, item.close.reason),
			time.Now().Add(wsWriteWait))
		return false
	}
	return true
}

// flushPending drains frames that were queued before shutdown so a client
// still receives its final error and close frames.
func (s *Session) flushPending() {
	for {
		select {
		case item := <-s.out:
			if !s.writeOutbound(item) {
				return
			}
		default:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "closing"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}

// shutdown tears the session down exactly once: it leaves the room, signals
// the writer pump (which flushes and closes the connection), and unregisters
// from the server.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		rm := s.roomName
		s.roomName = ""
		s.role = ""
		s.state = StateClosed
		s.mu.Unlock()

		if rm != "" {
			s.registry.Leave(rm, s)
		}
		close(s.done)

		s.metrics.Inc(metrics.EventSessionsClosed)
		if s.onClose != nil {
			s.onClose(s)
		}
		s.log.Debug("session closed")
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
