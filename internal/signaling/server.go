// Package signaling implements the WebSocket signaling surface: connection
// admission, the per-connection session state machine, and frame relaying
// between room peers.
package signaling

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duetchat/signaling-relay/internal/auth"
	"github.com/duetchat/signaling-relay/internal/config"
	"github.com/duetchat/signaling-relay/internal/metrics"
	"github.com/duetchat/signaling-relay/internal/ratelimit"
	"github.com/duetchat/signaling-relay/internal/room"
)

// Config wires together the runtime dependencies of the signaling service.
type Config struct {
	Log      *slog.Logger
	Metrics  *metrics.Metrics
	Registry *room.Registry

	// Verifier checks connection credentials. Required unless AuthMode is
	// none.
	Verifier auth.Verifier
	AuthMode config.AuthMode

	// Admissions limits connection attempts per source address and messages
	// per identity. If nil, admission is unlimited.
	Admissions *ratelimit.Admissions

	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes int64
	MaxPayloadBytes int
	SendQueueSize   int
}

// Server accepts signaling connections and runs one Session per connection.
type Server struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *room.Registry

	verifier   auth.Verifier
	authMode   config.AuthMode
	admissions *ratelimit.Admissions

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64
	maxPayloadBytes int
	sendQueueSize   int

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Registry == nil {
		cfg.Registry = room.NewRegistry(cfg.Log, cfg.Metrics)
	}
	if cfg.Admissions == nil {
		cfg.Admissions = ratelimit.NewAdmissions(ratelimit.AdmissionsConfig{})
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = config.DefaultPingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = config.DefaultMaxPayloadBytes
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = config.DefaultSendQueueSize
	}

	return &Server{
		log:      cfg.Log,
		metrics:  cfg.Metrics,
		registry: cfg.Registry,

		verifier:   cfg.Verifier,
		authMode:   cfg.AuthMode,
		admissions: cfg.Admissions,

		idleTimeout:     cfg.IdleTimeout,
		pingInterval:    cfg.PingInterval,
		maxMessageBytes: cfg.MaxMessageBytes,
		maxPayloadBytes: cfg.MaxPayloadBytes,
		sendQueueSize:   cfg.SendQueueSize,

		upgrader: websocket.Upgrader{
			// Origin checks happen in the outer HTTP middleware so unit tests
			// can dial the handler directly.
			CheckOrigin: func(r *http.Request) bool { return true },
		},

		sessions: make(map[*Session]struct{}),
	}
}

// Registry exposes the room registry, mainly for tests and readiness checks.
func (s *Server) Registry() *room.Registry { return s.registry }

// HandleSignal is the GET /signal endpoint. Admission and authentication are
// checked before the WebSocket upgrade so rejected clients get plain HTTP
// status codes.
func (s *Server) HandleSignal(w http.ResponseWriter, r *http.Request) {
	addr := sourceAddr(r)

	if !s.admissions.AllowConnect(addr) {
		s.metrics.Inc(metrics.EventConnectRateLimited)
		s.log.Debug("connection rate limited", "addr", addr)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	identity := auth.Identity{}
	if s.authMode != config.AuthModeNone {
		token, err := auth.TokenFromRequest(r)
		if err == nil {
			identity, err = s.verifier.Verify(token)
		}
		if err != nil {
			s.metrics.Inc(metrics.EventAuthFailure)
			s.log.Debug("authentication failed", "addr", addr, "err", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	initialRoom := r.URL.Query().Get("room")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		return
	}

	sess := newSession(conn, identity, addr, s)
	if !s.track(sess) {
		sess.closeWith(websocket.CloseGoingAway, "server shutting down")
		sess.shutdown()
		// The pump never started; close directly.
		_ = conn.Close()
		return
	}

	s.metrics.Inc(metrics.EventSessionsOpened)
	sess.log.Info("session opened")
	sess.run(initialRoom)
}

func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// ActiveSessions reports the number of live sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops accepting connections and tears down every live session. Each
// client receives a going-away close frame.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.closeWith(websocket.CloseGoingAway, "server shutting down")
		sess.shutdown()
	}
}

// sourceAddr extracts the client IP from the request. The relay trusts the
// transport address, not forwarding headers; deployments behind a proxy
// should rate limit at the proxy.
func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
