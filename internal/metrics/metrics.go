// Package metrics is a minimal, concurrency-safe counter registry for the
// signaling relay, exposed over HTTP in Prometheus' text format.
package metrics

import "sync"

// Counter names used across the relay.
const (
	EventAuthFailure        = "auth_failure"
	EventConnectRateLimited = "connect_rate_limited"
	EventMessageRateLimited = "message_rate_limited"
	EventOriginRejected     = "origin_rejected"

	EventSessionsOpened = "sessions_opened"
	EventSessionsClosed = "sessions_closed"

	EventRoomsCreated = "rooms_created"
	EventRoomsDeleted = "rooms_deleted"
	EventRoomFull     = "room_full"
	EventNoPeer       = "no_peer"

	EventFramesRelayed = "frames_relayed"
	EventProtocolError = "protocol_error"
	EventSlowConsumer  = "slow_consumer"
	EventBucketEvicted = "rate_bucket_evicted"
)

// Metrics is a counter map keyed by event name. It keeps the in-process
// registry simple while still allowing Prometheus scraping via Handler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
