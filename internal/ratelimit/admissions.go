package ratelimit

import (
	"container/list"
	"sync"
)

// defaultMaxTrackedKeys bounds keyed limiter state when no explicit cap is
// configured, to prevent unbounded memory growth on key spray.
const defaultMaxTrackedKeys = 4096

// Keyed maintains one token bucket per string key with an LRU bound on the
// number of tracked keys.
//
// A capacity <= 0 disables the limiter entirely (Allow always succeeds).
type Keyed struct {
	clock Clock

	capacity     int64
	refillPerSec int64

	maxKeys int
	onEvict func()

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	order   *list.List
}

type keyedEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

func NewKeyed(clock Clock, capacity, refillPerSec int64, maxKeys int, onEvict func()) *Keyed {
	if clock == nil {
		clock = RealClock{}
	}
	if maxKeys <= 0 {
		maxKeys = defaultMaxTrackedKeys
	}
	return &Keyed{
		clock:        clock,
		capacity:     capacity,
		refillPerSec: refillPerSec,
		maxKeys:      maxKeys,
		onEvict:      onEvict,
		buckets:      make(map[string]*keyedEntry),
		order:        list.New(),
	}
}

// Allow consumes one token from the bucket for key, creating the bucket on
// first use. New buckets start full, so a fresh key gets a burst of up to
// capacity before refill pacing takes over.
func (k *Keyed) Allow(key string) bool {
	if k.capacity <= 0 {
		return true
	}
	return k.getOrCreate(key).Allow(1)
}

func (k *Keyed) getOrCreate(key string) *TokenBucket {
	var onEvict func()

	k.mu.Lock()

	if entry, ok := k.buckets[key]; ok {
		k.order.MoveToFront(entry.elem)
		bucket := entry.bucket
		k.mu.Unlock()
		return bucket
	}

	if len(k.buckets) >= k.maxKeys {
		// Evict the least-recently used entry (oldest at the back).
		if elem := k.order.Back(); elem != nil {
			evictKey := elem.Value.(string)
			k.order.Remove(elem)
			delete(k.buckets, evictKey)
			onEvict = k.onEvict
		}
	}

	bucket := NewTokenBucket(k.clock, k.capacity, k.refillPerSec)
	elem := k.order.PushFront(key)
	k.buckets[key] = &keyedEntry{
		bucket: bucket,
		elem:   elem,
	}

	k.mu.Unlock()

	if onEvict != nil {
		onEvict()
	}
	return bucket
}

// Admissions groups the two admission limiters of the signaling endpoint:
// connection attempts keyed by source address (checked before authentication)
// and signaling messages keyed by authenticated identity.
type Admissions struct {
	connect *Keyed
	message *Keyed
}

type AdmissionsConfig struct {
	Clock Clock

	ConnectCapacity     int
	ConnectRefillPerSec int

	MessageCapacity     int
	MessageRefillPerSec int

	// MaxTrackedKeys bounds each limiter's per-key state. When <= 0, a safe
	// default is used.
	MaxTrackedKeys int

	// OnBucketEvicted is invoked once per evicted per-key bucket, outside of
	// the limiter's mutex.
	OnBucketEvicted func()
}

func NewAdmissions(cfg AdmissionsConfig) *Admissions {
	return &Admissions{
		connect: NewKeyed(cfg.Clock, int64(cfg.ConnectCapacity), int64(cfg.ConnectRefillPerSec), cfg.MaxTrackedKeys, cfg.OnBucketEvicted),
		message: NewKeyed(cfg.Clock, int64(cfg.MessageCapacity), int64(cfg.MessageRefillPerSec), cfg.MaxTrackedKeys, cfg.OnBucketEvicted),
	}
}

// AllowConnect reports whether a new connection attempt from the given source
// address may proceed to authentication.
func (a *Admissions) AllowConnect(addr string) bool {
	return a.connect.Allow(addr)
}

// AllowMessage reports whether the identity may send one more signaling
// message.
func (a *Admissions) AllowMessage(identity string) bool {
	return a.message.Allow(identity)
}
