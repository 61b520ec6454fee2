package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func newTestAdmissions(clk Clock) *Admissions {
	return NewAdmissions(AdmissionsConfig{
		Clock:               clk,
		ConnectCapacity:     10,
		ConnectRefillPerSec: 1,
		MessageCapacity:     5,
		MessageRefillPerSec: 5,
	})
}

func TestAdmissions_ConnectStormFromSingleAddress(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	a := newTestAdmissions(clk)

	accepted := 0
	for i := 0; i < 50; i++ {
		if a.AllowConnect("203.0.113.9") {
			accepted++
		}
	}
	if accepted != 10 {
		t.Fatalf("accepted=%d, want 10 (bucket capacity)", accepted)
	}

	// Refill is 1 token/sec; after 2s exactly 2 more attempts pass.
	clk.Advance(2 * time.Second)
	accepted = 0
	for i := 0; i < 10; i++ {
		if a.AllowConnect("203.0.113.9") {
			accepted++
		}
	}
	if accepted != 2 {
		t.Fatalf("accepted=%d after refill, want 2", accepted)
	}
}

func TestAdmissions_AddressesAreIndependent(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	a := newTestAdmissions(clk)

	for i := 0; i < 10; i++ {
		if !a.AllowConnect("198.51.100.1") {
			t.Fatalf("expected attempt %d from first address to pass", i)
		}
	}
	if a.AllowConnect("198.51.100.1") {
		t.Fatalf("expected first address to be exhausted")
	}
	if !a.AllowConnect("198.51.100.2") {
		t.Fatalf("expected second address to have its own bucket")
	}
}

func TestAdmissions_MessageBudgetPerIdentity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	a := newTestAdmissions(clk)

	for i := 0; i < 5; i++ {
		if !a.AllowMessage("user-a") {
			t.Fatalf("expected message %d to pass", i)
		}
	}
	if a.AllowMessage("user-a") {
		t.Fatalf("expected user-a to be exhausted")
	}
	if !a.AllowMessage("user-b") {
		t.Fatalf("expected user-b to be unaffected")
	}
}

func TestAdmissions_ZeroCapacityDisablesLimiter(t *testing.T) {
	a := NewAdmissions(AdmissionsConfig{
		Clock:               &fakeClock{now: time.Unix(0, 0)},
		ConnectCapacity:     0,
		ConnectRefillPerSec: 0,
		MessageCapacity:     0,
		MessageRefillPerSec: 0,
	})

	for i := 0; i < 100; i++ {
		if !a.AllowConnect("anywhere") || !a.AllowMessage("anyone") {
			t.Fatalf("expected disabled limiters to always allow")
		}
	}
}

func TestKeyed_EvictsLeastRecentlyUsed(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}

	evicted := 0
	k := NewKeyed(clk, 1, 0, 2, func() { evicted++ })

	if !k.Allow("a") {
		t.Fatalf("expected first use of a to pass")
	}
	if !k.Allow("b") {
		t.Fatalf("expected first use of b to pass")
	}

	// Touch a so b becomes the LRU entry, then add c to force an eviction.
	k.Allow("a")
	k.Allow("c")
	if evicted != 1 {
		t.Fatalf("evicted=%d, want 1", evicted)
	}

	// b was evicted, so it gets a fresh full bucket.
	if !k.Allow("b") {
		t.Fatalf("expected evicted key to start over with a full bucket")
	}
	// a survived the eviction and is still empty.
	if k.Allow("a") {
		t.Fatalf("expected surviving key to keep its drained bucket")
	}
}

func TestKeyed_ManyKeysStayBounded(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}

	evicted := 0
	k := NewKeyed(clk, 1, 1, 8, func() { evicted++ })

	for i := 0; i < 100; i++ {
		k.Allow(fmt.Sprintf("key-%d", i))
	}
	if len(k.buckets) != 8 {
		t.Fatalf("tracked=%d, want 8", len(k.buckets))
	}
	if evicted != 92 {
		t.Fatalf("evicted=%d, want 92", evicted)
	}
}
