package pubsub

import (
	"fmt"
	"testing"
	"time"
)

func TestPublishedSet_ConsumeOnce(t *testing.T) {
	set := newPublishedSet(time.Minute)

	set.remember("msg-1")
	if !set.consume("msg-1") {
		t.Error("first consume should report the id as ours")
	}
	if set.consume("msg-1") {
		t.Error("second consume should miss; ids suppress at most one delivery")
	}
	if set.consume("never-published") {
		t.Error("unknown id should not be suppressed")
	}
}

func TestPublishedSet_Expiry(t *testing.T) {
	set := newPublishedSet(time.Minute)
	current := time.Unix(1000, 0)
	set.now = func() time.Time { return current }

	set.remember("msg-1")
	current = current.Add(2 * time.Minute)
	if set.consume("msg-1") {
		t.Error("expired id should not suppress")
	}
}

func TestPublishedSet_SweepBoundsSize(t *testing.T) {
	set := newPublishedSet(time.Minute)
	current := time.Unix(1000, 0)
	set.now = func() time.Time { return current }
	set.sweepAt = current.Add(30 * time.Second)

	for i := 0; i < 100; i++ {
		set.remember(fmt.Sprintf("id-%d", i))
	}
	before := set.size()

	// Everything above is now stale; the next remember past the sweep point
	// should evict it all.
	current = current.Add(5 * time.Minute)
	set.remember("fresh")
	if got := set.size(); got >= before {
		t.Errorf("size after sweep = %d, want it collapsed below %d", got, before)
	}
	if !set.consume("fresh") {
		t.Error("fresh id must survive the sweep")
	}
}
