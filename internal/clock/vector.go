// Package clock implements vector clocks for causality tracking between clients.
package clock

// VectorClock maps client IDs to monotonically increasing counters.
// Missing keys read as zero, so a nil VectorClock behaves as an empty one.
type VectorClock map[string]int64

// New returns an empty vector clock.
func New() VectorClock {
	return make(VectorClock)
}

// Get returns the counter for clientID, zero when absent.
func (vc VectorClock) Get(clientID string) int64 {
	return vc[clientID]
}

// Increment advances clientID's counter by one and returns the new value.
// The receiver must be non-nil.
func (vc VectorClock) Increment(clientID string) int64 {
	next := vc[clientID] + 1
	vc[clientID] = next
	return next
}

// Set writes a counter directly. Values below the current one are ignored;
// counters only move forward on a given replica.
func (vc VectorClock) Set(clientID string, value int64) {
	if value > vc[clientID] {
		vc[clientID] = value
	}
}

// Merge folds other into the receiver, taking the entrywise maximum.
// Merge is commutative, associative and idempotent.
func (vc VectorClock) Merge(other VectorClock) {
	for id, v := range other {
		if v > vc[id] {
			vc[id] = v
		}
	}
}

// Clone returns an independent copy. Cloning a nil clock yields an empty one.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for id, v := range vc {
		out[id] = v
	}
	return out
}

// Equal reports whether both clocks carry the same counters.
// Zero entries compare equal to absent ones.
func (vc VectorClock) Equal(other VectorClock) bool {
	for id, v := range vc {
		if v != 0 && other[id] != v {
			return false
		}
	}
	for id, v := range other {
		if v != 0 && vc[id] != v {
			return false
		}
	}
	return true
}

// HappensBefore reports whether every counter in the receiver is <= the
// counterpart in other and at least one is strictly smaller.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	strictly := false
	for id, v := range vc {
		ov := other[id]
		if v > ov {
			return false
		}
		if v < ov {
			strictly = true
		}
	}
	for id, ov := range other {
		if vc[id] < ov {
			strictly = true
		}
	}
	return strictly
}

// Concurrent reports whether neither clock happens before the other and the
// clocks are not equal.
func (vc VectorClock) Concurrent(other VectorClock) bool {
	if vc.Equal(other) {
		return false
	}
	return !vc.HappensBefore(other) && !other.HappensBefore(vc)
}
