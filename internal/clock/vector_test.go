package clock

import "testing"

func TestIncrement(t *testing.T) {
	vc := New()

	if got := vc.Increment("a"); got != 1 {
		t.Errorf("Increment() = %d, want 1", got)
	}
	if got := vc.Increment("a"); got != 2 {
		t.Errorf("Increment() = %d, want 2", got)
	}
	if got := vc.Increment("b"); got != 1 {
		t.Errorf("Increment(b) = %d, want 1", got)
	}
	if got := vc.Get("a"); got != 2 {
		t.Errorf("Get(a) = %d, want 2", got)
	}
}

func TestGetMissingKeyReadsZero(t *testing.T) {
	var nilClock VectorClock
	if got := nilClock.Get("ghost"); got != 0 {
		t.Errorf("nil clock Get() = %d, want 0", got)
	}

	vc := VectorClock{"a": 3}
	if got := vc.Get("b"); got != 0 {
		t.Errorf("Get(missing) = %d, want 0", got)
	}
}

func TestSetOnlyMovesForward(t *testing.T) {
	vc := VectorClock{"a": 5}

	vc.Set("a", 3)
	if got := vc.Get("a"); got != 5 {
		t.Errorf("Set backwards moved counter: got %d, want 5", got)
	}

	vc.Set("a", 9)
	if got := vc.Get("a"); got != 9 {
		t.Errorf("Set forwards: got %d, want 9", got)
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want VectorClock
	}{
		{
			name: "disjoint keys",
			a:    VectorClock{"a": 1},
			b:    VectorClock{"b": 2},
			want: VectorClock{"a": 1, "b": 2},
		},
		{
			name: "entrywise max",
			a:    VectorClock{"a": 3, "b": 1},
			b:    VectorClock{"a": 1, "b": 4},
			want: VectorClock{"a": 3, "b": 4},
		},
		{
			name: "merge with empty",
			a:    VectorClock{"a": 2},
			b:    VectorClock{},
			want: VectorClock{"a": 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.Clone()
			got.Merge(tt.b)
			if !got.Equal(tt.want) {
				t.Errorf("Merge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeCommutativeAssociativeIdempotent(t *testing.T) {
	a := VectorClock{"a": 3, "b": 1}
	b := VectorClock{"b": 4, "c": 2}
	c := VectorClock{"a": 1, "c": 5}

	// Commutative: a+b == b+a
	ab := a.Clone()
	ab.Merge(b)
	ba := b.Clone()
	ba.Merge(a)
	if !ab.Equal(ba) {
		t.Errorf("merge not commutative: %v vs %v", ab, ba)
	}

	// Associative: (a+b)+c == a+(b+c)
	left := a.Clone()
	left.Merge(b)
	left.Merge(c)
	bc := b.Clone()
	bc.Merge(c)
	right := a.Clone()
	right.Merge(bc)
	if !left.Equal(right) {
		t.Errorf("merge not associative: %v vs %v", left, right)
	}

	// Idempotent: a+a == a
	aa := a.Clone()
	aa.Merge(a)
	if !aa.Equal(a) {
		t.Errorf("merge not idempotent: %v vs %v", aa, a)
	}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want bool
	}{
		{"both empty", VectorClock{}, VectorClock{}, true},
		{"nil vs empty", nil, VectorClock{}, true},
		{"same entries", VectorClock{"a": 1}, VectorClock{"a": 1}, true},
		{"zero entry vs absent", VectorClock{"a": 1, "b": 0}, VectorClock{"a": 1}, true},
		{"different values", VectorClock{"a": 1}, VectorClock{"a": 2}, false},
		{"extra key", VectorClock{"a": 1}, VectorClock{"a": 1, "b": 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestHappensBefore(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want bool
	}{
		{"strictly dominated", VectorClock{"a": 1}, VectorClock{"a": 2}, true},
		{"dominated with extra key", VectorClock{"a": 1}, VectorClock{"a": 1, "b": 1}, true},
		{"equal clocks", VectorClock{"a": 1}, VectorClock{"a": 1}, false},
		{"both empty", VectorClock{}, VectorClock{}, false},
		{"empty before non-empty", VectorClock{}, VectorClock{"a": 1}, true},
		{"concurrent", VectorClock{"a": 2}, VectorClock{"b": 2}, false},
		{"reverse order", VectorClock{"a": 2}, VectorClock{"a": 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.HappensBefore(tt.b); got != tt.want {
				t.Errorf("HappensBefore(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestConcurrent(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want bool
	}{
		{"disjoint writers", VectorClock{"a": 1}, VectorClock{"b": 1}, true},
		{"crossed counters", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 1, "b": 2}, true},
		{"ordered", VectorClock{"a": 1}, VectorClock{"a": 2}, false},
		{"equal", VectorClock{"a": 1}, VectorClock{"a": 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Concurrent(tt.b); got != tt.want {
				t.Errorf("Concurrent(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			// Concurrency is symmetric.
			if got := tt.b.Concurrent(tt.a); got != tt.want {
				t.Errorf("Concurrent(%v, %v) = %v, want %v", tt.b, tt.a, got, tt.want)
			}
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a := VectorClock{"a": 1}
	b := a.Clone()
	b.Increment("a")

	if a.Get("a") != 1 {
		t.Errorf("mutating clone changed original: %v", a)
	}
	if b.Get("a") != 2 {
		t.Errorf("clone Get(a) = %d, want 2", b.Get("a"))
	}
}
