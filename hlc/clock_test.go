package hlc

import (
	"testing"
)

func fixedSource(values ...int64) func() int64 {
	i := 0
	return func() int64 {
		v := values[i]
		if i < len(values)-1 {
			i++
		}
		return v
	}
}

func TestClock_NowIsMonotonic(t *testing.T) {
	clock := NewClock(1)

	prev := clock.Now()
	for i := 0; i < 1000; i++ {
		ts := clock.Now()
		if !Less(prev, ts) {
			t.Fatalf("timestamp %v not after %v", ts, prev)
		}
		prev = ts
	}
}

func TestClock_NowWithStalledWallClock(t *testing.T) {
	clock := newClockWithSource(3, fixedSource(100, 100, 100, 200))

	a := clock.Now()
	b := clock.Now()
	if a.WallTime != 100 || b.WallTime != 100 {
		t.Fatalf("unexpected wall times %d %d", a.WallTime, b.WallTime)
	}
	if b.Logical != a.Logical+1 {
		t.Errorf("expected logical %d, got %d", a.Logical+1, b.Logical)
	}

	c := clock.Now()
	if c.WallTime != 200 || c.Logical != 0 {
		t.Errorf("expected logical reset after wall clock advanced, got %v", c)
	}
}

func TestClock_UpdateFromFuture(t *testing.T) {
	clock := newClockWithSource(2, fixedSource(100))
	remote := Timestamp{WallTime: 500, Logical: 7, NodeID: 1}

	ts := clock.Update(remote)
	if ts.WallTime != 500 || ts.Logical != 8 {
		t.Errorf("expected 500/8, got %d/%d", ts.WallTime, ts.Logical)
	}
	if !Less(remote, ts) {
		t.Error("updated timestamp should order after the remote one")
	}
	if ts.NodeID != 2 {
		t.Errorf("node id should be 2, got %d", ts.NodeID)
	}
}

func TestClock_UpdateSameWallTime(t *testing.T) {
	clock := newClockWithSource(2, fixedSource(100))
	clock.Now()
	clock.Now()

	ts := clock.Update(Timestamp{WallTime: 100, Logical: 9, NodeID: 1})
	if ts.Logical != 10 {
		t.Errorf("expected logical 10, got %d", ts.Logical)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Timestamp
		want int
	}{
		{"wall", Timestamp{WallTime: 1}, Timestamp{WallTime: 2}, -1},
		{"logical", Timestamp{WallTime: 2, Logical: 3}, Timestamp{WallTime: 2, Logical: 1}, 1},
		{"node", Timestamp{WallTime: 2, NodeID: 1}, Timestamp{WallTime: 2, NodeID: 2}, -1},
		{"equal", Timestamp{WallTime: 2, Logical: 1, NodeID: 1}, Timestamp{WallTime: 2, Logical: 1, NodeID: 1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.want {
				t.Errorf("Compare() = %d, want %d", got, tt.want)
			}
		})
	}
}
