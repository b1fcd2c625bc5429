package hlc

import (
	"testing"
	"time"

	coreerrors "github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/errors"
)

func TestNowMonotone(t *testing.T) {
	fixed := time.Unix(1000, 0)
	c := New("node-a", withWallClock(func() time.Time { return fixed }))

	var prev Timestamp
	for i := 0; i < 100; i++ {
		cur := c.Now()
		if i > 0 && !Before(prev, cur) {
			t.Fatalf("iteration %d: expected %v before %v", i, prev, cur)
		}
		prev = cur
	}
}

func TestNowAdvancesPhysicalResetsLogical(t *testing.T) {
	wall := time.Unix(1000, 0)
	c := New("node-a", withWallClock(func() time.Time { return wall }))

	first := c.Now()
	if first.Logical != 0 {
		t.Fatalf("expected logical 0, got %d", first.Logical)
	}
	second := c.Now()
	if second.Logical != 1 || second.Physical != first.Physical {
		t.Fatalf("expected same physical, logical+1, got %+v", second)
	}

	wall = wall.Add(5 * time.Second)
	third := c.Now()
	if third.Physical <= second.Physical || third.Logical != 0 {
		t.Fatalf("expected physical advance and logical reset, got %+v", third)
	}
}

func TestUpdateCausality(t *testing.T) {
	wall := time.Unix(2000, 0)
	c := New("node-a", withWallClock(func() time.Time { return wall }))

	remote := Timestamp{Physical: wall.UnixMilli() + 10, Logical: 3, NodeID: "node-b"}
	updated, err := c.Update(remote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !Before(remote, updated) {
		t.Fatalf("expected updated HLC %v to be strictly after remote %v", updated, remote)
	}

	next := c.Now()
	if !Before(updated, next) {
		t.Fatalf("expected subsequent Now() %v to be after Update() result %v", next, updated)
	}
}

func TestUpdateRejectsExcessiveDrift(t *testing.T) {
	wall := time.Unix(10_000, 0)
	c := New("node-a", withWallClock(func() time.Time { return wall }), WithMaxDrift(60*time.Second))

	remote := Timestamp{Physical: wall.Add(10 * time.Minute).UnixMilli(), Logical: 0, NodeID: "node-b"}
	before := c.Last()

	_, err := c.Update(remote)
	if err == nil {
		t.Fatal("expected drift error, got nil")
	}
	if !isClockDrift(err) {
		t.Fatalf("expected ErrClockDriftExceeded, got %v", err)
	}

	if c.Last() != before {
		t.Fatalf("rejected update must not mutate clock state: before=%+v after=%+v", before, c.Last())
	}
}

func isClockDrift(err error) bool {
	for err != nil {
		if err == coreerrors.ErrClockDriftExceeded {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestCompareTotalOrder(t *testing.T) {
	a := Timestamp{Physical: 1, Logical: 0, NodeID: "a"}
	b := Timestamp{Physical: 1, Logical: 0, NodeID: "b"}
	if Compare(a, b) >= 0 {
		t.Fatalf("expected a < b lexicographically by node id")
	}
	if !Equal(a, a) {
		t.Fatal("expected a == a")
	}
}

func TestStringSerialization(t *testing.T) {
	ts := Timestamp{Physical: 42, Logical: 7, NodeID: "n1"}
	want := "42.7@n1"
	if got := ts.String(); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
