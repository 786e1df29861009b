package connlog

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewEntryTimestamp(t *testing.T) {
	before := time.Now()
	e := NewEntry("10.0.0.5", 4000, "H04N", true)
	after := time.Now()

	if e.Timestamp.Before(before) || e.Timestamp.After(after) {
		t.Fatalf("Timestamp %v not within [%v, %v]", e.Timestamp, before, after)
	}
}

func TestDefaultCapacity(t *testing.T) {
	for _, c := range []int{0, -5} {
		if got := New(c).Capacity(); got != DefaultCapacity {
			t.Errorf("New(%d).Capacity() = %d, want %d", c, got, DefaultCapacity)
		}
	}
}

func TestAppendBelowCapacity(t *testing.T) {
	b := New(5)
	b.Append(NewEntry("10.0.0.1", 1, "A", true))
	b.Append(NewEntry("10.0.0.2", 2, "B", false))

	snap := b.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(Snapshot()) = %d, want 2", len(snap))
	}
	if snap[0].StationName != "A" || snap[1].StationName != "B" {
		t.Fatalf("unexpected order: %+v", snap)
	}
}

func TestAppendEvictsOldest(t *testing.T) {
	tests := []struct {
		capacity int
		appends  int
	}{
		{capacity: 1, appends: 3},
		{capacity: 3, appends: 3},
		{capacity: 3, appends: 4},
		{capacity: 3, appends: 10},
		{capacity: 100, appends: 250},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("cap%d_n%d", tt.capacity, tt.appends), func(t *testing.T) {
			b := New(tt.capacity)
			for i := range tt.appends {
				b.Append(NewEntry("10.0.0.1", i, fmt.Sprintf("S%d", i), true))
			}

			want := min(tt.appends, tt.capacity)
			snap := b.Snapshot()
			if len(snap) != want {
				t.Fatalf("len(Snapshot()) = %d, want %d", len(snap), want)
			}

			// The snapshot holds the most recent entries in insertion order.
			first := tt.appends - want
			for i, e := range snap {
				if e.RemotePort != first+i {
					t.Fatalf("snap[%d].RemotePort = %d, want %d", i, e.RemotePort, first+i)
				}
			}
		})
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	b := New(2)
	b.Append(NewEntry("10.0.0.1", 1, "A", true))

	snap := b.Snapshot()
	snap[0].StationName = "CHANGED"

	if got := b.Snapshot()[0].StationName; got != "A" {
		t.Fatalf("buffer modified through snapshot: %q", got)
	}
}

func TestCounts(t *testing.T) {
	b := New(10)
	b.Append(NewEntry("10.0.0.1", 1, "A", true))
	b.Append(NewEntry("10.0.0.1", 2, "B", false))
	b.Append(NewEntry("10.0.0.1", 3, "C", true))

	c := b.Counts()
	if c != (Counts{Total: 3, Accepted: 2, Rejected: 1}) {
		t.Fatalf("Counts() = %+v", c)
	}
	if b.CountTotal() != 3 || b.CountAccepted() != 2 || b.CountRejected() != 1 {
		t.Fatal("derived counts disagree with Counts()")
	}
}

func TestSinkFunc(t *testing.T) {
	var got []Entry
	var s Sink = SinkFunc(func(e Entry) { got = append(got, e) })
	s.Append(NewEntry("10.0.0.1", 1, "A", true))
	if len(got) != 1 {
		t.Fatalf("SinkFunc received %d entries, want 1", len(got))
	}
}

func TestConcurrentAppend(t *testing.T) {
	b := New(50)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 25 {
				b.Append(NewEntry("10.0.0.1", i*100+j, "S", true))
				_ = b.Snapshot()
			}
		}()
	}
	wg.Wait()

	if n := b.CountTotal(); n != 50 {
		t.Fatalf("CountTotal() = %d, want 50", n)
	}
}
