package pool

import (
	"reflect"
	"testing"
)

func fill(t *testing.T, p *Pool, firstPID int) {
	t.Helper()
	pid := firstPID
	for {
		pin, ok := p.Next()
		if !ok {
			return
		}
		if err := p.Record(pin, pid); err != nil {
			t.Fatalf("record pin %d: %v", pin, err)
		}
		pid++
	}
}

func TestFillAssignsEveryPINOnce(t *testing.T) {
	for _, size := range []int{1, 2, 3, 8} {
		p := New(size)
		fill(t, p, 100)

		if p.Len() != size {
			t.Fatalf("size %d: expected %d workers, got %d", size, size, p.Len())
		}
		want := make([]int, size)
		for i := range want {
			want[i] = i
		}
		if got := p.PINs(); !reflect.DeepEqual(got, want) {
			t.Fatalf("size %d: unexpected pins %v", size, got)
		}
	}
}

func TestNewCoercesSize(t *testing.T) {
	for _, size := range []int{0, -4} {
		if got := New(size).Size(); got != 1 {
			t.Fatalf("New(%d).Size() = %d, want 1", size, got)
		}
	}
}

func TestNextRotatesAndSkipsOccupied(t *testing.T) {
	p := New(3)
	fill(t, p, 10)

	pin, ok := p.Remove(11)
	if !ok {
		t.Fatalf("expected pid 11 to be tracked")
	}
	next, ok := p.Next()
	if !ok {
		t.Fatalf("expected a free pin")
	}
	if next != pin {
		t.Fatalf("expected freed pin %d, got %d", pin, next)
	}
	if _, ok := New(1).Next(); !ok {
		t.Fatalf("expected empty pool to yield a pin")
	}
}

func TestNextOnFullPool(t *testing.T) {
	p := New(2)
	fill(t, p, 1)
	if _, ok := p.Next(); ok {
		t.Fatalf("expected full pool to refuse a pin")
	}
}

func TestRecordRejectsInvalidSlots(t *testing.T) {
	p := New(2)
	if err := p.Record(2, 50); err == nil {
		t.Fatalf("expected out of range pin to fail")
	}
	if err := p.Record(-1, 50); err == nil {
		t.Fatalf("expected negative pin to fail")
	}
	if err := p.Record(0, 50); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := p.Record(0, 51); err == nil {
		t.Fatalf("expected occupied pin to fail")
	}
}

func TestRemoveUnknownPID(t *testing.T) {
	p := New(2)
	fill(t, p, 1)
	if pin, ok := p.Remove(999); ok || pin != -1 {
		t.Fatalf("expected unknown pid to be ignored, got pin %d ok %v", pin, ok)
	}
	if p.Len() != 2 {
		t.Fatalf("pool changed after unknown removal: %d", p.Len())
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	p := New(2)
	fill(t, p, 7)
	snap := p.Snapshot()
	delete(snap, 0)
	if p.Len() != 2 {
		t.Fatalf("snapshot mutation leaked into pool")
	}
	if got := p.PIDs(); len(got) != 2 {
		t.Fatalf("unexpected pids %v", got)
	}
}
