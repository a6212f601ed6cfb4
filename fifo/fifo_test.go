package fifo

import "testing"

func TestPutGetOrder(t *testing.T) {
	f := New[int](4)
	for i := 0; i < 4; i++ {
		if !f.Put(i) {
			t.Fatalf("put %d failed", i)
		}
	}
	if f.Put(4) {
		t.Fatalf("put into full fifo should fail")
	}
	for i := 0; i < 4; i++ {
		v, ok := f.Get()
		if !ok || v != i {
			t.Fatalf("get %d: got %v, %v", i, v, ok)
		}
	}
	if _, ok := f.Get(); ok {
		t.Fatalf("get from empty fifo should fail")
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	f := New[int](4)
	f.Put(7)
	v, ok := f.Peek()
	if !ok || v != 7 {
		t.Fatalf("peek: got %v, %v", v, ok)
	}
	v, ok = f.Get()
	if !ok || v != 7 {
		t.Fatalf("get after peek: got %v, %v", v, ok)
	}
}

func TestGetCloseStopsFurtherGets(t *testing.T) {
	f := New[int](4)
	f.Put(1)
	f.Put(2)
	f.GetClose()
	if !f.Empty() {
		t.Fatalf("fifo should report empty once get-closed")
	}
	if _, ok := f.Get(); ok {
		t.Fatalf("get should fail once get-closed")
	}
	// AltGet bypasses the close position and still sees the buffered items.
	if v, ok := f.AltGet(); !ok || v != 1 {
		t.Fatalf("alt-get should bypass close: got %v, %v", v, ok)
	}
}

func TestPutCloseStopsFurtherPuts(t *testing.T) {
	f := New[int](4)
	f.Put(1)
	f.PutClose()
	if !f.Full() {
		t.Fatalf("fifo should report full once put-closed")
	}
	if f.Put(2) {
		t.Fatalf("put should fail once put-closed")
	}
	if !f.AltPut(2) {
		t.Fatalf("alt-put should bypass close when ring has room")
	}
}

func TestCapacityRoundsUpToPowerOfTwo(t *testing.T) {
	f := New[int](5)
	if f.Cap() != 8 {
		t.Fatalf("expected capacity 8, got %d", f.Cap())
	}
}

func TestDoubleCloseLogicalPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double get-close")
		}
	}()
	f := New[int](4)
	f.GetClose()
	f.GetClose()
}
