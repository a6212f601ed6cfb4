package buf

import (
	"testing"

	"github.com/relaycore/fabxfer/fabric/fabrictest"
	"github.com/relaycore/fabxfer/xfc"
)

func TestPoolGetResetsContext(t *testing.T) {
	p := NewPool(xfc.KindVector, 256, 4)
	h, handle, err := p.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	h.Cancelled = true
	h.NUsed = 128
	h.MarkPosted()
	if err := p.Put(handle); err != nil {
		t.Fatalf("put: %v", err)
	}

	h2, _, err := p.Get()
	if err != nil {
		t.Fatalf("get after put: %v", err)
	}
	if h2.Cancelled || h2.NUsed != 0 || h2.IsPosted() {
		t.Fatalf("reused buffer retained stale state: %+v", h2)
	}
	if h2.Kind != xfc.KindVector {
		t.Fatalf("pool buffer lost its kind: %v", h2.Kind)
	}
}

func TestPoolExhaustionNonblocking(t *testing.T) {
	p := NewPool(xfc.KindProgress, 16, 2)
	p.SetNonblock(true)
	if _, _, err := p.Get(); err != nil {
		t.Fatalf("first get: %v", err)
	}
	if _, _, err := p.Get(); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if _, _, err := p.Get(); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestFragmentSharesParentRegistration(t *testing.T) {
	parent := &Header{Data: make([]byte, 4096), NAllocated: 4096}
	parent.Kind = xfc.KindVector
	mr, err := fabrictest.NewDomain().RegisterMemory(parent.Data, 0, 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	parent.MR = mr
	frag := NewFragment(parent, 1024, 512)
	if frag.MR != parent.MR {
		t.Fatalf("fragment does not share its parent's registration")
	}
	if frag.NAllocated != 0 {
		t.Fatalf("fragment must report zero allocation, got %d", frag.NAllocated)
	}
	if len(frag.Data) != 512 {
		t.Fatalf("fragment length mismatch: %d", len(frag.Data))
	}
	if frag.Parent != parent {
		t.Fatalf("fragment lost its parent pointer")
	}
}
