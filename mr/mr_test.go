package mr

import (
	"testing"

	"github.com/relaycore/fabxfer/buf"
	"github.com/relaycore/fabxfer/fabric"
	"github.com/relaycore/fabxfer/fabric/fabrictest"
)

func newHeaders(n, size int) []*buf.Header {
	out := make([]*buf.Header, n)
	for i := range out {
		backing := make([]byte, size)
		out[i] = &buf.Header{Data: backing, Full: backing, NAllocated: size}
	}
	return out
}

func TestKeySourceMonotonicWithinWindow(t *testing.T) {
	var ks KeySource
	prev := ks.Next()
	for i := 0; i < 3*keyWindow; i++ {
		k := ks.Next()
		if k <= prev {
			t.Fatalf("key %d not monotonic after %d", k, prev)
		}
		prev = k
	}
}

func TestKeySourcesNeverCollide(t *testing.T) {
	var a, b KeySource
	seen := make(map[uint64]bool)
	for i := 0; i < 2*keyWindow; i++ {
		for _, ks := range []*KeySource{&a, &b} {
			k := ks.Next()
			if seen[k] {
				t.Fatalf("key %d handed out twice", k)
			}
			seen[k] = true
		}
	}
}

func TestRegVSharesRegistrationPerChunk(t *testing.T) {
	dom := fabrictest.NewDomain()
	hs := newHeaders(5, 64)
	var ks KeySource
	if err := RegV(dom, hs, 3, fabric.AccessRemoteWrite, &ks); err != nil {
		t.Fatalf("regv: %v", err)
	}

	// ceil(5/3) = 2 chunks: {0,1,2} share one region, {3,4} another.
	if hs[0].MR != hs[1].MR || hs[1].MR != hs[2].MR {
		t.Fatalf("first chunk must share a registration")
	}
	if hs[3].MR != hs[4].MR {
		t.Fatalf("second chunk must share a registration")
	}
	if hs[0].MR == hs[3].MR {
		t.Fatalf("chunks must not share a registration")
	}

	// RAddr accumulates each segment's starting offset within its chunk.
	wantOffsets := []uint64{0, 64, 128, 0, 64}
	for i, h := range hs {
		if h.RAddr != wantOffsets[i] {
			t.Fatalf("header %d RAddr = %d, want %d", i, h.RAddr, wantOffsets[i])
		}
	}
}

func TestRegVSingleSegmentChunks(t *testing.T) {
	dom := fabrictest.NewDomain()
	hs := newHeaders(3, 32)
	var ks KeySource
	if err := RegV(dom, hs, 1, fabric.AccessRemoteWrite, &ks); err != nil {
		t.Fatalf("regv: %v", err)
	}
	keys := make(map[uint64]bool)
	for i, h := range hs {
		if h.RAddr != 0 {
			t.Fatalf("header %d RAddr = %d, want 0 with one segment per chunk", i, h.RAddr)
		}
		if keys[h.Key()] {
			t.Fatalf("key %d reused across single-segment chunks", h.Key())
		}
		keys[h.Key()] = true
	}
}

func TestBufMRRegAndDereg(t *testing.T) {
	dom := fabrictest.NewDomain()
	h := newHeaders(1, 16)[0]
	var ks KeySource
	if err := BufMRReg(dom, h, fabric.AccessRead, &ks); err != nil {
		t.Fatalf("reg: %v", err)
	}
	if h.MR == nil || h.Key() == 0 {
		t.Fatalf("registration did not populate the header")
	}
	if err := BufMRDereg(h); err != nil {
		t.Fatalf("dereg: %v", err)
	}
	if h.MR != nil {
		t.Fatalf("dereg must clear the registration handle")
	}
}
