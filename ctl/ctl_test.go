package ctl

import (
	"testing"

	"github.com/relaycore/fabxfer/buf"
	"github.com/relaycore/fabxfer/fabric"
	"github.com/relaycore/fabxfer/fabric/fabrictest"
	"github.com/relaycore/fabxfer/internal/xerrors"
)

func newHeader(size int) *buf.Header {
	backing := make([]byte, size)
	return &buf.Header{Data: backing, Full: backing, NAllocated: size}
}

func TestRxPostAndComplete(t *testing.T) {
	a, b := fabrictest.NewPair()
	rx := NewRx(a, 4)

	h := newHeader(64)
	if err := rx.PostOne(fabric.Addr(1), h); err != nil {
		t.Fatalf("post: %v", err)
	}
	if !h.IsPosted() {
		t.Fatalf("posted buffer must be NIC-owned")
	}
	if !rx.Outstanding() {
		t.Fatalf("rx must report an outstanding receive")
	}

	payload := []byte("twelve bytes")
	src := newHeader(len(payload))
	copy(src.Data, payload)
	src.NUsed = len(payload)
	if err := b.SendMsg(&fabric.Msg{IOVs: []fabric.IOV{src.IOV()}, Addr: 1}, 0); err != nil {
		t.Fatalf("peer send: %v", err)
	}

	entry, err := a.CQ().ReadMsg()
	if err != nil {
		t.Fatalf("read completion: %v", err)
	}
	got, err := rx.Complete(entry)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != h {
		t.Fatalf("completion returned the wrong buffer")
	}
	if got.NUsed != len(payload) || string(got.Data[:got.NUsed]) != string(payload) {
		t.Fatalf("received %q (%d bytes), want %q", got.Data[:got.NUsed], got.NUsed, payload)
	}
	if got.IsPosted() || rx.Outstanding() {
		t.Fatalf("completed buffer must return to program ownership")
	}
}

func TestTxTransmitDrainsReady(t *testing.T) {
	a, _ := fabrictest.NewPair()
	tx := NewTx(a, fabric.Addr(1), 4)

	h := newHeader(32)
	copy(h.Data, "ping")
	h.NUsed = 4
	if err := tx.Enqueue(h); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Transmit(); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if !tx.Outstanding() {
		t.Fatalf("transmit must leave the send posted")
	}

	entry, err := a.CQ().ReadMsg()
	if err != nil {
		t.Fatalf("read completion: %v", err)
	}
	got, err := tx.Complete(entry)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != h || tx.Outstanding() {
		t.Fatalf("send completion did not reconcile the posted buffer")
	}
}

func TestRxCancelReconciles(t *testing.T) {
	a, _ := fabrictest.NewPair()
	rx := NewRx(a, 4)

	h := newHeader(16)
	if err := rx.PostOne(fabric.Addr(1), h); err != nil {
		t.Fatalf("post: %v", err)
	}
	rx.Cancel()
	if !h.Cancelled {
		t.Fatalf("cancel must mark the buffer's transfer context")
	}

	ce, err := a.CQ().ReadErr()
	if err != nil {
		t.Fatalf("read error completion: %v", err)
	}
	got, err := rx.CompleteErr(ce)
	if err != xerrors.ErrCancelled {
		t.Fatalf("complete-err = %v, want ErrCancelled", err)
	}
	if got != h || rx.Outstanding() {
		t.Fatalf("cancelled receive did not reconcile")
	}
}
