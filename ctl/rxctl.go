// Package ctl implements the rxctl/txctl control blocks:
// thin helpers that post receives/sends/writes, track which buffer is
// currently in flight with the fabric, and match a completion back to its
// owning buffer via the buffer's embedded transfer context.
//
// Posting and completing a given rxctl/txctl both happen from the single
// worker goroutine driving the owning connection's loop, one at a time —
// exactly the access pattern code.hybscloud.com/lfq's SPSC queue is built
// for, so the posted/ready queues here are lfq.SPSC rings rather than this
// repository's own fifo.FIFO (which exists for the close-position and
// peek semantics rxctl/txctl never need: a posted queue is only ever
// walked head-first via Complete, and cancellation drains it the same
// way).
package ctl

import (
	"unsafe"

	"code.hybscloud.com/lfq"

	"github.com/relaycore/fabxfer/buf"
	"github.com/relaycore/fabxfer/fabric"
	"github.com/relaycore/fabxfer/internal/xerrors"
)

// ctxKey is the address of a buffer's embedded transfer context, used as
// the completion-context value handed to the fabric and as the lookup key
// recovering the owning *buf.Header from a fabric.CompletionEntry.
func ctxKey(h *buf.Header) unsafe.Pointer { return unsafe.Pointer(h.XFC()) }

// RxCtl posts receives for one connection and matches completions back to
// the posted buffer in FIFO order.
type RxCtl struct {
	ep     fabric.Endpoint
	posted *lfq.SPSC[*buf.Header]
	byCtx  map[unsafe.Pointer]*buf.Header
}

// NewRx creates an RxCtl posting receives against ep, with room for up to
// depth outstanding receives.
func NewRx(ep fabric.Endpoint, depth int) *RxCtl {
	if depth < 2 {
		depth = 2 // lfq.NewSPSC rejects capacities below 2
	}
	return &RxCtl{
		ep:     ep,
		posted: lfq.NewSPSC[*buf.Header](depth),
		byCtx:  make(map[unsafe.Pointer]*buf.Header),
	}
}

// Post posts a receive of h's buffer and enqueues it on the posted queue.
func (r *RxCtl) Post(addr fabric.Addr) func(h *buf.Header) error {
	return func(h *buf.Header) error {
		h.MarkPosted()
		msg := &fabric.Msg{
			IOVs:    []fabric.IOV{h.RecvIOV()},
			Addr:    addr,
			Context: ctxKey(h),
		}
		if err := r.ep.RecvMsg(msg, 0); err != nil {
			h.MarkCompleted()
			return err
		}
		if err := r.posted.Enqueue(&h); err != nil {
			return xerrors.ErrPostedFull
		}
		r.byCtx[ctxKey(h)] = h
		return nil
	}
}

// PostOne is the direct (non-curried) form of Post, for call sites that
// already have the target address at hand.
func (r *RxCtl) PostOne(addr fabric.Addr, h *buf.Header) error {
	return r.Post(addr)(h)
}

// Complete pops the head of the posted queue, verifies the completion
// names it, records the transferred byte count, and returns it. A
// mismatched context is a protocol-level bug in the caller (the fabric is
// assumed to deliver completions in post order) and is reported as
// ErrUnexpectedKind.
func (r *RxCtl) Complete(entry fabric.CompletionEntry) (*buf.Header, error) {
	h, err := r.posted.Dequeue()
	if err != nil {
		return nil, xerrors.ErrUnexpectedKind
	}
	delete(r.byCtx, ctxKey(h))
	if ctxKey(h) != entry.Context {
		return nil, xerrors.ErrUnexpectedKind
	}
	h.MarkCompleted()
	h.NUsed = entry.Len
	return h, nil
}

// CompleteErr reconciles a completion-error entry, returning the buffer it
// named and whether it was the expected outcome of a requested
// cancellation.
func (r *RxCtl) CompleteErr(ce fabric.CompletionError) (*buf.Header, error) {
	h, err := r.posted.Dequeue()
	if err != nil {
		return nil, xerrors.ErrUnexpectedKind
	}
	delete(r.byCtx, ctxKey(h))
	h.MarkCompleted()
	if ce.Cancelled {
		h.Cancelled = true
		return h, xerrors.ErrCancelled
	}
	return h, ce.Err
}

// Cancel walks every posted receive once, marking its context cancelled
// and requesting the fabric cancel it; the matching completion errors are
// reconciled later via CompleteErr as they arrive.
func (r *RxCtl) Cancel() {
	for _, h := range r.byCtx {
		h.Cancelled = true
		r.ep.CancelContext(ctxKey(h))
	}
}

// Outstanding reports whether any receive is currently posted.
func (r *RxCtl) Outstanding() bool { return len(r.byCtx) > 0 }
