package ctl

import (
	"code.hybscloud.com/lfq"

	"github.com/relaycore/fabxfer/buf"
	"github.com/relaycore/fabxfer/fabric"
	"github.com/relaycore/fabxfer/internal/xerrors"
)

// TxCtl maintains a ready/posted queue pair: ready holds
// filled buffers not yet handed to the fabric, posted holds buffers
// currently in flight. Transmit drains ready into the fabric while posted
// has capacity and the fabric does not report backpressure.
type TxCtl struct {
	ep    fabric.Endpoint
	addr  fabric.Addr
	flags fabric.SendFlags
	depth int

	ready  *lfq.SPSC[*buf.Header]
	posted *lfq.SPSC[*buf.Header]
	byCtx  map[*buf.Header]struct{}
}

// NewTx creates a TxCtl sending against ep/addr, with room for up to depth
// outstanding sends.
func NewTx(ep fabric.Endpoint, addr fabric.Addr, depth int) *TxCtl {
	ring := depth
	if ring < 2 {
		ring = 2 // lfq.NewSPSC rejects capacities below 2
	}
	return &TxCtl{
		ep:     ep,
		addr:   addr,
		depth:  depth,
		ready:  lfq.NewSPSC[*buf.Header](ring),
		posted: lfq.NewSPSC[*buf.Header](ring),
		byCtx:  make(map[*buf.Header]struct{}),
	}
}

// SetSendFlags applies flags to every subsequent send. The transmitter's
// progress stream runs with SendFence so a progress report can never pass
// the writes it describes.
func (t *TxCtl) SetSendFlags(flags fabric.SendFlags) { t.flags = flags }

// SetAddr repoints subsequent sends/writes at a newly learned peer
// address — used once a connection discovers its actual peer endpoint
// after an initial handshake posted to a different, well-known address.
func (t *TxCtl) SetAddr(addr fabric.Addr) { t.addr = addr }

// Enqueue places h on the ready queue for Transmit to pick up.
func (t *TxCtl) Enqueue(h *buf.Header) error {
	if err := t.ready.Enqueue(&h); err != nil {
		return xerrors.ErrPostedFull
	}
	return nil
}

// Transmit drains ready into the fabric while posted has room, stopping
// (without error) the first time the fabric reports it would block —
// Transmit is called again on the worker's next pass.
func (t *TxCtl) Transmit() error {
	for {
		if !t.CanPost() {
			return nil // posted at depth; resumed once a completion frees room
		}
		h, err := t.ready.Dequeue()
		if err != nil {
			return nil // ready empty, nothing to do
		}
		h.MarkPosted()
		msg := &fabric.Msg{
			IOVs:    []fabric.IOV{h.IOV()},
			Addr:    t.addr,
			Context: ctxKey(h),
		}
		if err := t.ep.SendMsg(msg, t.flags); err != nil {
			h.MarkCompleted()
			if err == xerrors.ErrTryAgain {
				t.ready.Enqueue(&h) // retry next pass, preserving order
				return nil
			}
			return err
		}
		if err := t.posted.Enqueue(&h); err != nil {
			return xerrors.ErrPostedFull
		}
		t.byCtx[h] = struct{}{}
	}
}

// CanPost reports whether the posted queue has room for another
// operation. Callers that must not lose a buffer between issuing an
// operation and tracking it check this before composing the operation.
func (t *TxCtl) CanPost() bool { return len(t.byCtx) < t.depth }

// PostWrite posts a one-sided RDMA write of h's valid payload directly to
// posted, bypassing the ready queue entirely — unlike Enqueue/Transmit's
// two-sided sends, a write's remote target is chosen per-call by the
// caller rather than fixed at construction time.
func (t *TxCtl) PostWrite(h *buf.Header, riov fabric.RMAIOV) error {
	h.MarkPosted()
	msg := &fabric.MsgRMA{
		IOVs:    []fabric.IOV{h.IOV()},
		RIOVs:   []fabric.RMAIOV{riov},
		Addr:    t.addr,
		Context: ctxKey(h),
	}
	if err := t.ep.WriteMsg(msg, 0); err != nil {
		h.MarkCompleted()
		return err
	}
	if err := t.posted.Enqueue(&h); err != nil {
		return xerrors.ErrPostedFull
	}
	t.byCtx[h] = struct{}{}
	return nil
}

// Complete pops the head of posted and records it as done, returning the
// buffer for its owner to recycle.
func (t *TxCtl) Complete(entry fabric.CompletionEntry) (*buf.Header, error) {
	h, err := t.posted.Dequeue()
	if err != nil {
		return nil, xerrors.ErrUnexpectedKind
	}
	delete(t.byCtx, h)
	if ctxKey(h) != entry.Context {
		return nil, xerrors.ErrUnexpectedKind
	}
	h.MarkCompleted()
	return h, nil
}

// CompleteErr reconciles a completion-error entry for a posted send.
func (t *TxCtl) CompleteErr(ce fabric.CompletionError) (*buf.Header, error) {
	h, err := t.posted.Dequeue()
	if err != nil {
		return nil, xerrors.ErrUnexpectedKind
	}
	delete(t.byCtx, h)
	h.MarkCompleted()
	if ce.Cancelled {
		h.Cancelled = true
		return h, xerrors.ErrCancelled
	}
	return h, ce.Err
}

// Cancel walks posted once, marking each buffer cancelled and requesting
// the fabric cancel it.
func (t *TxCtl) Cancel() {
	for h := range t.byCtx {
		h.Cancelled = true
		t.ep.CancelContext(ctxKey(h))
	}
}

// Outstanding reports whether any send is currently posted.
func (t *TxCtl) Outstanding() bool { return len(t.byCtx) > 0 }
