package conn

import (
	"github.com/relaycore/fabxfer/buf"
	"github.com/relaycore/fabxfer/ctl"
	"github.com/relaycore/fabxfer/fabric"
	"github.com/relaycore/fabxfer/internal/telemetry"
	"github.com/relaycore/fabxfer/internal/xerrors"
	"github.com/relaycore/fabxfer/mr"
	"github.com/relaycore/fabxfer/session"
	"github.com/relaycore/fabxfer/wire"
	"github.com/relaycore/fabxfer/xfc"
)

// receiverState is the getter connection's state.
type receiverState int

const (
	stateUnsentAck receiverState = iota
	statePreStart
	stateStarted
	stateDraining
	stateClosing
	stateDone
)

// Receiver is the getter's per-connection state machine.
type Receiver struct {
	Sess *session.Session

	ep   fabric.Endpoint
	cq   fabric.CompletionQueue
	addr fabric.Addr
	dom  fabric.Domain
	ks   mr.KeySource

	ackTx  *ctl.TxCtl
	progRx *ctl.RxCtl
	vecTx  *ctl.TxCtl

	progPool *buf.Pool
	vecPool  *buf.Pool

	// maxSegs bounds how many advertised buffers in one vector batch share
	// a single underlying memory registration when refillVectorQueue
	// registers them late (-r). -g/contiguous mode forces this to 1.
	// Buffers bulk-registered up front by mrseed share one registration
	// regardless of maxSegs.
	maxSegs int

	tgtposted headerQueue

	state      receiverState
	eof        eofState
	cancelled  bool
	nfull      uint64
	seededRecv bool

	ackMsg []byte
}

// NewReceiver creates a Receiver bound to ep, which has already been
// accepted from the getter's listening endpoint and carries a valid
// ackAddr pointing back at the connecting putter.
func NewReceiver(sess *session.Session, ep fabric.Endpoint, cq fabric.CompletionQueue, dom fabric.Domain, addr fabric.Addr, ackPayload []byte, progPool, vecPool *buf.Pool) *Receiver {
	r := &Receiver{
		Sess:     sess,
		ep:       ep,
		cq:       cq,
		addr:     addr,
		dom:      dom,
		ackTx:    ctl.NewTx(ep, addr, 1),
		progRx:   ctl.NewRx(ep, progPool.Cap()),
		vecTx:    ctl.NewTx(ep, addr, vecPool.Cap()),
		progPool: progPool,
		vecPool:  vecPool,
		maxSegs:  wire.MaxIOVs,
		ackMsg:   ackPayload,
	}
	return r
}

// SetMaxSegs overrides how many buffers in one advertised batch share a
// single memory registration. Contiguous mode (-g) calls this with 1.
func (r *Receiver) SetMaxSegs(n int) {
	if n > 0 {
		r.maxSegs = n
	}
}

// SentFirst implements session.Conn.
func (r *Receiver) SentFirst() bool { return r.state != stateUnsentAck }

// Cancelled implements session.Conn.
func (r *Receiver) Cancelled() bool { return r.cancelled }

// WaitFD implements session.Conn.
func (r *Receiver) WaitFD() (int, bool) { return r.cq.WaitFD() }

// Close implements session.Conn.
func (r *Receiver) Close() error { return r.ep.Close() }

// RequestCancel marks this connection cancelled and begins unwinding
// in-flight I/O: every posted receive and send is fabric-cancelled, and
// the buffers parked in the session's trading FIFOs drain back to their
// pools.
func (r *Receiver) RequestCancel() {
	r.cancelled = true
	r.ackTx.Cancel()
	r.progRx.Cancel()
	r.vecTx.Cancel()
	drainFull(r.Sess.ReadyForCxn, (*buf.Header).Recycle)
	drainFull(r.Sess.ReadyForTerminal, (*buf.Header).Recycle)
}

// Loop runs one non-blocking pass of the receive state machine.
func (r *Receiver) Loop() (session.Outcome, error) {
	if !r.seededRecv {
		r.seedProgressReceives()
		r.seededRecv = true
	}

	if r.state == stateUnsentAck {
		ackH, _, err := r.progPool.Get() // borrow a scratch header for the one-shot ack send
		if err == nil {
			ackH.Kind = xfc.KindAck
			n := copy(ackH.Data, r.ackMsg)
			ackH.NUsed = n
			if err := r.ackTx.Enqueue(ackH); err == nil {
				r.state = statePreStart
			}
		}
	}
	if err := r.ackTx.Transmit(); err != nil {
		return session.LoopError, err
	}

	// A cancelled completion is the expected echo of RequestCancel, not a
	// failure; keep looping until every posted queue has drained.
	if err := r.cqProcess(); err != nil && err != xerrors.ErrCancelled {
		return session.LoopError, err
	}

	if r.cancelled {
		if !r.progRx.Outstanding() && !r.vecTx.Outstanding() {
			// Endpoint teardown is the worker's job once it vacates this
			// session's slot, not this loop's.
			return session.LoopCanceled, nil
		}
		return session.LoopContinue, nil
	}

	if r.state == statePreStart {
		r.state = stateStarted
	}

	if r.state == stateStarted || r.state == stateDraining {
		if err := r.refillVectorQueue(); err != nil {
			return session.LoopError, err
		}

		if r.eof.remote && !r.eof.local {
			empty := &wire.Vector{}
			vh, _, err := r.vecPool.Get()
			if err == nil {
				n, _ := empty.MarshalBinary(vh.Data)
				vh.NUsed = n
				vh.Kind = xfc.KindVector
				r.vecTx.Enqueue(vh)
				r.eof.local = true
			}
		}
	}

	if err := r.vecTx.Transmit(); err != nil {
		return session.LoopError, err
	}

	r.drainTgtPosted()

	if r.Sess.ReadyForTerminal.Empty() && r.eof.remote && r.eof.local && !r.vecTx.Outstanding() {
		telemetry.LogDebug(telemetry.ComponentConn, "receiver loop end", "session", r.Sess.ID)
		return session.LoopEnd, nil
	}

	return session.LoopContinue, nil
}

// seedProgressReceives posts one receive per progress buffer, minus the
// one reserved for the ack send, so the fabric always has a waiting
// receive ready for the next progress message.
func (r *Receiver) seedProgressReceives() {
	for i := 0; i < r.progPool.Cap()-1; i++ {
		h, _, err := r.progPool.Get()
		if err != nil {
			return
		}
		h.Kind = xfc.KindProgress
		if err := r.progRx.PostOne(r.addr, h); err != nil {
			r.progPool.Release(h)
			return
		}
	}
}

// cqProcess drains the completion queue once, dispatching by transfer
// context kind.
func (r *Receiver) cqProcess() error {
	entry, err := r.cq.ReadMsg()
	if err == nil {
		return r.dispatch(entry)
	}
	if err != xerrors.ErrTryAgain {
		return err
	}

	ce, err := r.cq.ReadErr()
	if err == nil {
		return r.dispatchErr(ce)
	}
	if err != xerrors.ErrTryAgain {
		return err
	}
	return nil
}

func (r *Receiver) dispatch(entry fabric.CompletionEntry) error {
	h := (*buf.Header)(entry.Context)
	switch h.Kind {
	case xfc.KindProgress:
		h, err := r.progRx.Complete(entry)
		if err != nil {
			return err
		}
		msg, err := wire.UnmarshalProgress(h.Data[:h.NUsed])
		if err != nil {
			return err
		}
		r.nfull += msg.NFilled
		if msg.IsEOF() {
			r.eof.remote = true
		}
		return r.progRx.PostOne(r.addr, h) // recycle: re-post the same buffer
	case xfc.KindVector:
		h, err := r.vecTx.Complete(entry)
		if err != nil {
			return err
		}
		return r.vecPool.Release(h)
	case xfc.KindAck:
		h, err := r.ackTx.Complete(entry)
		if err != nil {
			return err
		}
		return r.progPool.Release(h)
	default:
		return xerrors.ErrUnexpectedKind
	}
}

func (r *Receiver) dispatchErr(ce fabric.CompletionError) error {
	h := (*buf.Header)(ce.Context)
	switch h.Kind {
	case xfc.KindProgress:
		h, err := r.progRx.CompleteErr(ce)
		if h != nil {
			r.progPool.Release(h)
		}
		return err
	case xfc.KindVector:
		h, err := r.vecTx.CompleteErr(ce)
		if h != nil {
			r.vecPool.Release(h)
		}
		return err
	case xfc.KindAck:
		h, err := r.ackTx.CompleteErr(ce)
		if h != nil {
			r.progPool.Release(h)
		}
		return err
	default:
		return xerrors.ErrUnexpectedKind
	}
}

// refillVectorQueue advertises receive targets: while there are empty
// payload buffers in ready_for_cxn, register up to wire.MaxIOVs of them
// and advertise them in one vector message. A registration failure is
// fatal to the session — the buffers have already left the trading FIFO
// and cannot be advertised without their keys.
func (r *Receiver) refillVectorQueue() error {
	if r.eof.remote {
		return nil // never issue a non-empty vector after remote EOF
	}
	if r.Sess.ReadyForCxn.Empty() {
		return nil
	}
	// Secure the vector buffer first: once payload buffers leave
	// ready_for_cxn they must end up advertised on tgtposted, so there must
	// be a message to carry them.
	vh, _, err := r.vecPool.Get()
	if err != nil {
		return nil // all vector buffers in flight; advertise next pass
	}
	var batch []*buf.Header
	for len(batch) < wire.MaxIOVs {
		h, ok := r.Sess.ReadyForCxn.Get()
		if !ok {
			break
		}
		batch = append(batch, h)
	}
	if len(batch) == 0 {
		r.vecPool.Release(vh)
		return nil
	}
	// Buffers the driver pre-registered at pool-fill time (the default,
	// -r off) already carry an MR; only buffers left unregistered (-r on,
	// late per-transfer registration) need a RegV call here.
	var unregistered []*buf.Header
	for _, h := range batch {
		if h.MR == nil {
			unregistered = append(unregistered, h)
		}
	}
	if len(unregistered) > 0 {
		if err := mr.RegV(r.dom, unregistered, r.maxSegs, fabric.AccessRemoteWrite, &r.ks); err != nil {
			telemetry.LogError(telemetry.ComponentConn, "target registration failed", "session", r.Sess.ID, "err", err)
			return err
		}
	}
	v := &wire.Vector{IOVs: make([]wire.IOV, len(batch))}
	for i, h := range batch {
		v.IOVs[i] = wire.IOV{Addr: h.RAddr, Len: uint64(len(h.Data)), Key: h.Key()}
		r.tgtposted.push(h)
	}
	n, err := v.MarshalBinary(vh.Data)
	if err != nil {
		r.vecPool.Release(vh)
		return err
	}
	vh.NUsed = n
	vh.Kind = xfc.KindVector
	return r.vecTx.Enqueue(vh)
}

// drainTgtPosted walks tgtposted consuming
// r.nfull bytes per head buffer, moving filled buffers to
// ready_for_terminal.
func (r *Receiver) drainTgtPosted() {
	for r.nfull > 0 && r.tgtposted.len() > 0 {
		h := r.tgtposted.front()
		need := uint64(len(h.Data)) - uint64(h.NUsed)
		take := r.nfull
		if take > need {
			take = need
		}
		h.NUsed += int(take)
		r.nfull -= take
		if h.NUsed == len(h.Data) {
			r.tgtposted.pop()
			r.Sess.ReadyForTerminal.Put(h)
		} else {
			break
		}
	}
	if r.eof.remote && r.nfull == 0 {
		// Flush one partially-filled head buffer so the terminal sees
		// every byte the peer wrote before EOF; advertised buffers the
		// peer never reached go straight back to their pool.
		if h := r.tgtposted.front(); h != nil && h.NUsed > 0 {
			r.tgtposted.pop()
			r.Sess.ReadyForTerminal.Put(h)
		}
		for r.tgtposted.len() > 0 {
			r.tgtposted.pop().Recycle()
		}
	}
}
