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

// transmitterState is the putter connection's state.
type transmitterState int

const (
	stateSendInitial transmitterState = iota
	stateAwaitAck
	stateTxStarted
	stateLocalEOFSent
	stateDrainRemoteEOF
	stateTxClosing
)

// writeFragmentSize caps a single RDMA write so one oversized target
// entry is always split into several posted writes rather than one that
// could exceed the fabric's message-size limit.
const writeFragmentSize = 1 << 20

// Transmitter is the putter's per-connection state machine.
type Transmitter struct {
	Sess *session.Session

	ep   fabric.Endpoint
	cq   fabric.CompletionQueue
	addr fabric.Addr // the getter's active (ack) endpoint address, learned from Ack
	dom  fabric.Domain
	ks   mr.KeySource

	initialTx *ctl.TxCtl
	ackRx     *ctl.RxCtl
	vecRx     *ctl.RxCtl
	progTx    *ctl.TxCtl
	writeTx   *ctl.TxCtl

	initialPool *buf.Pool
	vecPool     *buf.Pool
	progPool    *buf.Pool

	// targets holds the remote write targets advertised by the getter's
	// most recent vector message, not yet fully written.
	targets []wire.IOV
	curOff  uint64 // bytes already written into targets[0]

	// pending is the queue of posted writes awaiting completion, each
	// entry's NUsed recording how many bytes of local payload it carries,
	// so that many bytes are added to bytesProgress for emitProgress to
	// report once it lands.
	pending headerQueue

	state      transmitterState
	eof        eofState
	cancelled  bool
	seededVecs bool

	// bytesProgress accumulates completed-write byte counts until a
	// progress message reports them; it survives passes where no progress
	// buffer is free so no completed byte ever goes unreported.
	bytesProgress uint64

	initialMsg []byte // the marshaled initial handshake, sent once
}

// NewTransmitter creates a Transmitter that will send initial to addr over
// ep (the putter's connectionless endpoint, not yet bound to the getter's
// active address — that arrives in the ack).
func NewTransmitter(sess *session.Session, ep fabric.Endpoint, cq fabric.CompletionQueue, dom fabric.Domain, addr fabric.Addr, initialMsg []byte, initialPool, vecPool, progPool *buf.Pool) *Transmitter {
	t := &Transmitter{
		Sess:        sess,
		ep:          ep,
		cq:          cq,
		addr:        addr,
		dom:         dom,
		initialTx:   ctl.NewTx(ep, addr, 1),
		ackRx:       ctl.NewRx(ep, 1),
		vecRx:       ctl.NewRx(ep, vecPool.Cap()),
		progTx:      ctl.NewTx(ep, addr, progPool.Cap()),
		writeTx:     ctl.NewTx(ep, addr, 64),
		initialPool: initialPool,
		vecPool:     vecPool,
		progPool:    progPool,
		initialMsg:  initialMsg,
	}
	t.progTx.SetSendFlags(fabric.SendFence)
	return t
}

// SentFirst implements session.Conn.
func (t *Transmitter) SentFirst() bool { return t.state != stateSendInitial }

// Cancelled implements session.Conn.
func (t *Transmitter) Cancelled() bool { return t.cancelled }

// WaitFD implements session.Conn.
func (t *Transmitter) WaitFD() (int, bool) { return t.cq.WaitFD() }

// Close implements session.Conn.
func (t *Transmitter) Close() error { return t.ep.Close() }

// RequestCancel marks this connection cancelled and begins unwinding
// in-flight I/O: every posted receive, send, and write is
// fabric-cancelled, and the buffers parked in the session's trading FIFOs
// drain back to their pools.
func (t *Transmitter) RequestCancel() {
	t.cancelled = true
	t.initialTx.Cancel()
	t.ackRx.Cancel()
	t.vecRx.Cancel()
	t.progTx.Cancel()
	t.writeTx.Cancel()
	drainFull(t.Sess.ReadyForCxn, (*buf.Header).Recycle)
	drainFull(t.Sess.ReadyForTerminal, (*buf.Header).Recycle)
}

// Loop runs one non-blocking pass of the transmit state machine.
func (t *Transmitter) Loop() (session.Outcome, error) {
	if t.state == stateSendInitial {
		h, _, err := t.initialPool.Get()
		if err == nil {
			h.Kind = xfc.KindInitial
			h.NUsed = copy(h.Data, t.initialMsg)
			if err := t.initialTx.Enqueue(h); err == nil {
				if scratch := t.ackScratch(); scratch != nil {
					if err := t.ackRx.PostOne(t.addr, scratch); err == nil {
						t.state = stateAwaitAck
					}
				}
			}
		}
	}
	if err := t.initialTx.Transmit(); err != nil {
		return session.LoopError, err
	}

	// A cancelled completion is the expected echo of RequestCancel, not a
	// failure; keep looping until every posted queue has drained.
	if err := t.cqProcess(); err != nil && err != xerrors.ErrCancelled {
		return session.LoopError, err
	}

	if t.cancelled {
		if !t.ackRx.Outstanding() && !t.vecRx.Outstanding() && !t.writeTx.Outstanding() && !t.progTx.Outstanding() {
			// Endpoint teardown is the worker's job once it vacates this
			// session's slot, not this loop's.
			return session.LoopCanceled, nil
		}
		return session.LoopContinue, nil
	}

	if t.state == stateAwaitAck {
		return session.LoopContinue, nil
	}

	if t.state == stateTxStarted || t.state == stateLocalEOFSent {
		if !t.seededVecs {
			t.seedVectorReceives()
			t.seededVecs = true
		}
		if err := t.targetsWrite(); err != nil {
			return session.LoopError, err
		}
		t.emitProgress()
	}

	if err := t.writeTx.Transmit(); err != nil {
		return session.LoopError, err
	}
	if err := t.progTx.Transmit(); err != nil {
		return session.LoopError, err
	}

	if t.eof.local && t.eof.remote && !t.writeTx.Outstanding() && !t.progTx.Outstanding() {
		telemetry.LogDebug(telemetry.ComponentConn, "transmitter loop end", "session", t.Sess.ID)
		return session.LoopEnd, nil
	}

	return session.LoopContinue, nil
}

// seedVectorReceives posts one receive per vector buffer so the fabric
// always has a waiting receive ready for the getter's next vector
// advertisement.
func (t *Transmitter) seedVectorReceives() {
	for i := 0; i < t.vecPool.Cap(); i++ {
		h, _, err := t.vecPool.Get()
		if err != nil {
			return
		}
		h.Kind = xfc.KindVector
		if err := t.vecRx.PostOne(t.addr, h); err != nil {
			t.vecPool.Release(h)
			return
		}
	}
}

// ackScratch borrows a header from progPool to receive the ack into —
// acks are small and infrequent so they share progress buffers' pool
// rather than owning a dedicated one.
func (t *Transmitter) ackScratch() *buf.Header {
	h, _, err := t.progPool.Get()
	if err != nil {
		return nil
	}
	h.Kind = xfc.KindAck
	return h
}

func (t *Transmitter) cqProcess() error {
	entry, err := t.cq.ReadMsg()
	if err == nil {
		return t.dispatch(entry)
	}
	if err != xerrors.ErrTryAgain {
		return err
	}

	ce, err := t.cq.ReadErr()
	if err == nil {
		return t.dispatchErr(ce)
	}
	if err != xerrors.ErrTryAgain {
		return err
	}
	return nil
}

func (t *Transmitter) dispatch(entry fabric.CompletionEntry) error {
	h := (*buf.Header)(entry.Context)
	switch h.Kind {
	case xfc.KindAck:
		h, err := t.ackRx.Complete(entry)
		if err != nil {
			return err
		}
		ack, err := wire.UnmarshalAck(h.Data[:h.NUsed])
		if err != nil {
			t.progPool.Release(h)
			return err
		}
		av, err := t.dom.NewAddressVector()
		if err != nil {
			t.progPool.Release(h)
			return err
		}
		getterAddr, err := av.Insert(ack.Addr)
		if err != nil {
			t.progPool.Release(h)
			return err
		}
		t.addr = getterAddr
		t.progTx.SetAddr(getterAddr)
		t.writeTx.SetAddr(getterAddr)
		t.state = stateTxStarted
		return t.progPool.Release(h)
	case xfc.KindVector:
		h, err := t.vecRx.Complete(entry)
		if err != nil {
			return err
		}
		v, err := wire.UnmarshalVector(h.Data[:h.NUsed])
		if err != nil {
			t.vecPool.Release(h)
			return err
		}
		if v.IsEOF() {
			t.eof.remote = true
		} else {
			t.targets = append(t.targets, v.IOVs...)
		}
		t.vecPool.Release(h)
		next, _, err := t.vecPool.Get()
		if err != nil {
			return nil // no free vector buffer; this receive slot is not re-posted
		}
		next.Kind = xfc.KindVector
		return t.vecRx.PostOne(t.addr, next)
	case xfc.KindRDMAWrite, xfc.KindFragment:
		_, err := t.writeTx.Complete(entry)
		return err
	case xfc.KindProgress:
		h, err := t.progTx.Complete(entry)
		if err != nil {
			return err
		}
		return t.progPool.Release(h)
	case xfc.KindInitial:
		h, err := t.initialTx.Complete(entry)
		if err != nil {
			return err
		}
		return t.initialPool.Release(h)
	default:
		return xerrors.ErrUnexpectedKind
	}
}

func (t *Transmitter) dispatchErr(ce fabric.CompletionError) error {
	h := (*buf.Header)(ce.Context)
	switch h.Kind {
	case xfc.KindAck:
		h, err := t.ackRx.CompleteErr(ce)
		if h != nil {
			t.progPool.Release(h)
		}
		return err
	case xfc.KindVector:
		h, err := t.vecRx.CompleteErr(ce)
		if h != nil {
			t.vecPool.Release(h)
		}
		return err
	case xfc.KindRDMAWrite, xfc.KindFragment:
		_, err := t.writeTx.CompleteErr(ce)
		return err
	case xfc.KindProgress:
		h, err := t.progTx.CompleteErr(ce)
		if h != nil {
			t.progPool.Release(h)
		}
		return err
	case xfc.KindInitial:
		h, err := t.initialTx.CompleteErr(ce)
		if h != nil {
			t.initialPool.Release(h)
		}
		return err
	default:
		return xerrors.ErrUnexpectedKind
	}
}

// targetsWrite drains ready_for_cxn buffers against the outstanding
// target list, fragmenting a source buffer across target boundaries and a
// target across source boundaries as needed, registering each source
// buffer before its first write. A registration failure is fatal to the
// session; there is no write path for an unregistered buffer.
func (t *Transmitter) targetsWrite() error {
	for {
		if len(t.targets) == 0 {
			return nil
		}
		if !t.writeTx.CanPost() {
			return nil // posted-write ring full; compose the rest next pass
		}
		h, ok := t.Sess.ReadyForCxn.Peek()
		if !ok {
			return nil
		}
		if h.MR == nil {
			if err := mr.BufMRReg(t.dom, h, fabric.AccessRead, &t.ks); err != nil {
				telemetry.LogError(telemetry.ComponentConn, "source buffer registration failed", "session", t.Sess.ID, "err", err)
				return err
			}
		}

		tgt := t.targets[0]
		remain := tgt.Len - t.curOff
		n := uint64(h.NUsed)
		if n > remain {
			n = remain
		}
		if n > writeFragmentSize {
			n = writeFragmentSize
		}
		if n == 0 {
			t.targets = t.targets[1:]
			t.curOff = 0
			continue
		}

		last := uint64(h.NUsed) == n
		frag := h
		if !last {
			frag = buf.NewFragment(h, 0, int(n))
		}
		frag.RAddr = tgt.Addr + t.curOff
		if last {
			frag.Kind = xfc.KindRDMAWrite
		}
		// Every write here carries exactly one local IOV, so the posted
		// piece is both the first and last buffer of its batch.
		frag.Place = xfc.PlaceFirst | xfc.PlaceLast

		if err := t.postWrite(frag, tgt.Key); err != nil {
			if err == xerrors.ErrTryAgain {
				return nil // fabric backpressure; recompose next pass
			}
			return err
		}
		h.NChildren++ // one more outstanding piece of h in flight, fragment or not
		t.pending.push(frag)

		t.curOff += n
		if t.curOff == tgt.Len {
			t.targets = t.targets[1:]
			t.curOff = 0
		}
		if last {
			t.Sess.ReadyForCxn.Get()
		} else {
			h.NUsed -= int(n)
			h.Data = h.Data[n:]
			h.RAddr += n
		}
	}
}

// postWrite posts a single RDMA write of frag's payload against the
// remote key rkey.
func (t *Transmitter) postWrite(frag *buf.Header, rkey uint64) error {
	return t.writeTx.PostWrite(frag, fabric.RMAIOV{Addr: frag.RAddr, Len: uint64(frag.NUsed), Key: rkey})
}

// emitProgress reports written bytes to the peer: once any
// writes have completed, report the bytes they delivered, and report
// local EOF exactly once after ready_for_cxn's insertion side has closed
// and every posted write has drained.
func (t *Transmitter) emitProgress() {
	for t.pending.len() > 0 {
		frag := t.pending.front()
		if frag.IsPosted() {
			break
		}
		t.pending.pop()
		t.bytesProgress += uint64(frag.NUsed)

		owner := frag
		if frag.Parent != nil {
			owner = frag.Parent
		}
		owner.NChildren--
		if owner.NChildren == 0 {
			t.recycleWritten(owner)
		}
	}

	// Local EOF: the source has closed its side of ready_for_cxn, every
	// staged buffer has been consumed, and every posted write completed.
	// Leftover advertised targets are irrelevant — the peer reclaims them
	// on seeing nleftover == 0.
	localDone := t.Sess.ReadyForCxn.Full() && t.Sess.ReadyForCxn.Empty() && t.pending.len() == 0

	if t.bytesProgress == 0 && !(localDone && !t.eof.local) {
		return
	}

	h, _, err := t.progPool.Get()
	if err != nil {
		return // bytesProgress carries over to the next pass
	}
	h.Kind = xfc.KindProgress
	msg := &wire.Progress{NFilled: t.bytesProgress}
	eofNow := localDone && !t.eof.local
	if eofNow {
		msg.NLeftover = 0
	} else {
		msg.NLeftover = 1
	}
	n, err := msg.MarshalBinary(h.Data)
	if err != nil {
		t.progPool.Release(h)
		return
	}
	h.NUsed = n
	if err := t.progTx.Enqueue(h); err != nil {
		t.progPool.Release(h)
		return
	}
	t.bytesProgress = 0
	if eofNow {
		t.eof.local = true
	}
}

// recycleWritten returns a fully-written source buffer to the session's
// buffer economy via ready_for_terminal, where the terminal resets and
// refills it.
func (t *Transmitter) recycleWritten(owner *buf.Header) {
	owner.ResetPayload()
	t.Sess.ReadyForTerminal.Put(owner)
}
