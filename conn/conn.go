// Package conn implements the two per-connection state machines of
// a transfer: Receiver (the getter's passive side) and Transmitter
// (the putter's active side). Each owns a fabric endpoint, a completion
// queue, the rxctl/txctl control blocks for every wire-message kind it
// exchanges, and the EOF bookkeeping that ends a session in both
// directions exactly once.
//
// Both state machines are plain structs with a single Loop method the
// worker calls once per pass — no goroutine per connection — a state
// enum advanced one non-blocking pass at a time.
package conn

import (
	"github.com/relaycore/fabxfer/buf"
	"github.com/relaycore/fabxfer/fifo"
	"github.com/relaycore/fabxfer/session"
)

// eofState tracks the two independent EOF flags carried by every
// connection.
type eofState struct {
	local  bool
	remote bool
}

// Receiver.tgtposted and Transmitter.pending share this small FIFO-order
// bookkeeping: a Go slice used strictly as a pop-front queue, since neither
// needs the close-position or peek semantics
// fifo.FIFO exists for — both are pure internal sequencing state, never
// shared across a lock boundary.
type headerQueue struct {
	q []*buf.Header
}

func (hq *headerQueue) push(h *buf.Header) { hq.q = append(hq.q, h) }
func (hq *headerQueue) len() int           { return len(hq.q) }
func (hq *headerQueue) front() *buf.Header {
	if len(hq.q) == 0 {
		return nil
	}
	return hq.q[0]
}
func (hq *headerQueue) pop() *buf.Header {
	if len(hq.q) == 0 {
		return nil
	}
	h := hq.q[0]
	hq.q = hq.q[1:]
	return h
}

// drainFull recycles every buffer still queued in f back through put,
// draining it with AltGet so f's close positions do not stop the drain;
// used by cancellation cleanup.
func drainFull(f *fifo.FIFO[*buf.Header], put func(*buf.Header)) {
	for {
		h, ok := f.AltGet()
		if !ok {
			return
		}
		put(h)
	}
}

var _ session.Conn = (*Receiver)(nil)
var _ session.Conn = (*Transmitter)(nil)
