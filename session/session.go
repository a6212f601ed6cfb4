// Package session pairs a transfer's moving parts: a
// connection state machine, a terminal, and the two FIFOs that let them
// trade buffers — ready_for_cxn (terminal to connection) and
// ready_for_terminal (connection to terminal).
package session

import (
	"github.com/relaycore/fabxfer/buf"
	"github.com/relaycore/fabxfer/fifo"
	"github.com/relaycore/fabxfer/terminal"
)

// Outcome is what one worker pass over a session's connection reported.
type Outcome int

// Connection loop outcomes, one per per-invocation
// return values.
const (
	// LoopContinue means the session should remain scheduled.
	LoopContinue Outcome = iota
	LoopEnd
	LoopError
	LoopCanceled
)

// Conn is the state-machine surface a session drives once per worker
// pass — satisfied by *conn.Receiver and *conn.Transmitter.
type Conn interface {
	// Loop runs one non-blocking pass of the connection's state machine.
	Loop() (Outcome, error)
	// SentFirst reports whether the connection has sent its first
	// protocol message yet (used by the worker's session-rearrangement
	// pass to prioritize unsent sessions).
	SentFirst() bool
	// Cancelled reports whether this connection has observed the
	// process-wide cancellation flag.
	Cancelled() bool
	// WaitFD exposes the connection's completion queue wait descriptor,
	// when the underlying fabric provider supports one.
	WaitFD() (fd int, ok bool)
	// Close tears down the connection's fabric endpoint.
	Close() error
}

// FIFODepth is the capacity of each trading FIFO. Buffer pools feeding a
// session are capped at this size so a connection can always hand a
// completed buffer to its terminal without finding the FIFO full.
const FIFODepth = 64

// Session pairs one connection with one terminal and the FIFOs that move
// buffers between them. A worker slot holds a *Session (see
// worker.Half.tryAdd); the connection reaches its session through the
// Sess field set when the connection is constructed.
type Session struct {
	Cxn      Conn
	Terminal terminal.Terminal

	// ReadyForCxn carries buffers the terminal has filled (putter source)
	// or emptied (getter sink) toward the connection.
	ReadyForCxn *fifo.FIFO[*buf.Header]
	// ReadyForTerminal carries buffers the connection has filled (getter
	// receive) or is ready to be refilled (putter) toward the terminal.
	ReadyForTerminal *fifo.FIFO[*buf.Header]

	// ID identifies this session for logging, matching the initial
	// message's source id field.
	ID uint32
}

// New creates a session pairing cxn and term with freshly allocated
// trading FIFOs.
func New(id uint32, cxn Conn, term terminal.Terminal) *Session {
	return &Session{
		Cxn:              cxn,
		Terminal:         term,
		ReadyForCxn:      fifo.New[*buf.Header](FIFODepth),
		ReadyForTerminal: fifo.New[*buf.Header](FIFODepth),
		ID:               id,
	}
}

// Step runs one worker pass: first the terminal trades buffers, then the
// connection's state machine advances. This is the scheduler's
// session_loop.
//
// Both personalities wire Trade the same way: ready_for_terminal supplies
// the terminal's "ready" side (a putter's source is handed empty buffers
// the transmitter recycled; a getter's sink is handed buffers the
// receiver just filled) and ready_for_cxn receives the terminal's
// "completed" side (the source's filled buffers for the transmitter to
// write; the sink's emptied buffers for the receiver to re-advertise).
func (s *Session) Step() (Outcome, error) {
	if _, err := s.Terminal.Trade(s.ReadyForTerminal, s.ReadyForCxn); err != nil {
		return LoopError, err
	}
	return s.Cxn.Loop()
}
