// Package terminal defines the opaque producer/consumer ends
// of a session: the source that fills buffers with payload bytes, and the
// sink that verifies them. A terminal never talks to the fabric directly —
// it only trades buffers with its session's two FIFOs.
package terminal

import "github.com/relaycore/fabxfer/buf"

// Outcome is what Trade reports about one pass over a terminal's FIFOs.
type Outcome int

// Terminal trade outcomes.
const (
	// Continue means more work remains; call Trade again next pass.
	Continue Outcome = iota
	// End means the terminal has reached its byte budget and closed the
	// FIFO it owns the insertion or removal side of.
	End
	// Error means the terminal detected a violation (content mismatch or
	// overrun for a sink) and the owning session should fail.
	Error
)

// FIFO is the minimal buffer-trading surface a terminal needs from
// fifo.FIFO[*buf.Header], named here so terminal does not import fifo
// directly — the session wires the concrete type in.
type FIFO interface {
	Peek() (*buf.Header, bool)
	Get() (*buf.Header, bool)
	Put(*buf.Header) bool
	PutClose()
	GetClose()
	Empty() bool
	Full() bool
}

// Terminal is the common interface a session drives once per worker pass.
type Terminal interface {
	// Trade fills or drains buffers moving between ready and completed —
	// ready is the queue of empty/filled buffers offered to the terminal,
	// completed is where it returns buffers once done with them.
	Trade(ready, completed FIFO) (Outcome, error)
}
