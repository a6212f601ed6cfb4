package terminal

import (
	"bytes"

	"github.com/relaycore/fabxfer/internal/xerrors"
)

// defaultText is the reference payload both terminals cycle through.
const defaultText = "If this message was received in error then please " +
	"print it out and shred it."

// Source fills peeked buffers from ready with a repeated reference text
// until its byte budget (entirelen = len(text) * 100000) is exhausted,
// moving them to completed and closing completed's insertion side when
// done.
type Source struct {
	text      []byte
	idx       int
	entirelen int
	closed    bool
}

// NewSource creates a Source that emits entirelen bytes (defaults to
// len(text)*100000 when entirelen is 0) of text repeated end to end. An
// empty text uses the built-in reference payload.
func NewSource(text []byte, entirelen int) *Source {
	if len(text) == 0 {
		text = []byte(defaultText)
	}
	if entirelen == 0 {
		entirelen = len(text) * 100000
	}
	return &Source{text: text, entirelen: entirelen}
}

// Trade implements Terminal.
func (s *Source) Trade(ready, completed FIFO) (Outcome, error) {
	for {
		if s.idx == s.entirelen || completed.Full() {
			break
		}
		h, ok := ready.Peek()
		if !ok {
			break
		}
		n := s.entirelen - s.idx
		if n > h.NAllocated {
			n = h.NAllocated
		}
		h.NUsed = n
		for ofs := 0; ofs < n; {
			off := (s.idx + ofs) % len(s.text)
			l := n - ofs
			if rem := len(s.text) - off; l > rem {
				l = rem
			}
			copy(h.Data[ofs:ofs+l], s.text[off:off+l])
			ofs += l
		}
		ready.Get()
		completed.Put(h)
		s.idx += n
	}
	if s.idx != s.entirelen {
		return Continue, nil
	}
	if !s.closed {
		s.closed = true
		completed.PutClose()
	}
	return End, nil
}

// Sink dequeues filled buffers from ready, verifies their content against
// the same reference text at the expected offset, and moves them to
// completed. Overruns and content mismatches are reported as Error.
type Sink struct {
	text      []byte
	idx       int
	entirelen int
	closed    bool
}

// NewSink creates a Sink expecting the same text/entirelen a paired
// Source would produce.
func NewSink(text []byte, entirelen int) *Sink {
	if len(text) == 0 {
		text = []byte(defaultText)
	}
	if entirelen == 0 {
		entirelen = len(text) * 100000
	}
	return &Sink{text: text, entirelen: entirelen}
}

// Trade implements Terminal.
func (s *Sink) Trade(ready, completed FIFO) (Outcome, error) {
	for {
		if completed.Full() {
			break
		}
		h, ok := ready.Peek()
		if !ok {
			break
		}
		if s.idx+h.NUsed > s.entirelen {
			return Error, xerrors.ErrProtocol
		}
		for ofs := 0; ofs < h.NUsed; {
			off := (s.idx + ofs) % len(s.text)
			l := h.NUsed - ofs
			if rem := len(s.text) - off; l > rem {
				l = rem
			}
			if !bytes.Equal(h.Data[ofs:ofs+l], s.text[off:off+l]) {
				return Error, xerrors.ErrProtocol
			}
			ofs += l
		}
		ready.Get()
		s.idx += h.NUsed
		h.ResetPayload()
		completed.Put(h)
	}
	if s.idx != s.entirelen {
		return Continue, nil
	}
	if !s.closed {
		s.closed = true
		ready.GetClose()
	}
	return End, nil
}

// BytesAccepted returns the running count of bytes the sink has verified.
func (s *Sink) BytesAccepted() int { return s.idx }
