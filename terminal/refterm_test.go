package terminal

import (
	"testing"

	"github.com/relaycore/fabxfer/buf"
	"github.com/relaycore/fabxfer/fifo"
)

func newBuffers(n, size int) []*buf.Header {
	out := make([]*buf.Header, n)
	for i := range out {
		backing := make([]byte, size)
		out[i] = &buf.Header{Data: backing, Full: backing, NAllocated: size}
	}
	return out
}

func TestSourceFillsCyclicText(t *testing.T) {
	text := []byte("abcdef")
	entirelen := len(text) * 3
	src := NewSource(text, entirelen)

	ready := fifo.New[*buf.Header](8)
	completed := fifo.New[*buf.Header](8)
	for _, h := range newBuffers(4, 7) {
		ready.Put(h)
	}

	out, err := src.Trade(ready, completed)
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if out != End {
		t.Fatalf("trade outcome = %v, want End", out)
	}

	var got []byte
	for {
		h, ok := completed.Get()
		if !ok {
			break
		}
		got = append(got, h.Data[:h.NUsed]...)
	}
	want := []byte("abcdefabcdefabcdef")
	if string(got) != string(want) {
		t.Fatalf("source emitted %q, want %q", got, want)
	}
	if !completed.Full() {
		t.Fatalf("source must put-close completed at end")
	}
}

func TestSourceStopsWhenCompletedFull(t *testing.T) {
	src := NewSource([]byte("xy"), 64)
	ready := fifo.New[*buf.Header](8)
	completed := fifo.New[*buf.Header](2)
	for _, h := range newBuffers(6, 4) {
		ready.Put(h)
	}

	out, err := src.Trade(ready, completed)
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if out != Continue {
		t.Fatalf("trade outcome = %v, want Continue while budget remains", out)
	}
}

func TestSinkVerifiesAndCounts(t *testing.T) {
	text := []byte("hello, fabric")
	entirelen := len(text) * 2
	sink := NewSink(text, entirelen)

	ready := fifo.New[*buf.Header](8)
	completed := fifo.New[*buf.Header](8)
	for _, h := range newBuffers(2, len(text)) {
		copy(h.Data, text)
		h.NUsed = len(text)
		ready.Put(h)
	}

	out, err := sink.Trade(ready, completed)
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if out != End {
		t.Fatalf("trade outcome = %v, want End", out)
	}
	if sink.BytesAccepted() != entirelen {
		t.Fatalf("bytes accepted = %d, want %d", sink.BytesAccepted(), entirelen)
	}
	if !ready.Empty() {
		t.Fatalf("sink must get-close ready at end")
	}
}

func TestSinkRejectsContentMismatch(t *testing.T) {
	text := []byte("expected")
	sink := NewSink(text, len(text))

	ready := fifo.New[*buf.Header](4)
	completed := fifo.New[*buf.Header](4)
	h := newBuffers(1, len(text))[0]
	copy(h.Data, "eXpected")
	h.NUsed = len(text)
	ready.Put(h)

	out, err := sink.Trade(ready, completed)
	if err == nil || out != Error {
		t.Fatalf("trade = (%v, %v), want content-mismatch error", out, err)
	}
}

func TestSinkRejectsOverrun(t *testing.T) {
	text := []byte("short")
	sink := NewSink(text, 3) // budget smaller than one buffer
	ready := fifo.New[*buf.Header](4)
	completed := fifo.New[*buf.Header](4)
	h := newBuffers(1, len(text))[0]
	copy(h.Data, text)
	h.NUsed = len(text)
	ready.Put(h)

	out, err := sink.Trade(ready, completed)
	if err == nil || out != Error {
		t.Fatalf("trade = (%v, %v), want overrun error", out, err)
	}
}

func TestSinkAcceptsPartialFinalBuffer(t *testing.T) {
	text := []byte("abcd")
	sink := NewSink(text, 6)
	ready := fifo.New[*buf.Header](4)
	completed := fifo.New[*buf.Header](4)

	first := newBuffers(1, 4)[0]
	copy(first.Data, text)
	first.NUsed = 4
	ready.Put(first)
	second := newBuffers(1, 4)[0]
	copy(second.Data, "ab")
	second.NUsed = 2
	ready.Put(second)

	out, err := sink.Trade(ready, completed)
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if out != End || sink.BytesAccepted() != 6 {
		t.Fatalf("trade = %v accepted = %d, want End/6", out, sink.BytesAccepted())
	}
}
