package wire

import (
	"bytes"
	"testing"

	"github.com/relaycore/fabxfer/internal/xerrors"
)

func TestInitialRoundTrip(t *testing.T) {
	want := &Initial{NSources: 8, ID: 3, Addr: []byte("deadbeef")}
	copy(want.Nonce[:], "0123456789abcdef")

	buf := make([]byte, 256)
	n, err := want.MarshalBinary(buf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalInitial(buf[:n])
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.NSources != want.NSources || got.ID != want.ID || !bytes.Equal(got.Addr, want.Addr) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
	if got.Nonce != want.Nonce {
		t.Fatalf("nonce mismatch")
	}
}

func TestAckRoundTrip(t *testing.T) {
	want := &Ack{Addr: []byte("getter-address")}
	buf := make([]byte, 256)
	n, err := want.MarshalBinary(buf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalAck(buf[:n])
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(got.Addr, want.Addr) {
		t.Fatalf("round trip mismatch")
	}
}

func TestVectorRoundTrip(t *testing.T) {
	want := &Vector{IOVs: []IOV{
		{Addr: 0x1000, Len: 4096, Key: 7},
		{Addr: 0x2000, Len: 8192, Key: 9},
	}}
	buf := make([]byte, 256)
	n, err := want.MarshalBinary(buf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if n != want.WireSize() {
		t.Fatalf("wire size mismatch: got %d want %d", n, want.WireSize())
	}
	got, err := UnmarshalVector(buf[:n])
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.IOVs) != len(want.IOVs) || got.IOVs[0] != want.IOVs[0] || got.IOVs[1] != want.IOVs[1] {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestVectorEmptyIsEOF(t *testing.T) {
	v := &Vector{}
	if !v.IsEOF() {
		t.Fatalf("empty vector should be EOF marker")
	}
}

func TestVectorRejectsTooManyIOVs(t *testing.T) {
	iovs := make([]IOV, MaxIOVs+1)
	v := &Vector{IOVs: iovs}
	buf := make([]byte, 1024)
	if _, err := v.MarshalBinary(buf); err == nil {
		t.Fatalf("expected error marshalling oversized vector")
	}
}

func TestVectorRejectsMisalignedLength(t *testing.T) {
	// header + 1 byte is not a multiple of 24 past the header.
	b := make([]byte, vectorHeaderSize+1)
	if _, err := UnmarshalVector(b); err == nil {
		t.Fatalf("expected malformed vector error")
	}
}

func TestVectorRejectsDeclaredNiovsExceedingCapacity(t *testing.T) {
	b := make([]byte, vectorHeaderSize+iovEntrySize) // capacity for 1 iov
	// declare 2 iovs
	b[0] = 2
	if _, err := UnmarshalVector(b); err == nil {
		t.Fatalf("expected malformed vector error for over-declared niovs")
	}
}

func TestVectorRejectsOverHardCap(t *testing.T) {
	b := make([]byte, vectorHeaderSize+(MaxIOVs+1)*iovEntrySize)
	b[0] = byte(MaxIOVs + 1)
	if _, err := UnmarshalVector(b); err == nil {
		t.Fatalf("expected too-many-iovs error")
	}
}

func TestProgressRoundTrip(t *testing.T) {
	want := &Progress{NFilled: 1 << 20, NLeftover: 1}
	buf := make([]byte, ProgressSize)
	n, err := want.MarshalBinary(buf)
	if err != nil || n != ProgressSize {
		t.Fatalf("marshal: n=%d err=%v", n, err)
	}
	got, err := UnmarshalProgress(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if *got != *want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
	if got.IsEOF() {
		t.Fatalf("NLeftover=1 must not be EOF")
	}
}

func TestProgressEOF(t *testing.T) {
	p := &Progress{NFilled: 42, NLeftover: 0}
	if !p.IsEOF() {
		t.Fatalf("NLeftover=0 must be EOF")
	}
}

func TestProgressRejectsWrongLength(t *testing.T) {
	if _, err := UnmarshalProgress(make([]byte, ProgressSize-1)); err != xerrors.ErrMalformedProgress {
		t.Fatalf("expected ErrMalformedProgress, got %v", err)
	}
}
