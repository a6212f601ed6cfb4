// Package wire implements fabxfer's on-the-wire message layout: the
// initial handshake, ack, vector advertisement, and progress report
// messages exchanged between putter and getter over the fabric's message
// send/receive path (never over RDMA writes, which carry only raw payload
// bytes).
//
// All messages are little-endian and packed; field sizes are fixed.
package wire

import (
	"encoding/binary"

	"github.com/relaycore/fabxfer/internal/xerrors"
)

// MaxIOVs is the hard cap on {addr, len, key} triples a single vector
// message may carry.
const MaxIOVs = 12

// NonceSize is the width of the initial message's random nonce.
const NonceSize = 16

// MaxAddrSize bounds the fabric address bytes embedded in initial/ack
// messages.
const MaxAddrSize = 512

const (
	initialFixedSize = NonceSize + 4 + 4 + 4 // nonce, nsources, id, addrlen
	ackFixedSize     = 4                     // addrlen
	vectorHeaderSize = 4 + 4                 // niovs, pad
	iovEntrySize     = 8 + 8 + 8             // addr, len, key
	// ProgressSize is the fixed wire size of a progress message.
	ProgressSize = 8 + 8 // nfilled, nleftover
)

// Initial is the putter's opening handshake message.
type Initial struct {
	Nonce     [NonceSize]byte
	NSources  uint32
	ID        uint32
	Addr      []byte // sender's own fabric address, ≤ MaxAddrSize
}

// MarshalBinary encodes the initial message into dst, returning the number
// of bytes written. dst must be at least initialFixedSize+len(Addr) bytes.
func (m *Initial) MarshalBinary(dst []byte) (int, error) {
	if len(m.Addr) > MaxAddrSize {
		return 0, xerrors.ErrMalformedInitial
	}
	n := initialFixedSize + len(m.Addr)
	if len(dst) < n {
		return 0, xerrors.ErrMalformedInitial
	}
	copy(dst[0:NonceSize], m.Nonce[:])
	o := NonceSize
	binary.LittleEndian.PutUint32(dst[o:], m.NSources)
	o += 4
	binary.LittleEndian.PutUint32(dst[o:], m.ID)
	o += 4
	binary.LittleEndian.PutUint32(dst[o:], uint32(len(m.Addr)))
	o += 4
	copy(dst[o:], m.Addr)
	return n, nil
}

// MarshalAlloc allocates a right-sized buffer and marshals m into it in one
// call. Used before a session (and its buffer pools) exists to carry the
// handshake payload — the putter has nowhere else to borrow a scratch
// buffer from at that point.
func (m *Initial) MarshalAlloc() ([]byte, error) {
	dst := make([]byte, initialFixedSize+len(m.Addr))
	n, err := m.MarshalBinary(dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// UnmarshalInitial decodes and validates an initial message.
func UnmarshalInitial(b []byte) (*Initial, error) {
	if len(b) < initialFixedSize {
		return nil, xerrors.ErrMalformedInitial
	}
	m := &Initial{}
	copy(m.Nonce[:], b[0:NonceSize])
	o := NonceSize
	m.NSources = binary.LittleEndian.Uint32(b[o:])
	o += 4
	m.ID = binary.LittleEndian.Uint32(b[o:])
	o += 4
	addrlen := binary.LittleEndian.Uint32(b[o:])
	o += 4
	if addrlen > MaxAddrSize || int(addrlen) > len(b)-o {
		return nil, xerrors.ErrMalformedInitial
	}
	m.Addr = append([]byte(nil), b[o:o+int(addrlen)]...)
	return m, nil
}

// Ack is the getter's response, carrying its active endpoint's address.
type Ack struct {
	Addr []byte
}

// MarshalBinary encodes the ack message into dst.
func (m *Ack) MarshalBinary(dst []byte) (int, error) {
	if len(m.Addr) > MaxAddrSize {
		return 0, xerrors.ErrMalformedAck
	}
	n := ackFixedSize + len(m.Addr)
	if len(dst) < n {
		return 0, xerrors.ErrMalformedAck
	}
	binary.LittleEndian.PutUint32(dst[0:], uint32(len(m.Addr)))
	copy(dst[ackFixedSize:], m.Addr)
	return n, nil
}

// MarshalAlloc allocates a right-sized buffer and marshals m into it in one
// call, the getter-side counterpart to Initial.MarshalAlloc — the ack is
// sent before the session's progress pool is seeded.
func (m *Ack) MarshalAlloc() ([]byte, error) {
	dst := make([]byte, ackFixedSize+len(m.Addr))
	n, err := m.MarshalBinary(dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// UnmarshalAck decodes and validates an ack message.
func UnmarshalAck(b []byte) (*Ack, error) {
	if len(b) < ackFixedSize {
		return nil, xerrors.ErrMalformedAck
	}
	addrlen := binary.LittleEndian.Uint32(b[0:])
	if addrlen > MaxAddrSize || int(addrlen) > len(b)-ackFixedSize {
		return nil, xerrors.ErrMalformedAck
	}
	return &Ack{Addr: append([]byte(nil), b[ackFixedSize:ackFixedSize+int(addrlen)]...)}, nil
}

// IOV is one {remote addr, length, key} triple in a vector message.
type IOV struct {
	Addr uint64
	Len  uint64
	Key  uint64
}

// Vector advertises up to MaxIOVs remote-writable regions. A Vector with
// zero entries is the receiver's local-EOF marker.
type Vector struct {
	IOVs []IOV
}

// MarshalBinary encodes the vector message into dst.
func (m *Vector) MarshalBinary(dst []byte) (int, error) {
	if len(m.IOVs) > MaxIOVs {
		return 0, xerrors.ErrTooManyIOVs
	}
	n := vectorHeaderSize + len(m.IOVs)*iovEntrySize
	if len(dst) < n {
		return 0, xerrors.ErrMalformedVector
	}
	binary.LittleEndian.PutUint32(dst[0:], uint32(len(m.IOVs)))
	binary.LittleEndian.PutUint32(dst[4:], 0) // pad
	o := vectorHeaderSize
	for _, iov := range m.IOVs {
		binary.LittleEndian.PutUint64(dst[o:], iov.Addr)
		binary.LittleEndian.PutUint64(dst[o+8:], iov.Len)
		binary.LittleEndian.PutUint64(dst[o+16:], iov.Key)
		o += iovEntrySize
	}
	return n, nil
}

// UnmarshalVector decodes and validates a vector message. A message is
// wellformed iff total_len >= offset-of(iov), the remaining bytes are an
// exact multiple of 24, and the declared niovs does not exceed either the
// byte-implied capacity or MaxIOVs.
func UnmarshalVector(b []byte) (*Vector, error) {
	if len(b) < vectorHeaderSize {
		return nil, xerrors.ErrMalformedVector
	}
	niovs := binary.LittleEndian.Uint32(b[0:])
	rest := len(b) - vectorHeaderSize
	if rest%iovEntrySize != 0 {
		return nil, xerrors.ErrMalformedVector
	}
	capacity := uint32(rest / iovEntrySize)
	if niovs > capacity || niovs > MaxIOVs {
		return nil, xerrors.ErrTooManyIOVs
	}
	m := &Vector{IOVs: make([]IOV, niovs)}
	o := vectorHeaderSize
	for i := range m.IOVs {
		m.IOVs[i] = IOV{
			Addr: binary.LittleEndian.Uint64(b[o:]),
			Len:  binary.LittleEndian.Uint64(b[o+8:]),
			Key:  binary.LittleEndian.Uint64(b[o+16:]),
		}
		o += iovEntrySize
	}
	return m, nil
}

// WireSize returns this vector's exact encoded length: offset_of(iov) +
// niovs*24.
func (m *Vector) WireSize() int { return vectorHeaderSize + len(m.IOVs)*iovEntrySize }

// Progress reports bytes written and whether more remain. NLeftover == 0
// is the putter's end-of-stream signal.
type Progress struct {
	NFilled   uint64
	NLeftover uint64
}

// MarshalBinary encodes the progress message into dst.
func (m *Progress) MarshalBinary(dst []byte) (int, error) {
	if len(dst) < ProgressSize {
		return 0, xerrors.ErrMalformedProgress
	}
	binary.LittleEndian.PutUint64(dst[0:], m.NFilled)
	binary.LittleEndian.PutUint64(dst[8:], m.NLeftover)
	return ProgressSize, nil
}

// UnmarshalProgress decodes and validates a progress message. A progress
// message is wellformed iff its length equals exactly 16 bytes.
func UnmarshalProgress(b []byte) (*Progress, error) {
	if len(b) != ProgressSize {
		return nil, xerrors.ErrMalformedProgress
	}
	return &Progress{
		NFilled:   binary.LittleEndian.Uint64(b[0:]),
		NLeftover: binary.LittleEndian.Uint64(b[8:]),
	}, nil
}

// IsEOF reports whether this progress message signals putter-side EOF.
func (m *Progress) IsEOF() bool { return m.NLeftover == 0 }

// IsEOF reports whether this vector signals receiver-side (local) EOF —
// an empty advertisement, sent exactly once after remote EOF is observed.
func (m *Vector) IsEOF() bool { return len(m.IOVs) == 0 }
