// Package buf implements the buffer header every in-flight I/O operation
// is built around, the typed specializations that give each wire message
// kind its own backing storage, and the fixed-capacity pools those
// specializations are drawn from.
package buf

import (
	"unsafe"

	"github.com/relaycore/fabxfer/fabric"
	"github.com/relaycore/fabxfer/xfc"
)

// Header is embedded as the leading field of every buffer specialization.
// Its address doubles as the fabric completion context: xfc.Context sits
// first so a *Header and a *xfc.Context share the same address, letting
// completion dispatch recover the owning Header from the bare pointer a
// fabric.CompletionEntry echoes back.
type Header struct {
	xfc.Context

	// RAddr is, for a receive target, its offset within its memory
	// registration (set by mr.RegV and advertised in vector messages); for
	// a source buffer or fragment, the remote address its write targets
	// (set by the transmitter's write path).
	RAddr uint64

	// NUsed is the number of payload bytes currently valid in Data.
	NUsed int

	// NAllocated is the buffer's backing capacity. Fragments borrow their
	// parent's registration and always report zero here, signalling that
	// Data is a subslice rather than an independently owned allocation.
	NAllocated int

	// MR is the memory registration covering Data, nil until registered.
	MR fabric.MemoryRegion

	// Data is the backing storage, the *current* payload view. For
	// ordinary buffers this starts as the full registered range but
	// shrinks as Transmitter.targetsWrite carves off already-written
	// prefixes while fragmenting a buffer across several remote targets;
	// for fragments it is always a subslice of the parent's. Full is
	// what restores it.
	Data []byte

	// Full is the buffer's complete backing range as allocated by its
	// pool, set once at creation and never mutated. Reset and the
	// transmitter's recycle path restore Data to Full so a buffer that
	// was fragmented across several writes returns to the terminal at
	// its full capacity rather than the shrunken tail view it ended on.
	// Nil for fragments, which never own a registration of their own.
	Full []byte

	// Parent points back to the buffer a fragment was carved from. Nil
	// for every non-fragment kind.
	Parent *Header

	// poolHandle is the owning Pool's indirect index for this buffer,
	// stashed at Get time so the buffer can find its own way back to
	// Pool.Release without the caller threading a handle through every
	// queue it passes.
	poolHandle int
	pool       *Pool
}

// XFC returns the address of this buffer's embedded transfer context — the
// completion context handed to the fabric on post and echoed back on
// completion.
func (h *Header) XFC() *xfc.Context { return &h.Context }

// Desc returns the local fabric descriptor for this buffer's registration,
// or nil if it has not been registered yet.
func (h *Header) Desc() unsafe.Pointer {
	if h.MR == nil {
		return nil
	}
	return h.MR.Desc()
}

// Key returns the remote key granted by this buffer's registration, or
// zero if it has not been registered yet.
func (h *Header) Key() uint64 {
	if h.MR == nil {
		return 0
	}
	return h.MR.Key()
}

// IOV builds the local scatter/gather entry the fabric layer posts this
// buffer's valid bytes with.
func (h *Header) IOV() fabric.IOV {
	base := unsafe.Pointer(nil)
	if len(h.Data) > 0 {
		base = unsafe.Pointer(&h.Data[0])
	}
	return fabric.IOV{Base: base, Len: uint64(h.NUsed), Desc: h.Desc()}
}

// RecvIOV builds the local scatter/gather entry a receive is posted with:
// unlike IOV it spans the buffer's whole current payload view, since the
// incoming message's size is unknown until its completion reports it.
func (h *Header) RecvIOV() fabric.IOV {
	base := unsafe.Pointer(nil)
	if len(h.Data) > 0 {
		base = unsafe.Pointer(&h.Data[0])
	}
	return fabric.IOV{Base: base, Len: uint64(len(h.Data)), Desc: h.Desc()}
}

// Reset clears per-transfer state while retaining the backing allocation
// and registration, readying the buffer for reuse once it returns to its
// pool.
func (h *Header) Reset() {
	h.Context.Reset()
	h.RAddr = 0
	h.NUsed = 0
	h.Parent = nil
	if h.Full != nil {
		h.Data = h.Full
	}
}

// ResetPayload restores Data to its full backing range and clears NUsed,
// without touching the completion context or registration. The transmitter
// calls this when a buffer that was fragmented across several writes
// returns to the terminal, so the terminal sees the buffer's full capacity
// again rather than the shrunken tail view fragmentation left it at.
func (h *Header) ResetPayload() {
	h.NUsed = 0
	if h.Full != nil {
		h.Data = h.Full
	}
}

// Recycle returns h to the pool it was drawn from. Buffers that never came
// from a pool (fragments, scratch headers) are left to the garbage
// collector. Used by the cancellation drain, where buffers come back
// through several different queues and the caller cannot know which pool
// owns each one.
func (h *Header) Recycle() {
	if h.pool != nil {
		h.pool.Release(h)
	}
}

// NewFragment carves a child buffer describing a sub-range of parent's
// payload. Fragments exist only transiently, to let a single source
// buffer be written across several remote targets in separate RDMA
// writes; they never own a registration of their own.
func NewFragment(parent *Header, offset, length int) *Header {
	f := &Header{
		Data:   parent.Data[offset : offset+length],
		NUsed:  length,
		Parent: parent,
		MR:     parent.MR,
	}
	f.Kind = xfc.KindFragment
	return f
}
