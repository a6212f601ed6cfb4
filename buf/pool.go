package buf

import (
	"code.hybscloud.com/iobuf"
	"code.hybscloud.com/iox"

	"github.com/relaycore/fabxfer/xfc"
)

// Pool is a fixed-capacity, lock-free store of *Header values of one kind
// and one payload size, built on iobuf.BoundedPool. Every buffer a
// connection ever posts to the fabric is drawn from one of these pools —
// there is no unbounded allocation on the hot path.
type Pool struct {
	kind  xfc.Kind
	size  int
	inner *iobuf.BoundedPool[*Header]
}

// NewPool creates a pool of capacity buffers of kind, each with a payload
// backing array of size bytes. Capacity is rounded up to a power of two
// by the underlying iobuf.BoundedPool. The pool starts in non-blocking
// mode: every caller in this repository runs a pool's Get/Put from inside
// a worker's non-blocking poll pass, where a blocking wait for a buffer to
// free up would stall every other session that worker drives.
func NewPool(kind xfc.Kind, size, capacity int) *Pool {
	p := &Pool{
		kind:  kind,
		size:  size,
		inner: iobuf.NewBoundedPool[*Header](capacity),
	}
	p.inner.Fill(func() *Header {
		// Page-aligned backing: these ranges are what gets registered with
		// the NIC, and providers want registered regions page-aligned.
		backing := iobuf.AlignedMem(size, iobuf.PageSize)
		h := &Header{Data: backing, Full: backing, NAllocated: size}
		h.Kind = kind
		return h
	})
	p.inner.SetNonblock(true)
	return p
}

// SetNonblock configures whether Get/Put block when the pool is
// exhausted/full. Connections that must never stall the fabric poll loop
// (the worker's hot path) run their pools non-blocking and treat
// iox.ErrWouldBlock as backpressure to retry next tick.
func (p *Pool) SetNonblock(nonblocking bool) { p.inner.SetNonblock(nonblocking) }

// Cap returns the pool's buffer count.
func (p *Pool) Cap() int { return p.inner.Cap() }

// Get acquires a buffer, resets it, and returns it along with the opaque
// handle Put needs to release it again.
func (p *Pool) Get() (h *Header, handle int, err error) {
	handle, err = p.inner.Get()
	if err != nil {
		return nil, 0, err
	}
	h = p.inner.Value(handle)
	h.Reset()
	h.pool = p
	h.poolHandle = handle
	return h, handle, nil
}

// Put returns a buffer to the pool by its handle.
func (p *Pool) Put(handle int) error {
	return p.inner.Put(handle)
}

// Release returns h to the pool it was drawn from, using the handle it
// stashed at Get time. Callers that pass buffers through several queues
// between acquisition and recycling use this instead of threading a
// handle alongside every *Header.
func (p *Pool) Release(h *Header) error {
	return p.inner.Put(h.poolHandle)
}

// ErrExhausted is returned by callers that want a pool-agnostic sentinel;
// it is iox.ErrWouldBlock under another name so call sites that only care
// "no buffer available right now" need not import iox directly.
var ErrExhausted = iox.ErrWouldBlock
