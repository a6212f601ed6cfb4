// Package fifo implements the closeable ring buffer of buffer pointers that
// connections, sessions, and terminals trade buffers through. Unlike a
// plain bounded queue, a FIFO carries two independent close positions: once
// put-closed, every Put past that point fails; once get-closed, every Get
// past that point fails even though the ring may still hold items (those
// drain only through the Alt* variants used during cancellation cleanup).
// That close position is the single mechanism carrying end-of-stream
// across the pipeline.
//
// The ring mechanics mirror code.hybscloud.com/lfq's SPSC queue — a
// Lamport ring with cached indices, each side only ever touching its own
// index — generalized with the put/get close positions lfq's own SPSC has
// no notion of. Counters use the same code.hybscloud.com/atomix vocabulary
// lfq itself is built on, rather than sync/atomic directly.
package fifo

import "code.hybscloud.com/atomix"

// notClosed is the sentinel close position meaning no close has been
// requested yet on that side.
const notClosed = ^uint64(0)

// FIFO is a fixed-capacity ring of T, safe for use by one producer (Put
// side) and one consumer (Get side) without a lock, in the same spirit as
// lfq.SPSC.
type FIFO[T any] struct {
	head       atomix.Uint64 // consumer-owned
	cachedTail uint64        // consumer's cached view of tail
	closedGet  atomix.Uint64 // close position for Get, consumer-owned

	tail       atomix.Uint64 // producer-owned
	cachedHead uint64        // producer's cached view of head
	closedPut  atomix.Uint64 // close position for Put, producer-owned

	ring []T
	mask uint64
}

// New creates a FIFO whose capacity is rounded up to the next power of two
// (minimum 2).
func New[T any](capacity int) *FIFO[T] {
	n := uint64(1)
	for n < uint64(capacity) {
		n <<= 1
	}
	if n < 2 {
		n = 2
	}
	f := &FIFO[T]{
		ring: make([]T, n),
		mask: n - 1,
	}
	f.closedGet.Store(notClosed)
	f.closedPut.Store(notClosed)
	return f
}

// Cap returns the FIFO's slot count.
func (f *FIFO[T]) Cap() int { return len(f.ring) }

// GetClose sets the close position to the current removal point: every Get
// that follows fails and Empty reports true, even if items remain
// physically present behind the close point. Consumer-side only.
func (f *FIFO[T]) GetClose() {
	if f.closedGet.LoadAcquire() != notClosed {
		panic("fifo: GetClose called on an already get-closed FIFO")
	}
	f.closedGet.StoreRelease(f.head.LoadRelaxed())
}

// PutClose sets the close position to the current insertion point: every
// Put that follows fails and Full reports true. Producer-side only.
func (f *FIFO[T]) PutClose() {
	if f.closedPut.LoadAcquire() != notClosed {
		panic("fifo: PutClose called on an already put-closed FIFO")
	}
	f.closedPut.StoreRelease(f.tail.LoadRelaxed())
}

// AltEmpty reports whether the ring holds no items, ignoring any close
// position.
func (f *FIFO[T]) AltEmpty() bool {
	return f.head.LoadAcquire() == f.tail.LoadAcquire()
}

// Empty reports whether the ring holds no items, or has been read up to its
// close position.
func (f *FIFO[T]) Empty() bool {
	head := f.head.LoadAcquire()
	if head >= f.closedGet.LoadAcquire() {
		return true
	}
	return head == f.tail.LoadAcquire()
}

// AltFull reports whether the ring is at capacity, ignoring any close
// position.
func (f *FIFO[T]) AltFull() bool {
	return f.tail.LoadAcquire()-f.head.LoadAcquire() == f.mask+1
}

// Full reports whether the ring is at capacity, or has been written up to
// its close position.
func (f *FIFO[T]) Full() bool {
	tail := f.tail.LoadAcquire()
	if tail >= f.closedPut.LoadAcquire() {
		return true
	}
	return tail-f.head.LoadAcquire() == f.mask+1
}

// AltGet removes and returns the head item, bypassing the close position.
// ok is false if the ring is physically empty.
func (f *FIFO[T]) AltGet() (item T, ok bool) {
	head := f.head.LoadRelaxed()
	if head >= f.cachedTail {
		f.cachedTail = f.tail.LoadAcquire()
		if head >= f.cachedTail {
			var zero T
			return zero, false
		}
	}
	item = f.ring[head&f.mask]
	f.head.StoreRelease(head + 1)
	return item, true
}

// Get removes and returns the head item. ok is false if the ring is empty
// or has been read up to its close position.
func (f *FIFO[T]) Get() (item T, ok bool) {
	head := f.head.LoadRelaxed()
	if head >= f.closedGet.LoadAcquire() {
		var zero T
		return zero, false
	}
	return f.AltGet()
}

// Peek returns the head item without removing it. ok is false under the
// same conditions as Get.
func (f *FIFO[T]) Peek() (item T, ok bool) {
	head := f.head.LoadRelaxed()
	if head >= f.closedGet.LoadAcquire() {
		var zero T
		return zero, false
	}
	if head >= f.cachedTail {
		f.cachedTail = f.tail.LoadAcquire()
		if head >= f.cachedTail {
			var zero T
			return zero, false
		}
	}
	return f.ring[head&f.mask], true
}

// AltPut appends item to the tail, bypassing the close position. ok is
// false if the ring is physically full.
func (f *FIFO[T]) AltPut(item T) (ok bool) {
	tail := f.tail.LoadRelaxed()
	if tail-f.cachedHead > f.mask {
		f.cachedHead = f.head.LoadAcquire()
		if tail-f.cachedHead > f.mask {
			return false
		}
	}
	f.ring[tail&f.mask] = item
	f.tail.StoreRelease(tail + 1)
	return true
}

// Put appends item to the tail. ok is false if the ring is full or has
// been written up to its close position.
func (f *FIFO[T]) Put(item T) (ok bool) {
	tail := f.tail.LoadRelaxed()
	if tail >= f.closedPut.LoadAcquire() {
		return false
	}
	return f.AltPut(item)
}

// Insertions returns the lifetime count of successful Put/AltPut calls.
func (f *FIFO[T]) Insertions() uint64 { return f.tail.LoadAcquire() }

// Removals returns the lifetime count of successful Get/AltGet calls.
func (f *FIFO[T]) Removals() uint64 { return f.head.LoadAcquire() }
