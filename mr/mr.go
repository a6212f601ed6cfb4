// Package mr implements the memory-registration helpers:
// chunked registration of an IOV array across a fabric domain, and the
// per-connection key source that draws 256-key windows from a single
// global atomic pool. The pool starts at 512, leaving the low key space
// to the fabric provider's own registrations.
package mr

import (
	"code.hybscloud.com/atomix"

	"github.com/relaycore/fabxfer/buf"
	"github.com/relaycore/fabxfer/fabric"
)

// keyWindow is the number of registration keys a KeySource claims from the
// global pool at once.
const keyWindow = 256

// globalKeyPool is the single cross-session source of registration-key
// windows. Every KeySource draws from it, so keys never collide across
// concurrently-running sessions even though each session's KeySource is
// otherwise unsynchronized.
var globalKeyPool atomix.Uint64

func init() { globalKeyPool.Store(512) }

// KeySource hands out monotonically increasing registration keys in
// windows of 256, refilling from the global pool whenever the local
// window is exhausted. A KeySource is owned by exactly one connection and
// must not be shared across goroutines.
type KeySource struct {
	next uint64
}

// Next returns the next key this source should register a buffer with.
func (s *KeySource) Next() uint64 {
	if s.next%keyWindow == 0 {
		s.next = globalKeyPool.Add(keyWindow) - keyWindow
	}
	k := s.next
	s.next++
	return k
}

// RegV registers the niovs-segment iov array against dom, using up to
// maxsegs segments per underlying registration call. Within each chunk the
// same registration handle is shared across its segments, and raddr
// accumulates each segment's starting offset the way a single contiguous
// memory region's remote addresses do. Every registered *buf.Header in
// iov receives its MR and its RAddr field is set to its offset within that
// chunk's shared registration.
func RegV(dom fabric.Domain, iov []*buf.Header, maxsegs int, access fabric.AccessFlags, ks *KeySource) error {
	if maxsegs <= 0 {
		maxsegs = 1
	}
	for i := 0; i < len(iov); i += maxsegs {
		end := i + maxsegs
		if end > len(iov) {
			end = len(iov)
		}
		chunk := iov[i:end]

		bufs := make([][]byte, len(chunk))
		for j, h := range chunk {
			bufs[j] = h.Data
		}
		shared, err := dom.RegisterMemoryV(bufs, access, ks.Next())
		if err != nil {
			deregisterAll(iov[:i])
			return err
		}

		var raddr uint64
		for _, h := range chunk {
			h.MR = shared
			h.RAddr = raddr
			raddr += uint64(len(h.Data))
		}
	}
	return nil
}

// BufMRReg registers a single buffer's full payload range.
func BufMRReg(dom fabric.Domain, h *buf.Header, access fabric.AccessFlags, ks *KeySource) error {
	mr, err := dom.RegisterMemory(h.Data, access, ks.Next())
	if err != nil {
		return err
	}
	h.MR = mr
	return nil
}

// BufMRDereg closes a single buffer's registration handle, if any.
func BufMRDereg(h *buf.Header) error {
	if h.MR == nil {
		return nil
	}
	err := h.MR.Close()
	h.MR = nil
	return err
}

func deregisterAll(iov []*buf.Header) {
	seen := make(map[fabric.MemoryRegion]struct{})
	for _, h := range iov {
		if h.MR == nil {
			continue
		}
		if _, ok := seen[h.MR]; ok {
			continue
		}
		seen[h.MR] = struct{}{}
		h.MR.Close()
	}
}
