package worker

import (
	"sync"

	"github.com/relaycore/fabxfer/session"
)

// halfMax is the per-half session cap.
const halfMax = SessionsMax / 2

// slot holds one session placed on a half, plus the epoll bookkeeping
// needed to tell whether it was I/O-ready on the most recent poll.
type slot struct {
	sess    *session.Session
	fd      int // registered wait fd, -1 if this session offers none
	ioReady bool
}

// half is one of a worker's two independently lockable session groups,
// the granularity at which trylock/poll/rearrange/run proceeds.
type half struct {
	mu    sync.Mutex
	slots [halfMax]*slot
	n     int
}

func newHalf() *half { return &half{} }

func (h *half) tryLock() bool { return h.mu.TryLock() }
func (h *half) unlock()       { h.mu.Unlock() }

// count is read for the dispatcher's load comparison without holding the
// half's lock across the whole placement decision; a stale read only
// risks slightly uneven placement, never an overrun, since tryAdd
// re-checks capacity under lock.
func (h *half) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// tryAdd places sess into the first free slot, arming its wait fd against
// p when one is available. Returns false if the half is already full.
func (h *half) tryAdd(sess *session.Session, p *poller) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n >= halfMax {
		return false
	}
	s := &slot{sess: sess, fd: -1}
	if p != nil {
		if fd, ok := sess.Cxn.WaitFD(); ok {
			if err := p.addFD(fd, func() { s.ioReady = true }); err == nil {
				s.fd = fd
			}
		}
	}
	h.slots[h.n] = s
	h.n++
	return true
}

func (h *half) swap(i, j int) { h.slots[i], h.slots[j] = h.slots[j], h.slots[i] }

// poll reports how many of this half's sessions are currently I/O-ready,
// swapping them into the low slots [0, nioReady) as the rearrange pass
// requires. Without a waitfd multiplexer every session counts as ready:
// the fabric's own non-blocking completion read already happens inside
// each session's Loop, so there is no cheaper native-poll signal to
// consult first.
func (h *half) poll(p *poller) int {
	if p == nil {
		return h.n
	}
	for i := 0; i < h.n; i++ {
		// A session whose provider offers no wait fd has no readiness
		// signal to consult; it always counts as ready.
		h.slots[i].ioReady = h.slots[i].fd < 0
	}
	p.pollOnce()
	n := 0
	for i := 0; i < h.n; i++ {
		if h.slots[i].ioReady {
			h.swap(i, n)
			n++
		}
	}
	return n
}

// rearrange extends the ready range past nioReady to include sessions
// that must run this pass regardless of I/O readiness: those already
// holding buffers for the terminal, those that have not yet sent their
// first protocol message, and those mid-cancellation.
func (h *half) rearrange(nioReady int) int {
	n := nioReady
	for i := n; i < h.n; i++ {
		s := h.slots[i]
		if !s.sess.Cxn.SentFirst() || !s.sess.ReadyForTerminal.Empty() || s.sess.Cxn.Cancelled() {
			h.swap(i, n)
			n++
		}
	}
	return n
}

// cancellable is satisfied by *conn.Receiver and *conn.Transmitter; kept
// as a local interface so worker need not import conn directly — it only
// ever sees sessions through the session.Conn surface.
type cancellable interface{ RequestCancel() }

// announceCancel requests cancellation on every session this half holds
// that has not already observed it.
func (h *half) announceCancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < h.n; i++ {
		s := h.slots[i]
		if s == nil || s.sess.Cxn.Cancelled() {
			continue
		}
		if c, ok := s.sess.Cxn.(cancellable); ok {
			c.RequestCancel()
		}
	}
}

// vacate tears down the session at index i and deregisters its wait fd;
// the slot is left nil until the next compact.
func (h *half) vacate(i int, p *poller) {
	s := h.slots[i]
	if s == nil {
		return
	}
	if p != nil && s.fd >= 0 {
		p.delFD(s.fd)
	}
	s.sess.Cxn.Close()
	h.slots[i] = nil
}

// compact shifts occupied slots to the front so empty slots form a
// suffix.
func (h *half) compact() {
	w := 0
	for r := 0; r < h.n; r++ {
		if h.slots[r] != nil {
			h.slots[w] = h.slots[r]
			w++
		}
	}
	for i := w; i < h.n; i++ {
		h.slots[i] = nil
	}
	h.n = w
}
