// Package worker implements the session scheduler: a bounded pool of
// polling goroutines, each servicing up to SessionsMax sessions split
// across two independently lockable halves, with adaptive load tracking
// and an optional epoll-based wait path.
package worker

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"

	"github.com/relaycore/fabxfer/internal/cpuaffinity"
	"github.com/relaycore/fabxfer/internal/telemetry"
	"github.com/relaycore/fabxfer/session"
)

// SessionsMax is a worker's total session capacity, split evenly between
// its two halves.
const SessionsMax = 64

// loadFoldEvery is the loop count between load-average folds; it doubles
// as the fixed-point divisor so the fraction stays exact.
const loadFoldEvery = 1 << 16

// Worker polls a bounded set of sessions, one goroutine per worker — Go's
// scheduler multiplexes goroutines onto OS threads for us, so this
// collapses the one-worker-per-OS-thread model to one worker per
// goroutine without changing the cooperative-polling semantics: no
// session on a worker ever runs concurrently with another session on the
// same half.
type Worker struct {
	id int

	halves [2]*half
	poller *poller // nil when waitfd is disabled or unsupported

	wake chan struct{}
	done chan struct{}

	shuttingDown atomix.Bool
	canceled     atomix.Bool
	failed       atomix.Bool

	loadAvg atomix.Uint64 // fixed-point, 8 fractional bits
	served  atomix.Uint64
	loopN   uint64

	// pinCPU is the processor this worker's OS thread is restricted to
	// when pin is set, handed out by the dispatcher's affinity cycle.
	pinCPU uint
	pin    bool

	// cancelSignal is polled once per outer-loop pass; when it reports
	// true the worker announces cancellation to every session it holds.
	// May be nil (no process-wide cancellation wired).
	cancelSignal func() bool
}

func newWorker(id int, useWaitFD bool) *Worker {
	w := &Worker{
		id:   id,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	w.halves[0] = newHalf()
	w.halves[1] = newHalf()
	if useWaitFD {
		if p, err := newPoller(); err == nil {
			w.poller = p
		} else {
			telemetry.LogDebug(telemetry.ComponentWorker, "waitfd unavailable, falling back to spin idle-park", "worker", id, "err", err)
		}
	}
	return w
}

// NSessions reports the worker's current session count across both
// halves — the dispatcher's most-loaded-first scan reads this.
func (w *Worker) NSessions() int { return w.halves[0].count() + w.halves[1].count() }

// Failed reports whether any session on this worker ended in loop_error.
func (w *Worker) Failed() bool { return w.failed.LoadAcquire() }

// Canceled reports whether any session on this worker ended canceled.
func (w *Worker) Canceled() bool { return w.canceled.LoadAcquire() }

// LoadAverage returns the fixed-point (8 fractional bits) exponential
// moving average of contexts serviced per loop.
func (w *Worker) LoadAverage() uint64 { return w.loadAvg.LoadAcquire() }

// assign places sess into whichever half has spare capacity, preferring
// the less loaded one, and wakes the worker if it was parked idle.
func (w *Worker) assign(sess *session.Session) bool {
	first, second := w.halves[0], w.halves[1]
	if second.count() < first.count() {
		first, second = second, first
	}
	if !first.tryAdd(sess, w.poller) && !second.tryAdd(sess, w.poller) {
		return false
	}
	w.signalWake()
	return true
}

// signalWake breaks the worker out of an idle park: either the epoll
// waitfd wait (an eventfd write) or
// the buffered wake channel the spin-backoff path also selects on.
func (w *Worker) signalWake() {
	if w.poller != nil {
		w.poller.wake()
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// requestShutdown marks the worker to exit once both halves drain to
// idle — the per-worker half of the pool's JoinAll.
func (w *Worker) requestShutdown() {
	w.shuttingDown.StoreRelease(true)
	w.signalWake()
}

// idle reports whether the worker is servicing no sessions at all.
func (w *Worker) idle() bool { return w.NSessions() == 0 }

// run is the worker's outer loop: park while idle, otherwise service both
// halves once and fold load every loadFoldEvery passes.
func (w *Worker) run() {
	defer close(w.done)
	if w.pin {
		if unpin, err := cpuaffinity.Pin(w.pinCPU); err == nil {
			defer unpin()
		} else {
			telemetry.LogWarn(telemetry.ComponentWorker, "cpu pinning failed", "worker", w.id, "cpu", w.pinCPU, "err", err)
		}
	}
	sw := spin.Wait{}
	for {
		if w.idle() {
			if w.shuttingDown.LoadAcquire() {
				return
			}
			w.park(&sw)
			continue
		}
		sw = spin.Wait{}

		if w.cancelSignal != nil && w.cancelSignal() {
			w.halves[0].announceCancel()
			w.halves[1].announceCancel()
		}

		served := 0
		for _, h := range w.halves {
			served += w.runHalf(h)
		}
		w.served.Add(uint64(served))

		w.loopN++
		if w.loopN >= loadFoldEvery {
			w.foldLoad()
			w.loopN = 0
		}
	}
}

// park waits for a new assignment, a wakeup, or shutdown: via the epoll
// waitfd when armed, else a code.hybscloud.com/spin backoff loop matched
// against the buffered wake channel.
func (w *Worker) park(sw *spin.Wait) {
	if w.poller != nil {
		w.poller.waitOnce(-1)
		return
	}
	select {
	case <-w.wake:
	default:
		sw.Once()
	}
}

// runHalf applies the trylock/poll/rearrange/run
// sequence to one half, returning the number of sessions serviced.
func (w *Worker) runHalf(h *half) int {
	if !h.tryLock() {
		return 0
	}
	defer h.unlock()

	nioReady := h.poll(w.poller)
	readyUpTo := h.rearrange(nioReady)

	served := 0
	vacated := false
	for i := 0; i < readyUpTo; i++ {
		s := h.slots[i]
		if s == nil {
			continue
		}
		outcome, err := s.sess.Step()
		served++
		switch outcome {
		case session.LoopContinue:
		case session.LoopEnd:
			telemetry.LogDebug(telemetry.ComponentWorker, "session ended", "worker", w.id, "session", s.sess.ID)
			h.vacate(i, w.poller)
			vacated = true
		case session.LoopCanceled:
			w.canceled.StoreRelease(true)
			h.vacate(i, w.poller)
			vacated = true
		case session.LoopError:
			w.failed.StoreRelease(true)
			telemetry.LogError(telemetry.ComponentWorker, "session failed", "worker", w.id, "session", s.sess.ID, "err", err)
			h.vacate(i, w.poller)
			vacated = true
		}
	}
	if vacated {
		h.compact()
	}
	return served
}

// foldLoad folds the contexts served since the last fold into the
// fixed-point exponential moving average.
func (w *Worker) foldLoad() {
	served := w.served.LoadAcquire()
	w.served.StoreRelease(0)
	avg := w.loadAvg.LoadAcquire()
	contrib := (256 * served) / loadFoldEvery
	w.loadAvg.StoreRelease((avg + contrib) / 2)
}
