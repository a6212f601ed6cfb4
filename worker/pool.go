package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/relaycore/fabxfer/internal/xerrors"
	"github.com/relaycore/fabxfer/session"
)

// Pool is the dispatcher: session assignment and
// workers_join_all, generalized from a fixed worker table to a slice
// grown on demand up to workersMax.
type Pool struct {
	mu         sync.Mutex
	workers    []*Worker
	workersMax int
	useWaitFD  bool
	cancelSig  func() bool
	nextCPU    func() uint
	suspended  bool
	nextID     int
}

// NewPool creates a dispatcher that grows up to workersMax workers,
// arming the epoll waitfd path when useWaitFD is set (the CLI's -w
// flag). cancelSignal is polled by every worker once per outer-loop pass
// to drive the per-session cancellation walk; it may be nil.
func NewPool(workersMax int, useWaitFD bool, cancelSignal func() bool) *Pool {
	if workersMax < 1 {
		workersMax = 1
	}
	return &Pool{workersMax: workersMax, useWaitFD: useWaitFD, cancelSig: cancelSignal}
}

// SetAffinity supplies the per-worker CPU cycle (the -p flag). Each
// worker started after this call pins its goroutine's OS thread to the
// next CPU in the cycle.
func (p *Pool) SetAffinity(nextCPU func() uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextCPU = nextCPU
}

// AssignSession implements workers_assign_session: scan running workers
// most-loaded-first for spare capacity; if none accepts, start a new
// worker bounded by workersMax.
func (p *Pool) AssignSession(sess *session.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.suspended {
		return xerrors.ErrResourcesGone
	}

	ordered := make([]*Worker, len(p.workers))
	copy(ordered, p.workers)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].NSessions() > ordered[j].NSessions() })
	for _, w := range ordered {
		if w.assign(sess) {
			return nil
		}
	}

	if len(p.workers) >= p.workersMax {
		return xerrors.ErrResourcesGone
	}
	w := newWorker(p.nextID, p.useWaitFD)
	w.cancelSignal = p.cancelSig
	if p.nextCPU != nil {
		w.pinCPU = p.nextCPU()
		w.pin = true
	}
	p.nextID++
	p.workers = append(p.workers, w)
	go w.run()
	if !w.assign(sess) {
		return xerrors.ErrResourcesGone
	}
	return nil
}

// NWorkers reports the number of workers started so far. The population
// grows up to but never beyond min(nsessions, WorkersMax).
func (p *Pool) NWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Outcome summarizes a completed run across every worker, for the CLI's
// exit-code construction.
type Outcome struct {
	AnyFailed   bool
	AnyCanceled bool
}

// idlePollInterval bounds how often JoinAll rechecks a worker's session
// count while draining; a condition-variable wait would do the same but
// variable signaled by the worker, which Go's cooperative, non-blocking
// worker loop has no natural analogue for here, so this polls instead.
const idlePollInterval = time.Millisecond

// JoinAll implements workers_join_all: suspend new assignment, wait for
// every worker to drain to idle, then signal shutdown and join.
func (p *Pool) JoinAll() Outcome {
	p.mu.Lock()
	p.suspended = true
	workers := make([]*Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()

	for _, w := range workers {
		for !w.idle() {
			time.Sleep(idlePollInterval)
		}
		w.requestShutdown()
	}

	var out Outcome
	for _, w := range workers {
		<-w.done
		if w.Failed() {
			out.AnyFailed = true
		}
		if w.Canceled() {
			out.AnyCanceled = true
		}
	}
	return out
}
