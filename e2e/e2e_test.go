// Package e2e drives a getter and a putter against each other over
// fabric/fabrictest's in-process loopback fabric, standing in for a real
// RDMA-capable NIC.
package e2e

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaycore/fabxfer/fabric/fabrictest"
	"github.com/relaycore/fabxfer/getter"
	"github.com/relaycore/fabxfer/putter"
	"github.com/relaycore/fabxfer/terminal"
	"github.com/relaycore/fabxfer/worker"
)

const refText = "the quick brown fox jumps over the lazy dog"

// sinkRecorder collects every terminal.Sink a getter constructs, keyed by
// session ID, so the test can inspect byte-exactness once the run settles.
type sinkRecorder struct {
	mu    sync.Mutex
	sinks map[uint32]*terminal.Sink
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{sinks: make(map[uint32]*terminal.Sink)}
}

func (r *sinkRecorder) newTerminal(entirelen int) func(uint32) terminal.Terminal {
	return func(id uint32) terminal.Terminal {
		s := terminal.NewSink([]byte(refText), entirelen)
		r.mu.Lock()
		r.sinks[id] = s
		r.mu.Unlock()
		return s
	}
}

func (r *sinkRecorder) get(id uint32) *terminal.Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sinks[id]
}

func (r *sinkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sinks)
}

// scenario bundles one getter/putter run's knobs. getterBufSize lets a
// test shrink only the advertised receive buffers, forcing the
// transmitter to fragment its larger source buffers.
type scenario struct {
	nsessions     int
	entirelen     int
	bufSize       int
	getterBufSize int // defaults to bufSize when zero
	contiguous    bool
	reregister    bool
	cancelAfter   time.Duration
}

type result struct {
	pool    *worker.Pool
	sinks   *sinkRecorder
	outcome worker.Outcome
}

func runScenario(t *testing.T, s scenario) result {
	t.Helper()

	listener, dialer := fabrictest.NewListener()
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cancelled := false
	var cancelMu sync.Mutex
	pool := worker.NewPool(s.nsessions, false, func() bool {
		cancelMu.Lock()
		defer cancelMu.Unlock()
		return cancelled
	})

	sinks := newSinkRecorder()

	getterBuf := s.getterBufSize
	if getterBuf == 0 {
		getterBuf = s.bufSize
	}
	g := getter.New(listener, pool, getter.Options{
		NSessions:   s.nsessions,
		Contiguous:  s.contiguous,
		Reregister:  s.reregister,
		BufSize:     getterBuf,
		NewTerminal: sinks.newTerminal(s.entirelen),
	})
	p := putter.New(dialer, pool, putter.Options{
		NSessions:  s.nsessions,
		Contiguous: s.contiguous,
		Reregister: s.reregister,
		Text:       []byte(refText),
		EntireLen:  s.entirelen,
	})

	errCh := make(chan error, 2)
	go func() { errCh <- g.Run(ctx) }()
	go func() { errCh <- p.Run(ctx) }()

	if s.cancelAfter > 0 {
		go func() {
			time.Sleep(s.cancelAfter)
			cancelMu.Lock()
			cancelled = true
			cancelMu.Unlock()
			cancel()
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Fatalf("getter/putter Run did not return in time")
		}
	}

	done := make(chan worker.Outcome, 1)
	go func() { done <- pool.JoinAll() }()

	select {
	case out := <-done:
		return result{pool: pool, sinks: sinks, outcome: out}
	case <-time.After(10 * time.Second):
		t.Fatalf("worker pool did not drain in time")
		return result{}
	}
}

// Single session, reference text cycled to entirelen bytes; the sink
// must accept exactly that many bytes matching the text cyclically.
func TestSingleSession(t *testing.T) {
	entirelen := len(refText) * 37
	res := runScenario(t, scenario{nsessions: 1, entirelen: entirelen, bufSize: 4096})

	if res.outcome.AnyFailed {
		t.Fatalf("worker reported failure")
	}
	sink := res.sinks.get(0)
	if sink == nil {
		t.Fatalf("no sink recorded for session 0")
	}
	if sink.BytesAccepted() != entirelen {
		t.Fatalf("bytes accepted = %d, want %d", sink.BytesAccepted(), entirelen)
	}
}

// Eight parallel sessions: each sink must independently reach EOF with
// exact byte content, and the worker population must never exceed the
// session count.
func TestEightParallelSessions(t *testing.T) {
	const n = 8
	entirelen := len(refText) * 11
	res := runScenario(t, scenario{nsessions: n, entirelen: entirelen, bufSize: 4096})

	if res.outcome.AnyFailed {
		t.Fatalf("worker reported failure")
	}
	if res.sinks.count() != n {
		t.Fatalf("accepted %d sessions, want %d", res.sinks.count(), n)
	}
	for id := uint32(0); id < n; id++ {
		sink := res.sinks.get(id)
		if sink == nil {
			t.Fatalf("missing sink for session %d", id)
		}
		if sink.BytesAccepted() != entirelen {
			t.Fatalf("session %d: bytes accepted = %d, want %d", id, sink.BytesAccepted(), entirelen)
		}
	}
	if res.pool.NWorkers() > n {
		t.Fatalf("worker population %d exceeds nsessions %d", res.pool.NWorkers(), n)
	}
}

// Deliver the cancellation signal shortly after the run starts; the
// pool must wind down without reporting failure, matching -c's
// exit-code contract.
func TestCancellation(t *testing.T) {
	entirelen := len(refText) * 100000
	res := runScenario(t, scenario{
		nsessions:   1,
		entirelen:   entirelen,
		bufSize:     4096,
		cancelAfter: 2 * time.Millisecond,
	})
	if res.outcome.AnyFailed {
		t.Fatalf("worker reported failure instead of clean cancellation")
	}
}

// Small receive buffers against large source buffers force the
// transmitter to split each source buffer across several RDMA writes;
// the sink must still reassemble byte-exact content.
func TestForcedFragmentation(t *testing.T) {
	entirelen := len(refText) * 19
	res := runScenario(t, scenario{nsessions: 1, entirelen: entirelen, bufSize: 4096, getterBufSize: 23})

	if res.outcome.AnyFailed {
		t.Fatalf("worker reported failure")
	}
	sink := res.sinks.get(0)
	if sink == nil {
		t.Fatalf("no sink recorded")
	}
	if sink.BytesAccepted() != entirelen {
		t.Fatalf("bytes accepted = %d, want %d", sink.BytesAccepted(), entirelen)
	}
}

// Contiguous mode (-g) on both sides: total bytes equal a plain run and
// sink content is still byte-for-byte correct.
func TestContiguousMode(t *testing.T) {
	entirelen := len(refText) * 37
	res := runScenario(t, scenario{nsessions: 1, entirelen: entirelen, bufSize: 4096, contiguous: true})

	if res.outcome.AnyFailed {
		t.Fatalf("worker reported failure")
	}
	sink := res.sinks.get(0)
	if sink == nil || sink.BytesAccepted() != entirelen {
		t.Fatalf("contiguous-mode transfer incomplete")
	}
}

// Late registration (-r) on both sides defers memory registration to
// first use; the transfer must still complete byte-exact.
func TestLateRegistration(t *testing.T) {
	entirelen := len(refText) * 37
	res := runScenario(t, scenario{nsessions: 1, entirelen: entirelen, bufSize: 4096, reregister: true})

	if res.outcome.AnyFailed {
		t.Fatalf("worker reported failure")
	}
	sink := res.sinks.get(0)
	if sink == nil || sink.BytesAccepted() != entirelen {
		t.Fatalf("late-registration transfer incomplete")
	}
}
