package worker

import (
	"testing"
	"time"

	"github.com/relaycore/fabxfer/session"
	"github.com/relaycore/fabxfer/terminal"
)

// fakeConn drives a session to a fixed outcome after a set number of
// passes, standing in for a real connection state machine.
type fakeConn struct {
	passes  int
	outcome session.Outcome
	closed  bool
}

func (c *fakeConn) Loop() (session.Outcome, error) {
	if c.passes > 0 {
		c.passes--
		return session.LoopContinue, nil
	}
	return c.outcome, nil
}
func (c *fakeConn) SentFirst() bool     { return true }
func (c *fakeConn) Cancelled() bool     { return false }
func (c *fakeConn) WaitFD() (int, bool) { return 0, false }
func (c *fakeConn) Close() error        { c.closed = true; return nil }

type idleTerminal struct{}

func (idleTerminal) Trade(ready, completed terminal.FIFO) (terminal.Outcome, error) {
	return terminal.Continue, nil
}

func newFakeSession(id uint32, c *fakeConn) *session.Session {
	return session.New(id, c, idleTerminal{})
}

func TestFoldLoadFormula(t *testing.T) {
	w := newWorker(0, false)
	w.loadAvg.Store(512)
	w.served.Store(1 << 20)
	w.foldLoad()

	want := (uint64(512) + (256*(1<<20))/loadFoldEvery) / 2
	if got := w.LoadAverage(); got != want {
		t.Fatalf("load average = %d, want %d", got, want)
	}
	if w.served.Load() != 0 {
		t.Fatalf("fold must reset the served counter")
	}
}

func TestSessionRunsToEnd(t *testing.T) {
	pool := NewPool(2, false, nil)
	c := &fakeConn{passes: 3, outcome: session.LoopEnd}
	if err := pool.AssignSession(newFakeSession(0, c)); err != nil {
		t.Fatalf("assign: %v", err)
	}
	out := pool.JoinAll()
	if out.AnyFailed || out.AnyCanceled {
		t.Fatalf("clean end reported %+v", out)
	}
	if !c.closed {
		t.Fatalf("worker must close a session's endpoint when it ends")
	}
}

func TestFailedSessionSetsFailedBit(t *testing.T) {
	pool := NewPool(1, false, nil)
	if err := pool.AssignSession(newFakeSession(0, &fakeConn{outcome: session.LoopError})); err != nil {
		t.Fatalf("assign: %v", err)
	}
	out := pool.JoinAll()
	if !out.AnyFailed {
		t.Fatalf("loop_error must surface as AnyFailed")
	}
}

func TestCanceledSessionSetsCanceledBit(t *testing.T) {
	pool := NewPool(1, false, nil)
	if err := pool.AssignSession(newFakeSession(0, &fakeConn{outcome: session.LoopCanceled})); err != nil {
		t.Fatalf("assign: %v", err)
	}
	out := pool.JoinAll()
	if !out.AnyCanceled {
		t.Fatalf("loop_canceled must surface as AnyCanceled")
	}
}

func TestSessionsShareOneWorkerBelowCapacity(t *testing.T) {
	pool := NewPool(4, false, nil)
	for i := 0; i < 3; i++ {
		c := &fakeConn{passes: 10, outcome: session.LoopEnd}
		if err := pool.AssignSession(newFakeSession(uint32(i), c)); err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
	}
	if n := pool.NWorkers(); n != 1 {
		t.Fatalf("3 sessions below capacity started %d workers, want 1", n)
	}
	pool.JoinAll()
}

func TestAssignAfterJoinAllRefused(t *testing.T) {
	pool := NewPool(1, false, nil)
	done := make(chan Outcome, 1)
	go func() { done <- pool.JoinAll() }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("empty pool JoinAll did not return")
	}
	if err := pool.AssignSession(newFakeSession(0, &fakeConn{outcome: session.LoopEnd})); err == nil {
		t.Fatalf("assignment after shutdown must be refused")
	}
}
