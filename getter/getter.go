// Package getter implements the passive personality driver: it accepts
// incoming sessions off a fabric.Listener, completes the handshake's ack
// half, seeds each session's payload buffer economy, and hands the
// resulting Receiver off to a worker.Pool to drive.
package getter

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/relaycore/fabxfer/buf"
	"github.com/relaycore/fabxfer/conn"
	"github.com/relaycore/fabxfer/fabric"
	"github.com/relaycore/fabxfer/internal/mrseed"
	"github.com/relaycore/fabxfer/internal/telemetry"
	"github.com/relaycore/fabxfer/session"
	"github.com/relaycore/fabxfer/terminal"
	"github.com/relaycore/fabxfer/wire"
	"github.com/relaycore/fabxfer/worker"
	"github.com/relaycore/fabxfer/xfc"
)

// Options parameterizes a getter run, the CLI flags as consumed
// by the passive personality.
type Options struct {
	// NSessions is the number of sessions to accept before ceasing to
	// listen for new ones (-n).
	NSessions int
	// WorkersMax bounds how many workers the pool may start.
	WorkersMax int
	// UseWaitFD selects the epoll waitfd multiplexing path (-w).
	UseWaitFD bool
	// Contiguous (-g) sets Receiver.SetMaxSegs(1), so buffers registered
	// at advertisement time (-r) each get their own registration.
	// Buffers bulk-registered at pool-fill time share one registration
	// whatever this is set to.
	Contiguous bool
	// Reregister selects late memory registration (-r) instead of the
	// default bulk registration at pool-fill time: each buffer is
	// registered at its first advertisement and is not deregistered
	// afterwards.
	Reregister bool
	// BufSize is the payload buffer size in bytes.
	BufSize int
	// PoolCap is the payload/vector/progress pool depth per session.
	PoolCap int
	// Text/EntireLen parameterize the reference sink terminal; a nil
	// NewTerminal uses terminal.NewSink(Text, EntireLen).
	Text      []byte
	EntireLen int
	// NewTerminal overrides the terminal construction per session, for
	// callers that don't want the reference sink (e.g. writing to a real
	// file); defaults to terminal.NewSink when nil.
	NewTerminal func(sessionID uint32) terminal.Terminal
}

func (o Options) poolCap() int {
	c := o.PoolCap
	if c <= 0 {
		c = 8
	}
	// A session FIFO must be able to absorb every buffer of the pool that
	// feeds it, so a completion never finds ready_for_terminal full.
	if c > session.FIFODepth {
		c = session.FIFODepth
	}
	return c
}

func (o Options) bufSize() int {
	if o.BufSize > 0 {
		return o.BufSize
	}
	return 4096
}

// Getter runs the passive personality: accept, handshake, dispatch.
type Getter struct {
	listener fabric.Listener
	pool     *worker.Pool
	opts     Options

	mu       sync.Mutex
	accepted int
}

// New creates a Getter that accepts sessions off listener and dispatches
// them onto pool.
func New(listener fabric.Listener, pool *worker.Pool, opts Options) *Getter {
	return &Getter{listener: listener, pool: pool, opts: opts}
}

// Run accepts sessions until Options.NSessions have been dispatched or ctx
// is cancelled. Accept is the one blocking wait outside a parked idle
// worker. Run does not wait for sessions to finish; call Pool.JoinAll for
// that.
func (g *Getter) Run(ctx context.Context) error {
	for i := 0; g.opts.NSessions <= 0 || i < g.opts.NSessions; i++ {
		accepted, err := g.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("getter: accept: %w", err)
		}
		if err := g.acceptSession(i, accepted); err != nil {
			telemetry.LogError(telemetry.ComponentGetter, "session setup failed", "session", i, "err", err)
			continue
		}
	}
	return nil
}

// acceptSession runs the handshake's receive-initial/send-ack half
// (the initial/ack handshake) and assigns the resulting Receiver to
// the worker pool.
func (g *Getter) acceptSession(id int, a fabric.Accepted) error {
	initial, err := g.readInitial(a)
	if err != nil {
		return fmt.Errorf("initial handshake: %w", err)
	}

	av, err := a.Domain.NewAddressVector()
	if err != nil {
		return err
	}
	putterAddr, err := av.Insert(initial.Addr)
	if err != nil {
		return err
	}

	ackPayload, err := (&wire.Ack{Addr: a.Endpoint.LocalAddr()}).MarshalAlloc()
	if err != nil {
		return err
	}

	progPool := buf.NewPool(xfc.KindProgress, wire.MaxAddrSize+16, g.opts.poolCap())
	vecPool := buf.NewPool(xfc.KindVector, 8+wire.MaxIOVs*24, g.opts.poolCap())
	payloadPool := buf.NewPool(xfc.KindRDMAWrite, g.opts.bufSize(), g.opts.poolCap())

	sess := session.New(initial.ID, nil, g.terminal(initial.ID))
	recv := conn.NewReceiver(sess, a.Endpoint, a.CQ, a.Domain, putterAddr, ackPayload, progPool, vecPool)
	if g.opts.Contiguous {
		recv.SetMaxSegs(1)
	}
	sess.Cxn = recv

	if err := mrseed.SeedReceive(a.Domain, payloadPool, sess.ReadyForCxn, g.opts.Reregister); err != nil {
		return fmt.Errorf("seed payload pool: %w", err)
	}

	g.mu.Lock()
	g.accepted++
	g.mu.Unlock()

	return g.pool.AssignSession(sess)
}

// readInitial blocks on a.CQ until the putter's initial message arrives,
// using a scratch one-shot buffer outside any session's own pools (the
// session doesn't exist yet at this point in the handshake).
func (g *Getter) readInitial(a fabric.Accepted) (*wire.Initial, error) {
	scratch := make([]byte, wire.NonceSize+4+4+4+wire.MaxAddrSize)
	msg := &fabric.Msg{
		IOVs:    []fabric.IOV{{Base: basePtr(scratch), Len: uint64(len(scratch))}},
		Context: nil,
	}
	if err := a.Endpoint.RecvMsg(msg, 0); err != nil {
		return nil, err
	}
	entry, err := blockingRead(a.CQ)
	if err != nil {
		return nil, err
	}
	return wire.UnmarshalInitial(scratch[:entry.Len])
}

func (g *Getter) terminal(id uint32) terminal.Terminal {
	if g.opts.NewTerminal != nil {
		return g.opts.NewTerminal(id)
	}
	return terminal.NewSink(g.opts.Text, g.opts.EntireLen)
}

// Accepted reports how many sessions have been dispatched so far.
func (g *Getter) Accepted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted
}

// blockingRead is a minimal Sread wrapper isolated so readInitial doesn't
// need a context before the session (and its cancellation wiring) exists;
// the accept-path context already bounds how long this can block since
// Accept itself already returned.
func blockingRead(cq fabric.CompletionQueue) (fabric.CompletionEntry, error) {
	return cq.Sread(context.Background())
}

// basePtr returns the address of a scratch buffer's first byte, or nil for
// an empty buffer — the same pattern buf.Header.IOV uses for pool buffers.
func basePtr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}
