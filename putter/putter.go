// Package putter implements the active personality driver: it dials out
// a fixed number of sessions through a fabric.Dialer, composes each one's
// initial handshake message, seeds its source buffer economy, and hands
// the resulting Transmitter off to a worker.Pool to drive. The shape
// mirrors package getter with the accept loop turned into a dial loop.
package putter

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

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

// Options parameterizes a putter run, the CLI flags as consumed
// by the active personality.
type Options struct {
	// NSessions is the number of sessions to dial; also carried as the
	// initial handshake's nsources field, since every dialed session is
	// one source of the same logical transfer.
	NSessions int
	// WorkersMax bounds how many workers the pool may start.
	WorkersMax int
	// UseWaitFD selects the epoll waitfd multiplexing path (-w).
	UseWaitFD bool
	// Contiguous forces every RDMA write to target a single remote
	// segment (-g). This repo's Transmitter already never composes a
	// write spanning more than one remote IOV (see DESIGN.md), so this
	// flag is accepted for CLI-surface parity but does not change
	// Transmitter's behavior; it is retained here so callers constructing
	// Options from parsed flags have somewhere to put it.
	Contiguous bool
	// Reregister selects late memory registration (-r) instead of the
	// default bulk registration at pool-fill time: each buffer is
	// registered at its first write and is not deregistered afterwards.
	Reregister bool
	// BufSize is the payload buffer size in bytes.
	BufSize int
	// PoolCap is the payload/vector/progress pool depth per session.
	PoolCap int
	// Text/EntireLen parameterize the reference source terminal; a nil
	// NewTerminal uses terminal.NewSource(Text, EntireLen).
	Text      []byte
	EntireLen int
	// NewTerminal overrides the terminal construction per session, for
	// callers that don't want the reference source (e.g. reading from a
	// real file); defaults to terminal.NewSource when nil.
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

func (o Options) nsources() uint32 {
	if o.NSessions > 0 {
		return uint32(o.NSessions)
	}
	return 1
}

// Putter runs the active personality: dial, handshake, dispatch.
type Putter struct {
	dialer fabric.Dialer
	pool   *worker.Pool
	opts   Options

	mu     sync.Mutex
	dialed int
}

// New creates a Putter that dials sessions through dialer and dispatches
// them onto pool.
func New(dialer fabric.Dialer, pool *worker.Pool, opts Options) *Putter {
	return &Putter{dialer: dialer, pool: pool, opts: opts}
}

// Run dials Options.NSessions sessions (one session if NSessions is
// unset), stopping early if ctx is cancelled, and hands each to the
// worker pool. It does not wait
// for sessions to finish; call Pool.JoinAll for that.
func (p *Putter) Run(ctx context.Context) error {
	for i := 0; i < p.sessionCount(); i++ {
		a, err := p.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("putter: dial: %w", err)
		}
		if err := p.dialSession(uint32(i), a); err != nil {
			telemetry.LogError(telemetry.ComponentPutter, "session setup failed", "session", i, "err", err)
			continue
		}
	}
	return nil
}

func (p *Putter) sessionCount() int {
	if p.opts.NSessions > 0 {
		return p.opts.NSessions
	}
	return 1
}

// dialSession composes the initial handshake message, constructs the
// session's buffer pools and Transmitter, seeds the source buffer economy,
// and assigns the session to the worker pool. The ack is received and the
// getter's active address learned inside Transmitter.Loop, not here —
// unlike the getter's handshake, nothing here blocks.
func (p *Putter) dialSession(id uint32, a fabric.Accepted) error {
	var nonce [wire.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	initMsg := &wire.Initial{
		Nonce:    nonce,
		NSources: p.opts.nsources(),
		ID:       id,
		Addr:     a.Endpoint.LocalAddr(),
	}
	payload, err := initMsg.MarshalAlloc()
	if err != nil {
		return fmt.Errorf("marshal initial: %w", err)
	}

	initialPool := buf.NewPool(xfc.KindInitial, wire.NonceSize+12+wire.MaxAddrSize, 2)
	vecPool := buf.NewPool(xfc.KindVector, 8+wire.MaxIOVs*24, p.opts.poolCap())
	progPool := buf.NewPool(xfc.KindProgress, wire.MaxAddrSize+16, p.opts.poolCap())
	payloadPool := buf.NewPool(xfc.KindRDMAWrite, p.opts.bufSize(), p.opts.poolCap())

	sess := session.New(id, nil, p.terminal(id))
	xmit := conn.NewTransmitter(sess, a.Endpoint, a.CQ, a.Domain, fabric.Addr(0), payload, initialPool, vecPool, progPool)
	sess.Cxn = xmit

	if err := mrseed.SeedSource(a.Domain, payloadPool, sess.ReadyForTerminal, p.opts.Reregister); err != nil {
		return fmt.Errorf("seed payload pool: %w", err)
	}

	p.mu.Lock()
	p.dialed++
	p.mu.Unlock()

	return p.pool.AssignSession(sess)
}

func (p *Putter) terminal(id uint32) terminal.Terminal {
	if p.opts.NewTerminal != nil {
		return p.opts.NewTerminal(id)
	}
	return terminal.NewSource(p.opts.Text, p.opts.EntireLen)
}

// Dialed reports how many sessions have been dispatched so far.
func (p *Putter) Dialed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dialed
}
