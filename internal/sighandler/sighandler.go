// Package sighandler installs the process-wide cancellation flag:
// SIGHUP/INT/QUIT/TERM flip a shared token observed by every worker once
// per poll pass. No second wakeup signal is needed — a worker only blocks
// while it holds zero sessions, so cancellation never has to interrupt a
// blocked wait (see DESIGN.md).
package sighandler

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Handler owns the cancellation token and the OS signal channel it is fed
// from. Cancelled is polled by worker.Pool's cancelSignal callback once per
// outer-loop pass.
type Handler struct {
	flag atomic.Bool
	ch   chan os.Signal

	ctx    context.Context
	cancel context.CancelFunc
}

// Install registers the cancellation signal set (SIGHUP, SIGINT, SIGQUIT,
// SIGTERM). The returned Handler's Context is cancelled the moment any of
// them arrives.
func Install() *Handler {
	h := &Handler{ch: make(chan os.Signal, 4)}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	signal.Notify(h.ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go h.run()
	return h
}

func (h *Handler) run() {
	for range h.ch {
		h.flag.Store(true)
		h.cancel()
	}
}

// Cancelled reports whether a cancellation signal has been observed — the
// callback worker.NewPool's cancelSignal parameter expects.
func (h *Handler) Cancelled() bool { return h.flag.Load() }

// Context is cancelled the moment a cancellation signal arrives, for
// callers that prefer select-based cancellation over polling Cancelled.
func (h *Handler) Context() context.Context { return h.ctx }

// Stop releases the underlying signal channel. Callers invoke this during
// orderly shutdown once no further cancellation delivery is needed.
func (h *Handler) Stop() {
	signal.Stop(h.ch)
	close(h.ch)
}
