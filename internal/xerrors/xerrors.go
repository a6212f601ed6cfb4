// Package xerrors defines the sentinel errors shared across fabxfer's
// packages, grouped by how far each kind propagates.
package xerrors

import "errors"

// Fabric-transient: the operation should be retried on the worker's next
// loop iteration.
var (
	ErrTryAgain = errors.New("fabric: operation would block, retry later")
)

// Fabric-cancelled: expected during orderly shutdown, reconciled against
// the owning transfer context's Cancelled bit.
var (
	ErrCancelled = errors.New("fabric: operation cancelled")
)

// Protocol-violation: malformed wire messages or unexpected completion
// context kinds. These cause the owning connection's loop to fail.
var (
	ErrMalformedVector   = errors.New("wire: malformed vector message")
	ErrMalformedProgress = errors.New("wire: malformed progress message")
	ErrMalformedInitial  = errors.New("wire: malformed initial message")
	ErrMalformedAck      = errors.New("wire: malformed ack message")
	ErrTooManyIOVs       = errors.New("wire: vector message exceeds iov cap")
	ErrUnexpectedKind    = errors.New("conn: unexpected completion context kind")
	ErrVectorBeforeAck   = errors.New("conn: vector message received before ack")
	ErrProtocol          = errors.New("conn: protocol violation")
)

// Protocol-end-of-stream: normal termination signals, not failures.
var (
	ErrRemoteEOF = errors.New("conn: remote end of stream")
	ErrLocalEOF  = errors.New("conn: local end of stream")
)

// Resource-exhaustion: fatal because an invariant promised the resource
// would be available.
var (
	ErrNoFreeBuffer  = errors.New("buf: no free buffer available")
	ErrPostedFull    = errors.New("ctl: posted queue full")
	ErrResourcesGone = errors.New("worker: resource exhausted")
)

// System-fatal: process-level failures that cannot be recovered from
// within a single connection's loop.
var (
	ErrThreadCreate = errors.New("worker: failed to start worker thread")
	ErrMutexInit    = errors.New("worker: failed to initialize synchronization primitive")
	ErrDeregister   = errors.New("mr: failed to deregister memory region")
)
