// Package fabric defines the external-collaborator interfaces fabxfer's
// core consumes but never implements directly. Provider discovery,
// endpoint option parsing, and CPU affinity live outside this package
// entirely; fabric only describes the shape of the one-sided-capable
// reliable fabric the rest of the repo is written against.
//
// Production code wires a real libfabric-backed implementation (not part
// of this repository); fabric/fabrictest supplies an in-process loopback
// implementation used by every package's test suite and by cmd/fabxfer's
// self-test mode.
package fabric

import (
	"context"
	"unsafe"
)

// AccessFlags describes the permissions a memory region is registered
// with.
type AccessFlags uint32

// Access flag bits.
const (
	AccessSend AccessFlags = 1 << iota
	AccessRecv
	AccessRead
	AccessWrite
	AccessRemoteRead
	AccessRemoteWrite
)

// Addr is an opaque, fabric-local compact handle produced by inserting a
// raw peer address into an AddressVector.
type Addr uint64

// EndpointInfo parameterizes endpoint creation. It is deliberately thin:
// fabxfer's core does not parse provider selection or transport options —
// those are collaborator concerns.
type EndpointInfo struct {
	// Reliable datagram, connectionless transport.
	RDMMaxMsgSize int
}

// SendFlags/RecvFlags modify a single send/receive/write operation (e.g.
// requesting FENCE ordering for the progress-after-writes guarantee).
type SendFlags uint32

// Send flag bits.
const (
	SendFence SendFlags = 1 << iota
)

// RecvFlags modify a single receive operation.
type RecvFlags uint32

// IOV is a local, registered scatter/gather entry used by Msg.
type IOV struct {
	Base unsafe.Pointer
	Len  uint64
	Desc unsafe.Pointer // local memory-registration descriptor
}

// RMAIOV is a remote scatter/gather entry used by MsgRMA — the local
// counterpart to a wire.IOV.
type RMAIOV struct {
	Addr uint64
	Len  uint64
	Key  uint64
}

// Msg is a two-sided send or receive operation over the fabric.
type Msg struct {
	IOVs    []IOV
	Addr    Addr
	Context unsafe.Pointer // completion context; the buffer's *xfc.Context
}

// MsgRMA is a one-sided RDMA write operation.
type MsgRMA struct {
	IOVs    []IOV    // local source IOVs
	RIOVs   []RMAIOV // remote target IOVs
	Addr    Addr
	Context unsafe.Pointer
}

// CompletionEntry reports a finished operation.
type CompletionEntry struct {
	Context unsafe.Pointer // echoes the *xfc.Context passed at post time
	Len     int            // bytes transferred, meaningful for receives
	Flags   uint64
}

// CompletionError reports a failed operation, distinguishing cancellation
// from other failures so callers can reconcile against xfc.Context.Cancelled.
type CompletionError struct {
	Context   unsafe.Pointer
	Cancelled bool
	Err       error
}

// MemoryRegion is a registered range of process memory, yielding a local
// descriptor and a remote key.
type MemoryRegion interface {
	Desc() unsafe.Pointer
	Key() uint64
	Close() error
}

// AddressVector translates opaque peer addresses into compact local
// handles used by Msg/MsgRMA.
type AddressVector interface {
	Insert(raw []byte) (Addr, error)
}

// CompletionQueue is a queue of notifications from the fabric reporting
// finished operations.
type CompletionQueue interface {
	// ReadMsg performs a single non-blocking read, returning ErrTryAgain
	// (xerrors.ErrTryAgain) when the queue is currently empty.
	ReadMsg() (CompletionEntry, error)
	// ReadErr drains one pending error-completion entry.
	ReadErr() (CompletionError, error)
	// Sread blocks until at least one completion is available or ctx is
	// done — the only blocking wait outside the worker idle-park
	// condition variable.
	Sread(ctx context.Context) (CompletionEntry, error)
	// WaitFD exposes a pollable file descriptor for the waitfd worker
	// path, when the underlying fabric provider supports it.
	WaitFD() (fd int, ok bool)
	Close() error
}

// EventQueue reports asynchronous endpoint events (connection management
// events on a connection-oriented provider; unused on the datagram
// transport this repository targets, but part of the fabric shape for
// completeness).
type EventQueue interface {
	Close() error
}

// Endpoint is a per-connection addressable channel.
type Endpoint interface {
	Bind(av AddressVector, cq CompletionQueue, eq EventQueue) error
	Enable() error
	Close() error
	LocalAddr() []byte

	SendMsg(msg *Msg, flags SendFlags) error
	RecvMsg(msg *Msg, flags RecvFlags) error
	WriteMsg(msg *MsgRMA, flags SendFlags) error

	// CancelContext requests cancellation of the in-flight operation
	// tagged with ctx; a corresponding completion error with
	// Cancelled == true is expected to follow.
	CancelContext(ctx unsafe.Pointer) error
}

// Domain is a fabric resource domain: the factory for endpoints, address
// vectors, completion queues, and memory registrations bound to one
// fabric provider instance.
type Domain interface {
	NewEndpoint(info EndpointInfo) (Endpoint, error)
	NewAddressVector() (AddressVector, error)
	NewCompletionQueue(depth int) (CompletionQueue, error)
	NewEventQueue() (EventQueue, error)
	RegisterMemory(buf []byte, access AccessFlags, key uint64) (MemoryRegion, error)
	// RegisterMemoryV registers several discontiguous buffers under one
	// shared registration and key, the way fi_mr_regv batches a scatter
	// list into a single memory region addressed by cumulative offset
	// across its segments — mr.RegV's chunked registration depends on this
	// rather than on RegisterMemory, since a chunk's buffers are ordinary
	// independent heap allocations, not one contiguous range.
	RegisterMemoryV(bufs [][]byte, access AccessFlags, key uint64) (MemoryRegion, error)
	Close() error
}

// Provider is the top of the collaborator chain: fabric/domain discovery,
// deliberately out of scope for this repository's core.
type Provider interface {
	Domain(ctx context.Context) (Domain, error)
}

// Accepted bundles the per-session collaborators a Listener or Dialer hands
// back: the endpoint and completion queue the connection's Rx/Tx control
// blocks drive, plus the resource domain memory registrations for that
// session are drawn from.
type Accepted struct {
	Endpoint Endpoint
	CQ       CompletionQueue
	Domain   Domain
}

// Listener is the getter's passive "accept" path: each
// Accept call blocks (the only suspension point outside a parked idle
// worker) until a putter's connection request arrives,
// and returns the endpoint/completion-queue pair that session's Receiver
// will drive.
type Listener interface {
	Accept(ctx context.Context) (Accepted, error)
	Close() error
}

// Dialer is the putter's active "connect" path: each Dial call opens one
// new endpoint/completion-queue pair for a Transmitter to drive.
type Dialer interface {
	Dial(ctx context.Context) (Accepted, error)
}
