// Package fabrictest supplies an in-process loopback fabric implementation
// satisfying the fabric package's interfaces, used by every package's test
// suite (and by cmd/fabxfer's -loopback self-test mode) in place of a real
// RDMA-capable NIC.
package fabrictest

import (
	"context"
	"errors"
	"sync"
	"unsafe"

	"github.com/relaycore/fabxfer/fabric"
	"github.com/relaycore/fabxfer/internal/xerrors"
)

// NewDomain creates a standalone loopback resource domain, for tests that
// exercise registration helpers without a full endpoint pair.
func NewDomain() fabric.Domain { return newDomain() }

// NewPair creates two endpoints already bound to each other's address —
// the getter and putter sides of one loopback session.
func NewPair() (a, b *Endpoint) {
	dom := newDomain()
	a = dom.newEndpoint()
	b = dom.newEndpoint()
	a.peer, b.peer = b, a
	return a, b
}

// NewListener creates a paired (Listener, Dialer) standing in for a
// fabric provider's listen/connect machinery: every Dial rendezvouses
// with the next pending Accept. Both sides of one session share a fresh
// loopback domain, so the putter's one-sided writes can resolve the
// getter's registered regions by key; no two sessions share a domain.
// Used by getter/putter's test suites and cmd/fabxfer's -loopback
// self-test mode in place of a real RDMA-capable NIC's listen/connect
// handshake.
func NewListener() (*Listener, *Dialer) {
	ch := make(chan Accepted, 64)
	return &Listener{ch: ch}, &Dialer{ch: ch}
}

// Accepted is one rendezvoused loopback session, the getter-side half of a
// NewPair.
type Accepted struct {
	ep  *Endpoint
	dom *domain
}

// Listener is the getter side of a loopback rendezvous.
type Listener struct {
	ch     chan Accepted
	closed bool
}

// Accept blocks until a Dial call rendezvouses, or ctx is done.
func (l *Listener) Accept(ctx context.Context) (fabric.Accepted, error) {
	select {
	case a, ok := <-l.ch:
		if !ok {
			return fabric.Accepted{}, errors.New("fabrictest: listener closed")
		}
		return fabric.Accepted{Endpoint: a.ep, CQ: a.ep.cq, Domain: a.dom}, nil
	case <-ctx.Done():
		return fabric.Accepted{}, ctx.Err()
	}
}

// Close stops accepting further rendezvous.
func (l *Listener) Close() error {
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	return nil
}

// Dialer is the putter side of a loopback rendezvous.
type Dialer struct{ ch chan Accepted }

// Dial creates a fresh loopback pair, hands the getter-side endpoint to the
// matching Listener.Accept call, and returns the putter-side endpoint.
func (d *Dialer) Dial(ctx context.Context) (fabric.Accepted, error) {
	dom := newDomain()
	getterEP := dom.newEndpoint()
	putterEP := dom.newEndpoint()
	getterEP.peer, putterEP.peer = putterEP, getterEP
	select {
	case d.ch <- Accepted{ep: getterEP, dom: dom}:
	case <-ctx.Done():
		return fabric.Accepted{}, ctx.Err()
	}
	return fabric.Accepted{Endpoint: putterEP, CQ: putterEP.cq, Domain: dom}, nil
}

// domain is the shared loopback resource space: it owns the registered
// memory regions both endpoints' RDMA writes target, keyed the way a real
// NIC keys remote memory regions.
type domain struct {
	mu      sync.Mutex
	regions map[uint64]*memRegion
	nextKey uint64
}

func newDomain() *domain {
	return &domain{regions: make(map[uint64]*memRegion), nextKey: 1}
}

func (d *domain) NewEndpoint(fabric.EndpointInfo) (fabric.Endpoint, error) {
	return d.newEndpoint(), nil
}

func (d *domain) newEndpoint() *Endpoint {
	return &Endpoint{dom: d, cq: newCQ(), local: make([]byte, 8)}
}

func (d *domain) NewAddressVector() (fabric.AddressVector, error) {
	return &addressVector{dom: d}, nil
}

func (d *domain) NewCompletionQueue(depth int) (fabric.CompletionQueue, error) {
	return newCQ(), nil
}

func (d *domain) NewEventQueue() (fabric.EventQueue, error) { return &eventQueue{}, nil }

func (d *domain) RegisterMemory(buf []byte, access fabric.AccessFlags, key uint64) (fabric.MemoryRegion, error) {
	return d.RegisterMemoryV([][]byte{buf}, access, key)
}

// RegisterMemoryV registers several discontiguous buffers as one region,
// addressed by cumulative offset across segs — a remote address of
// len(segs[0])+3 lands at segs[1][3], matching fi_mr_regv's scatter-list
// semantics.
func (d *domain) RegisterMemoryV(segs [][]byte, access fabric.AccessFlags, key uint64) (fabric.MemoryRegion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if key == 0 {
		key = d.nextKey
		d.nextKey++
	}
	r := &memRegion{dom: d, key: key, segs: segs}
	d.regions[key] = r
	return r, nil
}

func (d *domain) Close() error { return nil }

type memRegion struct {
	dom  *domain
	key  uint64
	segs [][]byte
}

func (r *memRegion) Desc() unsafe.Pointer { return unsafe.Pointer(r) }
func (r *memRegion) Key() uint64          { return r.key }
func (r *memRegion) Close() error {
	r.dom.mu.Lock()
	defer r.dom.mu.Unlock()
	delete(r.dom.regions, r.key)
	return nil
}

// writeAt copies data into this region starting at the given cumulative
// offset, walking across segment boundaries as needed.
func (r *memRegion) writeAt(offset uint64, data []byte) error {
	di := 0
	for _, seg := range r.segs {
		segLen := uint64(len(seg))
		if offset >= segLen {
			offset -= segLen
			continue
		}
		n := uint64(len(data) - di)
		if avail := segLen - offset; n > avail {
			n = avail
		}
		copy(seg[offset:offset+n], data[di:di+int(n)])
		di += int(n)
		offset = 0
		if di >= len(data) {
			return nil
		}
	}
	if di < len(data) {
		return xerrors.ErrProtocol
	}
	return nil
}

type addressVector struct{ dom *domain }

func (av *addressVector) Insert(raw []byte) (fabric.Addr, error) {
	// Loopback addresses are opaque; any nonzero handle suffices since
	// Endpoint.peer is wired directly by NewPair.
	return fabric.Addr(1), nil
}

type eventQueue struct{}

func (*eventQueue) Close() error { return nil }

// Endpoint is a loopback endpoint directly wired to its peer.
type Endpoint struct {
	dom   *domain
	peer  *Endpoint
	cq    *CQ
	local []byte

	mu        sync.Mutex
	pendRecvs []*pendingRecv // posted receives awaiting a matching send
	pendSends []*envelope    // sends buffered awaiting a matching receive
}

type pendingRecv struct {
	msg   *fabric.Msg
	flags fabric.RecvFlags
}

type envelope struct {
	payload []byte
	context unsafe.Pointer
}

func (e *Endpoint) Bind(fabric.AddressVector, fabric.CompletionQueue, fabric.EventQueue) error {
	return nil
}
func (e *Endpoint) Enable() error        { return nil }
func (e *Endpoint) Close() error         { return nil }
func (e *Endpoint) LocalAddr() []byte    { return e.local }
func (e *Endpoint) CQ() *CQ              { return e.cq }
func (e *Endpoint) SetLocalAddr(b []byte) { e.local = append([]byte(nil), b...) }

// SendMsg delivers msg's IOV bytes to the peer, matching an already-posted
// receive if one is waiting, or buffering until one arrives.
func (e *Endpoint) SendMsg(msg *fabric.Msg, flags fabric.SendFlags) error {
	if e.peer == nil {
		return errors.New("fabrictest: endpoint has no peer")
	}
	payload := flattenIOVs(msg.IOVs)

	e.peer.mu.Lock()
	var rv *pendingRecv
	if len(e.peer.pendRecvs) > 0 {
		rv = e.peer.pendRecvs[0]
		e.peer.pendRecvs = e.peer.pendRecvs[1:]
	} else {
		e.peer.pendSends = append(e.peer.pendSends, &envelope{payload: payload, context: msg.Context})
	}
	e.peer.mu.Unlock()

	if rv != nil {
		n := copyIntoIOVs(rv.msg.IOVs, payload)
		e.peer.cq.pushEntry(fabric.CompletionEntry{Context: rv.msg.Context, Len: n})
	}
	// Send-side completion: the local send is considered done once handed
	// off, matching a reliable-datagram provider's local completion
	// semantics.
	e.cq.pushEntry(fabric.CompletionEntry{Context: msg.Context, Len: len(payload)})
	return nil
}

// RecvMsg posts a receive, completing immediately against any already
// buffered send, or queuing to wait for one.
func (e *Endpoint) RecvMsg(msg *fabric.Msg, flags fabric.RecvFlags) error {
	e.mu.Lock()
	if len(e.pendSends) > 0 {
		env := e.pendSends[0]
		e.pendSends = e.pendSends[1:]
		e.mu.Unlock()
		n := copyIntoIOVs(msg.IOVs, env.payload)
		e.cq.pushEntry(fabric.CompletionEntry{Context: msg.Context, Len: n})
		return nil
	}
	e.pendRecvs = append(e.pendRecvs, &pendingRecv{msg: msg, flags: flags})
	e.mu.Unlock()
	return nil
}

// WriteMsg performs the one-sided RDMA write: bytes land directly in the
// target memory region, identified by the remote {addr, key} pairs, with
// no notification to the remote side — the progress-message protocol
// carries that information instead.
func (e *Endpoint) WriteMsg(msg *fabric.MsgRMA, flags fabric.SendFlags) error {
	payload := flattenIOVs(msg.IOVs)
	off := 0
	e.dom.mu.Lock()
	for _, riov := range msg.RIOVs {
		region, ok := e.dom.regions[riov.Key]
		if !ok {
			e.dom.mu.Unlock()
			return xerrors.ErrProtocol
		}
		n := int(riov.Len)
		if off+n > len(payload) {
			e.dom.mu.Unlock()
			return xerrors.ErrProtocol
		}
		if err := region.writeAt(riov.Addr, payload[off:off+n]); err != nil {
			e.dom.mu.Unlock()
			return err
		}
		off += n
	}
	e.dom.mu.Unlock()
	e.cq.pushEntry(fabric.CompletionEntry{Context: msg.Context, Len: off})
	return nil
}

func (e *Endpoint) CancelContext(ctx unsafe.Pointer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, rv := range e.pendRecvs {
		if rv.msg.Context == ctx {
			e.pendRecvs = append(e.pendRecvs[:i], e.pendRecvs[i+1:]...)
			e.cq.pushErr(fabric.CompletionError{Context: ctx, Cancelled: true, Err: xerrors.ErrCancelled})
			return nil
		}
	}
	// Nothing pending with this context; treat as already completed.
	return nil
}

func flattenIOVs(iovs []fabric.IOV) []byte {
	total := 0
	for _, v := range iovs {
		total += int(v.Len)
	}
	out := make([]byte, 0, total)
	for _, v := range iovs {
		out = append(out, unsafe.Slice((*byte)(v.Base), v.Len)...)
	}
	return out
}

func copyIntoIOVs(iovs []fabric.IOV, payload []byte) int {
	off, n := 0, 0
	for _, v := range iovs {
		dst := unsafe.Slice((*byte)(v.Base), v.Len)
		c := copy(dst, payload[off:])
		n += c
		off += c
		if off >= len(payload) {
			break
		}
	}
	return n
}

// CQ is a loopback completion queue: two buffered channels, one for
// successful completions and one for errors, matching fabric.CompletionQueue's
// non-blocking ReadMsg/ReadErr contract.
type CQ struct {
	entries chan fabric.CompletionEntry
	errs    chan fabric.CompletionError
}

func newCQ() *CQ {
	return &CQ{
		entries: make(chan fabric.CompletionEntry, 4096),
		errs:    make(chan fabric.CompletionError, 4096),
	}
}

func (c *CQ) pushEntry(e fabric.CompletionEntry) { c.entries <- e }
func (c *CQ) pushErr(e fabric.CompletionError)   { c.errs <- e }

func (c *CQ) ReadMsg() (fabric.CompletionEntry, error) {
	select {
	case e := <-c.entries:
		return e, nil
	default:
		return fabric.CompletionEntry{}, xerrors.ErrTryAgain
	}
}

func (c *CQ) ReadErr() (fabric.CompletionError, error) {
	select {
	case e := <-c.errs:
		return e, nil
	default:
		return fabric.CompletionError{}, xerrors.ErrTryAgain
	}
}

func (c *CQ) Sread(ctx context.Context) (fabric.CompletionEntry, error) {
	select {
	case e := <-c.entries:
		return e, nil
	case <-ctx.Done():
		return fabric.CompletionEntry{}, ctx.Err()
	}
}

func (c *CQ) WaitFD() (int, bool) { return 0, false }
func (c *CQ) Close() error        { return nil }
