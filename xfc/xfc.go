// Package xfc implements the transfer-context tag attached to every buffer
// handed to the fabric. It is the discriminator completions are matched
// against, and the owner/place/child bookkeeping the connection state
// machines rely on.
package xfc

// Kind discriminates the purpose of the buffer a Context is attached to.
// It is the switch value the connection state machines' completion dispatch
// (conn.Receiver and conn.Transmitter) uses to route a finished I/O
// operation back to the right handler.
type Kind uint8

// Transfer context kinds.
const (
	KindInitial Kind = iota
	KindAck
	KindVector
	KindProgress
	KindRDMAWrite
	KindFragment
)

// String implements fmt.Stringer for log output.
func (k Kind) String() string {
	switch k {
	case KindInitial:
		return "initial"
	case KindAck:
		return "ack"
	case KindVector:
		return "vector"
	case KindProgress:
		return "progress"
	case KindRDMAWrite:
		return "rdma_write"
	case KindFragment:
		return "fragment"
	default:
		return "unknown"
	}
}

// Owner records whether the NIC or the program currently holds a buffer.
// A buffer is only ever handed to the fabric while Owner == OwnerNIC; the
// fabric hands it back via a completion, at which point the owning control
// block flips it to OwnerProgram.
type Owner uint8

// Ownership states.
const (
	OwnerProgram Owner = iota
	OwnerNIC
)

// Place is a bitset marking a buffer's position within a batched I/O
// (an RDMA write issued across several local/remote IOVs at once).
type Place uint8

// Place bits.
const (
	PlaceNone  Place = 0
	PlaceFirst Place = 1 << iota
	PlaceLast
)

// Has reports whether all bits of mask are set in p.
func (p Place) Has(mask Place) bool { return p&mask == mask }

// Context is the tag embedded as the first field of every buffer header
// (buf.Header) handed to the fabric. Its address is the completion context
// the fabric echoes back in a completion entry.
type Context struct {
	Kind      Kind
	Owner     Owner
	Place     Place
	NChildren uint8 // outstanding posted writes of this buffer (fragments and its own final write) not yet completed
	Cancelled bool
}

// Reset restores the context to its zero-value defaults, leaving Kind
// untouched; callers that reuse a buffer for another kind set Kind
// themselves.
func (c *Context) Reset() {
	c.Owner = OwnerProgram
	c.Place = PlaceNone
	c.NChildren = 0
	c.Cancelled = false
}

// MarkPosted flips ownership to the NIC. Called by rxctl/txctl immediately
// before handing the buffer to fabric.Endpoint.SendMsg/RecvMsg/WriteMsg.
func (c *Context) MarkPosted() { c.Owner = OwnerNIC }

// MarkCompleted flips ownership back to the program. Called when a
// completion naming this context arrives.
func (c *Context) MarkCompleted() { c.Owner = OwnerProgram }

// IsPosted reports whether the buffer is currently owned by the NIC.
func (c *Context) IsPosted() bool { return c.Owner == OwnerNIC }
