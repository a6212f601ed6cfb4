// Package cpuaffinity parses the CLI's "-p i-j" processor range and pins
// the calling OS thread to it via sched_setaffinity. A thin syscall
// wrapper is all this needs; worker/poller_linux.go takes the same
// direct-syscall approach for epoll.
package cpuaffinity

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Range is an inclusive [First, Last] processor range, the "-p i-j"
// CLI flag. A zero-value Range means no affinity was requested and
// affinity is left unset.
type Range struct {
	First uint
	Last  uint
}

// Parse parses a "-p i-j" argument of the form "i - j" (whitespace around
// the hyphen is optional). Trailing garbage after the second number is
// rejected.
func Parse(s string) (Range, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Range{}, fmt.Errorf("cpuaffinity: unexpected `-p` parameter %q", s)
	}
	first, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return Range{}, fmt.Errorf("cpuaffinity: unexpected `-p` parameter %q", s)
	}
	last, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return Range{}, fmt.Errorf("cpuaffinity: unexpected `-p` parameter %q", s)
	}
	return Range{First: uint(first), Last: uint(last)}, nil
}

// Cycle hands out the processors in the range in round-robin order, one
// CPU to each new worker thread.
type Cycle struct {
	r    Range
	next uint
}

// NewCycle creates a Cycle starting at r.First.
func NewCycle(r Range) *Cycle {
	return &Cycle{r: r, next: r.First}
}

// Next returns the next CPU in the cycle, wrapping back to First once Last
// is passed.
func (c *Cycle) Next() uint {
	cpu := c.next
	if c.next >= c.r.Last {
		c.next = c.r.First
	} else {
		c.next++
	}
	return cpu
}

// Pin locks the calling goroutine to its current OS thread and restricts
// that thread's scheduling to cpu, returning an unpin function the caller
// must invoke before the goroutine that called Pin exits (normally via
// defer). On platforms without a sched_setaffinity syscall Pin returns an
// error and the thread is left unlocked (see cpuaffinity_other.go).
func Pin(cpu uint) (unpin func(), err error) {
	runtime.LockOSThread()
	if err := setAffinity(cpu); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	return runtime.UnlockOSThread, nil
}
