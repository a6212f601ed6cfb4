// Package mrseed drains a freshly filled buf.Pool into a session's buffer
// economy, optionally bulk-registering every buffer up front — the
// default registration policy, versus the -r late/lazy path that defers
// registration to each buffer's first use inside conn.Receiver or
// conn.Transmitter.
package mrseed

import (
	"github.com/relaycore/fabxfer/buf"
	"github.com/relaycore/fabxfer/fabric"
	"github.com/relaycore/fabxfer/fifo"
	"github.com/relaycore/fabxfer/mr"
)

// SeedReceive drains pool into dst — normally a getter session's
// ready_for_cxn — bulk-registering each buffer for remote-write access
// unless reregister defers that to the receiver's RegV call at a buffer's
// first advertisement (the registration is kept, not deregistered).
func SeedReceive(dom fabric.Domain, pool *buf.Pool, dst *fifo.FIFO[*buf.Header], reregister bool) error {
	return seed(dom, pool, dst, fabric.AccessRemoteWrite, reregister)
}

// SeedSource drains pool into dst — normally a putter session's
// ready_for_terminal — bulk-registering each buffer for local-read access
// unless reregister defers that to the transmitter's mr.BufMRReg call at a
// buffer's first write (the registration is kept, not deregistered).
func SeedSource(dom fabric.Domain, pool *buf.Pool, dst *fifo.FIFO[*buf.Header], reregister bool) error {
	return seed(dom, pool, dst, fabric.AccessRead, reregister)
}

func seed(dom fabric.Domain, pool *buf.Pool, dst *fifo.FIFO[*buf.Header], access fabric.AccessFlags, reregister bool) error {
	var batch []*buf.Header
	for {
		h, _, err := pool.Get()
		if err != nil {
			break
		}
		batch = append(batch, h)
	}
	if len(batch) == 0 {
		return nil
	}
	if !reregister {
		var ks mr.KeySource
		if err := mr.RegV(dom, batch, len(batch), access, &ks); err != nil {
			return err
		}
	}
	for _, h := range batch {
		dst.Put(h)
	}
	return nil
}
