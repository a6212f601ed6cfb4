//go:build !linux

package worker

import "errors"

// poller is the non-Linux stand-in: this platform has no epoll
// equivalent wired up, so newPoller always fails and the worker falls
// back to the code.hybscloud.com/spin backoff idle-park path.
type poller struct{}

func newPoller() (*poller, error) { return nil, errors.New("worker: epoll waitfd not supported on this platform") }

func (p *poller) close() error                  { return nil }
func (p *poller) addFD(fd int, cb func()) error { return nil }
func (p *poller) delFD(fd int) error            { return nil }
func (p *poller) wake() error                   { return nil }
func (p *poller) pollOnce()                     {}
func (p *poller) waitOnce(timeout int)          {}
