//go:build linux

package worker

import (
	"sync"
	"syscall"
	"unsafe"
)

// epollEvent matches the kernel's struct epoll_event.
type epollEvent struct {
	events uint32
	data   [8]byte // union: ptr, fd, u32, u64
}

const epollIn = 0x001

const maxEpollEvents = 64

// poller multiplexes a worker's session completion-queue wait
// descriptors over one epoll instance: per-session fds are armed at
// assignment time, and the worker's own wake eventfd lets the dispatcher
// break a parked worker out of its wait.
type poller struct {
	epfd   int
	wakefd int

	mu  sync.Mutex
	cbs map[int]func()
}

func newPoller() (*poller, error) {
	epfd, err := epollCreate1(syscall.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := eventfdCreate(0, syscall.O_NONBLOCK|syscall.O_CLOEXEC)
	if err != nil {
		syscall.Close(epfd)
		return nil, err
	}
	p := &poller{epfd: epfd, wakefd: wakefd, cbs: make(map[int]func())}
	if err := p.addFD(wakefd, nil); err != nil {
		syscall.Close(wakefd)
		syscall.Close(epfd)
		return nil, err
	}
	return p, nil
}

func (p *poller) close() error {
	syscall.Close(p.wakefd)
	syscall.Close(p.epfd)
	return nil
}

func (p *poller) addFD(fd int, cb func()) error {
	var ev epollEvent
	ev.events = epollIn
	*(*int)(unsafe.Pointer(&ev.data)) = fd
	if err := epollCtl(p.epfd, syscall.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	p.cbs[fd] = cb
	p.mu.Unlock()
	return nil
}

func (p *poller) delFD(fd int) error {
	p.mu.Lock()
	delete(p.cbs, fd)
	p.mu.Unlock()
	return epollCtl(p.epfd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// wake unblocks a worker parked in waitIdle via the
// poller's eventfd-write wakeup.
func (p *poller) wake() error {
	buf := [8]byte{1}
	_, err := syscall.Write(p.wakefd, buf[:])
	return err
}

func (p *poller) drainEvents(timeout int) {
	var events [maxEpollEvents]epollEvent
	n, err := epollWait(p.epfd, events[:], timeout)
	if err != nil {
		return
	}
	for i := 0; i < n; i++ {
		fd := *(*int)(unsafe.Pointer(&events[i].data))
		if fd == p.wakefd {
			var drain [8]byte
			syscall.Read(p.wakefd, drain[:])
			continue
		}
		p.mu.Lock()
		cb := p.cbs[fd]
		p.mu.Unlock()
		if cb != nil {
			cb()
		}
	}
}

// pollOnce performs one non-blocking sweep, invoking every ready
// session's readiness callback before returning.
func (p *poller) pollOnce() { p.drainEvents(0) }

// waitOnce blocks until a session fd, the wake eventfd, or a signal
// interrupts the wait — the worker's idle-park path when waitfd is
// armed.
func (p *poller) waitOnce(timeout int) { p.drainEvents(timeout) }

func epollCreate1(flags int) (int, error) {
	fd, _, errno := syscall.Syscall(syscall.SYS_EPOLL_CREATE1, uintptr(flags), 0, 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func epollCtl(epfd, op, fd int, event *epollEvent) error {
	var eventPtr uintptr
	if event != nil {
		eventPtr = uintptr(unsafe.Pointer(event))
	}
	_, _, errno := syscall.Syscall6(syscall.SYS_EPOLL_CTL, uintptr(epfd), uintptr(op), uintptr(fd), eventPtr, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func epollWait(epfd int, events []epollEvent, timeout int) (int, error) {
	n, _, errno := syscall.Syscall6(syscall.SYS_EPOLL_WAIT, uintptr(epfd), uintptr(unsafe.Pointer(&events[0])), uintptr(len(events)), uintptr(timeout), 0, 0)
	if errno != 0 {
		if errno == syscall.EINTR {
			return 0, nil
		}
		return 0, errno
	}
	return int(n), nil
}

func eventfdCreate(initval uint, flags int) (int, error) {
	fd, _, errno := syscall.Syscall(syscall.SYS_EVENTFD2, uintptr(initval), uintptr(flags), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}
