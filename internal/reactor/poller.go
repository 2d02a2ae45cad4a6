//go:build linux

// Package reactor implements the single-threaded event reactor and the IO
// object registry it dispatches into.
//
// The epoll wrapper below is grown from a FastPoller-style design: direct
// epoll_ctl/epoll_wait calls over golang.org/x/sys/unix, keyed by fd. It is
// deliberately simplified relative to that ancestry, with no direct-indexed
// array and no version-counter race avoidance, because this reactor runs a
// single IO object set per step, not an arbitrary-churn promise workload.
package reactor

import (
	"golang.org/x/sys/unix"

	"github.com/nodestep/stepd/internal/errs"
)

// Events is a bitmask of the conditions the poller can report.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// poller wraps an epoll instance.
type poller struct {
	epfd     int
	eventBuf [256]unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errs.Syscall("reactor.newPoller", err)
	}
	return &poller{epfd: fd}, nil
}

func (p *poller) close() error {
	if err := unix.Close(p.epfd); err != nil {
		return errs.Syscall("reactor.poller.close", err)
	}
	return nil
}

func eventsToEpoll(ev Events) uint32 {
	var e uint32
	if ev&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if ev&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) Events {
	var ev Events
	if e&(unix.EPOLLIN|unix.EPOLLHUP) != 0 {
		ev |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		ev |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		ev |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		ev |= EventHangup
	}
	return ev
}

func (p *poller) add(fd int, want Events) error {
	ev := unix.EpollEvent{Events: eventsToEpoll(want), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errs.Syscall("reactor.poller.add", err)
	}
	return nil
}

func (p *poller) modify(fd int, want Events) error {
	ev := unix.EpollEvent{Events: eventsToEpoll(want), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return errs.Syscall("reactor.poller.modify", err)
	}
	return nil
}

func (p *poller) remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errs.Syscall("reactor.poller.remove", err)
	}
	return nil
}

// wait blocks (timeoutMs<0 means forever) and returns the ready (fd, events)
// pairs, reusing an internal buffer.
func (p *poller) wait(timeoutMs int) ([]readyFD, error) {
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errs.Syscall("reactor.poller.wait", err)
	}
	out := make([]readyFD, n)
	for i := 0; i < n; i++ {
		out[i] = readyFD{fd: int(p.eventBuf[i].Fd), events: epollToEvents(p.eventBuf[i].Events)}
	}
	return out, nil
}

type readyFD struct {
	fd     int
	events Events
}
