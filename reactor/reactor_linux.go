//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based poller implementation and factory.

package reactor

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/microloop/api"
)

// linuxPoller is an epoll-based poller. Level-triggered unless the
// registration asks for one-shot delivery.
type linuxPoller struct {
	epfd   int
	raw    []unix.EpollEvent
	events []Event
}

// NewPoller constructs a new platform-specific Poller for Linux.
func NewPoller(maxEvents int) (Poller, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, api.NewKernelError("epoll_create1", err)
	}
	return &linuxPoller{
		epfd:   epfd,
		raw:    make([]unix.EpollEvent, maxEvents),
		events: make([]Event, 0, maxEvents),
	}, nil
}

// Add adds file descriptor to epoll.
func (p *linuxPoller) Add(fd int, interest api.Interest, gen uint32) error {
	ev := epollEvent(fd, interest, gen)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return api.NewKernelError("epoll_ctl add", err)
	}
	return nil
}

// Modify updates the registration of fd.
func (p *linuxPoller) Modify(fd int, interest api.Interest, gen uint32) error {
	ev := epollEvent(fd, interest, gen)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return api.NewKernelError("epoll_ctl mod", err)
	}
	return nil
}

// Remove removes fd from epoll.
func (p *linuxPoller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return api.NewKernelError("epoll_ctl del", err)
	}
	return nil
}

// Wait waits for epoll events.
func (p *linuxPoller) Wait(msec int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.raw, msec)
	if err != nil {
		if err == unix.EINTR {
			return p.events[:0], nil
		}
		return nil, api.NewKernelError("epoll_wait", err)
	}
	out := p.events[:0]
	for i := 0; i < n; i++ {
		out = append(out, Event{
			Fd:    int(p.raw[i].Fd),
			Gen:   uint32(p.raw[i].Pad),
			Ready: fromEpoll(p.raw[i].Events),
		})
	}
	p.events = out
	return out, nil
}

// Close closes the epoll instance.
func (p *linuxPoller) Close() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	return api.NewKernelError("close", err)
}

func epollEvent(fd int, interest api.Interest, gen uint32) unix.EpollEvent {
	return unix.EpollEvent{
		Events: toEpoll(interest),
		Fd:     int32(fd),
		Pad:    int32(gen),
	}
}

// toEpoll converts an interest set to epoll flags.
func toEpoll(interest api.Interest) uint32 {
	var ev uint32
	if interest&api.Readable != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&api.Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	if interest&api.OneShot != 0 {
		ev |= unix.EPOLLONESHOT
	}
	return ev
}

// fromEpoll converts epoll flags to reported readiness.
func fromEpoll(ev uint32) api.Interest {
	var ready api.Interest
	if ev&unix.EPOLLIN != 0 {
		ready |= api.Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		ready |= api.Writable
	}
	if ev&unix.EPOLLERR != 0 {
		ready |= api.Failed
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		ready |= api.Hangup
	}
	return ready
}
