//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"errors"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/momentics/microloop/api"
)

// Backlog is the listen queue length of the passive socket.
const Backlog = 64

// listenPassive binds a non-blocking listening socket to the wildcard address
// of the first address family that accepts port.
func listenPassive(port int) (int, error) {
	candidates := []unix.Sockaddr{
		&unix.SockaddrInet4{Port: port},
		&unix.SockaddrInet6{Port: port},
	}
	var errs []error
	for _, sa := range candidates {
		fd, err := bindCandidate(sa)
		if err == nil {
			return fd, nil
		}
		errs = append(errs, err)
	}
	return -1, api.Wrap(api.ErrCodeConfiguration, "bind passive socket", errors.Join(errs...)).
		WithContext("port", port)
}

func bindCandidate(sa unix.Sockaddr) (int, error) {
	family := unix.AF_INET
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, api.NewKernelError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, api.NewKernelError("setsockopt SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, api.NewKernelError("bind", err)
	}
	if err := unix.Listen(fd, Backlog); err != nil {
		unix.Close(fd)
		return -1, api.NewKernelError("listen", err)
	}
	return fd, nil
}

func boundPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, api.NewKernelError("getsockname", err)
	}
	return int(toAddrPort(sa).Port()), nil
}

func toAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr).Unmap(), uint16(a.Port))
	}
	return netip.AddrPort{}
}

// waitWritable blocks the calling thread until fd accepts more data.
func waitWritable(fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		return api.NewKernelError("poll", err)
	}
}
