//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/microloop/api"
)

// acceptSource owns the passive socket and accepts one connection per
// readiness; a non-empty backlog keeps the socket readable.
type acceptSource struct {
	server *Server
	fd     int
}

func (a *acceptSource) Fd() int                { return a.fd }
func (a *acceptSource) Interest() api.Interest { return api.Readable }
func (a *acceptSource) Offload() bool          { return false }
func (a *acceptSource) Start() error           { return nil }
func (a *acceptSource) NeedsRetry() bool       { return false }

func (a *acceptSource) OnReady(api.Event) error {
	nfd, sa, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if api.IsWouldBlock(err) {
			return nil
		}
		if transientAcceptError(err) {
			a.server.log.WithError(err).Warn("accept failed")
			a.server.metrics.Add("accept_errors", 1)
			return nil
		}
		return api.NewKernelError("accept4", err)
	}
	a.server.adopt(nfd, sa)
	return nil
}

func (a *acceptSource) Close() error {
	if a.fd < 0 {
		return nil
	}
	err := unix.Close(a.fd)
	a.fd = -1
	return api.NewKernelError("close listener", err)
}

// transientAcceptError reports failures that concern a single pending
// connection or momentary resource pressure rather than the listener.
func transientAcceptError(err error) bool {
	switch err {
	case unix.ECONNABORTED, unix.EINTR, unix.EPROTO, unix.EPERM,
		unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
		return true
	}
	return false
}
