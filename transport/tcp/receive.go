//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/microloop/api"
)

// receiveSource owns the connection socket. Each readiness performs one
// non-blocking receive.
type receiveSource struct {
	conn *PeerConnection
	fd   int
}

func (r *receiveSource) Fd() int                { return r.fd }
func (r *receiveSource) Interest() api.Interest { return api.Readable }
func (r *receiveSource) Offload() bool          { return false }
func (r *receiveSource) Start() error           { return nil }
func (r *receiveSource) NeedsRetry() bool       { return false }

func (r *receiveSource) OnReady(api.Event) error {
	s := r.conn.server
	buf := s.buffers.Get()
	defer s.buffers.Put(buf)

	n, _, err := unix.Recvfrom(r.fd, buf, 0)
	switch {
	case err == nil:
	case api.IsWouldBlock(err), err == unix.EINTR:
		return nil
	default:
		// fatal for this connection only
		r.conn.close(api.NewKernelError("recv", err))
		return nil
	}

	s.metrics.Add("bytes_in", int64(n))
	if s.cfg.OnData != nil {
		s.cfg.OnData(r.conn, buf[:n])
	}
	if n == 0 {
		r.conn.close(nil)
	}
	return nil
}

func (r *receiveSource) Close() error {
	if r.fd < 0 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return api.NewKernelError("close connection", err)
}
