//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"fmt"
	"net/netip"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/momentics/microloop/api"
)

// PeerConnection is an accepted connection. Its methods must be called on the
// reactor thread.
type PeerConnection struct {
	server *Server
	fd     int
	addr   netip.AddrPort
	recv   *receiveSource

	outbox  *queue.Queue // queued *sendSource, not yet started
	current *sendSource
	closed  bool
}

// Fd returns the connection socket descriptor.
func (c *PeerConnection) Fd() int {
	return c.fd
}

// Addr returns the peer address.
func (c *PeerConnection) Addr() netip.AddrPort {
	return c.addr
}

// String renders the connection as "ip:port - fd".
func (c *PeerConnection) String() string {
	return fmt.Sprintf("%s - %d", c.addr, c.fd)
}

// Closed reports whether the connection was closed.
func (c *PeerConnection) Closed() bool {
	return c.closed
}

// Send writes all of buf before returning, waiting for writability on the
// calling thread whenever the socket buffer is full. It returns the number
// of bytes delivered, which is len(buf) unless err is non-nil.
func (c *PeerConnection) Send(buf []byte) (int, error) {
	if c.closed {
		return 0, api.ErrConnClosed
	}
	if c.current != nil {
		return 0, api.ErrSendInProgress
	}
	off := 0
	for off < len(buf) {
		n, err := unix.SendmsgN(c.fd, buf[off:], nil, nil, sendFlags)
		switch {
		case err == nil:
			off += n
		case err == unix.EINTR:
		case api.IsWouldBlock(err):
			if werr := waitWritable(c.fd); werr != nil {
				return off, werr
			}
		default:
			c.server.metrics.Add("bytes_out", int64(off))
			return off, api.NewKernelError("sendmsg", err)
		}
	}
	c.server.metrics.Add("bytes_out", int64(off))
	return off, nil
}

// SendAsync queues buf for delivery through the event loop and returns
// immediately. Buffers are written in the order they were queued; cb runs on
// a later tick. buf must not be modified until then.
func (c *PeerConnection) SendAsync(buf []byte, cb SendCallback) error {
	if c.closed {
		return api.ErrConnClosed
	}
	c.outbox.Add(&sendSource{conn: c, fd: -1, data: buf, cb: cb})
	if c.current == nil {
		c.startNext()
	}
	return nil
}

// SendFile transmits the whole file at path with sendfile(2), waiting for
// writability on the calling thread when needed.
func (c *PeerConnection) SendFile(path string) (int64, error) {
	if c.closed {
		return 0, api.ErrConnClosed
	}
	if c.current != nil {
		return 0, api.ErrSendInProgress
	}
	ffd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, api.NewKernelError("open "+path, err)
	}
	defer unix.Close(ffd)
	var st unix.Stat_t
	if err := unix.Fstat(ffd, &st); err != nil {
		return 0, api.NewKernelError("fstat "+path, err)
	}

	var off int64
	for off < st.Size {
		n, err := unix.Sendfile(c.fd, ffd, &off, int(st.Size-off))
		switch {
		case err == nil && n == 0:
			// file shrank underneath us
			return off, api.NewError(api.ErrCodeProtocol, "unexpected end of file").WithContext("path", path)
		case err == nil, err == unix.EINTR:
		case api.IsWouldBlock(err):
			if werr := waitWritable(c.fd); werr != nil {
				return off, werr
			}
		default:
			return off, api.NewKernelError("sendfile", err)
		}
	}
	c.server.metrics.Add("bytes_out", off)
	return off, nil
}

// Close removes the connection from its server and closes the socket.
// Queued sends fail with api.ErrConnClosed. Idempotent.
func (c *PeerConnection) Close() error {
	c.close(nil)
	return nil
}

func (c *PeerConnection) close(cause error) {
	if c.closed {
		return
	}
	c.closed = true
	s := c.server

	if cur := c.current; cur != nil {
		// a send awaiting its deferred completion still reports its own result
		if s.loop.RemoveSource(cur) {
			cur.finish(api.ErrConnClosed)
		}
	}
	for c.outbox.Length() > 0 {
		pending := c.outbox.Remove().(*sendSource)
		if pending.cb != nil {
			pending.cb(0, api.ErrConnClosed)
		}
	}

	delete(s.conns, c.fd)
	if !s.loop.RemoveSource(c.recv) {
		c.recv.Close()
	}
	s.metrics.Add("closed", 1)
	entry := s.log.WithField("peer", c.String())
	if cause != nil {
		entry.WithError(cause).Warn("connection closed on error")
	} else {
		entry.Debug("connection closed")
	}
	if s.cfg.OnClose != nil {
		s.cfg.OnClose(c, cause)
	}
}

// startNext hands the oldest queued buffer to the loop as a send source.
func (c *PeerConnection) startNext() {
	for c.current == nil && c.outbox.Length() > 0 && !c.closed {
		next := c.outbox.Remove().(*sendSource)
		dup, err := unix.FcntlInt(uintptr(c.fd), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			if next.cb != nil {
				next.cb(0, api.NewKernelError("dup", err))
			}
			continue
		}
		next.fd = dup
		c.current = next
		if err := c.server.loop.Add(next); err != nil {
			c.current = nil
			if !next.done && next.cb != nil {
				next.done = true
				next.cb(next.off, err)
			}
		}
	}
}

func (c *PeerConnection) sendFinished(s *sendSource) {
	if c.current == s {
		c.current = nil
	}
	c.startNext()
}
