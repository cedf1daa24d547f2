//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/microloop/api"
)

const sendFlags = unix.MSG_NOSIGNAL | unix.MSG_DONTWAIT

// SendCallback receives the number of bytes delivered and the failure, if
// any. n equals the buffer length exactly when err is nil.
type SendCallback func(n int, err error)

// sendSource writes one buffer through a duplicate of the connection socket.
// A partial write records its offset and waits for writability; the next
// readiness resumes from that offset.
type sendSource struct {
	conn *PeerConnection
	fd   int
	data []byte
	off  int
	err  error
	done bool
	cb   SendCallback
}

func (s *sendSource) Fd() int       { return s.fd }
func (s *sendSource) Offload() bool { return false }

// Start makes the first write attempt on the reactor thread.
func (s *sendSource) Start() error {
	s.flush()
	return nil
}

// Interest is empty once the buffer is delivered or failed, which turns
// registration into a deferred completion.
func (s *sendSource) Interest() api.Interest {
	if s.NeedsRetry() {
		return api.Writable | api.OneShot
	}
	return 0
}

func (s *sendSource) NeedsRetry() bool {
	return s.err == nil && s.off < len(s.data)
}

func (s *sendSource) OnReady(ev api.Event) error {
	if !ev.Completion {
		s.flush()
	} else if ev.Err != nil && s.err == nil {
		s.err = ev.Err
	}
	if s.NeedsRetry() {
		return nil
	}
	s.finish(s.err)
	return nil
}

func (s *sendSource) flush() {
	for s.off < len(s.data) {
		n, err := unix.SendmsgN(s.fd, s.data[s.off:], nil, nil, sendFlags)
		switch {
		case err == nil:
			s.off += n
			s.conn.server.metrics.Add("bytes_out", int64(n))
		case err == unix.EINTR:
		case api.IsWouldBlock(err):
			return
		default:
			s.err = api.NewKernelError("sendmsg", err)
			return
		}
	}
}

// finish reports the result once and lets the connection start its next
// queued send.
func (s *sendSource) finish(err error) {
	if s.done {
		return
	}
	s.done = true
	if s.cb != nil {
		s.cb(s.off, err)
	}
	s.conn.sendFinished(s)
}

func (s *sendSource) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return api.NewKernelError("close send handle", err)
}
