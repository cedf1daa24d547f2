//go:build linux
// +build linux

// File: core/eventloop/fs.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Filesystem operations offloaded to the worker pool.

package eventloop

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/microloop/api"
)

const readChunk = 64 << 10

// ReadCallback receives the bytes read or the failure.
type ReadCallback func(data []byte, err error)

// WriteCallback receives the number of bytes written or the failure.
type WriteCallback func(n int, err error)

// ReadFile reads up to maxLen bytes of path starting at offset on a worker
// and delivers them to cb on the reactor thread. maxLen 0 reads to EOF.
func (l *Loop) ReadFile(path string, maxLen int, offset int64, cb ReadCallback) error {
	if path == "" || maxLen < 0 || offset < 0 {
		return api.Wrap(api.ErrCodeInvalidArgument, "read file", api.ErrInvalidArgument).
			WithContext("path", path).WithContext("max_len", maxLen).WithContext("offset", offset)
	}
	return l.Add(&fsRead{fd: -1, path: path, maxLen: maxLen, offset: offset, cb: cb})
}

// WriteFile creates or truncates path and writes data to it on a worker.
// data must not be modified until cb runs.
func (l *Loop) WriteFile(path string, data []byte, cb WriteCallback) error {
	if path == "" {
		return api.Wrap(api.ErrCodeInvalidArgument, "write file", api.ErrInvalidArgument)
	}
	return l.Add(&fsWrite{fd: -1, path: path, data: data, cb: cb})
}

// WriteFd writes data to an already open descriptor on a worker. The
// descriptor is duplicated, so the caller keeps ownership of fd.
func (l *Loop) WriteFd(fd int, data []byte, cb WriteCallback) error {
	if fd < 0 {
		return api.Wrap(api.ErrCodeInvalidArgument, "write fd", api.ErrInvalidArgument).WithContext("fd", fd)
	}
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return api.NewKernelError("dup", err)
	}
	return l.Add(&fsWrite{fd: dup, data: data, cb: cb})
}

type fsRead struct {
	fd     int
	path   string
	maxLen int
	offset int64
	data   []byte
	cb     ReadCallback
}

func (r *fsRead) Fd() int                { return r.fd }
func (r *fsRead) Interest() api.Interest { return 0 }
func (r *fsRead) Offload() bool          { return true }
func (r *fsRead) NeedsRetry() bool       { return false }

// Start runs on a worker.
func (r *fsRead) Start() error {
	fd, err := unix.Open(r.path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return api.NewKernelError("open "+r.path, err)
	}
	r.fd = fd

	limit := r.maxLen
	buf := make([]byte, 0, initialReadSize(fd, limit, r.offset))
	off := r.offset
	for limit == 0 || len(buf) < limit {
		if len(buf) == cap(buf) {
			buf = append(buf, make([]byte, readChunk)...)[:len(buf)]
		}
		window := buf[len(buf):cap(buf)]
		if limit > 0 && len(window) > limit-len(buf) {
			window = window[:limit-len(buf)]
		}
		n, err := unix.Pread(fd, window, off)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return api.NewKernelError("pread "+r.path, err)
		}
		if n == 0 {
			break
		}
		buf = buf[:len(buf)+n]
		off += int64(n)
	}
	r.data = buf
	return nil
}

// initialReadSize sizes the first buffer from what the file holds past
// offset, so a large limit on a small file allocates little. The extra byte
// lets the read observe EOF without growing.
func initialReadSize(fd, limit int, offset int64) int {
	size := readChunk
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err == nil && st.Mode&unix.S_IFMT == unix.S_IFREG {
		size = int(max(st.Size-offset, 0)) + 1
	}
	if limit > 0 && limit < size {
		size = limit
	}
	return size
}

func (r *fsRead) OnReady(ev api.Event) error {
	if r.cb == nil {
		return nil
	}
	if ev.Err != nil {
		r.cb(nil, ev.Err)
		return nil
	}
	r.cb(r.data, nil)
	return nil
}

func (r *fsRead) Close() error {
	if r.fd < 0 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return api.NewKernelError("close", err)
}

type fsWrite struct {
	fd      int
	path    string
	data    []byte
	written int
	cb      WriteCallback
}

func (w *fsWrite) Fd() int                { return w.fd }
func (w *fsWrite) Interest() api.Interest { return 0 }
func (w *fsWrite) Offload() bool          { return true }
func (w *fsWrite) NeedsRetry() bool       { return false }

// Start runs on a worker. Descriptors in non-blocking mode are waited on with
// poll between partial writes.
func (w *fsWrite) Start() error {
	if w.path != "" {
		fd, err := unix.Open(w.path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0o644)
		if err != nil {
			return api.NewKernelError("open "+w.path, err)
		}
		w.fd = fd
	}
	for w.written < len(w.data) {
		n, err := unix.Write(w.fd, w.data[w.written:])
		switch {
		case err == unix.EINTR:
			continue
		case api.IsWouldBlock(err):
			if perr := waitWritable(w.fd); perr != nil {
				return perr
			}
			continue
		case err != nil:
			return api.NewKernelError("write", err)
		}
		w.written += n
	}
	return nil
}

func (w *fsWrite) OnReady(ev api.Event) error {
	if w.cb == nil {
		return nil
	}
	w.cb(w.written, ev.Err)
	return nil
}

func (w *fsWrite) Close() error {
	if w.fd < 0 {
		return nil
	}
	err := unix.Close(w.fd)
	w.fd = -1
	return api.NewKernelError("close", err)
}

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
