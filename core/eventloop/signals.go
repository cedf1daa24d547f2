//go:build linux
// +build linux

// File: core/eventloop/signals.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Signal monitor: process signals delivered through a pipe as readiness.

package eventloop

import (
	"encoding/binary"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/microloop/api"
)

// SignalHandler runs on the reactor thread for each delivery of sig and
// reports whether the process may exit.
type SignalHandler func(sig syscall.Signal) bool

const signalRecordSize = 4

// SignalMonitor turns process signals into reactor callbacks. The runtime
// notifies one forwarder goroutine per watched signal, which writes one
// fixed-size record per delivery to a non-blocking pipe watched by the loop.
// When every handler registered for a signal votes true, the exit function
// is called with the signal number.
type SignalMonitor struct {
	log  logrus.FieldLogger
	exit func(code int)

	rfd, wfd int
	wg       sync.WaitGroup
	closed   bool

	watch    map[syscall.Signal]chan os.Signal
	handlers map[syscall.Signal][]*signalEntry
}

type signalEntry struct {
	h SignalHandler
}

func newSignalMonitor(exit func(int), log logrus.FieldLogger) (*SignalMonitor, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, api.NewKernelError("pipe2", err)
	}
	return &SignalMonitor{
		log:      log,
		exit:     exit,
		rfd:      p[0],
		wfd:      p[1],
		watch:    make(map[syscall.Signal]chan os.Signal),
		handlers: make(map[syscall.Signal][]*signalEntry),
	}, nil
}

// forward runs until ch is closed.
func (m *SignalMonitor) forward(ch <-chan os.Signal) {
	defer m.wg.Done()
	for s := range ch {
		sig, ok := s.(syscall.Signal)
		if !ok {
			continue
		}
		var rec [signalRecordSize]byte
		binary.NativeEndian.PutUint32(rec[:], uint32(sig))
		if _, err := unix.Write(m.wfd, rec[:]); err != nil {
			m.log.WithError(err).WithField("signal", sig).Warn("signal dropped")
		}
	}
}

// Register appends h to the handlers of sig and starts monitoring sig. The
// returned function removes h; once sig has no handlers left it is no longer
// monitored.
func (m *SignalMonitor) Register(sig syscall.Signal, h SignalHandler) (func(), error) {
	if h == nil || sig <= 0 {
		return nil, api.Wrap(api.ErrCodeInvalidArgument, "register signal handler", api.ErrInvalidArgument).
			WithContext("signal", int(sig))
	}
	if m.closed {
		return nil, api.ErrLoopClosed
	}
	if _, watched := m.watch[sig]; !watched {
		ch := make(chan os.Signal, 16)
		signal.Notify(ch, sig)
		m.watch[sig] = ch
		m.wg.Add(1)
		go m.forward(ch)
	}
	e := &signalEntry{h: h}
	m.handlers[sig] = append(m.handlers[sig], e)
	m.log.WithField("signal", sig.String()).Debug("signal handler registered")
	return func() { m.unregister(sig, e) }, nil
}

func (m *SignalMonitor) unregister(sig syscall.Signal, e *signalEntry) {
	entries := m.handlers[sig]
	for i, cur := range entries {
		if cur != e {
			continue
		}
		// copy so a dispatch already ranging over the old slice is unaffected
		rest := make([]*signalEntry, 0, len(entries)-1)
		rest = append(rest, entries[:i]...)
		rest = append(rest, entries[i+1:]...)
		if len(rest) > 0 {
			m.handlers[sig] = rest
		} else {
			delete(m.handlers, sig)
			m.unwatch(sig)
		}
		m.log.WithField("signal", sig.String()).Debug("signal handler removed")
		return
	}
}

func (m *SignalMonitor) unwatch(sig syscall.Signal) {
	ch, ok := m.watch[sig]
	if !ok {
		return
	}
	delete(m.watch, sig)
	signal.Stop(ch)
	close(ch)
}

// Monitored returns the signals with at least one handler, in ascending order.
func (m *SignalMonitor) Monitored() []syscall.Signal {
	out := make([]syscall.Signal, 0, len(m.handlers))
	for sig := range m.handlers {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *SignalMonitor) Fd() int                { return m.rfd }
func (m *SignalMonitor) Interest() api.Interest { return api.Readable }
func (m *SignalMonitor) Offload() bool          { return false }
func (m *SignalMonitor) Start() error           { return nil }
func (m *SignalMonitor) NeedsRetry() bool       { return false }

// OnReady consumes one signal record per readiness; further records keep the
// pipe readable for the next tick.
func (m *SignalMonitor) OnReady(api.Event) error {
	var rec [signalRecordSize]byte
	n, err := unix.Read(m.rfd, rec[:])
	if err != nil {
		if api.IsWouldBlock(err) || err == unix.EINTR {
			return nil
		}
		return api.NewKernelError("read signal pipe", err)
	}
	if n != signalRecordSize {
		return api.NewError(api.ErrCodeProtocol, "short signal record").WithContext("bytes", n)
	}
	sig := syscall.Signal(binary.NativeEndian.Uint32(rec[:]))
	handlers := m.handlers[sig]
	if len(handlers) == 0 {
		return nil
	}

	exit := true
	for _, e := range handlers {
		if !e.h(sig) {
			exit = false
		}
	}
	if exit {
		m.log.WithField("signal", sig.String()).Info("all handlers agreed, exiting")
		m.exit(int(sig))
	}
	return nil
}

// Close stops signal delivery and releases the pipe. Idempotent.
func (m *SignalMonitor) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	for sig := range m.watch {
		m.unwatch(sig)
	}
	m.wg.Wait()
	rerr := unix.Close(m.rfd)
	werr := unix.Close(m.wfd)
	if rerr != nil {
		return api.NewKernelError("close signal pipe", rerr)
	}
	return api.NewKernelError("close signal pipe", werr)
}
