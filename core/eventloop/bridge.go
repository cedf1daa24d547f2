//go:build linux
// +build linux

// File: core/eventloop/bridge.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Completion bridge between worker goroutines and the reactor thread.

package eventloop

import (
	"encoding/binary"
	"sync"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/momentics/microloop/api"
)

type completion struct {
	token uint64
	err   error
}

// completionBridge is an eventfd source fed by a locked queue of tokens.
// post and wake may be called from any goroutine; OnReady runs on the
// reactor thread and drains only what was queued when it started.
type completionBridge struct {
	loop *Loop

	mu    sync.Mutex
	fd    int
	queue *queue.Queue
}

func newCompletionBridge(l *Loop) (*completionBridge, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, api.NewKernelError("eventfd", err)
	}
	return &completionBridge{loop: l, fd: fd, queue: queue.New()}, nil
}

func (b *completionBridge) Fd() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fd
}

func (b *completionBridge) Interest() api.Interest { return api.Readable }
func (b *completionBridge) Offload() bool          { return false }
func (b *completionBridge) Start() error           { return nil }
func (b *completionBridge) NeedsRetry() bool       { return false }

// post queues a completion. Completions posted after Close are dropped.
func (b *completionBridge) post(tok uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return
	}
	b.queue.Add(completion{token: tok, err: err})
	b.signal()
}

// wake makes the next wait return without queuing anything.
func (b *completionBridge) wake() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd >= 0 {
		b.signal()
	}
}

// signal must be called with mu held.
func (b *completionBridge) signal() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	// EAGAIN means the counter is saturated and a wakeup is already pending.
	_, _ = unix.Write(b.fd, one[:])
}

func (b *completionBridge) OnReady(api.Event) error {
	var counter [8]byte
	b.mu.Lock()
	if _, err := unix.Read(b.fd, counter[:]); err != nil && !api.IsWouldBlock(err) {
		b.mu.Unlock()
		return api.NewKernelError("read eventfd", err)
	}
	n := b.queue.Length()
	batch := make([]completion, n)
	for i := range batch {
		batch[i] = b.queue.Remove().(completion)
	}
	b.mu.Unlock()

	for _, c := range batch {
		b.loop.deliver(c.token, c.err)
	}
	return nil
}

// Close is idempotent.
func (b *completionBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	return api.NewKernelError("close eventfd", err)
}
