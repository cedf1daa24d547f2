//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package eventloop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/momentics/microloop/api"
	"github.com/momentics/microloop/internal/concurrency"
	"github.com/momentics/microloop/internal/log"
)

// baseSources counts the bridge and the signal monitor.
const baseSources = 2

func newTestLoop(t *testing.T, opts ...Option) *Loop {
	t.Helper()
	opts = append([]Option{
		WithLogger(log.Discard()),
		WithWorkers(2),
		WithExitFunc(func(code int) { t.Fatalf("unexpected exit(%d)", code) }),
	}, opts...)
	l, err := NewLoop(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// tickUntil ticks l until done reports true. A short interval keeps the loop
// waking up so conditions on other goroutines are observed.
func tickUntil(t *testing.T, l *Loop, done func() bool) {
	t.Helper()
	guard, err := l.SetInterval(5*time.Millisecond, nil)
	require.NoError(t, err)
	defer guard.Cancel()

	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		require.True(t, time.Now().Before(deadline), "condition not reached in time")
		require.True(t, l.Tick())
	}
}

// pipeSource is a polled source over the read end of a pipe.
type pipeSource struct {
	fd       int
	interest api.Interest
	retry    func() bool
	onReady  func(api.Event) error
	closes   int
}

func newPipeSource(t *testing.T, interest api.Interest) (*pipeSource, int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() { unix.Close(p[1]) })
	return &pipeSource{fd: p[0], interest: interest}, p[1]
}

func (s *pipeSource) Fd() int                { return s.fd }
func (s *pipeSource) Interest() api.Interest { return s.interest }
func (s *pipeSource) Offload() bool          { return false }
func (s *pipeSource) Start() error           { return nil }

func (s *pipeSource) NeedsRetry() bool {
	return s.retry != nil && s.retry()
}

func (s *pipeSource) OnReady(ev api.Event) error {
	if s.onReady == nil {
		return nil
	}
	return s.onReady(ev)
}

func (s *pipeSource) Close() error {
	s.closes++
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

func drain(fd int) {
	var buf [64]byte
	unix.Read(fd, buf[:])
}

func TestNewLoop_InvalidMaxEvents(t *testing.T) {
	_, err := NewLoop(WithLogger(log.Discard()), WithMaxEvents(0))
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeConfiguration, api.CodeOf(err))
}

func TestLoop_OwnSources(t *testing.T) {
	l := newTestLoop(t)
	assert.Equal(t, baseSources, l.NumSources())
	assert.Equal(t, 0, l.Pending())
}

func TestLoop_AddNil(t *testing.T) {
	l := newTestLoop(t)
	require.ErrorIs(t, l.Add(nil), api.ErrInvalidArgument)
}

func TestLoop_RemoveUnknown(t *testing.T) {
	l := newTestLoop(t)
	err := l.Remove(12345)
	require.ErrorIs(t, err, api.ErrNotRegistered)
}

func TestLoop_DuplicateHandleRejected(t *testing.T) {
	l := newTestLoop(t)
	first, _ := newPipeSource(t, api.Readable)
	require.NoError(t, l.Add(first))

	second := &pipeSource{fd: first.fd, interest: api.Readable}
	err := l.Add(second)
	require.ErrorIs(t, err, api.ErrAlreadyRegistered)

	// the original owner is untouched
	assert.True(t, l.Registered(first.fd))
	assert.Equal(t, 0, first.closes)
	assert.Equal(t, 0, second.closes)
}

func TestLoop_OneShotRemovedAfterDispatch(t *testing.T) {
	l := newTestLoop(t)
	src, w := newPipeSource(t, api.Readable|api.OneShot)
	fd := src.fd
	calls := 0
	src.onReady = func(ev api.Event) error {
		calls++
		assert.True(t, ev.Ready.Has(api.Readable))
		assert.False(t, ev.Completion)
		drain(src.fd)
		return nil
	}
	require.NoError(t, l.Add(src))
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	tickUntil(t, l, func() bool { return calls > 0 })
	assert.Equal(t, 1, calls)
	assert.False(t, l.Registered(fd))
	assert.Equal(t, 1, src.closes)
}

func TestLoop_RetryRearmsOneShot(t *testing.T) {
	l := newTestLoop(t)
	src, w := newPipeSource(t, api.Readable|api.OneShot)
	fd := src.fd
	calls := 0
	src.retry = func() bool { return calls < 3 }
	src.onReady = func(api.Event) error {
		calls++
		drain(src.fd)
		return nil
	}
	require.NoError(t, l.Add(src))

	for i := 0; i < 3; i++ {
		_, err := unix.Write(w, []byte("x"))
		require.NoError(t, err)
		want := i + 1
		tickUntil(t, l, func() bool { return calls >= want })
		if want < 3 {
			assert.True(t, l.Registered(fd))
		}
	}
	assert.Equal(t, 3, calls)
	assert.False(t, l.Registered(fd))
}

func TestLoop_FailingSourceRemoved(t *testing.T) {
	l := newTestLoop(t)
	src, w := newPipeSource(t, api.Readable)
	fd := src.fd
	src.onReady = func(api.Event) error { return errors.New("boom") }
	require.NoError(t, l.Add(src))
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	tickUntil(t, l, func() bool { return !l.Registered(fd) })
	assert.Equal(t, 1, src.closes)
	assert.EqualValues(t, 1, l.Metrics()["source_errors"])
}

func TestLoop_PanickingSourceRemoved(t *testing.T) {
	l := newTestLoop(t)
	src, w := newPipeSource(t, api.Readable)
	fd := src.fd
	src.onReady = func(api.Event) error { panic("boom") }
	require.NoError(t, l.Add(src))
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	tickUntil(t, l, func() bool { return !l.Registered(fd) })
	assert.Equal(t, 1, src.closes)
}

func TestLoop_StaleEventAfterRemovalInSameBatch(t *testing.T) {
	l := newTestLoop(t)
	a, wa := newPipeSource(t, api.Readable)
	b, wb := newPipeSource(t, api.Readable)

	var replacement *pipeSource
	replacementCalls := 0
	fired := 0
	evict := func(other *pipeSource) func(api.Event) error {
		return func(api.Event) error {
			fired++
			if replacement != nil {
				return nil
			}
			otherFd := other.fd
			require.NoError(t, l.Remove(otherFd))
			// the lowest free descriptor is usually the one just closed
			replacement, _ = newPipeSource(t, api.Readable)
			replacement.onReady = func(api.Event) error {
				replacementCalls++
				return nil
			}
			require.NoError(t, l.Add(replacement))
			return nil
		}
	}
	a.onReady = evict(b)
	b.onReady = evict(a)
	require.NoError(t, l.Add(a))
	require.NoError(t, l.Add(b))

	_, err := unix.Write(wa, []byte("x"))
	require.NoError(t, err)
	_, err = unix.Write(wb, []byte("x"))
	require.NoError(t, err)

	// both pipes are readable before the wait, so one tick sees both
	require.True(t, l.Tick())
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, replacementCalls)
	require.NotNil(t, replacement)
	assert.True(t, l.Registered(replacement.fd))
}

func TestLoop_ZeroInterestCompletesOnLaterTick(t *testing.T) {
	l := newTestLoop(t)
	inCallback := false
	completed := false

	_, err := l.SetTimeout(time.Millisecond, func(*TimerController) {
		inCallback = true
		defer func() { inCallback = false }()
		src := &deferred{onReady: func(ev api.Event) error {
			assert.False(t, inCallback, "completion nested inside another callback")
			assert.True(t, ev.Completion)
			completed = true
			return nil
		}}
		require.NoError(t, l.Add(src))
		assert.False(t, completed)
	})
	require.NoError(t, err)

	tickUntil(t, l, func() bool { return completed })
	assert.Equal(t, 0, l.Pending())
}

type deferred struct {
	onReady func(api.Event) error
	closed  bool
}

func (d *deferred) Fd() int                    { return -1 }
func (d *deferred) Interest() api.Interest     { return 0 }
func (d *deferred) Offload() bool              { return false }
func (d *deferred) Start() error               { return nil }
func (d *deferred) NeedsRetry() bool           { return false }
func (d *deferred) OnReady(ev api.Event) error { return d.onReady(ev) }
func (d *deferred) Close() error               { d.closed = true; return nil }

type panickingJob struct{ deferred }

func (p *panickingJob) Offload() bool { return true }
func (p *panickingJob) Start() error  { panic("worker fault") }

func TestLoop_OffloadPanicBecomesCompletionError(t *testing.T) {
	l := newTestLoop(t)
	var got error
	done := false
	job := &panickingJob{deferred{onReady: func(ev api.Event) error {
		got = ev.Err
		done = true
		return nil
	}}}
	require.NoError(t, l.Add(job))
	assert.Equal(t, 1, l.Pending())

	tickUntil(t, l, func() bool { return done })
	require.Error(t, got)
	assert.Equal(t, api.ErrCodeInternal, api.CodeOf(got))
	assert.True(t, job.closed)
}

func TestLoop_ExternalExecutor(t *testing.T) {
	pool := concurrency.NewWorkerPool(1, log.Discard())
	l := newTestLoop(t, WithExecutor(pool))
	defer pool.Shutdown()

	done := false
	job := &panickingJob{deferred{onReady: func(api.Event) error {
		done = true
		return nil
	}}}
	require.NoError(t, l.Add(job))
	tickUntil(t, l, func() bool { return done })
	assert.EqualValues(t, 1, l.Metrics()["workers"])
}

// handleJob opens a pipe on the worker and releases it on Close.
type handleJob struct {
	deferred
	gate    chan struct{}
	started chan struct{}
	fd      int
	starts  *atomic.Int64
	closes  *atomic.Int64
}

func newHandleJob() *handleJob {
	return &handleJob{
		deferred: deferred{onReady: func(api.Event) error { return nil }},
		fd:       -1,
		starts:   atomic.NewInt64(0),
		closes:   atomic.NewInt64(0),
	}
}

func (h *handleJob) Offload() bool { return true }

func (h *handleJob) Start() error {
	h.starts.Inc()
	if h.started != nil {
		close(h.started)
	}
	if h.gate != nil {
		<-h.gate
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return err
	}
	unix.Close(p[1])
	h.fd = p[0]
	return nil
}

func (h *handleJob) Close() error {
	h.closes.Inc()
	if h.fd >= 0 {
		unix.Close(h.fd)
		h.fd = -1
	}
	return nil
}

// blockWorker occupies the only worker of pool until the returned channel is
// closed.
func blockWorker(t *testing.T, pool *concurrency.WorkerPool) chan struct{} {
	t.Helper()
	gate := make(chan struct{})
	busy := make(chan struct{})
	require.NoError(t, pool.Submit(func() {
		close(busy)
		<-gate
	}))
	<-busy
	return gate
}

func waitCompleted(t *testing.T, pool *concurrency.WorkerPool, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return pool.Stats()["completed_jobs"] >= n
	}, 5*time.Second, time.Millisecond)
}

func openFds(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)
	return len(entries)
}

func TestLoop_CloseCancelsQueuedOffload(t *testing.T) {
	pool := concurrency.NewWorkerPool(1, log.Discard())
	defer pool.Shutdown()
	l := newTestLoop(t, WithExecutor(pool))

	gate := blockWorker(t, pool)
	job := newHandleJob()
	require.NoError(t, l.Add(job))
	require.NoError(t, l.Close())
	assert.EqualValues(t, 1, job.closes.Load())

	close(gate)
	waitCompleted(t, pool, 2)
	assert.Zero(t, job.starts.Load())
	assert.EqualValues(t, 1, job.closes.Load())
	assert.Equal(t, -1, job.fd)
}

func TestLoop_CloseWhileOffloadRunning(t *testing.T) {
	pool := concurrency.NewWorkerPool(1, log.Discard())
	defer pool.Shutdown()
	l := newTestLoop(t, WithExecutor(pool))

	job := newHandleJob()
	job.gate = make(chan struct{})
	job.started = make(chan struct{})
	require.NoError(t, l.Add(job))
	<-job.started

	require.NoError(t, l.Close())
	assert.Zero(t, job.closes.Load(), "a running job keeps its source")

	close(job.gate)
	waitCompleted(t, pool, 1)
	assert.EqualValues(t, 1, job.closes.Load())
	assert.Equal(t, -1, job.fd)
}

func TestLoop_CloseWithQueuedReadFileReleasesHandles(t *testing.T) {
	pool := concurrency.NewWorkerPool(1, log.Discard())
	defer pool.Shutdown()
	l := newTestLoop(t, WithExecutor(pool))

	path := filepath.Join(t.TempDir(), "queued")
	require.NoError(t, os.WriteFile(path, []byte("queued read"), 0o600))

	gate := blockWorker(t, pool)
	called := false
	require.NoError(t, l.ReadFile(path, 0, 0, func([]byte, error) { called = true }))
	require.NoError(t, l.Close())
	afterClose := openFds(t)

	close(gate)
	waitCompleted(t, pool, 2)
	assert.Equal(t, afterClose, openFds(t))
	assert.False(t, called)
}

func TestLoop_StopFromAnotherGoroutine(t *testing.T) {
	l := newTestLoop(t)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		l.Stop()
	}()
	require.NoError(t, l.Run())
	wg.Wait()
	assert.NotZero(t, l.Metrics()["ticks"])
}

func TestLoop_StopBeforeRun(t *testing.T) {
	l := newTestLoop(t)
	l.Stop()
	require.NoError(t, l.Run())
}

func TestLoop_Close(t *testing.T) {
	l := newTestLoop(t)
	src, _ := newPipeSource(t, api.Readable)
	require.NoError(t, l.Add(src))

	require.NoError(t, l.Close())
	assert.Equal(t, 1, src.closes)
	assert.Equal(t, 0, l.NumSources())
	assert.False(t, l.Tick())
	require.ErrorIs(t, l.Run(), api.ErrLoopClosed)

	late, _ := newPipeSource(t, api.Readable)
	require.ErrorIs(t, l.Add(late), api.ErrLoopClosed)
	assert.Equal(t, 1, late.closes)

	// idempotent
	require.NoError(t, l.Close())
}

func TestLoop_CallbacksNeverOverlap(t *testing.T) {
	l := newTestLoop(t, WithWorkers(4))
	dir := t.TempDir()
	var active, peak, done int32
	enter := func() {
		active++
		if active > peak {
			peak = active
		}
		time.Sleep(100 * time.Microsecond)
		active--
		done++
	}

	for i := 0; i < 10; i++ {
		_, err := l.SetTimeout(time.Duration(i)*time.Millisecond, func(*TimerController) { enter() })
		require.NoError(t, err)
		require.NoError(t, l.ReadFile(dir+"/missing", 0, 0, func([]byte, error) { enter() }))
		require.NoError(t, l.WriteFile(filepath.Join(dir, fmt.Sprint(i)), []byte("x"), func(int, error) { enter() }))
	}

	tickUntil(t, l, func() bool { return done == 30 })
	assert.EqualValues(t, 1, peak)
}

func TestLoop_DebugState(t *testing.T) {
	l := newTestLoop(t)
	src, _ := newPipeSource(t, api.Readable)
	require.NoError(t, l.Add(src))

	state := l.DebugState()
	require.Contains(t, state, "loop.sources")
	assert.Contains(t, state["loop.sources"], fmt.Sprintf("fd=%d interest=readable", src.fd))
	assert.Equal(t, 0, state["loop.pending"])
	require.Contains(t, state, "loop.pool")
	assert.EqualValues(t, 2, state["loop.pool"].(map[string]int64)["workers"])
}
