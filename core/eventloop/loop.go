//go:build linux
// +build linux

// File: core/eventloop/loop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reactor: ownership table, dispatch and lifecycle.

package eventloop

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/momentics/microloop/api"
	"github.com/momentics/microloop/control"
	"github.com/momentics/microloop/internal/concurrency"
	"github.com/momentics/microloop/internal/log"
	"github.com/momentics/microloop/reactor"
)

var errAlreadyRunning = errors.New("event loop is already running")

// registration is one row of the ownership table.
type registration struct {
	fd       int
	gen      uint32
	interest api.Interest
	src      api.Source
}

// pending is a completion not yet delivered. job is set for offloaded
// sources only.
type pending struct {
	src api.Source
	job *offloadJob
}

// offloadJob hands ownership of an offloaded source between the reactor and
// the worker running it. A job cancelled before it starts never runs; a job
// cancelled while running closes its source on the worker.
type offloadJob struct {
	mu        sync.Mutex
	running   bool
	cancelled bool
}

// begin reports whether the worker may start the job.
func (j *offloadJob) begin() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		return false
	}
	j.running = true
	return true
}

// finish reports whether the reactor still owns the completion.
func (j *offloadJob) finish() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.running = false
	return !j.cancelled
}

// cancel reports whether the caller now owns the source.
func (j *offloadJob) cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelled = true
	return !j.running
}

// Loop is a single-threaded readiness reactor.
type Loop struct {
	log      logrus.FieldLogger
	poller   reactor.Poller
	pool     api.Executor
	ownsPool bool
	bridge   *completionBridge
	signals  *SignalMonitor
	metrics  *control.MetricsRegistry
	probes   *control.Probes

	sources  map[int]*registration
	inflight map[uint64]*pending
	nextGen  uint32
	nextTok  uint64
	closed   bool

	running  *atomic.Bool
	stopping *atomic.Bool
}

// NewLoop creates the polling instance, the worker pool, the completion
// bridge and the signal monitor.
func NewLoop(opts ...Option) (*Loop, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.MaxEvents <= 0 {
		return nil, api.Wrap(api.ErrCodeConfiguration, "max events must be positive", api.ErrInvalidArgument).
			WithContext("max_events", cfg.MaxEvents)
	}
	if cfg.Exit == nil {
		cfg.Exit = logrus.Exit
	}
	logger := log.OrDefault(cfg.Logger, "eventloop")

	poller, err := reactor.NewPoller(cfg.MaxEvents)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		log:      logger,
		poller:   poller,
		metrics:  control.NewMetricsRegistry(),
		probes:   control.NewProbes(),
		sources:  make(map[int]*registration),
		inflight: make(map[uint64]*pending),
		running:  atomic.NewBool(false),
		stopping: atomic.NewBool(false),
	}
	if cfg.Executor != nil {
		l.pool = cfg.Executor
	} else {
		l.pool = concurrency.NewWorkerPool(cfg.Workers, logger.WithField("component", "workerpool"))
		l.ownsPool = true
	}

	if l.bridge, err = newCompletionBridge(l); err != nil {
		l.Close()
		return nil, err
	}
	if err = l.Add(l.bridge); err != nil {
		l.Close()
		return nil, err
	}
	if l.signals, err = newSignalMonitor(cfg.Exit, logger.WithField("component", "signals")); err != nil {
		l.Close()
		return nil, err
	}
	if err = l.Add(l.signals); err != nil {
		l.Close()
		return nil, err
	}

	l.metrics.Set("workers", l.pool.NumWorkers())
	l.registerProbes()
	logger.WithFields(logrus.Fields{
		"workers":    l.pool.NumWorkers(),
		"max_events": cfg.MaxEvents,
	}).Debug("event loop created")
	return l, nil
}

// Add takes ownership of src. Offloaded sources are started on a worker and
// complete through the bridge; polled sources are started inline and
// registered with their declared interest. A source declaring no interest
// completes on the next tick. On failure the source is closed, except when
// its handle is already owned by another source.
func (l *Loop) Add(src api.Source) error {
	if src == nil {
		return fmt.Errorf("add source: %w", api.ErrInvalidArgument)
	}
	if l.closed {
		l.closeSource(src)
		return api.ErrLoopClosed
	}
	if src.Offload() {
		return l.offload(src)
	}
	if _, owned := l.sources[src.Fd()]; owned {
		return api.Wrap(api.ErrCodeInvalidArgument, "add source", api.ErrAlreadyRegistered).
			WithContext("fd", src.Fd())
	}
	if err := src.Start(); err != nil {
		l.closeSource(src)
		return err
	}
	interest := src.Interest()
	if interest == 0 {
		l.complete(src, nil)
		return nil
	}
	return l.register(src, interest)
}

// Remove deregisters the source owning fd and closes it.
func (l *Loop) Remove(fd int) error {
	reg, ok := l.sources[fd]
	if !ok {
		return api.Wrap(api.ErrCodeInvalidArgument, "remove source", api.ErrNotRegistered).
			WithContext("fd", fd)
	}
	return l.unregister(reg)
}

// RemoveSource removes src if it still owns its handle and reports whether
// it did. A handle number reused by a newer source is left untouched.
func (l *Loop) RemoveSource(src api.Source) bool {
	reg, ok := l.sources[src.Fd()]
	if !ok || reg.src != src {
		return false
	}
	if err := l.unregister(reg); err != nil {
		l.log.WithError(err).WithField("fd", reg.fd).Warn("source removal reported an error")
	}
	return true
}

// Tick blocks until at least one registered handle is ready and dispatches
// the batch. It returns false if the loop is closed or polling failed.
func (l *Loop) Tick() bool {
	if l.closed {
		return false
	}
	events, err := l.poller.Wait(-1)
	if err != nil {
		l.log.WithError(err).Error("readiness wait failed")
		return false
	}
	l.metrics.Add("ticks", 1)
	for _, ev := range events {
		l.dispatch(ev)
	}
	return true
}

// Run locks the calling goroutine to its OS thread and ticks until Stop is
// called. It returns an error only if polling fails.
func (l *Loop) Run() error {
	if l.closed {
		return api.ErrLoopClosed
	}
	if l.running.Swap(true) {
		return errAlreadyRunning
	}
	defer l.running.Store(false)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.log.Debug("event loop running")
	for !l.stopping.Load() {
		if !l.Tick() {
			if l.closed {
				return api.ErrLoopClosed
			}
			return api.NewError(api.ErrCodeKernel, "event loop polling failed")
		}
	}
	l.stopping.Store(false)
	l.log.Debug("event loop stopped")
	return nil
}

// Stop asks Run to return after the current tick. Safe from any goroutine.
func (l *Loop) Stop() {
	l.stopping.Store(true)
	l.bridge.wake()
}

// Close shuts the worker pool down, drops pending completions, removes and
// closes every registered source and releases the polling instance. An
// offloaded source still running on an external executor is closed by its
// worker once it returns. Close must not be called while Run is active.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.pool != nil && l.ownsPool {
		l.pool.Shutdown()
	}
	for tok, p := range l.inflight {
		delete(l.inflight, tok)
		if p.job == nil || p.job.cancel() {
			l.closeSource(p.src)
		}
	}
	var errs []error
	for _, reg := range l.sources {
		if err := l.unregister(reg); err != nil {
			errs = append(errs, err)
		}
	}
	if l.bridge != nil {
		// never registered when NewLoop failed early
		l.bridge.Close()
	}
	if l.signals != nil {
		l.signals.Close()
	}
	if err := l.poller.Close(); err != nil {
		errs = append(errs, err)
	}
	l.log.Debug("event loop closed")
	return errors.Join(errs...)
}

// RegisterSignalHandler adds h to the handlers run when sig is delivered and
// returns a function that removes it. The removal function is idempotent.
func (l *Loop) RegisterSignalHandler(sig syscall.Signal, h SignalHandler) (func(), error) {
	if l.closed {
		return nil, api.ErrLoopClosed
	}
	return l.signals.Register(sig, h)
}

// MonitoredSignals returns the signals with at least one handler.
func (l *Loop) MonitoredSignals() []syscall.Signal {
	if l.signals == nil {
		return nil
	}
	return l.signals.Monitored()
}

// Registered reports whether fd is owned by a registered source.
func (l *Loop) Registered(fd int) bool {
	_, ok := l.sources[fd]
	return ok
}

// NumSources returns the number of registered sources, including the loop's
// own bridge and signal monitor.
func (l *Loop) NumSources() int {
	return len(l.sources)
}

// Pending returns the number of offloaded or deferred completions not yet
// delivered.
func (l *Loop) Pending() int {
	return len(l.inflight)
}

// Metrics returns a snapshot of the loop counters.
func (l *Loop) Metrics() map[string]any {
	l.metrics.Set("sources", len(l.sources))
	l.metrics.Set("pending", len(l.inflight))
	return l.metrics.GetSnapshot()
}

// Probes returns the probe registry; components built on the loop may add
// their own. Probes read reactor state, so dump them on the reactor thread.
func (l *Loop) Probes() *control.Probes {
	return l.probes
}

// DebugState dumps every registered probe.
func (l *Loop) DebugState() map[string]any {
	return l.probes.Dump()
}

func (l *Loop) registerProbes() {
	l.probes.Register("loop.sources", func() any {
		fds := make([]int, 0, len(l.sources))
		for fd := range l.sources {
			fds = append(fds, fd)
		}
		sort.Ints(fds)
		out := make([]string, len(fds))
		for i, fd := range fds {
			out[i] = fmt.Sprintf("fd=%d interest=%s", fd, l.sources[fd].interest)
		}
		return out
	})
	l.probes.Register("loop.pending", func() any {
		return len(l.inflight)
	})
	if st, ok := l.pool.(interface{ Stats() map[string]int64 }); ok {
		l.probes.Register("loop.pool", func() any {
			return st.Stats()
		})
	}
}

// Logger returns the loop logger for components built on top of it.
func (l *Loop) Logger() logrus.FieldLogger {
	return l.log
}

func (l *Loop) register(src api.Source, interest api.Interest) error {
	fd := src.Fd()
	l.nextGen++
	gen := l.nextGen
	if err := l.poller.Add(fd, interest, gen); err != nil {
		l.closeSource(src)
		return err
	}
	l.sources[fd] = &registration{fd: fd, gen: gen, interest: interest, src: src}
	l.log.WithFields(logrus.Fields{"fd": fd, "interest": interest.String()}).Debug("source registered")
	return nil
}

func (l *Loop) unregister(reg *registration) error {
	if cur, ok := l.sources[reg.fd]; !ok || cur != reg {
		return nil
	}
	delete(l.sources, reg.fd)
	perr := l.poller.Remove(reg.fd)
	if errors.Is(perr, syscall.ENOENT) || errors.Is(perr, syscall.EBADF) {
		perr = nil
	}
	cerr := reg.src.Close()
	l.log.WithField("fd", reg.fd).Debug("source removed")
	return errors.Join(perr, cerr)
}

func (l *Loop) rearm(reg *registration) {
	interest := reg.src.Interest()
	if err := l.poller.Modify(reg.fd, interest, reg.gen); err != nil {
		l.log.WithError(err).WithField("fd", reg.fd).Error("re-arm failed, removing source")
		l.unregister(reg)
		return
	}
	reg.interest = interest
}

// dispatch delivers one readiness event. Events for handles that were
// removed, or removed and reused, earlier in the batch are dropped.
func (l *Loop) dispatch(ev reactor.Event) {
	reg, ok := l.sources[ev.Fd]
	if !ok || reg.gen != ev.Gen {
		l.metrics.Add("stale_events", 1)
		return
	}
	oneShot := reg.interest.Has(api.OneShot)
	if err := l.invoke(reg.src, api.Event{Ready: ev.Ready}); err != nil {
		l.log.WithError(err).WithField("fd", ev.Fd).Error("source failed, removing")
		l.metrics.Add("source_errors", 1)
		l.unregister(reg)
		return
	}
	if cur, ok := l.sources[ev.Fd]; !ok || cur != reg {
		return
	}
	switch {
	case reg.src.NeedsRetry():
		l.rearm(reg)
	case oneShot:
		l.unregister(reg)
	}
}

func (l *Loop) invoke(src api.Source, ev api.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.Wrap(api.ErrCodeInternal, "source callback panicked", fmt.Errorf("%v", r))
		}
	}()
	l.metrics.Add("dispatched", 1)
	return src.OnReady(ev)
}

func (l *Loop) offload(src api.Source) error {
	job := &offloadJob{}
	tok := l.track(src, job)
	err := l.pool.Submit(func() {
		if !job.begin() {
			return
		}
		result := startOffloaded(src)
		if !job.finish() {
			if err := src.Close(); err != nil {
				l.log.WithError(err).Debug("cancelled source close failed")
			}
			return
		}
		l.bridge.post(tok, result)
	})
	if err != nil {
		delete(l.inflight, tok)
		l.closeSource(src)
		return err
	}
	l.metrics.Add("offloaded", 1)
	return nil
}

// complete schedules a completion for src without running anything on a
// worker, so its callback runs on a later tick and never nests.
func (l *Loop) complete(src api.Source, err error) {
	l.bridge.post(l.track(src, nil), err)
}

func (l *Loop) track(src api.Source, job *offloadJob) uint64 {
	l.nextTok++
	l.inflight[l.nextTok] = &pending{src: src, job: job}
	return l.nextTok
}

// deliver runs on the reactor thread for every completion drained from the
// bridge. Tokens dropped by Close are ignored.
func (l *Loop) deliver(tok uint64, result error) {
	p, ok := l.inflight[tok]
	if !ok {
		return
	}
	delete(l.inflight, tok)
	src := p.src
	if err := l.invoke(src, api.Event{Completion: true, Err: result}); err != nil {
		l.log.WithError(err).Error("completion callback failed")
		l.metrics.Add("source_errors", 1)
	}
	l.closeSource(src)
	l.metrics.Add("completed", 1)
}

func (l *Loop) closeSource(src api.Source) {
	if err := src.Close(); err != nil {
		l.log.WithError(err).Debug("source close failed")
	}
}

// startOffloaded runs on a worker. A panic becomes the completion error.
func startOffloaded(src api.Source) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.Wrap(api.ErrCodeInternal, "offloaded operation panicked", fmt.Errorf("%v", r))
		}
	}()
	return src.Start()
}
