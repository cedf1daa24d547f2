// File: internal/concurrency/workerpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WorkerPool runs offloaded jobs on a fixed set of worker goroutines fed by a
// single FIFO queue. Jobs are opaque; results travel back through whatever
// channel the job itself uses.

package concurrency

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/momentics/microloop/api"
)

// Ensure compile-time interface compliance.
var _ api.Executor = (*WorkerPool)(nil)

// TaskFunc is a unit of work to execute.
type TaskFunc func()

// WorkerPool manages a fixed pool of worker goroutines.
type WorkerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    *queue.Queue // of TaskFunc, guarded by mu
	valid   *atomic.Bool
	running *atomic.Int64
	done    *atomic.Int64
	workers int
	wg      sync.WaitGroup
	log     logrus.FieldLogger
}

// DefaultWorkers returns the available parallelism minus the reactor
// thread, with a minimum of one.
func DefaultWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}

// NewWorkerPool starts numWorkers workers. If numWorkers <= 0,
// DefaultWorkers is used.
func NewWorkerPool(numWorkers int, log logrus.FieldLogger) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = DefaultWorkers()
	}
	p := &WorkerPool{
		jobs:    queue.New(),
		valid:   atomic.NewBool(true),
		running: atomic.NewInt64(0),
		done:    atomic.NewInt64(0),
		workers: numWorkers,
		log:     log,
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	return p
}

// Submit enqueues job. Any idle worker picks it up.
func (p *WorkerPool) Submit(job func()) error {
	if job == nil {
		return fmt.Errorf("submit: %w", api.ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.valid.Load() {
		return ErrPoolClosed
	}
	p.jobs.Add(TaskFunc(job))
	p.cond.Signal()
	return nil
}

// NumWorkers returns the worker count.
func (p *WorkerPool) NumWorkers() int {
	return p.workers
}

// Pending returns the number of queued jobs not yet picked up.
func (p *WorkerPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobs.Length()
}

// Stats returns basic pool metrics.
func (p *WorkerPool) Stats() map[string]int64 {
	return map[string]int64{
		"workers":        int64(p.workers),
		"pending_jobs":   int64(p.Pending()),
		"running_jobs":   p.running.Load(),
		"completed_jobs": p.done.Load(),
	}
}

// Shutdown marks the pool invalid, drops pending jobs and joins all workers.
// Jobs already running are allowed to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.valid.Load() {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.valid.Store(false)
	dropped := p.jobs.Length()
	p.jobs = queue.New()
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	if dropped > 0 && p.log != nil {
		p.log.WithField("dropped", dropped).Debug("worker pool shut down with pending jobs")
	}
}

// next blocks until a job is available or the pool is shut down.
func (p *WorkerPool) next() (TaskFunc, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.valid.Load() && p.jobs.Length() == 0 {
		p.cond.Wait()
	}
	if !p.valid.Load() {
		return nil, false
	}
	return p.jobs.Remove().(TaskFunc), true
}

func (p *WorkerPool) run(id int) {
	defer p.wg.Done()
	for {
		job, ok := p.next()
		if !ok {
			return
		}
		p.execute(id, job)
	}
}

// execute runs the job, containing any panic that escaped it.
func (p *WorkerPool) execute(id int, job TaskFunc) {
	p.running.Inc()
	defer func() {
		if r := recover(); r != nil && p.log != nil {
			p.log.WithFields(logrus.Fields{"worker": id, "panic": r}).Error("job panicked")
		}
		p.running.Dec()
		p.done.Inc()
	}()
	job()
}
