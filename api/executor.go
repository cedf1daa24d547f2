// Package api
// Author: momentics
//
// Executor contract for the worker pool that runs offloaded operations.

package api

// Executor runs opaque jobs off the reactor thread.
type Executor interface {
	// Submit schedules job for execution in FIFO order.
	Submit(job func()) error

	// NumWorkers returns the number of worker routines.
	NumWorkers() int

	// Shutdown stops accepting jobs, drops pending ones and waits for the
	// workers to exit.
	Shutdown()
}
