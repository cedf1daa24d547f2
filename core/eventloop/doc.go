// File: core/eventloop/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package eventloop implements a single-threaded I/O reactor for Linux.
//
// A Loop owns an epoll instance, a worker pool for operations that cannot be
// made non-blocking, a signal monitor and a table mapping every registered
// kernel handle to the api.Source that owns it. Each Tick blocks for
// readiness and dispatches ready sources one at a time on the calling
// goroutine; Run locks that goroutine to its OS thread and ticks until Stop.
//
// Sources marked for offload run their Start on a worker. The worker never
// calls user code: it posts a completion token to an eventfd-backed bridge
// that the reactor polls like any other source, and the completion callback
// then runs on the reactor thread. Two callbacks therefore never overlap.
//
// The ownership table, like every method of Loop except Stop, must only be
// touched from the reactor thread (or before Run starts / after it returns).
package eventloop
