// File: api/source.go
// Author: momentics <momentics@gmail.com>
//
// Event source contract shared by the reactor and every concrete source
// (timers, signals, sockets, offloaded filesystem operations).

package api

import "strings"

// Interest is a set of readiness conditions. It is used both for the
// conditions a source wants to be polled for and for the conditions the
// kernel reported.
type Interest uint32

const (
	// Readable means the handle can be read without blocking.
	Readable Interest = 1 << iota
	// Writable means the handle can be written without blocking.
	Writable
	// OneShot deregisters the handle after its first notification.
	OneShot
	// Failed is reported when the handle is in an error state.
	Failed
	// Hangup is reported when the peer closed its end.
	Hangup
)

// Has reports whether all conditions in other are present in i.
func (i Interest) Has(other Interest) bool {
	return i&other == other
}

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		bit  Interest
		name string
	}{
		{Readable, "readable"},
		{Writable, "writable"},
		{OneShot, "oneshot"},
		{Failed, "failed"},
		{Hangup, "hangup"},
	} {
		if i&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Event is what the reactor hands to Source.OnReady.
type Event struct {
	// Ready holds the conditions reported by the kernel. It is empty for
	// completions.
	Ready Interest
	// Completion is set when the event is synthetic: the source was not
	// polled and its Start has finished (on a worker or synchronously).
	Completion bool
	// Err carries the error returned by Start, including a recovered
	// panic, for completions.
	Err error
}

// Source is a unit of interest registered with the reactor. A source owns
// exactly one kernel handle, released by Close when the source is removed.
type Source interface {
	// Fd identifies what the reactor polls.
	Fd() int

	// Interest returns the conditions to poll for. An empty set means the
	// source is not polled and is delivered only through a completion.
	Interest() Interest

	// Offload reports whether Start must run on a worker instead of the
	// reactor thread.
	Offload() bool

	// Start does the source's work or arms it.
	Start() error

	// NeedsRetry reports whether the operation is incomplete and must be
	// resumed on the next readiness notification.
	NeedsRetry() bool

	// OnReady is invoked on the reactor thread. A non-nil error is fatal to
	// the source, which is then removed.
	OnReady(ev Event) error

	// Close releases the kernel handle. It must be idempotent.
	Close() error
}
