// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness poller contract.

package reactor

import "github.com/momentics/microloop/api"

// DefaultMaxEvents is the batch size used when none is configured.
const DefaultMaxEvents = 128

// Event contains readiness information returned by Wait.
type Event struct {
	Fd    int          // file descriptor reported ready
	Gen   uint32       // generation supplied at registration
	Ready api.Interest // reported conditions
}

// Poller multiplexes readiness over many descriptors.
type Poller interface {
	// Add registers fd for interest, tagging it with gen.
	Add(fd int, interest api.Interest, gen uint32) error

	// Modify replaces the interest set of fd, re-arming one-shot registrations.
	Modify(fd int, interest api.Interest, gen uint32) error

	// Remove deregisters fd.
	Remove(fd int) error

	// Wait blocks until at least one descriptor is ready or msec elapses
	// (msec < 0 blocks indefinitely). An interrupted wait returns an empty
	// batch and no error. The returned slice is reused by the next call.
	Wait(msec int) ([]Event, error)

	// Close releases the polling instance.
	Close() error
}
