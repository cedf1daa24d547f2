// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics and state probes for the event loop and the TCP server: a
// concurrent-safe counter registry the reactor thread writes to and operators
// snapshot, plus named probes dumped on demand.
package control
