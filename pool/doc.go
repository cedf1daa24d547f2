// Package pool
// Author: momentics <momentics@gmail.com>
//
// Buffer pooling for the receive path: every readiness notification on a
// connection borrows one buffer and returns it once the data callback is done.
package pool
