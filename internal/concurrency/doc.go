// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker pool used by the event loop to run operations that have no
// non-blocking kernel primitive (filesystem reads and writes). Workers never
// invoke user callbacks directly; completions are handed back to the reactor.
package concurrency
