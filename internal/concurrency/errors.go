// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error definitions for concurrency module.

package concurrency

import "github.com/momentics/microloop/api"

// ErrPoolClosed indicates the pool has been shut down.
var ErrPoolClosed = api.ErrPoolClosed
