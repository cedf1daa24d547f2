//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import (
	"fmt"

	"github.com/momentics/microloop/api"
)

// NewPoller returns an error for unsupported platforms.
func NewPoller(int) (Poller, error) {
	return nil, fmt.Errorf("reactor: this platform is not supported: %w",
		api.NewError(api.ErrCodeConfiguration, "epoll unavailable"))
}
