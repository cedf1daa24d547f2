// File: core/eventloop/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package eventloop

import (
	"github.com/sirupsen/logrus"

	"github.com/momentics/microloop/api"
	"github.com/momentics/microloop/reactor"
)

// Config holds event loop construction parameters.
type Config struct {
	Workers   int                // worker pool size, <= 0 selects NumCPU-1 (min 1)
	MaxEvents int                // readiness batch size per tick
	Logger    logrus.FieldLogger // nil selects the tagged standard logger
	Exit      func(code int)     // invoked when every signal handler votes to exit
	Executor  api.Executor       // optional externally owned pool, overrides Workers
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:   0,
		MaxEvents: reactor.DefaultMaxEvents,
		Exit:      logrus.Exit,
	}
}

// Option customizes loop initialization.
type Option func(*Config)

// WithWorkers sets the number of worker goroutines for offloaded operations.
func WithWorkers(n int) Option {
	return func(c *Config) {
		c.Workers = n
	}
}

// WithMaxEvents overrides the readiness batch size.
func WithMaxEvents(n int) Option {
	return func(c *Config) {
		c.MaxEvents = n
	}
}

// WithLogger sets the logger used by the loop and its components.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithExitFunc replaces the process exit policy used by the signal monitor.
func WithExitFunc(fn func(code int)) Option {
	return func(c *Config) {
		c.Exit = fn
	}
}

// WithExecutor runs offloaded operations on e instead of an owned pool. The
// caller must shut e down only after the loop is closed.
func WithExecutor(e api.Executor) Option {
	return func(c *Config) {
		c.Executor = e
	}
}
