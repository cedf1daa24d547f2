// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"github.com/sirupsen/logrus"

	"github.com/momentics/microloop/pool"
)

// ConnectionHandler is invoked once per accepted connection.
type ConnectionHandler func(c *PeerConnection)

// DataHandler receives every chunk read from c. An empty chunk signals an
// orderly shutdown by the peer. The chunk is only valid during the call.
type DataHandler func(c *PeerConnection, chunk []byte)

// CloseHandler is invoked exactly once when c is closed. err is nil for an
// orderly or local close.
type CloseHandler func(c *PeerConnection, err error)

// Config holds server parameters.
type Config struct {
	OnConnect     ConnectionHandler
	OnData        DataHandler
	OnClose       CloseHandler
	ReadSize      int  // maximum bytes per receive
	InterruptExit bool // register a SIGINT handler voting to exit
	Logger        logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReadSize:      pool.DefaultBufferSize,
		InterruptExit: true,
	}
}

// Option customizes server initialization.
type Option func(*Config)

// WithConnectionHandler sets the accept callback.
func WithConnectionHandler(h ConnectionHandler) Option {
	return func(c *Config) {
		c.OnConnect = h
	}
}

// WithDataHandler sets the receive callback.
func WithDataHandler(h DataHandler) Option {
	return func(c *Config) {
		c.OnData = h
	}
}

// WithCloseHandler sets the close callback.
func WithCloseHandler(h CloseHandler) Option {
	return func(c *Config) {
		c.OnClose = h
	}
}

// WithReadSize sets the maximum number of bytes read per readiness.
func WithReadSize(n int) Option {
	return func(c *Config) {
		c.ReadSize = n
	}
}

// WithInterruptExit controls whether the server votes to exit on SIGINT.
func WithInterruptExit(enabled bool) Option {
	return func(c *Config) {
		c.InterruptExit = enabled
	}
}

// WithLogger overrides the server logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
