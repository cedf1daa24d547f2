//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"errors"
	"strconv"
	"syscall"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/microloop/api"
	"github.com/momentics/microloop/control"
	"github.com/momentics/microloop/core/eventloop"
	"github.com/momentics/microloop/internal/log"
	"github.com/momentics/microloop/pool"
)

// Server accepts TCP connections on a loop and tracks them by descriptor.
// Its methods must be called on the reactor thread.
type Server struct {
	loop     *eventloop.Loop
	cfg      *Config
	log      logrus.FieldLogger
	port     int
	acceptor *acceptSource
	conns    map[int]*PeerConnection
	buffers  *pool.BytePool
	metrics  *control.MetricsRegistry
	unsig    func()
	closed   bool
}

// NewServer binds port on the wildcard address and starts accepting
// connections through loop. Port 0 selects an ephemeral port.
func NewServer(loop *eventloop.Loop, port int, opts ...Option) (*Server, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if port < 0 || port > 65535 {
		return nil, api.NewError(api.ErrCodeConfiguration, "port out of range").WithContext("port", port)
	}
	if cfg.ReadSize <= 0 {
		return nil, api.NewError(api.ErrCodeConfiguration, "read size must be positive").WithContext("read_size", cfg.ReadSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = loop.Logger()
	}

	fd, err := listenPassive(port)
	if err != nil {
		return nil, err
	}
	bound, err := boundPort(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	s := &Server{
		loop:    loop,
		cfg:     cfg,
		log:     log.OrDefault(cfg.Logger, "tcp").WithField("port", bound),
		port:    bound,
		conns:   make(map[int]*PeerConnection),
		buffers: pool.NewBytePool(cfg.ReadSize),
		metrics: control.NewMetricsRegistry(),
	}
	s.acceptor = &acceptSource{server: s, fd: fd}
	if err := loop.Add(s.acceptor); err != nil {
		return nil, err
	}
	if cfg.InterruptExit {
		s.unsig, err = loop.RegisterSignalHandler(syscall.SIGINT, func(syscall.Signal) bool {
			s.log.Info("interrupt received")
			return true
		})
		if err != nil {
			loop.RemoveSource(s.acceptor)
			return nil, err
		}
	}
	loop.Probes().Register(s.probeName(), func() any { return s.Stats() })
	s.log.Info("listening")
	return s, nil
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.port
}

// Conn returns the connection whose socket is fd.
func (s *Server) Conn(fd int) (*PeerConnection, bool) {
	c, ok := s.conns[fd]
	return c, ok
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	return len(s.conns)
}

// Stats returns connection and traffic counters.
func (s *Server) Stats() map[string]any {
	s.metrics.Set("connections", len(s.conns))
	return s.metrics.GetSnapshot()
}

// Close closes every connection and stops accepting. Idempotent.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.loop.Probes().Unregister(s.probeName())
	if s.unsig != nil {
		s.unsig()
	}
	for _, c := range s.conns {
		c.close(nil)
	}
	if !s.loop.RemoveSource(s.acceptor) {
		return s.acceptor.Close()
	}
	s.log.Info("server closed")
	return nil
}

func (s *Server) probeName() string {
	return "tcp." + strconv.Itoa(s.port)
}

func (s *Server) adopt(fd int, sa unix.Sockaddr) {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		s.log.WithError(err).Debug("TCP_NODELAY not applied")
	}
	c := &PeerConnection{
		server: s,
		fd:     fd,
		addr:   toAddrPort(sa),
		outbox: queue.New(),
	}
	c.recv = &receiveSource{conn: c, fd: fd}
	if err := s.loop.Add(c.recv); err != nil {
		if errors.Is(err, api.ErrAlreadyRegistered) {
			// Add leaves the handle to its current owner
			unix.Close(fd)
		}
		s.log.WithError(err).WithField("peer", c.String()).Warn("connection dropped")
		return
	}
	s.conns[fd] = c
	s.metrics.Add("accepted", 1)
	s.log.WithField("peer", c.String()).Debug("connection accepted")
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(c)
	}
}
