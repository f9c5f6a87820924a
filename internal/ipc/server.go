// Package ipc serves the framed socket protocol used by submitters and
// display listeners.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
)

// Admitter accepts text requests. *pipeline.Service satisfies it.
type Admitter interface {
	Admit(req pipeline.Request) (*pipeline.Ticket, error)
}

type Server struct {
	cfg          config.IPCConfig
	writeTimeout time.Duration
	manager      *Manager
	pipeline     Admitter
	logger       *slog.Logger
	onShutdown   func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	serving  bool
}

// NewServer creates a server. onShutdown runs when a client is allowed to
// request a service stop; it may be nil.
func NewServer(parent context.Context, cfg config.IPCConfig, dispatcherCfg config.DispatcherConfig, manager *Manager, admitter Admitter, logger *slog.Logger, onShutdown func()) *Server {
	ctx, cancel := context.WithCancel(parent)
	return &Server{
		cfg:          cfg,
		writeTimeout: time.Duration(dispatcherCfg.WriteTimeoutMS) * time.Millisecond,
		manager:      manager,
		pipeline:     admitter,
		logger:       logger.With(slog.String("component", "ipc")),
		onShutdown:   onShutdown,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start binds the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("ipc listening", slog.String("network", ln.Addr().Network()), slog.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(s.ctx, ln); err != nil {
			s.logger.Error("ipc server stopped", slogError(err))
		}
	}()
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	network := s.cfg.Network
	if network == "" {
		network = "tcp"
	}
	addr := s.cfg.Address()
	if network == "unix" {
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	return ln, nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on ln until ctx ends or ln is closed. Every
// accepted connection is tracked before any of its frames is read.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.serving = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.serving = false
		s.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Transient failures such as EMFILE must not end ingress.
			backoff = nextBackoff(backoff)
			s.logger.Warn("accept failed, retrying", slog.Duration("backoff", backoff), slogError(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		c := newConn(ctx, nc, s)
		s.manager.Track(c, c.remote)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Server) requestShutdown() {
	if s.onShutdown != nil {
		go s.onShutdown()
	}
}

// Close stops accepting, closes every connection and waits for their goroutines.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.manager.CloseAll(errServerClosed)
	s.wg.Wait()
	if s.cfg.Network == "unix" && ln != nil {
		_ = os.Remove(s.cfg.Address())
	}
}

func (s *Server) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serving
}
