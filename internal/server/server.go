// Package server accepts TCP connections and hands each one to its own
// Client, wired to the shared Hub.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server is the TCP connection acceptor.
type Server struct {
	cfg    Config
	hub    *Hub
	logger *slog.Logger

	mu           sync.Mutex
	listener     net.Listener
	shuttingDown bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewServer creates an acceptor for cfg.Addr that attaches every accepted
// connection to hub.
func NewServer(cfg Config, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		hub:    hub,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Listen binds cfg.Addr. A failure here is fatal for the process.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("listening", "addr", ln.Addr().String(), "framing", s.cfg.Framing)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds and then serves until Shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections until Shutdown. Accept failures are logged and
// retried with backoff; they never stop the loop.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("serve called before listen")
	}

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			backoff = nextBackoff(backoff)
			s.logger.Error("accept failed", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		s.handover(conn)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return minAcceptBackoff
	}
	current *= 2
	if current > maxAcceptBackoff {
		current = maxAcceptBackoff
	}
	return current
}

// handover subscribes on behalf of conn and starts its Client without
// waiting on it.
func (s *Server) handover(conn net.Conn) {
	if !s.track() {
		s.logger.Debug("rejecting connection during shutdown", "addr", conn.RemoteAddr().String())
		_ = conn.Close()
		return
	}

	sub, err := s.hub.Subscribe()
	if err != nil {
		s.wg.Done()
		s.logger.Warn("rejecting connection", "addr", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}

	client := newClient(newTCPTransport(conn, s.cfg), s.hub, sub, s.cfg, s.logger)
	s.logger.Info("client connected", "client", client.ID(), "addr", client.Addr())

	go func() {
		defer s.wg.Done()
		client.Run(s.ctx)
	}()
}

// track registers a client handler with the wait group. It fails once
// Shutdown has started, so no Add can race with the final Wait.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	s.wg.Add(1)
	return true
}

// Shutdown closes the listener, disconnects every client and waits for
// their handlers until timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info("shutting down tcp listener")

	s.mu.Lock()
	s.shuttingDown = true
	ln := s.listener
	s.mu.Unlock()

	s.cancel()
	if ln != nil {
		if err := ln.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("error closing listener", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := waitGroupTimeout(ctx, &s.wg); err != nil {
		s.logger.Warn("shutdown timeout reached, some clients may still be running")
		return err
	}
	s.logger.Info("tcp listener shutdown completed")
	return nil
}

// waitGroupTimeout waits for wg or returns ctx.Err() when ctx ends first.
func waitGroupTimeout(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
