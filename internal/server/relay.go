package server

import (
	"errors"
	"log/slog"
	"net"
	"time"
)

// Relay owns the process-wide hub together with the TCP acceptor and, when
// configured, the WebSocket gateway.
type Relay struct {
	cfg     Config
	hub     *Hub
	tcp     *Server
	gateway *Gateway
	logger  *slog.Logger
}

// NewRelay builds every component for cfg without binding anything.
func NewRelay(cfg Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	hub := NewHub(cfg.BufferSize, logger)
	r := &Relay{
		cfg:    cfg,
		hub:    hub,
		tcp:    NewServer(cfg, hub, logger),
		logger: logger,
	}
	if cfg.WebSocket.Addr != "" {
		r.gateway = NewGateway(cfg, hub, logger)
	}
	return r
}

// Start binds every listener and begins serving in the background. Any
// bind failure is returned and leaves nothing running.
func (r *Relay) Start() error {
	if err := r.tcp.Listen(); err != nil {
		return err
	}
	if r.gateway != nil {
		if err := r.gateway.Start(); err != nil {
			_ = r.tcp.Shutdown(time.Second)
			return err
		}
	}

	go func() {
		if err := r.tcp.Serve(); err != nil {
			r.logger.Error("tcp listener stopped", "error", err)
		}
	}()
	return nil
}

// Hub returns the shared hub.
func (r *Relay) Hub() *Hub {
	return r.hub
}

// Addr returns the TCP listener's bound address.
func (r *Relay) Addr() net.Addr {
	return r.tcp.Addr()
}

// WebSocketAddr returns the gateway's bound address, or nil when the
// gateway is disabled.
func (r *Relay) WebSocketAddr() net.Addr {
	if r.gateway == nil {
		return nil
	}
	return r.gateway.Addr()
}

// Shutdown stops both listeners, disconnects all clients and closes the hub.
func (r *Relay) Shutdown(timeout time.Duration) error {
	var errs []error
	if r.gateway != nil {
		errs = append(errs, r.gateway.Shutdown(timeout))
	}
	errs = append(errs, r.tcp.Shutdown(timeout))
	r.hub.Close()
	return errors.Join(errs...)
}
