// Package server constructs and starts the WebSocket gateway's HTTP service
// with helpers that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Gateway lets WebSocket peers join the same hub as TCP peers.
type Gateway struct {
	cfg      Config
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
	origins  originPolicy

	httpServer *http.Server
	listener   net.Listener
	ctx        context.Context
	cancel     context.CancelFunc

	mu           sync.Mutex
	shuttingDown bool
	wg           sync.WaitGroup
}

// NewGateway creates a gateway for cfg.WebSocket. It does not bind until
// Start.
func NewGateway(cfg Config, hub *Hub, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "websocket")
	ctx, cancel := context.WithCancel(context.Background())

	g := &Gateway{
		cfg:     cfg,
		hub:     hub,
		logger:  logger,
		origins: newOriginPolicy(cfg.WebSocket.AllowedOrigins, logger),
		ctx:     ctx,
		cancel:  cancel,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.origins.isAllowed(r) {
		return true
	}

	g.logger.Warn("blocked websocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}

// Handler returns the gateway's routes.
func (g *Gateway) Handler() http.Handler {
	return SetupRoutes(g)
}

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Start binds cfg.WebSocket.Addr and serves in the background.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.cfg.WebSocket.Addr)
	if err != nil {
		return fmt.Errorf("websocket gateway listen on %s: %w", g.cfg.WebSocket.Addr, err)
	}
	g.listener = ln
	g.httpServer = CreateServer(ln.Addr().String(), g.Handler())
	g.logger.Info("listening", "addr", ln.Addr().String(), "path", "/ws")

	go func() {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("websocket gateway stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// track registers an upgrade handler with the wait group, or reports false
// once Shutdown has started.
func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shuttingDown {
		return false
	}
	g.wg.Add(1)
	return true
}

// Shutdown stops accepting upgrades, disconnects WebSocket clients and waits
// for them until timeout.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.logger.Info("shutting down websocket gateway")

	g.mu.Lock()
	g.shuttingDown = true
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var shutdownErr error
	if g.httpServer != nil {
		if err := g.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("http shutdown: %w", err)
		}
	}

	g.cancel()
	if err := waitGroupTimeout(ctx, &g.wg); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	return shutdownErr
}
