// Package server exposes HTTP handlers for the WebSocket gateway: the
// upgrade endpoint and the health check.
package server

import (
	"fmt"
	"net/http"
)

// WebSocketHandler upgrades GET requests to WebSocket and attaches the
// connection to the hub as a new Client.
func (g *Gateway) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if !g.track() {
		http.Error(w, "Server is shutting down.", http.StatusServiceUnavailable)
		return
	}

	// Subscribe before upgrading so nothing published after the handshake
	// is missed.
	sub, err := g.hub.Subscribe()
	if err != nil {
		g.wg.Done()
		http.Error(w, "Server is shutting down.", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		g.wg.Done()
		g.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(newWSTransport(conn, r.RemoteAddr, g.cfg, g.logger), g.hub, sub, g.cfg, g.logger)
	g.logger.Info("websocket client connected", "client", client.ID(), "addr", client.Addr())

	go func() {
		defer g.wg.Done()
		client.Run(g.ctx)
	}()
}

// HealthHandler reports that the relay is up and how many peers are
// subscribed.
func (g *Gateway) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat relay is running! subscribers=%d", g.hub.Len())
}
