// Package server wires HTTP handlers into a ServeMux for the WebSocket
// gateway via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with the gateway's
// routes: the health check and the WebSocket endpoint.
func SetupRoutes(g *Gateway) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.HealthHandler)
	mux.HandleFunc("/ws", g.WebSocketHandler)
	return mux
}
