package server_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-relay/internal/server"
	"github.com/Tyrowin/gochat-relay/internal/testhelpers"
)

const testOrigin = "http://localhost:8080"

// startGateway serves the gateway's routes through httptest on the same
// hub as a TCP acceptor.
func startGateway(t *testing.T, cfg server.Config) (*httptest.Server, *server.Server, *server.Hub) {
	t.Helper()
	srv, hub := startServer(t, cfg)
	gateway := server.NewGateway(cfg, hub, quietLogger())
	testServer := httptest.NewServer(gateway.Handler())
	t.Cleanup(func() {
		testServer.Close()
		if err := gateway.Shutdown(2 * time.Second); err != nil {
			t.Errorf("gateway Shutdown() error: %v", err)
		}
	})
	return testServer, srv, hub
}

func dialWebSocket(t *testing.T, testServer *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(testServer.URL), testOrigin)
	if err != nil {
		t.Fatalf("Failed to connect websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSocketAndTCPPeersExchangeMessages(t *testing.T) {
	testServer, srv, hub := startGateway(t, server.DefaultConfig())

	ws := dialWebSocket(t, testServer)
	tcp := testhelpers.DialTCP(t, srv.Addr().String())
	testhelpers.WaitFor(t, 2*time.Second, "both peers to subscribe", func() bool {
		return hub.Len() == 2
	})

	if err := ws.WriteMessage(websocket.TextMessage, []byte("from browser")); err != nil {
		t.Fatalf("websocket write: %v", err)
	}
	tcp.ExpectLine(t, "from browser")

	tcp.Send(t, "from terminal\n")
	got, err := testhelpers.ReceiveText(ws, 2*time.Second)
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	if got != "from terminal" {
		t.Errorf("Expected %q, got %q", "from terminal", got)
	}
}

func TestWebSocketSenderNotEchoed(t *testing.T) {
	testServer, _, hub := startGateway(t, server.DefaultConfig())

	a := dialWebSocket(t, testServer)
	b := dialWebSocket(t, testServer)
	testhelpers.WaitFor(t, 2*time.Second, "both peers to subscribe", func() bool {
		return hub.Len() == 2
	})

	if err := a.WriteMessage(websocket.TextMessage, []byte("Self message")); err != nil {
		t.Fatalf("websocket write: %v", err)
	}
	if got, err := testhelpers.ReceiveText(b, 2*time.Second); err != nil || got != "Self message" {
		t.Fatalf("Expected peer to receive message, got %q (err=%v)", got, err)
	}
	if got, err := testhelpers.ReceiveText(a, 200*time.Millisecond); err == nil {
		t.Errorf("Expected no echo to sender, got %q", got)
	}
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	testServer, _, hub := startGateway(t, server.DefaultConfig())

	_, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(testServer.URL), "http://evil.example")
	if err == nil {
		t.Fatal("Expected handshake to fail for disallowed origin")
	}
	if !strings.Contains(err.Error(), "bad handshake") {
		t.Errorf("Expected bad handshake, got %v", err)
	}

	_, err = testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(testServer.URL), "")
	if err == nil {
		t.Fatal("Expected handshake to fail without Origin header")
	}

	testhelpers.WaitFor(t, time.Second, "rejected upgrades to release subscriptions", func() bool {
		return hub.Len() == 0
	})
}

func TestWebSocketAllowAllOrigins(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.WebSocket.AllowedOrigins = []string{"*"}
	testServer, _, _ := startGateway(t, cfg)

	conn, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(testServer.URL), "https://anywhere.example")
	if err != nil {
		t.Fatalf("Expected wildcard origin to be accepted: %v", err)
	}
	_ = conn.Close()
}

func TestWebSocketMethodNotAllowed(t *testing.T) {
	testServer, _, _ := startGateway(t, server.DefaultConfig())

	resp, err := http.Post(testServer.URL+"/ws", "text/plain", strings.NewReader("hi"))
	if err != nil {
		t.Fatalf("POST /ws: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status %d, got %d", http.StatusMethodNotAllowed, resp.StatusCode)
	}
}

func TestWebSocketOversizedMessageClosesConnection(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.WebSocket.MaxMessageSize = 16
	testServer, _, hub := startGateway(t, cfg)

	conn := dialWebSocket(t, testServer)
	testhelpers.WaitFor(t, 2*time.Second, "peer to subscribe", func() bool {
		return hub.Len() == 1
	})

	if err := conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 64))); err != nil {
		t.Fatalf("websocket write: %v", err)
	}
	testhelpers.WaitFor(t, 2*time.Second, "oversized peer to be dropped", func() bool {
		return hub.Len() == 0
	})
}

func TestHealthHandler(t *testing.T) {
	testServer, _, _ := startGateway(t, server.DefaultConfig())

	resp, err := http.Get(testServer.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Expected content type text/plain, got %s", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "subscribers=0") {
		t.Errorf("Unexpected health body %q", body)
	}

	notFound, err := http.Get(testServer.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	notFound.Body.Close()
	if notFound.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown path, got %d", notFound.StatusCode)
	}
}

func TestGatewayRejectsUpgradesAfterShutdown(t *testing.T) {
	hub := server.NewHub(0, quietLogger())
	gateway := server.NewGateway(server.DefaultConfig(), hub, quietLogger())
	testServer := httptest.NewServer(gateway.Handler())
	defer testServer.Close()

	if err := gateway.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	_, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(testServer.URL), testOrigin)
	if err == nil {
		t.Fatal("Expected handshake to fail after shutdown")
	}
	if hub.Len() != 0 {
		t.Errorf("Expected no subscriptions, got %d", hub.Len())
	}
}

func TestGatewayShutdownWhileClientsConnect(t *testing.T) {
	hub := server.NewHub(0, quietLogger())
	gateway := server.NewGateway(server.DefaultConfig(), hub, quietLogger())
	testServer := httptest.NewServer(gateway.Handler())
	defer testServer.Close()
	url := testhelpers.WebSocketURL(testServer.URL)

	stop := make(chan struct{})
	var upgraded atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				conn, err := testhelpers.ConnectWebSocket(url, testOrigin)
				if err != nil {
					continue
				}
				upgraded.Add(1)
				_ = conn.Close()
			}
		}()
	}

	testhelpers.WaitFor(t, 2*time.Second, "upgrades to arrive", func() bool {
		return upgraded.Load() >= 16
	})
	if err := gateway.Shutdown(2 * time.Second); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
	if n := hub.Len(); n != 0 {
		t.Errorf("Expected no subscriptions after shutdown, got %d", n)
	}
	close(stop)
	wg.Wait()
}
