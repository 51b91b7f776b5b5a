// Package testhelpers provides common utilities and helper functions for testing the relay.
//
// It offers helpers for dialing TCP and WebSocket peers, reading lines with
// deadlines and asserting silence, to reduce duplication across test files.
package testhelpers

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Peer is a TCP chat client used by tests.
type Peer struct {
	Conn   net.Conn
	reader *bufio.Reader
}

// DialTCP connects to addr and fails the test on error. The connection is
// closed on test cleanup.
func DialTCP(t *testing.T, addr string) *Peer {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &Peer{Conn: conn, reader: bufio.NewReader(conn)}
}

// Send writes raw text to the peer's connection.
func (p *Peer) Send(t *testing.T, text string) {
	t.Helper()
	if _, err := p.Conn.Write([]byte(text)); err != nil {
		t.Fatalf("Failed to send %q: %v", text, err)
	}
}

// ReadLine reads one newline-terminated line, including the newline,
// within timeout.
func (p *Peer) ReadLine(timeout time.Duration) (string, error) {
	if err := p.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	return p.reader.ReadString('\n')
}

// ExpectLine fails the test unless the next line equals want (without the
// trailing newline).
func (p *Peer) ExpectLine(t *testing.T, want string) {
	t.Helper()
	line, err := p.ReadLine(2 * time.Second)
	if err != nil {
		t.Fatalf("Expected line %q, got error: %v", want, err)
	}
	if line != want+"\n" {
		t.Fatalf("Expected line %q, got %q", want+"\n", line)
	}
}

// ExpectNoLine fails the test if any data arrives within wait.
func (p *Peer) ExpectNoLine(t *testing.T, wait time.Duration) {
	t.Helper()
	line, err := p.ReadLine(wait)
	if err == nil || line != "" {
		t.Fatalf("Expected no message, got %q (err=%v)", line, err)
	}
	if !IsTimeout(err) {
		t.Fatalf("Expected read timeout, got %v", err)
	}
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// ConnectWebSocket creates a WebSocket connection to the specified URL with
// the given Origin header.
func ConnectWebSocket(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// ReceiveText reads one text frame within timeout.
func ReceiveText(conn *websocket.Conn, timeout time.Duration) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	_, data, err := conn.ReadMessage()
	return string(data), err
}

// WebSocketURL converts an http:// test server URL into its ws:// endpoint.
func WebSocketURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}
