// Package server defines shared message payload types and utility helpers that
// are reused across client and hub logic.
package server

import (
	"errors"
	"io"
	"net"
	"strings"
)

// Message is one chat line relayed through the hub. It is never mutated
// after Publish.
type Message struct {
	// Origin is the identity of the client that produced the message.
	Origin  string
	Content string
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}

// isTimeout reports whether err is a network deadline expiry.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
