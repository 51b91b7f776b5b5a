package server

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// wsTransport carries one message per WebSocket text frame. Frames delimit
// messages, so no newline is appended on send.
type wsTransport struct {
	conn         *websocket.Conn
	addr         string
	writeTimeout time.Duration
	done         chan struct{}
	closeOnce    sync.Once
	logger       *slog.Logger
}

func newWSTransport(conn *websocket.Conn, addr string, cfg Config, logger *slog.Logger) *wsTransport {
	conn.SetReadLimit(cfg.WebSocket.MaxMessageSize)
	t := &wsTransport{
		conn:         conn,
		addr:         addr,
		writeTimeout: cfg.WriteTimeout,
		done:         make(chan struct{}),
		logger:       logger,
	}
	t.setupReadConnection()
	go t.pingLoop()
	return t
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (t *wsTransport) setupReadConnection() {
	if err := t.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		t.logger.Warn("error setting initial read deadline", "addr", t.addr, "error", err)
	}
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// pingLoop keeps the connection alive until Close. WriteControl may run
// concurrently with Send.
func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				if !isExpectedCloseError(err) {
					t.logger.Warn("error writing ping", "addr", t.addr, "error", err)
				}
				return
			}
		}
	}
}

func (t *wsTransport) Next() (string, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !utf8.Valid(data) {
			return "", ErrInvalidUTF8
		}
		return strings.TrimSpace(string(data)), nil
	}
}

func (t *wsTransport) Send(content string) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, []byte(content))
}

// Close sends a best-effort close frame and releases the connection.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() string {
	return t.addr
}
