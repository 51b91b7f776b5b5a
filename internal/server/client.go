// Package server manages individual relay clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the lifecycle phase of a Client.
type State int32

const (
	// StateActive means both pumps are running.
	StateActive State = iota
	// StateClosing means one pump stopped and the client is tearing down.
	StateClosing
	// StateClosed is terminal: transport and subscription are released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Client represents one connected peer. It owns its transport and hub
// subscription exclusively; nothing else reads from or writes to them.
type Client struct {
	id           string
	addr         string
	conn         transport
	hub          *Hub
	sub          *Subscription
	state        atomic.Int32
	notifyMissed bool
	rateLimiter  *rateLimiter
	rateLimit    RateLimitConfig
	logger       *slog.Logger
}

// newClient wires a transport to the hub. sub must have been created
// before the client starts so no message published after accept is lost.
func newClient(conn transport, hub *Hub, sub *Subscription, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	addr := conn.RemoteAddr()

	return &Client{
		id:           id,
		addr:         addr,
		conn:         conn,
		hub:          hub,
		sub:          sub,
		notifyMissed: cfg.NotifyMissed,
		rateLimiter:  newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:    cfg.RateLimit,
		logger:       logger.With("client", id, "addr", addr),
	}
}

// ID returns the client's identity, used as Message.Origin.
func (c *Client) ID() string {
	return c.id
}

// Addr returns the peer's remote address.
func (c *Client) Addr() string {
	return c.addr
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Run drives the client until either pump stops or ctx is cancelled, then
// releases the transport and subscription. It returns once the client is
// Closed.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		c.readPump(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.writePump(ctx)
	}()

	<-ctx.Done()
	c.state.Store(int32(StateClosing))

	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error closing connection", "error", err)
	}
	c.sub.Close()
	wg.Wait()

	c.state.Store(int32(StateClosed))
	c.logger.Info("client disconnected")
}

func (c *Client) readPump(ctx context.Context) {
	for {
		content, err := c.conn.Next()
		if err != nil {
			c.handleReadError(ctx, err)
			return
		}
		if content == "" {
			continue
		}
		if !c.checkRateLimit() {
			continue
		}

		c.logger.Debug("received message", "content", content)
		c.hub.Publish(Message{Origin: c.id, Content: content})
	}
}

// handleReadError logs a read failure at a level matching its cause.
func (c *Client) handleReadError(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
		// Torn down by the write side or by shutdown.
	case errors.Is(err, io.EOF):
		c.logger.Info("client closed connection")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Info("client closed connection", "error", err)
	case errors.Is(err, ErrInvalidUTF8):
		c.logger.Warn("closing connection on undecodable input", "error", err)
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", "error", err)
	case isTimeout(err):
		c.logger.Info("closing idle connection")
	case isExpectedCloseError(err):
		c.logger.Info("connection closed", "error", err)
	default:
		c.logger.Error("read error", "error", err)
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if !c.rateLimiter.allow() {
		c.logger.Warn("rate limit exceeded; discarding message",
			"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

func (c *Client) writePump(ctx context.Context) {
	for {
		msg, err := c.sub.Recv(ctx)
		if err != nil {
			var lagged *LaggedError
			if errors.As(err, &lagged) {
				if !c.handleLag(lagged) {
					return
				}
				continue
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if msg.Origin == c.id {
			continue
		}

		if err := c.conn.Send(msg.Content); err != nil {
			if !isExpectedCloseError(err) {
				c.logger.Error("write error", "error", err)
			}
			return
		}
	}
}

// handleLag reports dropped messages and returns false if the connection
// should be closed.
func (c *Client) handleLag(lagged *LaggedError) bool {
	c.logger.Warn("client fell behind; messages dropped", "missed", lagged.Missed)
	if !c.notifyMissed {
		return true
	}
	if err := c.conn.Send(fmt.Sprintf("*** missed %d messages", lagged.Missed)); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Error("write error", "error", err)
		}
		return false
	}
	return true
}
