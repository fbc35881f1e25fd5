// Package dial implements bounded retries with exponential backoff
// against a flaky upstream display server, then socket-option tuning
// once the connection is live. The backoff math is handed off to
// github.com/jpillora/backoff.
package dial

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jpillora/backoff"
)

// Config mirrors the dial engine's tuning knobs.
type Config struct {
	ConnectionTimeout        time.Duration
	MaxRetries               int
	RetryDelay               time.Duration
	RetryBackoffMultiplier   float64
	TCPKeepaliveEnable       bool
	TCPKeepaliveInitialDelay time.Duration
}

// Engine dials a target with bounded retries.
type Engine struct {
	cfg Config
}

// New constructs an Engine from cfg.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Dial attempts to connect to addr up to cfg.MaxRetries+1 times, sleeping
// retryDelay * multiplier^(attempt-1) between failures. On success the
// connect deadline is cleared and keepalive/nodelay socket options are
// applied; on exhaustion the last error is returned.
func (e *Engine) Dial(ctx context.Context, addr string) (net.Conn, error) {
	b := &backoff.Backoff{
		Min:    e.cfg.RetryDelay,
		Factor: e.cfg.RetryBackoffMultiplier,
		Jitter: false,
	}

	var lastErr error
	attempts := e.cfg.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectionTimeout)
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
		cancel()

		if err == nil {
			e.tune(conn)
			return conn, nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}

	return nil, fmt.Errorf("dial: exhausted %d attempt(s) to %s: %w", attempts, addr, lastErr)
}

// tune clears any connect deadline and applies keepalive with the
// configured initial delay, and disables Nagle for low-latency
// interactivity.
func (e *Engine) tune(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetDeadline(time.Time{})
		if e.cfg.TCPKeepaliveEnable {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(e.cfg.TCPKeepaliveInitialDelay)
		}
		_ = tcp.SetNoDelay(true)
	}
}
