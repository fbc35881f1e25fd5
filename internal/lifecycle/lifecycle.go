// Package lifecycle implements the process-level startup/shutdown
// driver: a signal.NotifyContext + srv.Shutdown pattern, extended with
// the registry/session/heartbeat teardown a stateful gateway needs on
// top of a bare HTTP server stop.
package lifecycle

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cmux/display-gateway/internal/heartbeat"
	"github.com/cmux/display-gateway/internal/registry"
	"github.com/cmux/display-gateway/internal/session"
)

// Orchestrator drives the gateway's graceful shutdown sequence: stop the
// heartbeat monitor, close every live connection with 1001, clear the
// session store, then stop accepting new HTTP connections, all bounded
// by a hard deadline.
type Orchestrator struct {
	server    *http.Server
	registry  *registry.Registry
	heartbeat *heartbeat.Monitor
	sessions  *session.Store
	deadline  time.Duration
	log       zerolog.Logger

	shutdownCh chan string
}

// New constructs an Orchestrator. heartbeat may be nil if no monitor is
// running.
func New(server *http.Server, reg *registry.Registry, hb *heartbeat.Monitor, sessions *session.Store, deadline time.Duration, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		server:     server,
		registry:   reg,
		heartbeat:  hb,
		sessions:   sessions,
		deadline:   deadline,
		log:        log.With().Str("component", "lifecycle").Logger(),
		shutdownCh: make(chan string, 1),
	}
}

// TriggerShutdown requests the same graceful-shutdown path a termination
// signal would take. Intended for use from panic recovery in a request
// goroutine. Safe to call more than once; only the first call has an
// effect.
func (o *Orchestrator) TriggerShutdown(reason string) {
	select {
	case o.shutdownCh <- reason:
	default:
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled (normally
// by signal.NotifyContext in the entrypoint), a shutdown is triggered, or
// the server itself fails to start. It then runs the shutdown sequence
// and returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		o.log.Info().Str("addr", o.server.Addr).Msg("listening")
		err := o.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case reason := <-o.shutdownCh:
		o.log.Warn().Str("reason", reason).Msg("shutdown triggered")
	case <-ctx.Done():
		o.log.Info().Msg("termination signal received")
	}

	return o.Shutdown(context.Background())
}

// Shutdown stops the heartbeat ticker, closes every registered
// connection with 1001 and a TCP half-close, clears the session store,
// then stops the HTTP server — bounded by the configured deadline. If
// the sequence stalls past the deadline the process is forced to exit
// rather than hang indefinitely.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	var shutdownErr error

	go func() {
		defer close(done)

		if o.heartbeat != nil {
			o.heartbeat.Stop()
		}

		for _, rec := range o.registry.Snapshot() {
			o.closeConnection(rec)
		}

		o.sessions.Clear()

		shutdownCtx, cancel := context.WithTimeout(ctx, o.deadline)
		defer cancel()
		if err := o.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			shutdownErr = err
		}
	}()

	select {
	case <-done:
		if shutdownErr != nil {
			o.log.Error().Err(shutdownErr).Msg("graceful shutdown failed")
		} else {
			o.log.Info().Msg("shutdown complete")
		}
		return shutdownErr
	case <-time.After(o.deadline):
		o.log.Error().Msg("shutdown deadline exceeded, forcing exit")
		os.Exit(1)
		return nil // unreachable
	}
}

func (o *Orchestrator) closeConnection(rec *registry.Record) {
	if rec.WS != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = rec.WS.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = rec.WS.Close()
	}
	if tc, ok := rec.TCP.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	if rec.TCP != nil {
		_ = rec.TCP.Close()
	}
}
