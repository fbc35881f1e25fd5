// Package heartbeat implements a ticker-driven liveness sweep that
// reaps any WebSocket failing to answer a ping within one interval: an
// active ping/pong probe rather than a passive idle-timer.
package heartbeat

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cmux/display-gateway/internal/registry"
)

// reaper is satisfied by *metrics.Registry.
type reaper interface {
	IncHeartbeatReaped()
}

type noopReaper struct{}

func (noopReaper) IncHeartbeatReaped() {}

// Monitor runs the periodic ping-pong sweep across every connection in
// the registry.
type Monitor struct {
	interval time.Duration
	registry *registry.Registry
	log      zerolog.Logger
	metrics  reaper

	stop chan struct{}
	done chan struct{}
}

// New constructs a Monitor. metrics may be nil.
func New(interval time.Duration, reg *registry.Registry, log zerolog.Logger, metrics reaper) *Monitor {
	if metrics == nil {
		metrics = noopReaper{}
	}
	return &Monitor{
		interval: interval,
		registry: reg,
		log:      log.With().Str("component", "heartbeat").Logger(),
		metrics:  metrics,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, sweeping every interval until Stop is called. Intended to
// be started in its own goroutine by the process entrypoint; the
// lifecycle orchestrator calls Stop during shutdown.
func (m *Monitor) Run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// Stop signals Run to exit and waits for it to finish its current sweep.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) sweep() {
	for _, rec := range m.registry.Snapshot() {
		if rec.WS == nil {
			continue
		}
		if !rec.IsAlive() {
			m.log.Info().Str("connection_id", rec.ID).Str("vm_id", rec.VMID).Msg("heartbeat timeout, terminating connection")
			m.metrics.IncHeartbeatReaped()
			_ = rec.WS.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "heartbeat timeout"),
				time.Now().Add(time.Second))
			_ = rec.WS.Close()
			if rec.TCP != nil {
				_ = rec.TCP.Close()
			}
			continue
		}

		rec.ClearAlive()
		deadline := time.Now().Add(m.interval)
		if err := rec.WS.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			m.log.Debug().Err(err).Str("connection_id", rec.ID).Msg("ping write failed")
		}
	}
}

// InstallPongHandler wires ws's pong handler to mark rec alive and bump
// its activity timestamp: pong replies from the client count as
// activity too.
func InstallPongHandler(ws *websocket.Conn, rec *registry.Record) {
	ws.SetPongHandler(func(string) error {
		rec.MarkAlive()
		rec.Touch()
		return nil
	})
}
