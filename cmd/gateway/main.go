// Command gateway runs the WebSocket<->TCP display gateway: it upgrades
// browser clients to a WebSocket, authenticates and resolves them to an
// upstream VNC or SPICE host, dials that host, and splices bytes in both
// directions until either side disconnects.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/cmux/display-gateway/internal/admission"
	"github.com/cmux/display-gateway/internal/auth"
	"github.com/cmux/display-gateway/internal/config"
	"github.com/cmux/display-gateway/internal/dial"
	"github.com/cmux/display-gateway/internal/dispatcher"
	"github.com/cmux/display-gateway/internal/heartbeat"
	"github.com/cmux/display-gateway/internal/lifecycle"
	"github.com/cmux/display-gateway/internal/metrics"
	"github.com/cmux/display-gateway/internal/registry"
	"github.com/cmux/display-gateway/internal/resolver"
	"github.com/cmux/display-gateway/internal/session"
	"github.com/cmux/display-gateway/internal/splice"
	"github.com/cmux/display-gateway/internal/upstream"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file (overlaid with GATEWAY_* env vars)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootstrapLog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
		bootstrapLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := newLogger(cfg.LogLevel)
	log.Info().Str("listen_addr", cfg.ListenAddr).Msg("starting display gateway")

	m := metrics.New(prometheus.DefaultRegisterer)

	reg := registry.New(m)
	sessions := session.New()
	upstreamClient := upstream.New(cfg.UpstreamBaseURL, cfg.UpstreamTimeout)
	res := resolver.New(sessions, upstreamClient)
	verifier := auth.NewJWTVerifier(cfg.JWTSigningKey)

	adm, err := admission.New(cfg.GlobalMax, cfg.PerVMMax, reg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid admission configuration")
	}

	dialer := dial.New(dial.Config{
		ConnectionTimeout:        cfg.ConnectionTimeout,
		MaxRetries:               cfg.MaxRetries,
		RetryDelay:               cfg.RetryDelay,
		RetryBackoffMultiplier:   cfg.RetryBackoffMultiplier,
		TCPKeepaliveEnable:       cfg.TCPKeepaliveEnable,
		TCPKeepaliveInitialDelay: cfg.TCPKeepaliveInitialDelay,
	})

	hb := heartbeat.New(cfg.HeartbeatInterval, reg, log, m)
	go hb.Run()

	spliceCfg := splice.Config{
		BufferMaxSize:           cfg.BufferMaxSize,
		AllowLegacyTextFallback: cfg.AllowLegacyTextFallback,
	}

	// server and orchestrator are constructed before the dispatcher since
	// the dispatcher needs the orchestrator (to trigger shutdown on a
	// recovered panic) and the orchestrator needs the server; the
	// server's handler is filled in once the dispatcher exists.
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	orchestrator := lifecycle.New(server, reg, hb, sessions, cfg.ShutdownDeadline, log)

	disp := dispatcher.New(verifier, res, adm, dialer, reg, m, spliceCfg, orchestrator, log)
	server.Handler = disp.Router()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := orchestrator.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server exited")
	}

	log.Info().Msg("shutdown complete")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "display-gateway").
		Logger()
}
