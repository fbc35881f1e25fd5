// Package dispatcher implements the HTTP/WebSocket surface that drives
// every other component through one connection's lifetime: the full
// auth -> resolve -> admit -> dial -> splice pipeline, routed with
// gorilla/mux instead of a single catch-all handler.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cmux/display-gateway/internal/admission"
	"github.com/cmux/display-gateway/internal/auth"
	"github.com/cmux/display-gateway/internal/dial"
	"github.com/cmux/display-gateway/internal/heartbeat"
	"github.com/cmux/display-gateway/internal/metrics"
	"github.com/cmux/display-gateway/internal/registry"
	"github.com/cmux/display-gateway/internal/resolver"
	"github.com/cmux/display-gateway/internal/splice"
)

// shutdownTrigger is satisfied by *lifecycle.Orchestrator; declared
// narrowly here to avoid an import cycle between dispatcher and
// lifecycle. A request handler that recovers from a panic calls
// TriggerShutdown so it drives the same graceful-shutdown path a
// termination signal would.
type shutdownTrigger interface {
	TriggerShutdown(reason string)
}

// noopShutdownTrigger satisfies shutdownTrigger when the caller wires no
// orchestrator (e.g. in tests that don't exercise panic recovery).
type noopShutdownTrigger struct{}

func (noopShutdownTrigger) TriggerShutdown(string) {}

// Dispatcher wires components C, A, D, E, F and H together behind an HTTP
// surface.
type Dispatcher struct {
	verifier  auth.Verifier
	resolver  resolver.Resolver
	admission *admission.Controller
	dialer    *dial.Engine
	registry  *registry.Registry
	metrics   *metrics.Registry
	spliceCfg splice.Config
	upgrader  websocket.Upgrader
	shutdown  shutdownTrigger
	log       zerolog.Logger
}

// New constructs a Dispatcher. metrics may be nil. shutdown may be nil;
// pass the process's *lifecycle.Orchestrator so a recovered panic in a
// connection handler triggers graceful shutdown instead of only killing
// that one goroutine.
func New(
	verifier auth.Verifier,
	res resolver.Resolver,
	adm *admission.Controller,
	dialer *dial.Engine,
	reg *registry.Registry,
	m *metrics.Registry,
	spliceCfg splice.Config,
	shutdown shutdownTrigger,
	log zerolog.Logger,
) *Dispatcher {
	if shutdown == nil {
		shutdown = noopShutdownTrigger{}
	}
	return &Dispatcher{
		verifier:  verifier,
		resolver:  res,
		admission: adm,
		dialer:    dialer,
		registry:  reg,
		metrics:   m,
		spliceCfg: spliceCfg,
		shutdown:  shutdown,
		log:       log.With().Str("component", "dispatcher").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Subprotocols is deliberately left nil: negotiateSubprotocolHeader
			// computes the response value itself (binary when offered,
			// else the client's first offered protocol, else none) and
			// passes it through Upgrade's responseHeader, since gorilla's
			// own Subprotocols-driven negotiation can only ever pick a
			// protocol from a fixed server-side whitelist.
			// The gateway sits behind an authenticating edge; origin
			// checking is a deployment-time concern, not this component's.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gateway's HTTP surface: the two upgrade endpoints,
// liveness, and Prometheus exposition. A request whose path matches
// neither pattern is upgraded anyway and immediately closed with 1002.
func (d *Dispatcher) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/vnc/{vmId}", d.handle(resolver.ProtocolVNC))
	r.HandleFunc("/spice/{vmId}", d.handle(resolver.ProtocolSPICE))
	r.HandleFunc("/health", d.health)
	r.Handle("/metrics", promhttp.Handler())
	r.NotFoundHandler = http.HandlerFunc(d.rejectUnmatchedPath)
	return r
}

func (d *Dispatcher) rejectUnmatchedPath(w http.ResponseWriter, r *http.Request) {
	ws, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	closeWith(ws, websocket.CloseProtocolError, "unrecognized path")
	_ = ws.Close()
}

func (d *Dispatcher) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":            "ok",
		"activeConnections": d.registry.TotalCount(),
	})
}

// handle drives one protocol's upgrade through the full pipeline. Path
// and vm-id validation happen immediately around the upgrade; the
// buffering reader and the auth/resolve/admit/dial sequence are unified
// into one splice.Connect call, so the buffering reader that Connect
// starts runs for the entire pipeline, not just the TCP dial. The
// splice is installed and the connection registered once Connect
// returns a live upstream connection.
func (d *Dispatcher) handle(proto resolver.Protocol) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vmID := mux.Vars(r)["vmId"]
		requestID := uuid.NewString()
		log := d.log.With().Str("request_id", requestID).Logger()

		defer func() {
			if p := recover(); p != nil {
				log.Error().Interface("panic", p).Str("vm_id", vmID).Msg("recovered panic in connection handler")
				d.shutdown.TriggerShutdown(fmt.Sprintf("panic in connection handler: %v", p))
			}
		}()

		ws, err := d.upgrader.Upgrade(w, r, negotiateSubprotocolHeader(r))
		if err != nil {
			log.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}

		if vmID == "" {
			closeWith(ws, websocket.CloseProtocolError, "missing vm id")
			_ = ws.Close()
			return
		}

		// A nil *metrics.Registry must reach splice.New as an untyped nil,
		// or splice's own nil check cannot see it.
		var sp *splice.Splice
		if d.metrics != nil {
			sp = splice.New(ws, d.spliceCfg, log, d.metrics)
		} else {
			sp = splice.New(ws, d.spliceCfg, log, nil)
		}

		var rec *registry.Record
		var admitted bool
		tcp, err := sp.Connect(r.Context(), d.connectUpstream(r, ws, vmID, proto, &rec, &admitted))
		if err != nil {
			if admitted {
				d.admission.Release(vmID)
			}
			d.logFailure(log, vmID, err)
			code := closeCodeFor(err)
			writeErrorFrame(ws, errorFrameMessage(err))
			closeWith(ws, code, wsReason(code))
			_ = ws.Close()
			return
		}

		d.registry.Register(rec)
		d.admission.Release(vmID)
		heartbeat.InstallPongHandler(ws, rec)
		defer d.registry.Unregister(rec.ID)

		if err := sp.Run(r.Context(), tcp, rec); err != nil {
			log.Error().Err(err).Str("connection_id", rec.ID).Str("vm_id", vmID).Msg("connection terminated with a transport error")
		}
	}
}

// connectUpstream builds the dial function passed to splice.Connect: it
// runs auth, resolve, admission and dial in order, populating *rec with a
// fresh Record once all four succeed. *admitted is set as soon as Admit
// succeeds so the caller knows to Release the reservation itself — the
// reservation must stay held until the connection is either registered
// or abandoned, which happens back in handle, not here.
func (d *Dispatcher) connectUpstream(r *http.Request, ws *websocket.Conn, vmID string, proto resolver.Protocol, rec **registry.Record, admitted *bool) func(context.Context) (net.Conn, error) {
	return func(ctx context.Context) (net.Conn, error) {
		claim, err := d.verifier.Verify(r)
		if err != nil {
			return nil, &authFailure{err: err}
		}

		target, err := d.resolver.Resolve(ctx, claim, vmID, proto)
		if err != nil {
			return nil, &resolverFailure{err: err}
		}

		connID, err := d.admission.Admit(vmID)
		if err != nil {
			return nil, &admissionFailure{err: err}
		}
		*admitted = true

		addr := fmt.Sprintf("%s:%d", target.Host, target.Port)
		conn, err := d.dialer.Dial(ctx, addr)
		if err != nil {
			if d.metrics != nil {
				d.metrics.IncDialFailure()
			}
			return nil, &dialFailure{err: err}
		}

		*rec = registry.NewRecord(connID, vmID, registryProtocol(proto), addr, r.RemoteAddr, ws, conn)
		return conn, nil
	}
}

func (d *Dispatcher) logFailure(log zerolog.Logger, vmID string, err error) {
	var af *authFailure
	var adf *admissionFailure
	var rf *resolverFailure
	var df *dialFailure

	switch {
	case errors.As(err, &af):
		log.Info().Err(err).Str("vm_id", vmID).Msg("auth failure")
	case errors.As(err, &adf):
		if d.metrics != nil {
			d.metrics.IncAdmissionRejection(admissionReason(err))
		}
		log.Info().Err(err).Str("vm_id", vmID).Msg("admission failure")
	case errors.As(err, &rf):
		log.Warn().Err(err).Str("vm_id", vmID).Msg("resolver failure")
	case errors.As(err, &df):
		log.Error().Err(err).Str("vm_id", vmID).Msg("dial failure")
	default:
		log.Error().Err(err).Str("vm_id", vmID).Msg("connection setup failed")
	}
}

func admissionReason(err error) string {
	var capErr *admission.CapExceededError
	if errors.As(err, &capErr) {
		return capErr.Reason
	}
	return "unknown"
}

func registryProtocol(proto resolver.Protocol) registry.Protocol {
	if proto == resolver.ProtocolSPICE {
		return registry.ProtocolSPICE
	}
	return registry.ProtocolVNC
}

// negotiateSubprotocolHeader implements §4.I step 4: accept "binary"
// when the client offers it, otherwise accept the first protocol the
// client offered, otherwise negotiate none. Returns a header carrying
// Sec-WebSocket-Protocol for Upgrade's responseHeader argument, or nil
// when nothing was offered. gorilla's own Upgrader.Subprotocols field
// can only select from a fixed server-side whitelist, which can't
// express the "otherwise accept whatever the client offered" branch, so
// this is computed by hand instead.
func negotiateSubprotocolHeader(r *http.Request) http.Header {
	offered := websocket.Subprotocols(r)
	if len(offered) == 0 {
		return nil
	}

	chosen := offered[0]
	for _, p := range offered {
		if p == "binary" {
			chosen = "binary"
			break
		}
	}

	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", chosen)
	return header
}

func writeErrorFrame(ws *websocket.Conn, message string) {
	payload, err := json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{Type: "error", Message: message})
	if err != nil {
		return
	}
	_ = ws.WriteMessage(websocket.TextMessage, payload)
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func wsReason(code int) string {
	switch code {
	case websocket.CloseProtocolError:
		return "protocol error"
	case websocket.ClosePolicyViolation:
		return "policy violation"
	default:
		return "internal error"
	}
}
