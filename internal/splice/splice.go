// Package splice owns a connection's WebSocket for its entire life and
// drives its Buffering -> Streaming -> Closed progression: a single
// long-lived reader goroutine whose downstream handling — buffer vs.
// forward — changes based on dial state, so buffering and streaming
// share one reader instead of handing a second one off mid-flight.
package splice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cmux/display-gateway/internal/registry"
)

// Config holds the splice-relevant tuning knobs.
type Config struct {
	BufferMaxSize           int
	AllowLegacyTextFallback bool
}

// bytesSink is satisfied by *metrics.Registry, kept local to avoid an
// import cycle between splice and metrics.
type bytesSink interface {
	AddBytes(direction string, n int)
}

type noopBytesSink struct{}

func (noopBytesSink) AddBytes(string, int) {}

// ErrBufferOverflow is returned by Connect when the client sends more
// than cfg.BufferMaxSize bytes of payload before the upstream dial
// completes; overflow transitions straight to Closed.
var ErrBufferOverflow = errors.New("splice: buffered frame total exceeds bufferMaxSize")

type wsFrame struct {
	msgType int
	payload []byte
}

// wsEvent is what the reader goroutine hands to whichever phase
// (buffering or streaming) is currently consuming it.
type wsEvent struct {
	frame wsFrame
	err   error
}

type dialOutcome struct {
	conn net.Conn
	err  error
}

type pumpResult struct {
	side string // "client" or "server"
	err  error  // nil means a clean closure
}

// Splice drives one connection's byte pump across both directions plus
// the pre-dial buffering window. A Splice is used exactly once: Connect
// followed by Run.
type Splice struct {
	ws      *websocket.Conn
	cfg     Config
	log     zerolog.Logger
	metrics bytesSink

	eventCh chan wsEvent

	// writeMu serializes every WriteMessage call against ws: gorilla's
	// websocket.Conn permits only one concurrent writer, and both pump
	// directions (the server->client data pump and the client->server
	// pump's in-band control replies) write to it.
	writeMu sync.Mutex
}

// New constructs a Splice bound to an already-upgraded WebSocket. metrics
// may be nil.
func New(ws *websocket.Conn, cfg Config, log zerolog.Logger, metrics bytesSink) *Splice {
	if metrics == nil {
		metrics = noopBytesSink{}
	}
	return &Splice{
		ws:      ws,
		cfg:     cfg,
		log:     log.With().Str("component", "splice").Logger(),
		metrics: metrics,
		eventCh: make(chan wsEvent, 1),
	}
}

// Connect starts the single WebSocket reader goroutine that will live for
// the whole connection, buffers every inbound frame destined for TCP
// while dial runs concurrently, and flushes the buffer to the new
// connection in arrival order once dial succeeds. Control messages
// (ping/resize/quality/clipboard/unknown) are handled as they arrive and
// are never buffered. On dial failure, context cancellation, or
// bufferMaxSize overflow, the buffer is discarded and an error is
// returned, but ws itself is left open: the dispatcher is the single
// place that issues WebSocket close codes (it writes a best-effort error
// frame first), so Connect must never close ws on its own failure paths.
// The caller must not call Run when Connect returns an error.
func (s *Splice) Connect(ctx context.Context, dial func(context.Context) (net.Conn, error)) (net.Conn, error) {
	go s.readLoop()

	dialDone := make(chan dialOutcome, 1)
	go func() {
		conn, err := dial(ctx)
		dialDone <- dialOutcome{conn: conn, err: err}
	}()

	var buffer [][]byte
	bufSize := 0

	for {
		select {
		case <-ctx.Done():
			closeWhenDialed(dialDone)
			return nil, ctx.Err()

		case res := <-dialDone:
			if res.err != nil {
				return nil, fmt.Errorf("splice: upstream dial failed: %w", res.err)
			}
			for _, payload := range buffer {
				if _, err := res.conn.Write(payload); err != nil {
					_ = res.conn.Close()
					return nil, fmt.Errorf("splice: flushing buffered frame: %w", err)
				}
				s.metrics.AddBytes("client_to_server", len(payload))
			}
			return res.conn, nil

		case ev := <-s.eventCh:
			if ev.err != nil {
				closeWhenDialed(dialDone)
				return nil, fmt.Errorf("splice: websocket closed before dial completed: %w", ev.err)
			}
			forward, payload := s.classifyAndRoute(ev.frame)
			if !forward {
				continue
			}
			bufSize += len(payload)
			if bufSize > s.cfg.BufferMaxSize {
				closeWhenDialed(dialDone)
				return nil, ErrBufferOverflow
			}
			buffer = append(buffer, payload)
		}
	}
}

// writeMessage writes one WebSocket message, serialized against every
// other writer on this connection.
func (s *Splice) writeMessage(msgType int, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(msgType, payload)
}

// closeWhenDialed waits in its own goroutine for an in-flight dial to
// finish after Connect has already returned an error on some other path,
// and closes the connection it produced so a late-succeeding dial never
// leaks a socket nobody will ever splice.
func closeWhenDialed(dialDone <-chan dialOutcome) {
	go func() {
		res := <-dialDone
		if res.conn != nil {
			_ = res.conn.Close()
		}
	}()
}

// Run drives the two permanent pump directions until either side
// terminates, then tears down both ends. It must only be called after
// Connect has returned a live tcp connection, and rec must already be
// registered so activity tracking is visible to the heartbeat monitor.
func (s *Splice) Run(ctx context.Context, tcp net.Conn, rec *registry.Record) error {
	results := make(chan pumpResult, 2)
	go s.pumpClientToServer(tcp, rec, results)
	go s.pumpServerToClient(tcp, rec, results)

	first := <-results
	switch {
	case first.side == "client" && first.err == nil:
		// The client closed cleanly: half-close the write side so the
		// upstream can finish sending before the final teardown below.
		if tc, ok := tcp.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	default:
		// A server-initiated close or an error on either side leaves the
		// surviving pump blocked on a read that will never produce
		// another event by itself (tcp.Read or the ws reader goroutine).
		// Force both sockets closed so it unblocks instead of hanging.
		_ = s.ws.Close()
		_ = tcp.Close()
	}

	second := <-results

	code := websocket.CloseNormalClosure
	var retErr error
	for _, r := range [2]pumpResult{first, second} {
		if r.err != nil {
			code = websocket.CloseInternalServerErr
			retErr = r.err
		}
	}

	_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	_ = s.ws.Close()
	_ = tcp.Close()

	return retErr
}

func (s *Splice) readLoop() {
	for {
		msgType, payload, err := s.ws.ReadMessage()
		if err != nil {
			s.eventCh <- wsEvent{err: err}
			close(s.eventCh)
			return
		}
		s.eventCh <- wsEvent{frame: wsFrame{msgType: msgType, payload: payload}}
	}
}

func (s *Splice) pumpClientToServer(tcp net.Conn, rec *registry.Record, out chan<- pumpResult) {
	for ev := range s.eventCh {
		if ev.err != nil {
			out <- pumpResult{side: "client", err: cleanOrErr(ev.err)}
			return
		}
		forward, payload := s.classifyAndRoute(ev.frame)
		if !forward {
			continue
		}
		if _, err := tcp.Write(payload); err != nil {
			out <- pumpResult{side: "client", err: cleanOrErr(err)}
			return
		}
		rec.Touch()
		s.metrics.AddBytes("client_to_server", len(payload))
	}
	out <- pumpResult{side: "client", err: nil}
}

func (s *Splice) pumpServerToClient(tcp net.Conn, rec *registry.Record, out chan<- pumpResult) {
	buf := make([]byte, 32*1024)
	for {
		n, err := tcp.Read(buf)
		if n > 0 {
			if werr := s.writeMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				out <- pumpResult{side: "server", err: cleanOrErr(werr)}
				return
			}
			rec.Touch()
			s.metrics.AddBytes("server_to_client", n)
		}
		if err != nil {
			if err == io.EOF {
				out <- pumpResult{side: "server", err: nil}
			} else {
				out <- pumpResult{side: "server", err: cleanOrErr(err)}
			}
			return
		}
	}
}

// classifyAndRoute decides, for one inbound WebSocket frame, whether its
// payload should be forwarded toward TCP (binary frames always; text
// frames only when they fail to parse as a control message and legacy
// fallback is enabled) or has already been fully handled here (control
// messages, and dropped unparseable text when fallback is disabled).
func (s *Splice) classifyAndRoute(f wsFrame) (forward bool, payload []byte) {
	if f.msgType == websocket.BinaryMessage {
		return true, f.payload
	}

	msg, outcome, err := classifyText(f.payload)
	if outcome == controlHandled {
		s.dispatchControl(msg)
		return false, nil
	}
	_ = err

	if s.cfg.AllowLegacyTextFallback {
		s.log.Warn().Msg("text frame did not parse as a control message, forwarding as legacy binary passthrough")
		return true, f.payload
	}
	s.log.Warn().Msg("dropping unrecognized text frame (legacy text fallback disabled)")
	return false, nil
}

func (s *Splice) dispatchControl(msg controlMessage) {
	switch msg.Type {
	case "ping":
		reply, err := pongReply()
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to encode pong reply")
			return
		}
		if err := s.writeMessage(websocket.TextMessage, reply); err != nil {
			s.log.Debug().Err(err).Msg("failed to write pong reply")
		}
	case "resize", "quality", "clipboard":
		s.log.Debug().Str("control_type", msg.Type).Msg("received control message")
	default:
		s.log.Debug().Str("control_type", msg.Type).Msg("received unrecognized control message")
	}
}

func cleanOrErr(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return nil
	}
	// Our own forced teardown of the peer's socket (see Run) surfaces as
	// a generic closed-connection error on whichever pump was still
	// blocked, not as a real failure.
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
