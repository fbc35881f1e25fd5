package splice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cmux/display-gateway/internal/registry"
)

func wsPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade: %v", err)
			return
		}
		serverCh <- c
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	clientWS, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}

	serverWS := <-serverCh
	cleanup := func() {
		clientWS.Close()
		serverWS.Close()
		srv.Close()
	}
	return serverWS, clientWS, cleanup
}

func echoListener(t *testing.T) (net.Listener, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						_, _ = c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln, func() { ln.Close() }
}

func TestByteExactRoundTrip(t *testing.T) {
	serverWS, clientWS, cleanup := wsPair(t)
	defer cleanup()
	ln, lnCleanup := echoListener(t)
	defer lnCleanup()

	sp := New(serverWS, Config{BufferMaxSize: 1 << 20, AllowLegacyTextFallback: true}, zerolog.Nop(), nil)
	tcp, err := sp.Connect(context.Background(), func(ctx context.Context) (net.Conn, error) {
		return net.Dial("tcp", ln.Addr().String())
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	rec := registry.NewRecord("vm1_1_1", "vm1", registry.ProtocolVNC, ln.Addr().String(), "", serverWS, tcp)
	done := make(chan error, 1)
	go func() { done <- sp.Run(context.Background(), tcp, rec) }()

	payload := []byte("hello-display-protocol-bytes")
	if err := clientWS.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("client write: %v", err)
	}

	_, got, err := clientWS.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	clientWS.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after client closed")
	}
}

func TestBufferingOrderBeforeDialReady(t *testing.T) {
	serverWS, clientWS, cleanup := wsPair(t)
	defer cleanup()
	ln, lnCleanup := echoListener(t)
	defer lnCleanup()

	sp := New(serverWS, Config{BufferMaxSize: 1 << 20, AllowLegacyTextFallback: true}, zerolog.Nop(), nil)

	gate := make(chan struct{})
	type connectOutcome struct {
		conn net.Conn
		err  error
	}
	connectDone := make(chan connectOutcome, 1)
	go func() {
		conn, err := sp.Connect(context.Background(), func(ctx context.Context) (net.Conn, error) {
			<-gate
			return net.Dial("tcp", ln.Addr().String())
		})
		connectDone <- connectOutcome{conn, err}
	}()

	frames := [][]byte{
		bytes.Repeat([]byte{0xAA}, 64),
		bytes.Repeat([]byte{0xBB}, 16),
		bytes.Repeat([]byte{0xCC}, 4),
	}
	for _, f := range frames {
		if err := clientWS.WriteMessage(websocket.BinaryMessage, f); err != nil {
			t.Fatalf("client write: %v", err)
		}
	}
	time.Sleep(100 * time.Millisecond) // let all three land in the buffer before dial unblocks
	close(gate)

	res := <-connectDone
	if res.err != nil {
		t.Fatalf("connect: %v", res.err)
	}

	want := bytes.Join(frames, nil)
	got := make([]byte, len(want))
	if _, err := io.ReadFull(res.conn, got); err != nil {
		t.Fatalf("reading flushed buffer echoed back from upstream: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("buffer flushed out of order or corrupted:\ngot  %x\nwant %x", got, want)
	}
}

func TestBufferOverflowClosesConnection(t *testing.T) {
	serverWS, clientWS, cleanup := wsPair(t)
	defer cleanup()

	sp := New(serverWS, Config{BufferMaxSize: 8, AllowLegacyTextFallback: true}, zerolog.Nop(), nil)

	gate := make(chan struct{}) // never closed: dial never completes before overflow
	errCh := make(chan error, 1)
	go func() {
		_, err := sp.Connect(context.Background(), func(ctx context.Context) (net.Conn, error) {
			<-gate
			return nil, nil
		})
		errCh <- err
	}()

	if err := clientWS.WriteMessage(websocket.BinaryMessage, bytes.Repeat([]byte{0x01}, 32)); err != nil {
		t.Fatalf("client write: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrBufferOverflow) {
			t.Fatalf("got err %v, want ErrBufferOverflow", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after buffer overflow")
	}
}

func TestControlPingIsAnsweredAndNotForwarded(t *testing.T) {
	serverWS, clientWS, cleanup := wsPair(t)
	defer cleanup()
	ln, lnCleanup := echoListener(t)
	defer lnCleanup()

	sp := New(serverWS, Config{BufferMaxSize: 1 << 20, AllowLegacyTextFallback: true}, zerolog.Nop(), nil)
	tcp, err := sp.Connect(context.Background(), func(ctx context.Context) (net.Conn, error) {
		return net.Dial("tcp", ln.Addr().String())
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	rec := registry.NewRecord("vm1_1_1", "vm1", registry.ProtocolVNC, ln.Addr().String(), "", serverWS, tcp)
	go sp.Run(context.Background(), tcp, rec)

	ping, _ := json.Marshal(map[string]string{"type": "ping"})
	if err := clientWS.WriteMessage(websocket.TextMessage, ping); err != nil {
		t.Fatalf("client write: %v", err)
	}

	_ = clientWS.SetReadDeadline(time.Now().Add(time.Second))
	_, reply, err := clientWS.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(reply, &got); err != nil {
		t.Fatalf("reply not JSON: %v", err)
	}
	if got["type"] != "pong" {
		t.Fatalf("got type %v, want pong", got["type"])
	}
}
