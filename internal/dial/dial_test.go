package dial

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestDialSucceedsImmediately(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	e := New(Config{
		ConnectionTimeout:      time.Second,
		MaxRetries:             3,
		RetryDelay:             10 * time.Millisecond,
		RetryBackoffMultiplier: 2,
	})

	conn, err := e.Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
}

func TestDialRetriesThenSucceeds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listening now: first attempts get connection refused

	relistened := make(chan net.Listener, 1)
	go func() {
		time.Sleep(150 * time.Millisecond)
		ln2, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		relistened <- ln2
		c, err := ln2.Accept()
		if err == nil {
			c.Close()
		}
	}()

	e := New(Config{
		ConnectionTimeout:      2 * time.Second,
		MaxRetries:             3,
		RetryDelay:             50 * time.Millisecond,
		RetryBackoffMultiplier: 2,
	})

	start := time.Now()
	conn, err := e.Dial(context.Background(), addr)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()

	if elapsed < 100*time.Millisecond {
		t.Errorf("dial succeeded too fast (%v) to have retried", elapsed)
	}

	select {
	case ln2 := <-relistened:
		ln2.Close()
	default:
	}
}

func TestDialExhaustsRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	e := New(Config{
		ConnectionTimeout:      200 * time.Millisecond,
		MaxRetries:             2,
		RetryDelay:             5 * time.Millisecond,
		RetryBackoffMultiplier: 2,
	})

	_, err = e.Dial(context.Background(), addr)
	if err == nil {
		t.Fatal("expected dial to fail after exhausting retries")
	}
}
