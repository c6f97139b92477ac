package dispatch

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fabian4/stagegate/internal/gwerr"
)

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func dialer(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func TestRelayEcho(t *testing.T) {
	addr := startEcho(t)
	r := NewRelay(dialer, 64)
	defer r.Close()

	if err := r.Send(context.Background(), addr, []byte("ping"), time.Second); err != nil {
		t.Fatalf("send: %v", err)
	}
	if r.Addr() != addr {
		t.Fatalf("got addr %q, want %q", r.Addr(), addr)
	}
	select {
	case b := <-r.Out():
		if string(b) != "ping" {
			t.Fatalf("got %q, want ping", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no echo")
	}

	// second send reuses the connection even if another address is given
	if err := r.Send(context.Background(), "127.0.0.1:1", []byte("again"), time.Second); err != nil {
		t.Fatalf("send: %v", err)
	}
	if b := <-r.Out(); string(b) != "again" {
		t.Fatalf("got %q, want again", b)
	}

	_ = r.Close()
	if err := r.Send(context.Background(), addr, []byte("x"), time.Second); err == nil {
		t.Fatalf("expected error after close")
	}
}

func TestRelayDialFailure(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	_ = ln.Close()

	r := NewRelay(dialer, 0)
	err := r.Send(context.Background(), addr, []byte("x"), time.Second)
	if !errors.Is(err, gwerr.ErrUpstream) {
		t.Fatalf("got %v, want upstream failure", err)
	}
	if r.Addr() != "" {
		t.Fatalf("failed dial must leave the relay unconnected")
	}
}

func TestRelayCloseWrite(t *testing.T) {
	r := NewRelay(dialer, 64)
	defer r.Close()
	if connected, err := r.CloseWrite(); connected || err != nil {
		t.Fatalf("unconnected relay: connected=%v err=%v", connected, err)
	}

	addr := startEcho(t)
	if err := r.Send(context.Background(), addr, []byte("bye"), time.Second); err != nil {
		t.Fatalf("send: %v", err)
	}
	if connected, err := r.CloseWrite(); !connected || err != nil {
		t.Fatalf("connected relay: connected=%v err=%v", connected, err)
	}
	// the echo server sees EOF, replies and closes; Out drains then closes
	var got []byte
	timeout := time.After(2 * time.Second)
	for {
		select {
		case b, ok := <-r.Out():
			if !ok {
				if string(got) != "bye" {
					t.Fatalf("got %q, want bye", got)
				}
				return
			}
			got = append(got, b...)
		case <-timeout:
			t.Fatalf("out not closed, got %q", got)
		}
	}
}
