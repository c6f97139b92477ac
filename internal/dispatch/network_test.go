package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/fabian4/stagegate/internal/forward"
	"github.com/fabian4/stagegate/internal/gwerr"
	"github.com/fabian4/stagegate/internal/model"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return u
}

func TestHTTPDo(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer up.Close()
	addr := mustURL(t, up.URL).Host

	h := make(http.Header)
	h.Set("X-Client", "1")
	h.Set("Keep-Alive", "timeout=5")
	req := &model.Request{
		Method:     http.MethodPost,
		URI:        "/items?id=7",
		Host:       "gw.example.com",
		Header:     h,
		Body:       []byte("payload"),
		RemoteAddr: "10.0.0.9:5555",
	}
	d := NewHTTP(forward.NewDefaultRegistry())
	resp, err := d.Do(context.Background(), Target{Addr: addr, PathPrefix: "/v1"}, req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}

	if resp.Status != http.StatusCreated || string(resp.Body) != "created" {
		t.Fatalf("got %d %q", resp.Status, resp.Body)
	}
	if resp.Header.Get("X-Upstream") != "yes" || resp.Header.Get("Connection") != "" {
		t.Fatalf("unexpected response headers %v", resp.Header)
	}
	if got.URL.Path != "/v1/items" || got.URL.RawQuery != "id=7" {
		t.Fatalf("got upstream uri %s", got.URL.RequestURI())
	}
	if got.Host != addr {
		t.Fatalf("got Host %q, want %q", got.Host, addr)
	}
	if got.Header.Get("X-Forwarded-For") != "10.0.0.9" || got.Header.Get("X-Forwarded-Host") != "gw.example.com" {
		t.Fatalf("missing forwarded headers: %v", got.Header)
	}
	if got.Header.Get("Keep-Alive") != "" || got.Header.Get("X-Client") != "1" {
		t.Fatalf("hop-by-hop filtering wrong: %v", got.Header)
	}
	if string(gotBody) != "payload" {
		t.Fatalf("got body %q", gotBody)
	}
}

func TestHTTPDoTimeout(t *testing.T) {
	release := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer up.Close()
	defer close(release)

	d := NewHTTP(forward.NewDefaultRegistry())
	req := &model.Request{Method: http.MethodGet, URI: "/", Header: make(http.Header)}
	_, err := d.Do(context.Background(), Target{Addr: mustURL(t, up.URL).Host, Timeout: 50 * time.Millisecond}, req)
	if !errors.Is(err, gwerr.ErrUpstreamTimeout) {
		t.Fatalf("got %v, want upstream timeout", err)
	}
}

func TestHTTPDoRefused(t *testing.T) {
	up := httptest.NewServer(http.NotFoundHandler())
	addr := mustURL(t, up.URL).Host
	up.Close()

	d := NewHTTP(forward.NewDefaultRegistry())
	req := &model.Request{Method: http.MethodGet, URI: "/", Header: make(http.Header)}
	_, err := d.Do(context.Background(), Target{Addr: addr}, req)
	if !errors.Is(err, gwerr.ErrUpstream) {
		t.Fatalf("got %v, want upstream failure", err)
	}
}

func TestRequestURI(t *testing.T) {
	if got := RequestURI("", ""); got != "/" {
		t.Fatalf("got %q", got)
	}
	if got := RequestURI("/a", "b=1"); got != "/a?b=1" {
		t.Fatalf("got %q", got)
	}
}
