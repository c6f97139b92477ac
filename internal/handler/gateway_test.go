package handler

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fabian4/stagegate/internal/config"
	"github.com/fabian4/stagegate/internal/gateway"
	"github.com/fabian4/stagegate/internal/metrics"
)

func hostPort(t *testing.T, s *httptest.Server) string {
	t.Helper()
	return strings.TrimPrefix(s.URL, "http://")
}

func newGateway(t *testing.T, yml string, accessLog io.Writer) *Gateway {
	t.Helper()
	cfg, err := config.Parse([]byte(yml))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	inst, err := gateway.Build(cfg, metrics.New(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(inst.Close)
	return NewGateway(inst, accessLog)
}

var web = config.Entrypoint{Name: "web", Protocol: config.ProtoHTTP, Address: ":8080"}

func singleRoute(addr, pipe string) string {
	return fmt.Sprintf(`
entrypoints:
  - {name: web, address: ":8080"}
hosts:
  app: {servers: ["%s"]}
pipes:
  main: %s
routes:
  - name: api
    in: {host: app.example.com, path_prefix: /api}
    out: {network: {hosts: app}}
    pipe: main
`, addr, pipe)
}

func TestGateway_BasicRouteAndHeaders(t *testing.T) {
	// upstream server that reflects selected Host and certain headers
	var seenHost, seenConn, seenUpgrade, seenXFP, seenXFF, seenID string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost = r.Host
		seenConn = r.Header.Get("Connection")
		seenUpgrade = r.Header.Get("Upgrade")
		seenXFP = r.Header.Get("X-Forwarded-Proto")
		seenXFF = r.Header.Get("X-Forwarded-For")
		seenID = r.Header.Get(RequestIDHeader)
		w.Header().Set("X-Up", "ok")
		w.WriteHeader(200)
	}))
	defer up.Close()

	gw := newGateway(t, singleRoute(hostPort(t, up), "[round_robin, dispatche, return]"), nil)

	req := httptest.NewRequest("GET", "http://gw.local/api/ping?x=1", nil)
	req.Host = "app.example.com"
	req.RemoteAddr = "203.0.113.10:54321"
	req.TLS = &tls.ConnectionState{} // to mark client->gateway as https for XFP

	// hop-by-hop on purpose; should be removed
	req.Header.Set("Connection", "keep-alive, FooHop")
	req.Header.Set("FooHop", "1")
	req.Header.Set("Upgrade", "websocket")

	rr := httptest.NewRecorder()
	gw.HTTP(web).ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if rr.Header().Get("X-Up") != "ok" {
		t.Fatalf("downstream headers not forwarded from upstream")
	}
	if seenHost != hostPort(t, up) {
		t.Fatalf("upstream Host: got %q, want %q", seenHost, hostPort(t, up))
	}
	if seenConn != "" || seenUpgrade != "" {
		t.Fatalf("hop-by-hop leaked: Connection=%q Upgrade=%q", seenConn, seenUpgrade)
	}
	if seenXFP != "https" || seenXFF != "203.0.113.10" {
		t.Fatalf("X-Forwarded-Proto/For: XFP=%q XFF=%q", seenXFP, seenXFF)
	}
	if seenID == "" || rr.Header().Get(RequestIDHeader) != seenID {
		t.Fatalf("request id not propagated: up=%q down=%q", seenID, rr.Header().Get(RequestIDHeader))
	}
}

func TestGateway_NoRouteIs404(t *testing.T) {
	gw := newGateway(t, singleRoute("127.0.0.1:1", "[round_robin, dispatche, return]"), nil)

	req := httptest.NewRequest("GET", "http://gw.local/other", nil)
	req.Host = "app.example.com"
	rr := httptest.NewRecorder()
	gw.HTTP(web).ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), "404 Not Found") {
		t.Fatalf("got %d %q", rr.Code, rr.Body.String())
	}
}

func TestGateway_UpstreamDownIs404(t *testing.T) {
	gw := newGateway(t, singleRoute("127.0.0.1:1", "[round_robin, dispatche, return]"), nil)

	req := httptest.NewRequest("GET", "http://gw.local/api", nil)
	req.Host = "app.example.com"
	rr := httptest.NewRecorder()
	gw.HTTP(web).ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("got %d, want the uniform 404", rr.Code)
	}
}

// Six requests from one client against ratelimiter(ip, 5/s) in front of a
// 1:2 weighted pair: five pass and split by weight, the sixth is rejected
// before the balancer runs.
func TestGateway_EndToEndRateLimitAndWeights(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}
	handlerFor := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits[name]++
			mu.Unlock()
			_, _ = w.Write([]byte(name))
		}
	}
	a := httptest.NewServer(handlerFor("A"))
	defer a.Close()
	b := httptest.NewServer(handlerFor("B"))
	defer b.Close()

	yml := fmt.Sprintf(`
entrypoints:
  - {name: web, address: ":8080"}
hosts:
  pair:
    servers:
      - "%s weight=1"
      - "%s weight=2"
pipes:
  api:
    - ratelimiter: {type: ip, requests: 5, period: 1s}
    - round_robin
    - dispatche_network
    - return
routes:
  - name: api
    in: {path_prefix: /api}
    out: {network: {hosts: pair}}
    pipe: api
`, hostPort(t, a), hostPort(t, b))
	gw := newGateway(t, yml, nil)
	h := gw.HTTP(web)

	var codes []int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest("GET", "http://gw.local/api/items", nil)
		req.RemoteAddr = "198.51.100.7:40000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	for i, c := range codes[:5] {
		if c != 200 {
			t.Fatalf("request %d: got %d, want 200", i+1, c)
		}
	}
	if codes[5] != http.StatusNotFound {
		t.Fatalf("request 6: got %d, want 404", codes[5])
	}
	mu.Lock()
	defer mu.Unlock()
	if hits["A"] != 2 || hits["B"] != 3 {
		t.Fatalf("distribution: got A=%d B=%d, want A=2 B=3", hits["A"], hits["B"])
	}
}

func TestGateway_AccessLog(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	}))
	defer up.Close()

	var buf bytes.Buffer
	pipe := "[memory_cache_get, round_robin, dispatche, memory_cache_set, return]"
	gw := newGateway(t, singleRoute(hostPort(t, up), pipe), &buf)

	var rr *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "http://gw.local/api/foo", nil)
		req.Host = "app.example.com"
		rr = httptest.NewRecorder()
		gw.HTTP(web).ServeHTTP(rr, req)
		if rr.Code != 200 {
			t.Fatalf("request %d status: got %d, want 200", i+1, rr.Code)
		}
	}

	dec := json.NewDecoder(&buf)
	var logEntry, cached AccessLog
	if err := dec.Decode(&logEntry); err != nil {
		t.Fatalf("decode first log entry: %v", err)
	}
	if err := dec.Decode(&cached); err != nil {
		t.Fatalf("decode second log entry: %v", err)
	}
	if logEntry.CacheHit {
		t.Errorf("first request: cache_hit true, want false")
	}
	if !cached.CacheHit {
		t.Errorf("second request: cache_hit false, want true")
	}
	if cached.Attempts != 0 {
		t.Errorf("second request attempts: got %d, want 0", cached.Attempts)
	}
	if logEntry.Method != "GET" {
		t.Errorf("log method: got %q, want GET", logEntry.Method)
	}
	if logEntry.Path != "/api/foo" {
		t.Errorf("log path: got %q, want /api/foo", logEntry.Path)
	}
	if logEntry.Status != 200 {
		t.Errorf("log status: got %d, want 200", logEntry.Status)
	}
	if logEntry.Route != "api" {
		t.Errorf("log route: got %q, want api", logEntry.Route)
	}
	if logEntry.Attempts != 1 {
		t.Errorf("log attempts: got %d, want 1", logEntry.Attempts)
	}
	if logEntry.BytesWritten != 2 {
		t.Errorf("log bytes: got %d, want 2", logEntry.BytesWritten)
	}
	if cached.RequestID != rr.Header().Get(RequestIDHeader) {
		t.Errorf("log request id: got %q", cached.RequestID)
	}
	if logEntry.Time.IsZero() {
		t.Errorf("log time: got zero, want non-zero")
	}
}

func TestGateway_AccessLogFieldsAndSampling(t *testing.T) {
	var buf bytes.Buffer
	yml := `
service:
  access_log: {fields: [method, status, nope]}
` + singleRoute("127.0.0.1:1", "[return]")
	gw := newGateway(t, yml, &buf)

	req := httptest.NewRequest("HEAD", "http://gw.local/api", nil)
	req.Host = "app.example.com"
	rr := httptest.NewRecorder()
	gw.HTTP(web).ServeHTTP(rr, req)

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if len(m) != 2 || m["method"] != "HEAD" || m["status"] != float64(404) {
		t.Fatalf("filtered entry unexpected: %v", m)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("HEAD must not carry a body")
	}

	buf.Reset()
	gw = newGateway(t, strings.Replace(yml, "fields: [method, status, nope]", "sampling: 0", 1), &buf)
	gw.HTTP(web).ServeHTTP(httptest.NewRecorder(), req)
	if buf.Len() != 0 {
		t.Fatalf("sampling 0 should drop every entry, got %q", buf.String())
	}
}

func TestGateway_UpdateState(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("v1")) }))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("v2")) }))
	defer second.Close()

	gw := newGateway(t, singleRoute(hostPort(t, first), "[dispatche, return]"), nil)
	get := func() string {
		req := httptest.NewRequest("GET", "http://gw.local/api", nil)
		req.Host = "app.example.com"
		rr := httptest.NewRecorder()
		gw.HTTP(web).ServeHTTP(rr, req)
		return rr.Body.String()
	}
	if got := get(); got != "v1" {
		t.Fatalf("got %q, want v1", got)
	}

	next := newGateway(t, singleRoute(hostPort(t, second), "[dispatche, return]"), nil).State()
	prev := gw.UpdateState(next)
	if prev == nil || prev == next {
		t.Fatalf("UpdateState should return the replaced instance")
	}
	if got := get(); got != "v2" {
		t.Fatalf("got %q, want v2", got)
	}
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = c.Close() }()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func serveTCP(t *testing.T, gw *Gateway, ep config.Entrypoint) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go gw.ServeTCP(ctx, ep, c)
		}
	}()
	return ln.Addr().String()
}

func tcpConfig(upstream, ips string) string {
	return fmt.Sprintf(`
entrypoints:
  - {name: raw, protocol: tcp, address: ":9000"}
hosts:
  echo: {servers: ["%s"]}
pipes:
  relay: [round_robin, dispatche]
routes:
  - name: echo
    protocol: tcp
    in: {ips: {memory: ["%s"]}}
    in_timeout: 2s
    out: {network: {hosts: echo}}
    pipe: relay
`, upstream, ips)
}

var raw = config.Entrypoint{Name: "raw", Protocol: config.ProtoTCP, Address: ":9000"}

func TestServeTCP_Relay(t *testing.T) {
	gw := newGateway(t, tcpConfig(startEcho(t), "127.0.0.1"), nil)
	addr := serveTCP(t, gw, raw)

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.Close() }()
	_ = c.SetDeadline(time.Now().Add(3 * time.Second))

	for _, msg := range []string{"hello", "again"} {
		if _, err := io.WriteString(c, msg); err != nil {
			t.Fatalf("write: %v", err)
		}
		buf := make([]byte, len(msg))
		if _, err := io.ReadFull(c, buf); err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(buf) != msg {
			t.Fatalf("got %q, want %q", buf, msg)
		}
	}
}

func TestServeTCP_NoRouteWritesDiagnostic(t *testing.T) {
	gw := newGateway(t, tcpConfig(startEcho(t), "10.9.9.9"), nil)
	addr := serveTCP(t, gw, raw)

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.Close() }()
	_ = c.SetDeadline(time.Now().Add(3 * time.Second))

	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != tcpDiagnostic {
		t.Fatalf("got %q, want %q", b, tcpDiagnostic)
	}
}

// startLateEcho answers only after the client has finished sending.
func startLateEcho(t *testing.T, delay time.Duration) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = c.Close() }()
				b, _ := io.ReadAll(c)
				time.Sleep(delay)
				_, _ = c.Write(b)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestServeTCP_ClientHalfCloseKeepsReply(t *testing.T) {
	gw := newGateway(t, tcpConfig(startLateEcho(t, 50*time.Millisecond), "127.0.0.1"), nil)
	addr := serveTCP(t, gw, raw)

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.Close() }()
	_ = c.SetDeadline(time.Now().Add(3 * time.Second))

	if _, err := io.WriteString(c, "hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("got %q, want hello", b)
	}
}
