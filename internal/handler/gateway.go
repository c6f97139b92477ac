// Package handler adapts client connections to a gateway instance: an
// http.Handler per HTTP(S) entrypoint and a connection loop per TCP
// entrypoint.
package handler

import (
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabian4/stagegate/internal/config"
	"github.com/fabian4/stagegate/internal/dispatch"
	"github.com/fabian4/stagegate/internal/gateway"
	"github.com/fabian4/stagegate/internal/model"
	"github.com/fabian4/stagegate/internal/pipeline"
	"github.com/fabian4/stagegate/internal/router"
)

// RequestIDHeader carries the request ID to the upstream and the client.
const RequestIDHeader = "X-Request-Id"

// Gateway serves traffic from the current instance. UpdateState swaps the
// instance; requests already running keep the one they started with.
type Gateway struct {
	stateMu sync.RWMutex
	state   *gateway.Instance

	AccessLog io.Writer
	logMu     sync.Mutex
	logger    *slog.Logger
}

// NewGateway wraps inst. A nil accessLog discards access entries.
func NewGateway(inst *gateway.Instance, accessLog io.Writer) *Gateway {
	if accessLog == nil {
		accessLog = io.Discard
	}
	return &Gateway{
		state:     inst,
		AccessLog: accessLog,
		logger:    slog.Default().With("component", "handler"),
	}
}

// State returns the current instance.
func (g *Gateway) State() *gateway.Instance {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.state
}

// UpdateState installs inst and returns the previous instance, which the
// caller closes.
func (g *Gateway) UpdateState(inst *gateway.Instance) *gateway.Instance {
	g.stateMu.Lock()
	prev := g.state
	g.state = inst
	g.stateMu.Unlock()
	return prev
}

// HTTP returns the handler for an http or https entrypoint.
func (g *Gateway) HTTP(ep config.Entrypoint) http.Handler {
	return &httpEntry{g: g, name: ep.Name, protocol: ep.Protocol}
}

type httpEntry struct {
	g        *Gateway
	name     string
	protocol string
}

var _ http.Handler = (*httpEntry)(nil)

func (e *httpEntry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	inst := e.g.State()
	start := time.Now()
	lw := &loggingResponseWriter{ResponseWriter: w}

	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
		r.Header.Set(RequestIDHeader, reqID)
	}
	clientIP, addr := clientAddr(r.RemoteAddr)

	var gc *pipeline.Context
	var routeName string
	defer func() {
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		d := time.Since(start)
		inst.Metrics.ObserveRequest(routeName, r.Method, status, d)
		entry := AccessLog{
			Time:         start,
			RequestID:    reqID,
			Method:       r.Method,
			Path:         r.URL.Path,
			Protocol:     r.Proto,
			Status:       status,
			Duration:     d.Milliseconds(),
			RemoteIP:     r.RemoteAddr,
			UserAgent:    r.UserAgent(),
			Referer:      r.Referer(),
			Route:        routeName,
			BytesWritten: lw.bytes,
		}
		if gc != nil {
			entry.CacheHit = gc.HTTP.ServedFromCache
			entry.Attempts = gc.Redirect.Attempts
		}
		e.g.writeAccessLog(inst.Config.AccessLog, entry)
	}()

	body, err := io.ReadAll(http.MaxBytesReader(lw, r.Body, dispatch.DefaultMaxBody))
	if err != nil {
		e.g.logger.Warn("read request body", "error", err, "request_id", reqID)
		writeResponse(lw, r, reqID, model.NotFoundPage())
		return
	}
	req := &model.Request{
		Method:     r.Method,
		URI:        dispatch.RequestURI(r.URL.Path, r.URL.RawQuery),
		Proto:      r.Proto,
		Host:       r.Host,
		Header:     r.Header.Clone(),
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		TLS:        r.TLS != nil,
	}
	gc = pipeline.NewHTTP(reqID, req, clientIP)

	route, err := inst.Resolve(router.Query{
		Entrypoint: e.name,
		Protocol:   e.protocol,
		Host:       r.Host,
		Path:       r.URL.Path,
		Method:     r.Method,
		ClientIP:   addr,
	})
	if err == nil {
		routeName = route.Name
		err = inst.Execute(r.Context(), route, gc)
	}
	writeResponse(lw, r, reqID, inst.Finish(gc, err))
}

func writeResponse(w http.ResponseWriter, r *http.Request, reqID string, resp *model.Response) {
	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = append([]string(nil), vv...)
	}
	dispatch.DropHopByHop(h)
	h.Set(RequestIDHeader, reqID)
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(resp.Body)
}

// clientAddr splits host:port; the netip form is invalid when the host is
// not an IP.
func clientAddr(remote string) (string, netip.Addr) {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return host, netip.Addr{}
	}
	return host, addr.Unmap()
}

func (g *Gateway) writeAccessLog(cfg config.AccessLogConfig, entry AccessLog) {
	if !cfg.Enabled || g.AccessLog == nil {
		return
	}
	if cfg.Sampling < 1.0 && rand.Float64() >= cfg.Sampling {
		return
	}
	g.logMu.Lock()
	err := entry.encode(g.AccessLog, cfg.Fields)
	g.logMu.Unlock()
	if err != nil {
		g.logger.Warn("access log", "error", err)
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
