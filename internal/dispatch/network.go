// Package dispatch performs the outbound side of a request: an HTTP call to
// an upstream host, a read from a local file root or a TCP relay.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fabian4/stagegate/internal/forward"
	"github.com/fabian4/stagegate/internal/gwerr"
	"github.com/fabian4/stagegate/internal/model"
)

// DefaultUpstreamTimeout bounds a call when the host sets no timeout.
const DefaultUpstreamTimeout = 20 * time.Second

// DefaultMaxBody caps buffered upstream bodies.
const DefaultMaxBody = 32 << 20

// Target is one resolved upstream call.
type Target struct {
	Scheme     string // "http" (default) or "https"
	Addr       string // host:port
	PathPrefix string // prepended to the request path
	Transport  string // forward registry name
	Timeout    time.Duration
}

// HTTP performs buffered HTTP/1.1 round trips.
type HTTP struct {
	Transports     forward.Factory
	DefaultTimeout time.Duration
	MaxBody        int64
}

// NewHTTP returns a dispatcher with default limits.
func NewHTTP(f forward.Factory) *HTTP {
	return &HTTP{Transports: f, DefaultTimeout: DefaultUpstreamTimeout, MaxBody: DefaultMaxBody}
}

// Do sends req to t and returns the buffered response. Failures are
// classified as gwerr.ErrUpstreamTimeout or gwerr.ErrUpstream.
func (d *HTTP) Do(ctx context.Context, t Target, req *model.Request) (*model.Response, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = d.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scheme := t.Scheme
	if scheme == "" {
		scheme = "http"
	}
	uri := req.URI
	if uri == "" {
		uri = "/"
	}
	if t.PathPrefix != "" && t.PathPrefix != "/" {
		uri = joinSlash(t.PathPrefix, uri)
	}
	target := scheme + "://" + t.Addr + uri

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	up, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, gwerr.New(gwerr.ErrUpstream, "build request", err)
	}
	up.Header = req.Header.Clone()
	if up.Header == nil {
		up.Header = make(http.Header)
	}
	DropHopByHop(up.Header)
	addXFF(up.Header, req.RemoteAddr)
	setForwarded(up.Header, req.Host, req.TLS)
	up.Host = t.Addr

	op := "dispatch " + t.Addr
	res, err := d.Transports.Get(t.Transport).RoundTrip(up)
	if err != nil {
		return nil, classify(op, err)
	}
	defer func() { _ = res.Body.Close() }()

	limit := d.MaxBody
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	b, err := io.ReadAll(io.LimitReader(res.Body, limit+1))
	if err != nil {
		return nil, classify(op, err)
	}
	if int64(len(b)) > limit {
		return nil, gwerr.Errorf(gwerr.ErrUpstream, op, "response body exceeds %d bytes", limit)
	}

	h := res.Header.Clone()
	DropHopByHop(h)
	h.Del("Content-Length")
	return &model.Response{
		Status: res.StatusCode,
		Proto:  res.Proto,
		Header: h,
		Body:   b,
	}, nil
}

func classify(op string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return gwerr.New(gwerr.ErrUpstreamTimeout, op, err)
	}
	return gwerr.New(gwerr.ErrUpstream, op, err)
}

// RequestURI renders path and raw query the way the cache keys them.
func RequestURI(path, rawQuery string) string {
	if path == "" {
		path = "/"
	}
	if rawQuery == "" {
		return path
	}
	return fmt.Sprintf("%s?%s", path, strings.TrimPrefix(rawQuery, "?"))
}
