// Package forward holds the named upstream transports shared by every
// dispatcher of a gateway instance.
package forward

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"sync"
	"time"
)

// Well-known transport names.
const (
	ProtoHTTP1         = "http1"          // plain HTTP/1.1, TLS verified when the scheme is https
	ProtoInsecureHTTP1 = "http1_insecure" // HTTP/1.1, upstream certificates not verified
)

// Options tunes the default transports and the TCP dialer.
type Options struct {
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration

	RootCAs *x509.CertPool
}

// DefaultOptions returns proxy-oriented transport settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Factory returns RoundTrippers by name and dials raw TCP upstreams.
type Factory interface {
	Get(name string) http.RoundTripper
	Register(name string, rt http.RoundTripper)
	DialContext(ctx context.Context, addr string) (net.Conn, error)
	CloseIdle()
}

// Registry is a threadsafe map of named RoundTrippers.
type Registry struct {
	mu     sync.RWMutex
	store  map[string]http.RoundTripper
	opts   Options
	dialer *net.Dialer
}

var _ Factory = (*Registry)(nil)

// NewDefaultRegistry builds a registry with DefaultOptions.
func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

// NewRegistry builds a registry and pre-registers the http1 transports.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		store: make(map[string]http.RoundTripper),
		opts:  opts,
		dialer: &net.Dialer{
			Timeout:   opts.DialTimeout,
			KeepAlive: opts.DialKeepAlive,
		},
	}
	r.store[ProtoHTTP1] = r.newHTTP1(false)
	r.store[ProtoInsecureHTTP1] = r.newHTTP1(true)
	return r
}

// Get returns the transport registered under name, falling back to http1.
func (r *Registry) Get(name string) http.RoundTripper {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.store[name]; ok && rt != nil {
		return rt
	}
	return r.store[ProtoHTTP1]
}

// Register adds or replaces a transport. Empty names and nil transports
// are ignored.
func (r *Registry) Register(name string, rt http.RoundTripper) {
	if name == "" || rt == nil {
		return
	}
	r.mu.Lock()
	r.store[name] = rt
	r.mu.Unlock()
}

// DialContext opens a TCP connection with the registry's dial settings.
func (r *Registry) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	return r.dialer.DialContext(ctx, "tcp", addr)
}

// CloseIdle calls CloseIdleConnections on all http.Transport in the registry.
func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.store {
		if t, ok := rt.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}

func (r *Registry) newHTTP1(insecure bool) http.RoundTripper {
	return &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DialContext:       r.dialer.DialContext,
		ForceAttemptHTTP2: false,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: insecure,
			RootCAs:            r.opts.RootCAs,
			NextProtos:         []string{"http/1.1"},
		},
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
	}
}
