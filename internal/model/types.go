package model

import (
	"fmt"
	"net/http"
	"strconv"
)

// Request is the buffered inbound HTTP request as seen by stages.
type Request struct {
	Method     string
	URI        string // path + "?" + raw query
	Proto      string
	Host       string
	Header     http.Header
	Body       []byte
	RemoteAddr string
	TLS        bool
}

// Response is the buffered HTTP response produced by a dispatcher, a cache
// hit or a fallback page.
type Response struct {
	Status int         `json:"status"`
	Proto  string      `json:"proto,omitempty"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// Clone returns a deep copy so cached responses are never aliased by a
// request that mutates headers.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{Status: r.Status, Proto: r.Proto, Header: r.Header.Clone()}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	return out
}

// FallbackKind selects what happens once an error policy gives up.
type FallbackKind int

const (
	// FallbackOrigin keeps the upstream response (or error) as-is.
	FallbackOrigin FallbackKind = iota
	// FallbackStatus replaces it with a fixed status page.
	FallbackStatus
)

// ErrorPolicy decides how upstream failures are handled for a host group
// or route.
type ErrorPolicy struct {
	Name     string
	Statuses []int // ordered, as configured
	PassNext bool
	Fallback FallbackKind
	Status   int // used with FallbackStatus
}

// DefaultErrorPolicy is used when neither the host group nor the route
// names one.
var DefaultErrorPolicy = &ErrorPolicy{Name: "default", Fallback: FallbackOrigin}

// Matches reports whether status is one of the configured failure statuses.
func (p *ErrorPolicy) Matches(status int) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// StatusPage builds a small HTML page for code.
func StatusPage(code int) *Response {
	text := http.StatusText(code)
	if text == "" {
		text = "Status " + strconv.Itoa(code)
	}
	body := fmt.Sprintf("<html>\r\n<head><title>%d %s</title></head>\r\n<body>\r\n<center><h1>%d %s</h1></center>\r\n<hr><center>stagegate</center>\r\n</body>\r\n</html>\r\n",
		code, text, code, text)
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &Response{Status: code, Proto: "HTTP/1.1", Header: h, Body: []byte(body)}
}

// NotFoundPage is the uniform page returned for every rejected request.
func NotFoundPage() *Response { return StatusPage(http.StatusNotFound) }
