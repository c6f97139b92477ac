package pipeline

import (
	"github.com/fabian4/stagegate/internal/dispatch"
	"github.com/fabian4/stagegate/internal/lb"
	"github.com/fabian4/stagegate/internal/model"
)

// Context is the per-request state threaded through a pipeline. Exactly one
// of HTTP and TCP is set.
type Context struct {
	ID         string
	RemoteAddr string // host:port
	ClientIP   string // host part of RemoteAddr

	// Immediate asks the engine to stop after a cache hit.
	Immediate bool
	Route     string

	Redirect Redirect

	HTTP *HTTPContext
	TCP  *TCPContext
}

// Redirect is where the request is being sent.
type Redirect struct {
	Group       *lb.Group
	Policy      lb.Policy // set by a balancer stage; nil means the group default
	Host        *lb.Host  // pre-selected by a balancer stage
	Previous    int       // index of the last host tried, -1 if none
	ErrorPolicy *model.ErrorPolicy
	Attempts    int
}

// HTTPContext carries the buffered request and response.
type HTTPContext struct {
	Request  *model.Request
	Response *model.Response

	// Fresh is set once Response holds a result for this request.
	Fresh bool
	// CacheHit is set when Response came from a cache.
	CacheHit bool
	// ServedFromCache records a cache hit for reporting. The engine never
	// clears it.
	ServedFromCache bool
	// Materialized is the final wire response; the chain ends once set.
	Materialized *model.Response
}

// TCPContext carries one inbound chunk and the connection's relay.
type TCPContext struct {
	Inbound []byte
	Relay   *dispatch.Relay
	// Host is the upstream the relay is connected to; it stays fixed for
	// the life of the connection.
	Host  *lb.Host
	Group *lb.Group
}

// NewHTTP builds a context for an HTTP request.
func NewHTTP(id string, req *model.Request, clientIP string) *Context {
	return &Context{
		ID:         id,
		RemoteAddr: req.RemoteAddr,
		ClientIP:   clientIP,
		Redirect:   Redirect{Previous: -1},
		HTTP:       &HTTPContext{Request: req},
	}
}

// NewTCP builds a context for a TCP connection.
func NewTCP(id, remoteAddr, clientIP string, relay *dispatch.Relay) *Context {
	return &Context{
		ID:         id,
		RemoteAddr: remoteAddr,
		ClientIP:   clientIP,
		Redirect:   Redirect{Previous: -1},
		TCP:        &TCPContext{Relay: relay},
	}
}

// Reset clears per-chunk routing state so a TCP context can carry the next
// inbound chunk.
func (c *Context) Reset(inbound []byte) {
	c.Immediate = false
	c.Redirect.Host = nil
	c.Redirect.Policy = nil
	c.Redirect.Attempts = 0
	c.Redirect.Previous = -1
	if c.TCP != nil {
		c.TCP.Inbound = inbound
	}
}
