package dispatch

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/fabian4/stagegate/internal/gwerr"
)

// DefaultBufSize is the read buffer for relayed TCP streams.
const DefaultBufSize = 1024

// DialFunc opens an upstream TCP connection.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Relay owns the upstream side of one client TCP connection. Writes go
// through Send; bytes read from upstream arrive on Out, which is closed
// when the upstream side ends.
type Relay struct {
	dial    DialFunc
	bufSize int

	mu     sync.Mutex
	conn   net.Conn
	addr   string
	closed bool

	out  chan []byte
	done chan struct{}
	once sync.Once
}

// NewRelay returns an unconnected relay.
func NewRelay(dial DialFunc, bufSize int) *Relay {
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	return &Relay{
		dial:    dial,
		bufSize: bufSize,
		out:     make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

// Out delivers upstream bytes.
func (r *Relay) Out() <-chan []byte { return r.out }

// Addr returns the connected upstream, or "" before the first Send.
func (r *Relay) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Send writes buf to the upstream, dialing addr on first use. Later calls
// reuse the open connection whatever addr says. The mutex covers only the
// dial and the write.
func (r *Relay) Send(ctx context.Context, addr string, buf []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return gwerr.Errorf(gwerr.ErrUpstream, "relay", "closed")
	}
	if r.conn == nil {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		c, err := r.dial(dctx, addr)
		cancel()
		if err != nil {
			return classify("relay dial "+addr, err)
		}
		r.conn = c
		r.addr = addr
		go r.readLoop(c)
	}
	if err := r.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return classify("relay "+r.addr, err)
	}
	if _, err := r.conn.Write(buf); err != nil {
		return classify("relay write "+r.addr, err)
	}
	return nil
}

func (r *Relay) readLoop(c net.Conn) {
	defer close(r.out)
	for {
		buf := make([]byte, r.bufSize)
		n, err := c.Read(buf)
		if n > 0 {
			select {
			case r.out <- buf[:n]:
			case <-r.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// CloseWrite half-closes the upstream connection so the origin sees EOF
// while its reply keeps flowing to Out. It reports whether an upstream is
// connected.
func (r *Relay) CloseWrite() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || r.closed {
		return false, nil
	}
	if cw, ok := r.conn.(interface{ CloseWrite() error }); ok {
		return true, cw.CloseWrite()
	}
	return true, nil
}

// Close tears down the upstream connection.
func (r *Relay) Close() error {
	r.once.Do(func() { close(r.done) })
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
