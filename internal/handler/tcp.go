package handler

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/fabian4/stagegate/internal/config"
	"github.com/fabian4/stagegate/internal/dispatch"
	"github.com/fabian4/stagegate/internal/gwerr"
	"github.com/fabian4/stagegate/internal/pipeline"
	"github.com/fabian4/stagegate/internal/router"
)

// tcpDiagnostic is written to the client before a failed connection is
// closed.
const tcpDiagnostic = "not found route\n"

// ServeTCP runs one client connection of a tcp entrypoint until either side
// closes, a deadline expires or the pipeline fails. Each chunk read from
// the client runs the route's pipeline; upstream bytes are written back as
// they arrive.
func (g *Gateway) ServeTCP(ctx context.Context, ep config.Entrypoint, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	inst := g.State()
	inst.Metrics.IncActiveConns(ep.Name)
	defer inst.Metrics.DecActiveConns(ep.Name)

	id := uuid.NewString()
	clientIP, addr := clientAddr(conn.RemoteAddr().String())
	logger := g.logger.With("entrypoint", ep.Name, "client", clientIP, "conn_id", id)

	route, err := inst.Resolve(router.Query{Entrypoint: ep.Name, Protocol: config.ProtoTCP, ClientIP: addr})
	if err != nil {
		logger.Info("tcp connection rejected", "kind", gwerr.KindOf(err))
		writeDiagnostic(conn)
		return
	}
	logger = logger.With("route", route.Name)

	relay := dispatch.NewRelay(inst.Transports.DialContext, route.ServerBuf)
	defer func() { _ = relay.Close() }()
	gc := pipeline.NewTCP(id, conn.RemoteAddr().String(), clientIP, relay)

	writeTimeout := inst.Config.Timeouts.Write
	if writeTimeout <= 0 {
		writeTimeout = dispatch.DefaultUpstreamTimeout
	}

	done := make(chan struct{})
	defer close(done)
	chunks := make(chan []byte)
	readErr := make(chan error, 1)
	go readClient(conn, route.ClientBuf, route.InTimeout, chunks, readErr, done)

	// After the client half-closes, readErr is disabled and the loop only
	// drains the upstream reply, bounded by in_timeout when set.
	var drain <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case b := <-chunks:
			gc.Reset(b)
			if err := inst.Execute(ctx, route, gc); err != nil {
				logger.Warn("tcp pipeline failed", "kind", gwerr.KindOf(err), "error", err)
				writeDiagnostic(conn)
				return
			}
		case b, ok := <-relay.Out():
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if _, err := conn.Write(b); err != nil {
				logger.Debug("tcp client write", "error", err)
				return
			}
		case <-drain:
			logger.Debug("tcp upstream drain timeout", "timeout", route.InTimeout)
			return
		case err := <-readErr:
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF):
				connected, cerr := relay.CloseWrite()
				if !connected || cerr != nil {
					return
				}
				readErr = nil
				if route.InTimeout > 0 {
					t := time.NewTimer(route.InTimeout)
					defer t.Stop()
					drain = t.C
				}
				continue
			case errors.As(err, &ne) && ne.Timeout():
				logger.Debug("tcp client idle timeout", "timeout", route.InTimeout)
			default:
				logger.Debug("tcp client read", "error", err)
			}
			return
		}
	}
}

// readClient feeds client chunks to the connection loop. An in_timeout
// applies to each read.
func readClient(conn net.Conn, bufSize int, timeout time.Duration, chunks chan<- []byte, errc chan<- error, done <-chan struct{}) {
	if bufSize <= 0 {
		bufSize = dispatch.DefaultBufSize
	}
	for {
		if timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				errc <- err
				return
			}
		}
		buf := make([]byte, bufSize)
		n, err := conn.Read(buf)
		if n > 0 {
			select {
			case chunks <- buf[:n]:
			case <-done:
				return
			}
		}
		if err != nil {
			errc <- err
			return
		}
	}
}

func writeDiagnostic(conn net.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = io.WriteString(conn, tcpDiagnostic)
}
