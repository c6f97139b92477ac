package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabian4/stagegate/internal/admin"
	"github.com/fabian4/stagegate/internal/config"
	"github.com/fabian4/stagegate/internal/gateway"
	"github.com/fabian4/stagegate/internal/handler"
	"github.com/fabian4/stagegate/internal/logging"
	"github.com/fabian4/stagegate/internal/metrics"
	"github.com/fabian4/stagegate/internal/reload"
	"github.com/fabian4/stagegate/internal/stage"
)

const shutdownTimeout = 5 * time.Second

var runFlags struct {
	logLevel string
	noWatch  bool
	drain    time.Duration
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway",
	Long: `Start every configured entrypoint and the admin server, then serve
until SIGINT or SIGTERM. The config file is watched and reloaded on change.

Examples:
  gateway run -c /etc/stagegate/config.yaml
  gateway run --log-level debug --no-watch`,
	Args: cobra.NoArgs,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)
	for _, c := range []*cobra.Command{rootCmd, runCmd} {
		c.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
		c.Flags().BoolVar(&runFlags.noWatch, "no-watch", false, "disable config hot reload")
		c.Flags().DurationVar(&runFlags.drain, "drain", 30*time.Second, "how long a replaced configuration keeps serving in-flight work")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if runFlags.logLevel != "" {
		cfg.Log.Level = runFlags.logLevel
	}
	logger, err := logging.Setup(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	accessLog, closeLog, err := openAccessLog(cfg.AccessLog)
	if err != nil {
		return err
	}
	defer closeLog()

	m := metrics.New()
	stages := stage.NewRegistry()
	inst, err := gateway.Build(cfg, m, stages)
	if err != nil {
		return err
	}
	if err := inst.Start(); err != nil {
		inst.Close()
		return err
	}
	gw := handler.NewGateway(inst, accessLog)
	defer func() { gw.State().Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := newServers(logger)
	for _, ep := range cfg.Entrypoints {
		if err := srv.listen(ctx, gw, ep, cfg.Timeouts); err != nil {
			srv.shutdown()
			return err
		}
	}
	if cfg.Admin.Address != "" {
		a := admin.New(gw.State, m)
		if err := srv.serveHTTP("admin", &http.Server{
			Addr:              cfg.Admin.Address,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}, "", ""); err != nil {
			srv.shutdown()
			return err
		}
	}

	if !runFlags.noWatch {
		rl := reload.NewReloader(cfgFile, gw, m)
		rl.Stages = stages
		rl.Drain = runFlags.drain
		w, err := reload.NewWatcher(cfgFile, reload.DefaultDebounce)
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		} else {
			defer w.Close()
			go func() { _ = w.Watch(ctx, rl.OnChange) }()
		}
	}

	logger.Info("stagegate started",
		"version", Version,
		"entrypoints", len(cfg.Entrypoints),
		"routes", len(cfg.Routes),
		"admin", cfg.Admin.Address,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-srv.errc:
		logger.Error("listener failed", "error", err)
	}
	stop()
	srv.shutdown()
	return err
}

// openAccessLog opens the sink even when the log is disabled so a reload
// can switch it on.
func openAccessLog(c config.AccessLogConfig) (io.Writer, func(), error) {
	if c.Path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(c.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open access log: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// servers owns every listener the process opened.
type servers struct {
	logger *slog.Logger
	errc   chan error

	mu   sync.Mutex
	http []*http.Server
	tcp  []net.Listener
	wg   sync.WaitGroup
}

func newServers(logger *slog.Logger) *servers {
	return &servers{logger: logger, errc: make(chan error, 1)}
}

func (s *servers) fail(err error) {
	select {
	case s.errc <- err:
	default:
	}
}

func (s *servers) listen(ctx context.Context, gw *handler.Gateway, ep config.Entrypoint, t config.Timeouts) error {
	switch ep.Protocol {
	case config.ProtoHTTP, config.ProtoHTTPS:
		return s.serveHTTP(ep.Name, &http.Server{
			Addr:              ep.Address,
			Handler:           gw.HTTP(ep),
			ReadTimeout:       t.Read,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      t.Write,
			IdleTimeout:       60 * time.Second,
		}, ep.CertFile, ep.KeyFile)
	case config.ProtoTCP:
		return s.serveTCP(ctx, gw, ep)
	default:
		return fmt.Errorf("entrypoint %q: unsupported protocol %q", ep.Name, ep.Protocol)
	}
}

func (s *servers) serveHTTP(name string, hs *http.Server, certFile, keyFile string) error {
	ln, err := net.Listen("tcp", hs.Addr)
	if err != nil {
		return fmt.Errorf("entrypoint %q: %w", name, err)
	}
	s.mu.Lock()
	s.http = append(s.http, hs)
	s.mu.Unlock()
	s.logger.Info("listening", "entrypoint", name, "address", ln.Addr().String(), "tls", certFile != "")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if certFile != "" {
			err = hs.ServeTLS(ln, certFile, keyFile)
		} else {
			err = hs.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.fail(fmt.Errorf("entrypoint %q: %w", name, err))
		}
	}()
	return nil
}

func (s *servers) serveTCP(ctx context.Context, gw *handler.Gateway, ep config.Entrypoint) error {
	ln, err := net.Listen("tcp", ep.Address)
	if err != nil {
		return fmt.Errorf("entrypoint %q: %w", ep.Name, err)
	}
	s.mu.Lock()
	s.tcp = append(s.tcp, ln)
	s.mu.Unlock()
	s.logger.Info("listening", "entrypoint", ep.Name, "address", ln.Addr().String(), "protocol", ep.Protocol)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var conns sync.WaitGroup
		defer conns.Wait()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				s.fail(fmt.Errorf("entrypoint %q: %w", ep.Name, err))
				return
			}
			conns.Add(1)
			go func() {
				defer conns.Done()
				gw.ServeTCP(ctx, ep, conn)
			}()
		}
	}()
	return nil
}

// shutdown stops accepting, drains HTTP servers and waits for TCP sessions,
// which end once the signal context is cancelled.
func (s *servers) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.mu.Lock()
	hs, tl := s.http, s.tcp
	s.mu.Unlock()
	for _, ln := range tl {
		_ = ln.Close()
	}
	for _, srv := range hs {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown", "address", srv.Addr, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown timed out with open connections")
	}
}
