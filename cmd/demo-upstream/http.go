package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

var httpFlags struct {
	addr string
	name string
}

var httpCmd = &cobra.Command{
	Use:   "http",
	Short: "Serve an HTTP echo origin",
	Long: `Serve an HTTP origin that echoes the request back as plain text.

  /status/{code}  answer with the given status (exercises error policies)
  /sleep/{ms}     wait before answering (exercises upstream timeouts)
  anything else   echo request line, headers and body

Every response carries X-Origin (the --name flag) and X-Served, a per-process
counter that makes cache hits visible.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveHTTP(cmd.Context(), httpFlags.addr, newEchoHandler(httpFlags.name))
	},
}

func init() {
	rootCmd.AddCommand(httpCmd)
	httpCmd.Flags().StringVar(&httpFlags.addr, "addr", ":9001", "listen address")
	httpCmd.Flags().StringVar(&httpFlags.name, "name", "origin", "value of the X-Origin response header")
}

type echoHandler struct {
	name   string
	served atomic.Int64
	mux    *http.ServeMux
}

func newEchoHandler(name string) *echoHandler {
	h := &echoHandler{name: name, mux: http.NewServeMux()}
	h.mux.HandleFunc("/status/", h.status)
	h.mux.HandleFunc("/sleep/", h.sleep)
	h.mux.HandleFunc("/", h.echo)
	return h
}

func (h *echoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Origin", h.name)
	w.Header().Set("X-Served", strconv.FormatInt(h.served.Add(1), 10))
	h.mux.ServeHTTP(w, r)
}

func (h *echoHandler) status(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/status/"))
	if err != nil || code < 100 || code > 999 {
		http.Error(w, "bad status code", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, "%s answered %d\n", h.name, code)
}

func (h *echoHandler) sleep(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/sleep/"))
	if err != nil || ms < 0 {
		http.Error(w, "bad sleep value", http.StatusBadRequest)
		return
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-r.Context().Done():
		return
	}
	h.echo(w, r)
}

func (h *echoHandler) echo(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	var b strings.Builder
	fmt.Fprintf(&b, "origin: %s\n", h.name)
	fmt.Fprintf(&b, "remote: %s\n", r.RemoteAddr)
	fmt.Fprintf(&b, "%s %s %s\n", r.Method, r.URL.RequestURI(), r.Proto)
	fmt.Fprintf(&b, "host: %s\n", r.Host)
	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, strings.Join(r.Header[k], ", "))
	}
	fmt.Fprintf(&b, "\n%s", body)
	_, _ = io.WriteString(w, b.String())
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("http echo listening", "address", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
