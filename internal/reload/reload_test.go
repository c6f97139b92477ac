package reload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fabian4/stagegate/internal/config"
	"github.com/fabian4/stagegate/internal/gateway"
	"github.com/fabian4/stagegate/internal/handler"
	"github.com/fabian4/stagegate/internal/metrics"
)

func configYAML(routeName string) string {
	return fmt.Sprintf(`
entrypoints:
  - {name: web, address: ":8080"}
hosts:
  app: {servers: ["127.0.0.1:9001"]}
pipes:
  main: [round_robin, dispatche, return]
routes:
  - name: %s
    in: {path_prefix: /}
    out: {network: {hosts: app}}
    pipe: main
`, routeName)
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func newReloader(t *testing.T, path string) (*Reloader, *metrics.Registry) {
	t.Helper()
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	m := metrics.New()
	inst, err := gateway.Build(cfg, m, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	gw := handler.NewGateway(inst, nil)
	t.Cleanup(func() { gw.State().Close() })
	return NewReloader(path, gw, m), m
}

func reloadCount(t *testing.T, m *metrics.Registry, result string) float64 {
	t.Helper()
	mfs, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if !strings.HasSuffix(mf.GetName(), "config_reloads_total") {
			continue
		}
		for _, mt := range mf.GetMetric() {
			for _, lp := range mt.GetLabel() {
				if lp.GetName() == "result" && lp.GetValue() == result {
					return mt.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestReloader_SwapsInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, configYAML("first"))
	r, m := newReloader(t, path)
	before := r.Gateway.State()

	writeConfig(t, path, configYAML("second"))
	if err := r.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	after := r.Gateway.State()
	if after == before {
		t.Fatal("instance not swapped")
	}
	if _, ok := after.Routes["second"]; !ok {
		t.Fatalf("routes after reload: %v", after.Routes)
	}
	if got := reloadCount(t, m, "success"); got != 1 {
		t.Fatalf("success reloads: got %v, want 1", got)
	}
}

func TestReloader_KeepsRunningConfigOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, configYAML("first"))
	r, m := newReloader(t, path)
	before := r.Gateway.State()

	writeConfig(t, path, strings.Replace(configYAML("first"), "pipe: main", "pipe: missing", 1))
	if err := r.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if r.Gateway.State() != before {
		t.Fatal("running instance replaced by a broken config")
	}
	if got := reloadCount(t, m, "failure"); got != 1 {
		t.Fatalf("failed reloads: got %v, want 1", got)
	}
}

func TestWatcher_DebouncesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "a")

	w, err := NewWatcher(path, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer w.Close()

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx, func() { calls.Add(1) }) }()

	// Give the goroutine a moment to enter its select loop.
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 3; i++ {
		writeConfig(t, path, fmt.Sprintf("v%d", i))
	}
	// Unrelated files in the same directory are ignored.
	writeConfig(t, filepath.Join(filepath.Dir(path), "other.yaml"), "x")

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("onChange calls: got %d, want 1", got)
	}
}
