package reload

import (
	"log/slog"
	"time"

	"github.com/fabian4/stagegate/internal/config"
	"github.com/fabian4/stagegate/internal/gateway"
	"github.com/fabian4/stagegate/internal/handler"
	"github.com/fabian4/stagegate/internal/metrics"
	"github.com/fabian4/stagegate/internal/stage"
)

// Reloader loads the configuration, builds a fresh instance and swaps it
// into the gateway. Listeners are not touched; entrypoint changes need a
// restart.
type Reloader struct {
	Path    string
	Gateway *handler.Gateway
	Metrics *metrics.Registry
	Stages  *stage.Registry
	// Drain delays closing the replaced instance so in-flight requests
	// finish against it. Zero closes immediately.
	Drain time.Duration

	logger *slog.Logger
}

// NewReloader returns a Reloader for the config at path.
func NewReloader(path string, gw *handler.Gateway, m *metrics.Registry) *Reloader {
	return &Reloader{
		Path:    path,
		Gateway: gw,
		Metrics: m,
		Stages:  stage.NewRegistry(),
		logger:  slog.Default().With("component", "reload"),
	}
}

// Reload applies the file at r.Path. On any error the running instance
// stays in place.
func (r *Reloader) Reload() error {
	cfg, err := config.Load(r.Path)
	if err != nil {
		r.Metrics.IncReload(false)
		return err
	}
	inst, err := gateway.Build(cfg, r.Metrics, r.Stages)
	if err != nil {
		r.Metrics.IncReload(false)
		return err
	}
	if err := inst.Start(); err != nil {
		inst.Close()
		r.Metrics.IncReload(false)
		return err
	}
	prev := r.Gateway.UpdateState(inst)
	if prev != nil {
		if r.Drain > 0 {
			time.AfterFunc(r.Drain, prev.Close)
		} else {
			prev.Close()
		}
	}
	r.Metrics.IncReload(true)
	r.logger.Info("configuration reloaded", "path", r.Path, "routes", len(inst.Routes))
	return nil
}

// OnChange adapts Reload to Watcher.Watch, logging failures.
func (r *Reloader) OnChange() {
	if err := r.Reload(); err != nil {
		r.logger.Error("reload failed; keeping the running configuration", "path", r.Path, "error", err)
	}
}
