// Package gateway turns a validated configuration into a running instance:
// host groups, cache stores, limiters, one pipeline per route and the route
// table. A reload builds a new Instance and closes the old one.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fabian4/stagegate/internal/cache"
	"github.com/fabian4/stagegate/internal/config"
	"github.com/fabian4/stagegate/internal/dispatch"
	"github.com/fabian4/stagegate/internal/forward"
	"github.com/fabian4/stagegate/internal/gwerr"
	"github.com/fabian4/stagegate/internal/lb"
	"github.com/fabian4/stagegate/internal/metrics"
	"github.com/fabian4/stagegate/internal/model"
	"github.com/fabian4/stagegate/internal/pipeline"
	"github.com/fabian4/stagegate/internal/ratelimit"
	"github.com/fabian4/stagegate/internal/router"
	"github.com/fabian4/stagegate/internal/stage"
)

// limiterPruneEvery is how often idle per-IP buckets are dropped.
const limiterPruneEvery = time.Minute

// Route is a configured route bound to its pipeline and stores.
type Route struct {
	config.Route
	Pipeline *pipeline.Pipeline
	Group    *lb.Group          // nil for file routes
	Memory   *cache.MemoryStore // nil for tcp routes
}

// Instance is everything one configuration generation needs to serve
// traffic.
type Instance struct {
	Config     *config.Config
	Routes     map[string]*Route
	Groups     map[string]*lb.Group
	Engine     *pipeline.Engine
	Transports *forward.Registry
	Redis      *cache.RedisStore // nil when not configured
	Metrics    *metrics.Registry

	table      *router.Table[*Route]
	sweeper    *cache.Sweeper
	janitor    *cron.Cron
	ipLimiters []*ratelimit.Limiter
	logger     *slog.Logger
	closeOnce  sync.Once
}

// Build wires cfg into an Instance. Nothing runs in the background until
// Start.
func Build(cfg *config.Config, m *metrics.Registry, stages *stage.Registry) (*Instance, error) {
	if stages == nil {
		stages = stage.NewRegistry()
	}
	in := &Instance{
		Config:     cfg,
		Routes:     make(map[string]*Route, len(cfg.Routes)),
		Groups:     make(map[string]*lb.Group, len(cfg.Hosts)),
		Transports: forward.NewDefaultRegistry(),
		Metrics:    m,
		table:      router.New[*Route](),
		janitor:    cron.New(),
		logger:     slog.Default().With("component", "gateway"),
	}
	in.Engine = &pipeline.Engine{Observe: in.observe}
	in.sweeper = cache.NewSweeper(cfg.Cache.ClearInterval, func(store string, n int) {
		m.AddCacheEvictions(store, n)
	})

	events := lb.Events{
		OnEject: func(group string, h *lb.Host, permanent bool) {
			m.IncEjection(group, h.Endpoint(), permanent)
			in.logger.Warn("host ejected", "group", group, "host", h.Endpoint(), "permanent", permanent)
		},
		OnReinstate: func(group string, h *lb.Host) {
			m.IncReinstatement(group, h.Endpoint())
			in.logger.Info("host reinstated", "group", group, "host", h.Endpoint())
		},
	}
	for name, hg := range cfg.Hosts {
		policy, err := lb.ParsePolicy(hg.Policy)
		if err != nil {
			return nil, gwerr.Errorf(gwerr.ErrConfig, "build", "hosts[%s]: %v", name, err)
		}
		g := lb.NewGroup(name, hg.Servers, policy, events)
		g.Scheme = hg.Scheme
		g.Transport = forward.ProtoHTTP1
		if hg.Insecure {
			g.Transport = forward.ProtoInsecureHTTP1
		}
		if hg.Error != "" {
			g.ErrorPolicy = cfg.Errors[hg.Error]
		}
		in.Groups[name] = g
	}

	httpd := dispatch.NewHTTP(in.Transports)
	if cfg.Timeouts.Upstream > 0 {
		httpd.DefaultTimeout = cfg.Timeouts.Upstream
	}

	if r := cfg.Cache.Redis; r != nil {
		in.Redis = cache.NewRedisStore(cache.RedisOptions{
			Addr:     r.Address,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
		})
	}

	var serviceLimiter *ratelimit.Limiter
	if cfg.ServiceLimit != nil {
		serviceLimiter = ratelimit.NewLimiter(*cfg.ServiceLimit)
	}
	httpsPort, err := httpsPort(cfg.Entrypoints)
	if err != nil {
		return nil, gwerr.Errorf(gwerr.ErrConfig, "build", "%v", err)
	}

	for _, rc := range cfg.Routes {
		r := &Route{Route: rc}
		env := &stage.Env{
			Route:          rc,
			Groups:         in.Groups,
			ServiceLimiter: serviceLimiter,
			OnLimiter: func(scope ratelimit.Scope, l *ratelimit.Limiter) {
				if scope == ratelimit.ScopeIP {
					in.ipLimiters = append(in.ipLimiters, l)
				}
			},
			HTTP:         httpd,
			ExternalHost: cfg.ExternalHost,
			HTTPSPort:    httpsPort,
			Metrics:      m,
			Logger:       slog.Default().With("component", "stage", "route", rc.Name),
		}
		if in.Redis != nil {
			env.Redis = in.Redis
		}
		switch rc.Out.Kind {
		case config.OutNetwork:
			r.Group = in.Groups[rc.Out.Hosts]
			env.Group = r.Group
		case config.OutFile:
			env.Files = &dispatch.Files{Root: rc.Out.Root, Index: rc.Out.Index}
		}
		if rc.Error != "" {
			env.RouteErrors = cfg.Errors[rc.Error]
		}
		if rc.Protocol != config.ProtoTCP {
			r.Memory = cache.NewMemoryStore()
			env.Memory = r.Memory
			in.sweeper.Register(rc.Name, r.Memory)
		}
		p, err := stages.Build(rc.Pipe, cfg.Pipes[rc.Pipe], env)
		if err != nil {
			return nil, fmt.Errorf("routes[%s]: %w", rc.Name, err)
		}
		r.Pipeline = p
		in.Routes[rc.Name] = r
		in.table.Add(rc, r)
	}
	return in, nil
}

// httpsPort returns the port of the first https entrypoint, or 0.
func httpsPort(eps []config.Entrypoint) (int, error) {
	for _, ep := range eps {
		if ep.Protocol != config.ProtoHTTPS {
			continue
		}
		_, port, err := net.SplitHostPort(ep.Address)
		if err != nil {
			return 0, fmt.Errorf("entrypoints[%s].address: %v", ep.Name, err)
		}
		n, err := strconv.Atoi(port)
		if err != nil {
			return 0, fmt.Errorf("entrypoints[%s].address: invalid port %q", ep.Name, port)
		}
		return n, nil
	}
	return 0, nil
}

// Start launches the cache sweeper and the limiter janitor.
func (in *Instance) Start() error {
	if err := in.sweeper.Start(); err != nil {
		return err
	}
	if len(in.ipLimiters) > 0 {
		spec := fmt.Sprintf("@every %s", limiterPruneEvery)
		if _, err := in.janitor.AddFunc(spec, in.pruneLimiters); err != nil {
			return fmt.Errorf("schedule limiter prune: %w", err)
		}
		in.janitor.Start()
	}
	if in.Redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := in.Redis.Ping(ctx); err != nil {
			in.logger.Warn("redis unreachable; redis cache stages will fail until it recovers", "error", err)
		}
	}
	in.logger.Info("instance started", "routes", len(in.Routes), "groups", len(in.Groups))
	return nil
}

// pruneLimiters drops per-IP buckets idle for a full period. Such a bucket
// has refilled, so dropping it changes nothing for the client.
func (in *Instance) pruneLimiters() {
	for _, l := range in.ipLimiters {
		if n := l.Prune(l.Config().Period); n > 0 {
			in.logger.Debug("pruned idle limiter buckets", "count", n)
		}
	}
}

// Close stops background work and releases connections. Reinstatement
// timers already scheduled keep running against this instance's pools.
func (in *Instance) Close() {
	in.closeOnce.Do(func() {
		in.sweeper.Stop()
		<-in.janitor.Stop().Done()
		in.Transports.CloseIdle()
		if in.Redis != nil {
			if err := in.Redis.Close(); err != nil {
				in.logger.Warn("close redis", "error", err)
			}
		}
	})
}

// Resolve finds the route for q.
func (in *Instance) Resolve(q router.Query) (*Route, error) {
	return in.table.Resolve(q)
}

// Execute runs r's pipeline over gc.
func (in *Instance) Execute(ctx context.Context, r *Route, gc *pipeline.Context) error {
	gc.Route = r.Name
	return in.Engine.Execute(ctx, gc, r.Pipeline)
}

// Finish turns an executed HTTP context into the response to write. Any
// error, or a chain that never materialized, yields the 404 page; the
// error kind is logged, never sent to the client.
func (in *Instance) Finish(gc *pipeline.Context, err error) *model.Response {
	if err != nil {
		in.logger.Warn("request failed",
			"route", gc.Route, "kind", gwerr.KindOf(err), "error", err,
			"client", gc.ClientIP, "request_id", gc.ID)
		return model.NotFoundPage()
	}
	if gc.HTTP == nil {
		return model.NotFoundPage()
	}
	if m := gc.HTTP.Materialized; m != nil {
		return m
	}
	// chains without a return stage, or stopped by an immediate cache hit
	if r := gc.HTTP.Response; r != nil {
		return r
	}
	return model.NotFoundPage()
}

// PurgeCache empties the memory cache of route. It reports false for an
// unknown route or one without a memory store.
func (in *Instance) PurgeCache(route string) (int, bool) {
	r, ok := in.Routes[route]
	if !ok || r.Memory == nil {
		return 0, false
	}
	return r.Memory.Purge(), true
}

// Snapshot lists every host group's pool state, keyed by group.
func (in *Instance) Snapshot() map[string][]lb.HostState {
	out := make(map[string][]lb.HostState, len(in.Groups))
	for name, g := range in.Groups {
		out[name] = g.Profile.Snapshot()
	}
	return out
}

func (in *Instance) observe(p string, tag pipeline.Tag, d time.Duration, err error) {
	in.Metrics.ObserveStage(p, string(tag), d)
	if err != nil {
		in.Metrics.IncStageError(string(tag), gwerr.KindOf(err))
	}
}
