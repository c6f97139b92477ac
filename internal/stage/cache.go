package stage

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/stagegate/internal/cache"
	"github.com/fabian4/stagegate/internal/config"
	"github.com/fabian4/stagegate/internal/metrics"
	"github.com/fabian4/stagegate/internal/pipeline"
)

type cachePayload struct {
	backend string
	store   cache.Store
	policy  cache.Policy
	back    bool
	route   string
	metrics *metrics.Registry
	logger  *slog.Logger
}

func buildCachePayload(node *yaml.Node, env *Env, backend string, store cache.Store) (any, error) {
	var raw struct {
		Expire string `yaml:"expire"`
		Hit    int    `yaml:"hit"`
		Back   bool   `yaml:"back"`
	}
	if err := decode(node, &raw); err != nil {
		return nil, err
	}
	if raw.Hit < 0 {
		return nil, fmt.Errorf("hit must be >= 0")
	}
	p := &cachePayload{
		backend: backend,
		store:   store,
		policy:  cache.Policy{HitLimit: raw.Hit},
		back:    raw.Back,
		route:   env.Route.Name,
		metrics: env.Metrics,
		logger:  env.Logger,
	}
	if raw.Expire != "" {
		d, err := config.ParseDuration(raw.Expire)
		if err != nil {
			return nil, fmt.Errorf("expire: %w", err)
		}
		p.policy.TTL = d
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

func buildMemoryCache(node *yaml.Node, env *Env) (any, error) {
	if env.Memory == nil {
		return nil, fmt.Errorf("memory cache is not available")
	}
	return buildCachePayload(node, env, "memory", env.Memory)
}

func buildRedisCache(node *yaml.Node, env *Env) (any, error) {
	if env.Redis == nil {
		return nil, fmt.Errorf("service.cache.redis is not configured")
	}
	return buildCachePayload(node, env, "redis", env.Redis)
}

func cacheable(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

type cacheGet struct{ tag pipeline.Tag }

// Execute copies a hit into the response and marks the context fresh and
// cache-hit; with back set it also asks the engine to stop.
func (m cacheGet) Execute(ctx context.Context, gc *pipeline.Context, payload any) error {
	p, err := payloadAs[*cachePayload](m.tag, payload)
	if err != nil {
		return err
	}
	h, err := httpContext(m.tag, gc)
	if err != nil {
		return err
	}
	if !cacheable(h.Request.Method) {
		return nil
	}
	resp, ok, err := p.store.Get(ctx, h.Request.URI, p.policy)
	if err != nil {
		return err
	}
	p.metrics.IncCacheLookup(p.backend, p.route, ok)
	if !ok {
		return nil
	}
	p.logger.Debug("cache hit", "backend", p.backend, "route", p.route, "uri", h.Request.URI, "request_id", gc.ID)
	h.Response = resp
	h.Fresh = true
	h.CacheHit = true
	h.ServedFromCache = true
	if p.back {
		gc.Immediate = true
	}
	return nil
}

type cacheSet struct{ tag pipeline.Tag }

// Execute stores the current response. Server errors are not cached.
func (m cacheSet) Execute(ctx context.Context, gc *pipeline.Context, payload any) error {
	p, err := payloadAs[*cachePayload](m.tag, payload)
	if err != nil {
		return err
	}
	h, err := httpContext(m.tag, gc)
	if err != nil {
		return err
	}
	if h.Response == nil || h.Response.Status >= http.StatusInternalServerError || !cacheable(h.Request.Method) {
		return nil
	}
	return p.store.Set(ctx, h.Request.URI, h.Response, p.policy)
}
