// Package stage holds the built-in pipeline stages and the registry that
// turns configured pipe entries into pipeline nodes.
package stage

import (
	"log/slog"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/stagegate/internal/cache"
	"github.com/fabian4/stagegate/internal/config"
	"github.com/fabian4/stagegate/internal/dispatch"
	"github.com/fabian4/stagegate/internal/gwerr"
	"github.com/fabian4/stagegate/internal/lb"
	"github.com/fabian4/stagegate/internal/metrics"
	"github.com/fabian4/stagegate/internal/model"
	"github.com/fabian4/stagegate/internal/pipeline"
	"github.com/fabian4/stagegate/internal/ratelimit"
)

// Env is everything a stage builder may bind its payload to. One Env is
// built per route.
type Env struct {
	Route       config.Route
	Group       *lb.Group // route out group; nil for file routes
	Groups      map[string]*lb.Group
	RouteErrors *model.ErrorPolicy // nil when the route names none

	ServiceLimiter *ratelimit.Limiter // nil when service.ratelimiter is unset
	// OnLimiter is told about every limiter a stage creates.
	OnLimiter func(scope ratelimit.Scope, l *ratelimit.Limiter)

	Memory *cache.MemoryStore
	Redis  cache.Store // nil when service.cache.redis is unset

	HTTP  *dispatch.HTTP
	Files *dispatch.Files // nil for network routes

	ExternalHost string
	HTTPSPort    int // 0 when no https entrypoint exists

	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// BuildFunc decodes a stage payload. node is the zero Node when the pipe
// entry is a bare tag.
type BuildFunc func(node *yaml.Node, env *Env) (any, error)

// Stage pairs a module with its payload builder.
type Stage struct {
	Module   pipeline.Module
	Build    BuildFunc
	HTTPOnly bool
}

// Registry maps tags to stages.
type Registry struct {
	stages map[pipeline.Tag]Stage
}

// NewRegistry returns a registry holding every built-in stage.
func NewRegistry() *Registry {
	r := &Registry{stages: make(map[pipeline.Tag]Stage)}
	r.Register(pipeline.TagBlackWhiteList, Stage{Module: blackWhiteList{}, Build: buildBlackWhiteList})
	r.Register(pipeline.TagRateLimiter, Stage{Module: rateLimiter{}, Build: buildRateLimiter})
	r.Register(pipeline.TagMemoryCacheGet, Stage{Module: cacheGet{pipeline.TagMemoryCacheGet}, Build: buildMemoryCache, HTTPOnly: true})
	r.Register(pipeline.TagMemoryCacheSet, Stage{Module: cacheSet{pipeline.TagMemoryCacheSet}, Build: buildMemoryCache, HTTPOnly: true})
	r.Register(pipeline.TagRedisCacheGet, Stage{Module: cacheGet{pipeline.TagRedisCacheGet}, Build: buildRedisCache, HTTPOnly: true})
	r.Register(pipeline.TagRedisCacheSet, Stage{Module: cacheSet{pipeline.TagRedisCacheSet}, Build: buildRedisCache, HTTPOnly: true})
	r.Register(pipeline.TagHeaderRequest, Stage{Module: headerRequest{}, Build: buildHeader, HTTPOnly: true})
	r.Register(pipeline.TagHeaderResponse, Stage{Module: headerResponse{}, Build: buildHeader, HTTPOnly: true})
	r.Register(pipeline.TagRoundRobin, Stage{Module: balance{pipeline.TagRoundRobin}, Build: buildBalance(lb.RoundRobin{})})
	r.Register(pipeline.TagRandom, Stage{Module: balance{pipeline.TagRandom}, Build: buildBalance(lb.Random{})})
	r.Register(pipeline.TagIPRoundRobin, Stage{Module: balance{pipeline.TagIPRoundRobin}, Build: buildBalance(lb.IPRoundRobin{})})
	r.Register(pipeline.TagDispatchNetwork, Stage{Module: dispatchNetwork{}, Build: buildDispatchNetwork})
	r.Register(pipeline.TagDispatchFile, Stage{Module: dispatchFile{}, Build: buildDispatchFile, HTTPOnly: true})
	r.Register(pipeline.TagUpgradeInsecure, Stage{Module: upgradeInsecure{}, Build: buildUpgradeInsecure, HTTPOnly: true})
	r.Register(pipeline.TagReturn, Stage{Module: materialize{}, Build: noPayload})
	return r
}

// Register adds or replaces the stage for tag.
func (r *Registry) Register(tag pipeline.Tag, s Stage) {
	r.stages[tag] = s
}

// Tags lists the registered tags, sorted.
func (r *Registry) Tags() []string {
	out := make([]string, 0, len(r.stages))
	for t := range r.stages {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// Build turns a configured pipe into a pipeline bound to env. The generic
// "dispatche" tag resolves to the route's outbound kind.
func (r *Registry) Build(name string, specs []config.StageSpec, env *Env) (*pipeline.Pipeline, error) {
	p := &pipeline.Pipeline{Name: name}
	for i := range specs {
		spec := &specs[i]
		tag := pipeline.Tag(spec.Tag)
		if tag == pipeline.TagDispatch {
			tag = pipeline.TagDispatchNetwork
			if env.Route.Out.Kind == config.OutFile {
				tag = pipeline.TagDispatchFile
			}
		}
		st, ok := r.stages[tag]
		if !ok {
			return nil, gwerr.Errorf(gwerr.ErrConfig, "", "pipes[%s][%d]: unknown stage %q (line %d)", name, i, spec.Tag, spec.Line)
		}
		if st.HTTPOnly && env.Route.Protocol == config.ProtoTCP {
			return nil, gwerr.Errorf(gwerr.ErrConfig, "", "pipes[%s][%d]: stage %q is not available on tcp route %q", name, i, tag, env.Route.Name)
		}
		payload, err := st.Build(&spec.Payload, env)
		if err != nil {
			return nil, gwerr.Errorf(gwerr.ErrConfig, "", "pipes[%s][%d] %s (line %d): %v", name, i, tag, spec.Line, err)
		}
		p.Nodes = append(p.Nodes, pipeline.Node{Tag: tag, Module: st.Module, Payload: payload})
	}
	return p, nil
}

// decode fills v from node; a bare tag leaves v untouched.
func decode(node *yaml.Node, v any) error {
	if node == nil || node.Kind == 0 {
		return nil
	}
	if node.Kind == yaml.ScalarNode && (node.Tag == "!!null" || node.Value == "") {
		return nil
	}
	return node.Decode(v)
}

func noPayload(*yaml.Node, *Env) (any, error) { return nil, nil }

func payloadAs[T any](tag pipeline.Tag, payload any) (T, error) {
	p, ok := payload.(T)
	if !ok {
		var zero T
		return zero, gwerr.Errorf(gwerr.ErrPayloadMismatch, string(tag), "unexpected payload %T", payload)
	}
	return p, nil
}

func httpContext(tag pipeline.Tag, gc *pipeline.Context) (*pipeline.HTTPContext, error) {
	if gc.HTTP == nil {
		return nil, gwerr.Errorf(gwerr.ErrPayloadMismatch, string(tag), "stage requires an http context")
	}
	return gc.HTTP, nil
}
