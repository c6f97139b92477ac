package stage

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/stagegate/internal/acl"
	"github.com/fabian4/stagegate/internal/config"
	"github.com/fabian4/stagegate/internal/gwerr"
	"github.com/fabian4/stagegate/internal/metrics"
	"github.com/fabian4/stagegate/internal/pipeline"
	"github.com/fabian4/stagegate/internal/ratelimit"
)

type ipSource struct {
	Memory []string `yaml:"memory"`
	File   string   `yaml:"file"`
}

type bwlPayload struct {
	matcher *acl.Matcher
	route   string
	metrics *metrics.Registry
}

func buildBlackWhiteList(node *yaml.Node, env *Env) (any, error) {
	var raw struct {
		White *ipSource `yaml:"white_list"`
		Black *ipSource `yaml:"black_list"`
	}
	if err := decode(node, &raw); err != nil {
		return nil, err
	}
	if raw.White == nil && raw.Black == nil {
		return nil, fmt.Errorf("white_list or black_list is required")
	}
	m := &acl.Matcher{}
	if raw.White != nil {
		l, err := config.LoadIPs(raw.White.Memory, raw.White.File)
		if err != nil {
			return nil, fmt.Errorf("white_list: %w", err)
		}
		m.White = l
	}
	if raw.Black != nil {
		l, err := config.LoadIPs(raw.Black.Memory, raw.Black.File)
		if err != nil {
			return nil, fmt.Errorf("black_list: %w", err)
		}
		m.Black = l
	}
	return &bwlPayload{matcher: m, route: env.Route.Name, metrics: env.Metrics}, nil
}

type blackWhiteList struct{}

func (blackWhiteList) Execute(_ context.Context, gc *pipeline.Context, payload any) error {
	p, err := payloadAs[*bwlPayload](pipeline.TagBlackWhiteList, payload)
	if err != nil {
		return err
	}
	if !p.matcher.AllowString(gc.ClientIP) {
		p.metrics.IncRejection(p.route, "acl")
		return gwerr.Errorf(gwerr.ErrACLRejected, string(pipeline.TagBlackWhiteList), "client %s", gc.ClientIP)
	}
	return nil
}

type limitPayload struct {
	scope   ratelimit.Scope
	limiter *ratelimit.Limiter
	route   string
	metrics *metrics.Registry
}

// buildRateLimiter binds the service scope to the shared service limiter.
// Other scopes get their own limiter from the inline requests and period,
// or from the route's ratelimiter block.
func buildRateLimiter(node *yaml.Node, env *Env) (any, error) {
	var raw struct {
		Type     string `yaml:"type"`
		Requests int    `yaml:"requests"`
		Period   string `yaml:"period"`
	}
	if err := decode(node, &raw); err != nil {
		return nil, err
	}
	rl := env.Route.RateLimit
	scope := ratelimit.ScopeRoute
	if rl != nil {
		scope = rl.Scope
	}
	if raw.Type != "" {
		s, err := ratelimit.ParseScope(raw.Type)
		if err != nil {
			return nil, err
		}
		scope = s
	}
	p := &limitPayload{scope: scope, route: env.Route.Name, metrics: env.Metrics}

	inline := raw.Requests > 0 || raw.Period != ""
	switch {
	case scope == ratelimit.ScopeService:
		if inline {
			return nil, fmt.Errorf("service scope takes its limits from service.ratelimiter")
		}
		if env.ServiceLimiter == nil {
			return nil, fmt.Errorf("service scope needs service.ratelimiter")
		}
		p.limiter = env.ServiceLimiter
		return p, nil
	case inline:
		period, err := config.ParseDuration(raw.Period)
		if err != nil {
			return nil, fmt.Errorf("period: %w", err)
		}
		cfg := ratelimit.Config{Requests: raw.Requests, Period: period}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		p.limiter = ratelimit.NewLimiter(cfg)
	case rl != nil:
		p.limiter = ratelimit.NewLimiter(rl.Config)
	default:
		return nil, fmt.Errorf("no limits: set requests/period or routes[].ratelimiter")
	}
	if env.OnLimiter != nil {
		env.OnLimiter(p.scope, p.limiter)
	}
	return p, nil
}

type rateLimiter struct{}

func (rateLimiter) Execute(_ context.Context, gc *pipeline.Context, payload any) error {
	p, err := payloadAs[*limitPayload](pipeline.TagRateLimiter, payload)
	if err != nil {
		return err
	}
	var key string
	switch p.scope {
	case ratelimit.ScopeService:
		key = ratelimit.ServiceKey
	case ratelimit.ScopeIP:
		key = gc.ClientIP
	default:
		key = p.route
	}
	if !p.limiter.Allow(key) {
		p.metrics.IncRejection(p.route, "rate_limited")
		return gwerr.Errorf(gwerr.ErrRateLimited, string(pipeline.TagRateLimiter), "%s key %q", p.scope, key)
	}
	return nil
}
