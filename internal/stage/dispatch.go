package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/stagegate/internal/dispatch"
	"github.com/fabian4/stagegate/internal/gwerr"
	"github.com/fabian4/stagegate/internal/lb"
	"github.com/fabian4/stagegate/internal/metrics"
	"github.com/fabian4/stagegate/internal/model"
	"github.com/fabian4/stagegate/internal/pipeline"
)

type networkPayload struct {
	http        *dispatch.HTTP
	group       *lb.Group
	routeErrors *model.ErrorPolicy
	pathPrefix  string
	route       string
	metrics     *metrics.Registry
	logger      *slog.Logger
}

func buildDispatchNetwork(_ *yaml.Node, env *Env) (any, error) {
	if env.Group == nil {
		return nil, fmt.Errorf("route %q has no network outbound", env.Route.Name)
	}
	if env.HTTP == nil {
		return nil, fmt.Errorf("no upstream dispatcher")
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &networkPayload{
		http:        env.HTTP,
		group:       env.Group,
		routeErrors: env.RouteErrors,
		pathPrefix:  env.Route.Out.Path,
		route:       env.Route.Name,
		metrics:     env.Metrics,
		logger:      logger,
	}, nil
}

type dispatchNetwork struct{}

func (dispatchNetwork) Execute(ctx context.Context, gc *pipeline.Context, payload any) error {
	p, err := payloadAs[*networkPayload](pipeline.TagDispatchNetwork, payload)
	if err != nil {
		return err
	}
	group := gc.Redirect.Group
	if group == nil {
		group = p.group
	}
	ep := group.ErrorPolicy
	if ep == nil {
		ep = p.routeErrors
	}
	if ep == nil {
		ep = model.DefaultErrorPolicy
	}
	gc.Redirect.ErrorPolicy = ep
	policy := gc.Redirect.Policy
	if policy == nil {
		policy = group.Policy
	}
	if gc.TCP != nil {
		return p.relay(ctx, gc, group, policy, ep)
	}
	return p.call(ctx, gc, group, policy, ep)
}

// pick consumes a pre-selected host first, then asks the policy. Hosts in
// tried are skipped: when the policy repeats one (a weighted host keeps the
// cursor), the first untried active host is taken instead.
func pick(gc *pipeline.Context, group *lb.Group, policy lb.Policy, tried map[int]bool) (*lb.Host, bool) {
	if h := gc.Redirect.Host; h != nil {
		gc.Redirect.Host = nil
		if !tried[h.Index] {
			return h, true
		}
	}
	if h, ok := policy.Pick(group.Profile, gc.ClientIP); ok && !tried[h.Index] {
		return h, true
	}
	for _, h := range group.Profile.Active.Hosts() {
		if !tried[h.Index] {
			return h, true
		}
	}
	return nil, false
}

// call runs the HTTP retry loop. Each active host is tried at most once
// per request.
func (p *networkPayload) call(ctx context.Context, gc *pipeline.Context, group *lb.Group, policy lb.Policy, ep *model.ErrorPolicy) error {
	h := gc.HTTP
	tried := make(map[int]bool, group.HostCount)

	var lastErr error
	var lastResp *model.Response
	for {
		host, ok := pick(gc, group, policy, tried)
		if !ok {
			break
		}
		tried[host.Index] = true
		gc.Redirect.Previous = host.Index
		gc.Redirect.Attempts++
		target := dispatch.Target{
			Scheme:     group.Scheme,
			Addr:       host.Endpoint(),
			PathPrefix: p.pathPrefix,
			Transport:  group.Transport,
			Timeout:    host.Timeout,
		}
		resp, err := p.http.Do(ctx, target, h.Request)
		if err != nil {
			p.fail(gc, group, host, gwerr.KindOf(err))
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return err
			}
			lastErr, lastResp = err, nil
			if ep.PassNext {
				continue
			}
			return err
		}
		if ep.Matches(resp.Status) {
			p.fail(gc, group, host, fmt.Sprintf("status_%d", resp.Status))
			lastErr, lastResp = nil, resp
			if ep.PassNext {
				continue
			}
			applyFallback(h, ep, resp)
			return nil
		}
		p.metrics.IncUpstreamCall(group.Name, host.Endpoint(), "ok")
		h.Response = resp
		h.Fresh = true
		return nil
	}

	// exhausted or no host left
	switch {
	case ep.Fallback == model.FallbackStatus:
		applyFallback(h, ep, lastResp)
		return nil
	case lastResp != nil:
		applyFallback(h, ep, lastResp)
		return nil
	case lastErr != nil:
		return lastErr
	}
	return gwerr.Errorf(gwerr.ErrNoHost, string(pipeline.TagDispatchNetwork), "group %q", group.Name)
}

func (p *networkPayload) fail(gc *pipeline.Context, group *lb.Group, host *lb.Host, reason string) {
	p.metrics.IncUpstreamCall(group.Name, host.Endpoint(), "failure")
	ejected := group.Profile.ReportFailure(host)
	p.logger.Warn("upstream failure",
		"route", p.route, "group", group.Name, "host", host.Endpoint(),
		"reason", reason, "ejected", ejected, "request_id", gc.ID)
}

// applyFallback keeps the upstream response for the origin fallback, or
// substitutes the configured status page.
func applyFallback(h *pipeline.HTTPContext, ep *model.ErrorPolicy, resp *model.Response) {
	if ep.Fallback == model.FallbackStatus || resp == nil {
		code := ep.Status
		if code == 0 {
			code = 502
		}
		resp = model.StatusPage(code)
	}
	h.Response = resp
	h.Fresh = true
}

// relay forwards one TCP chunk. The first chunk picks and connects a host;
// later chunks reuse it.
func (p *networkPayload) relay(ctx context.Context, gc *pipeline.Context, group *lb.Group, policy lb.Policy, ep *model.ErrorPolicy) error {
	t := gc.TCP
	if t.Host != nil {
		if err := t.Relay.Send(ctx, t.Host.Endpoint(), t.Inbound, t.Host.Timeout); err != nil {
			p.fail(gc, t.Group, t.Host, gwerr.KindOf(err))
			return err
		}
		return nil
	}

	tried := make(map[int]bool, group.HostCount)
	var lastErr error
	for {
		host, ok := pick(gc, group, policy, tried)
		if !ok {
			break
		}
		tried[host.Index] = true
		gc.Redirect.Previous = host.Index
		gc.Redirect.Attempts++
		err := t.Relay.Send(ctx, host.Endpoint(), t.Inbound, host.Timeout)
		if err == nil {
			p.metrics.IncUpstreamCall(group.Name, host.Endpoint(), "ok")
			t.Host = host
			t.Group = group
			return nil
		}
		p.fail(gc, group, host, gwerr.KindOf(err))
		lastErr = err
		// a failed write leaves the relay connected to a broken upstream
		if t.Relay.Addr() != "" || !ep.PassNext {
			return err
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return gwerr.Errorf(gwerr.ErrNoHost, string(pipeline.TagDispatchNetwork), "group %q", group.Name)
}

type dispatchFile struct{}

func buildDispatchFile(_ *yaml.Node, env *Env) (any, error) {
	if env.Files == nil {
		return nil, fmt.Errorf("route %q has no file outbound", env.Route.Name)
	}
	return env.Files, nil
}

func (dispatchFile) Execute(_ context.Context, gc *pipeline.Context, payload any) error {
	f, err := payloadAs[*dispatch.Files](pipeline.TagDispatchFile, payload)
	if err != nil {
		return err
	}
	h, err := httpContext(pipeline.TagDispatchFile, gc)
	if err != nil {
		return err
	}
	resp, err := f.Read(h.Request.URI)
	if err != nil {
		return err
	}
	h.Response = resp
	h.Fresh = true
	return nil
}
