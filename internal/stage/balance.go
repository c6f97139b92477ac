package stage

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/stagegate/internal/lb"
	"github.com/fabian4/stagegate/internal/pipeline"
)

type balancePayload struct {
	group  *lb.Group
	policy lb.Policy
}

// buildBalance binds a policy to the group named by "hosts", defaulting to
// the route's outbound group.
func buildBalance(policy lb.Policy) BuildFunc {
	return func(node *yaml.Node, env *Env) (any, error) {
		var raw struct {
			Hosts string `yaml:"hosts"`
		}
		if err := decode(node, &raw); err != nil {
			return nil, err
		}
		g := env.Group
		if raw.Hosts != "" {
			var ok bool
			if g, ok = env.Groups[raw.Hosts]; !ok {
				return nil, fmt.Errorf("hosts: %q not found", raw.Hosts)
			}
		}
		if g == nil {
			return nil, fmt.Errorf("hosts: route has no network outbound; name a host group")
		}
		return &balancePayload{group: g, policy: policy}, nil
	}
}

type balance struct{ tag pipeline.Tag }

// Execute pre-selects a host. An empty pool is not an error here; the
// dispatch stage applies the error policy.
func (m balance) Execute(_ context.Context, gc *pipeline.Context, payload any) error {
	p, err := payloadAs[*balancePayload](m.tag, payload)
	if err != nil {
		return err
	}
	gc.Redirect.Group = p.group
	gc.Redirect.Policy = p.policy
	if gc.TCP != nil && gc.TCP.Host != nil {
		return nil
	}
	if h, ok := p.policy.Pick(p.group.Profile, gc.ClientIP); ok {
		gc.Redirect.Host = h
	}
	return nil
}
