// Package lb implements host groups: pools of upstream servers, the
// selection policies over them and passive failure tracking.
package lb

import "github.com/fabian4/stagegate/internal/model"

// Group is a named host group as configured.
type Group struct {
	Name        string
	Profile     *Profile
	Policy      Policy             // default policy for dispatches without a balancer stage
	ErrorPolicy *model.ErrorPolicy // nil = defer to the route
	Scheme      string             // "http" or "https"
	Transport   string             // forward registry name
	HostCount   int                // number of configured servers
}

// NewGroup builds a group from host configs, indexed in order.
func NewGroup(name string, cfgs []HostConfig, policy Policy, ev Events) *Group {
	hosts := make([]*Host, len(cfgs))
	for i, c := range cfgs {
		hosts[i] = NewHost(i, c)
	}
	if policy == nil {
		policy = RoundRobin{}
	}
	return &Group{
		Name:      name,
		Profile:   NewProfile(name, hosts, ev),
		Policy:    policy,
		Scheme:    "http",
		HostCount: len(cfgs),
	}
}
