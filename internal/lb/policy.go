package lb

import (
	"fmt"
	"math/rand"
)

// Policy selects a host from a profile's active pool. A false result means
// the pool is empty.
type Policy interface {
	Name() string
	Pick(p *Profile, clientIP string) (*Host, bool)
}

// Policy names as used in configuration.
const (
	PolicyRoundRobin   = "round_robin"
	PolicyRandom       = "random"
	PolicyIPRoundRobin = "ip_round_robin"
)

// ParsePolicy maps a configured name to a Policy. Empty means round robin.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", PolicyRoundRobin:
		return RoundRobin{}, nil
	case PolicyRandom:
		return Random{}, nil
	case PolicyIPRoundRobin:
		return IPRoundRobin{}, nil
	}
	return nil, fmt.Errorf("unknown balance policy %q", name)
}

// RoundRobin walks the active pool in index order, staying on a weighted
// host for weight consecutive picks.
type RoundRobin struct{}

func (RoundRobin) Name() string { return PolicyRoundRobin }

func (RoundRobin) Pick(p *Profile, _ string) (*Host, bool) { return p.nextWeighted() }

// Random picks uniformly from the active pool.
type Random struct{}

func (Random) Name() string { return PolicyRandom }

func (Random) Pick(p *Profile, _ string) (*Host, bool) {
	n := p.Active.Len()
	if n == 0 {
		return nil, false
	}
	return p.Active.At(rand.Intn(n))
}

// IPRoundRobin pins each client address to the host it was first given, as
// long as that host stays in the active pool.
type IPRoundRobin struct{}

func (IPRoundRobin) Name() string { return PolicyIPRoundRobin }

func (IPRoundRobin) Pick(p *Profile, clientIP string) (*Host, bool) {
	if idx, ok := p.stickyGet(clientIP); ok {
		if h, ok := p.Active.Get(idx); ok {
			return h, true
		}
		p.stickyDelete(clientIP)
	}
	h, ok := p.nextWeighted()
	if !ok {
		return nil, false
	}
	p.stickySet(clientIP, h.Index)
	return h, true
}
