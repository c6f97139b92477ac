package lb

import (
	"sync"
	"time"
)

// Events receives ejection and reinstatement notifications. Either func may
// be nil.
type Events struct {
	OnEject     func(group string, h *Host, permanent bool)
	OnReinstate func(group string, h *Host)
}

// Profile is the shared selection state of one host group: the active pool,
// the permanent-failure pool, the round-robin cursor and the sticky map.
// Each has its own lock and none is held across I/O.
type Profile struct {
	Name   string
	Active *Pool
	Failed *Pool

	cursorMu sync.Mutex
	cursor   int

	stickyMu sync.RWMutex
	sticky   map[string]int

	events Events
	now    func() time.Time
}

// NewProfile puts every host in the active pool.
func NewProfile(name string, hosts []*Host, ev Events) *Profile {
	return &Profile{
		Name:   name,
		Active: NewPool(hosts...),
		Failed: NewPool(),
		sticky: make(map[string]int),
		events: ev,
		now:    time.Now,
	}
}

// nextWeighted is the weighted round-robin step over the active pool.
func (p *Profile) nextWeighted() (*Host, bool) {
	p.cursorMu.Lock()
	defer p.cursorMu.Unlock()
	n := p.Active.Len()
	if n == 0 {
		return nil, false
	}
	h, ok := p.Active.At(p.cursor % n)
	if !ok {
		return nil, false
	}
	if h.bump() {
		p.cursor++
	}
	return h, true
}

func (p *Profile) stickyGet(ip string) (int, bool) {
	p.stickyMu.RLock()
	defer p.stickyMu.RUnlock()
	idx, ok := p.sticky[ip]
	return idx, ok
}

func (p *Profile) stickySet(ip string, idx int) {
	p.stickyMu.Lock()
	p.sticky[ip] = idx
	p.stickyMu.Unlock()
}

func (p *Profile) stickyDelete(ip string) {
	p.stickyMu.Lock()
	delete(p.sticky, ip)
	p.stickyMu.Unlock()
}

// ReportFailure records one failed call against h. Once the host exhausts
// its failure quota it leaves the active pool: with a fail timeout it comes
// back to the same pool after the delay, otherwise it moves to the
// permanent-failure pool. It reports whether h was ejected by this call.
func (p *Profile) ReportFailure(h *Host) bool {
	if h == nil || !h.recordFailure(p.now()) {
		return false
	}
	if _, ok := p.Active.Remove(h.Index); !ok {
		return false
	}
	if h.FailTimeout > 0 {
		active := p.Active
		time.AfterFunc(h.FailTimeout, func() {
			active.Insert(h)
			if p.events.OnReinstate != nil {
				p.events.OnReinstate(p.Name, h)
			}
		})
	} else {
		p.Failed.Insert(h)
	}
	if p.events.OnEject != nil {
		p.events.OnEject(p.Name, h, h.FailTimeout <= 0)
	}
	return true
}

// Reinstate moves a host from the permanent-failure pool back into
// rotation.
func (p *Profile) Reinstate(index int) bool {
	h, ok := p.Failed.Remove(index)
	if !ok {
		return false
	}
	p.Active.Insert(h)
	if p.events.OnReinstate != nil {
		p.events.OnReinstate(p.Name, h)
	}
	return true
}

// HostState is a read-only view for the admin API.
type HostState struct {
	Index    int    `json:"index"`
	Endpoint string `json:"endpoint"`
	Weight   int    `json:"weight"`
	Active   bool   `json:"active"`
	Failed   bool   `json:"failed"`
}

// Snapshot lists every host of the profile. Hosts waiting on a fail
// timeout are in neither pool and are not listed.
func (p *Profile) Snapshot() []HostState {
	var out []HostState
	for _, h := range p.Active.Hosts() {
		out = append(out, HostState{Index: h.Index, Endpoint: h.Endpoint(), Weight: h.Weight, Active: true})
	}
	for _, h := range p.Failed.Hosts() {
		out = append(out, HostState{Index: h.Index, Endpoint: h.Endpoint(), Weight: h.Weight, Failed: true})
	}
	return out
}
