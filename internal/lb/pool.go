package lb

import (
	"sort"
	"sync"
)

// Pool is an index-keyed set of hosts kept in index order.
type Pool struct {
	mu    sync.RWMutex
	hosts map[int]*Host
	order []int
}

// NewPool returns a pool holding hosts.
func NewPool(hosts ...*Host) *Pool {
	p := &Pool{hosts: make(map[int]*Host, len(hosts))}
	for _, h := range hosts {
		p.insertLocked(h)
	}
	return p
}

func (p *Pool) insertLocked(h *Host) {
	if _, ok := p.hosts[h.Index]; ok {
		p.hosts[h.Index] = h
		return
	}
	p.hosts[h.Index] = h
	i := sort.SearchInts(p.order, h.Index)
	p.order = append(p.order, 0)
	copy(p.order[i+1:], p.order[i:])
	p.order[i] = h.Index
}

// Insert adds or replaces h.
func (p *Pool) Insert(h *Host) {
	p.mu.Lock()
	p.insertLocked(h)
	p.mu.Unlock()
}

// Remove deletes the host at index and returns it.
func (p *Pool) Remove(index int) (*Host, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.hosts[index]
	if !ok {
		return nil, false
	}
	delete(p.hosts, index)
	i := sort.SearchInts(p.order, index)
	p.order = append(p.order[:i], p.order[i+1:]...)
	return h, true
}

// Get returns the host at index.
func (p *Pool) Get(index int) (*Host, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.hosts[index]
	return h, ok
}

// Len returns the number of hosts.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// At returns the host at position i of the ordered view.
func (p *Pool) At(i int) (*Host, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if i < 0 || i >= len(p.order) {
		return nil, false
	}
	return p.hosts[p.order[i]], true
}

// Hosts returns a snapshot in index order.
func (p *Pool) Hosts() []*Host {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Host, 0, len(p.order))
	for _, idx := range p.order {
		out = append(out, p.hosts[idx])
	}
	return out
}
