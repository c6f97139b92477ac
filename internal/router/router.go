// Package router resolves an incoming request or connection to a route.
package router

import (
	"net"
	"net/netip"
	"sort"
	"strings"

	"github.com/fabian4/stagegate/internal/config"
	"github.com/fabian4/stagegate/internal/gwerr"
)

// Query is what an adapter knows about the request when resolving.
type Query struct {
	Entrypoint string
	Protocol   string
	Host       string // may carry a port
	Path       string
	Method     string
	ClientIP   netip.Addr
}

// Matcher is a route's inbound criteria. Empty criteria match anything.
type Matcher struct {
	config.RouteMatch
}

// Match reports whether every configured criterion accepts q.
func (m Matcher) Match(q Query) bool {
	if m.Host != "" && strings.ToLower(hostOnly(q.Host)) != m.Host {
		return false
	}
	if m.PathPrefix != "" && !strings.HasPrefix(q.Path, m.PathPrefix) {
		return false
	}
	if m.Regex != nil && !m.Regex.MatchString(q.Path) {
		return false
	}
	if len(m.Methods) > 0 && !contains(m.Methods, q.Method) {
		return false
	}
	if m.IPs != nil && (!q.ClientIP.IsValid() || !m.IPs.Contains(q.ClientIP)) {
		return false
	}
	return true
}

type entry[T any] struct {
	name        string
	protocol    string
	priority    int
	entrypoints []string
	match       Matcher
	value       T
}

// Table holds routes in resolution order: priority descending, then
// longest path prefix first.
type Table[T any] struct {
	entries []entry[T]
}

// New returns an empty table.
func New[T any]() *Table[T] {
	return &Table[T]{}
}

// Add registers r with the value returned on a match.
func (t *Table[T]) Add(r config.Route, v T) {
	t.entries = append(t.entries, entry[T]{
		name:        r.Name,
		protocol:    r.Protocol,
		priority:    r.Priority,
		entrypoints: r.Entrypoints,
		match:       Matcher{r.Match},
		value:       v,
	})
	sort.SliceStable(t.entries, func(i, j int) bool {
		a, b := t.entries[i], t.entries[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return len(a.match.PathPrefix) > len(b.match.PathPrefix)
	})
}

// Len returns the number of routes.
func (t *Table[T]) Len() int { return len(t.entries) }

// Resolve returns the first route that serves q's entrypoint and protocol
// and whose matcher accepts it.
func (t *Table[T]) Resolve(q Query) (T, error) {
	for i := range t.entries {
		e := &t.entries[i]
		if e.protocol != q.Protocol {
			continue
		}
		if len(e.entrypoints) > 0 && !contains(e.entrypoints, q.Entrypoint) {
			continue
		}
		if e.match.Match(q) {
			return e.value, nil
		}
	}
	var zero T
	return zero, gwerr.Errorf(gwerr.ErrNoRoute, "resolve", "%s %s%s", q.Protocol, q.Host, q.Path)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func hostOnly(h string) string {
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return h
}
