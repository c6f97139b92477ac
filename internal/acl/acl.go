// Package acl implements IPv4 black/white lists made of single addresses and
// inclusive ranges.
package acl

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"
)

// Rule is one inclusive IPv4 range. A single address has Start == End.
type Rule struct {
	Start netip.Addr
	End   netip.Addr
}

// ParseRule accepts "a.b.c.d" or "a.b.c.d-e.f.g.h". Every octet of the
// start must be <= the matching octet of the end.
func ParseRule(s string) (Rule, error) {
	s = strings.TrimSpace(s)
	lo, hi, isRange := strings.Cut(s, "-")
	start, err := parseV4(lo)
	if err != nil {
		return Rule{}, err
	}
	if !isRange {
		return Rule{Start: start, End: start}, nil
	}
	end, err := parseV4(hi)
	if err != nil {
		return Rule{}, err
	}
	a, b := start.As4(), end.As4()
	for i := range a {
		if a[i] > b[i] {
			return Rule{}, fmt.Errorf("ip range %q: start exceeds end at octet %d", s, i+1)
		}
	}
	return Rule{Start: start, End: end}, nil
}

func parseV4(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("ip %q: %w", s, err)
	}
	if !a.Is4() {
		return netip.Addr{}, fmt.Errorf("ip %q: only IPv4 is supported", s)
	}
	return a, nil
}

// MatchesAll reports whether the rule is the all-zero wildcard.
func (r Rule) MatchesAll() bool {
	z := netip.IPv4Unspecified()
	return r.Start == z && r.End == z
}

// Contains reports whether ip falls inside the rule.
func (r Rule) Contains(ip netip.Addr) bool {
	if r.MatchesAll() {
		return true
	}
	ip = ip.Unmap()
	if !ip.Is4() {
		return false
	}
	return r.Start.Compare(ip) <= 0 && ip.Compare(r.End) <= 0
}

func (r Rule) String() string {
	if r.Start == r.End {
		return r.Start.String()
	}
	return r.Start.String() + "-" + r.End.String()
}

// List is an ordered set of rules.
type List []Rule

// ParseList parses each entry with ParseRule.
func ParseList(entries []string) (List, error) {
	out := make(List, 0, len(entries))
	for i, e := range entries {
		r, err := ParseRule(e)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// LoadFile reads one rule per line. Blank lines and lines starting with
// '#' are ignored.
func LoadFile(path string) (List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ip list: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out List
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		txt := strings.TrimSpace(sc.Text())
		if txt == "" || strings.HasPrefix(txt, "#") {
			continue
		}
		r, err := ParseRule(txt)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ip list: %w", err)
	}
	return out, nil
}

// Contains reports whether any rule matches ip.
func (l List) Contains(ip netip.Addr) bool {
	for _, r := range l {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// Matcher combines an optional whitelist and an optional blacklist.
// A nil list is "not configured".
type Matcher struct {
	White List
	Black List
}

// Allow checks the whitelist first, then the blacklist.
func (m *Matcher) Allow(ip netip.Addr) bool {
	if m.White != nil && !m.White.Contains(ip) {
		return false
	}
	if m.Black != nil && m.Black.Contains(ip) {
		return false
	}
	return true
}

// AllowString parses ip (host or host:port) and calls Allow. Unparseable
// addresses are rejected.
func (m *Matcher) AllowString(ip string) bool {
	a, err := ParseClientIP(ip)
	if err != nil {
		return false
	}
	return m.Allow(a)
}

// ParseClientIP accepts "1.2.3.4" or "1.2.3.4:5678".
func ParseClientIP(s string) (netip.Addr, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return a.Unmap(), nil
}
