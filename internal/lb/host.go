package lb

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ratelib "golang.org/x/time/rate"
)

// DefaultMaxFailsDurn is the failure-counting window when a host sets
// max_fails without max_fails_durn.
const DefaultMaxFailsDurn = time.Hour

// HostConfig is the static description of one upstream server.
type HostConfig struct {
	Addr         string
	Port         uint16
	Weight       int           // 0 = unweighted
	MaxFails     int           // 0 = never ejected
	FailTimeout  time.Duration // 0 = ejection is permanent
	Timeout      time.Duration // per-call timeout; 0 = dispatcher default
	MaxFailsDurn time.Duration
}

// Endpoint returns "addr:port".
func (c HostConfig) Endpoint() string {
	return net.JoinHostPort(c.Addr, strconv.Itoa(int(c.Port)))
}

// Host is a HostConfig plus the mutable selection and failure state.
type Host struct {
	HostConfig
	Index int

	mu        sync.Mutex
	curWeight int

	failLimiter *ratelib.Limiter // nil when MaxFails is 0
}

// NewHost builds a Host. The failure limiter admits MaxFails failures per
// MaxFailsDurn and refills continuously.
func NewHost(index int, cfg HostConfig) *Host {
	h := &Host{HostConfig: cfg, Index: index}
	if cfg.MaxFails > 0 {
		durn := cfg.MaxFailsDurn
		if durn <= 0 {
			durn = DefaultMaxFailsDurn
		}
		h.failLimiter = ratelib.NewLimiter(ratelib.Every(durn/time.Duration(cfg.MaxFails)), cfg.MaxFails)
	}
	return h
}

// bump advances the weight counter and reports whether the cursor may move
// on. Unweighted hosts always advance.
func (h *Host) bump() bool {
	if h.Weight <= 0 {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.curWeight++
	return h.curWeight%h.Weight == 0
}

// recordFailure consumes one failure token and reports whether the quota is
// exhausted.
func (h *Host) recordFailure(now time.Time) bool {
	if h.failLimiter == nil {
		return false
	}
	return !h.failLimiter.AllowN(now, 1)
}

// ParseHostSpec parses "addr:port weight=N max_fails=N fail_timeout=D
// timeout=D max_fails_durn=D". parseDur converts duration strings.
func ParseHostSpec(s string, parseDur func(string) (time.Duration, error)) (HostConfig, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return HostConfig{}, fmt.Errorf("empty server")
	}
	host, portStr, err := net.SplitHostPort(fields[0])
	if err != nil {
		return HostConfig{}, fmt.Errorf("server %q: %w", fields[0], err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return HostConfig{}, fmt.Errorf("server %q: invalid port", fields[0])
	}
	cfg := HostConfig{Addr: host, Port: uint16(port)}
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return HostConfig{}, fmt.Errorf("server %q: option %q is not key=value", fields[0], f)
		}
		switch k {
		case "weight", "max_fails":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return HostConfig{}, fmt.Errorf("server %q: %s must be a non-negative integer", fields[0], k)
			}
			if k == "weight" {
				cfg.Weight = n
			} else {
				cfg.MaxFails = n
			}
		case "fail_timeout", "timeout", "max_fails_durn":
			d, err := parseDur(v)
			if err != nil {
				return HostConfig{}, fmt.Errorf("server %q: %s: %w", fields[0], k, err)
			}
			switch k {
			case "fail_timeout":
				cfg.FailTimeout = d
			case "timeout":
				cfg.Timeout = d
			default:
				cfg.MaxFailsDurn = d
			}
		default:
			return HostConfig{}, fmt.Errorf("server %q: unknown option %q", fields[0], k)
		}
	}
	return cfg, nil
}
