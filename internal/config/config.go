package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/stagegate/internal/acl"
	"github.com/fabian4/stagegate/internal/lb"
	"github.com/fabian4/stagegate/internal/model"
	"github.com/fabian4/stagegate/internal/ratelimit"
)

// DefaultPriority is used by routes that set none.
const DefaultPriority = 1

type rawLimit struct {
	Type     string `yaml:"type"`
	Requests int    `yaml:"requests"`
	Period   string `yaml:"period"`
}

type rawIPs struct {
	Memory []string `yaml:"memory"`
	File   string   `yaml:"file"`
}

type rawConfig struct {
	Service struct {
		Log struct {
			Level  string `yaml:"level"`
			Format string `yaml:"format"`
		} `yaml:"log"`
		AccessLog struct {
			Enabled  *bool    `yaml:"enabled"`
			Path     string   `yaml:"path"`
			Sampling *float64 `yaml:"sampling"`
			Fields   []string `yaml:"fields"`
		} `yaml:"access_log"`
		Admin struct {
			Address string `yaml:"address"`
		} `yaml:"admin"`
		ExternalHost string `yaml:"external_host"`
		Timeouts     struct {
			Read     string `yaml:"read"`
			Write    string `yaml:"write"`
			Upstream string `yaml:"upstream"`
		} `yaml:"timeouts"`
		Cache struct {
			Memory struct {
				ClearInterval string `yaml:"clear_interval"`
			} `yaml:"memory"`
			Redis *struct {
				Address  string `yaml:"address"`
				Password string `yaml:"password"`
				DB       int    `yaml:"db"`
				Prefix   string `yaml:"prefix"`
			} `yaml:"redis"`
		} `yaml:"cache"`
		RateLimiter *rawLimit `yaml:"ratelimiter"`
	} `yaml:"service"`
	Entrypoints []struct {
		Name     string `yaml:"name"`
		Protocol string `yaml:"protocol"`
		Address  string `yaml:"address"`
		TLS      struct {
			CertFile string `yaml:"cert_file"`
			KeyFile  string `yaml:"key_file"`
		} `yaml:"tls"`
	} `yaml:"entrypoints"`
	Hosts map[string]struct {
		Type     string   `yaml:"type"`
		Scheme   string   `yaml:"scheme"`
		Insecure bool     `yaml:"insecure_skip_verify"`
		Error    string   `yaml:"error"`
		Servers  []string `yaml:"servers"`
	} `yaml:"hosts"`
	Errors map[string]struct {
		ErrorList string `yaml:"error_list"`
		PassNext  bool   `yaml:"pass_next"`
		Return    string `yaml:"return"`
	} `yaml:"errors"`
	Pipes  map[string][]yaml.Node `yaml:"pipes"`
	Routes []struct {
		Name        string   `yaml:"name"`
		Protocol    string   `yaml:"protocol"`
		Priority    *int     `yaml:"priority"`
		Entrypoints []string `yaml:"entrypoints"`
		In          struct {
			Host       string   `yaml:"host"`
			PathPrefix string   `yaml:"path_prefix"`
			Regex      string   `yaml:"regex"`
			Methods    []string `yaml:"methods"`
			IPs        *rawIPs  `yaml:"ips"`
		} `yaml:"in"`
		InTimeout     string `yaml:"in_timeout"`
		ClientBufSize int    `yaml:"client_buf_size"`
		ServerBufSize int    `yaml:"server_buf_size"`
		Out           struct {
			Network *struct {
				Hosts string `yaml:"hosts"`
				Path  string `yaml:"path"`
			} `yaml:"network"`
			File *struct {
				RootPath  string `yaml:"root_path"`
				IndexFile string `yaml:"index_file"`
			} `yaml:"file"`
		} `yaml:"out"`
		Pipe        string    `yaml:"pipe"`
		Error       string    `yaml:"error"`
		RateLimiter *rawLimit `yaml:"ratelimiter"`
	} `yaml:"routes"`
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse validates a YAML document.
func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	cfg := &Config{
		Hosts:  make(map[string]HostGroup),
		Errors: make(map[string]*model.ErrorPolicy),
		Pipes:  make(map[string][]StageSpec),
	}
	steps := []func(*rawConfig, *Config) error{
		parseService, parseEntrypoints, parseErrors, parseHosts, parsePipes, parseRoutes,
	}
	for _, step := range steps {
		if err := step(&rc, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func parseService(rc *rawConfig, cfg *Config) error {
	s := rc.Service
	cfg.Log = LogConfig{
		Level:  strings.ToLower(strings.TrimSpace(s.Log.Level)),
		Format: strings.ToLower(strings.TrimSpace(s.Log.Format)),
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("service.log.level: unknown level %q", cfg.Log.Level)
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("service.log.format: must be json or text")
	}

	cfg.AccessLog = AccessLogConfig{Enabled: true, Sampling: 1.0, Path: s.AccessLog.Path, Fields: s.AccessLog.Fields}
	if s.AccessLog.Enabled != nil {
		cfg.AccessLog.Enabled = *s.AccessLog.Enabled
	}
	if s.AccessLog.Sampling != nil {
		v := *s.AccessLog.Sampling
		if v < 0 || v > 1 {
			return fmt.Errorf("service.access_log.sampling: must be within [0,1]")
		}
		cfg.AccessLog.Sampling = v
	}
	cfg.Admin.Address = strings.TrimSpace(s.Admin.Address)
	cfg.ExternalHost = strings.TrimSpace(s.ExternalHost)

	var err error
	if cfg.Timeouts.Read, err = optDuration(s.Timeouts.Read, 0); err != nil {
		return fmt.Errorf("service.timeouts.read: %v", err)
	}
	if cfg.Timeouts.Write, err = optDuration(s.Timeouts.Write, 0); err != nil {
		return fmt.Errorf("service.timeouts.write: %v", err)
	}
	if cfg.Timeouts.Upstream, err = optDuration(s.Timeouts.Upstream, 0); err != nil {
		return fmt.Errorf("service.timeouts.upstream: %v", err)
	}
	if cfg.Cache.ClearInterval, err = optDuration(s.Cache.Memory.ClearInterval, 0); err != nil {
		return fmt.Errorf("service.cache.memory.clear_interval: %v", err)
	}
	if r := s.Cache.Redis; r != nil {
		if strings.TrimSpace(r.Address) == "" {
			return fmt.Errorf("service.cache.redis.address: is required")
		}
		cfg.Cache.Redis = &RedisConfig{Address: strings.TrimSpace(r.Address), Password: r.Password, DB: r.DB, Prefix: r.Prefix}
	}
	if s.RateLimiter != nil {
		l, err := parseLimit(s.RateLimiter)
		if err != nil {
			return fmt.Errorf("service.ratelimiter: %v", err)
		}
		cfg.ServiceLimit = &l.Config
	}
	return nil
}

func parseLimit(r *rawLimit) (*RouteLimit, error) {
	scope, err := ratelimit.ParseScope(strings.TrimSpace(r.Type))
	if err != nil {
		return nil, err
	}
	period, err := ParseDuration(r.Period)
	if err != nil {
		return nil, fmt.Errorf("period: %v", err)
	}
	l := &RouteLimit{Scope: scope, Config: ratelimit.Config{Requests: r.Requests, Period: period}}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

func parseEntrypoints(rc *rawConfig, cfg *Config) error {
	seen := make(map[string]bool)
	for i, e := range rc.Entrypoints {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			name = fmt.Sprintf("entrypoint-%d", i)
		}
		if seen[name] {
			return fmt.Errorf("entrypoints: duplicate name %q", name)
		}
		seen[name] = true
		proto := strings.ToLower(strings.TrimSpace(e.Protocol))
		if proto == "" {
			proto = ProtoHTTP
		}
		switch proto {
		case ProtoHTTP, ProtoTCP:
		case ProtoHTTPS:
			if e.TLS.CertFile == "" || e.TLS.KeyFile == "" {
				return fmt.Errorf("entrypoints[%d]: https requires tls.cert_file and tls.key_file", i)
			}
		default:
			return fmt.Errorf("entrypoints[%d]: unknown protocol %q", i, proto)
		}
		addr := strings.TrimSpace(e.Address)
		if addr == "" {
			return fmt.Errorf("entrypoints[%d]: address is required", i)
		}
		cfg.Entrypoints = append(cfg.Entrypoints, Entrypoint{
			Name: name, Protocol: proto, Address: addr,
			CertFile: e.TLS.CertFile, KeyFile: e.TLS.KeyFile,
		})
	}
	if len(cfg.Entrypoints) == 0 {
		return fmt.Errorf("entrypoints: at least one is required")
	}
	return nil
}

// parseErrorPolicy reads `error_list: "hsc_500 hsc_502"` and
// `return: origin|hsc_NNN`.
func parseErrorPolicy(name, list string, passNext bool, ret string) (*model.ErrorPolicy, error) {
	p := &model.ErrorPolicy{Name: name, PassNext: passNext}
	for _, f := range strings.Fields(list) {
		code, err := parseHSC(f)
		if err != nil {
			return nil, fmt.Errorf("error_list: %v", err)
		}
		p.Statuses = append(p.Statuses, code)
	}
	switch ret = strings.ToLower(strings.TrimSpace(ret)); ret {
	case "", "origin":
		p.Fallback = model.FallbackOrigin
	default:
		code, err := parseHSC(ret)
		if err != nil {
			return nil, fmt.Errorf("return: %v", err)
		}
		p.Fallback = model.FallbackStatus
		p.Status = code
	}
	return p, nil
}

func parseHSC(s string) (int, error) {
	num, ok := strings.CutPrefix(strings.ToLower(s), "hsc_")
	if !ok {
		return 0, fmt.Errorf("%q: expected hsc_<status>", s)
	}
	code, err := strconv.Atoi(num)
	if err != nil || code < 100 || code > 599 {
		return 0, fmt.Errorf("%q: invalid status code", s)
	}
	return code, nil
}

func parseErrors(rc *rawConfig, cfg *Config) error {
	for name, e := range rc.Errors {
		p, err := parseErrorPolicy(name, e.ErrorList, e.PassNext, e.Return)
		if err != nil {
			return fmt.Errorf("errors[%s]: %v", name, err)
		}
		cfg.Errors[name] = p
	}
	return nil
}

func parseHosts(rc *rawConfig, cfg *Config) error {
	for name, h := range rc.Hosts {
		if _, err := lb.ParsePolicy(h.Type); err != nil {
			return fmt.Errorf("hosts[%s].type: %v", name, err)
		}
		scheme := strings.ToLower(strings.TrimSpace(h.Scheme))
		if scheme == "" {
			scheme = "http"
		}
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("hosts[%s].scheme: must be http or https", name)
		}
		if h.Error != "" {
			if _, ok := cfg.Errors[h.Error]; !ok {
				return fmt.Errorf("hosts[%s].error: %q not found in errors", name, h.Error)
			}
		}
		if len(h.Servers) == 0 {
			return fmt.Errorf("hosts[%s].servers: is empty", name)
		}
		g := HostGroup{Name: name, Policy: h.Type, Scheme: scheme, Insecure: h.Insecure, Error: h.Error}
		for j, s := range h.Servers {
			hc, err := lb.ParseHostSpec(s, ParseDuration)
			if err != nil {
				return fmt.Errorf("hosts[%s].servers[%d]: %v", name, j, err)
			}
			g.Servers = append(g.Servers, hc)
		}
		cfg.Hosts[name] = g
	}
	return nil
}

func parsePipes(rc *rawConfig, cfg *Config) error {
	for name, nodes := range rc.Pipes {
		specs, err := ParsePipe(name, nodes)
		if err != nil {
			return err
		}
		cfg.Pipes[name] = specs
	}
	return nil
}

// ParsePipe accepts entries written as a bare tag ("- return") or as a
// single-key map ("- ratelimiter: {type: ip}").
func ParsePipe(name string, nodes []yaml.Node) ([]StageSpec, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("pipes[%s]: is empty", name)
	}
	specs := make([]StageSpec, 0, len(nodes))
	for j, n := range nodes {
		switch n.Kind {
		case yaml.ScalarNode:
			specs = append(specs, StageSpec{Tag: strings.TrimSpace(n.Value), Line: n.Line})
		case yaml.MappingNode:
			if len(n.Content) != 2 {
				return nil, fmt.Errorf("pipes[%s][%d]: stage must have exactly one key", name, j)
			}
			specs = append(specs, StageSpec{Tag: strings.TrimSpace(n.Content[0].Value), Payload: *n.Content[1], Line: n.Line})
		default:
			return nil, fmt.Errorf("pipes[%s][%d]: expected a tag or a single-key map", name, j)
		}
	}
	return specs, nil
}

func parseRoutes(rc *rawConfig, cfg *Config) error {
	eps := make(map[string]string)
	for _, e := range cfg.Entrypoints {
		eps[e.Name] = e.Protocol
	}
	names := make(map[string]bool)
	for i, r := range rc.Routes {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = fmt.Sprintf("route-%d", i)
		}
		if names[name] {
			return fmt.Errorf("routes: duplicate name %q", name)
		}
		names[name] = true

		rt := Route{
			Name:        name,
			Protocol:    strings.ToLower(strings.TrimSpace(r.Protocol)),
			Priority:    DefaultPriority,
			Entrypoints: r.Entrypoints,
			ClientBuf:   r.ClientBufSize,
			ServerBuf:   r.ServerBufSize,
			Pipe:        strings.TrimSpace(r.Pipe),
			Error:       strings.TrimSpace(r.Error),
		}
		if rt.Protocol == "" {
			rt.Protocol = ProtoHTTP
		}
		switch rt.Protocol {
		case ProtoHTTP, ProtoHTTPS, ProtoTCP:
		default:
			return fmt.Errorf("routes[%d]: unknown protocol %q", i, rt.Protocol)
		}
		if r.Priority != nil {
			rt.Priority = *r.Priority
		}
		for _, ep := range rt.Entrypoints {
			proto, ok := eps[ep]
			if !ok {
				return fmt.Errorf("routes[%d]: entrypoint %q not found", i, ep)
			}
			if proto != rt.Protocol {
				return fmt.Errorf("routes[%d]: entrypoint %q serves %s, route is %s", i, ep, proto, rt.Protocol)
			}
		}

		var err error
		if rt.InTimeout, err = optDuration(r.InTimeout, 0); err != nil {
			return fmt.Errorf("routes[%d].in_timeout: %v", i, err)
		}

		// inbound
		in := r.In
		rt.Match.Host = strings.ToLower(strings.TrimSpace(in.Host))
		rt.Match.PathPrefix = strings.TrimSpace(in.PathPrefix)
		if rt.Match.PathPrefix != "" && !strings.HasPrefix(rt.Match.PathPrefix, "/") {
			return fmt.Errorf("routes[%d].in.path_prefix: must start with '/'", i)
		}
		if in.Regex != "" {
			re, err := regexp.Compile(in.Regex)
			if err != nil {
				return fmt.Errorf("routes[%d].in.regex: %v", i, err)
			}
			rt.Match.Regex = re
		}
		for _, m := range in.Methods {
			rt.Match.Methods = append(rt.Match.Methods, strings.ToUpper(strings.TrimSpace(m)))
		}
		if in.IPs != nil {
			ips, err := loadIPs(in.IPs)
			if err != nil {
				return fmt.Errorf("routes[%d].in.ips: %v", i, err)
			}
			rt.Match.IPs = ips
		}
		if rt.Protocol == ProtoTCP && (rt.Match.Host != "" || rt.Match.PathPrefix != "" || rt.Match.Regex != nil || len(rt.Match.Methods) > 0) {
			return fmt.Errorf("routes[%d].in: tcp routes can only match on ips", i)
		}

		// outbound
		switch out := r.Out; {
		case out.Network != nil && out.File != nil:
			return fmt.Errorf("routes[%d].out: set either network or file", i)
		case out.Network != nil:
			if _, ok := cfg.Hosts[out.Network.Hosts]; !ok {
				return fmt.Errorf("routes[%d].out.network.hosts: %q not found in hosts", i, out.Network.Hosts)
			}
			rt.Out = RouteOut{Kind: OutNetwork, Hosts: out.Network.Hosts, Path: strings.TrimSpace(out.Network.Path)}
		case out.File != nil:
			if rt.Protocol == ProtoTCP {
				return fmt.Errorf("routes[%d].out.file: not supported for tcp routes", i)
			}
			if strings.TrimSpace(out.File.RootPath) == "" {
				return fmt.Errorf("routes[%d].out.file.root_path: is required", i)
			}
			rt.Out = RouteOut{Kind: OutFile, Root: out.File.RootPath, Index: out.File.IndexFile}
		default:
			return fmt.Errorf("routes[%d].out: network or file is required", i)
		}

		if rt.Pipe == "" {
			return fmt.Errorf("routes[%d].pipe: is required", i)
		}
		if _, ok := cfg.Pipes[rt.Pipe]; !ok {
			return fmt.Errorf("routes[%d].pipe: %q not found in pipes", i, rt.Pipe)
		}
		if rt.Error != "" {
			if _, ok := cfg.Errors[rt.Error]; !ok {
				return fmt.Errorf("routes[%d].error: %q not found in errors", i, rt.Error)
			}
		}
		if r.RateLimiter != nil {
			l, err := parseLimit(r.RateLimiter)
			if err != nil {
				return fmt.Errorf("routes[%d].ratelimiter: %v", i, err)
			}
			rt.RateLimit = l
		}
		cfg.Routes = append(cfg.Routes, rt)
	}
	if len(cfg.Routes) == 0 {
		return fmt.Errorf("routes: at least one is required")
	}
	sort.SliceStable(cfg.Routes, func(i, j int) bool {
		return cfg.Routes[i].Priority > cfg.Routes[j].Priority
	})
	return nil
}

func loadIPs(r *rawIPs) (acl.List, error) {
	switch {
	case r.File != "" && len(r.Memory) > 0:
		return nil, fmt.Errorf("set either memory or file")
	case r.File != "":
		return acl.LoadFile(r.File)
	default:
		return acl.ParseList(r.Memory)
	}
}

// LoadIPs is loadIPs for stage payloads that share the memory/file shape.
func LoadIPs(memory []string, file string) (acl.List, error) {
	return loadIPs(&rawIPs{Memory: memory, File: file})
}
