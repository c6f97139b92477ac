package config

import (
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/stagegate/internal/acl"
	"github.com/fabian4/stagegate/internal/lb"
	"github.com/fabian4/stagegate/internal/model"
	"github.com/fabian4/stagegate/internal/ratelimit"
)

// Config is the validated gateway configuration.
type Config struct {
	Log          LogConfig
	AccessLog    AccessLogConfig
	Admin        AdminConfig
	ExternalHost string
	Timeouts     Timeouts
	Cache        CacheConfig
	ServiceLimit *ratelimit.Config

	Entrypoints []Entrypoint
	Hosts       map[string]HostGroup
	Errors      map[string]*model.ErrorPolicy
	Pipes       map[string][]StageSpec
	Routes      []Route // priority descending
}

type LogConfig struct {
	Level  string // debug | info | warn | error
	Format string // json | text
}

type AccessLogConfig struct {
	Enabled  bool
	Path     string   // empty = stdout
	Sampling float64  // 0..1
	Fields   []string // empty = all
}

type AdminConfig struct {
	Address string // empty = disabled
}

type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Upstream time.Duration
}

type CacheConfig struct {
	ClearInterval time.Duration
	Redis         *RedisConfig
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// Protocols accepted by entrypoints and routes.
const (
	ProtoHTTP  = "http"
	ProtoHTTPS = "https"
	ProtoTCP   = "tcp"
)

type Entrypoint struct {
	Name     string
	Protocol string
	Address  string
	CertFile string
	KeyFile  string
}

// HostGroup is a named set of upstream servers.
type HostGroup struct {
	Name     string
	Policy   string // round_robin | random | ip_round_robin
	Scheme   string // http | https
	Insecure bool   // skip upstream certificate verification
	Error    string // error policy name, optional
	Servers  []lb.HostConfig
}

// StageSpec is one pipe entry; Payload stays raw until the stage builder
// decodes it.
type StageSpec struct {
	Tag     string
	Payload yaml.Node
	Line    int
}

// RouteLimit is a route-level rate limit with its default scope.
type RouteLimit struct {
	Scope ratelimit.Scope
	ratelimit.Config
}

type Route struct {
	Name        string
	Protocol    string
	Priority    int
	Entrypoints []string // empty = every entrypoint of the protocol
	Match       RouteMatch
	InTimeout   time.Duration
	ClientBuf   int
	ServerBuf   int
	Out         RouteOut
	Pipe        string
	Error       string
	RateLimit   *RouteLimit
}

// RouteMatch holds the inbound criteria. Every configured criterion must
// match.
type RouteMatch struct {
	Host       string
	PathPrefix string
	Regex      *regexp.Regexp
	Methods    []string
	IPs        acl.List
}

// Outbound kinds.
const (
	OutNetwork = "network"
	OutFile    = "file"
)

type RouteOut struct {
	Kind  string
	Hosts string // network: host group name
	Path  string // network: upstream path prefix
	Root  string // file: root directory
	Index string // file: index file
}
