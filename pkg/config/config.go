// Package config loads the TOML configuration described in spec.md §6: a
// single file, read once at process start, dependency-injected into
// cmd/sandbox-manager's wiring. Nothing downstream of this package re-reads
// the file or consults a global.
package config

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fengcone/OpenSandbox/pkg/ingress"
	"github.com/fengcone/OpenSandbox/pkg/sberrors"
)

// ServerConfig is the [server] table.
type ServerConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	LogLevel string `toml:"log_level"`
	APIKey   string `toml:"api_key"`
}

// RuntimeType is the closed set of provider backends a runtime table may
// select.
type RuntimeType string

const (
	RuntimeLocalDaemon RuntimeType = "local-daemon"
	RuntimeClusterPod  RuntimeType = "cluster-pod"
	RuntimeClusterCR   RuntimeType = "cluster-cr"
)

// RuntimeConfig is the [runtime] table.
type RuntimeConfig struct {
	Type       RuntimeType `toml:"type"`
	AgentImage string      `toml:"agent_image"`
}

// RouteMode is the gateway sub-mode selecting how a sandbox endpoint is
// rewritten for gateway ingress.
type RouteMode string

const (
	RouteWildcard RouteMode = "wildcard"
	RouteURI      RouteMode = "uri"
	RouteHeader   RouteMode = "header"
)

// RouteConfig is the [ingress.route] sub-table, present only in gateway mode.
type RouteConfig struct {
	Mode RouteMode `toml:"mode"`
}

// IngressMode selects direct (runtime-reported address) or gateway
// (rewritten through a shared ingress) endpoint resolution.
type IngressMode string

const (
	IngressDirect  IngressMode = "direct"
	IngressGateway IngressMode = "gateway"
)

// IngressConfig is the [ingress] table.
type IngressConfig struct {
	Mode    IngressMode `toml:"mode"`
	Address string      `toml:"address"`
	Route   RouteConfig `toml:"route"`
}

// ToIngressConfig converts the TOML [ingress] table into the shape
// pkg/ingress.Format consumes, so callers never construct that struct by
// hand from raw config fields.
func (c IngressConfig) ToIngressConfig() ingress.Config {
	out := ingress.Config{Mode: string(c.Mode)}
	if c.Mode == IngressGateway {
		out.Gateway = &ingress.Gateway{
			Address: c.Address,
			Route:   ingress.GatewayRoute{Mode: string(c.Route.Mode)},
		}
	}
	return out
}

// ClusterConfig is the [cluster] table, meaningful only for cluster-pod and
// cluster-cr runtimes.
type ClusterConfig struct {
	Namespace      string `toml:"namespace"`
	ServiceAccount string `toml:"service_account"`
	TemplatePath   string `toml:"template_path"`
}

// StorageConfig is the [storage] table: the allow-list of host-path
// prefixes a host-volume mount's path must fall under.
type StorageConfig struct {
	AllowedHostPaths []string `toml:"allowed_host_paths"`
}

// ServiceConfig is the [service] table: the timing knobs service.Config
// wraps (see pkg/service.DefaultConfig for the fallback values applied when
// a field is left at its TOML zero value).
type ServiceConfig struct {
	ReadyIntervalMS    int `toml:"ready_interval_ms"`
	ReadyTimeoutS      int `toml:"ready_timeout_s"`
	RequestTimeoutS    int `toml:"request_timeout_s"`
	HealthProbeTimeoutS int `toml:"health_probe_timeout_s"`
}

// ReadyInterval returns the configured readiness poll interval, or zero if
// unset (callers fall back to service.DefaultConfig).
func (s ServiceConfig) ReadyInterval() time.Duration {
	return time.Duration(s.ReadyIntervalMS) * time.Millisecond
}

// ReadyTimeout returns the configured readiness deadline, or zero if unset.
func (s ServiceConfig) ReadyTimeout() time.Duration {
	return time.Duration(s.ReadyTimeoutS) * time.Second
}

// RequestTimeout returns the configured service-wide request deadline, or
// zero if unset.
func (s ServiceConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutS) * time.Second
}

// HealthProbeTimeout returns the configured per-probe health deadline, or
// zero if unset.
func (s ServiceConfig) HealthProbeTimeout() time.Duration {
	return time.Duration(s.HealthProbeTimeoutS) * time.Second
}

// Config is the root of the TOML document.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Runtime RuntimeConfig `toml:"runtime"`
	Ingress IngressConfig `toml:"ingress"`
	Cluster ClusterConfig `toml:"cluster"`
	Storage StorageConfig `toml:"storage"`
	Service ServiceConfig `toml:"service"`
}

// Load reads and validates the TOML file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, sberrors.Wrap(sberrors.CodeInternal, "load config file", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8088
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Ingress.Mode == "" {
		cfg.Ingress.Mode = IngressDirect
	}
}

// Validate enforces the cross-field constraints spec.md §6 names: a
// local-daemon runtime may never pair with gateway ingress, and a gateway
// wildcard route's address must actually be a wildcard.
func (cfg Config) Validate() error {
	switch cfg.Runtime.Type {
	case RuntimeLocalDaemon, RuntimeClusterPod, RuntimeClusterCR:
	default:
		return sberrors.Newf(sberrors.CodeBadRequest, "runtime.type %q is not recognized", cfg.Runtime.Type)
	}
	if cfg.Runtime.AgentImage == "" {
		return sberrors.New(sberrors.CodeBadRequest, "runtime.agent_image is required")
	}

	switch cfg.Ingress.Mode {
	case IngressDirect:
	case IngressGateway:
		if err := ingress.ValidateRuntimeCombination(string(cfg.Runtime.Type), ingress.Config{Mode: ingress.ModeGateway}); err != nil {
			return sberrors.Wrap(sberrors.CodeBadRequest, "invalid ingress configuration", err)
		}
		if cfg.Ingress.Address == "" {
			return sberrors.New(sberrors.CodeBadRequest, "ingress.address is required in gateway mode")
		}
		switch cfg.Ingress.Route.Mode {
		case RouteWildcard:
			if len(cfg.Ingress.Address) < 2 || cfg.Ingress.Address[:2] != "*." {
				return sberrors.New(sberrors.CodeBadRequest, "ingress.route wildcard mode requires an address starting with \"*.\"")
			}
		case RouteURI, RouteHeader:
		default:
			return sberrors.Newf(sberrors.CodeBadRequest, "ingress.route.mode %q is not recognized", cfg.Ingress.Route.Mode)
		}
	default:
		return sberrors.Newf(sberrors.CodeBadRequest, "ingress.mode %q is not recognized", cfg.Ingress.Mode)
	}

	if cfg.Runtime.Type != RuntimeLocalDaemon && cfg.Cluster.Namespace == "" {
		return sberrors.New(sberrors.CodeBadRequest, "cluster.namespace is required for cluster runtimes")
	}
	return nil
}
