// Package ingress formats the externally-visible address of a sandbox port
// from the configured ingress mode, independent of which provider realized
// the sandbox.
package ingress

import (
	"fmt"
	"strings"

	"github.com/fengcone/OpenSandbox/pkg/sandbox"
)

const (
	ModeDirect  = "direct"
	ModeGateway = "gateway"

	RouteModeWildcard = "wildcard"
	RouteModeURI      = "uri"
	RouteModeHeader   = "header"

	// HeaderName carries the routed sandbox-port pair under header routing.
	HeaderName = "X-OpenSandbox-Ingress"
)

// GatewayRoute configures a gateway's routing mode.
type GatewayRoute struct {
	Mode string
}

// Gateway is the gateway address and routing mode used when Config.Mode is
// ModeGateway.
type Gateway struct {
	Address string
	Route   GatewayRoute
}

// Config is the ingress section of the service configuration.
type Config struct {
	Mode    string
	Gateway *Gateway
}

// Format returns the externally-visible Endpoint for (sandboxID, port) per
// cfg's mode, or nil when cfg is nil or in direct mode: direct-mode
// endpoints are produced by the provider itself from the workload's actual
// host/bridge address, not by this formatter.
func Format(cfg *Config, sandboxID string, port int) *sandbox.Endpoint {
	if cfg == nil || cfg.Mode != ModeGateway || cfg.Gateway == nil {
		return nil
	}
	gw := cfg.Gateway
	switch gw.Route.Mode {
	case RouteModeWildcard:
		base := strings.TrimPrefix(gw.Address, "*.")
		return &sandbox.Endpoint{
			Endpoint: fmt.Sprintf("%s-%d.%s", sandboxID, port, base),
		}
	case RouteModeURI:
		return &sandbox.Endpoint{
			Endpoint: fmt.Sprintf("%s/%s/%d", gw.Address, sandboxID, port),
		}
	case RouteModeHeader:
		return &sandbox.Endpoint{
			Endpoint: gw.Address,
			Headers: map[string]string{
				HeaderName: fmt.Sprintf("%s-%d", sandboxID, port),
			},
		}
	default:
		return nil
	}
}

// ValidateRuntimeCombination rejects local-daemon + gateway ingress, which
// the configuration loader must refuse: the local daemon has no gateway to
// route through.
func ValidateRuntimeCombination(runtime string, cfg Config) error {
	if runtime == "local-daemon" && cfg.Mode == ModeGateway {
		return fmt.Errorf("ingress: local-daemon runtime cannot use gateway ingress mode")
	}
	return nil
}
