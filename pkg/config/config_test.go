package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fengcone/OpenSandbox/pkg/sberrors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[runtime]
type = "local-daemon"
agent_image = "ghcr.io/opensandbox/agent:latest"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, IngressDirect, cfg.Ingress.Mode)
}

func TestLoadFullDocument(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
log_level = "debug"
api_key = "secret"

[runtime]
type = "cluster-pod"
agent_image = "ghcr.io/opensandbox/agent:latest"

[ingress]
mode = "gateway"
address = "*.sandboxes.example.com"

[ingress.route]
mode = "wildcard"

[cluster]
namespace = "sandboxes"
service_account = "sandbox-runner"

[storage]
allowed_host_paths = ["/data/sandboxes"]

[service]
ready_interval_ms = 100
ready_timeout_s = 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.Equal(t, RuntimeClusterPod, cfg.Runtime.Type)
	assert.Equal(t, IngressGateway, cfg.Ingress.Mode)
	assert.Equal(t, RouteWildcard, cfg.Ingress.Route.Mode)
	assert.Equal(t, "sandboxes", cfg.Cluster.Namespace)
	assert.Equal(t, []string{"/data/sandboxes"}, cfg.Storage.AllowedHostPaths)
	assert.Equal(t, 100*1e6, float64(cfg.Service.ReadyInterval()))
}

func TestValidateRejectsLocalDaemonWithGateway(t *testing.T) {
	cfg := Config{
		Runtime: RuntimeConfig{Type: RuntimeLocalDaemon, AgentImage: "img"},
		Ingress: IngressConfig{Mode: IngressGateway, Address: "gw.example.com", Route: RouteConfig{Mode: RouteURI}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, sberrors.CodeBadRequest, sberrors.CodeOf(err))
}

func TestValidateRejectsWildcardAddressWithoutPrefix(t *testing.T) {
	cfg := Config{
		Runtime: RuntimeConfig{Type: RuntimeClusterPod, AgentImage: "img"},
		Ingress: IngressConfig{Mode: IngressGateway, Address: "sandboxes.example.com", Route: RouteConfig{Mode: RouteWildcard}},
		Cluster: ClusterConfig{Namespace: "default"},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRequiresNamespaceForClusterRuntime(t *testing.T) {
	cfg := Config{
		Runtime: RuntimeConfig{Type: RuntimeClusterCR, AgentImage: "img"},
		Ingress: IngressConfig{Mode: IngressDirect},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsUnknownRuntimeType(t *testing.T) {
	cfg := Config{Runtime: RuntimeConfig{Type: "bogus", AgentImage: "img"}}
	err := cfg.Validate()
	require.Error(t, err)
}
