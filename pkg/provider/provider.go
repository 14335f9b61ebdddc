// Package provider defines the runtime-neutral contract every sandbox
// backend (local-daemon, cluster-pod, cluster-cr) implements, and the
// per-ID serialization every implementation is expected to honor.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fengcone/OpenSandbox/pkg/sandbox"
	"github.com/fengcone/OpenSandbox/pkg/sberrors"
)

// ExecedInstallPath and BootstrapPath are the fixed POSIX paths every
// provider installs the injected agent binary and its bootstrap script at,
// regardless of the workload image or which runtime backend is selected.
// Always build these with "path", never "path/filepath": they describe a
// location inside a Linux container, not a path on the host running this
// process.
const (
	ExecedInstallPath = "/opt/opensandbox/execd"
	BootstrapPath     = "/opt/opensandbox/bootstrap.sh"
)

// BootstrapScript renders the script installed at BootstrapPath: it starts
// the injected agent binary in the background, then execs into the
// workload's own entrypoint (passed as the script's arguments) so the
// sandboxed process remains the one receiving signals and reporting its own
// exit code, as if the agent had never been inserted in front of it.
func BootstrapScript() string {
	return "#!/bin/sh\nset -e\n" + ExecedInstallPath + " &\nexec \"$@\"\n"
}

// Provider is the contract a sandbox runtime backend satisfies. Every
// method that mutates a sandbox is serialized per-ID by the implementation
// itself (see IDLock) but may run concurrently across distinct IDs.
type Provider interface {
	Create(ctx context.Context, spec sandbox.Spec) (sandbox.Sandbox, error)
	Get(ctx context.Context, id string) (sandbox.Sandbox, error)
	List(ctx context.Context, filter sandbox.Filter) ([]sandbox.Sandbox, error)
	Delete(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) (sandbox.Sandbox, error)
	Resume(ctx context.Context, id string) (sandbox.Sandbox, error)
	Renew(ctx context.Context, id string, expiresAt time.Time) (sandbox.Sandbox, error)
	// GetEndpoint resolves (id, port) to a provider-native address. When
	// internal is true the result always bypasses any client-facing
	// rewriting (host-mode bind IP, bridge-mode proxy port) and returns
	// the address the manager itself can dial directly; this is what the
	// reverse proxy and metrics forwarder use. When internal is false the
	// provider returns its own best client-facing address for direct
	// ingress mode; pkg/ingress applies gateway rewriting on top of that
	// when the ingress mode is gateway instead of direct.
	GetEndpoint(ctx context.Context, id string, port int, internal bool) (sandbox.Endpoint, error)
	GetMetrics(ctx context.Context, id string) (sandbox.Metrics, error)
}

// IDLock serializes mutating operations per sandbox ID while allowing
// distinct IDs to proceed concurrently. Each provider implementation holds
// one IDLock and calls Lock/Unlock around Create/Delete/Pause/Resume/Renew.
type IDLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewIDLock constructs an empty IDLock.
func NewIDLock() *IDLock {
	return &IDLock{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for id, creating it on first use.
func (l *IDLock) Lock(id string) {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()
	m.Lock()
}

// Unlock releases the mutex for id.
func (l *IDLock) Unlock(id string) {
	l.mu.Lock()
	m, ok := l.locks[id]
	l.mu.Unlock()
	if ok {
		m.Unlock()
	}
}

// Forget drops the per-ID mutex once a sandbox is fully deleted, so the
// map doesn't grow unbounded over the service's lifetime.
func (l *IDLock) Forget(id string) {
	l.mu.Lock()
	delete(l.locks, id)
	l.mu.Unlock()
}

// agentMetrics is the wire shape produced by the in-container agent's own
// metrics endpoint (matching the in-container host-metrics collector's
// {cpu_count, cpu_used_percent, mem_used_mib, mem_total_mib} JSON tags).
type agentMetrics struct {
	CPUCount       int32   `json:"cpu_count"`
	CPUUsedPercent float64 `json:"cpu_used_percent"`
	MemUsedMiB     int64   `json:"mem_used_mib"`
	MemTotalMiB    int64   `json:"mem_total_mib"`
	Timestamp      int64   `json:"timestamp"`
}

// ForwardMetrics issues a GET to the sandbox's own internal agent metrics
// endpoint and decodes its response, since the agent (not the control
// plane) is the collaborator that actually measures resource usage.
func ForwardMetrics(ctx context.Context, ep sandbox.Endpoint) (sandbox.Metrics, error) {
	url := fmt.Sprintf("http://%s/metrics", ep.Endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return sandbox.Metrics{}, sberrors.Wrap(sberrors.CodeInternal, "build metrics request", err)
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return sandbox.Metrics{}, sberrors.Wrap(sberrors.CodeBadGateway, "fetch agent metrics", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return sandbox.Metrics{}, sberrors.Newf(sberrors.CodeBadGateway, "agent metrics endpoint returned %d", resp.StatusCode)
	}

	var m agentMetrics
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return sandbox.Metrics{}, sberrors.Wrap(sberrors.CodeBadGateway, "decode agent metrics", err)
	}

	timestampMS := m.Timestamp
	if timestampMS > 0 && timestampMS < 1_000_000_000_000 {
		// Timestamp was seconds, not milliseconds; normalize.
		timestampMS *= 1000
	}

	return sandbox.Metrics{
		CPUCount:          m.CPUCount,
		CPUUsedPercentage: m.CPUUsedPercent,
		MemoryTotalMiB:    m.MemTotalMiB,
		MemoryUsedMiB:     m.MemUsedMiB,
		TimestampMS:       timestampMS,
	}, nil
}
