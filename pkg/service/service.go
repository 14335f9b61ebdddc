// Package service is the runtime-neutral façade in front of a provider: it
// owns readiness polling after create, health probing for pause/resume
// observability, and conflict checking against the sandbox state machine
// before any mutating call reaches the provider. The HTTP layer in pkg/api
// is the only caller; core packages never import it.
package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/fengcone/OpenSandbox/pkg/ingress"
	"github.com/fengcone/OpenSandbox/pkg/labels"
	"github.com/fengcone/OpenSandbox/pkg/provider"
	"github.com/fengcone/OpenSandbox/pkg/sandbox"
	"github.com/fengcone/OpenSandbox/pkg/sberrors"
)

// Config tunes the timing behavior described in spec.md §4.4 and §5.
type Config struct {
	// ReadyInterval is the poll period for the post-create readiness wait.
	ReadyInterval time.Duration
	// ReadyTimeout bounds the total time create() waits for readiness.
	ReadyTimeout time.Duration
	// RequestTimeout is the service-wide request deadline setting, defaulted
	// by New. No Service method applies it to the context it is given; an
	// operation runs under the caller's own deadline only.
	RequestTimeout time.Duration
	// HealthPath is the path on the agent's HTTP port answering 200 when
	// healthy, e.g. "/health".
	HealthPath string
	// HealthProbeTimeout bounds a single health GET; must stay well under
	// RequestTimeout so a paused (frozen) sandbox's probe still resolves
	// promptly instead of riding the outer deadline.
	HealthProbeTimeout time.Duration
	// Ingress rewrites client-facing (non-internal) endpoints per §4.6; nil
	// means direct mode, where the provider's own address is returned as-is.
	Ingress *ingress.Config
	// AllowedHostPaths is the allow-list of host-path prefixes a create
	// request's host-volume sources must fall under. A host path that is
	// not a prefix match of any entry is rejected before the provider ever
	// sees the request; an empty list rejects every host-path volume.
	AllowedHostPaths []string
}

// DefaultConfig returns the defaults named in spec.md §4.4/§5: a 200ms
// readiness poll bounded by 30s, a 60s service-wide request deadline, and a
// health probe deadline short enough to distinguish a paused sandbox from a
// slow one well inside that budget.
func DefaultConfig() Config {
	return Config{
		ReadyInterval:      200 * time.Millisecond,
		ReadyTimeout:       30 * time.Second,
		RequestTimeout:     60 * time.Second,
		HealthPath:         "/health",
		HealthProbeTimeout: 3 * time.Second,
	}
}

// Service is the runtime-neutral sandbox CRUD façade.
type Service struct {
	provider provider.Provider
	cfg      Config
	client   *http.Client
}

// New constructs a Service wrapping a single selected provider. Runtime
// selection (local-daemon / cluster-pod / cluster-cr) happens once at
// process start in cmd/sandbox-manager; the façade itself is runtime-blind.
func New(p provider.Provider, cfg Config) *Service {
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = DefaultConfig().ReadyInterval
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultConfig().ReadyTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = DefaultConfig().HealthPath
	}
	if cfg.HealthProbeTimeout <= 0 {
		cfg.HealthProbeTimeout = DefaultConfig().HealthProbeTimeout
	}
	return &Service{
		provider: p,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.HealthProbeTimeout},
	}
}

// Create validates user metadata, creates the sandbox on the provider, and
// then waits for readiness unless the spec opts out. The sandbox returned
// on a readiness timeout is whatever state the provider last reported, not
// an error: the caller may poll Get themselves or delete the stuck sandbox,
// per spec.md §5's no-rollback rule.
func (s *Service) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
	if err := labels.ValidateUserMetadata(spec.Metadata); err != nil {
		return sandbox.Sandbox{}, err
	}
	if err := s.validateVolumes(spec.Volumes); err != nil {
		return sandbox.Sandbox{}, err
	}

	sb, err := s.provider.Create(ctx, spec)
	if err != nil {
		return sandbox.Sandbox{}, err
	}
	if spec.SkipHealthCheck {
		return sb, nil
	}

	return s.awaitReady(ctx, sb.ID)
}

// validateVolumes enforces the host-path allow-list as a hard create-time
// invariant, independent of which runtime backend ends up mounting the
// volume: a PVC-backed volume is always accepted here since its allow-list
// is the cluster's own PersistentVolumeClaim admission, not this one.
func (s *Service) validateVolumes(volumes []sandbox.Volume) error {
	for _, v := range volumes {
		if v.Source.Host == nil {
			continue
		}
		if !hostPathAllowed(s.cfg.AllowedHostPaths, v.Source.Host.Path) {
			return sberrors.Newf(sberrors.CodeBadRequest, "host path %q for volume %q is not under an allowed prefix", v.Source.Host.Path, v.Name)
		}
	}
	return nil
}

func hostPathAllowed(prefixes []string, hostPath string) bool {
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		trimmed := strings.TrimSuffix(prefix, "/")
		if hostPath == trimmed || strings.HasPrefix(hostPath, trimmed+"/") {
			return true
		}
	}
	return false
}

// awaitReady polls Get until the sandbox reaches Running (returns it
// immediately, ready or not) or a terminal state (returns the failure), or
// gives up at ReadyTimeout and returns the last observed sandbox as-is.
func (s *Service) awaitReady(ctx context.Context, id string) (sandbox.Sandbox, error) {
	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	ticker := time.NewTicker(s.cfg.ReadyInterval)
	defer ticker.Stop()

	for {
		sb, err := s.provider.Get(ctx, id)
		if err != nil {
			return sandbox.Sandbox{}, err
		}
		switch sb.Status.State {
		case sandbox.StateRunning, sandbox.StateFailed, sandbox.StateTerminated:
			return sb, nil
		}
		if time.Now().After(deadline) {
			klog.FromContext(ctx).Info("sandbox not ready within ready_timeout", "id", id, "state", sb.Status.State)
			return sb, nil
		}
		select {
		case <-ctx.Done():
			return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "readiness wait canceled", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Get returns a single sandbox by id.
func (s *Service) Get(ctx context.Context, id string) (sandbox.Sandbox, error) {
	return s.provider.Get(ctx, id)
}

// List returns sandboxes matching filter, paginated.
func (s *Service) List(ctx context.Context, filter sandbox.Filter, page sandbox.Page) (sandbox.PageResult, error) {
	all, err := s.provider.List(ctx, filter)
	if err != nil {
		return sandbox.PageResult{}, err
	}
	return sandbox.Paginate(all, page), nil
}

// Delete tears a sandbox down. Legal from any non-terminal, non-Stopping
// state; a double-delete on an already-Stopping sandbox is a conflict, not
// a no-op, since the first delete's teardown is still in flight.
func (s *Service) Delete(ctx context.Context, id string) error {
	sb, err := s.provider.Get(ctx, id)
	if err != nil {
		return err
	}
	if !sandbox.ValidateIntent(sandbox.IntentDelete, sb.Status.State) {
		return sberrors.Newf(sberrors.CodeConflict, "sandbox %s cannot be deleted from state %s", id, sb.Status.State)
	}
	return s.provider.Delete(ctx, id)
}

// Pause freezes the sandbox's process tree. Legal only from Running.
func (s *Service) Pause(ctx context.Context, id string) (sandbox.Sandbox, error) {
	sb, err := s.provider.Get(ctx, id)
	if err != nil {
		return sandbox.Sandbox{}, err
	}
	if !sandbox.ValidateIntent(sandbox.IntentPause, sb.Status.State) {
		return sandbox.Sandbox{}, sberrors.Newf(sberrors.CodeConflict, "sandbox %s cannot be paused from state %s", id, sb.Status.State)
	}
	return s.provider.Pause(ctx, id)
}

// Resume thaws the sandbox. Legal only from Paused.
func (s *Service) Resume(ctx context.Context, id string) (sandbox.Sandbox, error) {
	sb, err := s.provider.Get(ctx, id)
	if err != nil {
		return sandbox.Sandbox{}, err
	}
	if !sandbox.ValidateIntent(sandbox.IntentResume, sb.Status.State) {
		return sandbox.Sandbox{}, sberrors.Newf(sberrors.CodeConflict, "sandbox %s cannot be resumed from state %s", id, sb.Status.State)
	}
	return s.provider.Resume(ctx, id)
}

// Renew extends a sandbox's expiry. Rejects a new expiry that doesn't
// strictly extend the current one, per the monotonicity invariant.
func (s *Service) Renew(ctx context.Context, id string, newExpiresAt time.Time) (sandbox.Sandbox, error) {
	sb, err := s.provider.Get(ctx, id)
	if err != nil {
		return sandbox.Sandbox{}, err
	}
	if !sandbox.ValidateIntent(sandbox.IntentRenew, sb.Status.State) {
		return sandbox.Sandbox{}, sberrors.Newf(sberrors.CodeConflict, "sandbox %s cannot be renewed from state %s", id, sb.Status.State)
	}
	now := time.Now()
	if !newExpiresAt.After(now) || !newExpiresAt.After(sb.ExpiresAt) {
		return sandbox.Sandbox{}, sberrors.New(sberrors.CodeConflict, "new expiration must be in the future and later than the current expiration")
	}
	return s.provider.Renew(ctx, id, newExpiresAt)
}

// GetEndpoint resolves (id, port) to an addressable endpoint. A Paused or
// Pausing sandbox refuses resolution outright: this is the mechanism that
// makes the in-container agent unreachable while frozen (spec.md §4.4),
// since neither the cluster-pod nor cluster-cr provider can freeze a
// process tree on its own.
func (s *Service) GetEndpoint(ctx context.Context, id string, port int, internal bool) (sandbox.Endpoint, error) {
	sb, err := s.provider.Get(ctx, id)
	if err != nil {
		return sandbox.Endpoint{}, err
	}
	if sb.Status.State == sandbox.StatePaused || sb.Status.State == sandbox.StatePausing {
		return sandbox.Endpoint{}, sberrors.New(sberrors.CodeUnavailable, "sandbox is paused")
	}

	ep, err := s.provider.GetEndpoint(ctx, id, port, internal)
	if err != nil {
		return sandbox.Endpoint{}, err
	}
	// Internal resolution (the reverse proxy, the health probe) always
	// bypasses gateway rewriting per §4.6; only client-facing lookups are
	// rewritten to the configured ingress.
	if !internal {
		if rewritten := ingress.Format(s.cfg.Ingress, id, port); rewritten != nil {
			return *rewritten, nil
		}
	}
	return ep, nil
}

// GetMetrics forwards to the provider's metrics snapshot.
func (s *Service) GetMetrics(ctx context.Context, id string) (sandbox.Metrics, error) {
	return s.provider.GetMetrics(ctx, id)
}

// IsHealthy issues a single bounded HTTP GET to the agent's health path on
// its well-known port and reports whether it answered 200. A Paused or
// Pausing sandbox is reported unhealthy without dialing anything, matching
// the "unhealthy within a bounded time even when frozen" requirement
// directly rather than relying on every caller's probe timing out.
func (s *Service) IsHealthy(ctx context.Context, id string, agentPort int) (bool, error) {
	sb, err := s.provider.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if sb.Status.State == sandbox.StatePaused || sb.Status.State == sandbox.StatePausing {
		return false, nil
	}

	ep, err := s.provider.GetEndpoint(ctx, id, agentPort, true)
	if err != nil {
		return false, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthProbeTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", ep.Endpoint, s.cfg.HealthPath)
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, sberrors.Wrap(sberrors.CodeInternal, "build health request", err)
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, doErr := s.client.Do(req)
	if doErr != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
