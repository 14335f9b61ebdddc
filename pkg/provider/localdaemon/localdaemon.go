// Package localdaemon implements the sandbox provider contract against a
// local Docker engine: one container per sandbox, with fixed in-container
// install paths and host/bridge network mode semantics.
package localdaemon

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"k8s.io/klog/v2"

	"github.com/fengcone/OpenSandbox/pkg/labels"
	"github.com/fengcone/OpenSandbox/pkg/provider"
	"github.com/fengcone/OpenSandbox/pkg/quantity"
	"github.com/fengcone/OpenSandbox/pkg/sandbox"
	"github.com/fengcone/OpenSandbox/pkg/sberrors"
)

const (
	// ExecedInstallPath and BootstrapPath are fixed POSIX paths the
	// in-container agent is installed at, regardless of image.
	ExecedInstallPath = provider.ExecedInstallPath
	BootstrapPath     = provider.BootstrapPath

	// agentBinaryPath is the fixed path inside the agent image the execd
	// binary is read from before being copied into the workload container.
	agentBinaryPath = "/execd"

	managedLabel = "opensandbox.io/managed"

	NetworkModeHost   = "host"
	NetworkModeBridge = "bridge"
)

// Config configures the local-daemon provider.
type Config struct {
	NetworkMode        string // "host" or "bridge"
	BindIP             string // external IP clients dial in host/bridge mode
	HTTPPort           int    // well-known agent health/HTTP port inside the container
	EmbeddingProxyPort int    // embedding proxy port inside the container; bridge mode maps it to an allocated host port
	// AgentImage, when set, supplies the execd binary injected at
	// ExecedInstallPath; empty disables agent injection entirely.
	AgentImage string
}

// Provider implements provider.Provider against a local Docker engine.
type Provider struct {
	cli    *client.Client
	cfg    Config
	locks  *provider.IDLock

	mu        sync.Mutex
	expiresAt map[string]time.Time
}

// New constructs a local-daemon Provider using an already-configured Docker
// client (see client.NewClientWithOpts(client.FromEnv, ...)).
func New(cli *client.Client, cfg Config) *Provider {
	return &Provider{
		cli:       cli,
		cfg:       cfg,
		locks:     provider.NewIDLock(),
		expiresAt: make(map[string]time.Time),
	}
}

func (p *Provider) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
	log := klog.FromContext(ctx)

	if err := p.ensureImage(ctx, spec.Image.URI); err != nil {
		return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "pull image", err)
	}

	id := sandboxID()
	p.locks.Lock(id)
	defer p.locks.Unlock(id)

	nanoCPU := quantity.ParseCPU(spec.CPU)
	memBytes := quantity.ParseMemory(spec.Memory)

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	var httpHostPort, proxyHostPort int
	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	if p.cfg.NetworkMode == NetworkModeBridge {
		var portErr error
		httpHostPort, portErr = allocateHostPort(p.cfg.BindIP)
		if portErr != nil {
			return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "allocate host http port", portErr)
		}
		proxyHostPort, portErr = allocateHostPort(p.cfg.BindIP)
		if portErr != nil {
			return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "allocate host embedding proxy port", portErr)
		}
		exposedPorts, portBindings = bridgePortMappings(p.cfg, httpHostPort, proxyHostPort)
	}

	containerLabels := map[string]string{
		managedLabel:   "true",
		labels.IDLabel: id,
	}
	if p.cfg.NetworkMode == NetworkModeBridge {
		containerLabels[labels.HTTPPortLabel] = strconv.Itoa(httpHostPort)
		containerLabels[labels.EmbeddingProxyPortLabel] = strconv.Itoa(proxyHostPort)
	}
	for k, v := range labels.Merge(nil, spec.Metadata) {
		containerLabels[k] = v
	}

	cmd := spec.Entrypoint
	if p.cfg.AgentImage != "" {
		cmd = append([]string{BootstrapPath}, spec.Entrypoint...)
	}

	hostConfig := &container.HostConfig{
		NetworkMode:  container.NetworkMode(p.cfg.NetworkMode),
		PortBindings: portBindings,
		Binds:        buildBinds(spec.Volumes),
		Resources: container.Resources{
			Memory: derefOrZero(memBytes),
		},
	}
	if nanoCPU != nil {
		hostConfig.Resources.NanoCPUs = *nanoCPU
	}

	resp, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image.URI,
			Cmd:          cmd,
			Env:          env,
			Labels:       containerLabels,
			ExposedPorts: exposedPorts,
		},
		hostConfig,
		nil, nil, "",
	)
	if err != nil {
		return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "create container", err)
	}

	if p.cfg.AgentImage != "" {
		if err := p.injectAgent(ctx, resp.ID, p.cfg.AgentImage); err != nil {
			_ = p.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
			return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "inject agent bootstrap", err)
		}
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "start container", err)
	}

	now := time.Now().UTC()
	expiry := now.Add(spec.Timeout)
	p.mu.Lock()
	p.expiresAt[id] = expiry
	p.mu.Unlock()
	p.scheduleExpiry(id, spec.Timeout)

	log.Info("sandbox container created", "id", id, "container", resp.ID)
	return p.inspectToSandbox(ctx, id, resp.ID, spec)
}

func (p *Provider) Get(ctx context.Context, id string) (sandbox.Sandbox, error) {
	cont, err := p.findContainer(ctx, id)
	if err != nil {
		return sandbox.Sandbox{}, err
	}
	return p.containerToSandbox(ctx, id, cont)
}

func (p *Provider) List(ctx context.Context, filter sandbox.Filter) ([]sandbox.Sandbox, error) {
	containers, err := p.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"=true")),
	})
	if err != nil {
		return nil, sberrors.Wrap(sberrors.CodeInternal, "list containers", err)
	}

	out := make([]sandbox.Sandbox, 0, len(containers))
	for _, c := range containers {
		id := c.Labels[labels.IDLabel]
		if id == "" {
			continue
		}
		sb, err := p.containerSummaryToSandbox(id, c)
		if err != nil {
			continue
		}
		if filter.Matches(sb) {
			out = append(out, sb)
		}
	}
	return out, nil
}

func (p *Provider) Delete(ctx context.Context, id string) error {
	p.locks.Lock(id)
	defer p.locks.Unlock(id)

	cont, err := p.findContainer(ctx, id)
	if err != nil {
		return err
	}
	if err := p.cli.ContainerRemove(ctx, cont.ID, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return sberrors.Wrap(sberrors.CodeInternal, "remove container", err)
	}
	p.mu.Lock()
	delete(p.expiresAt, id)
	p.mu.Unlock()
	p.locks.Forget(id)
	return nil
}

func (p *Provider) Pause(ctx context.Context, id string) (sandbox.Sandbox, error) {
	p.locks.Lock(id)
	defer p.locks.Unlock(id)

	cont, err := p.findContainer(ctx, id)
	if err != nil {
		return sandbox.Sandbox{}, err
	}
	if err := p.cli.ContainerPause(ctx, cont.ID); err != nil {
		return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "pause container", err)
	}
	return p.containerToSandbox(ctx, id, cont)
}

func (p *Provider) Resume(ctx context.Context, id string) (sandbox.Sandbox, error) {
	p.locks.Lock(id)
	defer p.locks.Unlock(id)

	cont, err := p.findContainer(ctx, id)
	if err != nil {
		return sandbox.Sandbox{}, err
	}
	if err := p.cli.ContainerUnpause(ctx, cont.ID); err != nil {
		return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "unpause container", err)
	}
	return p.containerToSandbox(ctx, id, cont)
}

// Renew extends the sandbox's in-memory expiry. Docker has no API to patch
// a running container's labels, so expiry is tracked provider-side and a
// new TTL-enforcement goroutine is started for the new expiry. A timer
// started earlier still fires, finds the later expiry, and does nothing.
func (p *Provider) Renew(ctx context.Context, id string, expiresAt time.Time) (sandbox.Sandbox, error) {
	p.locks.Lock(id)
	defer p.locks.Unlock(id)

	cont, err := p.findContainer(ctx, id)
	if err != nil {
		return sandbox.Sandbox{}, err
	}

	p.mu.Lock()
	p.expiresAt[id] = expiresAt
	p.mu.Unlock()
	p.scheduleExpiry(id, time.Until(expiresAt))

	return p.containerToSandbox(ctx, id, cont)
}

func (p *Provider) GetEndpoint(ctx context.Context, id string, port int, internal bool) (sandbox.Endpoint, error) {
	cont, err := p.findContainer(ctx, id)
	if err != nil {
		return sandbox.Endpoint{}, err
	}

	if internal {
		containerIP, iErr := p.containerIP(ctx, cont.ID)
		if iErr != nil {
			return sandbox.Endpoint{}, iErr
		}
		return sandbox.Endpoint{Endpoint: fmt.Sprintf("%s:%d", containerIP, port)}, nil
	}

	return resolveExternalEndpoint(p.cfg, cont.Config.Labels, port), nil
}

// resolveExternalEndpoint implements the client-facing direct-mode address
// rules: host network mode always dials bindIP:port directly; bridge mode
// dials bindIP:http-port when port is the agent's well-known HTTP port, or
// bindIP:proxy-port/proxy/<port> for any other port, routed through the
// in-container reverse proxy.
func resolveExternalEndpoint(cfg Config, contLabels map[string]string, port int) sandbox.Endpoint {
	if cfg.NetworkMode == NetworkModeHost {
		return sandbox.Endpoint{Endpoint: fmt.Sprintf("%s:%d", cfg.BindIP, port)}
	}

	httpPort := contLabels[labels.HTTPPortLabel]
	proxyPort := contLabels[labels.EmbeddingProxyPortLabel]
	if httpPort != "" && port == cfg.HTTPPort {
		return sandbox.Endpoint{Endpoint: fmt.Sprintf("%s:%s", cfg.BindIP, httpPort)}
	}
	if proxyPort != "" {
		return sandbox.Endpoint{Endpoint: fmt.Sprintf("%s:%s/proxy/%d", cfg.BindIP, proxyPort, port)}
	}
	return sandbox.Endpoint{Endpoint: fmt.Sprintf("%s:%d", cfg.BindIP, port)}
}

func (p *Provider) GetMetrics(ctx context.Context, id string) (sandbox.Metrics, error) {
	ep, err := p.GetEndpoint(ctx, id, p.cfg.HTTPPort, true)
	if err != nil {
		return sandbox.Metrics{}, err
	}
	return provider.ForwardMetrics(ctx, ep)
}

func (p *Provider) scheduleExpiry(id string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	go func() {
		t := time.NewTimer(ttl)
		defer t.Stop()
		<-t.C
		p.mu.Lock()
		current, ok := p.expiresAt[id]
		p.mu.Unlock()
		if !ok || time.Now().UTC().Before(current) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.Delete(ctx, id); err != nil {
			klog.FromContext(ctx).Error(err, "failed to expire sandbox", "id", id)
		}
	}()
}

// ensureImage pulls ref if it isn't already present locally. This sits on
// the hot path of every Create call, so it logs through zerolog rather than
// the request-scoped klog logger: pull progress is a daemon-wide bootstrap
// concern, not something worth threading a context logger through.
func (p *Provider) ensureImage(ctx context.Context, ref string) error {
	_, _, err := p.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return err
	}
	log.Info().Str("image", ref).Msg("image not found locally, pulling")
	reader, err := p.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		log.Error().Err(err).Str("image", ref).Msg("image pull failed")
		return err
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		log.Error().Err(err).Str("image", ref).Msg("image pull stream failed")
		return err
	}
	log.Info().Str("image", ref).Msg("image pulled")
	return nil
}

// allocateHostPort picks a free TCP port on bindIP by opening and
// immediately closing a listener. Docker has no API to reserve a host port
// ahead of ContainerCreate, and the chosen port must be baked into both
// HostConfig.PortBindings and the container's labels within that same
// create call, so it has to be known beforehand.
func allocateHostPort(bindIP string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(bindIP, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// bridgePortMappings builds the ExposedPorts/PortBindings pair that maps the
// container's fixed internal agent ports onto the host ports already chosen
// by allocateHostPort.
func bridgePortMappings(cfg Config, httpHostPort, proxyHostPort int) (nat.PortSet, nat.PortMap) {
	httpContainerPort := nat.Port(fmt.Sprintf("%d/tcp", cfg.HTTPPort))
	proxyContainerPort := nat.Port(fmt.Sprintf("%d/tcp", cfg.EmbeddingProxyPort))

	exposed := nat.PortSet{
		httpContainerPort:  struct{}{},
		proxyContainerPort: struct{}{},
	}
	bindings := nat.PortMap{
		httpContainerPort:  []nat.PortBinding{{HostIP: cfg.BindIP, HostPort: strconv.Itoa(httpHostPort)}},
		proxyContainerPort: []nat.PortBinding{{HostIP: cfg.BindIP, HostPort: strconv.Itoa(proxyHostPort)}},
	}
	return exposed, bindings
}

// buildBinds renders classic "source:target[:ro]" bind-mount strings for
// HostConfig.Binds. A PVC source maps its claim name to a Docker named
// volume, matching how the docker-pvc-volume-mount example treats a PVC
// backend as a named volume under a non-Kubernetes runtime.
func buildBinds(volumes []sandbox.Volume) []string {
	binds := make([]string, 0, len(volumes))
	for _, v := range volumes {
		var source string
		switch {
		case v.Source.Host != nil:
			source = v.Source.Host.Path
			if v.SubPath != "" {
				source = path.Join(source, v.SubPath)
			}
		case v.Source.PVC != nil:
			source = v.Source.PVC.ClaimName
			if v.SubPath != "" {
				log.Warn().Str("volume", v.Name).Msg("sub_path is not supported for pvc volumes on the local-daemon runtime; ignoring")
			}
		default:
			continue
		}
		bind := fmt.Sprintf("%s:%s", source, v.MountPath)
		if v.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}
	return binds
}

// injectAgent extracts the agent binary out of agentImage and writes it,
// alongside the generated bootstrap script, into containerID's filesystem
// before it is started. ContainerCreate already set Cmd to run BootstrapPath
// first, so by the time ContainerStart runs both files already exist at
// their fixed paths.
func (p *Provider) injectAgent(ctx context.Context, containerID, agentImage string) error {
	execdData, err := p.fetchExecdBinary(ctx, agentImage)
	if err != nil {
		return fmt.Errorf("fetch execd binary from %s: %w", agentImage, err)
	}
	archive, err := buildBootstrapArchive(execdData, provider.BootstrapScript())
	if err != nil {
		return fmt.Errorf("build bootstrap archive: %w", err)
	}
	if err := p.cli.CopyToContainer(ctx, containerID, "/", archive, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy bootstrap archive into container: %w", err)
	}
	return nil
}

// fetchExecdBinary reads agentBinaryPath out of agentImage using a
// throwaway, never-started container: CopyFromContainer operates on a
// container's filesystem layer directly and works before ContainerStart, so
// no exec session into a running container is needed just to read one file.
func (p *Provider) fetchExecdBinary(ctx context.Context, agentImage string) ([]byte, error) {
	if err := p.ensureImage(ctx, agentImage); err != nil {
		return nil, err
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{Image: agentImage}, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create agent staging container: %w", err)
	}
	defer func() {
		_ = p.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
	}()

	rc, _, err := p.cli.CopyFromContainer(ctx, resp.ID, agentBinaryPath)
	if err != nil {
		return nil, fmt.Errorf("copy %s from agent image: %w", agentBinaryPath, err)
	}
	defer rc.Close()

	return extractSingleFile(rc)
}

// extractSingleFile reads the first regular file out of a tar stream, which
// is all CopyFromContainer produces when asked for a single file path.
func extractSingleFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("archive contained no regular file")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		return io.ReadAll(tr)
	}
}

// buildBootstrapArchive builds a tar rooted at "/" containing the install
// directory, the execd binary, and the bootstrap script, all at their fixed
// paths: one CopyToContainer call with this archive both ensures the
// directory exists and installs both files.
func buildBootstrapArchive(execdData []byte, bootstrapScript string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	installDir := path.Dir(ExecedInstallPath)
	if err := tw.WriteHeader(&tar.Header{
		Name:     strings.TrimPrefix(installDir, "/") + "/",
		Typeflag: tar.TypeDir,
		Mode:     0755,
	}); err != nil {
		return nil, err
	}
	if err := writeTarFile(tw, ExecedInstallPath, execdData, 0755); err != nil {
		return nil, err
	}
	if err := writeTarFile(tw, BootstrapPath, []byte(bootstrapScript), 0755); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func writeTarFile(tw *tar.Writer, containerPath string, data []byte, mode int64) error {
	hdr := &tar.Header{
		Name:     strings.TrimPrefix(containerPath, "/"),
		Typeflag: tar.TypeReg,
		Mode:     mode,
		Size:     int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func (p *Provider) findContainer(ctx context.Context, id string) (types.ContainerJSON, error) {
	containers, err := p.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labels.IDLabel+"="+id)),
	})
	if err != nil {
		return types.ContainerJSON{}, sberrors.Wrap(sberrors.CodeInternal, "list containers", err)
	}
	if len(containers) == 0 {
		return types.ContainerJSON{}, sberrors.New(sberrors.CodeNotFound, "sandbox not found: "+id)
	}
	return p.cli.ContainerInspect(ctx, containers[0].ID)
}

func (p *Provider) containerIP(ctx context.Context, containerID string) (string, error) {
	cont, err := p.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", sberrors.Wrap(sberrors.CodeInternal, "inspect container", err)
	}
	if p.cfg.NetworkMode == NetworkModeHost {
		return "127.0.0.1", nil
	}
	if cont.NetworkSettings != nil && cont.NetworkSettings.IPAddress != "" {
		return cont.NetworkSettings.IPAddress, nil
	}
	return "", sberrors.New(sberrors.CodeUnavailable, "container has no assigned IP yet")
}

func (p *Provider) containerToSandbox(ctx context.Context, id string, cont types.ContainerJSON) (sandbox.Sandbox, error) {
	createdAt, _ := time.Parse(time.RFC3339Nano, cont.Created)
	p.mu.Lock()
	expiry := p.expiresAt[id]
	p.mu.Unlock()

	return sandbox.Sandbox{
		ID:        id,
		Image:     sandbox.Image{URI: cont.Config.Image},
		Status:    sandbox.Status{State: dockerStateToState(cont.State)},
		Metadata:  labels.UserMetadata(cont.Config.Labels),
		CreatedAt: createdAt,
		ExpiresAt: expiry,
	}, nil
}

func (p *Provider) containerSummaryToSandbox(id string, c types.Container) (sandbox.Sandbox, error) {
	p.mu.Lock()
	expiry := p.expiresAt[id]
	p.mu.Unlock()

	return sandbox.Sandbox{
		ID:        id,
		Image:     sandbox.Image{URI: c.Image},
		Status:    sandbox.Status{State: dockerSummaryStateToState(c.State)},
		Metadata:  labels.UserMetadata(c.Labels),
		CreatedAt: time.Unix(c.Created, 0).UTC(),
		ExpiresAt: expiry,
	}, nil
}

func (p *Provider) inspectToSandbox(ctx context.Context, id, containerID string, spec sandbox.Spec) (sandbox.Sandbox, error) {
	cont, err := p.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "inspect container", err)
	}
	return p.containerToSandbox(ctx, id, cont)
}

func dockerStateToState(s *types.ContainerState) sandbox.State {
	if s == nil {
		return sandbox.StateUnknown
	}
	switch {
	case s.Running && s.Paused:
		return sandbox.StatePaused
	case s.Running:
		return sandbox.StateRunning
	case s.Restarting:
		return sandbox.StateCreating
	case s.Dead || s.OOMKilled:
		return sandbox.StateFailed
	case s.Status == "exited":
		return sandbox.StateTerminated
	default:
		return sandbox.StateUnknown
	}
}

func dockerSummaryStateToState(s string) sandbox.State {
	switch s {
	case "running":
		return sandbox.StateRunning
	case "paused":
		return sandbox.StatePaused
	case "created":
		return sandbox.StateCreating
	case "exited", "dead":
		return sandbox.StateTerminated
	case "removing":
		return sandbox.StateStopping
	default:
		return sandbox.StateUnknown
	}
}

func derefOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func sandboxID() string {
	return "sbx-" + uuid.NewString()
}
