// Package clusterpod implements the sandbox provider contract against
// plain Kubernetes Pods (no custom resource, no operator): one Pod per
// sandbox, reconciled through the hand-rolled informer in pkg/informer
// instead of client-go's SharedInformerFactory.
package clusterpod

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/fengcone/OpenSandbox/pkg/informer"
	"github.com/fengcone/OpenSandbox/pkg/labels"
	"github.com/fengcone/OpenSandbox/pkg/provider"
	"github.com/fengcone/OpenSandbox/pkg/quantity"
	"github.com/fengcone/OpenSandbox/pkg/sandbox"
	"github.com/fengcone/OpenSandbox/pkg/sberrors"
)

const (
	managedLabel = "opensandbox.io/managed"
	pausedLabel  = "opensandbox.io/paused"
)

// Config configures the cluster-pod provider.
type Config struct {
	Namespace string
	AgentPort int // well-known agent HTTP/metrics port inside every pod
	// AgentImage, when set, is run as an initContainer that installs the
	// agent binary and bootstrap script into a volume shared with the
	// sandbox container. Empty disables agent injection entirely.
	AgentImage string
	// ServiceAccount is set as the pod's service account, when non-empty.
	ServiceAccount string
}

// Provider implements provider.Provider against plain k8s Pods.
type Provider struct {
	client         kubernetes.Interface
	namespace      string
	agentPort      int
	agentImage     string
	serviceAccount string
	locks          *provider.IDLock
	inf            *informer.Informer
}

// podListWatcher adapts corev1.PodInterface to informer.ListWatcher.
type podListWatcher struct {
	pods typedPodInterface
}

type typedPodInterface interface {
	List(ctx context.Context, opts metav1.ListOptions) (*corev1.PodList, error)
	Watch(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error)
}

func (lw podListWatcher) List(ctx context.Context) ([]metav1.Object, string, error) {
	list, err := lw.pods.List(ctx, metav1.ListOptions{LabelSelector: managedLabel + "=true"})
	if err != nil {
		return nil, "", err
	}
	items := make([]metav1.Object, 0, len(list.Items))
	for i := range list.Items {
		items = append(items, &list.Items[i])
	}
	return items, list.ResourceVersion, nil
}

func (lw podListWatcher) Watch(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	return lw.pods.Watch(ctx, metav1.ListOptions{
		LabelSelector:   managedLabel + "=true",
		ResourceVersion: resourceVersion,
	})
}

// New constructs a cluster-pod Provider and starts its background informer.
func New(ctx context.Context, client kubernetes.Interface, cfg Config) *Provider {
	lw := podListWatcher{pods: client.CoreV1().Pods(cfg.Namespace)}
	inf := informer.New("pods", lw)
	inf.Start(ctx)

	return &Provider{
		client:         client,
		namespace:      cfg.Namespace,
		agentPort:      cfg.AgentPort,
		agentImage:     cfg.AgentImage,
		serviceAccount: cfg.ServiceAccount,
		locks:          provider.NewIDLock(),
		inf:            inf,
	}
}

func (p *Provider) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
	id := podName()
	p.locks.Lock(id)
	defer p.locks.Unlock(id)

	nanoCPU := quantity.ParseCPU(spec.CPU)
	memBytes := quantity.ParseMemory(spec.Memory)

	podLabels := map[string]string{
		managedLabel:   "true",
		labels.IDLabel: id,
	}
	for k, v := range labels.Merge(nil, spec.Metadata) {
		podLabels[k] = v
	}

	volumes, mounts := buildVolumes(spec.Volumes)
	podSpec := corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: p.serviceAccount,
		Volumes:            volumes,
		Containers: []corev1.Container{
			buildContainer(spec, nanoCPU, memBytes, mounts),
		},
	}
	if p.agentImage != "" {
		agentVolume, agentMount := agentSharedVolume()
		podSpec.Volumes = append(podSpec.Volumes, agentVolume)
		podSpec.InitContainers = []corev1.Container{buildAgentInitContainer(p.agentImage, agentMount)}
		podSpec.Containers[0].VolumeMounts = append(podSpec.Containers[0].VolumeMounts, agentMount)
		podSpec.Containers[0].Command = bootstrapCommand(spec.Entrypoint)
	}

	expiresAt := time.Now().UTC().Add(spec.Timeout)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      id,
			Namespace: p.namespace,
			Labels:    podLabels,
			Annotations: map[string]string{
				labels.ExpiresAtLabel: expiresAt.Format(time.RFC3339Nano),
			},
		},
		Spec: podSpec,
	}

	created, err := p.client.CoreV1().Pods(p.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "create pod", err)
	}

	if spec.NetworkPolicy.DefaultAction != "" {
		if err := p.createNetworkPolicy(ctx, id, spec.NetworkPolicy); err != nil {
			klog.FromContext(ctx).Error(err, "failed to create network policy for sandbox pod", "pod", id)
		}
	}

	klog.FromContext(ctx).Info("sandbox pod created", "pod", created.Name)
	return podToSandbox(created, expiresAt), nil
}

func buildContainer(spec sandbox.Spec, nanoCPU, memBytes *int64, mounts []corev1.VolumeMount) corev1.Container {
	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	c := corev1.Container{
		Name:         "sandbox",
		Image:        spec.Image.URI,
		Command:      spec.Entrypoint,
		Env:          env,
		VolumeMounts: mounts,
	}
	if nanoCPU != nil || memBytes != nil {
		c.Resources.Requests = corev1.ResourceList{}
		c.Resources.Limits = corev1.ResourceList{}
		if nanoCPU != nil {
			q := quantity.CPUToResourceQuantity(*nanoCPU)
			c.Resources.Requests["cpu"] = q
			c.Resources.Limits["cpu"] = q
		}
		if memBytes != nil {
			q := quantity.MemoryToResourceQuantity(*memBytes)
			c.Resources.Requests["memory"] = q
			c.Resources.Limits["memory"] = q
		}
	}
	return c
}

// buildVolumes translates a sandbox's requested volumes into k8s Volume and
// VolumeMount pairs; a Volume with neither source populated is skipped.
func buildVolumes(vols []sandbox.Volume) ([]corev1.Volume, []corev1.VolumeMount) {
	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	for _, v := range vols {
		vol := corev1.Volume{Name: v.Name}
		switch {
		case v.Source.Host != nil:
			vol.VolumeSource = corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: v.Source.Host.Path},
			}
		case v.Source.PVC != nil:
			vol.VolumeSource = corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: v.Source.PVC.ClaimName},
			}
		default:
			continue
		}
		volumes = append(volumes, vol)
		mounts = append(mounts, corev1.VolumeMount{
			Name:      v.Name,
			MountPath: v.MountPath,
			ReadOnly:  v.ReadOnly,
			SubPath:   v.SubPath,
		})
	}
	return volumes, mounts
}

// agentSharedVolume is the emptyDir the agent initContainer and the sandbox
// container both mount, so a binary written by the former is visible to the
// latter at the same fixed path.
func agentSharedVolume() (corev1.Volume, corev1.VolumeMount) {
	vol := corev1.Volume{
		Name:         "opensandbox-agent",
		VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
	}
	mount := corev1.VolumeMount{Name: "opensandbox-agent", MountPath: path.Dir(provider.ExecedInstallPath)}
	return vol, mount
}

// buildAgentInitContainer copies the agent binary out of agentImage's own
// fixed /execd path and writes the bootstrap script alongside it, both into
// the shared emptyDir mount: by the time the sandbox container starts, both
// files already exist at their fixed install paths.
func buildAgentInitContainer(agentImage string, mount corev1.VolumeMount) corev1.Container {
	return corev1.Container{
		Name:         "opensandbox-agent-init",
		Image:        agentImage,
		Command:      []string{"sh", "-c", installScript()},
		VolumeMounts: []corev1.VolumeMount{mount},
	}
}

func bootstrapCommand(entrypoint []string) []string {
	return append([]string{provider.BootstrapPath}, entrypoint...)
}

// installScript is the shell snippet the agent init container runs: it
// copies the image's own /execd binary to the fixed install path and writes
// the bootstrap script via a quoted heredoc, so the script's own "$@"
// reference isn't expanded by the installing shell.
func installScript() string {
	return fmt.Sprintf(
		"cp /execd %s && chmod +x %s && cat <<'SCRIPT' > %s\n%s\nSCRIPT\nchmod +x %s",
		provider.ExecedInstallPath, provider.ExecedInstallPath,
		provider.BootstrapPath, provider.BootstrapScript(), provider.BootstrapPath,
	)
}

// createNetworkPolicy creates a NetworkPolicy selecting this sandbox's pod by
// its id label. Best-effort: a failure here is logged, not propagated, since
// the pod itself already exists and rolling it back over a policy that can
// be retried independently would be a worse outcome.
func (p *Provider) createNetworkPolicy(ctx context.Context, id string, np sandbox.NetworkPolicy) error {
	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      id,
			Namespace: p.namespace,
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{labels.IDLabel: id}},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress:      buildEgressRules(np),
		},
	}
	_, err := p.client.NetworkingV1().NetworkPolicies(p.namespace).Create(ctx, policy, metav1.CreateOptions{})
	return err
}

func buildEgressRules(np sandbox.NetworkPolicy) []networkingv1.NetworkPolicyEgressRule {
	var egress []networkingv1.NetworkPolicyEgressRule
	for _, rule := range np.Egress {
		if rule.Action != "allow" || rule.Target == "" {
			continue
		}
		egress = append(egress, networkingv1.NetworkPolicyEgressRule{
			To: []networkingv1.NetworkPolicyPeer{{IPBlock: &networkingv1.IPBlock{CIDR: rule.Target}}},
		})
	}
	if np.DefaultAction == "allow" && len(egress) == 0 {
		// An empty rule with no "to"/"ports" matches all destinations.
		egress = []networkingv1.NetworkPolicyEgressRule{{}}
	}
	return egress
}

func (p *Provider) Get(ctx context.Context, id string) (sandbox.Sandbox, error) {
	pod, err := p.getPod(ctx, id)
	if err != nil {
		return sandbox.Sandbox{}, err
	}
	return podToSandbox(pod, time.Time{}), nil
}

func (p *Provider) List(ctx context.Context, filter sandbox.Filter) ([]sandbox.Sandbox, error) {
	out := make([]sandbox.Sandbox, 0)
	for _, obj := range p.inf.List() {
		pod, ok := obj.(*corev1.Pod)
		if !ok {
			continue
		}
		sb := podToSandbox(pod, time.Time{})
		if filter.Matches(sb) {
			out = append(out, sb)
		}
	}
	return out, nil
}

func (p *Provider) Delete(ctx context.Context, id string) error {
	p.locks.Lock(id)
	defer p.locks.Unlock(id)

	err := p.client.CoreV1().Pods(p.namespace).Delete(ctx, id, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		p.locks.Forget(id)
		return sberrors.New(sberrors.CodeNotFound, "sandbox not found: "+id)
	}
	if err != nil {
		return sberrors.Wrap(sberrors.CodeInternal, "delete pod", err)
	}
	if delErr := p.client.NetworkingV1().NetworkPolicies(p.namespace).Delete(ctx, id, metav1.DeleteOptions{}); delErr != nil && !apierrors.IsNotFound(delErr) {
		klog.FromContext(ctx).Error(delErr, "failed to delete network policy for sandbox pod", "pod", id)
	}
	p.locks.Forget(id)
	return nil
}

// Pause marks the sandbox paused via a label rather than freezing the
// container process: the service façade refuses endpoint resolution and
// proxying for a Paused sandbox, which satisfies the "health endpoint
// becomes unreachable" requirement without needing an exec+signal channel
// into every pod.
func (p *Provider) Pause(ctx context.Context, id string) (sandbox.Sandbox, error) {
	return p.setPausedLabel(ctx, id, "true")
}

func (p *Provider) Resume(ctx context.Context, id string) (sandbox.Sandbox, error) {
	return p.setPausedLabel(ctx, id, "false")
}

func (p *Provider) setPausedLabel(ctx context.Context, id, value string) (sandbox.Sandbox, error) {
	p.locks.Lock(id)
	defer p.locks.Unlock(id)

	pod, err := p.getPod(ctx, id)
	if err != nil {
		return sandbox.Sandbox{}, err
	}
	pod = pod.DeepCopy()
	if pod.Labels == nil {
		pod.Labels = map[string]string{}
	}
	pod.Labels[pausedLabel] = value

	updated, err := p.client.CoreV1().Pods(p.namespace).Update(ctx, pod, metav1.UpdateOptions{})
	if err != nil {
		return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "update pod labels", err)
	}
	return podToSandbox(updated, time.Time{}), nil
}

func (p *Provider) Renew(ctx context.Context, id string, expiresAt time.Time) (sandbox.Sandbox, error) {
	p.locks.Lock(id)
	defer p.locks.Unlock(id)

	pod, err := p.getPod(ctx, id)
	if err != nil {
		return sandbox.Sandbox{}, err
	}
	pod = pod.DeepCopy()
	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	pod.Annotations[labels.ExpiresAtLabel] = expiresAt.Format(time.RFC3339Nano)

	updated, err := p.client.CoreV1().Pods(p.namespace).Update(ctx, pod, metav1.UpdateOptions{})
	if err != nil {
		return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "renew pod", err)
	}
	return podToSandbox(updated, expiresAt), nil
}

func (p *Provider) GetEndpoint(ctx context.Context, id string, port int, internal bool) (sandbox.Endpoint, error) {
	pod, err := p.getPod(ctx, id)
	if err != nil {
		return sandbox.Endpoint{}, err
	}
	if pod.Status.PodIP == "" {
		return sandbox.Endpoint{}, sberrors.New(sberrors.CodeUnavailable, "pod has no assigned IP yet")
	}
	// In-cluster addresses are always directly dialable; there is no
	// separate bridge/host rewriting to do for a plain Pod, internal or not.
	return sandbox.Endpoint{Endpoint: fmt.Sprintf("%s:%d", pod.Status.PodIP, port)}, nil
}

func (p *Provider) GetMetrics(ctx context.Context, id string) (sandbox.Metrics, error) {
	ep, err := p.GetEndpoint(ctx, id, p.agentPort, true)
	if err != nil {
		return sandbox.Metrics{}, err
	}
	return provider.ForwardMetrics(ctx, ep)
}

func (p *Provider) getPod(ctx context.Context, id string) (*corev1.Pod, error) {
	if obj, ok := p.inf.Get(id); ok {
		if pod, ok := obj.(*corev1.Pod); ok {
			return pod, nil
		}
	}
	pod, err := p.client.CoreV1().Pods(p.namespace).Get(ctx, id, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, sberrors.New(sberrors.CodeNotFound, "sandbox not found: "+id)
	}
	if err != nil {
		return nil, sberrors.Wrap(sberrors.CodeInternal, "get pod", err)
	}
	return pod, nil
}

func podToSandbox(pod *corev1.Pod, expiresAt time.Time) sandbox.Sandbox {
	if expiresAt.IsZero() {
		expiresAt = quantity.ParseTimestamp(pod.Annotations[labels.ExpiresAtLabel])
	}
	return sandbox.Sandbox{
		ID:        pod.Labels[labels.IDLabel],
		Image:     sandbox.Image{URI: firstImage(pod)},
		Status:    sandbox.Status{State: podPhaseToState(pod)},
		Metadata:  labels.UserMetadata(pod.Labels),
		CreatedAt: pod.CreationTimestamp.Time,
		ExpiresAt: expiresAt,
	}
}

func firstImage(pod *corev1.Pod) string {
	if len(pod.Spec.Containers) == 0 {
		return ""
	}
	return pod.Spec.Containers[0].Image
}

func podPhaseToState(pod *corev1.Pod) sandbox.State {
	if pod.Labels[pausedLabel] == "true" {
		return sandbox.StatePaused
	}
	switch pod.Status.Phase {
	case corev1.PodPending:
		return sandbox.StateCreating
	case corev1.PodRunning:
		return sandbox.StateRunning
	case corev1.PodSucceeded:
		return sandbox.StateTerminated
	case corev1.PodFailed:
		return sandbox.StateFailed
	default:
		return sandbox.StateUnknown
	}
}

func podName() string {
	return "sbx-" + uuid.NewString()
}
