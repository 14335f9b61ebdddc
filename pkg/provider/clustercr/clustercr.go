// Package clustercr implements the sandbox provider contract against the
// Sandbox custom resource (group agents.kruise.io, kind Sandbox), the
// richest of the three runtimes: pause/resume are native spec fields
// reconciled by an external controller instead of being faked at this
// layer, and a pod template can be merged with an operator-supplied base
// manifest via pkg/template.
package clustercr

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"

	"github.com/fengcone/OpenSandbox/pkg/informer"
	"github.com/fengcone/OpenSandbox/pkg/labels"
	"github.com/fengcone/OpenSandbox/pkg/provider"
	"github.com/fengcone/OpenSandbox/pkg/quantity"
	"github.com/fengcone/OpenSandbox/pkg/sandbox"
	"github.com/fengcone/OpenSandbox/pkg/sberrors"
	"github.com/fengcone/OpenSandbox/pkg/template"
)

// networkPolicyGVR addresses the built-in NetworkPolicy resource directly
// through the same dynamic client used for the Sandbox CRD, since this
// provider never constructs a typed kubernetes.Interface.
var networkPolicyGVR = schema.GroupVersionResource{
	Group:    "networking.k8s.io",
	Version:  "v1",
	Resource: "networkpolicies",
}

// GroupVersionResource addresses the Sandbox CRD managed by the sandbox
// operator this provider assumes is already installed and reconciling.
var GroupVersionResource = schema.GroupVersionResource{
	Group:    "agents.kruise.io",
	Version:  "v1alpha1",
	Resource: "sandboxes",
}

const managedLabel = "opensandbox.io/managed"

// Config configures the cluster-cr provider.
type Config struct {
	Namespace    string
	TemplatePath string // optional base pod template YAML merged under spec.template
	AgentPort    int    // well-known agent HTTP/metrics port inside every sandbox pod
	// AgentImage, when set, is run as an initContainer that installs the
	// agent binary and bootstrap script into a volume shared with the
	// sandbox container. Empty disables agent injection entirely.
	AgentImage string
	// ServiceAccount is set on the pod template, when non-empty.
	ServiceAccount string
}

// Provider implements provider.Provider against the Sandbox CRD.
type Provider struct {
	dyn            dynamic.Interface
	namespace      string
	agentPort      int
	agentImage     string
	serviceAccount string
	locks          *provider.IDLock
	tmpl           *template.Manager
	inf            *informer.Informer
}

type crListWatcher struct {
	res dynamic.ResourceInterface
}

func (lw crListWatcher) List(ctx context.Context) ([]metav1.Object, string, error) {
	list, err := lw.res.List(ctx, metav1.ListOptions{LabelSelector: managedLabel + "=true"})
	if err != nil {
		return nil, "", err
	}
	items := make([]metav1.Object, 0, len(list.Items))
	for i := range list.Items {
		items = append(items, &list.Items[i])
	}
	return items, list.GetResourceVersion(), nil
}

func (lw crListWatcher) Watch(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	return lw.res.Watch(ctx, metav1.ListOptions{
		LabelSelector:   managedLabel + "=true",
		ResourceVersion: resourceVersion,
	})
}

// New constructs a cluster-cr Provider, loading the optional base pod
// template at cfg.TemplatePath (see pkg/template).
func New(ctx context.Context, dyn dynamic.Interface, cfg Config) (*Provider, error) {
	tmpl, err := template.NewManager("sandbox", cfg.TemplatePath)
	if err != nil {
		return nil, err
	}

	res := dyn.Resource(GroupVersionResource).Namespace(cfg.Namespace)
	inf := informer.New("sandboxes", crListWatcher{res: res})
	inf.Start(ctx)

	return &Provider{
		dyn:            dyn,
		namespace:      cfg.Namespace,
		agentPort:      cfg.AgentPort,
		agentImage:     cfg.AgentImage,
		serviceAccount: cfg.ServiceAccount,
		locks:          provider.NewIDLock(),
		tmpl:           tmpl,
		inf:            inf,
	}, nil
}

func (p *Provider) res() dynamic.ResourceInterface {
	return p.dyn.Resource(GroupVersionResource).Namespace(p.namespace)
}

func (p *Provider) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
	id := crName()
	p.locks.Lock(id)
	defer p.locks.Unlock(id)

	podTemplate := p.buildPodTemplate(spec)
	merged := podTemplate
	if p.tmpl != nil {
		merged = p.tmpl.Merge(podTemplate)
	}
	templateHash := template.Hash(merged)

	crLabels := map[string]string{
		managedLabel:   "true",
		labels.IDLabel: id,
	}
	for k, v := range labels.Merge(nil, spec.Metadata) {
		crLabels[k] = v
	}

	obj := &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": GroupVersionResource.GroupVersion().String(),
			"kind":       "Sandbox",
			"metadata": map[string]interface{}{
				"name":      id,
				"namespace": p.namespace,
				"labels":    toInterfaceMap(crLabels),
				"annotations": map[string]interface{}{
					labels.ExpiresAtLabel:    time.Now().UTC().Add(spec.Timeout).Format(time.RFC3339Nano),
					labels.TemplateHashLabel: templateHash,
				},
			},
			"spec": map[string]interface{}{
				"paused":   false,
				"template": merged,
			},
		},
	}

	created, err := p.res().Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "create sandbox resource", err)
	}

	if spec.NetworkPolicy.DefaultAction != "" {
		if err := p.createNetworkPolicy(ctx, id, spec.NetworkPolicy); err != nil {
			klog.FromContext(ctx).Error(err, "failed to create network policy for sandbox resource", "sandbox", id)
		}
	}

	klog.FromContext(ctx).Info("sandbox resource created", "sandbox", created.GetName())
	return crToSandbox(created), nil
}

func (p *Provider) buildPodTemplate(spec sandbox.Spec) map[string]interface{} {
	volumes, mounts := buildCRVolumes(spec.Volumes)
	entrypoint := spec.Entrypoint

	var initContainers []interface{}
	if p.agentImage != "" {
		agentVolume, agentMount := agentCRVolume()
		volumes = append(volumes, agentVolume)
		mounts = append(mounts, agentMount)
		initContainers = append(initContainers, buildAgentInitContainerCR(p.agentImage, agentMount))
		entrypoint = append([]string{provider.BootstrapPath}, spec.Entrypoint...)
	}

	container := map[string]interface{}{
		"name":  "sandbox",
		"image": spec.Image.URI,
	}
	if len(entrypoint) > 0 {
		cmd := make([]interface{}, len(entrypoint))
		for i, c := range entrypoint {
			cmd[i] = c
		}
		container["command"] = cmd
	}
	if len(spec.Env) > 0 {
		env := make([]interface{}, 0, len(spec.Env))
		for k, v := range spec.Env {
			env = append(env, map[string]interface{}{"name": k, "value": v})
		}
		container["env"] = env
	}
	if len(mounts) > 0 {
		container["volumeMounts"] = mounts
	}

	resources := map[string]interface{}{}
	if nanoCPU := quantity.ParseCPU(spec.CPU); nanoCPU != nil {
		q := quantity.CPUToResourceQuantity(*nanoCPU)
		resources["cpu"] = q.String()
	}
	if memBytes := quantity.ParseMemory(spec.Memory); memBytes != nil {
		q := quantity.MemoryToResourceQuantity(*memBytes)
		resources["memory"] = q.String()
	}
	if len(resources) > 0 {
		container["resources"] = map[string]interface{}{
			"requests": resources,
			"limits":   resources,
		}
	}

	podSpec := map[string]interface{}{
		"restartPolicy": "Never",
		"containers":    []interface{}{container},
	}
	if len(volumes) > 0 {
		podSpec["volumes"] = volumes
	}
	if len(initContainers) > 0 {
		podSpec["initContainers"] = initContainers
	}
	if p.serviceAccount != "" {
		podSpec["serviceAccountName"] = p.serviceAccount
	}

	return map[string]interface{}{"spec": podSpec}
}

// buildCRVolumes mirrors clusterpod's buildVolumes but produces the
// unstructured map shapes this provider builds its whole manifest from
// instead of typed corev1 structs.
func buildCRVolumes(vols []sandbox.Volume) ([]interface{}, []interface{}) {
	var volumes []interface{}
	var mounts []interface{}
	for _, v := range vols {
		vol := map[string]interface{}{"name": v.Name}
		switch {
		case v.Source.Host != nil:
			vol["hostPath"] = map[string]interface{}{"path": v.Source.Host.Path}
		case v.Source.PVC != nil:
			vol["persistentVolumeClaim"] = map[string]interface{}{"claimName": v.Source.PVC.ClaimName}
		default:
			continue
		}
		volumes = append(volumes, vol)

		mount := map[string]interface{}{"name": v.Name, "mountPath": v.MountPath}
		if v.ReadOnly {
			mount["readOnly"] = true
		}
		if v.SubPath != "" {
			mount["subPath"] = v.SubPath
		}
		mounts = append(mounts, mount)
	}
	return volumes, mounts
}

func agentCRVolume() (interface{}, interface{}) {
	vol := map[string]interface{}{
		"name":     "opensandbox-agent",
		"emptyDir": map[string]interface{}{},
	}
	mount := map[string]interface{}{
		"name":      "opensandbox-agent",
		"mountPath": path.Dir(provider.ExecedInstallPath),
	}
	return vol, mount
}

func buildAgentInitContainerCR(agentImage string, mount interface{}) map[string]interface{} {
	script := fmt.Sprintf(
		"cp /execd %s && chmod +x %s && cat <<'SCRIPT' > %s\n%s\nSCRIPT\nchmod +x %s",
		provider.ExecedInstallPath, provider.ExecedInstallPath,
		provider.BootstrapPath, provider.BootstrapScript(), provider.BootstrapPath,
	)
	return map[string]interface{}{
		"name":         "opensandbox-agent-init",
		"image":        agentImage,
		"command":      []interface{}{"sh", "-c", script},
		"volumeMounts": []interface{}{mount},
	}
}

// createNetworkPolicy creates a plain NetworkPolicy resource through the
// same dynamic client used for the Sandbox CRD, selecting the sandbox pod by
// its id label. Best-effort: a failure here is logged, not propagated, since
// the Sandbox resource already exists.
func (p *Provider) createNetworkPolicy(ctx context.Context, id string, np sandbox.NetworkPolicy) error {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "networking.k8s.io/v1",
		"kind":       "NetworkPolicy",
		"metadata": map[string]interface{}{
			"name":      id,
			"namespace": p.namespace,
		},
		"spec": map[string]interface{}{
			"podSelector": map[string]interface{}{
				"matchLabels": map[string]interface{}{labels.IDLabel: id},
			},
			"policyTypes": []interface{}{"Egress"},
			"egress":      buildCREgressRules(np),
		},
	}}
	_, err := p.dyn.Resource(networkPolicyGVR).Namespace(p.namespace).Create(ctx, obj, metav1.CreateOptions{})
	return err
}

func buildCREgressRules(np sandbox.NetworkPolicy) []interface{} {
	var egress []interface{}
	for _, rule := range np.Egress {
		if rule.Action != "allow" || rule.Target == "" {
			continue
		}
		egress = append(egress, map[string]interface{}{
			"to": []interface{}{
				map[string]interface{}{"ipBlock": map[string]interface{}{"cidr": rule.Target}},
			},
		})
	}
	if np.DefaultAction == "allow" && len(egress) == 0 {
		egress = append(egress, map[string]interface{}{})
	}
	return egress
}

func toInterfaceMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (p *Provider) Get(ctx context.Context, id string) (sandbox.Sandbox, error) {
	obj, err := p.getCR(ctx, id)
	if err != nil {
		return sandbox.Sandbox{}, err
	}
	return crToSandbox(obj), nil
}

func (p *Provider) List(ctx context.Context, filter sandbox.Filter) ([]sandbox.Sandbox, error) {
	out := make([]sandbox.Sandbox, 0)
	for _, metaObj := range p.inf.List() {
		obj, ok := metaObj.(*unstructured.Unstructured)
		if !ok {
			continue
		}
		sb := crToSandbox(obj)
		if filter.Matches(sb) {
			out = append(out, sb)
		}
	}
	return out, nil
}

func (p *Provider) Delete(ctx context.Context, id string) error {
	p.locks.Lock(id)
	defer p.locks.Unlock(id)

	err := p.res().Delete(ctx, id, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		p.locks.Forget(id)
		return sberrors.New(sberrors.CodeNotFound, "sandbox not found: "+id)
	}
	if err != nil {
		return sberrors.Wrap(sberrors.CodeInternal, "delete sandbox resource", err)
	}
	if delErr := p.dyn.Resource(networkPolicyGVR).Namespace(p.namespace).Delete(ctx, id, metav1.DeleteOptions{}); delErr != nil && !apierrors.IsNotFound(delErr) {
		klog.FromContext(ctx).Error(delErr, "failed to delete network policy for sandbox resource", "sandbox", id)
	}
	p.locks.Forget(id)
	return nil
}

func (p *Provider) Pause(ctx context.Context, id string) (sandbox.Sandbox, error) {
	return p.setPaused(ctx, id, true)
}

func (p *Provider) Resume(ctx context.Context, id string) (sandbox.Sandbox, error) {
	return p.setPaused(ctx, id, false)
}

func (p *Provider) setPaused(ctx context.Context, id string, paused bool) (sandbox.Sandbox, error) {
	p.locks.Lock(id)
	defer p.locks.Unlock(id)

	obj, err := p.getCR(ctx, id)
	if err != nil {
		return sandbox.Sandbox{}, err
	}
	obj = obj.DeepCopy()
	if err := unstructured.SetNestedField(obj.Object, paused, "spec", "paused"); err != nil {
		return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "set paused field", err)
	}

	updated, err := p.res().Update(ctx, obj, metav1.UpdateOptions{})
	if err != nil {
		return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "update sandbox resource", err)
	}
	return crToSandbox(updated), nil
}

func (p *Provider) Renew(ctx context.Context, id string, expiresAt time.Time) (sandbox.Sandbox, error) {
	p.locks.Lock(id)
	defer p.locks.Unlock(id)

	obj, err := p.getCR(ctx, id)
	if err != nil {
		return sandbox.Sandbox{}, err
	}
	obj = obj.DeepCopy()
	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[labels.ExpiresAtLabel] = expiresAt.Format(time.RFC3339Nano)
	obj.SetAnnotations(annotations)

	updated, err := p.res().Update(ctx, obj, metav1.UpdateOptions{})
	if err != nil {
		return sandbox.Sandbox{}, sberrors.Wrap(sberrors.CodeInternal, "renew sandbox resource", err)
	}
	return crToSandbox(updated), nil
}

func (p *Provider) GetEndpoint(ctx context.Context, id string, port int, internal bool) (sandbox.Endpoint, error) {
	obj, err := p.getCR(ctx, id)
	if err != nil {
		return sandbox.Endpoint{}, err
	}
	podIP, _, _ := unstructured.NestedString(obj.Object, "status", "podInfo", "podIP")
	if podIP == "" {
		return sandbox.Endpoint{}, sberrors.New(sberrors.CodeUnavailable, "sandbox pod has no assigned IP yet")
	}
	return sandbox.Endpoint{Endpoint: fmt.Sprintf("%s:%d", podIP, port)}, nil
}

func (p *Provider) GetMetrics(ctx context.Context, id string) (sandbox.Metrics, error) {
	ep, err := p.GetEndpoint(ctx, id, p.agentPort, true)
	if err != nil {
		return sandbox.Metrics{}, err
	}
	return provider.ForwardMetrics(ctx, ep)
}

func (p *Provider) getCR(ctx context.Context, id string) (*unstructured.Unstructured, error) {
	if obj, ok := p.inf.Get(id); ok {
		if u, ok := obj.(*unstructured.Unstructured); ok {
			return u, nil
		}
	}
	obj, err := p.res().Get(ctx, id, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, sberrors.New(sberrors.CodeNotFound, "sandbox not found: "+id)
	}
	if err != nil {
		return nil, sberrors.Wrap(sberrors.CodeInternal, "get sandbox resource", err)
	}
	return obj, nil
}

func crToSandbox(obj *unstructured.Unstructured) sandbox.Sandbox {
	image := firstContainerImage(obj)
	phase, phaseSet, _ := unstructured.NestedString(obj.Object, "status", "phase")
	message, _, _ := unstructured.NestedString(obj.Object, "status", "message")
	paused, _, _ := unstructured.NestedBool(obj.Object, "spec", "paused")

	annotations := obj.GetAnnotations()
	expiresAt := quantity.ParseTimestamp(annotations[labels.ExpiresAtLabel])

	var state sandbox.State
	switch {
	case phaseSet && phase != "":
		state = crPhaseToState(phase)
	case paused:
		// The operator hasn't reconciled spec.paused into status.phase yet.
		state = sandbox.StatePausing
	default:
		state = sandbox.StateCreating
	}

	return sandbox.Sandbox{
		ID:    obj.GetLabels()[labels.IDLabel],
		Image: sandbox.Image{URI: image},
		Status: sandbox.Status{
			State:   state,
			Message: message,
		},
		Metadata:  labels.UserMetadata(obj.GetLabels()),
		CreatedAt: obj.GetCreationTimestamp().Time,
		ExpiresAt: expiresAt,
	}
}

func firstContainerImage(obj *unstructured.Unstructured) string {
	containers, found, err := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "containers")
	if err != nil || !found || len(containers) == 0 {
		return ""
	}
	c, ok := containers[0].(map[string]interface{})
	if !ok {
		return ""
	}
	image, _ := c["image"].(string)
	return image
}

func crPhaseToState(phase string) sandbox.State {
	switch phase {
	case "Pending":
		return sandbox.StateCreating
	case "Running":
		return sandbox.StateRunning
	case "Paused":
		return sandbox.StatePaused
	case "Resuming":
		return sandbox.StateCreating
	case "Succeeded":
		return sandbox.StateTerminated
	case "Failed":
		return sandbox.StateFailed
	case "Terminating":
		return sandbox.StateStopping
	default:
		return sandbox.StateUnknown
	}
}

func crName() string {
	return "sbx-" + uuid.NewString()
}
