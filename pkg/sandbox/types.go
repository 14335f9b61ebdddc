// Package sandbox holds the runtime-neutral sandbox data model: the
// authoritative logical entity every provider in pkg/provider reads and
// writes, independent of which backend realizes it.
package sandbox

import "time"

// Image identifies the container image a sandbox runs, with optional
// registry pull credentials.
type Image struct {
	URI      string
	Username string
	Password string
}

// NetworkEgressRule is one entry of a NetworkPolicy's egress allow/deny list.
type NetworkEgressRule struct {
	Action string // "allow" or "deny"
	Target string
}

// NetworkPolicy controls outbound connectivity for a sandbox.
type NetworkPolicy struct {
	DefaultAction string // "allow" or "deny"
	Egress        []NetworkEgressRule
}

// VolumeSource is exactly one of Host or PVC.
type VolumeSource struct {
	Host *HostVolumeSource
	PVC  *PVCVolumeSource
}

type HostVolumeSource struct {
	Path string
}

type PVCVolumeSource struct {
	ClaimName string
}

// Volume describes one mount requested for a sandbox.
type Volume struct {
	Name      string
	MountPath string
	ReadOnly  bool
	SubPath   string
	Source    VolumeSource
}

// State is the closed set of sandbox lifecycle states.
type State string

const (
	StateCreating  State = "Creating"
	StateRunning   State = "Running"
	StatePausing   State = "Pausing"
	StatePaused    State = "Paused"
	StateResuming  State = "Resuming"
	StateStopping  State = "Stopping"
	StateTerminated State = "Terminated"
	StateFailed    State = "Failed"
	StateUnknown   State = "Unknown"
)

// Status is the {state, reason, message} tuple plus its last transition
// time, which is monotone per sandbox.
type Status struct {
	State            State
	Reason           string
	Message          string
	LastTransitionAt time.Time
}

// Spec is the client-supplied request used to create a sandbox.
type Spec struct {
	Image         Image
	Entrypoint    []string
	Env           map[string]string
	CPU           string // e.g. "500m", "2"
	Memory        string // e.g. "512Mi"
	Metadata      map[string]string
	NetworkPolicy NetworkPolicy
	Volumes       []Volume
	Timeout       time.Duration
	SkipHealthCheck bool
}

// Resource holds resource requests already converted to canonical units.
type Resource struct {
	NanoCPU *int64
	MemoryBytes *int64
}

// Sandbox is the authoritative logical entity returned by every provider
// operation.
type Sandbox struct {
	ID            string
	Image         Image
	Entrypoint    []string
	Env           map[string]string
	Resource      Resource
	Metadata      map[string]string
	NetworkPolicy NetworkPolicy
	Volumes       []Volume
	Status        Status
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Endpoint is an addressable representation of (sandbox_id, container_port).
type Endpoint struct {
	Endpoint string
	Headers  map[string]string
}

// Metrics is the snapshot returned by get_metrics, forwarded from the
// in-container agent's own metrics endpoint.
type Metrics struct {
	CPUCount          int32
	CPUUsedPercentage float64
	MemoryTotalMiB    int64
	MemoryUsedMiB     int64
	TimestampMS       int64
}

// Filter narrows a List call: state matching is a case-insensitive OR
// across States; Metadata matching is a strict-equality AND across keys.
type Filter struct {
	States   []string
	Metadata map[string]string
}

// Page is a 1-based pagination request; PageSize is clamped to [1, 200] by
// callers, defaulting to 20.
type Page struct {
	Page     int
	PageSize int
}

// PageResult is the paginated response to List.
type PageResult struct {
	Items      []Sandbox
	Page       int
	PageSize   int
	TotalCount int
}
