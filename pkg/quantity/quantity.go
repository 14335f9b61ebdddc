// Package quantity converts the wire-level resource strings ("500m",
// "512Mi") and RFC3339 timestamps used throughout the sandbox API into
// canonical Go values, mirroring src/services/helpers.py of the original
// implementation.
package quantity

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/klog/v2"
)

var memoryPattern = regexp.MustCompile(`(?i)^\s*(\d+)([kmgti]i?|[kmgti]?b)?\s*$`)

var memoryMultipliers = map[string]int64{
	"":   1,
	"b":  1,
	"k":  1_000,
	"kb": 1_000,
	"ki": 1024,
	"m":  1_000_000,
	"mb": 1_000_000,
	"mi": 1024 * 1024,
	"g":  1_000_000_000,
	"gb": 1_000_000_000,
	"gi": 1024 * 1024 * 1024,
	"t":  1_000_000_000_000,
	"tb": 1_000_000_000_000,
	"ti": 1024 * 1024 * 1024 * 1024,
}

// ParseMemory converts a memory string such as "512Mi" or "2g" into bytes.
// An unrecognized format or unit is logged and a nil result is returned
// (left unset, never zero) so callers don't silently apply a zero limit.
func ParseMemory(value string) *int64 {
	if value == "" {
		return nil
	}
	m := memoryPattern.FindStringSubmatch(value)
	if m == nil {
		klog.Warningf("invalid memory limit format %q; ignoring", value)
		return nil
	}
	amount, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		klog.Warningf("invalid memory limit format %q; ignoring", value)
		return nil
	}
	unit := strings.ToLower(m[2])
	multiplier, ok := memoryMultipliers[unit]
	if !ok {
		klog.Warningf("unsupported memory unit %q; ignoring", unit)
		return nil
	}
	result := amount * multiplier
	return &result
}

// ParseCPU converts a CPU string such as "500m" or "2" into nano-CPUs
// (500m => 500_000_000, "2" => 2_000_000_000).
func ParseCPU(value string) *int64 {
	if value == "" {
		return nil
	}
	cpuStr := strings.ToLower(strings.TrimSpace(value))
	var cpus float64
	var err error
	if strings.HasSuffix(cpuStr, "m") {
		cpus, err = strconv.ParseFloat(strings.TrimSuffix(cpuStr, "m"), 64)
		cpus /= 1000
	} else {
		cpus, err = strconv.ParseFloat(cpuStr, 64)
	}
	if err != nil {
		klog.Warningf("invalid CPU limit format %q; ignoring", value)
		return nil
	}
	if cpus <= 0 {
		klog.Warningf("CPU limit must be positive, got %q; ignoring", value)
		return nil
	}
	result := int64(cpus * 1_000_000_000)
	return &result
}

// ParseTimestamp parses an RFC3339 (optionally nanosecond-precision)
// timestamp. Docker and Kubernetes both emit up to 9 fractional digits;
// Go's time.Parse handles that natively, and the parsed value is then
// truncated to microseconds. The zero-value and empty-string inputs, and
// any unparseable value, fall back to "now".
func ParseTimestamp(value string) time.Time {
	if value == "" || value == "0001-01-01T00:00:00Z" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		klog.Warningf("invalid timestamp %q; defaulting to current time", value)
		return time.Now().UTC()
	}
	return t.Truncate(time.Microsecond)
}

// CPUToResourceQuantity converts nano-CPUs (as produced by ParseCPU) into a
// Kubernetes resource.Quantity for a container's cpu request/limit.
func CPUToResourceQuantity(nanoCPU int64) resource.Quantity {
	return *resource.NewScaledQuantity(nanoCPU, resource.Nano)
}

// MemoryToResourceQuantity converts bytes (as produced by ParseMemory) into a
// Kubernetes resource.Quantity for a container's memory request/limit.
func MemoryToResourceQuantity(bytes int64) resource.Quantity {
	return *resource.NewQuantity(bytes, resource.BinarySI)
}
