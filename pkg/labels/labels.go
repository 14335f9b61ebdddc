// Package labels implements the reserved-label-namespace rule shared by
// every provider: keys under the opensandbox.io/ prefix are system-owned and
// rejected at the write boundary, so projecting system labels back to the
// caller is a plain set difference rather than a runtime classification.
package labels

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fengcone/OpenSandbox/pkg/sberrors"
)

// ReservedPrefix is the system label namespace. Keys in this namespace are
// never accepted from callers and are stripped when projecting labels back
// to user-visible metadata.
const ReservedPrefix = "opensandbox.io/"

const (
	IDLabel                = ReservedPrefix + "id"
	ExpiresAtLabel          = ReservedPrefix + "expires-at"
	HTTPPortLabel           = ReservedPrefix + "http-port"
	EmbeddingProxyPortLabel = ReservedPrefix + "embedding-proxy-port"
	TemplateHashLabel       = ReservedPrefix + "template-hash"
)

var (
	labelNameRe   = regexp.MustCompile(`^[A-Za-z0-9]([-A-Za-z0-9_.]*[A-Za-z0-9])?$`)
	labelPrefixRe = regexp.MustCompile(`^[A-Za-z0-9]([-A-Za-z0-9.]*[A-Za-z0-9])?$`)
)

// ValidateUserMetadata rejects reserved keys and malformed label shapes.
// A nil or empty map is always valid.
func ValidateUserMetadata(metadata map[string]string) error {
	for key, value := range metadata {
		if strings.HasPrefix(key, ReservedPrefix) {
			return sberrors.Newf(sberrors.CodeBadRequest, "metadata key %q uses the reserved prefix %q", key, ReservedPrefix)
		}
		if err := validateLabelKey(key); err != nil {
			return err
		}
		if len(value) > 63 || (value != "" && !labelNameRe.MatchString(value)) {
			return sberrors.Newf(sberrors.CodeBadRequest, "metadata value %q for key %q is not a valid label value", value, key)
		}
	}
	return nil
}

func validateLabelKey(key string) error {
	name := key
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		prefix, rest := key[:idx], key[idx+1:]
		if prefix == "" || !isDNSSubdomain(prefix) {
			return sberrors.Newf(sberrors.CodeBadRequest, "metadata key %q has an invalid prefix", key)
		}
		name = rest
	}
	if name == "" || len(name) > 63 || !labelNameRe.MatchString(name) {
		return sberrors.Newf(sberrors.CodeBadRequest, "metadata key %q is not a valid label key", key)
	}
	return nil
}

func isDNSSubdomain(s string) bool {
	for _, label := range strings.Split(s, ".") {
		if label == "" || len(label) > 63 || !labelPrefixRe.MatchString(label) {
			return false
		}
	}
	return true
}

// UserMetadata returns the subset of labels that are not under the reserved
// prefix: a set difference, not a classification, per the spec's write-side
// enforcement design.
func UserMetadata(allLabels map[string]string) map[string]string {
	if len(allLabels) == 0 {
		return nil
	}
	out := make(map[string]string, len(allLabels))
	for k, v := range allLabels {
		if !strings.HasPrefix(k, ReservedPrefix) {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Merge overlays user metadata on top of the system labels, panicking never:
// reserved keys in userMetadata were already rejected by ValidateUserMetadata
// at the write boundary, so this is a plain union.
func Merge(system, userMetadata map[string]string) map[string]string {
	out := make(map[string]string, len(system)+len(userMetadata))
	for k, v := range system {
		out[k] = v
	}
	for k, v := range userMetadata {
		out[k] = v
	}
	return out
}

// PortLabel renders an integer container port as a label value.
func PortLabel(port int) string {
	return fmt.Sprintf("%d", port)
}
