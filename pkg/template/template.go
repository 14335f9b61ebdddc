// Package template loads a base YAML manifest template and deep-merges a
// runtime-generated manifest over it. One Manager serves every CR kind the
// cluster-cr provider produces; callers supply a "kind" label only for
// error messages.
package template

import (
	"fmt"
	"hash/fnv"
	"os"

	"github.com/davecgh/go-spew/spew"
	"gopkg.in/yaml.v3"
)

// hashDumper renders a manifest deterministically: sorted map keys, no
// String()/Error() method shortcuts, and map keys dumped like any other
// value, so two semantically identical manifests always produce identical
// output regardless of map iteration order.
var hashDumper = spew.ConfigState{
	Indent:                  " ",
	SortKeys:                true,
	DisableMethods:          true,
	SpewKeys:                true,
	DisablePointerAddresses: true,
}

// Hash returns a stable fingerprint of manifest, stamped onto a created
// resource so a later reconcile can tell whether the template this provider
// would now generate has drifted from what it wrote last time.
func Hash(manifest map[string]interface{}) string {
	h := fnv.New64a()
	hashDumper.Fprintf(h, "%#v", manifest)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Manager loads a base template once and merges runtime manifests over it.
type Manager struct {
	kind     string
	path     string
	template map[string]interface{}
}

// NewManager loads the template at path, or returns a Manager with no base
// template when path is empty: merges then degrade to "return the runtime
// manifest unchanged".
func NewManager(kind, path string) (*Manager, error) {
	m := &Manager{kind: kind, path: path}
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s template: %w", kind, err)
	}

	var parsed map[string]interface{}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%s template %s: invalid YAML: %w", kind, path, err)
	}
	if parsed == nil {
		return nil, fmt.Errorf("%s template %s: must be a YAML object", kind, path)
	}
	m.template = parsed
	return m, nil
}

// BaseTemplate returns a deep copy of the loaded template, or an empty map
// if none was loaded.
func (m *Manager) BaseTemplate() map[string]interface{} {
	if m.template == nil {
		return map[string]interface{}{}
	}
	return deepCopy(m.template).(map[string]interface{})
}

// Merge deep-merges runtimeManifest over the base template: maps are merged
// key by key, a nil override value keeps the template's value, and any
// other value type (including lists) is replaced wholesale by the override.
func (m *Manager) Merge(runtimeManifest map[string]interface{}) map[string]interface{} {
	base := m.BaseTemplate()
	if len(base) == 0 {
		return runtimeManifest
	}
	return deepMerge(base, runtimeManifest)
}

func deepMerge(base, override map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(base))
	for k, v := range base {
		result[k] = v
	}

	for key, overrideValue := range override {
		if overrideValue == nil {
			continue
		}

		existing, present := result[key]
		if !present {
			result[key] = deepCopy(overrideValue)
			continue
		}

		existingMap, existingIsMap := existing.(map[string]interface{})
		overrideMap, overrideIsMap := overrideValue.(map[string]interface{})
		if existingIsMap && overrideIsMap {
			result[key] = deepMerge(existingMap, overrideMap)
			continue
		}
		result[key] = deepCopy(overrideValue)
	}
	return result
}

func deepCopy(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, nested := range val {
			out[k] = deepCopy(nested)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, nested := range val {
			out[i] = deepCopy(nested)
		}
		return out
	default:
		return v
	}
}
