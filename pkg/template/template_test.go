package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "template.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNewManagerNoPathReturnsEmptyBase(t *testing.T) {
	m, err := NewManager("Sandbox", "")
	require.NoError(t, err)
	assert.Empty(t, m.BaseTemplate())
}

func TestNewManagerRejectsNonObjectYAML(t *testing.T) {
	path := writeTemplate(t, "- a\n- b\n")
	_, err := NewManager("Sandbox", path)
	assert.Error(t, err)
}

func TestMergeMapsMergeKeyByKey(t *testing.T) {
	path := writeTemplate(t, `
apiVersion: opensandbox.io/v1alpha1
kind: Sandbox
metadata:
  labels:
    team: platform
spec:
  paused: false
`)
	m, err := NewManager("Sandbox", path)
	require.NoError(t, err)

	merged := m.Merge(map[string]interface{}{
		"metadata": map[string]interface{}{
			"name": "sbx-1",
		},
		"spec": map[string]interface{}{
			"paused": true,
		},
	})

	metadata := merged["metadata"].(map[string]interface{})
	assert.Equal(t, "sbx-1", metadata["name"])
	assert.Equal(t, "platform", metadata["labels"].(map[string]interface{})["team"])

	spec := merged["spec"].(map[string]interface{})
	assert.Equal(t, true, spec["paused"])
}

func TestMergeNilOverrideKeepsTemplateValue(t *testing.T) {
	path := writeTemplate(t, "spec:\n  paused: true\n")
	m, err := NewManager("Sandbox", path)
	require.NoError(t, err)

	merged := m.Merge(map[string]interface{}{
		"spec": map[string]interface{}{
			"paused": nil,
		},
	})
	spec := merged["spec"].(map[string]interface{})
	assert.Equal(t, true, spec["paused"])
}

func TestMergeListsReplacedWholesale(t *testing.T) {
	path := writeTemplate(t, `
spec:
  template:
    containers:
      - name: sidecar
`)
	m, err := NewManager("Sandbox", path)
	require.NoError(t, err)

	merged := m.Merge(map[string]interface{}{
		"spec": map[string]interface{}{
			"template": map[string]interface{}{
				"containers": []interface{}{
					map[string]interface{}{"name": "main"},
				},
			},
		},
	})
	spec := merged["spec"].(map[string]interface{})
	tmpl := spec["template"].(map[string]interface{})
	containers := tmpl["containers"].([]interface{})
	require.Len(t, containers, 1)
	assert.Equal(t, "main", containers[0].(map[string]interface{})["name"])
}

func TestMergeWithNoBaseTemplateReturnsRuntimeManifestUnchanged(t *testing.T) {
	m, err := NewManager("Sandbox", "")
	require.NoError(t, err)
	runtime := map[string]interface{}{"kind": "Sandbox"}
	assert.Equal(t, runtime, m.Merge(runtime))
}

func TestHashIsStableRegardlessOfMapIteration(t *testing.T) {
	a := map[string]interface{}{"spec": map[string]interface{}{"image": "alpine", "cpu": "1"}}
	b := map[string]interface{}{"spec": map[string]interface{}{"cpu": "1", "image": "alpine"}}
	assert.Equal(t, Hash(a), Hash(b))
}

func TestHashChangesWithContent(t *testing.T) {
	a := map[string]interface{}{"spec": map[string]interface{}{"image": "alpine"}}
	b := map[string]interface{}{"spec": map[string]interface{}{"image": "busybox"}}
	assert.NotEqual(t, Hash(a), Hash(b))
}
