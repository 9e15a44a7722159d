package deploy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signapse/shipyard/pkg/target"
)

func writeValuesFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestResolveValuesTiers(t *testing.T) {
	dir := t.TempDir()
	writeValuesFile(t, dir, "base.yaml", `
replicas: 1
image:
  repository: registry.example.com/app
  tag: v1.0.0
`)
	writeValuesFile(t, dir, "env.yaml", `
replicas: 3
`)

	base := target.Values{
		Files:  []string{"base.yaml", "env.yaml"},
		Inline: map[string]interface{}{"image": map[string]interface{}{"tag": "v1.1.0"}},
	}
	overrides := target.Values{
		Set: map[string]string{"image.tag": "v1.2.0"},
	}

	vals, err := resolveValues(base, overrides, dir)
	require.NoError(t, err)

	// later file wins
	assert.Equal(t, float64(3), vals["replicas"])

	image, ok := vals["image"].(map[string]interface{})
	require.True(t, ok)
	// per-key override beats inline beats files
	assert.Equal(t, "v1.2.0", image["tag"])
	// sibling keys from lower tiers survive higher-tier merges
	assert.Equal(t, "registry.example.com/app", image["repository"])
}

func TestResolveValuesRequestOverridesTarget(t *testing.T) {
	base := target.Values{
		Inline: map[string]interface{}{"logLevel": "info"},
		Set:    map[string]string{"tracing": "off"},
	}
	overrides := target.Values{
		Inline: map[string]interface{}{"logLevel": "debug"},
		Set:    map[string]string{"tracing": "on"},
	}

	vals, err := resolveValues(base, overrides, "")
	require.NoError(t, err)
	assert.Equal(t, "debug", vals["logLevel"])
	assert.Equal(t, "on", vals["tracing"])
}

func TestResolveValuesSetParsesScalars(t *testing.T) {
	vals, err := resolveValues(target.Values{}, target.Values{Set: map[string]string{
		"replicas":        "4",
		"ingress.enabled": "true",
	}}, "")
	require.NoError(t, err)

	assert.Equal(t, int64(4), vals["replicas"])
	ingress, ok := vals["ingress"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, ingress["enabled"])
}

func TestResolveValuesMissingFile(t *testing.T) {
	_, err := resolveValues(target.Values{Files: []string{"nope.yaml"}}, target.Values{}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.yaml")
}

func TestResolveValuesAbsolutePathIgnoresBaseDir(t *testing.T) {
	dir := t.TempDir()
	path := writeValuesFile(t, dir, "vals.yaml", "color: blue\n")

	vals, err := resolveValues(target.Values{Files: []string{path}}, target.Values{}, "/elsewhere")
	require.NoError(t, err)
	assert.Equal(t, "blue", vals["color"])
}

func TestResolveValuesEmpty(t *testing.T) {
	vals, err := resolveValues(target.Values{}, target.Values{}, "")
	require.NoError(t, err)
	assert.Empty(t, map[string]interface{}(vals))
}
