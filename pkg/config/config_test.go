package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
registry: /etc/shipyard/targets.yaml
store:
  backend: s3
  bucket: shipyard-artifacts
  region: eu-west-1
helm:
  enabled: true
verification:
  rollbackOnUnhealthy: true
  checks:
  - type: http
    url: http://localhost:8080/healthz
    expectStatus: 200
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shipd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestLoad(t *testing.T) {
	c, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "/etc/shipyard/targets.yaml", c.Registry)
	assert.Equal(t, "s3", c.Store.Backend)
	assert.Equal(t, "shipyard-artifacts", c.Store.Bucket)
	assert.True(t, c.Helm.Enabled)
	assert.True(t, c.Verification.RollbackOnUnhealthy)
	require.Len(t, c.Verification.Checks, 1)
	assert.Equal(t, "http", c.Verification.Checks[0].Type)

	// Everything not in the file took its default.
	assert.Equal(t, "sqlite", c.Ledger.Driver)
	assert.Equal(t, 90, c.Ledger.RetentionDays)
	assert.Equal(t, "kube-system", c.Helm.TillerNamespace)
	assert.Equal(t, 120, c.Verification.TimeoutSeconds)
}

func TestLoadDefaultsOnly(t *testing.T) {
	c, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)
	assert.Equal(t, "targets.yaml", c.Registry)
	assert.Equal(t, "", c.Store.Backend)
	assert.Equal(t, "shipyard.db", c.Ledger.DSN)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	for name, contents := range map[string]string{
		"unknown ledger driver": `
ledger:
  driver: mysql
`,
		"s3 store without bucket": `
store:
  backend: s3
`,
		"unknown store backend": `
store:
  backend: ftp
`,
		"function check without name": `
verification:
  checks:
  - type: function
    region: eu-west-1
`,
		"check without type": `
verification:
  checks:
  - url: http://localhost/healthz
`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, contents))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
