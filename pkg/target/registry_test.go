package target

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegistry = `targets:
  - name: checkout-api
    kind: function
    environment: production
    labels:
      team: payments
    function:
      functionName: checkout-api-production
      region: eu-west-1
      roleArn: arn:aws:iam::123456789012:role/deploy
      alias: live
      memorySize: 512
      timeout: 30
  - name: checkout-api
    kind: function
    environment: staging
    function:
      functionName: checkout-api-staging
      region: eu-west-1
  - name: storefront
    kind: cluster-release
    environment: production
    protected: true
    release:
      namespace: shop
      releaseName: storefront
      chart:
        repository: https://charts.example.com
        name: storefront
        version: ">=1.0.0 <2.0.0"
      values:
        files:
          - values/storefront.yaml
        set:
          replicas: "3"
      atomic: true
      timeout: 300
`

func writeRegistry(t *testing.T, contents string) *FileRegistry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return NewFileRegistry(log.NewNopLogger(), path)
}

func TestRegistryAll(t *testing.T) {
	r := writeRegistry(t, testRegistry)

	targets, err := r.All(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 3)
	assert.Equal(t, "production/checkout-api", targets[0].ID())
	assert.Equal(t, KindClusterRelease, targets[2].Kind)
	assert.True(t, targets[2].Protected)
}

func TestRegistryLookup(t *testing.T) {
	r := writeRegistry(t, testRegistry)
	ctx := context.Background()

	tgt, err := r.Lookup(ctx, Query{Name: "checkout-api", Environment: "production"})
	require.NoError(t, err)
	require.Equal(t, KindFunction, tgt.Kind)
	require.NotNil(t, tgt.Function)
	assert.Equal(t, "checkout-api-production", tgt.Function.FunctionName)
	assert.Equal(t, 512, tgt.Function.MemorySize)

	tgt, err = r.Lookup(ctx, Query{Name: "storefront", Environment: "production"})
	require.NoError(t, err)
	require.NotNil(t, tgt.Release)
	assert.Equal(t, "shop", tgt.Release.Namespace)
	assert.Equal(t, ">=1.0.0 <2.0.0", tgt.Release.Chart.Version)
	assert.Equal(t, "3", tgt.Release.Values.Set["replicas"])
}

func TestRegistryLookupNotFound(t *testing.T) {
	r := writeRegistry(t, testRegistry)

	_, err := r.Lookup(context.Background(), Query{Name: "no-such-service"})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsAmbiguous(err))
	assert.Contains(t, err.Error(), "no-such-service")
}

func TestRegistryLookupAmbiguous(t *testing.T) {
	r := writeRegistry(t, testRegistry)

	// checkout-api exists in two environments; the query has to pick.
	_, err := r.Lookup(context.Background(), Query{Name: "checkout-api"})
	require.Error(t, err)
	assert.True(t, IsAmbiguous(err))
	assert.Contains(t, err.Error(), "production/checkout-api")
	assert.Contains(t, err.Error(), "staging/checkout-api")
}

func TestRegistryLookupByLabel(t *testing.T) {
	r := writeRegistry(t, testRegistry)

	tgt, err := r.Lookup(context.Background(), Query{Name: "checkout-api", Labels: map[string]string{"team": "payments"}})
	require.NoError(t, err)
	assert.Equal(t, "production", tgt.Environment)

	_, err = r.Lookup(context.Background(), Query{Name: "checkout-api", Labels: map[string]string{"team": "search"}})
	assert.True(t, IsNotFound(err))
}

func TestRegistryReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRegistry), 0600))
	r := NewFileRegistry(log.NewNopLogger(), path)

	targets, err := r.All(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 3)

	extra := testRegistry + `  - name: billing
    kind: function
    environment: production
    function:
      functionName: billing-production
      region: us-east-1
`
	require.NoError(t, os.WriteFile(path, []byte(extra), 0600))
	// Make sure the modification time moves even on coarse clocks.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	targets, err = r.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, targets, 4)
}

func TestRegistryMissingFile(t *testing.T) {
	r := NewFileRegistry(log.NewNopLogger(), filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := r.All(context.Background())
	require.Error(t, err)
}

func TestRegistrySchemaRejections(t *testing.T) {
	for name, contents := range map[string]string{
		"no kind": `targets:
  - name: thing
    function:
      functionName: thing
      region: eu-west-1
`,
		"unknown kind": `targets:
  - name: thing
    kind: virtual-machine
`,
		"function without region": `targets:
  - name: thing
    kind: function
    function:
      functionName: thing
`,
		"release without namespace": `targets:
  - name: thing
    kind: cluster-release
    release:
      releaseName: thing
`,
		"unknown field": `targets:
  - name: thing
    kind: function
    colour: blue
    function:
      functionName: thing
      region: eu-west-1
`,
	} {
		t.Run(name, func(t *testing.T) {
			r := writeRegistry(t, contents)
			_, err := r.All(context.Background())
			require.Error(t, err)
		})
	}
}

func TestRegistryValidation(t *testing.T) {
	for name, contents := range map[string]string{
		"kind and coordinates disagree": `targets:
  - name: thing
    kind: cluster-release
    function:
      functionName: thing
      region: eu-west-1
`,
		"chart without source": `targets:
  - name: thing
    kind: cluster-release
    release:
      namespace: things
      releaseName: thing
`,
		"chart with two sources": `targets:
  - name: thing
    kind: cluster-release
    release:
      namespace: things
      releaseName: thing
      chart:
        path: ./charts/thing
        repository: https://charts.example.com
        name: thing
`,
		"bad version constraint": `targets:
  - name: thing
    kind: cluster-release
    release:
      namespace: things
      releaseName: thing
      chart:
        path: ./charts/thing
        version: one point two
`,
	} {
		t.Run(name, func(t *testing.T) {
			r := writeRegistry(t, contents)
			_, err := r.All(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid target")
		})
	}
}

func TestQueryString(t *testing.T) {
	assert.Equal(t, "checkout-api in production", Query{Name: "checkout-api", Environment: "production"}.String())
	assert.Equal(t, "* team=payments", Query{Labels: map[string]string{"team": "payments"}}.String())
}

func TestTargetID(t *testing.T) {
	assert.Equal(t, "production/checkout-api", Target{Name: "checkout-api", Environment: "production"}.ID())
	assert.Equal(t, "checkout-api", Target{Name: "checkout-api"}.ID())
}
