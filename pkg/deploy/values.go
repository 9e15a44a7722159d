package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ghodss/yaml"
	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	sops "go.mozilla.org/sops/v3"
	"go.mozilla.org/sops/v3/decrypt"
	"k8s.io/helm/pkg/chartutil"
	"k8s.io/helm/pkg/strvals"

	"github.com/signapse/shipyard/pkg/target"
)

// resolveValues builds the user-supplied values for a release. Tiers
// go lowest to highest: values files in order, then inline structured
// values, then per-key overrides; within each tier the target's
// standing configuration is applied before the request's. Maps merge
// key by key across tiers, scalars and lists are replaced by the
// higher tier. Chart defaults are not touched here; helm lays these
// values over them at render time, which completes the precedence
// chain.
func resolveValues(base, overrides target.Values, baseDir string) (chartutil.Values, error) {
	merged := map[string]interface{}{}

	files := append(append([]string{}, base.Files...), overrides.Files...)
	for _, f := range files {
		path := f
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading values file %s", f)
		}
		raw, err = softDecrypt(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "reading values file %s", f)
		}
		var vals map[string]interface{}
		if err := yaml.Unmarshal(raw, &vals); err != nil {
			return nil, errors.Wrapf(err, "parsing values file %s", f)
		}
		if err := mergo.Merge(&merged, vals, mergo.WithOverride); err != nil {
			return nil, errors.Wrapf(err, "merging values file %s", f)
		}
	}

	for _, tier := range []map[string]interface{}{base.Inline, overrides.Inline} {
		if len(tier) == 0 {
			continue
		}
		if err := mergo.Merge(&merged, tier, mergo.WithOverride); err != nil {
			return nil, errors.Wrap(err, "merging inline values")
		}
	}

	for _, tier := range []map[string]string{base.Set, overrides.Set} {
		for _, k := range sortedKeys(tier) {
			if err := strvals.ParseInto(fmt.Sprintf("%s=%s", k, tier[k]), merged); err != nil {
				return nil, errors.Wrapf(err, "parsing override %s", k)
			}
		}
	}

	return chartutil.Values(merged), nil
}

// softDecrypt takes the contents of a values file and tries to
// decrypt it with sops; if the file has not been encrypted with sops,
// the original data is returned
func softDecrypt(rawData []byte) ([]byte, error) {
	decryptedData, err := decrypt.Data(rawData, "yaml")
	if err == sops.MetadataNotFound {
		return rawData, nil
	} else if err != nil {
		return rawData, errors.Wrap(err, "failed to decrypt values file")
	}
	return decryptedData, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
