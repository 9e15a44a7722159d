package target

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	semver "github.com/Masterminds/semver/v3"
	"github.com/ghodss/yaml"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// registrySchema is checked before decoding, so a malformed registry
// file is reported with the offending path rather than as a zero
// value somewhere downstream.
const registrySchema = `{
  "$schema": "http://json-schema.org/draft-04/schema#",
  "type": "object",
  "required": ["targets"],
  "additionalProperties": false,
  "properties": {
    "targets": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "kind"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "environment": {"type": "string"},
          "kind": {"enum": ["function", "cluster-release"]},
          "protected": {"type": "boolean"},
          "labels": {"type": "object", "additionalProperties": {"type": "string"}},
          "function": {
            "type": "object",
            "required": ["functionName", "region"],
            "additionalProperties": false,
            "properties": {
              "functionName": {"type": "string", "minLength": 1},
              "region": {"type": "string", "minLength": 1},
              "roleArn": {"type": "string"},
              "alias": {"type": "string"},
              "runtime": {"type": "string"},
              "handler": {"type": "string"},
              "memorySize": {"type": "integer", "minimum": 0},
              "timeout": {"type": "integer", "minimum": 0},
              "architecture": {"type": "string"},
              "layers": {"type": "array", "items": {"type": "string"}},
              "environment": {"type": "object", "additionalProperties": {"type": "string"}}
            }
          },
          "release": {
            "type": "object",
            "required": ["releaseName", "namespace"],
            "additionalProperties": false,
            "properties": {
              "cluster": {"type": "string"},
              "namespace": {"type": "string", "minLength": 1},
              "releaseName": {"type": "string", "minLength": 1},
              "chart": {
                "type": "object",
                "additionalProperties": false,
                "properties": {
                  "path": {"type": "string"},
                  "repository": {"type": "string"},
                  "name": {"type": "string"},
                  "version": {"type": "string"}
                }
              },
              "values": {
                "type": "object",
                "additionalProperties": false,
                "properties": {
                  "files": {"type": "array", "items": {"type": "string"}},
                  "inline": {"type": "object"},
                  "set": {"type": "object", "additionalProperties": {"type": "string"}}
                }
              },
              "atomic": {"type": "boolean"},
              "timeout": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    }
  }
}`

type registryFile struct {
	Targets []Target `json:"targets"`
}

// FileRegistry resolves targets from a YAML file. The file is
// re-read when its modification time changes, so edits take effect
// without restarting anything; a file that stops parsing makes
// lookups fail rather than serving a stale registry silently.
type FileRegistry struct {
	logger log.Logger
	path   string

	mu      sync.Mutex
	modTime time.Time
	targets []Target
}

var _ Resolver = &FileRegistry{}

func NewFileRegistry(logger log.Logger, path string) *FileRegistry {
	return &FileRegistry{logger: logger, path: path}
}

// Lookup finds the one target the query selects.
func (r *FileRegistry) Lookup(ctx context.Context, q Query) (Target, error) {
	targets, err := r.load()
	if err != nil {
		return Target{}, err
	}
	var matches []Target
	for _, t := range targets {
		if q.Matches(t) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return Target{}, &NotFoundError{Query: q}
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID()
		}
		return Target{}, &AmbiguousError{Query: q, Matches: ids}
	}
}

// All returns every target in the registry.
func (r *FileRegistry) All(ctx context.Context) ([]Target, error) {
	return r.load()
}

func (r *FileRegistry) load() ([]Target, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading target registry %s", r.path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.targets != nil && info.ModTime().Equal(r.modTime) {
		return r.targets, nil
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading target registry %s", r.path)
	}
	jsonBytes, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing target registry %s", r.path)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(registrySchema),
		gojsonschema.NewBytesLoader(jsonBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "validating target registry %s", r.path)
	}
	if !result.Valid() {
		msg := "invalid target registry " + r.path
		for _, e := range result.Errors() {
			msg = msg + "\n  " + e.String()
		}
		return nil, errors.New(msg)
	}

	var file registryFile
	if err := json.Unmarshal(jsonBytes, &file); err != nil {
		return nil, errors.Wrapf(err, "decoding target registry %s", r.path)
	}
	for _, t := range file.Targets {
		if err := validateTarget(t); err != nil {
			return nil, errors.Wrapf(err, "invalid target %s in %s", t.ID(), r.path)
		}
	}

	r.targets = file.Targets
	r.modTime = info.ModTime()
	r.logger.Log("event", "loaded", "path", r.path, "targets", len(r.targets))
	return r.targets, nil
}

// validateTarget checks what the schema cannot: that the kind and
// its coordinates agree, and that constraints parse. Nothing here
// fills in defaults; a target missing required coordinates is a
// registry bug to fix, not to paper over.
func validateTarget(t Target) error {
	switch t.Kind {
	case KindFunction:
		if t.Function == nil {
			return errors.New("kind is function but no function coordinates are given")
		}
		if t.Release != nil {
			return errors.New("kind is function but release coordinates are given")
		}
	case KindClusterRelease:
		if t.Release == nil {
			return errors.New("kind is cluster-release but no release coordinates are given")
		}
		if t.Function != nil {
			return errors.New("kind is cluster-release but function coordinates are given")
		}
		c := t.Release.Chart
		if c.Path == "" && (c.RepoURL == "" || c.Name == "") {
			return errors.New("chart needs a path, or a repository and name")
		}
		if c.Path != "" && c.RepoURL != "" {
			return errors.New("chart has both a path and a repository")
		}
		if c.Version != "" {
			if _, err := semver.NewConstraint(c.Version); err != nil {
				return errors.Wrapf(err, "parsing chart version constraint %q", c.Version)
			}
		}
	default:
		return errors.Errorf("unknown target kind %q", t.Kind)
	}
	return nil
}
