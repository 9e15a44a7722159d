// Package target maps logical (service, environment) names onto the
// concrete coordinates a deployment needs: which function or which
// cluster release, in which region, under which role. Resolution only
// validates and assembles what the registry says; it never invents
// required fields.
package target

import (
	"context"
	"fmt"
	"sort"
)

// Kind says what sort of thing a target is. It is fixed at
// resolution; executors dispatch on it and refuse targets of the
// wrong kind.
type Kind string

const (
	KindFunction       Kind = "function"
	KindClusterRelease Kind = "cluster-release"
)

// Target is a resolved deployment destination. Exactly one of
// Function or Release is set, matching Kind.
type Target struct {
	Name        string            `json:"name"`
	Environment string            `json:"environment,omitempty"`
	Kind        Kind              `json:"kind"`
	// Protected targets need explicit confirmation before a deploy
	// is accepted, e.g. production while a freeze is on.
	Protected bool              `json:"protected,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`

	Function *Function `json:"function,omitempty"`
	Release  *Release  `json:"release,omitempty"`
}

// ID is the key a target is known by in the ledger and for deploy
// serialization: environment-qualified when there is an environment.
func (t Target) ID() string {
	if t.Environment == "" {
		return t.Name
	}
	return t.Environment + "/" + t.Name
}

// Function holds the coordinates and standing configuration of a
// serverless function target. Zero-valued configuration fields mean
// "leave whatever is deployed alone"; only FunctionName and Region
// are required.
type Function struct {
	FunctionName string `json:"functionName"`
	Region       string `json:"region"`
	RoleARN      string `json:"roleArn,omitempty"`
	// Alias, when set, is repointed to the freshly published version
	// as the final deployment step.
	Alias        string            `json:"alias,omitempty"`
	Runtime      string            `json:"runtime,omitempty"`
	Handler      string            `json:"handler,omitempty"`
	MemorySize   int               `json:"memorySize,omitempty"`
	Timeout      int               `json:"timeout,omitempty"`
	Architecture string            `json:"architecture,omitempty"`
	Layers       []string          `json:"layers,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
}

// Release holds the coordinates of a chart-based cluster release.
type Release struct {
	// Cluster names which cluster this release belongs to. The
	// daemon connects to one cluster; the field is there so a
	// registry shared between daemons stays unambiguous.
	Cluster     string `json:"cluster,omitempty"`
	Namespace   string `json:"namespace"`
	ReleaseName string `json:"releaseName"`
	Chart       Chart  `json:"chart"`
	// Values is the target's standing configuration, laid under any
	// values supplied with a deployment request.
	Values Values `json:"values,omitempty"`
	Atomic bool   `json:"atomic,omitempty"`
	// Timeout, in seconds, bounds the wait for the release to become
	// ready.
	Timeout int `json:"timeout,omitempty"`
}

// Chart locates a chart: either a local path, or a coordinate in a
// chart repository. Version is a semver constraint; the newest
// version satisfying it is used, and charts loaded from a path are
// checked against it.
type Chart struct {
	Path    string `json:"path,omitempty"`
	RepoURL string `json:"repository,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Values are release configuration in ascending precedence: files
// are read in order, inline values are merged over them, and Set
// entries (helm --set syntax keys) win over everything.
type Values struct {
	Files  []string               `json:"files,omitempty"`
	Inline map[string]interface{} `json:"inline,omitempty"`
	Set    map[string]string      `json:"set,omitempty"`
}

// Query selects targets by name, and optionally environment and
// labels. An empty field matches anything; a label matches only a
// target carrying the same label value.
type Query struct {
	Name        string            `json:"name"`
	Environment string            `json:"environment,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Matches reports whether the target is selected by the query.
func (q Query) Matches(t Target) bool {
	if q.Name != "" && q.Name != t.Name {
		return false
	}
	if q.Environment != "" && q.Environment != t.Environment {
		return false
	}
	for k, v := range q.Labels {
		if t.Labels[k] != v {
			return false
		}
	}
	return true
}

func (q Query) String() string {
	s := q.Name
	if s == "" {
		s = "*"
	}
	if q.Environment != "" {
		s = s + " in " + q.Environment
	}
	if len(q.Labels) > 0 {
		keys := make([]string, 0, len(q.Labels))
		for k := range q.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s = fmt.Sprintf("%s %s=%s", s, k, q.Labels[k])
		}
	}
	return s
}

// Resolver answers target queries. Lookup insists on exactly one
// match; All is the whole registry, for listing.
type Resolver interface {
	Lookup(ctx context.Context, q Query) (Target, error)
	All(ctx context.Context) ([]Target, error)
}
