// Package api defines what shipd can be asked to do. shipd serves
// this interface over HTTP; pkg/http/client consumes it.
package api

import (
	"context"

	"github.com/pkg/errors"

	"github.com/signapse/shipyard/pkg/ledger"
	"github.com/signapse/shipyard/pkg/pipeline"
	"github.com/signapse/shipyard/pkg/store"
	"github.com/signapse/shipyard/pkg/target"
)

// ErrUnknownJob is returned by JobStatus for IDs the daemon has
// never seen, or saw so long ago it has forgotten them.
var ErrUnknownJob = errors.New("unknown job ID")

// DeployRequest is the wire shape of a deployment ask. The daemon
// deploys from the store, or, for cluster releases, from the chart
// the target names; it does not accept package uploads.
type DeployRequest struct {
	Name        string            `json:"name"`
	Environment string            `json:"environment,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	StoreRef    *store.Ref        `json:"storeRef,omitempty"`
	Values      target.Values     `json:"values,omitempty"`
	DryRun      bool              `json:"dryRun,omitempty"`
	// SkipPublish stops a function deploy before the version is
	// published; the alias stays where it is.
	SkipPublish bool `json:"skipPublish,omitempty"`
	// Atomic and Wait override the target's standing behavior for
	// this request; absent means the target decides. TimeoutSeconds
	// caps the deploy and readiness wait.
	Atomic         *bool `json:"atomic,omitempty"`
	Wait           *bool `json:"wait,omitempty"`
	TimeoutSeconds int   `json:"timeoutSeconds,omitempty"`
	// ConfirmedProtected must be set to deploy to protected
	// targets; the daemon has no terminal to ask at.
	ConfirmedProtected bool   `json:"confirmedProtected,omitempty"`
	User               string `json:"user,omitempty"`
	Message            string `json:"message,omitempty"`
}

// Query turns the request into a target query for the resolver.
func (r DeployRequest) Query() target.Query {
	return target.Query{Name: r.Name, Environment: r.Environment, Labels: r.Labels}
}

// HistoryQuery selects whose history to read.
type HistoryQuery struct {
	Service     string
	Environment string
}

// TargetID is the ledger key the query names.
func (q HistoryQuery) TargetID() string {
	if q.Environment == "" {
		return q.Service
	}
	return q.Environment + "/" + q.Service
}

// Server is the daemon's API. Deploy is asynchronous: it returns a
// job ID to poll with JobStatus, and the job's result carries the
// deployment outcome.
type Server interface {
	Ping(ctx context.Context) error
	Version(ctx context.Context) (string, error)
	ListTargets(ctx context.Context) ([]target.Target, error)
	Deploy(ctx context.Context, req DeployRequest) (pipeline.JobID, error)
	JobStatus(ctx context.Context, id pipeline.JobID) (pipeline.Status, error)
	History(ctx context.Context, q HistoryQuery) ([]ledger.Record, error)
	LatestRelease(ctx context.Context, q HistoryQuery) (*ledger.Record, error)
}
