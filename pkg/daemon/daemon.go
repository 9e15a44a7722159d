// Package daemon implements the API server behind shipd: the cheap
// questions are answered directly, deploy requests become jobs.
package daemon

import (
	"context"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/signapse/shipyard/pkg/api"
	"github.com/signapse/shipyard/pkg/deploy"
	"github.com/signapse/shipyard/pkg/http/httperror"
	"github.com/signapse/shipyard/pkg/ledger"
	"github.com/signapse/shipyard/pkg/pipeline"
	"github.com/signapse/shipyard/pkg/target"
)

// Daemon is the fully-wired state of shipd; every API call lands
// here.
type Daemon struct {
	V          string
	Resolver   target.Resolver
	Ledger     ledger.Ledger
	Pipeline   *pipeline.Pipeline
	Dispatcher *pipeline.Dispatcher
	Logger     log.Logger
}

// Invariant.
var _ api.Server = &Daemon{}

func (d *Daemon) Version(ctx context.Context) (string, error) {
	return d.V, nil
}

// Ping reports whether the daemon can do useful work, which means
// reaching its ledger. The resolver is static config and cannot be
// down.
func (d *Daemon) Ping(ctx context.Context) error {
	_, err := d.Ledger.Latest(ctx, "_/ping")
	if err == ledger.ErrNoHistory {
		return nil
	}
	return err
}

func (d *Daemon) ListTargets(ctx context.Context) ([]target.Target, error) {
	return d.Resolver.All(ctx)
}

// Deploy resolves the target up front, so a bad query fails on the
// submitting request rather than minutes later in a job status, then
// hands the pipeline run to the dispatcher. Dry runs execute in the
// calling request; they mutate nothing and the caller wants the
// preview now.
func (d *Daemon) Deploy(ctx context.Context, req api.DeployRequest) (pipeline.JobID, error) {
	var id pipeline.JobID
	if req.Name == "" {
		return id, &httperror.APIError{
			StatusCode: http.StatusBadRequest,
			Kind:       httperror.KindBadRequest,
			Message:    "deploy request needs a target name",
		}
	}
	t, err := d.Resolver.Lookup(ctx, req.Query())
	if err != nil {
		return id, err
	}
	if t.Protected && !req.ConfirmedProtected {
		return id, &deploy.Error{Target: t.ID(), Reason: deploy.ReasonDenied,
			Err: errors.Errorf("target %s is protected; deploy with confirmedProtected set", t.ID())}
	}

	// The job ID is assigned here rather than by the dispatcher, so
	// the ledger record can name the job that triggered it.
	jobID := pipeline.NewJobID()
	prun := pipeline.Request{
		Query:              req.Query(),
		StoreRef:           req.StoreRef,
		Values:             req.Values,
		DryRun:             req.DryRun,
		SkipPublish:        req.SkipPublish,
		Atomic:             req.Atomic,
		Wait:               req.Wait,
		TimeoutSeconds:     req.TimeoutSeconds,
		ConfirmedProtected: req.ConfirmedProtected,
		Cause:              deploy.Cause{User: req.User, Message: req.Message},
		RunID:              string(jobID),
	}
	j := &pipeline.Job{
		ID: jobID,
		Do: func(ctx context.Context, logger log.Logger) (*pipeline.Outcome, error) {
			return d.Pipeline.Run(ctx, prun)
		},
	}
	if req.DryRun {
		return d.Dispatcher.RunNow(j)
	}
	return d.Dispatcher.Submit(j), nil
}

func (d *Daemon) JobStatus(ctx context.Context, id pipeline.JobID) (pipeline.Status, error) {
	status, ok := d.Dispatcher.Status(id)
	if !ok {
		return pipeline.Status{}, api.ErrUnknownJob
	}
	return status, nil
}

func (d *Daemon) History(ctx context.Context, q api.HistoryQuery) ([]ledger.Record, error) {
	return d.Ledger.History(ctx, q.TargetID())
}

func (d *Daemon) LatestRelease(ctx context.Context, q api.HistoryQuery) (*ledger.Record, error) {
	return d.Ledger.Latest(ctx, q.TargetID())
}
