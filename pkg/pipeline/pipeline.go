// Package pipeline composes the deployment stages: store the
// package, resolve the target, deploy, verify, record. It owns the
// ordering and the failure policy between stages; the stages
// themselves live in their own packages and stay ignorant of each
// other.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/signapse/shipyard/pkg/artifact"
	"github.com/signapse/shipyard/pkg/deploy"
	"github.com/signapse/shipyard/pkg/guid"
	"github.com/signapse/shipyard/pkg/ledger"
	"github.com/signapse/shipyard/pkg/notify"
	"github.com/signapse/shipyard/pkg/store"
	"github.com/signapse/shipyard/pkg/target"
	"github.com/signapse/shipyard/pkg/verify"
)

// recordTimeout bounds ledger writes and notifications. These run on
// their own context: a deployment that timed out still gets its
// history written.
const recordTimeout = 10 * time.Second

// Config wires a Pipeline. Resolver, Executors and Ledger are
// required; Store, Gate and Notifier are optional stages, skipped
// when absent.
type Config struct {
	Logger    log.Logger
	Resolver  target.Resolver
	Store     store.Store
	Executors []deploy.Executor
	Gate      *verify.Gate
	Ledger    ledger.Ledger
	Notifier  notify.Notifier

	// VerifyTimeout bounds the verification gate per deployment;
	// zero means the gate's own default.
	VerifyTimeout time.Duration
	// RollbackOnUnhealthy puts a target back on its prior version
	// when verification fails after an otherwise successful deploy.
	// Only executors that can roll back take part: function targets
	// keep the alias contract instead, and first installs have
	// nothing to go back to.
	RollbackOnUnhealthy bool
}

type Pipeline struct {
	logger    log.Logger
	resolver  target.Resolver
	store     store.Store
	executors map[target.Kind]deploy.Executor
	gate      *verify.Gate
	ledger    ledger.Ledger
	notifier  notify.Notifier

	verifyTimeout       time.Duration
	rollbackOnUnhealthy bool

	locks *targetLocks
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("pipeline needs a target resolver")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("pipeline needs a ledger")
	}
	if len(cfg.Executors) == 0 {
		return nil, errors.New("pipeline needs at least one deployment executor")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	executors := map[target.Kind]deploy.Executor{}
	for _, e := range cfg.Executors {
		executors[e.Kind()] = e
	}
	return &Pipeline{
		logger:              cfg.Logger,
		resolver:            cfg.Resolver,
		store:               cfg.Store,
		executors:           executors,
		gate:                cfg.Gate,
		ledger:              cfg.Ledger,
		notifier:            cfg.Notifier,
		verifyTimeout:       cfg.VerifyTimeout,
		rollbackOnUnhealthy: cfg.RollbackOnUnhealthy,
		locks:               newTargetLocks(),
	}, nil
}

// Request asks for one deployment: which target (by query), what to
// put there, and under whose name.
type Request struct {
	Query    target.Query
	Artifact *artifact.Artifact
	StoreRef *store.Ref
	Values   target.Values
	DryRun   bool
	// SkipPublish, Atomic, Wait and TimeoutSeconds pass through to
	// the executor; see deploy.Request.
	SkipPublish        bool
	Atomic             *bool
	Wait               *bool
	TimeoutSeconds     int
	ConfirmedProtected bool
	Cause              deploy.Cause
	// RunID ties the ledger record back to the CI run or daemon job
	// that asked for the deployment. Falls back to the artifact's
	// own run ID when empty.
	RunID string
}

// Outcome gathers what each stage reported for one request.
type Outcome struct {
	Target       target.Target   `json:"target"`
	StoreRef     *store.Ref      `json:"storeRef,omitempty"`
	Deploy       *deploy.Result  `json:"deploy,omitempty"`
	Verification *verify.Outcome `json:"verification,omitempty"`
	RecordID     string          `json:"recordID,omitempty"`
}

// Run carries one request through the stages. Failures before the
// executor abort with nothing mutated and nothing recorded; from the
// executor on, every terminal outcome lands in the ledger.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Outcome, error) {
	t, err := p.resolver.Lookup(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	// One deployment per target at a time. Unrelated targets don't
	// queue behind each other.
	unlock := p.locks.lock(t.ID())
	defer unlock()

	logger := log.With(p.logger, "target", t.ID(), "kind", t.Kind)
	out := &Outcome{Target: t, StoreRef: req.StoreRef}

	// Archives go through the store when one is configured; at or
	// over the direct upload limit they must.
	if req.StoreRef == nil && req.Artifact != nil &&
		req.Artifact.Format == artifact.FormatArchive && req.Artifact.Path != "" {
		switch {
		case p.store != nil && !req.DryRun:
			ref, err := p.store.Put(ctx, req.Artifact)
			if err != nil {
				return nil, err
			}
			out.StoreRef = &ref
			logger.Log("stored", ref.String(), "digest", ref.Digest)
		case req.Artifact.Size >= store.DirectUploadLimit:
			return nil, errors.Errorf("package is %d bytes, at or over the %d byte direct upload limit, and no store is configured",
				req.Artifact.Size, store.DirectUploadLimit)
		}
	}

	exec, ok := p.executors[t.Kind]
	if !ok {
		return nil, errors.Errorf("no executor for %s targets", t.Kind)
	}
	res, err := exec.Execute(ctx, deploy.Request{
		Target:             t,
		Artifact:           req.Artifact,
		StoreRef:           out.StoreRef,
		Values:             req.Values,
		DryRun:             req.DryRun,
		SkipPublish:        req.SkipPublish,
		Atomic:             req.Atomic,
		Wait:               req.Wait,
		TimeoutSeconds:     req.TimeoutSeconds,
		ConfirmedProtected: req.ConfirmedProtected,
		Cause:              req.Cause,
	})
	out.Deploy = res
	if err != nil {
		if res != nil && !req.DryRun {
			p.record(logger, out, req, res, err)
		}
		return out, err
	}
	if req.DryRun {
		return out, nil
	}

	if p.gate != nil && res.Status == deploy.StatusSucceeded {
		v := p.gate.Verify(ctx, t, p.verifyTimeout)
		out.Verification = &v
		if !v.Healthy {
			return p.unhealthy(ctx, logger, out, req, res, v)
		}
	}

	p.record(logger, out, req, res, nil)
	return out, nil
}

// unhealthy decides what a failed verification means: roll the
// target back when that is both asked for and possible, otherwise
// report the failure and leave the deployment standing. The gate
// itself never makes this call.
func (p *Pipeline) unhealthy(ctx context.Context, logger log.Logger, out *Outcome, req Request, res *deploy.Result, v verify.Outcome) (*Outcome, error) {
	rb, canRollBack := p.executors[out.Target.Kind].(deploy.Rollbacker)
	if p.rollbackOnUnhealthy && canRollBack && res.PriorVersion != "" {
		logger.Log("verification", "unhealthy", "action", "roll back", "to", res.PriorVersion, "detail", v.Detail)
		cause := req.Cause
		if cause.Message != "" {
			cause.Message += "; "
		}
		cause.Message += "verification failed: " + v.Detail
		rolled, err := rb.Rollback(ctx, out.Target, res.PriorVersion, cause)
		if err != nil {
			p.record(logger, out, req, res, &verify.Error{Target: out.Target.ID(), Detail: v.Detail})
			return out, errors.Wrapf(err, "verification failed (%s), and rolling back also failed", v.Detail)
		}
		rolled.Digest = res.Digest
		out.Deploy = rolled
		p.record(logger, out, req, rolled, nil)
		return out, nil
	}

	logger.Log("verification", "unhealthy", "action", "none", "detail", v.Detail)
	verr := &verify.Error{Target: out.Target.ID(), Detail: v.Detail}
	p.record(logger, out, req, res, verr)
	return out, verr
}

// record appends the outcome to the ledger and lets the notifier
// know. Neither failing changes the deployment's fate; both are
// logged and the outcome stands.
func (p *Pipeline) record(logger log.Logger, out *Outcome, req Request, res *deploy.Result, terminal error) {
	rec := ledger.Record{
		ID:           guid.New(),
		Target:       res.Target,
		Kind:         string(res.Kind),
		Status:       string(res.Status),
		State:        string(res.State),
		Version:      res.Version,
		PriorVersion: res.PriorVersion,
		Digest:       string(res.Digest),
		Actor:        req.Cause.User,
		RunID:        req.RunID,
		Message:      res.Message,
	}
	if rec.RunID == "" && req.Artifact != nil {
		rec.RunID = req.Artifact.RunID
	}
	if rec.Message == "" && terminal != nil {
		rec.Message = terminal.Error()
	}
	if rec.Digest == "" && out.StoreRef != nil {
		rec.Digest = string(out.StoreRef.Digest)
	}
	if req.Artifact != nil {
		if raw, err := json.Marshal(req.Artifact); err == nil {
			rec.Artifact = raw
		}
	}

	// The caller's context may already be dead, e.g. after a
	// deployment timeout; history gets written regardless.
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := p.ledger.Append(ctx, rec); err != nil {
		logger.Log("err", errors.Wrap(err, "recording deployment"))
	} else {
		out.RecordID = rec.ID
	}
	if err := p.notifier.Notify(ctx, rec); err != nil {
		logger.Log("err", errors.Wrap(err, "notifying"))
	}
}
