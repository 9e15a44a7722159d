package deploy

import (
	"context"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/signapse/shipyard/pkg/artifact"
	"github.com/signapse/shipyard/pkg/store"
	"github.com/signapse/shipyard/pkg/target"
)

// Status is the terminal outcome of a deployment.
type Status string

const (
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled-back"
)

// State names how far a deployment got. Function and cluster release
// targets move through different states; the State on a failure says
// which step to look at.
type State string

const (
	StatePending State = "Pending"

	// Function targets.
	StateCodeUpdating      State = "CodeUpdating"
	StateConfigUpdating    State = "ConfigUpdating"
	StateVersionPublishing State = "VersionPublishing"
	StateAliasUpdating     State = "AliasUpdating"

	// Cluster release targets.
	StateValuesResolved      State = "ValuesResolved"
	StateDiffPreviewed       State = "DiffPreviewed"
	StateUpgrading           State = "Upgrading"
	StateWaitingForReadiness State = "WaitingForReadiness"
	StateRollingBack         State = "RollingBack"

	// Terminal.
	StateSucceeded  State = "Succeeded"
	StateRolledBack State = "RolledBack"
)

// Cause is the reason recorded against a deployment: who asked for
// it, and what they said about it.
type Cause struct {
	User    string `json:"user,omitempty"`
	Message string `json:"message,omitempty"`
}

// Request is everything an executor needs to deploy one artifact to
// one target.
type Request struct {
	Target   target.Target
	Artifact *artifact.Artifact
	// StoreRef locates an already-stored package; when set it is
	// preferred over reading Artifact.Path, and it is required for
	// packages at or over the direct upload limit.
	StoreRef *store.Ref
	// Values are invocation-time overrides, merged over the target's
	// standing values tier by tier (cluster releases only).
	Values target.Values
	// DryRun previews the deployment without mutating anything.
	DryRun bool
	// SkipPublish stops a function deploy after the code and
	// configuration updates: no version is published and the alias
	// stays where it is. Ignored for cluster releases.
	SkipPublish bool
	// Atomic and Wait override the target's standing behavior for
	// this request only; nil leaves the target's setting in force.
	// Wait defaults to true: deployments wait for readiness unless
	// told not to.
	Atomic *bool
	Wait   *bool
	// TimeoutSeconds caps the deploy and readiness wait for this
	// request; zero means the target's (or the default) timeout.
	TimeoutSeconds int
	// ConfirmedProtected acknowledges a protected target. Executors
	// refuse protected targets without it.
	ConfirmedProtected bool
	Cause              Cause
}

// Result is what happened. RolledBack counts as a result, not an
// error: the target ended up in the prior good version, which is the
// contract working as intended.
type Result struct {
	Target      string        `json:"target"`
	Kind        target.Kind   `json:"kind"`
	Status      Status        `json:"status"`
	State       State         `json:"state"`
	Version     string        `json:"version,omitempty"`
	PriorVersion string       `json:"priorVersion,omitempty"`
	Digest      digest.Digest `json:"digest,omitempty"`
	Preview     string        `json:"preview,omitempty"`
	Message     string        `json:"message,omitempty"`
	StartedAt   time.Time     `json:"startedAt"`
	FinishedAt  time.Time     `json:"finishedAt"`
}

// Executor deploys to one kind of target.
type Executor interface {
	Kind() target.Kind
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Rollbacker is implemented by executors that can put a target back
// on a previous version after the fact, e.g. when a verification
// gate fails a deployment that technically succeeded.
type Rollbacker interface {
	Rollback(ctx context.Context, t target.Target, toVersion string, cause Cause) (*Result, error)
}
