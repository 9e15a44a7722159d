package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ErrNoHistory is returned by Latest for a target that has never
// been deployed. Callers treat it as "first deploy", not a fault.
var ErrNoHistory = errors.New("no deployment history for target")

// Record is one deployment as it ended up: who pushed what where,
// and how it went. Records are append-only; rewriting history is
// what the ledger exists to prevent.
type Record struct {
	ID           string          `json:"id"`
	Target       string          `json:"target"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	State        string          `json:"state"`
	Version      string          `json:"version,omitempty"`
	PriorVersion string          `json:"priorVersion,omitempty"`
	Digest       string          `json:"digest,omitempty"`
	Actor        string          `json:"actor,omitempty"`
	// RunID is the CI run or daemon job that triggered the
	// deployment.
	RunID     string          `json:"runID,omitempty"`
	Message   string          `json:"message,omitempty"`
	Artifact  json.RawMessage `json:"artifact,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Ledger interface {
	// Append writes a record. An empty ID and zero CreatedAt are
	// filled in.
	Append(ctx context.Context, rec Record) error
	// History returns all records for a target, newest first.
	History(ctx context.Context, targetID string) ([]Record, error)
	// Latest returns the newest record for a target, or ErrNoHistory.
	Latest(ctx context.Context, targetID string) (*Record, error)
	// PruneArtifacts clears the artifact audit payload from records
	// older than the cutoff. The release records themselves stay.
	PruneArtifacts(ctx context.Context, olderThan time.Time) (int, error)
}
