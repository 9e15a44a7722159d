package store

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/signapse/shipyard/pkg/artifact"
)

const (
	// DirectUploadLimit is the largest package that may be handed to
	// a deployment API inline. Artifacts at or above this size must
	// go through a store first; smaller ones may, and doing so is
	// still worthwhile for the audit trail.
	DirectUploadLimit = 50 * 1024 * 1024

	// AuditRetention is how long store audit records are kept around
	// before Prune will drop them. Release history is not covered by
	// this; the ledger keeps that indefinitely.
	AuditRetention = 90 * 24 * time.Hour
)

// Ref locates a stored artifact. Backend-specific fields are left
// empty when they don't apply.
type Ref struct {
	Backend string        `json:"backend"`
	Bucket  string        `json:"bucket,omitempty"`
	Key     string        `json:"key"`
	Digest  digest.Digest `json:"digest"`
	Size    int64         `json:"size"`
}

func (r Ref) String() string {
	switch r.Backend {
	case "s3":
		return fmt.Sprintf("s3://%s/%s", r.Bucket, r.Key)
	default:
		return r.Key
	}
}

// AuditRecord notes who stored what, when. One is written alongside
// every upload (including skipped, already-present uploads).
type AuditRecord struct {
	ID       string        `json:"id"`
	Actor    string        `json:"actor"`
	Artifact string        `json:"artifact"`
	Digest   digest.Digest `json:"digest"`
	Revision string        `json:"revision,omitempty"`
	// RunID is the CI run or daemon job that produced the package,
	// carried over from the artifact metadata.
	RunID    string    `json:"runID,omitempty"`
	StoredAt time.Time `json:"storedAt"`
	// Reused is true when the upload was skipped because an object
	// with the same digest was already present.
	Reused bool `json:"reused"`
}

// Store is where packaged artifacts are kept between packaging and
// deployment.
//
// Put is idempotent: storing an artifact whose digest is already
// present under the same name is a no-op that returns the existing
// location. Stat is the existence check (the head operation); Get
// opens the stored bytes, for deployment paths that cannot read from
// the backend themselves.
type Store interface {
	Put(ctx context.Context, a *artifact.Artifact) (Ref, error)
	Stat(ctx context.Context, name string, dgst digest.Digest) (Ref, bool, error)
	Get(ctx context.Context, ref Ref) (io.ReadCloser, error)
}

// Pruner is implemented by stores that can expire their own audit
// records.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// key is the canonical object layout: artifacts are addressed by name
// and content digest, so identical content lands on the same key and
// uploads become naturally idempotent.
func key(prefix, name string, dgst digest.Digest) string {
	if prefix != "" {
		return fmt.Sprintf("%s/%s/%s.zip", prefix, name, dgst.Encoded())
	}
	return fmt.Sprintf("%s/%s.zip", name, dgst.Encoded())
}

func auditKey(objectKey string, id string) string {
	return fmt.Sprintf("%s.audit/%s.json", objectKey, id)
}
