package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/signapse/shipyard/pkg/guid"
)

// NewInMem returns a ledger held in memory, for tests and for
// running without a database.
func NewInMem() Ledger {
	return &inmem{records: map[string][]Record{}}
}

type inmem struct {
	mtx     sync.Mutex
	records map[string][]Record
}

func (db *inmem) Append(ctx context.Context, rec Record) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()

	if rec.ID == "" {
		rec.ID = guid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	// newest first
	db.records[rec.Target] = append([]Record{rec}, db.records[rec.Target]...)
	return nil
}

func (db *inmem) History(ctx context.Context, targetID string) ([]Record, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()

	recs := db.records[targetID]
	out := make([]Record, len(recs))
	copy(out, recs)
	return out, nil
}

func (db *inmem) Latest(ctx context.Context, targetID string) (*Record, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()

	recs := db.records[targetID]
	if len(recs) == 0 {
		return nil, ErrNoHistory
	}
	rec := recs[0]
	return &rec, nil
}

func (db *inmem) PruneArtifacts(ctx context.Context, olderThan time.Time) (int, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()

	pruned := 0
	for target, recs := range db.records {
		for i := range recs {
			if len(recs[i].Artifact) > 0 && recs[i].CreatedAt.Before(olderThan) {
				recs[i].Artifact = nil
				pruned++
			}
		}
		db.records[target] = recs
	}
	return pruned, nil
}
