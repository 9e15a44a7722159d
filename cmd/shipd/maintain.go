package main

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/signapse/shipyard/pkg/ledger"
	"github.com/signapse/shipyard/pkg/store"
)

const maintenanceInterval = 24 * time.Hour

// maintain sweeps expired artifact audit data on a daily cycle.
// Release history itself never ages out; only stored package payloads
// and the ledger's artifact columns do.
func maintain(db ledger.Ledger, st store.Store, retention time.Duration, logger log.Logger, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	tick := time.NewTicker(maintenanceInterval)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			cutoff := time.Now().Add(-retention)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if n, err := db.PruneArtifacts(ctx, cutoff); err != nil {
				logger.Log("err", err)
			} else if n > 0 {
				logger.Log("pruned", n, "from", "ledger")
			}
			if pruner, ok := st.(store.Pruner); ok {
				if n, err := pruner.Prune(ctx, cutoff); err != nil {
					logger.Log("err", err)
				} else if n > 0 {
					logger.Log("pruned", n, "from", "store")
				}
			}
			cancel()
		}
	}
}
