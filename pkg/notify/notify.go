// Package notify tells external systems about deployment outcomes.
// Notifications are advisory: a failed notification never fails the
// deployment that triggered it, so implementations should be quick
// and callers should log, not propagate, their errors.
package notify

import (
	"context"

	"github.com/signapse/shipyard/pkg/ledger"
)

// Notifier is told about every record the pipeline writes to the
// ledger.
type Notifier interface {
	Notify(ctx context.Context, rec ledger.Record) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, ledger.Record) error { return nil }
