package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both implementations answer to the same contract, so both get the
// same tests.
func ledgerImpls(t *testing.T) map[string]Ledger {
	sqlLedger, err := NewSQL("sqlite", ":memory:", log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { sqlLedger.Close() })
	return map[string]Ledger{
		"inmem":  NewInMem(),
		"sqlite": sqlLedger,
	}
}

func TestLedgerAppendAndHistory(t *testing.T) {
	for name, l := range ledgerImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

			require.NoError(t, l.Append(ctx, Record{
				Target: "production/checkout-api", Kind: "function",
				Status: "succeeded", State: "Succeeded", Version: "7",
				CreatedAt: base,
			}))
			require.NoError(t, l.Append(ctx, Record{
				Target: "production/checkout-api", Kind: "function",
				Status: "failed", State: "CodeUpdating",
				CreatedAt: base.Add(time.Hour),
			}))
			require.NoError(t, l.Append(ctx, Record{
				Target: "staging/storefront", Kind: "cluster-release",
				Status: "succeeded", State: "Succeeded", Version: "12",
				CreatedAt: base.Add(2 * time.Hour),
			}))

			recs, err := l.History(ctx, "production/checkout-api")
			require.NoError(t, err)
			require.Len(t, recs, 2)
			// newest first
			assert.Equal(t, "failed", recs[0].Status)
			assert.Equal(t, "succeeded", recs[1].Status)
			assert.Equal(t, "7", recs[1].Version)
			for _, rec := range recs {
				assert.NotEmpty(t, rec.ID)
				assert.False(t, rec.CreatedAt.IsZero())
			}

			latest, err := l.Latest(ctx, "production/checkout-api")
			require.NoError(t, err)
			assert.Equal(t, "failed", latest.Status)

			_, err = l.Latest(ctx, "production/unknown")
			assert.Equal(t, ErrNoHistory, err)

			empty, err := l.History(ctx, "production/unknown")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestLedgerFillsIDAndTimestamp(t *testing.T) {
	for name, l := range ledgerImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, l.Append(ctx, Record{
				Target: "staging/storefront", Kind: "cluster-release",
				Status: "succeeded", State: "Succeeded",
			}))
			latest, err := l.Latest(ctx, "staging/storefront")
			require.NoError(t, err)
			assert.NotEmpty(t, latest.ID)
			assert.WithinDuration(t, time.Now().UTC(), latest.CreatedAt, time.Minute)
		})
	}
}

func TestLedgerKeepsAttribution(t *testing.T) {
	for name, l := range ledgerImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, l.Append(ctx, Record{
				Target: "production/checkout-api", Kind: "function",
				Status: "succeeded", State: "Succeeded", Version: "8",
				Actor: "dev@example.com", RunID: "job-7f3a",
			}))
			latest, err := l.Latest(ctx, "production/checkout-api")
			require.NoError(t, err)
			assert.Equal(t, "dev@example.com", latest.Actor)
			assert.Equal(t, "job-7f3a", latest.RunID)
		})
	}
}

func TestNewSQLUnknownDriver(t *testing.T) {
	_, err := NewSQL("mongodb", "whatever", log.NewNopLogger())
	assert.Error(t, err)
}

func TestLedgerPruneArtifacts(t *testing.T) {
	for name, l := range ledgerImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			recent := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

			require.NoError(t, l.Append(ctx, Record{
				Target: "production/checkout-api", Kind: "function",
				Status: "succeeded", State: "Succeeded",
				Artifact: []byte(`{"name":"a"}`), CreatedAt: old,
			}))
			require.NoError(t, l.Append(ctx, Record{
				Target: "production/checkout-api", Kind: "function",
				Status: "succeeded", State: "Succeeded",
				Artifact: []byte(`{"name":"b"}`), CreatedAt: recent,
			}))

			cutoff := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
			n, err := l.PruneArtifacts(ctx, cutoff)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			recs, err := l.History(ctx, "production/checkout-api")
			require.NoError(t, err)
			require.Len(t, recs, 2)
			// the release record survives, only its audit payload goes
			assert.Empty(t, recs[1].Artifact)
			assert.JSONEq(t, `{"name":"b"}`, string(recs[0].Artifact))

			n, err = l.PruneArtifacts(ctx, cutoff)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}
