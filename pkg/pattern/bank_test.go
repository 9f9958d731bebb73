package pattern_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/pattern"
	"github.com/swarmmem/swarmmem/pkg/pattern/embed"
	"github.com/swarmmem/swarmmem/pkg/pattern/index"
	"github.com/swarmmem/swarmmem/pkg/store/memstore"
)

func hnswFactory() (index.Index, error) {
	return index.NewHNSW(index.DefaultHNSWConfig()), nil
}

func newTestBank(t *testing.T, opts ...pattern.BankOption) *pattern.Bank {
	t.Helper()
	rows := memstore.NewMemStore()
	t.Cleanup(func() { rows.Close() })
	return pattern.NewBank(rows, embed.NewHashEmbedder(256), hnswFactory, opts...)
}

func TestStorePatternInsertsNew(t *testing.T) {
	bank := newTestBank(t)
	ctx := context.Background()

	p, err := bank.StorePattern(ctx, "retry failed requests with exponential backoff", 0.7, pattern.Options{Domain: "http"})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, int64(1), p.UsageCount)
	assert.InDelta(t, 0.7, p.Confidence, 1e-9)
	assert.Equal(t, "http", p.Domain)
}

func TestStorePatternValidation(t *testing.T) {
	bank := newTestBank(t)
	ctx := context.Background()

	_, err := bank.StorePattern(ctx, "", 0.5, pattern.Options{})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = bank.StorePattern(ctx, "x", 1.5, pattern.Options{})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestStorePatternMergesDuplicate(t *testing.T) {
	bank := newTestBank(t)
	ctx := context.Background()

	first, err := bank.StorePattern(ctx, "cache read-heavy queries", 0.6, pattern.Options{Domain: "db"})
	require.NoError(t, err)

	// Identical content embeds identically and must merge, not insert
	second, err := bank.StorePattern(ctx, "cache read-heavy queries", 1.0, pattern.Options{Domain: "db"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(2), second.UsageCount)
	// Usage-weighted confidence: (0.6*1 + 1.0) / 2
	assert.InDelta(t, 0.8, second.Confidence, 1e-9)

	patterns, err := bank.QueryByDomain(ctx, "db")
	require.NoError(t, err)
	assert.Len(t, patterns, 1)
}

func TestScopesDoNotMerge(t *testing.T) {
	bank := newTestBank(t)
	ctx := context.Background()

	a, err := bank.StorePattern(ctx, "batch writes before flushing", 0.5, pattern.Options{AgentID: "a1", Domain: "io"})
	require.NoError(t, err)
	b, err := bank.StorePattern(ctx, "batch writes before flushing", 0.5, pattern.Options{AgentID: "a2", Domain: "io"})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID, "same content in different scopes stays separate")
}

func TestRecordOutcomeUpdatesSuccessRate(t *testing.T) {
	bank := newTestBank(t)
	ctx := context.Background()

	p, err := bank.StorePattern(ctx, "use prepared statements", 0.5, pattern.Options{Domain: "db"})
	require.NoError(t, err)

	require.NoError(t, bank.RecordOutcome(ctx, p.ID, true))
	require.NoError(t, bank.RecordOutcome(ctx, p.ID, true))
	require.NoError(t, bank.RecordOutcome(ctx, p.ID, false))

	patterns, err := bank.QueryByDomain(ctx, "db")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.InDelta(t, 2.0/3.0, patterns[0].SuccessRate, 1e-9)
	assert.Equal(t, int64(3), patterns[0].OutcomeCount)
}

func TestRecordOutcomeMissingPattern(t *testing.T) {
	bank := newTestBank(t)

	err := bank.RecordOutcome(context.Background(), "no-such-id", true)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestQueryOrdering(t *testing.T) {
	bank := newTestBank(t)
	ctx := context.Background()

	low, err := bank.StorePattern(ctx, "first candidate approach entirely", 0.9, pattern.Options{Domain: "ops"})
	require.NoError(t, err)
	high, err := bank.StorePattern(ctx, "second unrelated different strategy", 0.4, pattern.Options{Domain: "ops"})
	require.NoError(t, err)

	require.NoError(t, bank.RecordOutcome(ctx, high.ID, true))
	require.NoError(t, bank.RecordOutcome(ctx, low.ID, false))

	patterns, err := bank.QueryByDomain(ctx, "ops")
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	assert.Equal(t, high.ID, patterns[0].ID, "success rate ranks before confidence")
	assert.Equal(t, low.ID, patterns[1].ID)
}

func TestLoadIndexesRebuildsFromRows(t *testing.T) {
	rows := memstore.NewMemStore()
	t.Cleanup(func() { rows.Close() })
	ctx := context.Background()

	first := pattern.NewBank(rows, embed.NewHashEmbedder(256), hnswFactory)
	p, err := first.StorePattern(ctx, "persist everything important", 0.8, pattern.Options{Domain: "core"})
	require.NoError(t, err)

	// A fresh bank over the same rows must rebuild its indexes and merge
	// rather than duplicate
	second := pattern.NewBank(rows, embed.NewHashEmbedder(256), hnswFactory)
	require.NoError(t, second.LoadIndexes(ctx))

	merged, err := second.StorePattern(ctx, "persist everything important", 0.8, pattern.Options{Domain: "core"})
	require.NoError(t, err)
	assert.Equal(t, p.ID, merged.ID)
	assert.Equal(t, int64(2), merged.UsageCount)
}

func TestConsolidateMergesNearDuplicates(t *testing.T) {
	rows := memstore.NewMemStore()
	t.Cleanup(func() { rows.Close() })
	ctx := context.Background()

	// A very strict threshold keeps near-duplicates separate at store time
	strict := pattern.NewBank(rows, embed.NewHashEmbedder(256), hnswFactory,
		pattern.WithSimilarityThreshold(0.999))

	a, err := strict.StorePattern(ctx, "deploy services with retries enabled always", 0.6, pattern.Options{Domain: "ops"})
	require.NoError(t, err)
	b, err := strict.StorePattern(ctx, "deploy services with retries enabled often", 0.8, pattern.Options{Domain: "ops"})
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)

	// Consolidation at a looser threshold folds them together
	loose := pattern.NewBank(rows, embed.NewHashEmbedder(256), hnswFactory,
		pattern.WithSimilarityThreshold(0.5))
	require.NoError(t, loose.LoadIndexes(ctx))

	report, err := loose.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Merged)

	patterns, err := loose.QueryByDomain(ctx, "ops")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, int64(2), patterns[0].UsageCount, "usage counts aggregate into the representative")
}

func TestConsolidateIsIdempotent(t *testing.T) {
	rows := memstore.NewMemStore()
	t.Cleanup(func() { rows.Close() })
	ctx := context.Background()

	strict := pattern.NewBank(rows, embed.NewHashEmbedder(256), hnswFactory,
		pattern.WithSimilarityThreshold(0.999))
	_, err := strict.StorePattern(ctx, "compress payloads before sending them", 0.5, pattern.Options{Domain: "net"})
	require.NoError(t, err)
	_, err = strict.StorePattern(ctx, "compress payloads before sending anything", 0.5, pattern.Options{Domain: "net"})
	require.NoError(t, err)

	loose := pattern.NewBank(rows, embed.NewHashEmbedder(256), hnswFactory,
		pattern.WithSimilarityThreshold(0.5))
	require.NoError(t, loose.LoadIndexes(ctx))

	first, err := loose.Consolidate(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Merged)

	second, err := loose.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Merged, "a second run changes nothing")

	patterns, err := loose.QueryByDomain(ctx, "net")
	require.NoError(t, err)
	assert.Len(t, patterns, 1)
}

func TestConsolidateLeavesDistinctDomainsAlone(t *testing.T) {
	bank := newTestBank(t, pattern.WithSimilarityThreshold(0.5))
	ctx := context.Background()

	_, err := bank.StorePattern(ctx, "index hot columns", 0.5, pattern.Options{Domain: "db"})
	require.NoError(t, err)
	_, err = bank.StorePattern(ctx, "index hot columns", 0.5, pattern.Options{Domain: "search"})
	require.NoError(t, err)

	report, err := bank.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Merged, "clustering never crosses scope boundaries")
}

func TestClockOptionDrivesTimestamps(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	bank := newTestBank(t, pattern.WithClock(func() time.Time { return fixed }))

	p, err := bank.StorePattern(context.Background(), "pin dependency versions", 0.5, pattern.Options{})
	require.NoError(t, err)
	assert.Equal(t, fixed, p.CreatedAt)
	assert.Equal(t, fixed, p.UpdatedAt)
}
