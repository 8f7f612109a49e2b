package cache

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestCache(t *testing.T, threshold float64) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"), threshold, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestQueryExactHit(t *testing.T) {
	c := openTestCache(t, DefaultThreshold)
	modelID := uuid.New()

	require.NoError(t, c.Insert(Entry{
		ModelID:   modelID,
		QueryText: "what is the refund policy",
		Response:  "refunds within 30 days",
	}))

	hit, err := c.Query(modelID, "what is the refund policy")
	require.NoError(t, err)
	require.Equal(t, "refunds within 30 days", hit.Entry.Response)
	require.InDelta(t, 1.0, hit.Score, 1e-9)
}

func TestQueryMissBelowThreshold(t *testing.T) {
	c := openTestCache(t, DefaultThreshold)
	modelID := uuid.New()

	require.NoError(t, c.Insert(Entry{
		ModelID:   modelID,
		QueryText: "what is the refund policy",
		Response:  "refunds within 30 days",
	}))

	// 2 of 5 query tokens overlap: far below the 0.95 default.
	_, err := c.Query(modelID, "what is the shipping cost")
	require.ErrorIs(t, err, ErrMiss)
}

func TestQueryLowThresholdFuzzyHit(t *testing.T) {
	c := openTestCache(t, 0.5)
	modelID := uuid.New()

	require.NoError(t, c.Insert(Entry{
		ModelID:   modelID,
		QueryText: "how do I reset my password",
		Response:  "use the reset link",
	}))

	hit, err := c.Query(modelID, "how do I reset the password")
	require.NoError(t, err)
	require.Equal(t, "use the reset link", hit.Entry.Response)
}

func TestQueryThresholdBoundaryIsExclusive(t *testing.T) {
	c := openTestCache(t, 0.5)
	modelID := uuid.New()

	require.NoError(t, c.Insert(Entry{
		ModelID:   modelID,
		QueryText: "alpha beta",
		Response:  "r",
	}))

	// Exactly half the query tokens overlap; a hit needs strictly more.
	_, err := c.Query(modelID, "alpha gamma")
	require.ErrorIs(t, err, ErrMiss)

	hit, err := c.Query(modelID, "alpha beta gamma")
	require.NoError(t, err)
	require.Greater(t, hit.Score, 0.5)
}

func TestTokenizeIsCaseAndPunctuationInsensitive(t *testing.T) {
	c := openTestCache(t, DefaultThreshold)
	modelID := uuid.New()

	require.NoError(t, c.Insert(Entry{
		ModelID:   modelID,
		QueryText: "What is the Refund Policy?",
		Response:  "r",
	}))

	_, err := c.Query(modelID, "what is the refund policy")
	require.NoError(t, err)
}

func TestPerModelIsolation(t *testing.T) {
	c := openTestCache(t, DefaultThreshold)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, c.Insert(Entry{ModelID: a, QueryText: "hello world", Response: "from a"}))

	_, err := c.Query(b, "hello world")
	require.ErrorIs(t, err, ErrMiss)

	hit, err := c.Query(a, "hello world")
	require.NoError(t, err)
	require.Equal(t, "from a", hit.Entry.Response)
}

func TestInvalidateDropsModelAndStaleInserts(t *testing.T) {
	c := openTestCache(t, DefaultThreshold)
	modelID := uuid.New()

	require.NoError(t, c.Insert(Entry{
		ModelID: modelID, QueryText: "hello world", Response: "old", InsertedAt: 100}))

	require.NoError(t, c.Invalidate(modelID, 200))
	_, err := c.Query(modelID, "hello world")
	require.ErrorIs(t, err, ErrMiss)

	// An insert stamped before the invalidation is discarded: it raced a
	// model update and may describe the old model.
	require.NoError(t, c.Insert(Entry{
		ModelID: modelID, QueryText: "hello world", Response: "stale", InsertedAt: 150}))
	_, err = c.Query(modelID, "hello world")
	require.ErrorIs(t, err, ErrMiss)

	// A later insert is accepted.
	require.NoError(t, c.Insert(Entry{
		ModelID: modelID, QueryText: "hello world", Response: "fresh", InsertedAt: 300}))
	hit, err := c.Query(modelID, "hello world")
	require.NoError(t, err)
	require.Equal(t, "fresh", hit.Entry.Response)
}

func TestSuggestionsUnthresholdedAndBounded(t *testing.T) {
	c := openTestCache(t, DefaultThreshold)
	modelID := uuid.New()

	queries := []string{
		"deploy model alpha",
		"deploy model beta",
		"deploy model gamma",
		"deploy model delta",
		"deploy model epsilon",
		"deploy model zeta",
	}
	for _, q := range queries {
		require.NoError(t, c.Insert(Entry{ModelID: modelID, QueryText: q, Response: "r"}))
	}

	got := c.Suggestions(modelID, "deploy model")
	require.NotEmpty(t, got)
	require.LessOrEqual(t, len(got), 5)
	for _, s := range got {
		require.Contains(t, queries, s)
	}
}

func TestRebuildOnReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")
	modelID := uuid.New()

	c, err := Open(path, DefaultThreshold, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Insert(Entry{ModelID: modelID, QueryText: "persisted query", Response: "v"}))
	require.NoError(t, c.Close())

	reopened, err := Open(path, DefaultThreshold, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	hit, err := reopened.Query(modelID, "persisted query")
	require.NoError(t, err)
	require.Equal(t, "v", hit.Entry.Response)
}
