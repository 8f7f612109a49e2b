package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedModel(t *testing.T) Model {
	t.Helper()
	m := NewEmptyModel()
	require.NoError(t, m.Insert(context.Background(), []Document{
		{DocID: "handbook", Source: "handbook.pdf", Text: "employees accrue vacation days monthly"},
		{DocID: "policy", Source: "policy.pdf", Text: "the refund policy covers thirty days"},
		{DocID: "onboard", Source: "onboard.pdf", Text: "new hires complete onboarding in week one"},
	}))
	return m
}

func TestPredictRanksByOverlap(t *testing.T) {
	m := seedModel(t)

	refs, err := m.Predict(context.Background(), "what is the refund policy", 5)
	require.NoError(t, err)
	require.NotEmpty(t, refs)
	require.Equal(t, "policy", refs[0].DocID)
}

func TestPredictHonorsTopK(t *testing.T) {
	m := seedModel(t)

	refs, err := m.Predict(context.Background(), "days", 1)
	require.NoError(t, err)
	require.Len(t, refs, 1)
}

func TestPredictEmptyQuery(t *testing.T) {
	m := seedModel(t)

	refs, err := m.Predict(context.Background(), "???", 5)
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestUpvoteOutranksOverlap(t *testing.T) {
	m := seedModel(t)
	ctx := context.Background()

	refs, err := m.Predict(ctx, "vacation days", 5)
	require.NoError(t, err)
	require.Equal(t, "handbook", refs[0].DocID)

	// Boost the refund chunk for the same query; feedback outweighs overlap.
	policyRefs, err := m.Predict(ctx, "refund policy", 1)
	require.NoError(t, err)
	require.NoError(t, m.Upvote(ctx, []uint64{policyRefs[0].ChunkID}, []string{"vacation days"}))

	refs, err = m.Predict(ctx, "vacation days", 5)
	require.NoError(t, err)
	require.Equal(t, "policy", refs[0].DocID)
}

func TestUpvoteArityMismatch(t *testing.T) {
	m := seedModel(t)
	require.Error(t, m.Upvote(context.Background(), []uint64{1, 2}, []string{"one"}))
}

func TestAssociateExpandsQuery(t *testing.T) {
	m := seedModel(t)
	ctx := context.Background()

	refs, err := m.Predict(ctx, "pto", 5)
	require.NoError(t, err)
	require.Empty(t, refs)

	require.NoError(t, m.Associate(ctx, []string{"pto"}, []string{"vacation"}))

	refs, err = m.Predict(ctx, "pto", 5)
	require.NoError(t, err)
	require.NotEmpty(t, refs)
	require.Equal(t, "handbook", refs[0].DocID)
}

func TestDeleteRemovesDocuments(t *testing.T) {
	m := seedModel(t)
	ctx := context.Background()

	require.NoError(t, m.Delete(ctx, []string{"policy"}))

	refs, err := m.Predict(ctx, "refund policy", 5)
	require.NoError(t, err)
	for _, ref := range refs {
		require.NotEqual(t, "policy", ref.DocID)
	}
}

func TestInsertRejectsEmptyText(t *testing.T) {
	m := NewEmptyModel()
	require.Error(t, m.Insert(context.Background(), []Document{{DocID: "empty"}}))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m := seedModel(t)
	require.NoError(t, m.Associate(ctx, []string{"pto"}, []string{"vacation"}))
	require.NoError(t, m.Save(dir))

	loaded, err := LoadModel(dir)
	require.NoError(t, err)

	// Both overlap and learned synonyms survive the round trip.
	refs, err := loaded.Predict(ctx, "pto", 5)
	require.NoError(t, err)
	require.NotEmpty(t, refs)
	require.Equal(t, "handbook", refs[0].DocID)
}

func TestLoadModelMissingArtifact(t *testing.T) {
	_, err := LoadModel(t.TempDir())
	require.Error(t, err)
}
