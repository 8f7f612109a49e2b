package updatelog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingApplier collects applied records and can be told to fail.
type recordingApplier struct {
	applied []Record
	failOn  func(*Record) error
}

func (a *recordingApplier) Apply(_ context.Context, record *Record) error {
	if a.failOn != nil {
		if err := a.failOn(record); err != nil {
			return err
		}
	}
	a.applied = append(a.applied, *record)
	return nil
}

func upvoteRecord(query string) *Record {
	return &Record{
		Kind:   KindUpvote,
		Upvote: &Upvote{ChunkIDs: []uint64{1}, Queries: []string{query}},
	}
}

func TestValidateRejectsMismatchedPayload(t *testing.T) {
	cases := []Record{
		{Kind: KindUpvote},
		{Kind: KindUpvote, Upvote: &Upvote{ChunkIDs: []uint64{1, 2}, Queries: []string{"only one"}}},
		{Kind: KindAssociate, Associate: &Associate{Sources: []string{"a"}, Targets: nil}},
		{Kind: KindImplicitUpvote, ImplicitUpvote: &ImplicitUpvote{ChunkID: 3}},
		{Kind: KindInsert, Insert: &Insert{Files: []FileInfo{{Path: ""}}}},
		{Kind: KindDelete, Delete: &Delete{}},
		{Kind: Kind("downvote")},
	}
	for _, record := range cases {
		require.ErrorIs(t, record.Validate(), ErrMalformed, "record kind %s", record.Kind)
	}
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	appender := NewAppender(dir, uuid.New())
	defer appender.Close()

	require.NoError(t, appender.Append(upvoteRecord("first")))
	require.NoError(t, appender.Append(upvoteRecord("second")))
	require.NoError(t, appender.Append(&Record{
		Kind:   KindDelete,
		Delete: &Delete{DocIDs: []string{"doc-1"}},
	}))

	applier := &recordingApplier{}
	replayer := NewReplayer(dir, applier, zap.NewNop())

	applied, err := replayer.Replay(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, applied)
	require.Len(t, applier.applied, 3)
}

func TestReplayIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	appender := NewAppender(dir, uuid.New())
	defer appender.Close()
	require.NoError(t, appender.Append(upvoteRecord("once")))

	applier := &recordingApplier{}
	replayer := NewReplayer(dir, applier, zap.NewNop())

	applied, err := replayer.Replay(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	// A second pass over the same bytes applies nothing.
	applied, err = replayer.Replay(context.Background())
	require.NoError(t, err)
	require.Zero(t, applied)

	// New appends after the pass are picked up.
	require.NoError(t, appender.Append(upvoteRecord("twice")))
	applied, err = replayer.Replay(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	require.Len(t, applier.applied, 2)
}

func TestOffsetsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	offsetsPath := filepath.Join(dir, "offsets.json")
	appender := NewAppender(dir, uuid.New())
	defer appender.Close()
	require.NoError(t, appender.Append(upvoteRecord("persisted")))

	first := NewReplayer(dir, &recordingApplier{}, zap.NewNop())
	applied, err := first.Replay(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	require.NoError(t, first.SaveOffsets(offsetsPath))

	// A fresh replayer resuming from the saved offsets re-applies nothing.
	second := NewReplayer(dir, &recordingApplier{}, zap.NewNop())
	require.NoError(t, second.LoadOffsets(offsetsPath))
	applied, err = second.Replay(context.Background())
	require.NoError(t, err)
	require.Zero(t, applied)
}

func TestPoisonQuarantineAfterRepeatedFailures(t *testing.T) {
	dir := t.TempDir()
	appender := NewAppender(dir, uuid.New())
	defer appender.Close()

	require.NoError(t, appender.Append(upvoteRecord("bad")))
	require.NoError(t, appender.Append(upvoteRecord("good")))

	failure := errors.New("index corrupt for this chunk")
	applier := &recordingApplier{failOn: func(r *Record) error {
		if r.Upvote != nil && r.Upvote.Queries[0] == "bad" {
			return failure
		}
		return nil
	}}
	replayer := NewReplayer(dir, applier, zap.NewNop())

	// The bad record blocks its file until the poison threshold.
	for i := 0; i < poisonThreshold-1; i++ {
		applied, err := replayer.Replay(context.Background())
		require.NoError(t, err)
		require.Zero(t, applied)
	}

	// On the threshold pass the record is quarantined and the rest of the
	// file drains.
	applied, err := replayer.Replay(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	require.Len(t, applier.applied, 1)
	require.Equal(t, "good", applier.applied[0].Upvote.Queries[0])

	// The quarantined line landed in the .poison sidecar.
	matches, err := filepath.Glob(filepath.Join(dir, string(KindUpvote), "*.poison"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	poisoned, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	require.Contains(t, string(poisoned), `"bad"`)

	pending, err := replayer.Pending()
	require.NoError(t, err)
	require.False(t, pending)
}

func TestPartialTrailingLineIsSkipped(t *testing.T) {
	dir := t.TempDir()
	replicaID := uuid.New()
	appender := NewAppender(dir, replicaID)
	defer appender.Close()
	require.NoError(t, appender.Append(upvoteRecord("complete")))

	// Simulate a replica mid-append: valid JSON but no trailing newline yet.
	logPath := filepath.Join(dir, string(KindUpvote), replicaID.String()+".jsonl")
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"kind":"upvote","upvote":{"chunk_ids":[2],"queries":["partial`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	applier := &recordingApplier{}
	replayer := NewReplayer(dir, applier, zap.NewNop())

	applied, err := replayer.Replay(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	pending, err := replayer.Pending()
	require.NoError(t, err)
	require.True(t, pending)
}

func TestPruneAppliedKeepsBusyFiles(t *testing.T) {
	dir := t.TempDir()
	appender := NewAppender(dir, uuid.New())
	defer appender.Close()
	require.NoError(t, appender.Append(upvoteRecord("done")))

	replayer := NewReplayer(dir, &recordingApplier{}, zap.NewNop())
	_, err := replayer.Replay(context.Background())
	require.NoError(t, err)

	// The file was just written, so the idle guard keeps it.
	require.NoError(t, replayer.PruneApplied(time.Hour))
	matches, err := filepath.Glob(filepath.Join(dir, string(KindUpvote), "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	// With no idle guard it is deleted.
	require.NoError(t, replayer.PruneApplied(0))
	matches, err = filepath.Glob(filepath.Join(dir, string(KindUpvote), "*.jsonl"))
	require.NoError(t, err)
	require.Empty(t, matches)
}
