package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/storage"
	"github.com/bazaar-ml/bazaar/internal/worker/updatelog"
)

const (
	lockFileName   = "WRITER.lock"
	markerFileName = "SNAPSHOT"
	offsetsName    = "offsets.json"

	// The writer saves after this much quiet time with unpersisted updates,
	// or immediately once this many accumulate.
	saveIdleWindow   = 10 * time.Second
	saveUpdateBurst  = 100
	replayInterval   = 1 * time.Second
	logPruneIdleTime = 10 * time.Minute
)

// AcquireWriterLock elects the writer by exclusively creating
// {artifactDir}/WRITER.lock. Exactly one replica wins even when the
// scheduler's placement constraint is misconfigured; the rest serve
// read-only. The returned release removes the lock.
func AcquireWriterLock(artifactDir, replicaID string) (release func(), err error) {
	path := filepath.Join(artifactDir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("worker: acquiring writer lock: %w", err)
	}
	fmt.Fprintf(f, "%s %d\n", replicaID, os.Getpid())
	f.Close()
	return func() { os.Remove(path) }, nil
}

// Writer is the single replica that materializes update logs into the model
// snapshot.
type Writer struct {
	model       Model
	applier     *modelApplier
	replayer    *updatelog.Replayer
	artifactDir string
	logger      *zap.Logger

	// pending counts records applied since the last durable save.
	pending   int
	lastApply time.Time
}

// NewWriter builds the writer over an already-loaded read-write model. It
// restores replay offsets persisted with the previous snapshot.
func NewWriter(model Model, deploymentDir, artifactDir string, logger *zap.Logger) (*Writer, error) {
	w := &Writer{
		model:       model,
		applier:     &modelApplier{model: model},
		artifactDir: artifactDir,
		logger:      logger.Named("writer"),
	}
	w.replayer = updatelog.NewReplayer(deploymentDir, w.applier, logger)
	if err := w.replayer.LoadOffsets(filepath.Join(artifactDir, offsetsName)); err != nil {
		return nil, err
	}
	return w, nil
}

// Run tails the update logs until ctx is cancelled. Each pass replays new
// records, then saves once the burst threshold is hit or the logs have been
// idle with unpersisted updates for the save window.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(replayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final save so a drained log is never replayed again.
			if w.pending > 0 {
				if err := w.save(); err != nil {
					w.logger.Error("final save failed", zap.Error(err))
				}
			}
			return
		case <-ticker.C:
		}

		applied, err := w.replayer.Replay(ctx)
		if err != nil {
			w.logger.Error("replay pass failed", zap.Error(err))
			continue
		}
		if applied > 0 {
			w.pending += applied
			w.lastApply = time.Now()
		}

		if w.pending == 0 {
			continue
		}
		if w.pending >= saveUpdateBurst || time.Since(w.lastApply) >= saveIdleWindow {
			if err := w.save(); err != nil {
				w.logger.Error("snapshot save failed", zap.Error(err))
			}
		}
	}
}

// save persists the model, the replay offsets, and the timestamp marker, in
// that order. Offsets never run ahead of the snapshot, so a crash between
// steps only re-applies commutative records. Fully-applied logs from
// long-quiet replicas are pruned afterwards.
func (w *Writer) save() error {
	if err := w.model.Save(w.artifactDir); err != nil {
		return err
	}
	if err := w.replayer.SaveOffsets(filepath.Join(w.artifactDir, offsetsName)); err != nil {
		return err
	}
	if err := w.touchMarker(); err != nil {
		return err
	}
	w.logger.Info("snapshot saved", zap.Int("updates", w.pending))
	w.pending = 0

	if err := w.replayer.PruneApplied(logPruneIdleTime); err != nil {
		w.logger.Warn("pruning applied logs failed", zap.Error(err))
	}
	return nil
}

// Save forces an immediate snapshot, used by the /save endpoint.
func (w *Writer) Save() error { return w.save() }

// touchMarker rewrites the marker replicas watch for reloads.
func (w *Writer) touchMarker() error {
	path := filepath.Join(w.artifactDir, markerFileName)
	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano) + "\n")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, stamp, 0o644); err != nil {
		return fmt.Errorf("worker: writing marker: %w", err)
	}
	return os.Rename(tmp, path)
}

// DocFetcher resolves insert file references into documents.
type DocFetcher func(ctx context.Context, files []updatelog.FileInfo) ([]Document, error)

// modelApplier adapts a Model to the replayer's Applier with an exhaustive
// switch over the record kinds.
type modelApplier struct {
	model Model

	// FetchDocs resolves insert file references into documents. Wired by
	// the runtime to the storage registry; nil means local files only.
	FetchDocs DocFetcher
}

func (a *modelApplier) Apply(ctx context.Context, record *updatelog.Record) error {
	switch record.Kind {
	case updatelog.KindUpvote:
		return a.model.Upvote(ctx, record.Upvote.ChunkIDs, record.Upvote.Queries)
	case updatelog.KindAssociate:
		return a.model.Associate(ctx, record.Associate.Sources, record.Associate.Targets)
	case updatelog.KindImplicitUpvote:
		return a.model.Upvote(ctx,
			[]uint64{record.ImplicitUpvote.ChunkID},
			[]string{record.ImplicitUpvote.Query})
	case updatelog.KindInsert:
		docs, err := a.fetch(ctx, record.Insert.Files)
		if err != nil {
			return err
		}
		return a.model.Insert(ctx, docs)
	case updatelog.KindDelete:
		return a.model.Delete(ctx, record.Delete.DocIDs)
	default:
		return fmt.Errorf("%w: unknown kind %q", updatelog.ErrMalformed, record.Kind)
	}
}

func (a *modelApplier) fetch(ctx context.Context, files []updatelog.FileInfo) ([]Document, error) {
	if a.FetchDocs != nil {
		return a.FetchDocs(ctx, files)
	}
	docs := make([]Document, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file.Path)
		if err != nil {
			return nil, fmt.Errorf("worker: reading insert file: %w", err)
		}
		docID := file.SourceID
		if docID == "" {
			docID = filepath.Base(file.Path)
		}
		docs = append(docs, Document{DocID: docID, Source: file.Path, Text: string(data)})
	}
	return docs, nil
}

// NewStorageFetcher builds a DocFetcher over the storage registry, so
// update-log inserts may reference s3://, azure://, and gs:// objects.
// Remote files land under scratchDir before being read; plain paths are
// read in place.
func NewStorageFetcher(registry *storage.Registry, scratchDir string) DocFetcher {
	return func(ctx context.Context, files []updatelog.FileInfo) ([]Document, error) {
		docs := make([]Document, 0, len(files))
		for _, file := range files {
			local := file.Path
			if strings.Contains(file.Path, "://") {
				provider, err := registry.ForURI(ctx, file.Path)
				if err != nil {
					return nil, err
				}
				if err := os.MkdirAll(scratchDir, 0o755); err != nil {
					return nil, fmt.Errorf("worker: creating scratch dir: %w", err)
				}
				local = filepath.Join(scratchDir, filepath.Base(file.Path))
				if err := provider.DownloadFile(ctx, file.Path, local); err != nil {
					return nil, fmt.Errorf("worker: downloading %s: %w", file.Path, err)
				}
			}
			data, err := os.ReadFile(local)
			if err != nil {
				return nil, fmt.Errorf("worker: reading insert file: %w", err)
			}
			docID := file.SourceID
			if docID == "" {
				docID = filepath.Base(file.Path)
			}
			docs = append(docs, Document{DocID: docID, Source: file.Path, Text: string(data)})
		}
		return docs, nil
	}
}

// WatchMarker watches the snapshot marker and invokes reload on every
// change. Replicas run it in a goroutine; it returns when ctx is cancelled.
func WatchMarker(ctx context.Context, artifactDir string, reload func(), logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("worker: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(artifactDir); err != nil {
		return fmt.Errorf("worker: watching %s: %w", artifactDir, err)
	}

	marker := filepath.Join(artifactDir, markerFileName)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// The marker lands via rename; some platforms surface that as
			// Create, others as Rename.
			if event.Name == marker && event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				logger.Info("snapshot marker changed, reloading model")
				reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("marker watch error", zap.Error(err))
		}
	}
}
