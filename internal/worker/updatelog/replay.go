package updatelog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// poisonThreshold is the number of consecutive failures on one record before
// it is quarantined.
const poisonThreshold = 5

// Applier materializes one record into the model. Implemented by the
// writer's model handle.
type Applier interface {
	Apply(ctx context.Context, record *Record) error
}

// logFile is one replica log discovered by a scan.
type logFile struct {
	path    string
	modTime time.Time
	size    int64
}

// Replayer tails every replica log under the deployment dir and applies new
// records through an Applier. Per-file byte offsets make replay idempotent:
// re-running over the same files applies nothing new, and offsets persisted
// alongside the snapshot survive writer restarts.
type Replayer struct {
	dir     string
	applier Applier
	logger  *zap.Logger

	// offsets maps file path (relative to dir) to the byte offset of the
	// first unapplied record.
	offsets map[string]int64

	// failures counts consecutive apply failures per file. The counter
	// resets whenever the file's head record changes.
	failures map[string]int
}

// NewReplayer creates a Replayer with empty offsets. Call LoadOffsets to
// resume from a previous snapshot.
func NewReplayer(deploymentDir string, applier Applier, logger *zap.Logger) *Replayer {
	return &Replayer{
		dir:      deploymentDir,
		applier:  applier,
		logger:   logger.Named("replay"),
		offsets:  make(map[string]int64),
		failures: make(map[string]int),
	}
}

// LoadOffsets restores per-file offsets from the JSON file at path. A
// missing file is a fresh start.
func (r *Replayer) LoadOffsets(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("updatelog: reading offsets: %w", err)
	}
	if err := json.Unmarshal(data, &r.offsets); err != nil {
		return fmt.Errorf("updatelog: parsing offsets: %w", err)
	}
	return nil
}

// SaveOffsets persists the offsets atomically. Called by the writer right
// after a durable model save so offset state never runs ahead of the
// snapshot.
func (r *Replayer) SaveOffsets(path string) error {
	data, err := json.Marshal(r.offsets)
	if err != nil {
		return fmt.Errorf("updatelog: encoding offsets: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("updatelog: writing offsets: %w", err)
	}
	return os.Rename(tmp, path)
}

// scan lists every .jsonl log ordered by (mtime, path). Poison files are
// excluded.
func (r *Replayer) scan() ([]logFile, error) {
	var files []logFile
	for _, kind := range Kinds() {
		dir := filepath.Join(r.dir, string(kind))
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("updatelog: scanning %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			files = append(files, logFile{
				path:    filepath.Join(dir, entry.Name()),
				modTime: info.ModTime(),
				size:    info.Size(),
			})
		}
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].path < files[j].path
	})
	return files, nil
}

// Replay applies every unapplied record across all logs and returns how many
// were applied. A failing record stops its file for this pass (the rest of
// the files still run) until it either succeeds or hits the poison
// threshold and is quarantined.
func (r *Replayer) Replay(ctx context.Context) (int, error) {
	files, err := r.scan()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, file := range files {
		n, err := r.replayFile(ctx, file)
		applied += n
		if err != nil {
			r.logger.Warn("log file stalled",
				zap.String("file", file.path),
				zap.Int64("offset", r.offsets[r.rel(file.path)]),
				zap.Error(err))
		}
	}
	return applied, nil
}

func (r *Replayer) replayFile(ctx context.Context, file logFile) (int, error) {
	key := r.rel(file.path)
	offset := r.offsets[key]
	if offset >= file.size {
		return 0, nil
	}

	f, err := os.Open(file.path)
	if err != nil {
		return 0, fmt.Errorf("updatelog: opening %s: %w", file.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("updatelog: seeking %s: %w", file.path, err)
	}

	reader := bufio.NewReader(f)
	applied := 0
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// A partial trailing line is a replica mid-append; it is
			// picked up once the newline lands.
			return applied, nil
		}
		if err != nil {
			return applied, fmt.Errorf("updatelog: reading %s: %w", file.path, err)
		}

		if applyErr := r.applyLine(ctx, line); applyErr != nil {
			r.failures[key]++
			if r.failures[key] >= poisonThreshold {
				if perr := r.quarantine(file.path, line); perr != nil {
					return applied, perr
				}
				// The record is out of the way; advance past it.
				offset += int64(len(line))
				r.offsets[key] = offset
				r.failures[key] = 0
				continue
			}
			return applied, applyErr
		}

		offset += int64(len(line))
		r.offsets[key] = offset
		r.failures[key] = 0
		applied++
	}
}

func (r *Replayer) applyLine(ctx context.Context, line []byte) error {
	var record Record
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := record.Validate(); err != nil {
		return err
	}
	return r.applier.Apply(ctx, &record)
}

// quarantine appends the failing line to the log's .poison sidecar and
// raises an alert in the log.
func (r *Replayer) quarantine(path string, line []byte) error {
	poison, err := os.OpenFile(path+".poison", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("updatelog: opening poison file: %w", err)
	}
	defer poison.Close()
	if _, err := poison.Write(line); err != nil {
		return fmt.Errorf("updatelog: writing poison file: %w", err)
	}
	r.logger.Error("record quarantined after repeated failures",
		zap.String("file", path),
		zap.Int("threshold", poisonThreshold),
		zap.ByteString("record", line))
	return nil
}

// PruneApplied deletes fully-applied logs whose replica has gone quiet.
// Called only after a durable save, so no applied record is lost. idleAfter
// guards against deleting a file a live replica still has open.
func (r *Replayer) PruneApplied(idleAfter time.Duration) error {
	files, err := r.scan()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, file := range files {
		key := r.rel(file.path)
		if r.offsets[key] < file.size {
			continue
		}
		if now.Sub(file.modTime) < idleAfter {
			continue
		}
		if err := os.Remove(file.path); err != nil {
			return fmt.Errorf("updatelog: pruning %s: %w", file.path, err)
		}
		delete(r.offsets, key)
		delete(r.failures, key)
		r.logger.Info("pruned applied log", zap.String("file", file.path))
	}
	return nil
}

// Pending reports whether any file has unapplied bytes.
func (r *Replayer) Pending() (bool, error) {
	files, err := r.scan()
	if err != nil {
		return false, err
	}
	for _, file := range files {
		if r.offsets[r.rel(file.path)] < file.size {
			return true, nil
		}
	}
	return false, nil
}

func (r *Replayer) rel(path string) string {
	rel, err := filepath.Rel(r.dir, path)
	if err != nil {
		return path
	}
	return rel
}
