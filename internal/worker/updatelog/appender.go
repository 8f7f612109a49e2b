package updatelog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Appender writes records for one replica. Each kind gets its own file,
// {deploymentDir}/{kind}/{replicaID}.jsonl, so parallel replicas never
// collide. Every append is fsynced before returning: once the endpoint
// answers 200, the record survives a crash.
type Appender struct {
	dir       string
	replicaID uuid.UUID

	mu    sync.Mutex
	files map[Kind]*os.File
}

// NewAppender creates an Appender rooted at the deployment dir. Files are
// created lazily on first append of each kind.
func NewAppender(deploymentDir string, replicaID uuid.UUID) *Appender {
	return &Appender{
		dir:       deploymentDir,
		replicaID: replicaID,
		files:     make(map[Kind]*os.File),
	}
}

// Append validates the record and appends it as one JSON line. Malformed
// records return ErrMalformed without touching the log.
func (a *Appender) Append(record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("updatelog: encoding record: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := a.file(record.Kind)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("updatelog: appending record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("updatelog: syncing log: %w", err)
	}
	return nil
}

// file returns the cached handle for kind, opening it if needed. Caller
// holds mu.
func (a *Appender) file(kind Kind) (*os.File, error) {
	if f, ok := a.files[kind]; ok {
		return f, nil
	}
	dir := filepath.Join(a.dir, string(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("updatelog: creating log dir: %w", err)
	}
	path := filepath.Join(dir, a.replicaID.String()+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("updatelog: opening %s: %w", path, err)
	}
	a.files[kind] = f
	return f, nil
}

// Close releases all open log files.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for kind, f := range a.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.files, kind)
	}
	return firstErr
}
