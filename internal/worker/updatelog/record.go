// Package updatelog implements the durable update log between stateless read
// replicas and the single writer. Replicas append self-describing records to
// replica-local .jsonl files; the writer replays them in (mtime, offset)
// order and materializes them into the model snapshot. All record kinds
// commute, so cross-file ordering beyond that is not required.
package updatelog

import (
	"errors"
	"fmt"
)

// Kind tags a Record variant. The set is closed; every switch over it is
// exhaustive with a default that rejects unknown tags.
type Kind string

const (
	KindUpvote         Kind = "upvote"
	KindAssociate      Kind = "associate"
	KindImplicitUpvote Kind = "implicit_upvote"
	KindInsert         Kind = "insert"
	KindDelete         Kind = "delete"
)

// Kinds lists every record kind, in the order their log subdirectories are
// scanned.
func Kinds() []Kind {
	return []Kind{KindUpvote, KindAssociate, KindImplicitUpvote, KindInsert, KindDelete}
}

// ErrMalformed is returned when a record fails validation. Malformed input
// is rejected before append; it never reaches the log.
var ErrMalformed = errors.New("updatelog: malformed record")

// FileInfo describes one document to ingest. Location is a URI understood by
// the storage registry; cloud-hosted files are downloaded before indexing.
type FileInfo struct {
	Path     string            `json:"path"`
	SourceID string            `json:"source_id,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

// Upvote boosts chunks for the queries that retrieved them.
type Upvote struct {
	ChunkIDs []uint64 `json:"chunk_ids"`
	Queries  []string `json:"queries"`
}

// Associate teaches the model that source phrases should retrieve what the
// target phrases retrieve.
type Associate struct {
	Sources []string `json:"sources"`
	Targets []string `json:"targets"`
}

// ImplicitUpvote is a single click-through signal.
type ImplicitUpvote struct {
	Query   string `json:"query"`
	ChunkID uint64 `json:"chunk_id"`
}

// Insert ingests new documents.
type Insert struct {
	Files []FileInfo `json:"files"`
}

// Delete removes documents by id.
type Delete struct {
	DocIDs []string `json:"doc_ids"`
}

// Record is the tagged union written as one JSON line. Exactly the variant
// named by Kind is non-nil.
type Record struct {
	Kind Kind `json:"kind"`

	Upvote         *Upvote         `json:"upvote,omitempty"`
	Associate      *Associate      `json:"associate,omitempty"`
	ImplicitUpvote *ImplicitUpvote `json:"implicit_upvote,omitempty"`
	Insert         *Insert         `json:"insert,omitempty"`
	Delete         *Delete         `json:"delete,omitempty"`
}

// Validate checks that the record carries exactly the payload its tag names
// and that the payload is non-empty.
func (r *Record) Validate() error {
	switch r.Kind {
	case KindUpvote:
		if r.Upvote == nil || len(r.Upvote.ChunkIDs) == 0 || len(r.Upvote.ChunkIDs) != len(r.Upvote.Queries) {
			return fmt.Errorf("%w: upvote requires equal-length chunk_ids and queries", ErrMalformed)
		}
	case KindAssociate:
		if r.Associate == nil || len(r.Associate.Sources) == 0 || len(r.Associate.Sources) != len(r.Associate.Targets) {
			return fmt.Errorf("%w: associate requires equal-length sources and targets", ErrMalformed)
		}
	case KindImplicitUpvote:
		if r.ImplicitUpvote == nil || r.ImplicitUpvote.Query == "" {
			return fmt.Errorf("%w: implicit_upvote requires a query", ErrMalformed)
		}
	case KindInsert:
		if r.Insert == nil || len(r.Insert.Files) == 0 {
			return fmt.Errorf("%w: insert requires at least one file", ErrMalformed)
		}
		for _, f := range r.Insert.Files {
			if f.Path == "" {
				return fmt.Errorf("%w: insert file without a path", ErrMalformed)
			}
		}
	case KindDelete:
		if r.Delete == nil || len(r.Delete.DocIDs) == 0 {
			return fmt.Errorf("%w: delete requires at least one doc id", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, r.Kind)
	}
	return nil
}
