package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Reference is one ranked retrieval result.
type Reference struct {
	ChunkID uint64  `json:"chunk_id"`
	DocID   string  `json:"doc_id"`
	Source  string  `json:"source"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

// Document is one ingestable unit of text.
type Document struct {
	DocID  string `json:"doc_id"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

// Model is the artifact a deployment serves. Only the elected writer calls
// the mutating methods; replicas hold a read-only handle they swap out on
// reload.
type Model interface {
	Predict(ctx context.Context, query string, topK int) ([]Reference, error)
	Insert(ctx context.Context, docs []Document) error
	Delete(ctx context.Context, docIDs []string) error
	Upvote(ctx context.Context, chunkIDs []uint64, queries []string) error
	Associate(ctx context.Context, sources, targets []string) error
	Save(path string) error
}

const modelFileName = "model.json"

// LoadModel reads the artifact under dir. A missing file is an error: the
// control plane only deploys models whose training completed.
func LoadModel(dir string) (Model, error) {
	path := filepath.Join(dir, modelFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("worker: reading artifact %s: %w", path, err)
	}
	m := newIndexModel()
	if err := json.Unmarshal(data, &m.state); err != nil {
		return nil, fmt.Errorf("worker: parsing artifact %s: %w", path, err)
	}
	m.reindex()
	return m, nil
}

// NewEmptyModel returns an empty index, used by training jobs and tests.
func NewEmptyModel() Model { return newIndexModel() }

// chunk is one indexed span of a document.
type chunk struct {
	ChunkID uint64 `json:"chunk_id"`
	DocID   string `json:"doc_id"`
	Source  string `json:"source"`
	Text    string `json:"text"`
}

// modelState is the serialized artifact.
type modelState struct {
	NextChunkID uint64 `json:"next_chunk_id"`
	Chunks      []chunk `json:"chunks"`
	// Boosts maps a query token to chunk ids whose score it raises,
	// accumulated from upvote feedback.
	Boosts map[string][]uint64 `json:"boosts"`
	// Synonyms maps a source token to target tokens learned via associate.
	Synonyms map[string][]string `json:"synonyms"`
}

// indexModel is a token-overlap retrieval index with feedback boosts. It is
// deliberately small: the serving contract (ranked references, feedback
// application, atomic save) is what matters, not retrieval quality.
type indexModel struct {
	mu       sync.RWMutex
	state    modelState
	postings map[string]map[uint64]struct{}
	byID     map[uint64]*chunk
}

func newIndexModel() *indexModel {
	return &indexModel{
		state: modelState{
			NextChunkID: 1,
			Boosts:      make(map[string][]uint64),
			Synonyms:    make(map[string][]string),
		},
		postings: make(map[string]map[uint64]struct{}),
		byID:     make(map[uint64]*chunk),
	}
}

// reindex rebuilds the in-memory postings from the serialized state.
func (m *indexModel) reindex() {
	m.postings = make(map[string]map[uint64]struct{})
	m.byID = make(map[uint64]*chunk)
	for i := range m.state.Chunks {
		c := &m.state.Chunks[i]
		m.byID[c.ChunkID] = c
		for _, token := range tokens(c.Text) {
			if m.postings[token] == nil {
				m.postings[token] = make(map[uint64]struct{})
			}
			m.postings[token][c.ChunkID] = struct{}{}
		}
	}
	if m.state.Boosts == nil {
		m.state.Boosts = make(map[string][]uint64)
	}
	if m.state.Synonyms == nil {
		m.state.Synonyms = make(map[string][]string)
	}
}

func (m *indexModel) Predict(_ context.Context, query string, topK int) ([]Reference, error) {
	if topK <= 0 {
		topK = 5
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	queryTokens := tokens(query)
	expanded := make([]string, 0, len(queryTokens))
	for _, t := range queryTokens {
		expanded = append(expanded, t)
		expanded = append(expanded, m.state.Synonyms[t]...)
	}

	scores := make(map[uint64]float64)
	for _, token := range expanded {
		for id := range m.postings[token] {
			scores[id]++
		}
		for _, id := range m.state.Boosts[token] {
			scores[id] += 2 // feedback outweighs raw overlap
		}
	}

	refs := make([]Reference, 0, len(scores))
	for id, score := range scores {
		c, ok := m.byID[id]
		if !ok {
			continue
		}
		refs = append(refs, Reference{
			ChunkID: c.ChunkID, DocID: c.DocID, Source: c.Source,
			Text: c.Text, Score: score,
		})
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Score != refs[j].Score {
			return refs[i].Score > refs[j].Score
		}
		return refs[i].ChunkID < refs[j].ChunkID
	})
	if len(refs) > topK {
		refs = refs[:topK]
	}
	return refs, nil
}

func (m *indexModel) Insert(_ context.Context, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, doc := range docs {
		if doc.Text == "" {
			return fmt.Errorf("worker: document %q has no text", doc.DocID)
		}
		c := chunk{
			ChunkID: m.state.NextChunkID,
			DocID:   doc.DocID,
			Source:  doc.Source,
			Text:    doc.Text,
		}
		m.state.NextChunkID++
		m.state.Chunks = append(m.state.Chunks, c)
		stored := &m.state.Chunks[len(m.state.Chunks)-1]
		m.byID[c.ChunkID] = stored
		for _, token := range tokens(c.Text) {
			if m.postings[token] == nil {
				m.postings[token] = make(map[uint64]struct{})
			}
			m.postings[token][c.ChunkID] = struct{}{}
		}
	}
	return nil
}

func (m *indexModel) Delete(_ context.Context, docIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doomed := make(map[string]struct{}, len(docIDs))
	for _, id := range docIDs {
		doomed[id] = struct{}{}
	}

	kept := m.state.Chunks[:0]
	for _, c := range m.state.Chunks {
		if _, gone := doomed[c.DocID]; gone {
			delete(m.byID, c.ChunkID)
			for _, token := range tokens(c.Text) {
				delete(m.postings[token], c.ChunkID)
			}
			continue
		}
		kept = append(kept, c)
	}
	m.state.Chunks = kept
	m.reindex()
	return nil
}

func (m *indexModel) Upvote(_ context.Context, chunkIDs []uint64, queries []string) error {
	if len(chunkIDs) != len(queries) {
		return fmt.Errorf("worker: upvote arity mismatch: %d chunks, %d queries", len(chunkIDs), len(queries))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, id := range chunkIDs {
		for _, token := range tokens(queries[i]) {
			m.state.Boosts[token] = appendUnique(m.state.Boosts[token], id)
		}
	}
	return nil
}

func (m *indexModel) Associate(_ context.Context, sources, targets []string) error {
	if len(sources) != len(targets) {
		return fmt.Errorf("worker: associate arity mismatch: %d sources, %d targets", len(sources), len(targets))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, source := range sources {
		for _, st := range tokens(source) {
			for _, tt := range tokens(targets[i]) {
				m.state.Synonyms[st] = appendUniqueString(m.state.Synonyms[st], tt)
			}
		}
	}
	return nil
}

// Save writes the artifact atomically: temp file in the target dir, fsync,
// rename. Readers never observe a torn snapshot.
func (m *indexModel) Save(dir string) error {
	m.mu.RLock()
	data, err := json.Marshal(&m.state)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("worker: encoding artifact: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("worker: creating artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".model-*")
	if err != nil {
		return fmt.Errorf("worker: creating temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("worker: writing artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("worker: syncing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("worker: closing artifact: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, modelFileName))
}

func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func appendUnique(ids []uint64, id uint64) []uint64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func appendUniqueString(items []string, item string) []string {
	for _, existing := range items {
		if existing == item {
			return items
		}
	}
	return append(items, item)
}
