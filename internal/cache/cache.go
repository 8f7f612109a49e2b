// Package cache implements the semantic LLM-response cache. Entries persist
// in a bbolt file with one bucket per model; an in-memory token index,
// rebuilt on open, serves lookups. Similarity is token overlap between the
// incoming query and a cached query: |q ∩ c| / |q|. Per-model isolation is
// absolute: no operation ever reads or scores entries across buckets.
package cache

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ErrMiss is returned by Query when no cached entry clears the threshold.
var ErrMiss = errors.New("cache: miss")

const (
	// DefaultThreshold is the minimum overlap for a hit, overridable via
	// LLM_CACHE_THRESHOLD.
	DefaultThreshold = 0.95

	// maxCandidates bounds how many entries are scored per lookup and how
	// many suggestions are returned.
	maxCandidates = 5
)

// metaBucket holds per-model invalidation timestamps.
var metaBucket = []byte("__meta__")

// Entry is one cached LLM response.
type Entry struct {
	ModelID    uuid.UUID `json:"model_id"`
	QueryID    uuid.UUID `json:"query_id"`
	QueryText  string    `json:"query_text"`
	Response   string    `json:"llm_response"`
	InsertedAt int64     `json:"inserted_at"` // logical timestamp
}

// Hit is a successful Query result.
type Hit struct {
	Entry Entry
	Score float64
}

// Cache is the persistent semantic cache. Safe for concurrent use.
type Cache struct {
	db        *bolt.DB
	threshold float64
	logger    *zap.Logger

	mu sync.RWMutex
	// entries and tokens hold the working set per model. tokens maps each
	// token to the query ids containing it.
	entries map[uuid.UUID]map[uuid.UUID]*Entry
	tokens  map[uuid.UUID]map[string]map[uuid.UUID]struct{}
	// invalidatedAt records the logical timestamp of each model's last
	// invalidation; older inserts are discarded.
	invalidatedAt map[uuid.UUID]int64
}

// Open opens or creates the cache file at path and rebuilds the token index.
func Open(path string, threshold float64, logger *zap.Logger) (*Cache, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: opening %s: %w", path, err)
	}

	c := &Cache{
		db:            db,
		threshold:     threshold,
		logger:        logger.Named("cache"),
		entries:       make(map[uuid.UUID]map[uuid.UUID]*Entry),
		tokens:        make(map[uuid.UUID]map[string]map[uuid.UUID]struct{}),
		invalidatedAt: make(map[uuid.UUID]int64),
	}
	if err := c.rebuild(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying file.
func (c *Cache) Close() error { return c.db.Close() }

// Threshold returns the configured hit threshold.
func (c *Cache) Threshold() float64 { return c.threshold }

func (c *Cache) rebuild() error {
	return c.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			if string(name) == string(metaBucket) {
				return b.ForEach(func(k, v []byte) error {
					id, err := uuid.FromBytes(k)
					if err != nil || len(v) != 8 {
						return nil
					}
					c.invalidatedAt[id] = int64(binary.BigEndian.Uint64(v))
					return nil
				})
			}

			modelID, err := uuid.FromBytes(name)
			if err != nil {
				return nil
			}
			return b.ForEach(func(_, v []byte) error {
				var entry Entry
				if err := json.Unmarshal(v, &entry); err != nil {
					c.logger.Warn("skipping corrupt cache entry",
						zap.String("model_id", modelID.String()), zap.Error(err))
					return nil
				}
				c.indexLocked(&entry)
				return nil
			})
		})
	})
}

// indexLocked adds entry to the in-memory maps. Caller holds mu (or is the
// single-threaded rebuild).
func (c *Cache) indexLocked(entry *Entry) {
	modelID := entry.ModelID
	if c.entries[modelID] == nil {
		c.entries[modelID] = make(map[uuid.UUID]*Entry)
		c.tokens[modelID] = make(map[string]map[uuid.UUID]struct{})
	}
	c.entries[modelID][entry.QueryID] = entry
	for token := range tokenize(entry.QueryText) {
		if c.tokens[modelID][token] == nil {
			c.tokens[modelID][token] = make(map[uuid.UUID]struct{})
		}
		c.tokens[modelID][token][entry.QueryID] = struct{}{}
	}
}

// Insert stores one entry. Inserts carrying a timestamp at or before the
// model's last invalidation are discarded: they raced an Invalidate and lost.
func (c *Cache) Insert(entry Entry) error {
	if entry.QueryID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("cache: generating query id: %w", err)
		}
		entry.QueryID = id
	}
	if entry.InsertedAt == 0 {
		entry.InsertedAt = time.Now().UnixNano()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.InsertedAt <= c.invalidatedAt[entry.ModelID] {
		c.logger.Debug("discarding stale insert",
			zap.String("model_id", entry.ModelID.String()),
			zap.Int64("inserted_at", entry.InsertedAt))
		return nil
	}

	payload, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("cache: encoding entry: %w", err)
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(entry.ModelID[:])
		if err != nil {
			return err
		}
		return b.Put(entry.QueryID[:], payload)
	})
	if err != nil {
		return fmt.Errorf("cache: persisting entry: %w", err)
	}

	c.indexLocked(&entry)
	return nil
}

// Query scores the model's top candidates against the query and returns the
// best entry strictly above the threshold, or ErrMiss. A score equal to the
// threshold is a miss.
func (c *Cache) Query(modelID uuid.UUID, query string) (*Hit, error) {
	candidates := c.candidates(modelID, query)
	if len(candidates) == 0 || candidates[0].Score <= c.threshold {
		return nil, ErrMiss
	}
	hit := candidates[0]
	return &hit, nil
}

// Suggestions returns up to five deduplicated cached query texts that share
// tokens with the query, regardless of threshold. Frontends use them for
// typeahead.
func (c *Cache) Suggestions(modelID uuid.UUID, query string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, hit := range c.candidates(modelID, query) {
		text := hit.Entry.QueryText
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		out = append(out, text)
		if len(out) == maxCandidates {
			break
		}
	}
	return out
}

// candidates returns the model's entries ranked by overlap with query,
// capped at maxCandidates. Ties break toward newer entries.
func (c *Cache) candidates(modelID uuid.UUID, query string) []Hit {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[uuid.UUID]int)
	for token := range queryTokens {
		for queryID := range c.tokens[modelID][token] {
			counts[queryID]++
		}
	}

	hits := make([]Hit, 0, len(counts))
	for queryID, overlap := range counts {
		entry := c.entries[modelID][queryID]
		if entry == nil {
			continue
		}
		hits = append(hits, Hit{
			Entry: *entry,
			Score: float64(overlap) / float64(len(queryTokens)),
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Entry.InsertedAt > hits[j].Entry.InsertedAt
	})
	if len(hits) > maxCandidates {
		hits = hits[:maxCandidates]
	}
	return hits
}

// Invalidate drops every entry for the model and records timestamp as the
// model's invalidation point. Inserts stamped at or before it are discarded
// even if they arrive later.
func (c *Cache) Invalidate(modelID uuid.UUID, timestamp int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if timestamp > c.invalidatedAt[modelID] {
		c.invalidatedAt[modelID] = timestamp
	}

	err := c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(modelID[:]); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		var stamp [8]byte
		binary.BigEndian.PutUint64(stamp[:], uint64(c.invalidatedAt[modelID]))
		return meta.Put(modelID[:], stamp[:])
	})
	if err != nil {
		return fmt.Errorf("cache: invalidating model %s: %w", modelID, err)
	}

	delete(c.entries, modelID)
	delete(c.tokens, modelID)
	c.logger.Info("cache invalidated",
		zap.String("model_id", modelID.String()), zap.Int64("timestamp", timestamp))
	return nil
}

// tokenize lowercases and splits on non-alphanumeric runes, returning the
// set of distinct tokens.
func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		tokens[f] = struct{}{}
	}
	return tokens
}
