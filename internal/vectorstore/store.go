// Package vectorstore implements the session vector store (C6): a
// per-session 384-dimension vector map with cosine top-k search and
// optional metadata filtering. It is owned exclusively by its session
// actor; there is no cross-session sharing.
package vectorstore

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fabstir/llm-node/internal/apperrors"
)

// Dimensions is the fixed vector width every entry in a store must have.
const Dimensions = 384

// MaxMetadataBytes is the serialized size cap for an entry's metadata.
const MaxMetadataBytes = 10 * 1024

// MaxSearchK is the upper bound on a single search's k.
const MaxSearchK = 100

// DefaultMaxVectors is the default per-store entry cap.
const DefaultMaxVectors = 100_000

// MaxBatchUpload is the per-frame vector upload cap (§6.1).
const MaxBatchUpload = 1000

// Entry is one stored vector.
type Entry struct {
	ID         string
	Vector     [Dimensions]float32
	Metadata   map[string]any
	InsertedAt time.Time
}

// SearchResult is one ranked hit.
type SearchResult struct {
	ID       string
	Score    float32
	Metadata map[string]any
}

// Store is a session-scoped vector store.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	maxVectors int
}

// New creates a Store bounded by maxVectors (0 uses DefaultMaxVectors).
func New(maxVectors int) *Store {
	if maxVectors <= 0 {
		maxVectors = DefaultMaxVectors
	}
	return &Store{
		entries:    make(map[string]*Entry),
		maxVectors: maxVectors,
	}
}

// Add validates and inserts (or replaces, on duplicate id) vec under id.
func (s *Store) Add(id string, vec [Dimensions]float32, metadata map[string]any) error {
	for _, f := range vec {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return apperrors.New(apperrors.Validation, "vectorstore.Add", "vector components must be finite")
		}
	}

	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return apperrors.Wrap(apperrors.Validation, "vectorstore.Add", err)
		}
		if len(b) > MaxMetadataBytes {
			return apperrors.New(apperrors.Validation, "vectorstore.Add", "metadata exceeds 10KiB cap")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; !exists && len(s.entries) >= s.maxVectors {
		return apperrors.New(apperrors.Validation, "vectorstore.Add", "store is at max_vectors capacity")
	}

	s.entries[id] = &Entry{ID: id, Vector: vec, Metadata: metadata, InsertedAt: time.Now()}
	return nil
}

// AddBatch inserts up to MaxBatchUpload entries; replace clears the store
// first when true.
func (s *Store) AddBatch(entries []Entry, replace bool) error {
	if len(entries) > MaxBatchUpload {
		return apperrors.New(apperrors.Validation, "vectorstore.AddBatch", "batch exceeds 1000 vectors")
	}
	if replace {
		s.Clear()
	}
	for _, e := range entries {
		if err := s.Add(e.ID, e.Vector, e.Metadata); err != nil {
			return err
		}
	}
	return nil
}

// MetadataFilter reports whether an entry's metadata matches a search
// constraint. A nil filter matches everything.
type MetadataFilter func(metadata map[string]any) bool

// Search returns the top-k entries by cosine similarity to query,
// optionally constrained by threshold (minimum score) and filter.
func (s *Store) Search(query [Dimensions]float32, k int, threshold *float32, filter MetadataFilter) ([]SearchResult, time.Duration, error) {
	if k <= 0 || k > MaxSearchK {
		return nil, 0, apperrors.New(apperrors.Validation, "vectorstore.Search", "k must be in [1,100]")
	}

	start := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]SearchResult, 0, len(s.entries))
	for _, e := range s.entries {
		if filter != nil && !filter(e.Metadata) {
			continue
		}
		score := cosineSimilarity(query, e.Vector)
		if threshold != nil && score < *threshold {
			continue
		}
		results = append(results, SearchResult{ID: e.ID, Score: score, Metadata: e.Metadata})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}

	return results, time.Since(start), nil
}

// Delete removes id, reporting whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}

// Count returns the number of stored vectors.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry)
}

func cosineSimilarity(a, b [Dimensions]float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
