package filestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

// snapshot is an immutable view of the index. entries[i] describes row i of vectors.
type snapshot struct {
	generation uint64
	dim        int
	vectors    []float32
	entries    []domain.IndexEntry
}

func (s *snapshot) rows() int {
	return len(s.entries)
}

func (s *snapshot) row(i int) []float32 {
	return s.vectors[i*s.dim : (i+1)*s.dim]
}

// Store is a flat cosine-similarity index persisted under a directory.
// Readers work on an atomically published snapshot and never wait for writers;
// writers are serialized and publish only after the new state is durable.
type Store struct {
	dir        string
	configured int
	logger     *slog.Logger

	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

// Open loads the persisted index from dir. A dimension of zero adopts whatever is
// persisted (or the first appended batch); a non-zero dimension must match.
func Open(dir string, dimension int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dimension < 0 {
		return nil, domain.WrapError(domain.ErrConfiguration, "open vector store", fmt.Errorf("negative dimension %d", dimension))
	}

	snap, err := load(dir)
	if err != nil {
		return nil, err
	}
	switch {
	case snap == nil:
		snap = &snapshot{dim: dimension}
	case dimension != 0 && snap.dim != 0 && snap.dim != dimension:
		return nil, domain.WrapError(
			domain.ErrDimensionMismatch,
			"open vector store",
			fmt.Errorf("persisted dimension %d, configured %d", snap.dim, dimension),
		)
	case snap.dim == 0:
		snap.dim = dimension
	}

	s := &Store{dir: dir, configured: dimension, logger: logger}
	s.current.Store(snap)
	logger.Info("vector_store_opened", "dir", dir, "rows", snap.rows(), "dimension", snap.dim, "generation", snap.generation)
	return s, nil
}

func (s *Store) Len() int {
	return s.current.Load().rows()
}

func (s *Store) Dimension() int {
	return s.current.Load().dim
}

// Entries returns the current entry list. The slice is shared and must not be modified.
func (s *Store) Entries() []domain.IndexEntry {
	return s.current.Load().entries
}

// Append normalizes and persists vectors with their entries, then publishes them.
// On error nothing is published and the previous persisted state stays current.
// Each call writes a full generation, so cost grows with the store size.
func (s *Store) Append(ctx context.Context, vectors [][]float32, entries []domain.IndexEntry) error {
	if len(vectors) != len(entries) {
		return domain.WrapError(domain.ErrInvalidInput, "append vectors", fmt.Errorf("vectors/entries mismatch: %d/%d", len(vectors), len(entries)))
	}
	if len(vectors) == 0 {
		return nil
	}
	for i, entry := range entries {
		if err := validateEntry(entry); err != nil {
			return domain.WrapError(domain.ErrInvalidInput, "append vectors", fmt.Errorf("entry %d: %w", i, err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	cur := s.current.Load()
	dim := cur.dim
	if dim == 0 {
		dim = len(vectors[0])
	}

	added := make([]float32, 0, len(vectors)*dim)
	for i, v := range vectors {
		if len(v) != dim {
			return domain.WrapError(domain.ErrDimensionMismatch, "append vectors", fmt.Errorf("vector %d has dimension %d, store has %d", i, len(v), dim))
		}
		normalized, err := normalize(v)
		if err != nil {
			return domain.WrapError(domain.ErrInvalidInput, "append vectors", fmt.Errorf("vector %d: %w", i, err))
		}
		added = append(added, normalized...)
	}

	next := &snapshot{
		generation: cur.generation + 1,
		dim:        dim,
		vectors:    make([]float32, 0, len(cur.vectors)+len(added)),
		entries:    make([]domain.IndexEntry, 0, cur.rows()+len(entries)),
	}
	next.vectors = append(append(next.vectors, cur.vectors...), added...)
	next.entries = append(append(next.entries, cur.entries...), entries...)

	return s.commit(cur, next)
}

// Rewrite keeps only the entries accepted by keep and reports how many were removed.
func (s *Store) Rewrite(ctx context.Context, keep func(domain.IndexEntry) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cur := s.current.Load()
	next := &snapshot{
		generation: cur.generation + 1,
		dim:        cur.dim,
		vectors:    make([]float32, 0, len(cur.vectors)),
		entries:    make([]domain.IndexEntry, 0, cur.rows()),
	}
	for i, entry := range cur.entries {
		if keep(entry) {
			next.entries = append(next.entries, entry)
			next.vectors = append(next.vectors, cur.row(i)...)
		}
	}

	removed := cur.rows() - next.rows()
	if removed == 0 {
		return 0, nil
	}
	if err := s.commit(cur, next); err != nil {
		return 0, err
	}
	return removed, nil
}

// Reset empties the store. The dimension reverts to the configured one, so a store
// opened without a fixed dimension adopts the next appended batch's.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	cur := s.current.Load()
	return s.commit(cur, &snapshot{generation: cur.generation + 1, dim: s.configured})
}

// Search returns up to k entries by descending cosine similarity, ties broken by insertion order.
func (s *Store) Search(_ context.Context, query []float32, k int) ([]domain.ScoredEntry, error) {
	snap := s.current.Load()
	if snap.rows() == 0 || k <= 0 {
		return []domain.ScoredEntry{}, nil
	}
	if len(query) != snap.dim {
		return nil, domain.WrapError(domain.ErrDimensionMismatch, "search vectors", fmt.Errorf("query dimension %d, store has %d", len(query), snap.dim))
	}
	q, err := normalize(query)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "search vectors", err)
	}

	top := newTopK(min(k, snap.rows()))
	for i := 0; i < snap.rows(); i++ {
		top.offer(i, dot(q, snap.row(i)))
	}

	ranked := top.sorted()
	out := make([]domain.ScoredEntry, len(ranked))
	for i, c := range ranked {
		out[i] = domain.ScoredEntry{Entry: snap.entries[c.index], Score: c.score}
	}
	return out, nil
}

func (s *Store) commit(cur, next *snapshot) error {
	if err := persist(s.dir, next); err != nil {
		s.logger.Error("vector_store_persist_failed", "dir", s.dir, "generation", next.generation, "error", err)
		return fmt.Errorf("persist vector store: %w", err)
	}
	s.current.Store(next)
	removeGeneration(s.dir, cur.generation)
	s.logger.Debug("vector_store_committed", "generation", next.generation, "rows", next.rows())
	return nil
}

func validateEntry(entry domain.IndexEntry) error {
	if entry.Source == "" {
		return errors.New("empty source")
	}
	if entry.Text == "" {
		return errors.New("empty text")
	}
	return nil
}

func normalize(v []float32) ([]float32, error) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, errors.New("vector has no direction")
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
