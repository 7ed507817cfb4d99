package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

type extractorFake struct {
	errs map[string]error
}

// Extract treats each "||"-separated part of the content as a page.
func (f *extractorFake) Extract(_ context.Context, doc domain.Document) ([]domain.Section, error) {
	if err := f.errs[doc.Source]; err != nil {
		return nil, err
	}
	text := string(doc.Content)
	if text == "" {
		return nil, nil
	}
	parts := strings.Split(text, "||")
	if len(parts) == 1 {
		return []domain.Section{{Text: text}}, nil
	}
	sections := make([]domain.Section, len(parts))
	for i, p := range parts {
		sections[i] = domain.Section{Location: fmt.Sprint(i + 1), Text: p}
	}
	return sections, nil
}

// chunkerFake emits one fragment per "|"-separated piece.
type chunkerFake struct{}

func (chunkerFake) Split(text string) []string {
	var out []string
	for _, piece := range strings.Split(text, "|") {
		if piece = strings.TrimSpace(piece); piece != "" {
			out = append(out, piece)
		}
	}
	return out
}

type embedderFake struct {
	mu     sync.Mutex
	model  string
	calls  [][]string
	failOn map[int]error
	queryN int
}

func (f *embedderFake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	if err := f.failOn[len(f.calls)]; err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = textVector(t)
	}
	return out, nil
}

func (f *embedderFake) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.queryN++
	f.mu.Unlock()
	return textVector(text), nil
}

func (f *embedderFake) Model() string {
	if f.model == "" {
		return "fake-embed"
	}
	return f.model
}

func (f *embedderFake) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func textVector(text string) []float32 {
	return []float32{float32(len(text)), float32(strings.Count(text, "a")) + 1, 1}
}

type memStore struct {
	mu        sync.Mutex
	dim       int
	vectors   [][]float32
	entries   []domain.IndexEntry
	appends   int
	resets    int
	appendErr error
	hits      []domain.ScoredEntry
}

func (s *memStore) Append(_ context.Context, vectors [][]float32, entries []domain.IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	if len(vectors) != len(entries) {
		return errors.New("mismatch")
	}
	s.appends++
	if s.dim == 0 && len(vectors) > 0 {
		s.dim = len(vectors[0])
	}
	s.vectors = append(s.vectors, vectors...)
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *memStore) Rewrite(_ context.Context, keep func(domain.IndexEntry) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var vectors [][]float32
	var entries []domain.IndexEntry
	for i, e := range s.entries {
		if keep(e) {
			vectors = append(vectors, s.vectors[i])
			entries = append(entries, e)
		}
	}
	removed := len(s.entries) - len(entries)
	s.vectors, s.entries = vectors, entries
	return removed, nil
}

func (s *memStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.vectors, s.entries = nil, nil
	return nil
}

func (s *memStore) Search(_ context.Context, _ []float32, k int) ([]domain.ScoredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.hits) > k {
		return s.hits[:k], nil
	}
	return s.hits, nil
}

func (s *memStore) Entries() []domain.IndexEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.IndexEntry(nil), s.entries...)
}

func (s *memStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *memStore) Dimension() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dim
}

func (s *memStore) texts() []string {
	var out []string
	for _, e := range s.Entries() {
		out = append(out, e.Text)
	}
	sort.Strings(out)
	return out
}

type manifestFake struct {
	manifest domain.Manifest
	saves    int
	loadErr  error
}

func (f *manifestFake) Load(context.Context) (domain.Manifest, error) {
	if f.loadErr != nil {
		return domain.Manifest{}, f.loadErr
	}
	if f.manifest.Sources == nil {
		return domain.NewManifest(), nil
	}
	copied := f.manifest
	copied.Sources = make(map[string]domain.ManifestEntry, len(f.manifest.Sources))
	for k, v := range f.manifest.Sources {
		copied.Sources[k] = v
	}
	return copied, nil
}

func (f *manifestFake) Save(_ context.Context, m domain.Manifest) error {
	f.saves++
	copied := m
	copied.Sources = make(map[string]domain.ManifestEntry, len(m.Sources))
	for k, v := range m.Sources {
		copied.Sources[k] = v
	}
	f.manifest = copied
	return nil
}

// progressFake records states and cancels the run after a number of checkpoints.
type progressFake struct {
	states      []domain.JobState
	total       int
	processed   int
	checkpoints int
	stopAfter   int
}

func (p *progressFake) SetState(state domain.JobState, _ string) { p.states = append(p.states, state) }
func (p *progressFake) SetTotal(total int)                       { p.total = total; p.processed = 0 }
func (p *progressFake) Advance(n int, _ string)                  { p.processed += n }
func (p *progressFake) Checkpoint(ctx context.Context) error {
	p.checkpoints++
	if p.stopAfter > 0 && p.checkpoints > p.stopAfter {
		return domain.ErrStopped
	}
	return ctx.Err()
}

type storageFake struct {
	files map[string]string
	saved map[string]string
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if f.saved == nil {
		f.saved = make(map[string]string)
	}
	f.saved[key] = string(raw)
	return nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	content, ok := f.files[key]
	if !ok {
		return nil, fmt.Errorf("open %s: not found", key)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func (f *storageFake) List(context.Context) ([]domain.StoredObject, error) {
	keys := make([]string, 0, len(f.files))
	for k := range f.files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]domain.StoredObject, 0, len(keys))
	for _, k := range keys {
		out = append(out, domain.StoredObject{Key: k, Size: int64(len(f.files[k])), ModTime: time.Unix(0, 0)})
	}
	return out, nil
}

type requestPublisherFake struct {
	requests []domain.JobRequest
	err      error
}

func (f *requestPublisherFake) PublishJobRequest(_ context.Context, req domain.JobRequest) error {
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

func textDoc(source, content string) domain.Document {
	return domain.Document{Source: source, Kind: domain.KindText, Content: []byte(content)}
}
