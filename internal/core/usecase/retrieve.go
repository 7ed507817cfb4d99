package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
	"github.com/kirillkom/knowledge-indexer/internal/core/ports"
)

const DefaultTopK = 5

type RetrievalUseCase struct {
	embedder    ports.Embedder
	store       ports.VectorStore
	defaultTopK int
	metrics     ports.RetrievalMetrics
}

func NewRetrievalUseCase(embedder ports.Embedder, store ports.VectorStore, defaultTopK int, metrics ports.RetrievalMetrics) *RetrievalUseCase {
	if defaultTopK <= 0 {
		defaultTopK = DefaultTopK
	}
	if metrics == nil {
		metrics = nopRetrievalMetrics{}
	}
	return &RetrievalUseCase{
		embedder:    embedder,
		store:       store,
		defaultTopK: defaultTopK,
		metrics:     metrics,
	}
}

// Retrieve returns the k most similar fragments. An empty index answers with
// NoKnowledge and never calls the embedding endpoint.
func (uc *RetrievalUseCase) Retrieve(ctx context.Context, query string, k int) (result domain.RetrievalResult, err error) {
	started := time.Now()
	defer func() {
		uc.metrics.ObserveRetrieval(time.Since(started), len(result.Hits), result.NoKnowledge, err)
	}()

	query = strings.TrimSpace(query)
	if query == "" {
		return domain.RetrievalResult{}, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("empty query"))
	}
	if k <= 0 {
		k = uc.defaultTopK
	}

	result = domain.RetrievalResult{Query: query, Hits: []domain.ScoredEntry{}}
	if uc.store.Len() == 0 {
		result.NoKnowledge = true
		return result, nil
	}

	queryVector, err := uc.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return domain.RetrievalResult{}, fmt.Errorf("embed query: %w", err)
	}

	hits, err := uc.store.Search(ctx, queryVector, k)
	if err != nil {
		return domain.RetrievalResult{}, fmt.Errorf("search vector store: %w", err)
	}
	result.Hits = hits
	result.NoKnowledge = len(hits) == 0
	return result, nil
}

// FormatContext renders hits as numbered context blocks for an answer generator,
// returning the blocks and one citation per hit.
func FormatContext(hits []domain.ScoredEntry) (string, []string) {
	var b strings.Builder
	citations := make([]string, 0, len(hits))
	for i, hit := range hits {
		citation := hit.Entry.Citation()
		citations = append(citations, citation)
		fmt.Fprintf(&b, "[%d] Source: %s\n%s\n\n", i+1, citation, hit.Entry.Text)
	}
	return strings.TrimRight(b.String(), "\n"), citations
}
