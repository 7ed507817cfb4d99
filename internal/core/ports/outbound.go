package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

// ObjectStorage stores uploaded source documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context) ([]domain.StoredObject, error)
}

// Extractor turns a document into located text sections.
type Extractor interface {
	Extract(ctx context.Context, doc domain.Document) ([]domain.Section, error)
}

// Chunker splits text into overlapping fragments.
type Chunker interface {
	Split(text string) []string
}

// Embedder builds vectors for fragment and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// VectorStore holds the entry list and the aligned vector matrix.
type VectorStore interface {
	Append(ctx context.Context, vectors [][]float32, entries []domain.IndexEntry) error
	Rewrite(ctx context.Context, keep func(domain.IndexEntry) bool) (int, error)
	Reset(ctx context.Context) error
	Search(ctx context.Context, query []float32, k int) ([]domain.ScoredEntry, error)
	Entries() []domain.IndexEntry
	Len() int
	Dimension() int
}

// ManifestStore persists the per-source fingerprints of the last successful index.
type ManifestStore interface {
	Load(ctx context.Context) (domain.Manifest, error)
	Save(ctx context.Context, manifest domain.Manifest) error
}

// Crawler walks a site breadth-first and returns the visible text of its pages.
type Crawler interface {
	Crawl(ctx context.Context, req domain.CrawlRequest, progress ProgressReporter) (domain.CrawlResult, error)
	// Scope reports which URLs a crawl from seed could have reached.
	Scope(seed string) func(source string) bool
}

// ProgressReporter receives progress from a running job and gates it at safe points.
type ProgressReporter interface {
	SetState(state domain.JobState, message string)
	SetTotal(total int)
	Advance(n int, message string)
	// Checkpoint blocks while the job is paused and returns an error once it is cancelled.
	Checkpoint(ctx context.Context) error
}

// JobEventPublisher announces job lifecycle transitions.
type JobEventPublisher interface {
	PublishJobEvent(ctx context.Context, event domain.JobEvent) error
}

// JobRequestSource delivers remote job requests.
type JobRequestSource interface {
	SubscribeJobRequests(ctx context.Context, handler func(context.Context, domain.JobRequest) error) error
}

// IndexMetrics observes embedding batches and finished reindex runs.
type IndexMetrics interface {
	ObserveEmbedBatch(fragments int, duration time.Duration, err error)
	ObserveReindex(report domain.IndexReport)
}

// RetrievalMetrics observes retrieval calls.
type RetrievalMetrics interface {
	ObserveRetrieval(duration time.Duration, hits int, noKnowledge bool, err error)
}

// CrawlMetrics observes crawler fetches by outcome.
type CrawlMetrics interface {
	ObserveCrawlFetch(outcome string)
}

// JobRequestPublisher asks a worker to start a background job.
type JobRequestPublisher interface {
	PublishJobRequest(ctx context.Context, req domain.JobRequest) error
}

// JobMetrics observes background job lifecycles.
type JobMetrics interface {
	JobStarted(kind domain.JobKind)
	JobFinished(kind domain.JobKind, state domain.JobState, duration time.Duration)
}
