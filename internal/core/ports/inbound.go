package ports

import (
	"context"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

// IndexService is the inbound contract for incremental and full reindexing.
type IndexService interface {
	Reindex(ctx context.Context, req domain.ReindexRequest, progress ProgressReporter) (domain.IndexReport, error)
	Rebuild(ctx context.Context, req domain.ReindexRequest, progress ProgressReporter) (domain.IndexReport, error)
}

// RetrievalService answers similarity queries against the index.
type RetrievalService interface {
	Retrieve(ctx context.Context, query string, k int) (domain.RetrievalResult, error)
}

// CrawlIndexService crawls a site and indexes the pages it finds.
type CrawlIndexService interface {
	CrawlAndIndex(ctx context.Context, req domain.CrawlRequest, progress ProgressReporter) (domain.IndexReport, error)
}
