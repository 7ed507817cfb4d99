package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
	"github.com/kirillkom/knowledge-indexer/internal/core/ports"
)

// CrawlIndexUseCase crawls a site and indexes each page as a text source keyed by its URL.
type CrawlIndexUseCase struct {
	crawler      ports.Crawler
	indexer      ports.IndexService
	pruneMissing bool
	logger       *slog.Logger
}

func NewCrawlIndexUseCase(crawler ports.Crawler, indexer ports.IndexService, pruneMissing bool, logger *slog.Logger) *CrawlIndexUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &CrawlIndexUseCase{
		crawler:      crawler,
		indexer:      indexer,
		pruneMissing: pruneMissing,
		logger:       logger,
	}
}

// CrawlAndIndex crawls req.Seed and indexes the fetched pages. A stopped crawl still
// indexes the pages fetched before the stop, then reports state stopped.
func (uc *CrawlIndexUseCase) CrawlAndIndex(ctx context.Context, req domain.CrawlRequest, progress ports.ProgressReporter) (domain.IndexReport, error) {
	progress = orNop(progress)
	progress.SetState(domain.StateCrawling, "crawling "+req.Seed)

	result, err := uc.crawler.Crawl(ctx, req, progress)
	stopped := false
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrStopped) {
			return domain.IndexReport{State: domain.StateError, Errors: append(result.Errors, err.Error())}, fmt.Errorf("crawl %s: %w", req.Seed, err)
		}
		stopped = true
		uc.logger.Info("crawl_stopped", "seed", req.Seed, "pages", len(result.Pages), "fetched", result.Fetched)
		if len(result.Pages) == 0 {
			return domain.IndexReport{State: domain.StateStopped, Errors: result.Errors}, nil
		}
	} else {
		uc.logger.Info("crawl_finished", "seed", req.Seed, "pages", len(result.Pages), "fetched", result.Fetched, "failed", result.Failed)
	}

	docs := make([]domain.Document, 0, len(result.Pages))
	for _, page := range result.Pages {
		docs = append(docs, domain.Document{
			Source:  page.URL,
			Kind:    domain.KindText,
			Content: []byte(page.Text),
			Origin:  domain.OriginCrawl,
		})
	}

	indexReq := domain.ReindexRequest{
		Origin:       domain.OriginCrawl,
		Documents:    docs,
		PruneMissing: uc.pruneMissing,
		Scope:        uc.crawler.Scope(req.Seed),
	}
	if stopped {
		// A partial crawl says nothing about which pages disappeared.
		indexReq.PruneMissing = false
		indexReq.Scope = func(string) bool { return false }
		ctx = context.WithoutCancel(ctx)
		progress = settledProgress{progress}
	}

	report, err := uc.indexer.Reindex(ctx, indexReq, progress)
	report.Errors = slices.Concat(result.Errors, report.Errors)
	if stopped && report.State != domain.StateError {
		report.State = domain.StateStopped
	}
	return report, err
}
