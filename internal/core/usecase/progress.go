package usecase

import (
	"context"
	"time"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
	"github.com/kirillkom/knowledge-indexer/internal/core/ports"
)

type nopProgress struct{}

func (nopProgress) SetState(domain.JobState, string)     {}
func (nopProgress) SetTotal(int)                         {}
func (nopProgress) Advance(int, string)                  {}
func (nopProgress) Checkpoint(ctx context.Context) error { return ctx.Err() }

func orNop(progress ports.ProgressReporter) ports.ProgressReporter {
	if progress == nil {
		return nopProgress{}
	}
	return progress
}

// settledProgress forwards reports but never pauses or stops the run. It finishes work
// that must land after the job itself was stopped.
type settledProgress struct {
	ports.ProgressReporter
}

func (settledProgress) Checkpoint(context.Context) error { return nil }

type nopIndexMetrics struct{}

func (nopIndexMetrics) ObserveEmbedBatch(int, time.Duration, error) {}
func (nopIndexMetrics) ObserveReindex(domain.IndexReport)           {}

type nopRetrievalMetrics struct{}

func (nopRetrievalMetrics) ObserveRetrieval(time.Duration, int, bool, error) {}
