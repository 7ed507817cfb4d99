package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

func TestJobMetrics(t *testing.T) {
	m := NewIndexerMetrics("worker")

	m.JobStarted(domain.JobReindex)
	if got := testutil.ToFloat64(m.jobInFlight); got != 1 {
		t.Fatalf("expected 1 in-flight job, got %v", got)
	}
	m.JobFinished(domain.JobReindex, domain.StateDone, 2*time.Second)

	if got := testutil.ToFloat64(m.jobInFlight); got != 0 {
		t.Fatalf("expected no in-flight job, got %v", got)
	}
	if got := testutil.ToFloat64(m.jobRunsTotal.WithLabelValues("reindex", "done")); got != 1 {
		t.Fatalf("expected one finished reindex, got %v", got)
	}
}

func TestReindexMetrics(t *testing.T) {
	m := NewIndexerMetrics("worker")

	m.ObserveEmbedBatch(40, time.Second, nil)
	m.ObserveEmbedBatch(40, time.Second, errors.New("503"))
	m.ObserveReindex(domain.IndexReport{FragmentsEmbedded: 7, FragmentsReused: 2, SourcesIndexed: 3, SourcesFailed: 1})

	if got := testutil.ToFloat64(m.embedBatches.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected one failed batch, got %v", got)
	}
	if got := testutil.ToFloat64(m.fragmentsTotal.WithLabelValues("embedded")); got != 7 {
		t.Fatalf("expected 7 embedded fragments, got %v", got)
	}
	if got := testutil.ToFloat64(m.sourcesTotal.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 failed source, got %v", got)
	}
}

func TestRetrievalAndCrawlMetrics(t *testing.T) {
	m := NewIndexerMetrics("cli")

	m.ObserveRetrieval(10*time.Millisecond, 0, true, nil)
	m.ObserveRetrieval(10*time.Millisecond, 5, false, nil)
	m.ObserveRetrieval(10*time.Millisecond, 0, false, errors.New("timeout"))
	m.ObserveCrawlFetch("ok")
	m.ObserveCrawlFetch("ok")

	for status, want := range map[string]float64{"no_knowledge": 1, "success": 1, "error": 1} {
		if got := testutil.ToFloat64(m.retrievalsTotal.WithLabelValues(status)); got != want {
			t.Fatalf("%s: expected %v, got %v", status, want, got)
		}
	}
	if got := testutil.ToFloat64(m.crawlFetches.WithLabelValues("ok")); got != 2 {
		t.Fatalf("expected 2 fetches, got %v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := NewIndexerMetrics("worker")
	m.ObserveCrawlFetch("http_status")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `kidx_crawler_fetches_total{outcome="http_status",service="worker"} 1`) {
		t.Fatalf("metric missing from output:\n%s", body)
	}
}
