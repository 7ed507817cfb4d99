package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

func TestDecodeJobRequest(t *testing.T) {
	req, err := DecodeJobRequest([]byte(`{"kind":"crawl","seed":"https://example.com","max_pages":10,"max_depth":2}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Kind != domain.JobCrawl || req.Seed != "https://example.com" || req.MaxPages != 10 || req.MaxDepth == nil || *req.MaxDepth != 2 {
		t.Fatalf("unexpected request: %+v", req)
	}

	req, err = DecodeJobRequest([]byte(`{"kind":"crawl","seed":"https://example.com","max_depth":0}`))
	if err != nil || req.MaxDepth == nil || *req.MaxDepth != 0 {
		t.Fatalf("explicit seed-only depth lost: %+v err=%v", req, err)
	}
	req, err = DecodeJobRequest([]byte(`{"kind":"crawl","seed":"https://example.com"}`))
	if err != nil || req.MaxDepth != nil {
		t.Fatalf("unset depth must stay nil: %+v err=%v", req, err)
	}

	req, err = DecodeJobRequest([]byte(`{"kind":"reindex","prune_missing":true}`))
	if err != nil || !req.PruneMissing {
		t.Fatalf("unexpected reindex decode: %+v err=%v", req, err)
	}
}

func TestDecodeJobRequestRejectsInvalid(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"kind":"crawl"}`,
		`{"kind":"compact"}`,
		`{}`,
	} {
		if _, err := DecodeJobRequest([]byte(raw)); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", raw, err)
		}
	}
}

func TestClassifyNATSError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		record    bool
	}{
		{name: "no servers", err: fmt.Errorf("nats publish: %w", nats.ErrNoServers), retryable: true, record: true},
		{name: "reconnecting", err: nats.ErrConnectionReconnecting, retryable: true, record: true},
		{name: "max payload", err: nats.ErrMaxPayload, retryable: false, record: false},
		{name: "bad subject", err: fmt.Errorf("publish: %w", nats.ErrBadSubject), retryable: false, record: false},
		{name: "cancelled", err: context.Canceled, retryable: false, record: false},
		{name: "other", err: errors.New("boom"), retryable: false, record: true},
	}
	for _, tc := range cases {
		got := classifyNATSError(tc.err)
		if got.Retryable != tc.retryable || got.RecordFailure != tc.record {
			t.Fatalf("%s: unexpected classification %+v", tc.name, got)
		}
	}
}

func TestPublishErrorMarksTransientFailuresTemporary(t *testing.T) {
	err := publishError("indexer.jobs.events", nats.ErrTimeout)
	if !errors.Is(err, domain.ErrTemporary) || !errors.Is(err, nats.ErrTimeout) {
		t.Fatalf("expected temporary error, got %v", err)
	}

	err = publishError("indexer.jobs.requests", nats.ErrMaxPayload)
	if domain.IsKind(err, domain.ErrTemporary) || !errors.Is(err, nats.ErrMaxPayload) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if !strings.Contains(err.Error(), "indexer.jobs.requests") {
		t.Fatalf("expected subject in error, got %v", err)
	}
	if publishError("s", nil) != nil {
		t.Fatalf("expected nil for success")
	}
}

func TestPublishOperationIsPerSubject(t *testing.T) {
	if publishOperation("a") == publishOperation("b") {
		t.Fatalf("expected distinct breaker per subject")
	}
}
