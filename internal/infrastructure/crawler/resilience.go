package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/resilience"
)

type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %s", e.URL, e.Status)
}

// ContentTypeError marks a successful response that is not an HTML page.
type ContentTypeError struct {
	URL         string
	ContentType string
}

func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("fetch %s: content type %q is not text/html", e.URL, e.ContentType)
}

// RedirectError marks a redirect that would leave the crawled site.
type RedirectError struct {
	From string
	To   string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirect from %s to %s leaves the crawled site", e.From, e.To)
}

func classifyFetchError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		retryable := statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= http.StatusInternalServerError
		return resilience.ErrorClassification{Retryable: retryable, RecordFailure: retryable}
	}

	var typeErr *ContentTypeError
	if errors.As(err, &typeErr) {
		return resilience.ErrorClassification{}
	}

	var redirectErr *RedirectError
	if errors.As(err, &redirectErr) {
		return resilience.ErrorClassification{}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}
