package nats

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/resilience"
)

// Connection-level failures: the broker may accept the same message once it is reachable.
var transientNATSErrors = []error{
	nats.ErrNoServers,
	nats.ErrTimeout,
	nats.ErrConnectionClosed,
	nats.ErrConnectionReconnecting,
	nats.ErrDisconnected,
}

// Message-level rejections say nothing about broker health.
var rejectedNATSErrors = []error{
	nats.ErrMaxPayload,
	nats.ErrBadSubject,
}

func matchesAny(err error, targets []error) bool {
	return slices.ContainsFunc(targets, func(target error) bool { return errors.Is(err, target) })
}

func classifyNATSError(err error) resilience.ErrorClassification {
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resilience.ErrorClassification{}
	case resilience.IsCircuitOpen(err):
		// The breaker already counted the failures that opened it.
		return resilience.ErrorClassification{}
	case matchesAny(err, rejectedNATSErrors):
		return resilience.ErrorClassification{}
	case matchesAny(err, transientNATSErrors):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	default:
		return resilience.ErrorClassification{RecordFailure: true}
	}
}

// publishOperation names the breaker for a subject so a failing event stream
// cannot block job requests, and the other way round.
func publishOperation(subject string) string {
	return "nats.publish." + subject
}

// publishError marks failures worth retrying later as temporary. A lost job event is
// logged by the scheduler; a lost job request is reported to the uploader.
func publishError(subject string, err error) error {
	if err == nil {
		return nil
	}
	op := "publish " + subject
	if domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if resilience.IsCircuitOpen(err) || matchesAny(err, transientNATSErrors) {
		return domain.WrapError(domain.ErrTemporary, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
