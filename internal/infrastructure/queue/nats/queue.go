package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
	"github.com/kirillkom/knowledge-indexer/internal/infrastructure/resilience"
)

const (
	DefaultRequestSubject = "indexer.jobs.requests"
	DefaultEventSubject   = "indexer.jobs.events"
	workerQueueGroup      = "indexer-workers"
)

// Queue carries job requests to workers and job lifecycle events to observers.
type Queue struct {
	conn           *nats.Conn
	requestSubject string
	eventSubject   string
	executor       *resilience.Executor
	logger         *slog.Logger
}

type Options struct {
	RequestSubject       string
	EventSubject         string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("knowledge-indexer"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	q := &Queue{
		conn:           conn,
		requestSubject: options.RequestSubject,
		eventSubject:   options.EventSubject,
		executor:       options.ResilienceExecutor,
		logger:         logger,
	}
	if q.requestSubject == "" {
		q.requestSubject = DefaultRequestSubject
	}
	if q.eventSubject == "" {
		q.eventSubject = DefaultEventSubject
	}
	return q, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishJobRequest(ctx context.Context, req domain.JobRequest) error {
	return q.publishJSON(ctx, q.requestSubject, req)
}

func (q *Queue) PublishJobEvent(ctx context.Context, event domain.JobEvent) error {
	return q.publishJSON(ctx, q.eventSubject, event)
}

func (q *Queue) publishJSON(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", subject, err)
	}

	call := func(_ context.Context) error {
		return q.conn.Publish(subject, data)
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, publishOperation(subject), call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return publishError(subject, err)
}

// SubscribeJobRequests delivers requests to handler until ctx ends, then drains.
// Workers share a queue group so each request reaches one worker.
func (q *Queue) SubscribeJobRequests(ctx context.Context, handler func(context.Context, domain.JobRequest) error) error {
	sub, err := q.conn.QueueSubscribe(q.requestSubject, workerQueueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		req, err := DecodeJobRequest(msg.Data)
		if err != nil {
			q.logger.Warn("job_request_rejected", "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, req); err != nil {
			q.logger.Error("job_request_failed", "kind", string(req.Kind), "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// DecodeJobRequest parses and validates a job request message.
func DecodeJobRequest(data []byte) (domain.JobRequest, error) {
	var req domain.JobRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return domain.JobRequest{}, domain.WrapError(domain.ErrInvalidInput, "decode job request", err)
	}
	switch req.Kind {
	case domain.JobReindex, domain.JobRebuild:
	case domain.JobCrawl:
		if req.Seed == "" {
			return domain.JobRequest{}, domain.WrapError(domain.ErrInvalidInput, "decode job request", errors.New("crawl request without seed"))
		}
	default:
		return domain.JobRequest{}, domain.WrapError(domain.ErrInvalidInput, "decode job request", fmt.Errorf("unknown job kind %q", req.Kind))
	}
	return req, nil
}
