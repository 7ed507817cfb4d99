package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
	"github.com/kirillkom/knowledge-indexer/internal/core/ports"
)

// RunFunc is the body of a background job. A returned report's terminal state wins
// over the state derived from err.
type RunFunc func(ctx context.Context, ctl *Control) (domain.IndexReport, error)

type Options struct {
	Events  ports.JobEventPublisher
	Metrics ports.JobMetrics
	Logger  *slog.Logger
	// EventTimeout bounds one event publish.
	EventTimeout time.Duration
	Now          func() time.Time
}

// Scheduler runs at most one background job at a time. A second Start while a job
// is active fails with domain.ErrBusy. The last finished job stays queryable.
type Scheduler struct {
	events       ports.JobEventPublisher
	metrics      ports.JobMetrics
	logger       *slog.Logger
	eventTimeout time.Duration
	now          func() time.Time

	mu     sync.Mutex
	active *Handle
	last   *Handle
	wg     sync.WaitGroup
}

func NewScheduler(opts Options) *Scheduler {
	s := &Scheduler{
		events:       opts.Events,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		eventTimeout: opts.EventTimeout,
		now:          opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.eventTimeout <= 0 {
		s.eventTimeout = 5 * time.Second
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Handle controls one started job.
type Handle struct {
	id     string
	kind   domain.JobKind
	ctl    *Control
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *Handle) ID() string                   { return h.id }
func (h *Handle) Kind() domain.JobKind         { return h.kind }
func (h *Handle) Done() <-chan struct{}        { return h.done }
func (h *Handle) Snapshot() domain.JobProgress { return h.ctl.Snapshot() }
func (h *Handle) Cancel()                      { h.cancel() }
func (h *Handle) Pause() bool                  { return h.ctl.pause() }
func (h *Handle) Resume() bool                 { return h.ctl.resume() }

// Wait blocks until the job finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (domain.JobProgress, error) {
	select {
	case <-h.done:
		return h.Snapshot(), nil
	case <-ctx.Done():
		return h.Snapshot(), ctx.Err()
	}
}

// Start launches fn in the background. The job context derives from ctx without its
// cancellation, so a finished request does not stop the job; use Handle.Cancel.
func (s *Scheduler) Start(ctx context.Context, kind domain.JobKind, fn RunFunc) (*Handle, error) {
	if fn == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "start job", errors.New("job function is nil"))
	}

	s.mu.Lock()
	if s.active != nil {
		active := s.active
		s.mu.Unlock()
		return nil, domain.WrapError(domain.ErrBusy, "start job", fmt.Errorf("%s job %s is running", active.kind, active.id))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		id:     uuid.NewString(),
		kind:   kind,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.ctl = newControl(domain.JobProgress{
		ID:        h.id,
		Kind:      kind,
		State:     domain.StateIdle,
		StartedAt: s.now(),
	}, s.publish)
	s.active = h
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("job_started", "job_id", h.id, "kind", string(kind))
	if s.metrics != nil {
		s.metrics.JobStarted(kind)
	}
	s.publish(h.ctl.Snapshot())

	go s.run(runCtx, h, fn)
	return h, nil
}

func (s *Scheduler) run(ctx context.Context, h *Handle, fn RunFunc) {
	defer s.wg.Done()
	defer close(h.done)
	defer h.cancel()

	report, err := s.invoke(ctx, h, fn)
	state := finalState(ctx, report, err)
	errMsg := ""
	if state == domain.StateError && err != nil {
		errMsg = err.Error()
	}
	snap := h.ctl.finish(state, &report, errMsg, s.now())

	s.mu.Lock()
	s.active = nil
	s.last = h
	s.mu.Unlock()

	duration := snap.FinishedAt.Sub(snap.StartedAt)
	if s.metrics != nil {
		s.metrics.JobFinished(h.kind, state, duration)
	}
	logArgs := []any{"job_id", h.id, "kind", string(h.kind), "state", string(state), "duration_ms", duration.Milliseconds()}
	if errMsg != "" {
		s.logger.Error("job_finished", append(logArgs, "error", errMsg)...)
	} else {
		s.logger.Info("job_finished", logArgs...)
	}
	s.publish(snap)
}

func (s *Scheduler) invoke(ctx context.Context, h *Handle, fn RunFunc) (report domain.IndexReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			report = domain.IndexReport{State: domain.StateError}
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx, h.ctl)
}

func finalState(ctx context.Context, report domain.IndexReport, err error) domain.JobState {
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrStopped) {
			return domain.StateStopped
		}
		return domain.StateError
	}
	if report.State.Terminal() {
		return report.State
	}
	if ctx.Err() != nil {
		return domain.StateStopped
	}
	return domain.StateDone
}

// Active returns the running job, if any.
func (s *Scheduler) Active() (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active != nil
}

// Status returns the running job's progress, or the last finished job's.
func (s *Scheduler) Status() (domain.JobProgress, error) {
	s.mu.Lock()
	h := s.active
	if h == nil {
		h = s.last
	}
	s.mu.Unlock()
	if h == nil {
		return domain.JobProgress{State: domain.StateIdle}, domain.ErrNoJob
	}
	return h.Snapshot(), nil
}

func (s *Scheduler) Cancel() error {
	h, ok := s.Active()
	if !ok {
		return domain.ErrNoJob
	}
	h.Cancel()
	return nil
}

func (s *Scheduler) Pause() error {
	h, ok := s.Active()
	if !ok {
		return domain.ErrNoJob
	}
	h.Pause()
	return nil
}

func (s *Scheduler) Resume() error {
	h, ok := s.Active()
	if !ok {
		return domain.ErrNoJob
	}
	h.Resume()
	return nil
}

// Shutdown cancels the active job and waits for it to return.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if h, ok := s.Active(); ok {
		h.Cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) publish(snap domain.JobProgress) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.eventTimeout)
	defer cancel()
	event := domain.JobEvent{JobID: snap.ID, Kind: snap.Kind, State: snap.State, Job: snap}
	if err := s.events.PublishJobEvent(ctx, event); err != nil {
		s.logger.Warn("job_event_publish_failed", "job_id", snap.ID, "state", string(snap.State), "error", err)
	}
}
