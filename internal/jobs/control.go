package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

// Control is handed to a running job. It records progress and gates the job at
// checkpoints: Checkpoint blocks while the job is paused and fails once it is cancelled.
type Control struct {
	mu        sync.Mutex
	progress  domain.JobProgress
	paused    bool
	resumed   chan struct{}
	prevState domain.JobState
	onChange  func(domain.JobProgress)
}

func newControl(progress domain.JobProgress, onChange func(domain.JobProgress)) *Control {
	return &Control{progress: progress, onChange: onChange}
}

func (c *Control) SetState(state domain.JobState, message string) {
	c.mu.Lock()
	if c.paused {
		c.prevState = state
	} else {
		c.progress.State = state
	}
	c.progress.Message = message
	c.mu.Unlock()
}

func (c *Control) SetTotal(total int) {
	c.mu.Lock()
	c.progress.Total = max(total, 0)
	c.progress.Processed = 0
	c.mu.Unlock()
}

func (c *Control) Advance(n int, message string) {
	c.mu.Lock()
	c.progress.Processed += n
	if c.progress.Total > 0 && c.progress.Processed > c.progress.Total {
		c.progress.Processed = c.progress.Total
	}
	if message != "" {
		c.progress.Message = message
	}
	c.mu.Unlock()
}

func (c *Control) Checkpoint(ctx context.Context) error {
	for {
		c.mu.Lock()
		if !c.paused {
			c.mu.Unlock()
			return ctx.Err()
		}
		resumed := c.resumed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resumed:
		}
	}
}

func (c *Control) Snapshot() domain.JobProgress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Control) snapshotLocked() domain.JobProgress {
	out := c.progress
	if out.Report != nil {
		report := *out.Report
		out.Report = &report
	}
	return out
}

func (c *Control) pause() bool {
	c.mu.Lock()
	if c.paused || c.progress.State.Terminal() {
		c.mu.Unlock()
		return false
	}
	c.paused = true
	c.resumed = make(chan struct{})
	c.prevState = c.progress.State
	c.progress.State = domain.StatePaused
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	return true
}

func (c *Control) resume() bool {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return false
	}
	c.paused = false
	close(c.resumed)
	c.progress.State = c.prevState
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	return true
}

func (c *Control) finish(state domain.JobState, report *domain.IndexReport, errMsg string, at time.Time) domain.JobProgress {
	c.mu.Lock()
	if c.paused {
		c.paused = false
		close(c.resumed)
	}
	c.progress.State = state
	c.progress.Report = report
	c.progress.Error = errMsg
	c.progress.FinishedAt = &at
	if state == domain.StateDone && c.progress.Total > 0 {
		c.progress.Processed = c.progress.Total
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	return snap
}

func (c *Control) notify(snap domain.JobProgress) {
	if c.onChange != nil {
		c.onChange(snap)
	}
}
