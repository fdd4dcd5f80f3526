package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/reframe/reframe-render/internal/progress"
)

// Start runs the worker pool, the pending-job poller and the staleness sweep
// until ctx is cancelled. It returns once every worker has exited.
func (m *Manager) Start(ctx context.Context) {
	if m.dispatching.Swap(true) {
		return
	}
	defer m.dispatching.Store(false)

	if v, err := m.repo.GetConfig(ctx, configKeyPaused); err == nil && v == "true" {
		m.paused.Store(true)
		m.logger.Info("dispatcher starting paused")
	}

	if _, err := m.Sweep(ctx); err != nil {
		m.logger.Error("startup sweep failed", "error", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < m.opts.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.worker(ctx, n)
		}(i)
	}

	m.logger.Info("dispatcher started", "workers", m.opts.Workers)
	m.enqueuePending(ctx)

	poll := time.NewTicker(m.opts.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(m.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("dispatcher stopping")
			wg.Wait()
			m.notifyWG.Wait()
			return
		case <-poll.C:
			m.enqueuePending(ctx)
		case <-sweep.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("staleness sweep failed", "error", err)
			}
			if m.opts.Retention > 0 {
				if _, err := m.Purge(ctx, m.opts.Retention); err != nil {
					m.logger.Error("purge failed", "error", err)
				}
			}
		}
	}
}

// Pause stops workers from picking up new jobs. Jobs already processing
// continue. The flag is persisted across restarts.
func (m *Manager) Pause(ctx context.Context) error {
	m.paused.Store(true)
	m.logger.Info("dispatcher paused")
	return m.repo.SetConfig(ctx, configKeyPaused, "true")
}

func (m *Manager) Resume(ctx context.Context) error {
	m.paused.Store(false)
	m.logger.Info("dispatcher resumed")
	if err := m.repo.SetConfig(ctx, configKeyPaused, "false"); err != nil {
		return err
	}
	m.enqueuePending(ctx)
	return nil
}

func (m *Manager) IsPaused() bool {
	return m.paused.Load()
}

func (m *Manager) IsDispatching() bool {
	return m.dispatching.Load()
}

func (m *Manager) enqueuePending(ctx context.Context) {
	if m.paused.Load() {
		return
	}
	pending, err := m.repo.ListPending(ctx)
	if err != nil {
		m.logger.Error("failed to list pending jobs", "error", err)
		return
	}
	for _, job := range pending {
		m.enqueue(job.ID)
	}
}

// enqueue never blocks; a full queue leaves the job for the next poll.
func (m *Manager) enqueue(id string) {
	if m.paused.Load() {
		return
	}

	m.mu.Lock()
	if m.queued[id] || m.running[id] != nil {
		m.mu.Unlock()
		return
	}
	m.queued[id] = true
	m.mu.Unlock()

	select {
	case m.queue <- id:
	default:
		m.mu.Lock()
		delete(m.queued, id)
		m.mu.Unlock()
		m.logger.Debug("dispatch queue full, deferring job", "job_id", id)
	}
}

func (m *Manager) worker(ctx context.Context, n int) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			m.mu.Lock()
			delete(m.queued, id)
			m.mu.Unlock()

			if m.paused.Load() {
				continue
			}
			m.runJob(ctx, id, n)
		}
	}
}

type execResult struct {
	ref string
	err error
}

func (m *Manager) runJob(ctx context.Context, id string, worker int) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	rj := &runningJob{cancel: cancel}
	m.mu.Lock()
	if m.running[id] != nil {
		m.mu.Unlock()
		return
	}
	m.running[id] = rj
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.running, id)
		m.mu.Unlock()
	}()

	claimed, err := m.repo.ClaimJob(ctx, id, m.now())
	if err != nil {
		m.logger.Error("failed to claim job", "job_id", id, "error", err)
		return
	}
	if !claimed {
		return
	}

	job, err := m.repo.GetJob(ctx, id)
	if err != nil || job == nil {
		m.logger.Error("claimed job vanished", "job_id", id, "error", err)
		return
	}

	logger := m.logger.With("job_id", id, "resource_key", job.ResourceKey, "worker", worker)
	logger.Info("export job started")

	runCtx, cancelTimeout := context.WithTimeoutCause(jobCtx, m.opts.JobTimeout, ErrJobTimeout)
	defer cancelTimeout()

	var tracker *progress.Tracker
	if m.hub != nil {
		tracker = m.hub.Tracker(id, m.heartbeat(id))
	}

	results := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("executor panic", "panic", r, "stack", string(debug.Stack()))
				results <- execResult{err: NewJobError(ErrorKindInternal, fmt.Errorf("panic: %v", r))}
			}
		}()
		ref, err := m.exec.Execute(runCtx, job, tracker)
		results <- execResult{ref: ref, err: err}
	}()

	bg := context.WithoutCancel(ctx)

	var res execResult
	select {
	case res = <-results:
	case <-runCtx.Done():
		grace := time.NewTimer(m.opts.CancelGrace)
		defer grace.Stop()
		select {
		case res = <-results:
		case <-grace.C:
			cause := context.Cause(runCtx)
			logger.Warn("worker did not stop within grace period, abandoning it", "cause", cause)
			out := outcomeFor(cause, ctx.Err() != nil, nil)
			m.finish(bg, job, []Status{StatusProcessing}, out)
			return
		}
	}

	if res.err == nil {
		m.finish(bg, job, []Status{StatusProcessing}, Outcome{Status: StatusComplete, ResultRef: res.ref})
		return
	}

	cause := context.Cause(runCtx)
	if runCtx.Err() == nil {
		cause = nil
	}
	out := outcomeFor(cause, ctx.Err() != nil, res.err)
	m.finish(bg, job, []Status{StatusProcessing}, out)
}

// heartbeat returns a progress hook that touches the job row at most once
// per HeartbeatInterval.
func (m *Manager) heartbeat(id string) func(progress.Event) {
	var mu sync.Mutex
	last := m.now()
	return func(progress.Event) {
		now := m.now()
		mu.Lock()
		if now.Sub(last) < m.opts.HeartbeatInterval {
			mu.Unlock()
			return
		}
		last = now
		mu.Unlock()

		if err := m.repo.Touch(context.Background(), id, now); err != nil {
			m.logger.Warn("heartbeat failed", "job_id", id, "error", err)
		}
	}
}
