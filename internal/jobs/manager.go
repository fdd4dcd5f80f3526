// Package jobs owns the export job state machine:
//
//	pending -> processing -> complete | error | cancelled
//
// Every status write goes through the Manager and is a compare-and-swap on
// the stored status, so terminal states are never left and at most one
// terminal write wins.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reframe/reframe-render/internal/keyframe"
	"github.com/reframe/reframe-render/internal/planner"
	"github.com/reframe/reframe-render/internal/progress"
)

const configKeyPaused = "dispatcher.paused"

// Executor renders one job and returns its result reference.
type Executor interface {
	Execute(ctx context.Context, job *ExportJob, tracker *progress.Tracker) (string, error)
}

// Recoverer is implemented by executors that can complete a job whose
// process died after the output had already been produced.
type Recoverer interface {
	Recover(ctx context.Context, job *ExportJob) (resultRef string, ok bool, err error)
}

// ArtifactReclaimer removes temporary artifacts left behind by jobs that are
// no longer running.
type ArtifactReclaimer interface {
	ReclaimArtifacts(ctx context.Context, inUse func(jobID string) bool) (int, error)
}

// Notifier is told about every job that reaches a terminal state.
type Notifier interface {
	Notify(ctx context.Context, job *ExportJob)
}

type Options struct {
	Workers           int
	QueueSize         int
	JobTimeout        time.Duration
	CancelGrace       time.Duration
	StaleThreshold    time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	Retention         time.Duration
	MinCropSize       float64
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 2 * time.Hour
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = 10 * time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.MinCropSize <= 0 {
		o.MinCropSize = planner.DefaultMinCropSize
	}
	return o
}

type SubmitRequest struct {
	ResourceKey string
	Snapshot    planner.Snapshot
	CallbackURL string
}

type runningJob struct {
	cancel context.CancelCauseFunc
}

type Manager struct {
	repo     Repository
	exec     Executor
	hub      *progress.Hub
	notifier Notifier
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	keys keyedMutex

	// one sweep at a time; recovery moves files and is not re-entrant
	sweepMu sync.Mutex

	mu      sync.Mutex
	running map[string]*runningJob
	queued  map[string]bool

	queue       chan string
	dispatching atomic.Bool
	paused      atomic.Bool
	notifyWG    sync.WaitGroup
}

func NewManager(repo Repository, exec Executor, hub *progress.Hub, notifier Notifier, logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Manager{
		repo:     repo,
		exec:     exec,
		hub:      hub,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		running:  make(map[string]*runningJob),
		queued:   make(map[string]bool),
		queue:    make(chan string, opts.QueueSize),
	}
}

func (m *Manager) Options() Options { return m.opts }

// Submit validates the snapshot, enforces one non-terminal job per resource
// key, persists a pending job and queues it. It never waits on rendering.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*ExportJob, error) {
	key := strings.TrimSpace(req.ResourceKey)
	if key == "" {
		return nil, newConfigurationError(ErrInvalidResourceKey)
	}

	snap, err := m.Validate(req.Snapshot)
	if err != nil {
		return nil, err
	}

	unlock := m.keys.Lock(key)
	defer unlock()

	active, err := m.repo.ListActive(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	if len(active) > 0 {
		return nil, &ConflictError{ResourceKey: key, JobID: active[0].ID}
	}

	now := m.now()
	job := &ExportJob{
		ID:          NewID(),
		ResourceKey: key,
		Status:      StatusPending,
		Config:      snap,
		CallbackURL: req.CallbackURL,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := m.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	m.logger.Info("export job submitted", "job_id", job.ID, "resource_key", key)
	m.enqueue(job.ID)
	return job, nil
}

// Validate applies the manager's defaults to snap and checks it the way
// Submit does. The returned snapshot has normalized keyframes.
func (m *Manager) Validate(snap planner.Snapshot) (planner.Snapshot, error) {
	snap = snap.Clone()
	if snap.MinCropSize <= 0 {
		snap.MinCropSize = m.opts.MinCropSize
	}
	if len(snap.Keyframes) == 0 {
		return snap, newConfigurationError(keyframe.ErrNoKeyframes)
	}
	if err := snap.Validate(); err != nil {
		return snap, newConfigurationError(err)
	}
	snap.Keyframes = keyframe.Normalize(snap.Keyframes)

	p, err := planner.New(snap)
	if err != nil {
		return snap, newConfigurationError(err)
	}
	if err := p.Validate(snap.Output.FrameRate); err != nil {
		return snap, newConfigurationError(err)
	}
	return p.Snapshot(), nil
}

func (m *Manager) Get(ctx context.Context, id string) (*ExportJob, error) {
	job, err := m.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrNotFound
	}
	return job, nil
}

func (m *Manager) List(ctx context.Context, limit int) ([]*ExportJob, error) {
	return m.repo.ListJobs(ctx, limit)
}

// ListActive returns pending and processing jobs, optionally for one resource.
func (m *Manager) ListActive(ctx context.Context, resourceKey string) ([]*ExportJob, error) {
	return m.repo.ListActive(ctx, strings.TrimSpace(resourceKey))
}

// Cancel stops a job. Pending jobs are cancelled at once. A processing job
// run by this manager is asked to stop and reaches cancelled when its worker
// returns (or when the grace period runs out); Cancel does not wait for that.
// Terminal jobs are returned unchanged.
func (m *Manager) Cancel(ctx context.Context, id string) (*ExportJob, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case StatusPending:
		changed, err := m.finish(ctx, job, []Status{StatusPending}, Outcome{Status: StatusCancelled})
		if err != nil {
			return nil, err
		}
		if changed {
			return m.Get(ctx, id)
		}
		// Claimed between the read and the write.
		job, err = m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status != StatusProcessing {
			return job, nil
		}
		return m.cancelProcessing(ctx, job)
	case StatusProcessing:
		return m.cancelProcessing(ctx, job)
	default:
		return job, nil
	}
}

func (m *Manager) cancelProcessing(ctx context.Context, job *ExportJob) (*ExportJob, error) {
	m.mu.Lock()
	rj := m.running[job.ID]
	m.mu.Unlock()

	if rj == nil {
		// Nothing in this process is working on it.
		if _, err := m.finish(ctx, job, []Status{StatusProcessing}, Outcome{Status: StatusCancelled}); err != nil {
			return nil, err
		}
		return m.Get(ctx, job.ID)
	}

	m.logger.Info("cancellation requested", "job_id", job.ID)
	rj.cancel(ErrCancelRequested)
	return m.Get(ctx, job.ID)
}

// finish performs the terminal write. Only the caller whose write changed the
// row closes the progress stream and notifies.
func (m *Manager) finish(ctx context.Context, job *ExportJob, from []Status, out Outcome) (bool, error) {
	if out.At.IsZero() {
		out.At = m.now()
	}
	changed, err := m.repo.FinishJob(ctx, job.ID, from, out)
	if err != nil {
		m.logger.Error("failed to write terminal status", "job_id", job.ID, "status", out.Status, "error", err)
		return false, err
	}
	if !changed {
		return false, nil
	}

	attrs := []any{"job_id", job.ID, "resource_key", job.ResourceKey, "status", out.Status}
	if out.ErrorKind != "" {
		attrs = append(attrs, "error_kind", out.ErrorKind, "error", out.ErrorMessage)
		m.logger.Warn("export job finished", attrs...)
	} else {
		m.logger.Info("export job finished", attrs...)
	}

	if m.hub != nil {
		m.hub.CloseJob(job.ID)
	}
	if m.notifier != nil {
		final, err := m.repo.GetJob(context.WithoutCancel(ctx), job.ID)
		if err == nil && final != nil {
			m.notifyWG.Add(1)
			go func() {
				defer m.notifyWG.Done()
				m.notifier.Notify(context.Background(), final)
			}()
		}
	}
	return true, nil
}

// WaitNotifications blocks until in-flight completion callbacks return.
func (m *Manager) WaitNotifications() {
	m.notifyWG.Wait()
}

func (m *Manager) isRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// ActiveCount is the number of jobs this process is executing.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

type Stats struct {
	Counts      StatusCounts `json:"counts"`
	Running     int          `json:"running"`
	Queued      int          `json:"queued"`
	Paused      bool         `json:"paused"`
	Dispatching bool         `json:"dispatching"`
	Workers     int          `json:"workers"`
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	counts, err := m.repo.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	m.mu.Lock()
	running, queued := len(m.running), len(m.queued)
	m.mu.Unlock()
	return Stats{
		Counts:      counts,
		Running:     running,
		Queued:      queued,
		Paused:      m.paused.Load(),
		Dispatching: m.dispatching.Load(),
		Workers:     m.opts.Workers,
	}, nil
}

// outcomeFor maps how an execution ended to the terminal write.
func outcomeFor(cause error, shuttingDown bool, execErr error) Outcome {
	switch {
	case errors.Is(cause, ErrCancelRequested):
		return Outcome{Status: StatusCancelled}
	case errors.Is(cause, ErrJobTimeout):
		return Outcome{Status: StatusError, ErrorKind: ErrorKindTimeout, ErrorMessage: ErrJobTimeout.Error()}
	case shuttingDown:
		return Outcome{Status: StatusError, ErrorKind: ErrorKindInterrupted, ErrorMessage: "interrupted by shutdown"}
	case execErr != nil:
		return Outcome{Status: StatusError, ErrorKind: KindOf(execErr), ErrorMessage: MessageOf(execErr)}
	}
	return Outcome{Status: StatusError, ErrorKind: ErrorKindInternal, ErrorMessage: "worker stopped without a result"}
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
