package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reframe/reframe-render/internal/keyframe"
	"github.com/reframe/reframe-render/internal/planner"
	"github.com/reframe/reframe-render/internal/progress"
	"github.com/reframe/reframe-render/internal/timeline"
)

func validSnapshot() planner.Snapshot {
	return planner.Snapshot{
		Source: planner.Source{Ref: "/media/clip.mp4", Width: 1920, Height: 1080, Duration: 2},
		Keyframes: []keyframe.Keyframe{
			{Time: 0, Crop: keyframe.CropRect{Width: 1920, Height: 1080}, Easing: keyframe.Linear()},
			{Time: 2, Crop: keyframe.CropRect{X: 480, Y: 270, Width: 960, Height: 540}, Easing: keyframe.Ease()},
		},
		Output:      planner.Output{FrameRate: 10, Format: "mp4"},
		MinCropSize: 50,
	}
}

type fakeExecutor struct {
	calls atomic.Int32
	fn    func(ctx context.Context, job *ExportJob, tr *progress.Tracker) (string, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, job *ExportJob, tr *progress.Tracker) (string, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, job, tr)
	}
	return "/exports/" + job.ID + ".mp4", nil
}

type recoveringExecutor struct {
	fakeExecutor
	recoverable map[string]string
	reclaimed   atomic.Int32
}

func (r *recoveringExecutor) Recover(ctx context.Context, job *ExportJob) (string, bool, error) {
	ref, ok := r.recoverable[job.ID]
	return ref, ok, nil
}

func (r *recoveringExecutor) ReclaimArtifacts(ctx context.Context, inUse func(string) bool) (int, error) {
	r.reclaimed.Add(1)
	return 0, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []*ExportJob
}

func (n *recordingNotifier) Notify(ctx context.Context, job *ExportJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.jobs)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		Workers:           2,
		JobTimeout:        time.Minute,
		CancelGrace:       time.Second,
		StaleThreshold:    5 * time.Minute,
		SweepInterval:     time.Hour,
		HeartbeatInterval: time.Millisecond,
		PollInterval:      20 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, exec Executor, opts Options) (*Manager, *SQLiteRepository) {
	t.Helper()
	repo := newTestRepo(t)
	m := NewManager(repo, exec, progress.NewHub(16, 0, testLogger()), nil, testLogger(), opts)
	return m, repo
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, m.IsDispatching, time.Second, 5*time.Millisecond)
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) *ExportJob {
	t.Helper()
	var job *ExportJob
	require.Eventually(t, func() bool {
		var err error
		job, err = m.Get(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func submit(t *testing.T, m *Manager, key string) *ExportJob {
	t.Helper()
	job, err := m.Submit(context.Background(), SubmitRequest{ResourceKey: key, Snapshot: validSnapshot()})
	require.NoError(t, err)
	return job
}

func TestSubmit_CreatesPendingJob(t *testing.T) {
	m, _ := newTestManager(t, &fakeExecutor{}, testOptions())

	job := submit(t, m, "project-1")
	assert.Equal(t, StatusPending, job.Status)
	assert.NotEmpty(t, job.ID)

	got, err := m.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Len(t, got.Config.Keyframes, 2)
}

func TestSubmit_ConcurrentSameResourceKey(t *testing.T) {
	m, _ := newTestManager(t, &fakeExecutor{}, testOptions())

	const n = 8
	var wg sync.WaitGroup
	var ok, conflicts atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Submit(context.Background(), SubmitRequest{ResourceKey: "project-1", Snapshot: validSnapshot()})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrConflictingJobInFlight):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), conflicts.Load())

	active, err := m.ListActive(context.Background(), "project-1")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestSubmit_ConflictCarriesExistingJob(t *testing.T) {
	m, _ := newTestManager(t, &fakeExecutor{}, testOptions())
	first := submit(t, m, "project-1")

	_, err := m.Submit(context.Background(), SubmitRequest{ResourceKey: "project-1", Snapshot: validSnapshot()})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.JobID)

	// Other resources are independent.
	submit(t, m, "project-2")
}

func TestSubmit_RejectsConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*planner.Snapshot)
		code   string
	}{
		{"degenerate crop", func(s *planner.Snapshot) {
			s.Keyframes = []keyframe.Keyframe{{Time: 0, Crop: keyframe.CropRect{X: 100, Y: 100, Width: 10, Height: 500}}}
		}, "DEGENERATE_CROP"},
		{"no keyframes", func(s *planner.Snapshot) { s.Keyframes = nil }, "NO_KEYFRAMES"},
		{"overlapping regions", func(s *planner.Snapshot) {
			s.SpeedRegions = []timeline.SpeedRegion{
				{SourceStart: 0, SourceEnd: 1.5, Multiplier: 2},
				{SourceStart: 1, SourceEnd: 2, Multiplier: 1},
			}
		}, "INVALID_SPEED_REGIONS"},
		{"bad easing", func(s *planner.Snapshot) {
			s.Keyframes[0].Easing = keyframe.CubicBezier(2, 0, 0.5, 1)
		}, "INVALID_EASING"},
		{"bad format", func(s *planner.Snapshot) { s.Output.Format = "gif" }, "INVALID_OUTPUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{}
			m, repo := newTestManager(t, exec, testOptions())

			snap := validSnapshot()
			tt.mutate(&snap)
			_, err := m.Submit(context.Background(), SubmitRequest{ResourceKey: "project-1", Snapshot: snap})

			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.code, cfgErr.Code)

			jobs, err := repo.ListJobs(context.Background(), 10)
			require.NoError(t, err)
			assert.Empty(t, jobs)
			assert.Zero(t, exec.calls.Load())
		})
	}
}

func TestSubmit_SnapshotIsCapturedByValue(t *testing.T) {
	m, _ := newTestManager(t, &fakeExecutor{}, testOptions())

	snap := validSnapshot()
	job, err := m.Submit(context.Background(), SubmitRequest{ResourceKey: "project-1", Snapshot: snap})
	require.NoError(t, err)

	snap.Keyframes[0].Crop.Width = 1
	got, err := m.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1920.0, got.Config.Keyframes[0].Crop.Width)
}

func TestGet_NotFound(t *testing.T) {
	m, _ := newTestManager(t, &fakeExecutor{}, testOptions())
	_, err := m.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = m.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancel_PendingJob(t *testing.T) {
	m, _ := newTestManager(t, &fakeExecutor{}, testOptions())
	notifier := &recordingNotifier{}
	m.notifier = notifier

	job := submit(t, m, "project-1")
	got, err := m.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// Terminal: no-op returning the current state.
	again, err := m.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)

	m.WaitNotifications()
	assert.Equal(t, 1, notifier.count())

	// The resource is free again.
	submit(t, m, "project-1")
}

func TestRun_CompletesJob(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, job *ExportJob, tr *progress.Tracker) (string, error) {
		tr.Stage(progress.StageRendering)
		tr.Frames(5, 10)
		tr.Done()
		return "/exports/out.mp4", nil
	}}
	m, _ := newTestManager(t, exec, testOptions())
	startManager(t, m)

	job := submit(t, m, "project-1")
	done := waitForStatus(t, m, job.ID, StatusComplete)
	assert.Equal(t, "/exports/out.mp4", done.ResultRef)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, int32(1), exec.calls.Load())
}

func TestRun_ProgressStreamClosesOnFinish(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, job *ExportJob, tr *progress.Tracker) (string, error) {
		<-release
		tr.Stage(progress.StageRendering)
		return "ref", nil
	}}
	m, _ := newTestManager(t, exec, testOptions())
	startManager(t, m)

	job := submit(t, m, "project-1")
	sub := m.hub.Subscribe(job.ID)
	waitForStatus(t, m, job.ID, StatusProcessing)
	close(release)

	var events []progress.Event
	for ev := range sub.Events() {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, progress.StageRendering, events[0].Stage)
	waitForStatus(t, m, job.ID, StatusComplete)
}

func TestRun_FatalErrorRecordsKind(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, job *ExportJob, tr *progress.Tracker) (string, error) {
		return "", NewJobError(ErrorKindFatalRender, errors.New("codec not found"))
	}}
	m, _ := newTestManager(t, exec, testOptions())
	startManager(t, m)

	job := submit(t, m, "project-1")
	failed := waitForStatus(t, m, job.ID, StatusError)
	assert.Equal(t, ErrorKindFatalRender, failed.ErrorKind)
	assert.Equal(t, "codec not found", failed.ErrorMessage)
}

func TestRun_PanicIsContained(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, job *ExportJob, tr *progress.Tracker) (string, error) {
		panic("boom")
	}}
	m, _ := newTestManager(t, exec, testOptions())
	startManager(t, m)

	job := submit(t, m, "project-1")
	failed := waitForStatus(t, m, job.ID, StatusError)
	assert.Equal(t, ErrorKindInternal, failed.ErrorKind)

	// The worker survives and keeps dispatching.
	exec.fn = nil
	next := submit(t, m, "project-1")
	waitForStatus(t, m, next.ID, StatusComplete)
}

func TestCancel_ProcessingJobCooperates(t *testing.T) {
	started := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, job *ExportJob, tr *progress.Tracker) (string, error) {
		close(started)
		<-ctx.Done()
		return "", context.Cause(ctx)
	}}
	m, _ := newTestManager(t, exec, testOptions())
	startManager(t, m)

	job := submit(t, m, "project-1")
	<-started

	got, err := m.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, []Status{StatusProcessing, StatusCancelled}, got.Status)

	final := waitForStatus(t, m, job.ID, StatusCancelled)
	assert.Empty(t, final.ErrorKind)
}

func TestCancel_ForcedAfterGrace(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	exec := &fakeExecutor{fn: func(ctx context.Context, job *ExportJob, tr *progress.Tracker) (string, error) {
		close(started)
		<-release
		return "late", nil
	}}
	opts := testOptions()
	opts.CancelGrace = 50 * time.Millisecond
	m, _ := newTestManager(t, exec, opts)
	startManager(t, m)

	job := submit(t, m, "project-1")
	<-started

	_, err := m.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	final := waitForStatus(t, m, job.ID, StatusCancelled)
	assert.Empty(t, final.ResultRef)
	require.Eventually(t, func() bool { return m.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRun_TimeoutIsDistinguishable(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, job *ExportJob, tr *progress.Tracker) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	opts := testOptions()
	opts.JobTimeout = 50 * time.Millisecond
	m, _ := newTestManager(t, exec, opts)
	startManager(t, m)

	job := submit(t, m, "project-1")
	failed := waitForStatus(t, m, job.ID, StatusError)
	assert.Equal(t, ErrorKindTimeout, failed.ErrorKind)
}

func TestRun_HeartbeatAdvances(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, job *ExportJob, tr *progress.Tracker) (string, error) {
		for i := 0; i < 5; i++ {
			time.Sleep(5 * time.Millisecond)
			tr.Frames(i, 10)
		}
		<-release
		return "ref", nil
	}}
	m, repo := newTestManager(t, exec, testOptions())
	startManager(t, m)

	job := submit(t, m, "project-1")
	processing := waitForStatus(t, m, job.ID, StatusProcessing)
	require.NotNil(t, processing.StartedAt)

	require.Eventually(t, func() bool {
		got, err := repo.GetJob(context.Background(), job.ID)
		return err == nil && got.HeartbeatAt != nil && got.HeartbeatAt.After(*processing.StartedAt)
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	waitForStatus(t, m, job.ID, StatusComplete)
}

func TestSweep_MarksStaleJob(t *testing.T) {
	exec := &recoveringExecutor{}
	m, repo := newTestManager(t, exec, testOptions())
	ctx := context.Background()

	// A job claimed an hour ago by a process that no longer exists.
	job := submit(t, m, "project-1")
	_, err := repo.ClaimJob(ctx, job.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	res, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, int32(1), exec.reclaimed.Load())

	got, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, ErrorKindStaleTimeout, got.ErrorKind)

	// The resource key is no longer blocked.
	submit(t, m, "project-1")
}

func TestSweep_LeavesFreshJobs(t *testing.T) {
	m, repo := newTestManager(t, &fakeExecutor{}, testOptions())
	ctx := context.Background()

	job := submit(t, m, "project-1")
	_, err := repo.ClaimJob(ctx, job.ID, time.Now())
	require.NoError(t, err)

	res, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Stale)

	got, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
}

func TestSweep_RecoversFinalizedJob(t *testing.T) {
	exec := &recoveringExecutor{recoverable: map[string]string{}}
	m, repo := newTestManager(t, exec, testOptions())
	ctx := context.Background()

	job := submit(t, m, "project-1")
	_, err := repo.ClaimJob(ctx, job.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	exec.recoverable[job.ID] = "/exports/recovered.mp4"

	res, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)

	got, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	assert.Equal(t, "/exports/recovered.mp4", got.ResultRef)
}

func TestStart_SweepsOnStartup(t *testing.T) {
	m, repo := newTestManager(t, &fakeExecutor{}, testOptions())
	ctx := context.Background()

	job := submit(t, m, "project-1")
	_, err := repo.ClaimJob(ctx, job.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	startManager(t, m)
	waitForStatus(t, m, job.ID, StatusError)
}

func TestPauseResume(t *testing.T) {
	exec := &fakeExecutor{}
	m, repo := newTestManager(t, exec, testOptions())
	ctx := context.Background()

	require.NoError(t, m.Pause(ctx))
	startManager(t, m)

	job := submit(t, m, "project-1")
	time.Sleep(100 * time.Millisecond)
	got, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, m.IsPaused())

	v, err := repo.GetConfig(ctx, configKeyPaused)
	require.NoError(t, err)
	assert.Equal(t, "true", v)

	require.NoError(t, m.Resume(ctx))
	waitForStatus(t, m, job.ID, StatusComplete)
}

func TestPurge(t *testing.T) {
	m, _ := newTestManager(t, &fakeExecutor{}, testOptions())
	ctx := context.Background()

	job := submit(t, m, "project-1")
	_, err := m.Cancel(ctx, job.ID)
	require.NoError(t, err)

	n, err := m.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = m.Purge(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = m.Get(ctx, job.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStats(t *testing.T) {
	m, _ := newTestManager(t, &fakeExecutor{}, testOptions())
	submit(t, m, "project-1")
	submit(t, m, "project-2")

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Counts[StatusPending])
	assert.Equal(t, 2, stats.Workers)
	assert.False(t, stats.Paused)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorKindRetriesExhausted, KindOf(NewJobError(ErrorKindRetriesExhausted, errors.New("x"))))
	assert.Equal(t, ErrorKindTimeout, KindOf(ErrJobTimeout))
	assert.Equal(t, ErrorKindInternal, KindOf(errors.New("x")))
}

// moveOnceExecutor recovers a job by moving its output, which only the first
// caller can do.
type moveOnceExecutor struct {
	fakeExecutor
	mu    sync.Mutex
	moved bool
}

func (e *moveOnceExecutor) Recover(ctx context.Context, job *ExportJob) (string, bool, error) {
	e.mu.Lock()
	first := !e.moved
	e.moved = true
	e.mu.Unlock()
	if !first {
		return "", false, errors.New("rename encoded output: no such file or directory")
	}
	time.Sleep(50 * time.Millisecond)
	return "/exports/" + job.ID + ".mp4", true, nil
}

func TestSweep_ConcurrentSweepsRecoverOnce(t *testing.T) {
	exec := &moveOnceExecutor{}
	m, repo := newTestManager(t, exec, testOptions())
	ctx := context.Background()

	job := submit(t, m, "project-1")
	_, err := repo.ClaimJob(ctx, job.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]SweepResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Sweep(ctx)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, results[0].Recovered+results[1].Recovered)
	assert.Zero(t, results[0].Stale+results[1].Stale)

	got, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	assert.Empty(t, got.ErrorKind)
}
