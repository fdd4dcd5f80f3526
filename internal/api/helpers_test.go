package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/reframe/reframe-render/internal/db"
	"github.com/reframe/reframe-render/internal/delivery"
	"github.com/reframe/reframe-render/internal/jobs"
	"github.com/reframe/reframe-render/internal/keyframe"
	"github.com/reframe/reframe-render/internal/planner"
	"github.com/reframe/reframe-render/internal/progress"
	"github.com/reframe/reframe-render/internal/renderer"
)

type testEnv struct {
	cfg    ServerConfig
	repo   *jobs.SQLiteRepository
	outDir string
	router http.Handler
}

type fakeExecutor struct {
	fn func(ctx context.Context, job *jobs.ExportJob, tr *progress.Tracker) (string, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, job *jobs.ExportJob, tr *progress.Tracker) (string, error) {
	if f.fn != nil {
		return f.fn(ctx, job, tr)
	}
	return "/exports/" + job.ID + ".mp4", nil
}

type fakeDoctor struct {
	caps *renderer.Capabilities
	err  error
}

func (f *fakeDoctor) RunDoctor(ctx context.Context) (*renderer.Capabilities, error) {
	return f.caps, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, exec jobs.Executor) *testEnv {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if exec == nil {
		exec = &fakeExecutor{}
	}

	logger := testLogger()
	repo := jobs.NewRepository(database.Conn())
	hub := progress.NewHub(16, 0, logger)
	manager := jobs.NewManager(repo, exec, hub, nil, logger, jobs.Options{
		Workers:           1,
		JobTimeout:        time.Minute,
		CancelGrace:       time.Second,
		SweepInterval:     time.Hour,
		HeartbeatInterval: time.Millisecond,
		PollInterval:      20 * time.Millisecond,
	})

	outDir := t.TempDir()
	cfg := ServerConfig{
		Port:      0,
		Version:   "test",
		Manager:   manager,
		Hub:       hub,
		Delivery:  delivery.NewServer(outDir, logger),
		Logger:    logger,
		StartTime: time.Now(),
	}
	return &testEnv{cfg: cfg, repo: repo, outDir: outDir, router: NewRouter(cfg)}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// completeJob stores a finished job whose result lives in the delivery root.
func (e *testEnv) completeJob(t *testing.T, resultRef string) *jobs.ExportJob {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	job := &jobs.ExportJob{
		ID:          jobs.NewID(),
		ResourceKey: "done-project",
		Status:      jobs.StatusPending,
		Config:      validSnapshot(),
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := e.repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if _, err := e.repo.ClaimJob(ctx, job.ID, now); err != nil {
		t.Fatalf("ClaimJob() error = %v", err)
	}
	if _, err := e.repo.FinishJob(ctx, job.ID, []jobs.Status{jobs.StatusProcessing},
		jobs.Outcome{Status: jobs.StatusComplete, ResultRef: resultRef, At: now}); err != nil {
		t.Fatalf("FinishJob() error = %v", err)
	}
	return job
}

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

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body
}
