// Package render executes export jobs: it plans every output frame, drives
// the renderer to produce and encode them, and delivers the result.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reframe/reframe-render/internal/jobs"
	"github.com/reframe/reframe-render/internal/logging"
	"github.com/reframe/reframe-render/internal/planner"
	"github.com/reframe/reframe-render/internal/progress"
	"github.com/reframe/reframe-render/internal/renderer"
)

var ErrSourceMismatch = errors.New("source does not match the export configuration")

type Config struct {
	WorkDir          string // per-job scratch space, one subdirectory per job
	OutputDir        string
	FrameParallelism int
	BatchSize        int
	MaxFrameRetries  int
	MaxEncodeRetries int
	RetryBackoff     time.Duration
	// KeepRecoverable protects finished encodes of crashed jobs from
	// reclamation until the staleness sweep has had a chance to recover them.
	KeepRecoverable time.Duration
	Logger          *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.FrameParallelism <= 0 {
		c.FrameParallelism = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.FrameParallelism * 4
	}
	if c.MaxFrameRetries < 0 {
		c.MaxFrameRetries = 0
	}
	if c.MaxEncodeRetries < 0 {
		c.MaxEncodeRetries = 0
	}
	if c.KeepRecoverable <= 0 {
		c.KeepRecoverable = 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Worker implements jobs.Executor, jobs.Recoverer and jobs.ArtifactReclaimer.
type Worker struct {
	cfg      Config
	renderer renderer.Renderer
	logger   *slog.Logger
	now      func() time.Time
}

var (
	_ jobs.Executor          = (*Worker)(nil)
	_ jobs.Recoverer         = (*Worker)(nil)
	_ jobs.ArtifactReclaimer = (*Worker)(nil)
)

func NewWorker(r renderer.Renderer, cfg Config) (*Worker, error) {
	cfg = cfg.withDefaults()
	for _, dir := range []string{cfg.WorkDir, cfg.OutputDir} {
		if dir == "" {
			return nil, fmt.Errorf("work and output directories are required")
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Worker{
		cfg:      cfg,
		renderer: r,
		logger:   logging.WithComponent(cfg.Logger, "render"),
		now:      time.Now,
	}, nil
}

func (w *Worker) jobDir(jobID string) string {
	return filepath.Join(w.cfg.WorkDir, jobID)
}

func encodedPath(dir, format string) string {
	return filepath.Join(dir, "encoded."+format)
}

// Execute runs one job through preparing, rendering, encoding and
// finalizing. The job's work directory is removed on every exit path.
func (w *Worker) Execute(ctx context.Context, job *jobs.ExportJob, tracker *progress.Tracker) (string, error) {
	logger := logging.WithJobID(w.logger, job.ID).With("resource_key", job.ResourceKey)
	start := w.now()

	dir := w.jobDir(job.ID)
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to remove work dir", "error", err)
		}
	}()

	tracker.Stage(progress.StagePreparing)
	pl, err := w.prepare(ctx, job)
	if err != nil {
		return "", err
	}
	tracker.Fraction(progress.StagePreparing, 1)

	sink, err := newFrameSink(filepath.Join(dir, "frames"))
	if err != nil {
		return "", jobs.NewJobError(jobs.ErrorKindInternal, err)
	}

	tracker.Stage(progress.StageRendering)
	if err := w.renderFrames(ctx, pl, job.Config.Source.Ref, sink, tracker); err != nil {
		return "", err
	}
	logger.Info("frames rendered", "frames", sink.Count(), "elapsed_ms", w.now().Sub(start).Milliseconds())

	tracker.Stage(progress.StageEncoding)
	encoded, err := w.encode(ctx, job, pl, sink, dir, tracker)
	if err != nil {
		return "", err
	}

	tracker.Stage(progress.StageFinalizing)
	ref, err := w.Finalize(ctx, job, encoded)
	if err != nil {
		return "", err
	}
	tracker.Done()

	logger.Info("export complete", "result_ref", ref, "duration_ms", w.now().Sub(start).Milliseconds())
	return ref, nil
}

// prepare probes the source and checks it against the captured snapshot.
func (w *Worker) prepare(ctx context.Context, job *jobs.ExportJob) (*planner.Planner, error) {
	if err := os.MkdirAll(w.jobDir(job.ID), 0755); err != nil {
		return nil, jobs.NewJobError(jobs.ErrorKindInternal, fmt.Errorf("create work dir: %w", err))
	}

	pl, err := planner.New(job.Config)
	if err != nil {
		return nil, jobs.NewJobError(jobs.ErrorKindConfiguration, err)
	}

	src := job.Config.Source
	var info *renderer.MediaInfo
	err = w.retry(ctx, w.cfg.MaxFrameRetries, func() error {
		var perr error
		info, perr = w.renderer.Probe(ctx, src.Ref)
		return perr
	})
	if err != nil {
		return nil, w.classify(ctx, "probe source", err)
	}

	tolerance := 1 / math.Max(job.Config.Output.FrameRate, 1)
	switch {
	case info.Width != src.Width || info.Height != src.Height:
		return nil, jobs.NewJobError(jobs.ErrorKindConfiguration, fmt.Errorf("%w: source is %dx%d, export expects %dx%d",
			ErrSourceMismatch, info.Width, info.Height, src.Width, src.Height))
	case info.Duration+tolerance < src.Duration:
		return nil, jobs.NewJobError(jobs.ErrorKindConfiguration, fmt.Errorf("%w: source is %.3fs, export expects %.3fs",
			ErrSourceMismatch, info.Duration, src.Duration))
	}
	return pl, nil
}

// renderFrames renders frames in batches. Frames within a batch render
// concurrently; the sink receives them in output order.
func (w *Worker) renderFrames(ctx context.Context, pl *planner.Planner, sourceRef string, sink *frameSink, tracker *progress.Tracker) error {
	snap := pl.Snapshot()
	fps := snap.Output.FrameRate
	total := pl.FrameCount(fps)
	outW, outH, err := pl.OutputSize()
	if err != nil {
		return jobs.NewJobError(jobs.ErrorKindConfiguration, err)
	}

	for batchStart := 0; batchStart < total; batchStart += w.cfg.BatchSize {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		batchEnd := min(batchStart+w.cfg.BatchSize, total)
		frames := make([][]byte, batchEnd-batchStart)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(w.cfg.FrameParallelism)
		for i := batchStart; i < batchEnd; i++ {
			g.Go(func() error {
				if gctx.Err() != nil {
					return context.Cause(gctx)
				}
				ft, err := pl.PlanFrame(i, fps)
				if err != nil {
					return jobs.NewJobError(jobs.ErrorKindConfiguration, err)
				}
				req := renderer.FrameRequest{
					SourceRef:   sourceRef,
					SourceTime:  ft.SourceTime,
					Crop:        ft.Crop.Pixels(),
					OutWidth:    outW,
					OutHeight:   outH,
					Enhancement: ft.Enhancement,
				}
				var png []byte
				err = w.retry(gctx, w.cfg.MaxFrameRetries, func() error {
					var rerr error
					png, rerr = w.renderer.RenderFrame(gctx, req)
					return rerr
				})
				if err != nil {
					return w.classify(gctx, fmt.Sprintf("frame %d", i), err)
				}
				frames[i-batchStart] = png
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return err
		}

		for j, png := range frames {
			if err := sink.Write(batchStart+j, png); err != nil {
				return jobs.NewJobError(jobs.ErrorKindInternal, err)
			}
			tracker.Frames(batchStart+j+1, total)
		}
	}
	return nil
}

// encode produces the container in the work dir. The encoder writes to a
// partial file that is renamed once complete, so a finished encode is
// always whole.
func (w *Worker) encode(ctx context.Context, job *jobs.ExportJob, pl *planner.Planner, sink *frameSink, dir string, tracker *progress.Tracker) (string, error) {
	snap := pl.Snapshot()
	outW, outH, err := pl.OutputSize()
	if err != nil {
		return "", jobs.NewJobError(jobs.ErrorKindConfiguration, err)
	}

	format := snap.Output.Format
	final := encodedPath(dir, format)
	partial := filepath.Join(dir, "encoded.partial."+format)
	req := renderer.EncodeRequest{
		FramePattern: sink.Pattern(),
		FrameCount:   sink.Count(),
		FrameRate:    snap.Output.FrameRate,
		Format:       format,
		Width:        outW,
		Height:       outH,
		OutputPath:   partial,
	}

	var reported atomic.Bool
	onProgress := func(f float64) {
		reported.Store(true)
		tracker.Fraction(progress.StageEncoding, f)
	}

	stop := w.estimateEncode(ctx, sink.Count(), &reported, tracker)
	defer stop()

	err = w.retry(ctx, w.cfg.MaxEncodeRetries, func() error {
		os.Remove(partial)
		return w.renderer.Encode(ctx, req, onProgress)
	})
	if err != nil {
		return "", w.classify(ctx, "encode", err)
	}
	if err := os.Rename(partial, final); err != nil {
		return "", jobs.NewJobError(jobs.ErrorKindInternal, fmt.Errorf("commit encoded output: %w", err))
	}
	return final, nil
}

// assumedEncodeFPS paces the elapsed-time estimate used until the encoder
// reports progress of its own.
const assumedEncodeFPS = 120.0

func (w *Worker) estimateEncode(ctx context.Context, frames int, reported *atomic.Bool, tracker *progress.Tracker) (stop func()) {
	expected := time.Duration(float64(frames) / assumedEncodeFPS * float64(time.Second))
	if expected < time.Second {
		expected = time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		start := w.now()
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if reported.Load() {
					return
				}
				f := float64(w.now().Sub(start)) / float64(expected)
				tracker.Fraction(progress.StageEncoding, math.Min(f, 0.95))
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// retry runs fn up to 1+retries times while it fails with a retryable error.
func (w *Worker) retry(ctx context.Context, retries int, fn func() error) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if serr := sleepCtx(ctx, w.cfg.RetryBackoff*time.Duration(attempt)); serr != nil {
				return err
			}
			w.logger.Debug("retrying after transient failure", "attempt", attempt, "error", err)
		}
		err = fn()
		if err == nil || !renderer.IsRetryable(err) {
			return err
		}
	}
	return &exhaustedError{attempts: retries + 1, err: err}
}

type exhaustedError struct {
	attempts int
	err      error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.attempts, e.err)
}

func (e *exhaustedError) Unwrap() error { return e.err }

// classify tags a renderer failure with the job error kind it ends in.
func (w *Worker) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	var je *jobs.JobError
	if errors.As(err, &je) {
		return err
	}
	var ex *exhaustedError
	if errors.As(err, &ex) {
		return jobs.NewJobError(jobs.ErrorKindRetriesExhausted, fmt.Errorf("%s: %w", op, err))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return jobs.NewJobError(jobs.ErrorKindFatalRender, fmt.Errorf("%s: %w", op, err))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
