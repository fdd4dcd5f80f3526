package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/reframe/reframe-render/internal/conform"
	"github.com/reframe/reframe-render/internal/jobs"
	"github.com/reframe/reframe-render/internal/timeline"
)

type marker struct {
	JobID       string    `json:"job_id"`
	ResultRef   string    `json:"result_ref"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// Paths returns the deterministic delivery locations for job.
func (w *Worker) Paths(job *jobs.ExportJob) conform.OutputPaths {
	return conform.PathsFor(w.cfg.OutputDir, job.ResourceKey, job.ID, job.Config.Output.Format)
}

// Finalize moves the encoded artifact to its delivery path and writes the
// conform sidecar and completion marker. Running it again after a
// successful run returns the same reference and changes nothing.
func (w *Worker) Finalize(ctx context.Context, job *jobs.ExportJob, encoded string) (string, error) {
	paths := w.Paths(job)
	if m, ok := readMarker(paths.Marker); ok && fileExists(m.ResultRef) {
		return m.ResultRef, nil
	}

	if err := os.MkdirAll(paths.Dir, 0755); err != nil {
		return "", jobs.NewJobError(jobs.ErrorKindInternal, fmt.Errorf("create output dir: %w", err))
	}

	switch {
	case encoded != "" && fileExists(encoded):
		if err := moveFile(encoded, paths.Media); err != nil {
			return "", jobs.NewJobError(jobs.ErrorKindInternal, fmt.Errorf("deliver output: %w", err))
		}
	case fileExists(paths.Media):
		// an earlier finalize moved the media before it was interrupted
	default:
		return "", jobs.NewJobError(jobs.ErrorKindInternal, fmt.Errorf("no encoded output for job %s", job.ID))
	}

	if ctx.Err() != nil {
		return "", context.Cause(ctx)
	}

	sidecar, err := w.sidecar(job)
	if err != nil {
		return "", jobs.NewJobError(jobs.ErrorKindInternal, err)
	}
	if err := conform.WriteFileAtomic(paths.Sidecar, []byte(sidecar), 0644); err != nil {
		return "", jobs.NewJobError(jobs.ErrorKindInternal, fmt.Errorf("write sidecar: %w", err))
	}

	data, _ := json.Marshal(marker{JobID: job.ID, ResultRef: paths.Media, FinalizedAt: w.now().UTC()})
	if err := conform.WriteFileAtomic(paths.Marker, data, 0644); err != nil {
		return "", jobs.NewJobError(jobs.ErrorKindInternal, fmt.Errorf("write marker: %w", err))
	}
	return paths.Media, nil
}

func (w *Worker) sidecar(job *jobs.ExportJob) (string, error) {
	snap := job.Config
	r, err := timeline.NewRemapper(snap.SpeedRegions, snap.Source.Duration)
	if err != nil {
		return "", fmt.Errorf("build sidecar timeline: %w", err)
	}
	return conform.GenerateEDL(job.ResourceKey, snap.Source.Ref, r.Segments(), snap.Output.FrameRate), nil
}

// Recover completes a job whose process died after encoding finished.
func (w *Worker) Recover(ctx context.Context, job *jobs.ExportJob) (string, bool, error) {
	paths := w.Paths(job)
	if m, ok := readMarker(paths.Marker); ok && fileExists(m.ResultRef) {
		return m.ResultRef, true, nil
	}

	dir := w.jobDir(job.ID)
	encoded := encodedPath(dir, job.Config.Output.Format)
	if !fileExists(encoded) && !fileExists(paths.Media) {
		return "", false, nil
	}

	ref, err := w.Finalize(ctx, job, encoded)
	if err != nil {
		return "", false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		w.logger.Warn("failed to remove work dir", "job_id", job.ID, "error", err)
	}
	w.logger.Info("recovered finished export", "job_id", job.ID, "result_ref", ref)
	return ref, true, nil
}

// ReclaimArtifacts removes work directories of jobs that are not running.
// A directory holding a finished encode is kept for KeepRecoverable so a
// later sweep can still recover it.
func (w *Worker) ReclaimArtifacts(ctx context.Context, inUse func(jobID string) bool) (int, error) {
	entries, err := os.ReadDir(w.cfg.WorkDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read work dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !e.IsDir() || inUse(e.Name()) {
			continue
		}
		dir := filepath.Join(w.cfg.WorkDir, e.Name())
		if w.holdsRecoverable(dir) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			w.logger.Warn("failed to reclaim work dir", "dir", dir, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		w.logger.Info("reclaimed orphaned work dirs", "count", removed)
	}
	return removed, nil
}

func (w *Worker) holdsRecoverable(dir string) bool {
	matches, _ := filepath.Glob(filepath.Join(dir, "encoded.*"))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || filepath.Base(m) != "encoded"+filepath.Ext(m) {
			continue
		}
		if w.now().Sub(info.ModTime()) < w.cfg.KeepRecoverable {
			return true
		}
	}
	return false
}

func readMarker(path string) (marker, bool) {
	var m marker
	data, err := os.ReadFile(path)
	if err != nil {
		return m, false
	}
	if err := json.Unmarshal(data, &m); err != nil || m.ResultRef == "" {
		return m, false
	}
	return m, true
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// moveFile renames src to dst, copying through a temp file beside dst when
// they are on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
