package jobs

import (
	"context"
	"fmt"
	"time"
)

type SweepResult struct {
	Stale     int `json:"stale"`
	Recovered int `json:"recovered"`
	Reclaimed int `json:"reclaimed"`
}

// Sweep fails processing jobs that have not reported progress within
// StaleThreshold and are not being run by this manager, then reclaims
// temporary artifacts no running job owns. A stale job whose output was
// already produced is completed instead when the executor can recover it.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	var res SweepResult

	now := m.now()
	cutoff := now.Add(-m.opts.StaleThreshold)
	stale, err := m.repo.ListStale(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("list stale jobs: %w", err)
	}

	for _, job := range stale {
		if m.isRunning(job.ID) {
			continue
		}

		if rec, ok := m.exec.(Recoverer); ok {
			ref, recovered, err := rec.Recover(ctx, job)
			if err != nil {
				m.logger.Warn("recovery failed", "job_id", job.ID, "error", err)
			}
			if recovered {
				changed, err := m.finish(ctx, job, []Status{StatusProcessing}, Outcome{Status: StatusComplete, ResultRef: ref})
				if err != nil {
					return res, err
				}
				if changed {
					res.Recovered++
				}
				continue
			}
		}

		msg := "no progress since " + lastSeen(job).UTC().Format(time.RFC3339)
		changed, err := m.finish(ctx, job, []Status{StatusProcessing}, Outcome{
			Status:       StatusError,
			ErrorKind:    ErrorKindStaleTimeout,
			ErrorMessage: msg,
		})
		if err != nil {
			return res, err
		}
		if changed {
			res.Stale++
		}
	}

	if rc, ok := m.exec.(ArtifactReclaimer); ok {
		n, err := rc.ReclaimArtifacts(ctx, m.isRunning)
		if err != nil {
			m.logger.Warn("artifact reclaim failed", "error", err)
		}
		res.Reclaimed = n
	}

	if res.Stale > 0 || res.Recovered > 0 || res.Reclaimed > 0 {
		m.logger.Info("staleness sweep finished", "stale", res.Stale, "recovered", res.Recovered, "reclaimed", res.Reclaimed)
	}
	return res, nil
}

// Purge deletes terminal jobs that finished more than olderThan ago.
func (m *Manager) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := m.repo.PurgeFinished(ctx, m.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	if n > 0 {
		m.logger.Info("purged finished jobs", "count", n, "older_than", olderThan)
	}
	return n, nil
}

func lastSeen(job *ExportJob) time.Time {
	switch {
	case job.HeartbeatAt != nil:
		return *job.HeartbeatAt
	case job.StartedAt != nil:
		return *job.StartedAt
	}
	return job.SubmittedAt
}
