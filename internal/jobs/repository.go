package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Fixed-width UTC timestamps so that text comparison in SQL orders correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Repository interface {
	CreateJob(ctx context.Context, job *ExportJob) error
	GetJob(ctx context.Context, id string) (*ExportJob, error)
	ListJobs(ctx context.Context, limit int) ([]*ExportJob, error)
	ListActive(ctx context.Context, resourceKey string) ([]*ExportJob, error)
	ListPending(ctx context.Context) ([]*ExportJob, error)
	ClaimJob(ctx context.Context, id string, at time.Time) (bool, error)
	Touch(ctx context.Context, id string, at time.Time) error
	FinishJob(ctx context.Context, id string, from []Status, out Outcome) (bool, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]*ExportJob, error)
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
	CountByStatus(ctx context.Context) (StatusCounts, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const jobColumns = `id, resource_key, status, config_json, callback_url, submitted_at, started_at,
	completed_at, heartbeat_at, result_ref, error_kind, error_message, updated_at`

func (r *SQLiteRepository) CreateJob(ctx context.Context, j *ExportJob) error {
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO export_jobs (id, resource_key, status, config_json, callback_url, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.ResourceKey, string(j.Status), string(cfg), nullString(j.CallbackURL),
		formatTime(j.SubmittedAt), formatTime(j.UpdatedAt))
	return err
}

// GetJob returns nil, nil when the job does not exist.
func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*ExportJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM export_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (r *SQLiteRepository) ListJobs(ctx context.Context, limit int) ([]*ExportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM export_jobs ORDER BY submitted_at DESC LIMIT ?`, limit)
}

// ListActive returns pending and processing jobs, for every resource when
// resourceKey is empty.
func (r *SQLiteRepository) ListActive(ctx context.Context, resourceKey string) ([]*ExportJob, error) {
	if resourceKey == "" {
		return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM export_jobs
			WHERE status IN ('pending', 'processing') ORDER BY submitted_at ASC`)
	}
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM export_jobs
		WHERE resource_key = ? AND status IN ('pending', 'processing') ORDER BY submitted_at ASC`, resourceKey)
}

func (r *SQLiteRepository) ListPending(ctx context.Context) ([]*ExportJob, error) {
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM export_jobs WHERE status = 'pending' ORDER BY submitted_at ASC`)
}

// ClaimJob moves a pending job to processing. It reports false when the job
// was no longer pending.
func (r *SQLiteRepository) ClaimJob(ctx context.Context, id string, at time.Time) (bool, error) {
	ts := formatTime(at)
	res, err := r.db.ExecContext(ctx, `
		UPDATE export_jobs SET status = 'processing', started_at = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, ts, ts, ts, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *SQLiteRepository) Touch(ctx context.Context, id string, at time.Time) error {
	ts := formatTime(at)
	_, err := r.db.ExecContext(ctx, `
		UPDATE export_jobs SET heartbeat_at = ?, updated_at = ? WHERE id = ? AND status = 'processing'
	`, ts, ts, id)
	return err
}

// FinishJob writes a terminal outcome if the job is currently in one of the
// from states. It reports whether the row changed.
func (r *SQLiteRepository) FinishJob(ctx context.Context, id string, from []Status, out Outcome) (bool, error) {
	if !out.Status.IsTerminal() {
		return false, fmt.Errorf("finish job %s: %q is not a terminal status", id, out.Status)
	}
	if len(from) == 0 {
		return false, nil
	}

	args := []any{string(out.Status), nullString(out.ResultRef), nullString(string(out.ErrorKind)),
		nullString(out.ErrorMessage), formatTime(out.At), formatTime(out.At), id}
	placeholders := make([]string, len(from))
	for i, s := range from {
		if s.IsTerminal() {
			return false, fmt.Errorf("finish job %s: cannot leave terminal status %q", id, s)
		}
		placeholders[i] = "?"
		args = append(args, string(s))
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE export_jobs SET status = ?, result_ref = ?, error_kind = ?, error_message = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (`+strings.Join(placeholders, ",")+`)
	`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListStale returns processing jobs whose last heartbeat is before cutoff.
func (r *SQLiteRepository) ListStale(ctx context.Context, cutoff time.Time) ([]*ExportJob, error) {
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM export_jobs
		WHERE status = 'processing' AND COALESCE(heartbeat_at, started_at, submitted_at) < ?
		ORDER BY submitted_at ASC`, formatTime(cutoff))
}

// PurgeFinished deletes terminal jobs completed before the given time.
func (r *SQLiteRepository) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM export_jobs
		WHERE status IN ('complete', 'error', 'cancelled') AND completed_at < ?
	`, formatTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) CountByStatus(ctx context.Context) (StatusCounts, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM export_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(StatusCounts)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (r *SQLiteRepository) queryJobs(ctx context.Context, query string, args ...any) ([]*ExportJob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ExportJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*ExportJob, error) {
	var j ExportJob
	var status, cfg, submittedAt, updatedAt string
	var callbackURL, startedAt, completedAt, heartbeatAt, resultRef, errKind, errMsg sql.NullString

	err := row.Scan(&j.ID, &j.ResourceKey, &status, &cfg, &callbackURL, &submittedAt, &startedAt,
		&completedAt, &heartbeatAt, &resultRef, &errKind, &errMsg, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(cfg), &j.Config); err != nil {
		return nil, fmt.Errorf("decode config of job %s: %w", j.ID, err)
	}
	j.Status = Status(status)
	j.CallbackURL = callbackURL.String
	j.ResultRef = resultRef.String
	j.ErrorKind = ErrorKind(errKind.String)
	j.ErrorMessage = errMsg.String
	j.SubmittedAt = parseTime(submittedAt)
	j.UpdatedAt = parseTime(updatedAt)
	j.StartedAt = parseNullTime(startedAt)
	j.CompletedAt = parseNullTime(completedAt)
	j.HeartbeatAt = parseNullTime(heartbeatAt)
	return &j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
