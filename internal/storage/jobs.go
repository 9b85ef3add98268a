package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

const (
	defaultMaxAttempts = 3
	jobColumns         = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`
	// Queue timestamps have second precision so they compare as text.
	jobTimeLayout = time.RFC3339
)

func jobTime(t time.Time) string { return t.UTC().Format(jobTimeLayout) }

// retryDelay is the wait before the next attempt after the given number of
// failed attempts: 2s, 4s, 8s...
func retryDelay(attempts int) time.Duration {
	return time.Second << attempts
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j                             Job
		runAfter, createdAt, updatedAt string
		lastError                     sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&j.RunAfter, runAfter}, {&j.CreatedAt, createdAt}, {&j.UpdatedAt, updatedAt}} {
		t, err := time.Parse(jobTimeLayout, f.src)
		if err != nil {
			return Job{}, fmt.Errorf("job %s: bad timestamp %q: %w", j.ID, f.src, err)
		}
		*f.dst = t
	}
	return j, nil
}

// EnqueueJob adds a pending job. A zero RunAfter means now and a zero
// MaxAttempts means 3.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := time.Now()
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, JobPending, job.MaxAttempts,
		jobTime(job.RunAfter), jobTime(now), jobTime(now))
	if err != nil {
		return fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}
	return nil
}

// ClaimNextJob atomically moves the oldest due pending job of one of types to
// running and returns it. It returns nil, nil when nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := jobTime(time.Now())

	args := []any{JobRunning, now, JobPending, now}
	for _, t := range types {
		args = append(args, t)
	}
	query := `UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND run_after <= ? AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)
			ORDER BY run_after, created_at
			LIMIT 1
		)
		RETURNING ` + jobColumns

	j, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return &j, nil
}

// GetJob returns a job by ID or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.updateJob(ctx, id, `status = ?, updated_at = ?`, JobCompleted, jobTime(time.Now()))
}

// FailJob records a failed attempt. Below max_attempts the job goes back to
// pending after retryDelay; at the limit it is marked failed for good.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	var attempts, maxAttempts int
	err := s.db.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading job %s: %w", id, err)
	}

	now := time.Now()
	attempts++
	if attempts >= maxAttempts {
		return s.updateJob(ctx, id, `status = ?, attempts = ?, last_error = ?, updated_at = ?`,
			JobFailed, attempts, errMsg, jobTime(now))
	}
	return s.updateJob(ctx, id, `status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ?`,
		JobPending, attempts, errMsg, jobTime(now.Add(retryDelay(attempts))), jobTime(now))
}

// RequeueRunningJobs puts jobs left running by a stopped worker back to
// pending, due now, and returns how many it moved. Call it before any worker
// starts claiming.
func (s *Store) RequeueRunningJobs(ctx context.Context) (int, error) {
	now := jobTime(time.Now())
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, run_after = ?, updated_at = ? WHERE status = ?`,
		JobPending, now, now, JobRunning)
	if err != nil {
		return 0, fmt.Errorf("requeueing running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) updateJob(ctx context.Context, id, set string, args ...any) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET `+set+` WHERE id = ?`, append(args, id)...)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// JobCounts returns the number of jobs in each status.
func (s *Store) JobCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
