package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leadscore/leadscore/internal/pipeline"
	"github.com/leadscore/leadscore/internal/storage"
)

// JobTypeScoreCompany scores one company in the background.
const JobTypeScoreCompany = "score_company"

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Processor runs the scoring chain for one company.
type Processor interface {
	ProcessItem(ctx context.Context, it pipeline.Item) pipeline.Outcome
}

// ScorePayload is the body of a score_company job. When Content is nil the
// worker fetches URL itself.
type ScorePayload = pipeline.Item

// Enqueue queues a score_company job and returns its ID.
func Enqueue(ctx context.Context, store JobStore, p ScorePayload) (string, error) {
	if p.URL == "" && p.Content != nil {
		p.URL = p.Content.URL
	}
	if p.URL == "" {
		return "", errors.New("enqueueing score job: url is required")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding score payload: %w", err)
	}
	id := uuid.New().String()
	if err := store.EnqueueJob(ctx, storage.Job{ID: id, Type: JobTypeScoreCompany, PayloadJSON: string(b)}); err != nil {
		return "", fmt.Errorf("enqueueing score job: %w", err)
	}
	return id, nil
}

// Worker drains score_company jobs from the queue, one at a time.
type Worker struct {
	store     JobStore
	processor Processor
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker returns a Worker that checks for due jobs every pollInterval
// (500ms when <= 0) while the queue is empty.
func NewWorker(store JobStore, processor Processor, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{store: store, processor: processor, poll: pollInterval, logger: slog.Default()}
}

// Run processes jobs back to back and sleeps only when none are due. It
// returns when ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	idle := time.NewTimer(0)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
		}
		if ctx.Err() != nil {
			return
		}

		worked, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker: iteration failed", "error", err)
		}
		if worked {
			idle.Reset(0)
		} else {
			idle.Reset(w.poll)
		}
	}
}

// RunOnce claims one due job and runs it. It reports whether a job was
// claimed; a failed job still counts and is rescheduled through FailJob.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobTypeScoreCompany})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.score(ctx, job); err != nil {
		w.logger.Warn("worker: job failed", "job_id", job.ID, "error", err)
		// Shutdown cancels ctx mid-job; the job must still go back to the queue.
		if ferr := w.store.FailJob(context.WithoutCancel(ctx), job.ID, err.Error()); ferr != nil {
			return true, fmt.Errorf("recording failure of job %s: %w", job.ID, ferr)
		}
		return true, nil
	}
	if err := w.store.CompleteJob(context.WithoutCancel(ctx), job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) score(ctx context.Context, job *storage.Job) error {
	var p ScorePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	out := w.processor.ProcessItem(ctx, p)
	if out.Status == pipeline.StatusFailed {
		return out.Err
	}
	w.logger.Info("worker: company scored", "job_id", job.ID, "url", out.URL, "status", out.Status)
	return nil
}
