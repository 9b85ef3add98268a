package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leadscore/leadscore/internal/lead"
	"github.com/leadscore/leadscore/internal/pipeline"
	"github.com/leadscore/leadscore/internal/storage"
)

type mockProcessor struct {
	mu        sync.Mutex
	processed []string
	fetched   []string
	processFn func(raw lead.RawCompanyContent) pipeline.Outcome
}

func (m *mockProcessor) ProcessItem(_ context.Context, it pipeline.Item) pipeline.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it.Content == nil {
		m.fetched = append(m.fetched, it.URL)
		return pipeline.Outcome{URL: it.URL, Status: pipeline.StatusDegraded}
	}
	raw := *it.Content
	if raw.URL == "" {
		raw.URL = it.URL
	}
	m.processed = append(m.processed, raw.URL)
	if m.processFn != nil {
		return m.processFn(raw)
	}
	return pipeline.Outcome{URL: raw.URL, Status: pipeline.StatusSucceeded}
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestJob(t *testing.T, store *storage.Store, id, url string) {
	t.Helper()
	payload, _ := json.Marshal(ScorePayload{URL: url, Content: &lead.RawCompanyContent{URL: url, Body: "hello"}})
	job := storage.Job{
		ID:          id,
		Type:        JobTypeScoreCompany,
		PayloadJSON: string(payload),
	}
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, id string) (string, int) {
	t.Helper()
	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = ?`, id).Scan(&status, &attempts); err != nil {
		t.Fatalf("query job %s: %v", id, err)
	}
	return status, attempts
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, "job-1", "https://acme.io")

	proc := &mockProcessor{}
	w := NewWorker(store, proc, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if len(proc.processed) != 1 || proc.processed[0] != "https://acme.io" {
		t.Errorf("processed = %v", proc.processed)
	}
	if status, _ := jobStatus(t, store, "job-1"); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_FetchesWhenNoContent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id, err := Enqueue(ctx, store, ScorePayload{URL: "https://acme.io"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	proc := &mockProcessor{}
	if _, err := NewWorker(store, proc, 0).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(proc.fetched) != 1 || len(proc.processed) != 0 {
		t.Errorf("fetched=%v processed=%v, want one fetch", proc.fetched, proc.processed)
	}
	if status, _ := jobStatus(t, store, id); status != "completed" {
		t.Errorf("degraded outcome left job %q, want completed", status)
	}
}

func TestEnqueue_RequiresURL(t *testing.T) {
	store := openTestStore(t)
	if _, err := Enqueue(context.Background(), store, ScorePayload{}); err == nil {
		t.Error("expected error for empty payload")
	}
	id, err := Enqueue(context.Background(), store, ScorePayload{Content: &lead.RawCompanyContent{URL: "https://acme.io"}})
	if err != nil {
		t.Fatalf("Enqueue with content URL: %v", err)
	}
	j, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if j.Type != JobTypeScoreCompany {
		t.Errorf("Type = %q", j.Type)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, "job-r", "https://retry.io")

	var calls atomic.Int32
	proc := &mockProcessor{processFn: func(raw lead.RawCompanyContent) pipeline.Outcome {
		n := calls.Add(1)
		if n <= 2 {
			return pipeline.Outcome{URL: raw.URL, Status: pipeline.StatusFailed, Err: fmt.Errorf("transient error %d", n)}
		}
		return pipeline.Outcome{URL: raw.URL, Status: pipeline.StatusSucceeded}
	}}
	w := NewWorker(store, proc, 0)
	ctx := context.Background()

	// 1st attempt fails
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 1 = %v, %v", didWork, err)
	}
	if status, attempts := jobStatus(t, store, "job-r"); status != "pending" || attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status, attempts)
	}

	resetRunAfter(t, store, "job-r")

	// 2nd attempt fails
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 2 = %v, %v", didWork, err)
	}
	if _, attempts := jobStatus(t, store, "job-r"); attempts != 2 {
		t.Errorf("after 2nd fail: attempts=%d, want 2", attempts)
	}

	resetRunAfter(t, store, "job-r")

	// 3rd attempt succeeds
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 3 = %v, %v", didWork, err)
	}
	if status, _ := jobStatus(t, store, "job-r"); status != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, "job-m", "https://down.io")

	proc := &mockProcessor{processFn: func(raw lead.RawCompanyContent) pipeline.Outcome {
		return pipeline.Outcome{URL: raw.URL, Status: pipeline.StatusFailed, Err: lead.ErrModelLoad}
	}}
	w := NewWorker(store, proc, 0)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, "job-m")
		}
	}

	j, err := store.GetJob(ctx, "job-m")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != "failed" {
		t.Errorf("final status = %q, want failed", j.Status)
	}
	if j.LastError != lead.ErrModelLoad.Error() {
		t.Errorf("last_error = %q", j.LastError)
	}
}

func TestWorker_BadPayload(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.EnqueueJob(ctx, storage.Job{ID: "bad", Type: JobTypeScoreCompany, PayloadJSON: "{", MaxAttempts: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := NewWorker(store, &mockProcessor{}, 0).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if status, _ := jobStatus(t, store, "bad"); status != "failed" {
		t.Errorf("status = %q, want failed", status)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockProcessor{}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// blockingProcessor holds each job until ctx is cancelled.
type blockingProcessor struct {
	started chan struct{}
}

func (b *blockingProcessor) ProcessItem(ctx context.Context, it pipeline.Item) pipeline.Outcome {
	close(b.started)
	<-ctx.Done()
	return pipeline.Outcome{URL: it.URL, Status: pipeline.StatusFailed, Err: ctx.Err()}
}

func TestWorker_CancelMidJobRequeues(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, "job-mid", "https://acme.io")

	proc := &blockingProcessor{started: make(chan struct{})}
	w := NewWorker(store, proc, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	select {
	case <-proc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	status, attempts := jobStatus(t, store, "job-mid")
	if status != storage.JobPending || attempts != 1 {
		t.Fatalf("after shutdown: status=%s attempts=%d, want pending with 1 attempt", status, attempts)
	}

	resetRunAfter(t, store, "job-mid")
	next := &mockProcessor{}
	worked, err := NewWorker(store, next, 0).RunOnce(context.Background())
	if err != nil || !worked {
		t.Fatalf("restarted RunOnce = %v, %v; want the job to be picked up", worked, err)
	}
	if status, _ := jobStatus(t, store, "job-mid"); status != storage.JobCompleted {
		t.Errorf("status = %s, want completed", status)
	}
}

func TestWorker_StaleRunningJobRecovered(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, "job-stale", "https://acme.io")
	ctx := context.Background()

	// A worker that died after claiming leaves the job running.
	if _, err := store.ClaimNextJob(ctx, []string{JobTypeScoreCompany}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	w := NewWorker(store, &mockProcessor{}, 0)
	if worked, _ := w.RunOnce(ctx); worked {
		t.Fatal("running job was claimed twice")
	}

	if _, err := store.RequeueRunningJobs(ctx); err != nil {
		t.Fatalf("RequeueRunningJobs: %v", err)
	}
	worked, err := w.RunOnce(ctx)
	if err != nil || !worked {
		t.Fatalf("RunOnce after requeue = %v, %v", worked, err)
	}
}

type claimCounter struct {
	*storage.Store
	claims atomic.Int32
}

func (c *claimCounter) ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error) {
	c.claims.Add(1)
	return c.Store.ClaimNextJob(ctx, types)
}

func TestWorker_NoClaimAfterCancel(t *testing.T) {
	store := &claimCounter{Store: openTestStore(t)}
	enqueueTestJob(t, store.Store, "job-last", "https://acme.io")

	var cancel context.CancelFunc
	proc := &mockProcessor{processFn: func(raw lead.RawCompanyContent) pipeline.Outcome {
		cancel()
		return pipeline.Outcome{URL: raw.URL, Status: pipeline.StatusSucceeded}
	}}
	for range 20 {
		store.claims.Store(0)
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		resetJob(t, store.Store, "job-last")
		NewWorker(store, proc, time.Millisecond).Run(ctx)
		if n := store.claims.Load(); n != 1 {
			t.Fatalf("claims = %d, want 1 (no claim once shutdown started)", n)
		}
	}
}

func resetJob(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	if _, err := store.DB().Exec(`UPDATE jobs SET status = 'pending', attempts = 0 WHERE id = ?`, id); err != nil {
		t.Fatalf("resetJob: %v", err)
	}
	resetRunAfter(t, store, id)
}

func TestWorker_ConcurrentEnqueue(t *testing.T) {
	store := openTestStore(t)

	const goroutines = 5
	const jobsPerGoroutine = 10
	const total = goroutines * jobsPerGoroutine

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < jobsPerGoroutine; j++ {
				url := fmt.Sprintf("https://c%d-%d.io", g, j)
				if _, err := Enqueue(context.Background(), store, ScorePayload{URL: url}); err != nil {
					t.Errorf("Enqueue %s: %v", url, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	proc := &mockProcessor{}
	w := NewWorker(store, proc, 0)

	ctx := context.Background()
	deadline := time.After(5 * time.Second)
	processed := 0
	for processed < total {
		select {
		case <-deadline:
			t.Fatalf("timed out after processing %d/%d jobs", processed, total)
		default:
		}
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce error at job %d: %v", processed, err)
		}
		if didWork {
			processed++
		}
	}

	counts, err := store.JobCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["completed"] != total {
		t.Errorf("completed = %d, want %d", counts["completed"], total)
	}
	if len(proc.fetched) != total {
		t.Errorf("fetched %d urls, want %d", len(proc.fetched), total)
	}
}

