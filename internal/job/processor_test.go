package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Aetherra-Core/internal/observability/alerting"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	fail      map[string]error
	block     chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, job *Job, progress ProgressFunc) (map[string]any, error) {
	progress(map[string]any{"step": "start"})
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	if err := f.fail[job.Name]; err != nil {
		return nil, err
	}
	return map[string]any{"script": job.Name, "n": job.Parameters["n"]}, nil
}

type scriptSet map[string]bool

func (s scriptSet) Has(name string) bool { return s[name] }

type captureAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureAlerts) Notify(_ context.Context, e alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureAlerts) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func startProcessor(t *testing.T, p *Processor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	exec := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, WithScripts(scriptSet{"sum": true}))
	stop := startProcessor(t, NewProcessor(exec, store, queue, WithWorkerCount(8)))
	defer stop()

	const total = 100
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		job, err := service.Submit(ctx, Request{Script: "sum", Parameters: map[string]any{"n": i}})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		job, err := service.WaitUntilDone(ctx, id, 5*time.Millisecond)
		if err != nil {
			t.Fatalf("wait %s: %v", id, err)
		}
		if job.Status != StatusCompleted || job.Output["script"] != "sum" {
			t.Fatalf("unexpected job %+v", job)
		}
	}
	if got := exec.processed.Load(); got != total {
		t.Fatalf("expected %d executions, got %d", total, got)
	}
}

func TestProcessorRecordsFailureAndAlerts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	alerts := &captureAlerts{}
	exec := &fakeExecutor{fail: map[string]error{"broken": fmt.Errorf("node exploded")}}

	service := NewService(store, queue)
	stop := startProcessor(t, NewProcessor(exec, store, queue, WithAlertDispatcher(alerts)))
	defer stop()

	job, err := service.Submit(ctx, Request{ID: "f1", Script: "broken"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilDone(ctx, job.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusFailed || done.ErrorCode != string(CodeJobExecution) || done.Error == "" {
		t.Fatalf("unexpected failed job %+v", done)
	}
	if alerts.count() != 1 {
		t.Fatalf("expected one alert, got %d", alerts.count())
	}
}

func TestServiceCancelInterruptsRunningJob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	registry := NewCancelRegistry()
	exec := &fakeExecutor{block: make(chan struct{})}

	service := NewService(store, queue, WithServiceCancelRegistry(registry))
	stop := startProcessor(t, NewProcessor(exec, store, queue, WithCancelRegistry(registry)))
	defer stop()

	if _, err := service.Submit(ctx, Request{ID: "long", Script: "wait"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for {
		job, err := service.Get(ctx, "long")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if job.Status == StatusRunning && job.Progress["step"] == "start" {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("job never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := service.Cancel(ctx, "long"); !Cancelled(err) {
		t.Fatalf("cancel running job: %v", err)
	}
	for registry.Len() != 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("execution was not released")
		case <-time.After(5 * time.Millisecond):
		}
	}
	job, _ := service.Get(ctx, "long")
	if job.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	if err := service.Cancel(ctx, "long"); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("second cancel should report terminal, got %v", err)
	}
	if exec.processed.Load() != 0 {
		t.Fatalf("cancelled job must not complete")
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	ctx := context.Background()
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), WithScripts(scriptSet{"sum": true}))

	if _, err := service.Submit(ctx, Request{}); err == nil {
		t.Fatalf("expected error for empty script")
	}
	if _, err := service.Submit(ctx, Request{Script: "nope"}); err == nil {
		t.Fatalf("expected error for unknown script")
	}
	if _, err := service.Submit(ctx, Request{ID: "x", Script: "sum"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := service.Submit(ctx, Request{ID: "x", Script: "sum"}); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict for reused id, got %v", err)
	}
}

func TestServiceSubmitMarksJobFailedWhenQueueClosed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	_ = queue.Close()
	service := NewService(store, queue)

	if _, err := service.Submit(ctx, Request{ID: "q1", Script: "sum"}); err == nil {
		t.Fatalf("expected publish error")
	}
	job, err := store.Get(ctx, "q1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusFailed || job.ErrorCode != string(CodeJobPublish) {
		t.Fatalf("unexpected job after publish failure %+v", job)
	}
}

func TestJanitorSweeps(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store := NewMemoryStore()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("done-%d", i)
		_ = store.Create(ctx, &Job{ID: id})
		_ = store.UpdateStatus(ctx, id, Update{Status: StatusFailed})
	}
	_ = store.Create(ctx, &Job{ID: "waiting"})

	go NewJanitor(store, CleanupPolicy{MaxJobs: 1}, 10*time.Millisecond).Run(ctx)

	for {
		stats, _ := store.Stats(ctx)
		if stats.Total == 1 {
			if stats.Pending != 1 {
				t.Fatalf("janitor removed the pending job: %+v", stats)
			}
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("janitor did not trim, stats %+v", stats)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSubmitFailsFastWhenMemoryQueueFull(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	service := NewService(store, queue, WithScripts(scriptSet{"sum": true}))

	if _, err := service.Submit(ctx, Request{ID: "first", Script: "sum"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected one queued id, got %d", queue.Len())
	}
	_, err := service.Submit(ctx, Request{ID: "second", Script: "sum"})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	job, err := store.Get(ctx, "second")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusFailed || job.ErrorCode != string(CodeJobPublish) {
		t.Fatalf("unexpected job after full queue %+v", job)
	}
}
