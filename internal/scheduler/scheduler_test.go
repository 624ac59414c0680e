package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/store"
)

func newTestRunner(t *testing.T, handler Handler) *Runner {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "kernel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewRunner(s.DB, time.Minute, Deadlines{Soft: 0, Hard: time.Second}, handler)
}

func TestComputeNextRunAtMsEvery(t *testing.T) {
	next, err := ComputeNextRunAtMs(KindEvery, "1h", 1000)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if next != 1000+time.Hour.Milliseconds() {
		t.Fatalf("expected one hour later, got %d", next)
	}
}

func TestComputeNextRunAtMsInvalidCron(t *testing.T) {
	if _, err := ComputeNextRunAtMs(KindCron, "not a cron", 0); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestAddAndList(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, func(ctx context.Context, job Job) error { return nil })

	id, err := r.Add(ctx, KindEvery, "1h", "operator", "admin", `{"k":"v"}`)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	jobs, err := r.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].JobID != id || !jobs[0].Enabled {
		t.Fatalf("expected one enabled job matching %s, got %+v", id, jobs)
	}
}

func TestRunOnceExecutesDueJobAndReschedules(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var ran int
	r := newTestRunner(t, func(ctx context.Context, job Job) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	})

	id, err := r.Add(ctx, KindEvery, "1h", "operator", "admin", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	r.db.ExecContext(ctx, `UPDATE cron_jobs SET next_run_at_ms = 0 WHERE job_id = ?`, id)

	didRun, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !didRun {
		t.Fatal("expected a due job to run")
	}
	mu.Lock()
	defer mu.Unlock()
	if ran != 1 {
		t.Fatalf("expected handler invoked once, got %d", ran)
	}

	jobs, _ := r.List(ctx)
	if jobs[0].NextRunAtMs <= 0 {
		t.Fatalf("expected every-job to be rescheduled, got %d", jobs[0].NextRunAtMs)
	}
}

func TestRunOnceDisablesAtJobAfterFiring(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, func(ctx context.Context, job Job) error { return nil })

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	id, err := r.Add(ctx, KindAt, future, "operator", "admin", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	r.db.ExecContext(ctx, `UPDATE cron_jobs SET next_run_at_ms = 0 WHERE job_id = ?`, id)

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	jobs, _ := r.List(ctx)
	if jobs[0].Enabled {
		t.Fatal("expected a one-shot at() job to disable itself after firing")
	}
}

func TestRunNowFailsWhenAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	r := newTestRunner(t, func(ctx context.Context, job Job) error {
		close(started)
		<-release
		return nil
	})

	id, err := r.Add(ctx, KindEvery, "1h", "operator", "admin", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	go r.RunNow(ctx, id)
	<-started

	if err := r.RunNow(ctx, id); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning while a run is in flight, got %v", err)
	}
	close(release)
}

func TestRunNowUnknownJob(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, func(ctx context.Context, job Job) error { return nil })
	if err := r.RunNow(ctx, "does-not-exist"); err == nil {
		t.Fatal("expected an error for an unknown job id")
	}
}

func TestRunNowExecutesImmediatelyIgnoringSchedule(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var ran int
	r := newTestRunner(t, func(ctx context.Context, job Job) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	})

	// Scheduled far in the future — RunNow must still fire it now.
	id, err := r.Add(ctx, KindEvery, "24h", "operator", "admin", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := r.RunNow(ctx, id); err != nil {
		t.Fatalf("run now: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if ran != 1 {
		t.Fatalf("expected manual trigger to invoke the handler, got %d", ran)
	}
}
