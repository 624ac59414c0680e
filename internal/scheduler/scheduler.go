// Package scheduler implements the cron/one-shot job runner (§4.L): jobs are
// defined as at(ISO-8601), every(duration) or cron(5-field UTC) schedules,
// claimed via a lease so at most one runner instance executes a given job at
// a time, and aborted at a soft deadline (best-effort cancellation) followed
// by a hard deadline (force-abandon the run). Cron-expression evaluation
// uses github.com/adhocore/gronx for cron-expression evaluation.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// Kind discriminates the three schedule shapes named in §4.L.
type Kind string

const (
	KindAt    Kind = "at"
	KindEvery Kind = "every"
	KindCron  Kind = "cron"
)

var ErrInvalidSchedule = errors.New("scheduler: invalid schedule expression")

// ComputeNextRunAtMs returns the next run time (unix millis) for a schedule,
// given the current time. For KindAt, the schedule only ever fires once —
// callers disable the job after that run completes.
func ComputeNextRunAtMs(kind Kind, expr string, fromMs int64) (int64, error) {
	from := time.UnixMilli(fromMs).UTC()

	switch kind {
	case KindAt:
		t, err := time.Parse(time.RFC3339, expr)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		return t.UnixMilli(), nil

	case KindEvery:
		d, err := time.ParseDuration(expr)
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		return from.Add(d).UnixMilli(), nil

	case KindCron:
		gron := gronx.New()
		if !gron.IsValid(expr) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidSchedule, expr)
		}
		next, err := gron.NextTickAfter(expr, from, false)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		return next.UnixMilli(), nil

	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, kind)
	}
}

// Job is a persisted schedule entry.
type Job struct {
	JobID        string
	ScheduleKind Kind
	ScheduleExpr string
	Scope        string
	ActorID      string
	Payload      string
	Enabled      bool
	NextRunAtMs  int64
}

// Deadlines bounds how long a claimed run may execute.
type Deadlines struct {
	Soft time.Duration // best-effort cancellation signal sent to the run
	Hard time.Duration // run is force-abandoned (lease not renewed) past this point
}

// Runner polls the store for due jobs, claims one-at-a-time via a lease, and
// invokes Handler for each claimed run.
type Runner struct {
	db            *sql.DB
	leaseOwner    string
	leaseDuration time.Duration
	deadlines     Deadlines
	handler       Handler
}

// Handler executes one scheduled dispatch. ctx is cancelled at the soft
// deadline; the runner considers the run abandoned if Handler hasn't
// returned by the hard deadline.
type Handler func(ctx context.Context, job Job) error

func NewRunner(db *sql.DB, leaseDuration time.Duration, deadlines Deadlines, handler Handler) *Runner {
	if leaseDuration <= 0 {
		leaseDuration = 60 * time.Second
	}
	return &Runner{
		db:            db,
		leaseOwner:    uuid.NewString(),
		leaseDuration: leaseDuration,
		deadlines:     deadlines,
		handler:       handler,
	}
}

func (r *Runner) Add(ctx context.Context, kind Kind, expr, scope, actorID, payload string) (string, error) {
	nextRun, err := ComputeNextRunAtMs(kind, expr, time.Now().UnixMilli())
	if err != nil {
		return "", err
	}
	jobID := uuid.NewString()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO cron_jobs (job_id, schedule_kind, schedule_expr, scope, actor_id, payload, enabled, next_run_at_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		jobID, string(kind), expr, scope, actorID, payload, nextRun, time.Now().UnixMilli(),
	)
	return jobID, err
}

func (r *Runner) Enable(ctx context.Context, jobID string, enabled bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE cron_jobs SET enabled = ? WHERE job_id = ?`, boolToInt(enabled), jobID)
	return err
}

func (r *Runner) Remove(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE job_id = ?`, jobID)
	return err
}

func (r *Runner) List(ctx context.Context) ([]Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT job_id, schedule_kind, schedule_expr, scope, actor_id, payload, enabled, COALESCE(next_run_at_ms, 0) FROM cron_jobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var enabled int
		if err := rows.Scan(&j.JobID, &j.ScheduleKind, &j.ScheduleExpr, &j.Scope, &j.ActorID, &j.Payload, &enabled, &j.NextRunAtMs); err != nil {
			return nil, err
		}
		j.Enabled = enabled != 0
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimDue atomically claims one due, unleased job, returning (nil, nil)
// when there is nothing to claim.
func (r *Runner) ClaimDue(ctx context.Context) (*Job, error) {
	now := time.Now().UnixMilli()
	leaseExp := time.Now().Add(r.leaseDuration).UnixMilli()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT job_id, schedule_kind, schedule_expr, scope, actor_id, payload, next_run_at_ms
		 FROM cron_jobs
		 WHERE enabled = 1 AND next_run_at_ms <= ?
		   AND (lease_expires IS NULL OR lease_expires < ?)
		 ORDER BY next_run_at_ms ASC LIMIT 1`,
		now, now,
	)

	var j Job
	if err := row.Scan(&j.JobID, &j.ScheduleKind, &j.ScheduleExpr, &j.Scope, &j.ActorID, &j.Payload, &j.NextRunAtMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cron_jobs SET lease_owner = ?, lease_expires = ? WHERE job_id = ?`,
		r.leaseOwner, leaseExp, j.JobID,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &j, nil
}

// RunOnce claims and executes at most one due job, advancing its schedule
// and releasing the lease afterward. Returns false when nothing was due.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.ClaimDue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	runID := uuid.NewString()
	r.db.ExecContext(ctx, `INSERT INTO cron_runs (run_id, job_id, started_at, status) VALUES (?, ?, ?, 'running')`,
		runID, job.JobID, time.Now().UnixMilli())

	runCtx := ctx
	var cancel context.CancelFunc
	if r.deadlines.Soft > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.deadlines.Soft)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- r.handler(runCtx, *job) }()

	var runErr error
	hard := r.deadlines.Hard
	if hard <= 0 {
		hard = 10 * time.Minute
	}
	select {
	case runErr = <-done:
	case <-time.After(hard):
		runErr = fmt.Errorf("cron job timed out after %s (executor did not honor abort)", formatMillis(r.deadlines.Soft))
		slog.Warn("scheduler.hard_deadline_abandoned", "job_id", job.JobID, "hard_deadline", hard)
	}

	status := "ok"
	var message string
	if runErr != nil {
		status = "error"
		message = runErr.Error()
		slog.Warn("scheduler.run_failed", "job_id", job.JobID, "error", runErr)
	}
	r.db.ExecContext(ctx, `UPDATE cron_runs SET finished_at = ?, status = ?, message = ? WHERE run_id = ?`,
		time.Now().UnixMilli(), status, message, runID)

	if job.ScheduleKind == KindAt {
		r.db.ExecContext(ctx, `UPDATE cron_jobs SET enabled = 0, lease_owner = NULL, lease_expires = NULL WHERE job_id = ?`, job.JobID)
		return true, runErr
	}

	next, nerr := ComputeNextRunAtMs(job.ScheduleKind, job.ScheduleExpr, time.Now().UnixMilli())
	if nerr != nil {
		slog.Warn("scheduler.reschedule_failed", "job_id", job.JobID, "error", nerr)
		return true, runErr
	}
	r.db.ExecContext(ctx, `UPDATE cron_jobs SET next_run_at_ms = ?, lease_owner = NULL, lease_expires = NULL WHERE job_id = ?`,
		next, job.JobID)

	return true, runErr
}

// ErrAlreadyRunning is returned by RunNow when the job currently holds an
// unexpired lease — a manual trigger never preempts a run in progress.
var ErrAlreadyRunning = errors.New("scheduler: job is already running")

// RunNow claims and executes jobID immediately, ignoring its next-run-at
// schedule, for the manual-trigger admin operation. It fails with
// ErrAlreadyRunning rather than waiting or queuing behind an in-progress
// run.
func (r *Runner) RunNow(ctx context.Context, jobID string) error {
	now := time.Now().UnixMilli()
	leaseExp := time.Now().Add(r.leaseDuration).UnixMilli()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT job_id, schedule_kind, schedule_expr, scope, actor_id, payload, next_run_at_ms, lease_expires
		 FROM cron_jobs WHERE job_id = ?`,
		jobID,
	)

	var j Job
	var leaseExpires sql.NullInt64
	if err := row.Scan(&j.JobID, &j.ScheduleKind, &j.ScheduleExpr, &j.Scope, &j.ActorID, &j.Payload, &j.NextRunAtMs, &leaseExpires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("scheduler: job %s not found", jobID)
		}
		return err
	}
	if leaseExpires.Valid && leaseExpires.Int64 >= now {
		return ErrAlreadyRunning
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cron_jobs SET lease_owner = ?, lease_expires = ? WHERE job_id = ?`,
		r.leaseOwner, leaseExp, j.JobID,
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	runID := uuid.NewString()
	r.db.ExecContext(ctx, `INSERT INTO cron_runs (run_id, job_id, started_at, status) VALUES (?, ?, ?, 'running')`,
		runID, j.JobID, time.Now().UnixMilli())

	runCtx := ctx
	var cancel context.CancelFunc
	if r.deadlines.Soft > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.deadlines.Soft)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- r.handler(runCtx, j) }()

	var runErr error
	hard := r.deadlines.Hard
	if hard <= 0 {
		hard = 10 * time.Minute
	}
	select {
	case runErr = <-done:
	case <-time.After(hard):
		runErr = fmt.Errorf("cron job timed out after %s (executor did not honor abort)", formatMillis(r.deadlines.Soft))
		slog.Warn("scheduler.hard_deadline_abandoned", "job_id", j.JobID, "hard_deadline", hard)
	}

	status := "ok"
	var message string
	if runErr != nil {
		status = "error"
		message = runErr.Error()
		slog.Warn("scheduler.run_failed", "job_id", j.JobID, "error", runErr)
	}
	r.db.ExecContext(ctx, `UPDATE cron_runs SET finished_at = ?, status = ?, message = ? WHERE run_id = ?`,
		time.Now().UnixMilli(), status, message, runID)
	r.db.ExecContext(ctx, `UPDATE cron_jobs SET lease_owner = NULL, lease_expires = NULL WHERE job_id = ?`, j.JobID)

	return runErr
}

// Poll runs RunOnce in a loop until ctx is cancelled, sleeping interval
// between iterations that found nothing due.
func (r *Runner) Poll(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				ran, err := r.RunOnce(ctx)
				if err != nil && !strings.Contains(err.Error(), "abandoned") {
					slog.Warn("scheduler.poll_error", "error", err)
				}
				if !ran {
					break
				}
			}
		}
	}
}

// formatMillis renders d as an integer-millisecond string ("1000ms") to
// match the exact hard-timeout wording §8 scenario 4 requires, rather than
// Go's default duration formatting ("1s").
func formatMillis(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
