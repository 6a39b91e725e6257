// Package engine owns per-run accounting: every invocation of a job gets
// exactly one execution record that starts RUNNING and is finalized as
// SUCCESS or FAILURE.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"chronod/internal/job"
	"chronod/internal/storage"
	"chronod/internal/template"
	logx "chronod/pkg/logx"
)

// Fn produces the result of one run. The engine converts panics inside fn
// to errors, so callers never need their own recover.
type Fn func(ctx context.Context) (template.Result, error)

type Engine struct {
	store storage.Store
	log   logx.Logger
	boot  time.Time
}

func New(store storage.Store, log logx.Logger) *Engine {
	return &Engine{store: store, log: log, boot: time.Now()}
}

// Execute runs fn under a fresh execution record for jobName.
//
// Missing or disabled jobs are a silent no-op: a definition can be removed
// or disabled between arming and firing, and that race is not an error.
// The RUNNING record is always finalized unless the process dies.
func (e *Engine) Execute(ctx context.Context, jobName string, fn Fn) error {
	def, err := e.store.FindJobByName(ctx, jobName)
	if errors.Is(err, storage.ErrNotFound) {
		e.log.Debug("job vanished before run", logx.String("job", jobName))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %q: %w", jobName, err)
	}
	if !def.Enabled {
		e.log.Debug("job disabled, skipping run", logx.String("job", jobName))
		return nil
	}

	exec := job.Execution{
		ID:        uuid.NewString(),
		JobName:   jobName,
		Status:    job.StatusRunning,
		StartedAt: time.Now(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("create execution for %q: %w", jobName, err)
	}

	res, runErr := e.invoke(ctx, jobName, fn)

	finished := time.Now()
	upd := storage.ExecutionUpdate{
		FinishedAt: finished,
		DurationMS: finished.Sub(exec.StartedAt).Milliseconds(),
	}
	switch {
	case runErr != nil:
		upd.Status = job.StatusFailure
		upd.Error = runErr.Error()
	case !res.Success:
		upd.Status = job.StatusFailure
		upd.Output = res.Output
		upd.RecordsAffected = res.RecordsAffected
		upd.Error = "handler reported failure"
	default:
		upd.Status = job.StatusSuccess
		upd.Output = res.Output
		upd.RecordsAffected = res.RecordsAffected
	}

	// Finalization failures are logged, not returned: the run itself already
	// happened and its outcome is what callers care about.
	if err := e.store.UpdateExecution(ctx, exec.ID, upd); err != nil {
		e.log.Error("finalize execution failed",
			logx.String("job", jobName), logx.String("id", exec.ID), logx.Err(err))
	}
	if err := e.store.UpdateLastRun(ctx, jobName, exec.StartedAt); err != nil {
		e.log.Error("update last run failed", logx.String("job", jobName), logx.Err(err))
	}

	if runErr != nil {
		e.log.Warn("job failed",
			logx.String("job", jobName),
			logx.Int64("duration_ms", upd.DurationMS),
			logx.Err(runErr))
		return runErr
	}
	e.log.Info("job finished",
		logx.String("job", jobName),
		logx.String("status", string(upd.Status)),
		logx.Int64("duration_ms", upd.DurationMS),
		logx.Int64("records", upd.RecordsAffected))
	return nil
}

func (e *Engine) invoke(ctx context.Context, jobName string, fn Fn) (res template.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			e.log.Error("job panicked",
				logx.String("job", jobName),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	return fn(ctx)
}

// SweepStaleRunning finalizes RUNNING executions left behind by a previous
// process as FAILURE. Called once at startup, before the scheduler arms.
func (e *Engine) SweepStaleRunning(ctx context.Context) (int64, error) {
	n, err := e.store.MarkStaleRunning(ctx, e.boot, "interrupted by restart")
	if err != nil {
		return 0, fmt.Errorf("sweep stale executions: %w", err)
	}
	if n > 0 {
		e.log.Warn("swept stale running executions", logx.Int64("count", n))
	}
	return n, nil
}
