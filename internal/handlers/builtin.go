package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chronod/internal/job"
	"chronod/internal/template"
	logx "chronod/pkg/logx"
)

// HealthCheck pings the store and, when requested, probes network
// reachability. A failing store is a hard failure; a failing network probe
// degrades the result but does not fail the run.
func (s *Set) HealthCheck(ctx context.Context, params template.Params) (template.Result, error) {
	start := time.Now()
	if err := s.Store.Ping(ctx); err != nil {
		return template.Result{}, fmt.Errorf("store ping: %w", err)
	}
	storeLatency := time.Since(start)

	parts := []string{fmt.Sprintf("store ok (%s)", storeLatency.Round(time.Millisecond))}

	if params.Bool("network", false) && s.Probe != nil {
		lat, err := s.Probe.Ping(ctx)
		if err != nil {
			s.Log.Warn("network probe failed", logx.Err(err))
			parts = append(parts, fmt.Sprintf("network probe failed: %v", err))
		} else {
			parts = append(parts, fmt.Sprintf("network ok (%s)", lat.Round(time.Millisecond)))
		}
	}

	return template.Result{
		Success: true,
		Output:  strings.Join(parts, "; "),
	}, nil
}

// AlertCheck inspects the most recent executions of a watched job and
// notifies the operator when the latest runs are failures.
func (s *Set) AlertCheck(ctx context.Context, params template.Params) (template.Result, error) {
	watched := params.String("job", "")
	if watched == "" {
		return template.Result{}, fmt.Errorf("alert check requires a job param")
	}
	threshold := params.Int("failures", 1)
	if threshold < 1 {
		threshold = 1
	}

	execs, err := s.Store.ListExecutions(ctx, watched, threshold)
	if err != nil {
		return template.Result{}, fmt.Errorf("list executions of %q: %w", watched, err)
	}
	if len(execs) == 0 {
		return template.Result{Success: true, Output: fmt.Sprintf("no runs of %q yet", watched)}, nil
	}

	failures := 0
	for _, e := range execs {
		if e.Status != job.StatusFailure {
			break
		}
		failures++
	}

	if failures < threshold {
		return template.Result{
			Success: true,
			Output:  fmt.Sprintf("%q healthy (last status %s)", watched, execs[0].Status),
		}, nil
	}

	text := fmt.Sprintf("job %q failed %d consecutive time(s); last error: %s",
		watched, failures, execs[0].Error)
	if s.Notifier != nil {
		if err := s.Notifier.Send(ctx, text); err != nil {
			return template.Result{}, fmt.Errorf("send alert: %w", err)
		}
	}
	return template.Result{
		Success:         true,
		RecordsAffected: int64(failures),
		Output:          "alert sent: " + text,
	}, nil
}
