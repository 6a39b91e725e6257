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

// retention loads the stored horizons, falling back to the hard-coded
// defaults when no settings row exists. Read fresh on every run so
// operator changes apply to the next cycle without a restart.
func (s *Set) retention(ctx context.Context) (job.RetentionSettings, error) {
	rs, err := s.Store.GetRetentionSettings(ctx)
	if err != nil {
		return job.RetentionSettings{}, fmt.Errorf("load retention settings: %w", err)
	}
	if rs == nil {
		return job.RetentionSettings{}.Defaults(), nil
	}
	return rs.Defaults(), nil
}

// CleanupRaw deletes raw event rows older than the raw retention horizon.
// The cutoff is a whole-day boundary, so the current day is never touched.
func (s *Set) CleanupRaw(ctx context.Context, params template.Params) (template.Result, error) {
	rs, err := s.retention(ctx)
	if err != nil {
		return template.Result{}, err
	}
	days := params.Int("days", rs.RetainRawDays)
	if days < 1 {
		days = 1
	}
	cutoff := s.dayStart(time.Now()).AddDate(0, 0, -days)

	n, err := s.Store.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		return template.Result{}, fmt.Errorf("delete events before %s: %w", cutoff.Format("2006-01-02"), err)
	}
	s.Log.Info("raw events pruned", logx.Int64("deleted", n), logx.Time("cutoff", cutoff))
	return template.Result{
		Success:         true,
		RecordsAffected: n,
		Output:          fmt.Sprintf("deleted %d events older than %s", n, cutoff.Format("2006-01-02")),
	}, nil
}

// CleanupAggregates prunes summary rows: daily and feature rows past the
// aggregate horizon, hourly rows past their fixed 30-day horizon.
func (s *Set) CleanupAggregates(ctx context.Context, params template.Params) (template.Result, error) {
	rs, err := s.retention(ctx)
	if err != nil {
		return template.Result{}, err
	}
	days := params.Int("days", rs.RetainAggregateDays)
	if days < 1 {
		days = 1
	}
	today := s.dayStart(time.Now())
	aggCutoff := today.AddDate(0, 0, -days)
	hourlyCutoff := today.AddDate(0, 0, -job.HourlyRetainDays)

	nd, err := s.Store.DeleteDailyStatsBefore(ctx, aggCutoff)
	if err != nil {
		return template.Result{}, fmt.Errorf("prune daily summaries: %w", err)
	}
	nf, err := s.Store.DeleteFeatureStatsBefore(ctx, aggCutoff)
	if err != nil {
		return template.Result{}, fmt.Errorf("prune feature summaries: %w", err)
	}
	nh, err := s.Store.DeleteHourlyStatsBefore(ctx, hourlyCutoff)
	if err != nil {
		return template.Result{}, fmt.Errorf("prune hourly summaries: %w", err)
	}

	total := nd + nf + nh
	parts := []string{
		fmt.Sprintf("daily=%d", nd),
		fmt.Sprintf("feature=%d", nf),
		fmt.Sprintf("hourly=%d", nh),
	}
	s.Log.Info("aggregates pruned",
		logx.Int64("daily", nd), logx.Int64("feature", nf), logx.Int64("hourly", nh))
	return template.Result{
		Success:         true,
		RecordsAffected: total,
		Output:          fmt.Sprintf("deleted %d summary rows (%s)", total, strings.Join(parts, ", ")),
	}, nil
}

// CleanupLogs prunes finished execution records older than the given
// horizon (default 30 days).
func (s *Set) CleanupLogs(ctx context.Context, params template.Params) (template.Result, error) {
	days := params.Int("days", 30)
	if days < 1 {
		days = 1
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	n, err := s.Store.DeleteExecutionsBefore(ctx, cutoff)
	if err != nil {
		return template.Result{}, fmt.Errorf("prune execution history: %w", err)
	}
	return template.Result{
		Success:         true,
		RecordsAffected: n,
		Output:          fmt.Sprintf("deleted %d execution records older than %d days", n, days),
	}, nil
}

// CleanupStale finalizes RUNNING executions that have been running
// implausibly long, usually orphans from a crashed process.
func (s *Set) CleanupStale(ctx context.Context, params template.Params) (template.Result, error) {
	hours := params.Int("older_than_hours", 24)
	if hours < 1 {
		hours = 1
	}
	before := time.Now().Add(-time.Duration(hours) * time.Hour)
	n, err := s.Store.MarkStaleRunning(ctx, before, "stale running sweep")
	if err != nil {
		return template.Result{}, fmt.Errorf("sweep stale executions: %w", err)
	}
	if n > 0 {
		s.Log.Warn("stale running executions swept", logx.Int64("count", n), logx.Int("older_than_hours", hours))
	}
	return template.Result{
		Success:         true,
		RecordsAffected: n,
		Output:          fmt.Sprintf("marked %d stale executions as failed", n),
	}, nil
}
