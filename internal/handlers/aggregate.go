// Package handlers implements the job handlers shipped with the daemon:
// summary aggregation, retention cleanup, and the operational built-ins.
package handlers

import (
	"context"
	"fmt"
	"time"

	"chronod/internal/job"
	"chronod/internal/storage"
	"chronod/internal/template"
	logx "chronod/pkg/logx"
)

// Notifier delivers plain-text operator notifications.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Probe measures reachability of an external network dependency.
type Probe interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// Set bundles the handler dependencies. Location fixes the timezone all
// day buckets are computed in.
type Set struct {
	Store    storage.Store
	Log      logx.Logger
	Location *time.Location
	Notifier Notifier
	Probe    Probe
}

func (s *Set) loc() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.Local
}

// dayStart returns midnight of t's day in the reference timezone.
func (s *Set) dayStart(t time.Time) time.Time {
	t = t.In(s.loc())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc())
}

// hourStart returns the top of t's clock hour in the reference timezone.
func (s *Set) hourStart(t time.Time) time.Time {
	t = t.In(s.loc())
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, s.loc())
}

// AggregateDaily rolls up yesterday's events into one daily summary row.
// Re-running for the same day overwrites the row with identical counters,
// so duplicate ticks converge.
func (s *Set) AggregateDaily(ctx context.Context, _ template.Params) (template.Result, error) {
	day := s.dayStart(time.Now()).AddDate(0, 0, -1)
	if err := s.aggregateDay(ctx, day); err != nil {
		return template.Result{}, err
	}
	return template.Result{
		Success:         true,
		RecordsAffected: 1,
		Output:          fmt.Sprintf("daily summary upserted for %s", day.Format("2006-01-02")),
	}, nil
}

// aggregateDay computes and upserts the summary for the day starting at
// day. All reads complete before the single write.
func (s *Set) aggregateDay(ctx context.Context, day time.Time) error {
	from, to := day, day.AddDate(0, 0, 1)
	stats, err := s.Store.EventWindowStats(ctx, from, to)
	if err != nil {
		return fmt.Errorf("read events for %s: %w", day.Format("2006-01-02"), err)
	}
	row := job.DailyStat{
		Day:          day,
		TotalEvents:  stats.TotalEvents,
		ActiveActors: stats.ActiveActors,
		NewActors:    stats.NewActors,
		MobileCount:  stats.MobileCount,
		SuccessCount: stats.SuccessCount,
		FailureCount: stats.FailureCount,
		TopKinds:     stats.TopKinds,
	}
	if err := s.Store.UpsertDailyStat(ctx, row); err != nil {
		return fmt.Errorf("upsert daily summary: %w", err)
	}
	s.Log.Debug("daily summary upserted",
		logx.Time("day", day),
		logx.Int64("total", row.TotalEvents),
		logx.Int64("actors", row.ActiveActors))
	return nil
}

// AggregateHourly rolls up the previous clock hour.
func (s *Set) AggregateHourly(ctx context.Context, _ template.Params) (template.Result, error) {
	hour := s.hourStart(time.Now()).Add(-time.Hour)
	if err := s.aggregateHour(ctx, hour); err != nil {
		return template.Result{}, err
	}
	return template.Result{
		Success:         true,
		RecordsAffected: 1,
		Output:          fmt.Sprintf("hourly summary upserted for %s", hour.Format("2006-01-02 15:00")),
	}, nil
}

func (s *Set) aggregateHour(ctx context.Context, hour time.Time) error {
	stats, err := s.Store.EventWindowStats(ctx, hour, hour.Add(time.Hour))
	if err != nil {
		return fmt.Errorf("read events for hour %s: %w", hour.Format(time.RFC3339), err)
	}
	row := job.HourlyStat{
		Hour:         hour,
		TotalEvents:  stats.TotalEvents,
		ActiveActors: stats.ActiveActors,
		MobileCount:  stats.MobileCount,
	}
	if err := s.Store.UpsertHourlyStat(ctx, row); err != nil {
		return fmt.Errorf("upsert hourly summary: %w", err)
	}
	return nil
}

// AggregateFeatures writes one per-feature summary row for each feature
// used yesterday. Features with no rows get no row; the zero-counter
// guarantee applies to day and hour buckets only.
func (s *Set) AggregateFeatures(ctx context.Context, _ template.Params) (template.Result, error) {
	day := s.dayStart(time.Now()).AddDate(0, 0, -1)
	n, err := s.aggregateFeatures(ctx, day)
	if err != nil {
		return template.Result{}, err
	}
	return template.Result{
		Success:         true,
		RecordsAffected: n,
		Output:          fmt.Sprintf("%d feature rows upserted for %s", n, day.Format("2006-01-02")),
	}, nil
}

func (s *Set) aggregateFeatures(ctx context.Context, day time.Time) (int64, error) {
	rows, err := s.Store.FeatureWindowStats(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		return 0, fmt.Errorf("read feature usage for %s: %w", day.Format("2006-01-02"), err)
	}
	var n int64
	for _, r := range rows {
		r.Day = day
		if err := s.Store.UpsertFeatureStat(ctx, r); err != nil {
			return n, fmt.Errorf("upsert feature %q: %w", r.Feature, err)
		}
		n++
	}
	return n, nil
}

// AnalyticsRefresh re-aggregates the last closed day and hour buckets.
// Everything it touches is an idempotent upsert, so it doubles as a manual
// backfill convenience.
func (s *Set) AnalyticsRefresh(ctx context.Context, _ template.Params) (template.Result, error) {
	now := time.Now()
	day := s.dayStart(now).AddDate(0, 0, -1)
	hour := s.hourStart(now).Add(-time.Hour)

	if err := s.aggregateDay(ctx, day); err != nil {
		return template.Result{}, err
	}
	nf, err := s.aggregateFeatures(ctx, day)
	if err != nil {
		return template.Result{}, err
	}
	if err := s.aggregateHour(ctx, hour); err != nil {
		return template.Result{}, err
	}
	return template.Result{
		Success:         true,
		RecordsAffected: 2 + nf,
		Output: fmt.Sprintf("refreshed day %s (%d features) and hour %s",
			day.Format("2006-01-02"), nf, hour.Format("15:00")),
	}, nil
}
