package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chronod/internal/handlers"
	"chronod/internal/job"
	"chronod/internal/storage"
	logx "chronod/pkg/logx"
)

// Job names the daemon creates on first start. The operational built-ins
// resolve through the scheduler's builtin table; the rest bind templates.
const (
	JobDailyAggregation   = "daily-aggregation"
	JobHourlyAggregation  = "hourly-aggregation"
	JobFeatureAggregation = "feature-aggregation"
	JobRawCleanup         = "raw-cleanup"
	JobAggregateCleanup   = "aggregate-cleanup"

	JobLogCleanup       = "log-cleanup"
	JobHealthCheck      = "health-check"
	JobAnalyticsRefresh = "analytics-refresh"
	JobStaleCleanup     = "stale-cleanup"
)

var seedDefs = []job.Definition{
	{
		Name:        JobDailyAggregation,
		Description: "Roll up yesterday's events into the daily summary.",
		Schedule:    "30 0 * * *",
		Enabled:     true,
		TemplateID:  handlers.TplDailyAggregation,
	},
	{
		Name:        JobHourlyAggregation,
		Description: "Roll up the previous clock hour.",
		Schedule:    "5 * * * *",
		Enabled:     true,
		TemplateID:  handlers.TplHourlyAggregation,
	},
	{
		Name:        JobFeatureAggregation,
		Description: "Write per-feature usage rows for yesterday.",
		Schedule:    "40 0 * * *",
		Enabled:     true,
		TemplateID:  handlers.TplFeatureAggregation,
	},
	{
		Name:        JobRawCleanup,
		Description: "Delete raw events past the raw retention horizon.",
		Schedule:    "0 2 * * *",
		Enabled:     true,
		TemplateID:  handlers.TplRawCleanup,
	},
	{
		Name:        JobAggregateCleanup,
		Description: "Prune summary rows past their retention horizons.",
		Schedule:    "30 2 * * *",
		Enabled:     true,
		TemplateID:  handlers.TplAggregateCleanup,
	},
	{
		Name:        JobLogCleanup,
		Description: "Delete old execution history.",
		Schedule:    "15 3 * * *",
		Enabled:     true,
	},
	{
		Name:        JobHealthCheck,
		Description: "Ping the store.",
		Schedule:    "*/15 * * * *",
		Enabled:     true,
	},
	{
		Name:        JobAnalyticsRefresh,
		Description: "Re-aggregate the last closed day and hour.",
		Schedule:    "0 */6 * * *",
		Enabled:     true,
	},
	{
		Name:        JobStaleCleanup,
		Description: "Fail executions stuck in RUNNING.",
		Schedule:    "45 * * * *",
		Enabled:     true,
	},
}

// SeedJobs creates the shipped job definitions that don't exist yet.
// Existing rows are left alone so operator edits (schedule tweaks,
// disabling a job) survive restarts.
func SeedJobs(ctx context.Context, store storage.Store, log logx.Logger) error {
	created := 0
	for _, d := range seedDefs {
		_, err := store.FindJobByName(ctx, d.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("check job %q: %w", d.Name, err)
		}
		now := time.Now()
		d.CreatedAt = now
		d.UpdatedAt = now
		if err := store.UpsertJob(ctx, d); err != nil {
			return fmt.Errorf("seed job %q: %w", d.Name, err)
		}
		created++
		log.Info("job seeded", logx.String("job", d.Name), logx.String("schedule", d.Schedule))
	}
	if created > 0 {
		log.Info("seeded default jobs", logx.Int("count", created))
	}
	return nil
}
