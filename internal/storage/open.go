package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"chronod/internal/job"
	logx "chronod/pkg/logx"
)

// Store is the persistence API consumed by the scheduler, the execution
// engine, and the aggregation/retention handlers.
type Store interface {
	// Job definitions.
	FindEnabledJobs(ctx context.Context) ([]job.Definition, error)
	FindJobByName(ctx context.Context, name string) (*job.Definition, error)
	UpsertJob(ctx context.Context, d job.Definition) error
	SetJobEnabled(ctx context.Context, name string, enabled bool) error
	UpdateLastRun(ctx context.Context, name string, at time.Time) error

	// Execution records.
	CreateExecution(ctx context.Context, e job.Execution) error
	UpdateExecution(ctx context.Context, id string, u ExecutionUpdate) error
	ListExecutions(ctx context.Context, jobName string, limit int) ([]job.Execution, error)
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	MarkStaleRunning(ctx context.Context, startedBefore time.Time, reason string) (int64, error)

	// Raw event rows.
	InsertEvent(ctx context.Context, e job.Event) error
	EventWindowStats(ctx context.Context, from, to time.Time) (EventWindowStats, error)
	FeatureWindowStats(ctx context.Context, from, to time.Time) ([]job.FeatureStat, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Summary buckets (idempotent upserts keyed by bucket start).
	UpsertDailyStat(ctx context.Context, s job.DailyStat) error
	GetDailyStat(ctx context.Context, day time.Time) (*job.DailyStat, error)
	DeleteDailyStatsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	UpsertHourlyStat(ctx context.Context, s job.HourlyStat) error
	GetHourlyStat(ctx context.Context, hour time.Time) (*job.HourlyStat, error)
	DeleteHourlyStatsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	UpsertFeatureStat(ctx context.Context, s job.FeatureStat) error
	GetFeatureStat(ctx context.Context, day time.Time, feature string) (*job.FeatureStat, error)
	DeleteFeatureStatsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Retention settings; Get returns (nil, nil) when no row exists and
	// callers fall back to the hard-coded defaults.
	GetRetentionSettings(ctx context.Context) (*job.RetentionSettings, error)
	SaveRetentionSettings(ctx context.Context, s job.RetentionSettings) error

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(context.Background(), cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
