package job

import "time"

// Status is the lifecycle state of a single execution.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Definition is a named, schedulable unit of work.
//
// Schedule is a standard five-field cron expression. TemplateID is empty for
// built-in jobs; for template jobs it must resolve in the template registry
// at schedule time or the job is skipped with a warning.
type Definition struct {
	Name        string
	Description string
	Schedule    string
	Enabled     bool
	TemplateID  string
	Params      map[string]any
	LastRunAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Execution is the audit record of one run of a job.
//
// It is created with StatusRunning immediately before handler invocation and
// finalized exactly once; finalized records are never mutated.
type Execution struct {
	ID              string
	JobName         string
	Status          Status
	StartedAt       time.Time
	FinishedAt      *time.Time
	DurationMS      int64
	Output          string
	RecordsAffected int64
	Error           string
}

// Event is a raw activity row. Producers are external; this system only
// reads events for aggregation and deletes them per retention.
type Event struct {
	ID      int64
	At      time.Time
	Kind    string
	Device  string
	Country string
	Feature string
	Actor   string
	Success bool
	Meta    string
}

// KindCount is one entry of a top-N kind breakdown.
type KindCount struct {
	Kind  string `json:"kind"`
	Count int64  `json:"count"`
}

// DailyStat is the summary row for one closed day, keyed by the day's
// midnight in the reference timezone.
type DailyStat struct {
	Day          time.Time
	TotalEvents  int64
	ActiveActors int64
	NewActors    int64
	MobileCount  int64
	SuccessCount int64
	FailureCount int64
	TopKinds     []KindCount
}

// HourlyStat is the summary row for one closed clock hour.
type HourlyStat struct {
	Hour         time.Time
	TotalEvents  int64
	ActiveActors int64
	MobileCount  int64
}

// FeatureStat is the per-feature summary for one closed day.
type FeatureStat struct {
	Day          time.Time
	Feature      string
	Uses         int64
	UniqueActors int64
}

// RetentionSettings holds the configurable retention horizons, in days.
// Hourly summaries use the fixed HourlyRetainDays horizon instead.
type RetentionSettings struct {
	RetainRawDays       int
	RetainAggregateDays int
	UpdatedAt           time.Time
}

const (
	DefaultRetainRawDays       = 90
	DefaultRetainAggregateDays = 365

	// HourlyRetainDays is intentionally not configurable: hourly rows exist
	// for short-term drill-down and age out quickly.
	HourlyRetainDays = 30
)

// Defaults fills zero horizons with the hard-coded fallbacks.
func (r RetentionSettings) Defaults() RetentionSettings {
	if r.RetainRawDays <= 0 {
		r.RetainRawDays = DefaultRetainRawDays
	}
	if r.RetainAggregateDays <= 0 {
		r.RetainAggregateDays = DefaultRetainAggregateDays
	}
	return r
}
