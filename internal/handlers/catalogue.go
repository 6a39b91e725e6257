package handlers

import "chronod/internal/template"

// Template ids of the shipped catalogue.
const (
	TplDailyAggregation   = "daily_aggregation"
	TplHourlyAggregation  = "hourly_aggregation"
	TplFeatureAggregation = "feature_aggregation"
	TplRawCleanup         = "raw_cleanup"
	TplAggregateCleanup   = "aggregate_cleanup"
	TplLogCleanup         = "log_cleanup"
	TplHealthCheck        = "health_check"
	TplAnalyticsRefresh   = "analytics_refresh"
	TplStaleCleanup       = "stale_cleanup"
	TplAlertCheck         = "alert_check"
)

const (
	CategoryAnalytics   = "analytics"
	CategoryMaintenance = "maintenance"
	CategoryMonitoring  = "monitoring"
)

// RegisterAll puts the full shipped catalogue into the registry.
func (s *Set) RegisterAll(reg *template.Registry) {
	reg.Register(template.Template{
		ID:          TplDailyAggregation,
		Name:        "Daily aggregation",
		Description: "Rolls yesterday's events into one daily summary row.",
		Category:    CategoryAnalytics,
		Handler:     s.AggregateDaily,
	})
	reg.Register(template.Template{
		ID:          TplHourlyAggregation,
		Name:        "Hourly aggregation",
		Description: "Rolls the previous clock hour into one hourly summary row.",
		Category:    CategoryAnalytics,
		Handler:     s.AggregateHourly,
	})
	reg.Register(template.Template{
		ID:          TplFeatureAggregation,
		Name:        "Feature aggregation",
		Description: "Writes per-feature usage rows for yesterday.",
		Category:    CategoryAnalytics,
		Handler:     s.AggregateFeatures,
	})
	reg.Register(template.Template{
		ID:          TplAnalyticsRefresh,
		Name:        "Analytics refresh",
		Description: "Re-aggregates the last closed day and hour buckets.",
		Category:    CategoryAnalytics,
		Handler:     s.AnalyticsRefresh,
	})

	reg.Register(template.Template{
		ID:          TplRawCleanup,
		Name:        "Raw event cleanup",
		Description: "Deletes raw events older than the raw retention horizon.",
		Category:    CategoryMaintenance,
		Params: []template.ParamSpec{
			{
				Name: "days", Type: template.TypeNumber, Label: "Days to keep",
				Description: "Overrides the stored raw retention horizon.",
				Min:         template.Ptr(1), Max: template.Ptr(3650),
			},
		},
		Handler: s.CleanupRaw,
	})
	reg.Register(template.Template{
		ID:          TplAggregateCleanup,
		Name:        "Aggregate cleanup",
		Description: "Prunes daily/feature summaries past the aggregate horizon and hourly summaries past 30 days.",
		Category:    CategoryMaintenance,
		Params: []template.ParamSpec{
			{
				Name: "days", Type: template.TypeNumber, Label: "Days to keep",
				Description: "Overrides the stored aggregate retention horizon.",
				Min:         template.Ptr(1), Max: template.Ptr(3650),
			},
		},
		Handler: s.CleanupAggregates,
	})
	reg.Register(template.Template{
		ID:          TplLogCleanup,
		Name:        "Execution history cleanup",
		Description: "Deletes finished execution records older than the horizon.",
		Category:    CategoryMaintenance,
		Params: []template.ParamSpec{
			{
				Name: "days", Type: template.TypeNumber, Label: "Days to keep",
				Default: 30, Min: template.Ptr(1), Max: template.Ptr(365),
			},
		},
		Handler: s.CleanupLogs,
	})
	reg.Register(template.Template{
		ID:          TplStaleCleanup,
		Name:        "Stale execution cleanup",
		Description: "Marks long-stuck RUNNING executions as failed.",
		Category:    CategoryMaintenance,
		Params: []template.ParamSpec{
			{
				Name: "older_than_hours", Type: template.TypeNumber, Label: "Age in hours",
				Default: 24, Min: template.Ptr(1), Max: template.Ptr(720),
			},
		},
		Handler: s.CleanupStale,
	})

	reg.Register(template.Template{
		ID:          TplHealthCheck,
		Name:        "Health check",
		Description: "Pings the store and optionally probes network reachability.",
		Category:    CategoryMonitoring,
		Params: []template.ParamSpec{
			{
				Name: "network", Type: template.TypeBoolean, Label: "Network probe",
				Description: "Also ping the nearest public speedtest server.",
				Default:     false,
			},
		},
		Handler: s.HealthCheck,
	})
	reg.Register(template.Template{
		ID:          TplAlertCheck,
		Name:        "Alert check",
		Description: "Notifies the operator when a watched job keeps failing.",
		Category:    CategoryMonitoring,
		Params: []template.ParamSpec{
			{
				Name: "job", Type: template.TypeText, Label: "Watched job",
				Required: true,
			},
			{
				Name: "failures", Type: template.TypeNumber, Label: "Failure threshold",
				Default: 1, Min: template.Ptr(1), Max: template.Ptr(100),
			},
		},
		Handler: s.AlertCheck,
	})
}
