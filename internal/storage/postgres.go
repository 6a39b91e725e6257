package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"chronod/internal/job"
	logx "chronod/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    name        TEXT PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    schedule    TEXT NOT NULL,
    enabled     BOOLEAN NOT NULL DEFAULT TRUE,
    template_id TEXT NOT NULL DEFAULT '',
    params      JSONB NOT NULL DEFAULT '{}',
    last_run_at TIMESTAMPTZ,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS job_executions (
    id               TEXT PRIMARY KEY,
    job_name         TEXT NOT NULL,
    status           TEXT NOT NULL,
    started_at       TIMESTAMPTZ NOT NULL,
    finished_at      TIMESTAMPTZ,
    duration_ms      BIGINT NOT NULL DEFAULT 0,
    output           TEXT NOT NULL DEFAULT '',
    records_affected BIGINT NOT NULL DEFAULT 0,
    error            TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_job_executions_job_started
    ON job_executions(job_name, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_job_executions_status
    ON job_executions(status, started_at);

CREATE TABLE IF NOT EXISTS events (
    id      BIGSERIAL PRIMARY KEY,
    at      TIMESTAMPTZ NOT NULL,
    kind    TEXT NOT NULL,
    device  TEXT NOT NULL DEFAULT '',
    country TEXT NOT NULL DEFAULT '',
    feature TEXT NOT NULL DEFAULT '',
    actor   TEXT NOT NULL DEFAULT '',
    success BOOLEAN NOT NULL DEFAULT TRUE,
    meta    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
CREATE INDEX IF NOT EXISTS idx_events_actor_at ON events(actor, at);

CREATE TABLE IF NOT EXISTS daily_stats (
    day           TIMESTAMPTZ PRIMARY KEY,
    total_events  BIGINT NOT NULL DEFAULT 0,
    active_actors BIGINT NOT NULL DEFAULT 0,
    new_actors    BIGINT NOT NULL DEFAULT 0,
    mobile_count  BIGINT NOT NULL DEFAULT 0,
    success_count BIGINT NOT NULL DEFAULT 0,
    failure_count BIGINT NOT NULL DEFAULT 0,
    top_kinds     JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS hourly_stats (
    hour          TIMESTAMPTZ PRIMARY KEY,
    total_events  BIGINT NOT NULL DEFAULT 0,
    active_actors BIGINT NOT NULL DEFAULT 0,
    mobile_count  BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS feature_stats (
    day           TIMESTAMPTZ NOT NULL,
    feature       TEXT NOT NULL,
    uses          BIGINT NOT NULL DEFAULT 0,
    unique_actors BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (day, feature)
);

CREATE TABLE IF NOT EXISTS retention_settings (
    id                    INTEGER PRIMARY KEY CHECK (id = 1),
    retain_raw_days       INTEGER NOT NULL,
    retain_aggregate_days INTEGER NOT NULL,
    updated_at            TIMESTAMPTZ NOT NULL
);
`

type postgresStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// pgJob mirrors the jobs table for sqlx scanning.
type pgJob struct {
	Name        string         `db:"name"`
	Description string         `db:"description"`
	Schedule    string         `db:"schedule"`
	Enabled     bool           `db:"enabled"`
	TemplateID  string         `db:"template_id"`
	Params      []byte         `db:"params"`
	LastRunAt   *time.Time     `db:"last_run_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (p pgJob) toDefinition() (job.Definition, error) {
	d := job.Definition{
		Name:        p.Name,
		Description: p.Description,
		Schedule:    p.Schedule,
		Enabled:     p.Enabled,
		TemplateID:  p.TemplateID,
		LastRunAt:   p.LastRunAt,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if len(p.Params) > 0 {
		if err := json.Unmarshal(p.Params, &d.Params); err != nil {
			return job.Definition{}, fmt.Errorf("decode params for %q: %w", p.Name, err)
		}
	}
	return d, nil
}

func (s *postgresStore) FindEnabledJobs(ctx context.Context) ([]job.Definition, error) {
	var rows []pgJob
	err := s.db.SelectContext(ctx, &rows,
		`SELECT name, description, schedule, enabled, template_id, params, last_run_at, created_at, updated_at
		 FROM jobs WHERE enabled ORDER BY name`)
	if err != nil {
		return nil, err
	}
	out := make([]job.Definition, 0, len(rows))
	for _, r := range rows {
		d, err := r.toDefinition()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *postgresStore) FindJobByName(ctx context.Context, name string) (*job.Definition, error) {
	var row pgJob
	err := s.db.GetContext(ctx, &row,
		`SELECT name, description, schedule, enabled, template_id, params, last_run_at, created_at, updated_at
		 FROM jobs WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d, err := row.toDefinition()
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *postgresStore) UpsertJob(ctx context.Context, d job.Definition) error {
	params, err := json.Marshal(d.Params)
	if err != nil {
		return err
	}
	if d.Params == nil {
		params = []byte("{}")
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(name, description, schedule, enabled, template_id, params, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT(name) DO UPDATE SET
		   description=EXCLUDED.description,
		   schedule=EXCLUDED.schedule,
		   enabled=EXCLUDED.enabled,
		   template_id=EXCLUDED.template_id,
		   params=EXCLUDED.params,
		   updated_at=EXCLUDED.updated_at`,
		d.Name, d.Description, d.Schedule, d.Enabled, d.TemplateID, params, d.CreatedAt, now)
	return err
}

func (s *postgresStore) SetJobEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET enabled=$1, updated_at=$2 WHERE name=$3`, enabled, time.Now(), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) UpdateLastRun(ctx context.Context, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET last_run_at=$1 WHERE name=$2`, at, name)
	return err
}

type pgExecution struct {
	ID              string     `db:"id"`
	JobName         string     `db:"job_name"`
	Status          string     `db:"status"`
	StartedAt       time.Time  `db:"started_at"`
	FinishedAt      *time.Time `db:"finished_at"`
	DurationMS      int64      `db:"duration_ms"`
	Output          string     `db:"output"`
	RecordsAffected int64      `db:"records_affected"`
	Error           string     `db:"error"`
}

func (s *postgresStore) CreateExecution(ctx context.Context, e job.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_executions(id, job_name, status, started_at, duration_ms, output, records_affected, error)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.JobName, string(e.Status), e.StartedAt, e.DurationMS, e.Output, e.RecordsAffected, e.Error)
	return err
}

func (s *postgresStore) UpdateExecution(ctx context.Context, id string, u ExecutionUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_executions
		 SET status=$1, finished_at=$2, duration_ms=$3, output=$4, records_affected=$5, error=$6
		 WHERE id=$7 AND status=$8`,
		string(u.Status), u.FinishedAt, u.DurationMS, u.Output, u.RecordsAffected, u.Error,
		id, string(job.StatusRunning))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) ListExecutions(ctx context.Context, jobName string, limit int) ([]job.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []pgExecution
	var err error
	if jobName != "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT id, job_name, status, started_at, finished_at, duration_ms, output, records_affected, error
			 FROM job_executions WHERE job_name=$1 ORDER BY started_at DESC LIMIT $2`, jobName, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT id, job_name, status, started_at, finished_at, duration_ms, output, records_affected, error
			 FROM job_executions ORDER BY started_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	out := make([]job.Execution, 0, len(rows))
	for _, r := range rows {
		out = append(out, job.Execution{
			ID: r.ID, JobName: r.JobName, Status: job.Status(r.Status),
			StartedAt: r.StartedAt, FinishedAt: r.FinishedAt, DurationMS: r.DurationMS,
			Output: r.Output, RecordsAffected: r.RecordsAffected, Error: r.Error,
		})
	}
	return out, nil
}

func (s *postgresStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_executions WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *postgresStore) MarkStaleRunning(ctx context.Context, startedBefore time.Time, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_executions SET status=$1, finished_at=$2, error=$3
		 WHERE status=$4 AND started_at < $5`,
		string(job.StatusFailure), time.Now(), reason, string(job.StatusRunning), startedBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *postgresStore) InsertEvent(ctx context.Context, e job.Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(at, kind, device, country, feature, actor, success, meta)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.At, e.Kind, e.Device, e.Country, e.Feature, e.Actor, e.Success, e.Meta)
	return err
}

func (s *postgresStore) EventWindowStats(ctx context.Context, from, to time.Time) (EventWindowStats, error) {
	var out EventWindowStats
	err := s.db.QueryRowxContext(ctx,
		`SELECT COUNT(*),
		        COUNT(DISTINCT actor) FILTER (WHERE actor <> ''),
		        COUNT(*) FILTER (WHERE device = 'mobile'),
		        COUNT(*) FILTER (WHERE success),
		        COUNT(*) FILTER (WHERE NOT success)
		 FROM events WHERE at >= $1 AND at < $2`, from, to,
	).Scan(&out.TotalEvents, &out.ActiveActors, &out.MobileCount, &out.SuccessCount, &out.FailureCount)
	if err != nil {
		return out, err
	}

	err = s.db.GetContext(ctx, &out.NewActors,
		`SELECT COUNT(DISTINCT e.actor)
		 FROM events e
		 WHERE e.at >= $1 AND e.at < $2 AND e.actor <> ''
		   AND NOT EXISTS (SELECT 1 FROM events p WHERE p.actor = e.actor AND p.at < $1)`,
		from, to)
	if err != nil {
		return out, err
	}

	err = s.db.SelectContext(ctx, &out.TopKinds,
		`SELECT kind, COUNT(*) AS count FROM events
		 WHERE at >= $1 AND at < $2
		 GROUP BY kind ORDER BY count DESC, kind ASC LIMIT 5`, from, to)
	return out, err
}

func (s *postgresStore) FeatureWindowStats(ctx context.Context, from, to time.Time) ([]job.FeatureStat, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT feature, COUNT(*), COUNT(DISTINCT actor) FILTER (WHERE actor <> '')
		 FROM events
		 WHERE at >= $1 AND at < $2 AND feature <> ''
		 GROUP BY feature ORDER BY feature`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.FeatureStat
	for rows.Next() {
		var fs job.FeatureStat
		if err := rows.Scan(&fs.Feature, &fs.Uses, &fs.UniqueActors); err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}

func (s *postgresStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *postgresStore) UpsertDailyStat(ctx context.Context, st job.DailyStat) error {
	kinds, err := json.Marshal(st.TopKinds)
	if err != nil {
		return err
	}
	if st.TopKinds == nil {
		kinds = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO daily_stats(day, total_events, active_actors, new_actors, mobile_count, success_count, failure_count, top_kinds)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT(day) DO UPDATE SET
		   total_events=EXCLUDED.total_events,
		   active_actors=EXCLUDED.active_actors,
		   new_actors=EXCLUDED.new_actors,
		   mobile_count=EXCLUDED.mobile_count,
		   success_count=EXCLUDED.success_count,
		   failure_count=EXCLUDED.failure_count,
		   top_kinds=EXCLUDED.top_kinds`,
		st.Day, st.TotalEvents, st.ActiveActors, st.NewActors,
		st.MobileCount, st.SuccessCount, st.FailureCount, kinds)
	return err
}

func (s *postgresStore) GetDailyStat(ctx context.Context, day time.Time) (*job.DailyStat, error) {
	var (
		st    job.DailyStat
		kinds []byte
	)
	err := s.db.QueryRowxContext(ctx,
		`SELECT day, total_events, active_actors, new_actors, mobile_count, success_count, failure_count, top_kinds
		 FROM daily_stats WHERE day = $1`, day,
	).Scan(&st.Day, &st.TotalEvents, &st.ActiveActors, &st.NewActors,
		&st.MobileCount, &st.SuccessCount, &st.FailureCount, &kinds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(kinds) > 0 {
		if err := json.Unmarshal(kinds, &st.TopKinds); err != nil {
			return nil, err
		}
	}
	return &st, nil
}

func (s *postgresStore) DeleteDailyStatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM daily_stats WHERE day < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *postgresStore) UpsertHourlyStat(ctx context.Context, st job.HourlyStat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hourly_stats(hour, total_events, active_actors, mobile_count)
		 VALUES($1,$2,$3,$4)
		 ON CONFLICT(hour) DO UPDATE SET
		   total_events=EXCLUDED.total_events,
		   active_actors=EXCLUDED.active_actors,
		   mobile_count=EXCLUDED.mobile_count`,
		st.Hour, st.TotalEvents, st.ActiveActors, st.MobileCount)
	return err
}

func (s *postgresStore) GetHourlyStat(ctx context.Context, hour time.Time) (*job.HourlyStat, error) {
	var st job.HourlyStat
	err := s.db.QueryRowxContext(ctx,
		`SELECT hour, total_events, active_actors, mobile_count FROM hourly_stats WHERE hour = $1`, hour,
	).Scan(&st.Hour, &st.TotalEvents, &st.ActiveActors, &st.MobileCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *postgresStore) DeleteHourlyStatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hourly_stats WHERE hour < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *postgresStore) UpsertFeatureStat(ctx context.Context, st job.FeatureStat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feature_stats(day, feature, uses, unique_actors)
		 VALUES($1,$2,$3,$4)
		 ON CONFLICT(day, feature) DO UPDATE SET
		   uses=EXCLUDED.uses,
		   unique_actors=EXCLUDED.unique_actors`,
		st.Day, st.Feature, st.Uses, st.UniqueActors)
	return err
}

func (s *postgresStore) GetFeatureStat(ctx context.Context, day time.Time, feature string) (*job.FeatureStat, error) {
	var st job.FeatureStat
	err := s.db.QueryRowxContext(ctx,
		`SELECT day, feature, uses, unique_actors FROM feature_stats WHERE day = $1 AND feature = $2`,
		day, feature,
	).Scan(&st.Day, &st.Feature, &st.Uses, &st.UniqueActors)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *postgresStore) DeleteFeatureStatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM feature_stats WHERE day < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *postgresStore) GetRetentionSettings(ctx context.Context) (*job.RetentionSettings, error) {
	var rs job.RetentionSettings
	err := s.db.QueryRowxContext(ctx,
		`SELECT retain_raw_days, retain_aggregate_days, updated_at FROM retention_settings WHERE id = 1`,
	).Scan(&rs.RetainRawDays, &rs.RetainAggregateDays, &rs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

func (s *postgresStore) SaveRetentionSettings(ctx context.Context, rs job.RetentionSettings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retention_settings(id, retain_raw_days, retain_aggregate_days, updated_at)
		 VALUES(1,$1,$2,$3)
		 ON CONFLICT(id) DO UPDATE SET
		   retain_raw_days=EXCLUDED.retain_raw_days,
		   retain_aggregate_days=EXCLUDED.retain_aggregate_days,
		   updated_at=EXCLUDED.updated_at`,
		rs.RetainRawDays, rs.RetainAggregateDays, time.Now())
	return err
}
