package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chronod/internal/job"
	logx "chronod/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps timestamps as unix milliseconds so range scans and
// ordering never depend on string formats.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- jobs ----

func (s *sqliteStore) FindEnabledJobs(ctx context.Context) ([]job.Definition, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, description, schedule, enabled, template_id, params, last_run_at, created_at, updated_at
		 FROM jobs WHERE enabled = 1 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Definition
	for rows.Next() {
		d, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FindJobByName(ctx context.Context, name string) (*job.Definition, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT name, description, schedule, enabled, template_id, params, last_run_at, created_at, updated_at
		 FROM jobs WHERE name = ?`, name)
	d, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (job.Definition, error) {
	var (
		d       job.Definition
		enabled int64
		params  string
		lastRun sql.NullInt64
		created int64
		updated int64
	)
	err := r.Scan(&d.Name, &d.Description, &d.Schedule, &enabled, &d.TemplateID,
		&params, &lastRun, &created, &updated)
	if err != nil {
		return job.Definition{}, err
	}
	d.Enabled = enabled != 0
	if params != "" {
		if err := json.Unmarshal([]byte(params), &d.Params); err != nil {
			return job.Definition{}, fmt.Errorf("decode params for %q: %w", d.Name, err)
		}
	}
	if lastRun.Valid {
		t := time.UnixMilli(lastRun.Int64)
		d.LastRunAt = &t
	}
	d.CreatedAt = time.UnixMilli(created)
	d.UpdatedAt = time.UnixMilli(updated)
	return d, nil
}

func (s *sqliteStore) UpsertJob(ctx context.Context, d job.Definition) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
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
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
		   description=excluded.description,
		   schedule=excluded.schedule,
		   enabled=excluded.enabled,
		   template_id=excluded.template_id,
		   params=excluded.params,
		   updated_at=excluded.updated_at`,
		d.Name, d.Description, d.Schedule, boolInt(d.Enabled), d.TemplateID,
		string(params), d.CreatedAt.UnixMilli(), now.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) SetJobEnabled(ctx context.Context, name string, enabled bool) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET enabled = ?, updated_at = ? WHERE name = ?`,
		boolInt(enabled), time.Now().UnixMilli(), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpdateLastRun(ctx context.Context, name string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_run_at = ? WHERE name = ?`, at.UnixMilli(), name)
	return err
}

// ---- executions ----

func (s *sqliteStore) CreateExecution(ctx context.Context, e job.Execution) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_executions(id, job_name, status, started_at, duration_ms, output, records_affected, error)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.ID, e.JobName, string(e.Status), e.StartedAt.UnixMilli(),
		e.DurationMS, e.Output, e.RecordsAffected, e.Error,
	)
	return err
}

func (s *sqliteStore) UpdateExecution(ctx context.Context, id string, u ExecutionUpdate) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_executions
		 SET status=?, finished_at=?, duration_ms=?, output=?, records_affected=?, error=?
		 WHERE id=? AND status=?`,
		string(u.Status), u.FinishedAt.UnixMilli(), u.DurationMS,
		u.Output, u.RecordsAffected, u.Error,
		id, string(job.StatusRunning),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListExecutions(ctx context.Context, jobName string, limit int) ([]job.Execution, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, job_name, status, started_at, finished_at, duration_ms, output, records_affected, error
	      FROM job_executions`
	args := []any{}
	if jobName != "" {
		q += ` WHERE job_name = ?`
		args = append(args, jobName)
	}
	q += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Execution
	for rows.Next() {
		var (
			e        job.Execution
			status   string
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.JobName, &status, &started, &finished,
			&e.DurationMS, &e.Output, &e.RecordsAffected, &e.Error); err != nil {
			return nil, err
		}
		e.Status = job.Status(status)
		e.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			t := time.UnixMilli(finished.Int64)
			e.FinishedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_executions WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) MarkStaleRunning(ctx context.Context, startedBefore time.Time, reason string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_executions
		 SET status=?, finished_at=?, error=?
		 WHERE status=? AND started_at < ?`,
		string(job.StatusFailure), now.UnixMilli(), reason,
		string(job.StatusRunning), startedBefore.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- events ----

func (s *sqliteStore) InsertEvent(ctx context.Context, e job.Event) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(at, kind, device, country, feature, actor, success, meta)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.Kind, e.Device, e.Country, e.Feature, e.Actor,
		boolInt(e.Success), e.Meta,
	)
	return err
}

func (s *sqliteStore) EventWindowStats(ctx context.Context, from, to time.Time) (EventWindowStats, error) {
	var out EventWindowStats
	if s == nil || s.db == nil {
		return out, ErrDisabled
	}
	fromMS, toMS := from.UnixMilli(), to.UnixMilli()

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(DISTINCT CASE WHEN actor <> '' THEN actor END),
		        SUM(CASE WHEN device = 'mobile' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END),
		        SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END)
		 FROM events WHERE at >= ? AND at < ?`, fromMS, toMS,
	).Scan(&out.TotalEvents, &out.ActiveActors,
		&nullCount{&out.MobileCount}, &nullCount{&out.SuccessCount}, &nullCount{&out.FailureCount})
	if err != nil {
		return out, err
	}

	// First-seen actors: active in the window, never before it.
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT e.actor)
		 FROM events e
		 WHERE e.at >= ? AND e.at < ? AND e.actor <> ''
		   AND NOT EXISTS (SELECT 1 FROM events p WHERE p.actor = e.actor AND p.at < ?)`,
		fromMS, toMS, fromMS,
	).Scan(&out.NewActors)
	if err != nil {
		return out, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) AS n FROM events
		 WHERE at >= ? AND at < ?
		 GROUP BY kind ORDER BY n DESC, kind ASC LIMIT 5`, fromMS, toMS)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var kc job.KindCount
		if err := rows.Scan(&kc.Kind, &kc.Count); err != nil {
			return out, err
		}
		out.TopKinds = append(out.TopKinds, kc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FeatureWindowStats(ctx context.Context, from, to time.Time) ([]job.FeatureStat, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT feature, COUNT(*), COUNT(DISTINCT CASE WHEN actor <> '' THEN actor END)
		 FROM events
		 WHERE at >= ? AND at < ? AND feature <> ''
		 GROUP BY feature ORDER BY feature`,
		from.UnixMilli(), to.UnixMilli())
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

func (s *sqliteStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- summary buckets ----

func (s *sqliteStore) UpsertDailyStat(ctx context.Context, st job.DailyStat) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	kinds, err := json.Marshal(st.TopKinds)
	if err != nil {
		return err
	}
	if st.TopKinds == nil {
		kinds = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO daily_stats(day, total_events, active_actors, new_actors, mobile_count, success_count, failure_count, top_kinds)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(day) DO UPDATE SET
		   total_events=excluded.total_events,
		   active_actors=excluded.active_actors,
		   new_actors=excluded.new_actors,
		   mobile_count=excluded.mobile_count,
		   success_count=excluded.success_count,
		   failure_count=excluded.failure_count,
		   top_kinds=excluded.top_kinds`,
		st.Day.UnixMilli(), st.TotalEvents, st.ActiveActors, st.NewActors,
		st.MobileCount, st.SuccessCount, st.FailureCount, string(kinds),
	)
	return err
}

func (s *sqliteStore) GetDailyStat(ctx context.Context, day time.Time) (*job.DailyStat, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		st    job.DailyStat
		dayMS int64
		kinds string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT day, total_events, active_actors, new_actors, mobile_count, success_count, failure_count, top_kinds
		 FROM daily_stats WHERE day = ?`, day.UnixMilli(),
	).Scan(&dayMS, &st.TotalEvents, &st.ActiveActors, &st.NewActors,
		&st.MobileCount, &st.SuccessCount, &st.FailureCount, &kinds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.Day = time.UnixMilli(dayMS)
	if kinds != "" {
		if err := json.Unmarshal([]byte(kinds), &st.TopKinds); err != nil {
			return nil, err
		}
	}
	return &st, nil
}

func (s *sqliteStore) DeleteDailyStatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM daily_stats WHERE day < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) UpsertHourlyStat(ctx context.Context, st job.HourlyStat) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hourly_stats(hour, total_events, active_actors, mobile_count)
		 VALUES(?,?,?,?)
		 ON CONFLICT(hour) DO UPDATE SET
		   total_events=excluded.total_events,
		   active_actors=excluded.active_actors,
		   mobile_count=excluded.mobile_count`,
		st.Hour.UnixMilli(), st.TotalEvents, st.ActiveActors, st.MobileCount,
	)
	return err
}

func (s *sqliteStore) GetHourlyStat(ctx context.Context, hour time.Time) (*job.HourlyStat, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		st     job.HourlyStat
		hourMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT hour, total_events, active_actors, mobile_count
		 FROM hourly_stats WHERE hour = ?`, hour.UnixMilli(),
	).Scan(&hourMS, &st.TotalEvents, &st.ActiveActors, &st.MobileCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.Hour = time.UnixMilli(hourMS)
	return &st, nil
}

func (s *sqliteStore) DeleteHourlyStatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM hourly_stats WHERE hour < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) UpsertFeatureStat(ctx context.Context, st job.FeatureStat) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feature_stats(day, feature, uses, unique_actors)
		 VALUES(?,?,?,?)
		 ON CONFLICT(day, feature) DO UPDATE SET
		   uses=excluded.uses,
		   unique_actors=excluded.unique_actors`,
		st.Day.UnixMilli(), st.Feature, st.Uses, st.UniqueActors,
	)
	return err
}

func (s *sqliteStore) GetFeatureStat(ctx context.Context, day time.Time, feature string) (*job.FeatureStat, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		st    job.FeatureStat
		dayMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT day, feature, uses, unique_actors FROM feature_stats WHERE day = ? AND feature = ?`,
		day.UnixMilli(), feature,
	).Scan(&dayMS, &st.Feature, &st.Uses, &st.UniqueActors)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.Day = time.UnixMilli(dayMS)
	return &st, nil
}

func (s *sqliteStore) DeleteFeatureStatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM feature_stats WHERE day < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- settings ----

func (s *sqliteStore) GetRetentionSettings(ctx context.Context) (*job.RetentionSettings, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		rs      job.RetentionSettings
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT retain_raw_days, retain_aggregate_days, updated_at FROM retention_settings WHERE id = 1`,
	).Scan(&rs.RetainRawDays, &rs.RetainAggregateDays, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rs.UpdatedAt = time.UnixMilli(updated)
	return &rs, nil
}

func (s *sqliteStore) SaveRetentionSettings(ctx context.Context, rs job.RetentionSettings) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retention_settings(id, retain_raw_days, retain_aggregate_days, updated_at)
		 VALUES(1,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   retain_raw_days=excluded.retain_raw_days,
		   retain_aggregate_days=excluded.retain_aggregate_days,
		   updated_at=excluded.updated_at`,
		rs.RetainRawDays, rs.RetainAggregateDays, time.Now().UnixMilli(),
	)
	return err
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// nullCount scans SUM() results, which are NULL over an empty window.
type nullCount struct{ dst *int64 }

func (n *nullCount) Scan(v any) error {
	if v == nil {
		*n.dst = 0
		return nil
	}
	switch x := v.(type) {
	case int64:
		*n.dst = x
	case float64:
		*n.dst = int64(x)
	default:
		return fmt.Errorf("unexpected count type %T", v)
	}
	return nil
}
