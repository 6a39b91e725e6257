package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"chronod/internal/job"
)

// memoryStore backs tests and ephemeral runs. All methods are safe for
// concurrent use.
type memoryStore struct {
	mu sync.RWMutex

	jobs       map[string]job.Definition
	executions map[string]job.Execution
	execOrder  []string

	events  []job.Event
	eventID int64

	daily   map[int64]job.DailyStat
	hourly  map[int64]job.HourlyStat
	feature map[featureKey]job.FeatureStat

	retention *job.RetentionSettings
}

type featureKey struct {
	day     int64
	feature string
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		jobs:       make(map[string]job.Definition),
		executions: make(map[string]job.Execution),
		daily:      make(map[int64]job.DailyStat),
		hourly:     make(map[int64]job.HourlyStat),
		feature:    make(map[featureKey]job.FeatureStat),
	}
}

func (m *memoryStore) Ping(context.Context) error { return nil }
func (m *memoryStore) Close() error               { return nil }

// ---- jobs ----

func (m *memoryStore) FindEnabledJobs(context.Context) ([]job.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []job.Definition
	for _, d := range m.jobs {
		if d.Enabled {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memoryStore) FindJobByName(_ context.Context, name string) (*job.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.jobs[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := d
	return &cp, nil
}

func (m *memoryStore) UpsertJob(_ context.Context, d job.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if prev, ok := m.jobs[d.Name]; ok {
		d.CreatedAt = prev.CreatedAt
		if d.LastRunAt == nil {
			d.LastRunAt = prev.LastRunAt
		}
	} else if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	m.jobs[d.Name] = d
	return nil
}

func (m *memoryStore) SetJobEnabled(_ context.Context, name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.jobs[name]
	if !ok {
		return ErrNotFound
	}
	d.Enabled = enabled
	d.UpdatedAt = time.Now()
	m.jobs[name] = d
	return nil
}

func (m *memoryStore) UpdateLastRun(_ context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.jobs[name]
	if !ok {
		return nil
	}
	t := at
	d.LastRunAt = &t
	m.jobs[name] = d
	return nil
}

// ---- executions ----

func (m *memoryStore) CreateExecution(_ context.Context, e job.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[e.ID] = e
	m.execOrder = append(m.execOrder, e.ID)
	return nil
}

func (m *memoryStore) UpdateExecution(_ context.Context, id string, u ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok || e.Status != job.StatusRunning {
		return ErrNotFound
	}
	e.Status = u.Status
	t := u.FinishedAt
	e.FinishedAt = &t
	e.DurationMS = u.DurationMS
	e.Output = u.Output
	e.RecordsAffected = u.RecordsAffected
	e.Error = u.Error
	m.executions[id] = e
	return nil
}

func (m *memoryStore) ListExecutions(_ context.Context, jobName string, limit int) ([]job.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var out []job.Execution
	for _, id := range m.execOrder {
		e := m.executions[id]
		if jobName != "" && e.JobName != jobName {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) DeleteExecutionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	keep := m.execOrder[:0]
	for _, id := range m.execOrder {
		if m.executions[id].StartedAt.Before(cutoff) {
			delete(m.executions, id)
			removed++
			continue
		}
		keep = append(keep, id)
	}
	m.execOrder = keep
	return removed, nil
}

func (m *memoryStore) MarkStaleRunning(_ context.Context, startedBefore time.Time, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var n int64
	for id, e := range m.executions {
		if e.Status != job.StatusRunning || !e.StartedAt.Before(startedBefore) {
			continue
		}
		e.Status = job.StatusFailure
		t := now
		e.FinishedAt = &t
		e.Error = reason
		m.executions[id] = e
		n++
	}
	return n, nil
}

// ---- events ----

func (m *memoryStore) InsertEvent(_ context.Context, e job.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.eventID++
	e.ID = m.eventID
	m.events = append(m.events, e)
	return nil
}

func (m *memoryStore) EventWindowStats(_ context.Context, from, to time.Time) (EventWindowStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out EventWindowStats
	actors := make(map[string]struct{})
	kinds := make(map[string]int64)

	for _, e := range m.events {
		if e.At.Before(from) || !e.At.Before(to) {
			continue
		}
		out.TotalEvents++
		if e.Actor != "" {
			actors[e.Actor] = struct{}{}
		}
		if e.Device == "mobile" {
			out.MobileCount++
		}
		if e.Success {
			out.SuccessCount++
		} else {
			out.FailureCount++
		}
		kinds[e.Kind]++
	}
	out.ActiveActors = int64(len(actors))

	for actor := range actors {
		seen := false
		for _, e := range m.events {
			if e.Actor == actor && e.At.Before(from) {
				seen = true
				break
			}
		}
		if !seen {
			out.NewActors++
		}
	}

	for k, n := range kinds {
		out.TopKinds = append(out.TopKinds, job.KindCount{Kind: k, Count: n})
	}
	sort.Slice(out.TopKinds, func(i, j int) bool {
		if out.TopKinds[i].Count != out.TopKinds[j].Count {
			return out.TopKinds[i].Count > out.TopKinds[j].Count
		}
		return out.TopKinds[i].Kind < out.TopKinds[j].Kind
	})
	if len(out.TopKinds) > 5 {
		out.TopKinds = out.TopKinds[:5]
	}
	return out, nil
}

func (m *memoryStore) FeatureWindowStats(_ context.Context, from, to time.Time) ([]job.FeatureStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type agg struct {
		uses   int64
		actors map[string]struct{}
	}
	byFeature := make(map[string]*agg)
	for _, e := range m.events {
		if e.At.Before(from) || !e.At.Before(to) || e.Feature == "" {
			continue
		}
		a := byFeature[e.Feature]
		if a == nil {
			a = &agg{actors: make(map[string]struct{})}
			byFeature[e.Feature] = a
		}
		a.uses++
		if e.Actor != "" {
			a.actors[e.Actor] = struct{}{}
		}
	}

	var out []job.FeatureStat
	for f, a := range byFeature {
		out = append(out, job.FeatureStat{Feature: f, Uses: a.uses, UniqueActors: int64(len(a.actors))})
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].Feature, out[j].Feature) < 0 })
	return out, nil
}

func (m *memoryStore) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	keep := m.events[:0]
	for _, e := range m.events {
		if e.At.Before(cutoff) {
			removed++
			continue
		}
		keep = append(keep, e)
	}
	m.events = keep
	return removed, nil
}

// ---- summary buckets ----

func (m *memoryStore) UpsertDailyStat(_ context.Context, s job.DailyStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daily[s.Day.UnixMilli()] = s
	return nil
}

func (m *memoryStore) GetDailyStat(_ context.Context, day time.Time) (*job.DailyStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.daily[day.UnixMilli()]
	if !ok {
		return nil, ErrNotFound
	}
	cp := s
	return &cp, nil
}

func (m *memoryStore) DeleteDailyStatsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cut := cutoff.UnixMilli()
	var n int64
	for k := range m.daily {
		if k < cut {
			delete(m.daily, k)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) UpsertHourlyStat(_ context.Context, s job.HourlyStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hourly[s.Hour.UnixMilli()] = s
	return nil
}

func (m *memoryStore) GetHourlyStat(_ context.Context, hour time.Time) (*job.HourlyStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.hourly[hour.UnixMilli()]
	if !ok {
		return nil, ErrNotFound
	}
	cp := s
	return &cp, nil
}

func (m *memoryStore) DeleteHourlyStatsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cut := cutoff.UnixMilli()
	var n int64
	for k := range m.hourly {
		if k < cut {
			delete(m.hourly, k)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) UpsertFeatureStat(_ context.Context, s job.FeatureStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feature[featureKey{day: s.Day.UnixMilli(), feature: s.Feature}] = s
	return nil
}

func (m *memoryStore) GetFeatureStat(_ context.Context, day time.Time, feature string) (*job.FeatureStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.feature[featureKey{day: day.UnixMilli(), feature: feature}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := s
	return &cp, nil
}

func (m *memoryStore) DeleteFeatureStatsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cut := cutoff.UnixMilli()
	var n int64
	for k := range m.feature {
		if k.day < cut {
			delete(m.feature, k)
			n++
		}
	}
	return n, nil
}

// ---- settings ----

func (m *memoryStore) GetRetentionSettings(context.Context) (*job.RetentionSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.retention == nil {
		return nil, nil
	}
	cp := *m.retention
	return &cp, nil
}

func (m *memoryStore) SaveRetentionSettings(_ context.Context, s job.RetentionSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = time.Now()
	m.retention = &s
	return nil
}
