package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"chronod/internal/job"
	"chronod/internal/storage"
	"chronod/internal/template"
	logx "chronod/pkg/logx"
)

func newSet() (*Set, storage.Store) {
	store := storage.NewMemory()
	return &Set{Store: store, Log: logx.Nop(), Location: time.UTC}, store
}

func insertEvents(t *testing.T, store storage.Store, events ...job.Event) {
	t.Helper()
	for _, e := range events {
		if err := store.InsertEvent(context.Background(), e); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}
}

func TestAggregateDailyIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, store := newSet()

	yesterday := s.dayStart(time.Now()).AddDate(0, 0, -1)
	insertEvents(t, store,
		job.Event{At: yesterday.Add(time.Hour), Kind: "login", Actor: "a", Device: "mobile", Success: true},
		job.Event{At: yesterday.Add(2 * time.Hour), Kind: "login", Actor: "b", Success: false},
		job.Event{At: yesterday.Add(26 * time.Hour), Kind: "login", Actor: "c", Success: true}, // today, excluded
	)

	for i := 0; i < 2; i++ {
		res, err := s.AggregateDaily(ctx, nil)
		if err != nil {
			t.Fatalf("AggregateDaily run %d: %v", i+1, err)
		}
		if !res.Success || res.RecordsAffected != 1 {
			t.Fatalf("run %d result = %+v", i+1, res)
		}
	}

	got, err := store.GetDailyStat(ctx, yesterday)
	if err != nil {
		t.Fatalf("GetDailyStat: %v", err)
	}
	if got.TotalEvents != 2 || got.ActiveActors != 2 {
		t.Fatalf("daily row = %+v", got)
	}
	if got.MobileCount != 1 || got.SuccessCount != 1 || got.FailureCount != 1 {
		t.Fatalf("daily counters = %+v", got)
	}
}

func TestAggregateDailyEmptyDayWritesZeroRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, store := newSet()

	if _, err := s.AggregateDaily(ctx, nil); err != nil {
		t.Fatalf("AggregateDaily: %v", err)
	}

	yesterday := s.dayStart(time.Now()).AddDate(0, 0, -1)
	got, err := store.GetDailyStat(ctx, yesterday)
	if err != nil {
		t.Fatalf("zero-counter row missing: %v", err)
	}
	if got.TotalEvents != 0 || got.ActiveActors != 0 {
		t.Fatalf("expected zero counters, got %+v", got)
	}
}

func TestAggregateHourly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, store := newSet()

	hour := s.hourStart(time.Now()).Add(-time.Hour)
	insertEvents(t, store,
		job.Event{At: hour.Add(10 * time.Minute), Kind: "x", Actor: "a", Device: "mobile"},
		job.Event{At: hour.Add(50 * time.Minute), Kind: "x", Actor: "a"},
		job.Event{At: hour.Add(70 * time.Minute), Kind: "x", Actor: "b"}, // current hour, excluded
	)

	if _, err := s.AggregateHourly(ctx, nil); err != nil {
		t.Fatalf("AggregateHourly: %v", err)
	}
	got, err := store.GetHourlyStat(ctx, hour)
	if err != nil {
		t.Fatalf("GetHourlyStat: %v", err)
	}
	if got.TotalEvents != 2 || got.ActiveActors != 1 || got.MobileCount != 1 {
		t.Fatalf("hourly row = %+v", got)
	}
}

func TestAggregateFeatures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, store := newSet()

	yesterday := s.dayStart(time.Now()).AddDate(0, 0, -1)
	insertEvents(t, store,
		job.Event{At: yesterday.Add(time.Hour), Feature: "search", Actor: "a"},
		job.Event{At: yesterday.Add(time.Hour), Feature: "search", Actor: "b"},
		job.Event{At: yesterday.Add(time.Hour), Feature: "export", Actor: "a"},
		job.Event{At: yesterday.Add(time.Hour), Actor: "a"}, // no feature
	)

	res, err := s.AggregateFeatures(ctx, nil)
	if err != nil {
		t.Fatalf("AggregateFeatures: %v", err)
	}
	if res.RecordsAffected != 2 {
		t.Fatalf("RecordsAffected = %d, want 2", res.RecordsAffected)
	}
	search, err := store.GetFeatureStat(ctx, yesterday, "search")
	if err != nil {
		t.Fatalf("GetFeatureStat: %v", err)
	}
	if search.Uses != 2 || search.UniqueActors != 2 {
		t.Fatalf("search row = %+v", search)
	}
}

func TestCleanupRawHorizon(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, store := newSet()
	today := s.dayStart(time.Now())

	insertEvents(t, store,
		job.Event{At: today.AddDate(0, 0, -31).Add(time.Hour)}, // past the horizon
		job.Event{At: today.AddDate(0, 0, -29).Add(time.Hour)}, // inside
		job.Event{At: today.Add(time.Hour)},                    // today, never touched
	)

	res, err := s.CleanupRaw(ctx, template.Params{"days": float64(30)})
	if err != nil {
		t.Fatalf("CleanupRaw: %v", err)
	}
	if res.RecordsAffected != 1 {
		t.Fatalf("deleted %d events, want 1", res.RecordsAffected)
	}

	stats, _ := store.EventWindowStats(ctx, today.AddDate(0, 0, -60), today.AddDate(0, 0, 1))
	if stats.TotalEvents != 2 {
		t.Fatalf("%d events remain, want 2", stats.TotalEvents)
	}
}

func TestCleanupRawUsesStoredSettings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, store := newSet()
	today := s.dayStart(time.Now())

	if err := store.SaveRetentionSettings(ctx, job.RetentionSettings{RetainRawDays: 10, RetainAggregateDays: 100}); err != nil {
		t.Fatalf("SaveRetentionSettings: %v", err)
	}
	insertEvents(t, store,
		job.Event{At: today.AddDate(0, 0, -11)},
		job.Event{At: today.AddDate(0, 0, -9)},
	)

	res, err := s.CleanupRaw(ctx, nil)
	if err != nil {
		t.Fatalf("CleanupRaw: %v", err)
	}
	if res.RecordsAffected != 1 {
		t.Fatalf("deleted %d, want 1 (stored 10-day horizon)", res.RecordsAffected)
	}
}

func TestCleanupAggregatesHorizons(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, store := newSet()
	today := s.dayStart(time.Now())

	// Daily and feature rows honor the configurable horizon; hourly rows
	// always use the fixed 30-day horizon.
	mustNoErr := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	mustNoErr(store.UpsertDailyStat(ctx, job.DailyStat{Day: today.AddDate(0, 0, -100)}))
	mustNoErr(store.UpsertDailyStat(ctx, job.DailyStat{Day: today.AddDate(0, 0, -10)}))
	mustNoErr(store.UpsertFeatureStat(ctx, job.FeatureStat{Day: today.AddDate(0, 0, -100), Feature: "f"}))
	mustNoErr(store.UpsertHourlyStat(ctx, job.HourlyStat{Hour: today.AddDate(0, 0, -31)}))
	mustNoErr(store.UpsertHourlyStat(ctx, job.HourlyStat{Hour: today.AddDate(0, 0, -29)}))

	res, err := s.CleanupAggregates(ctx, template.Params{"days": float64(90)})
	if err != nil {
		t.Fatalf("CleanupAggregates: %v", err)
	}
	if res.RecordsAffected != 3 {
		t.Fatalf("RecordsAffected = %d, want 3 (daily+feature+hourly)", res.RecordsAffected)
	}
	if !strings.Contains(res.Output, "daily=1") || !strings.Contains(res.Output, "hourly=1") {
		t.Fatalf("Output = %q", res.Output)
	}

	if _, err := store.GetDailyStat(ctx, today.AddDate(0, 0, -10)); err != nil {
		t.Fatalf("recent daily row removed: %v", err)
	}
	if _, err := store.GetHourlyStat(ctx, today.AddDate(0, 0, -29)); err != nil {
		t.Fatalf("recent hourly row removed: %v", err)
	}
}

func TestCleanupLogs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, store := newSet()
	now := time.Now()

	for i, age := range []int{40, 20} {
		err := store.CreateExecution(ctx, job.Execution{
			ID: fmt.Sprintf("e%d", i), JobName: "j",
			Status: job.StatusSuccess, StartedAt: now.AddDate(0, 0, -age),
		})
		if err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
	}

	res, err := s.CleanupLogs(ctx, nil) // default 30 days
	if err != nil {
		t.Fatalf("CleanupLogs: %v", err)
	}
	if res.RecordsAffected != 1 {
		t.Fatalf("deleted %d records, want 1", res.RecordsAffected)
	}
}

func TestCleanupStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, store := newSet()
	now := time.Now()

	mk := func(id string, age time.Duration, st job.Status) {
		if err := store.CreateExecution(ctx, job.Execution{
			ID: id, JobName: "j", Status: st, StartedAt: now.Add(-age),
		}); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
	}
	mk("stuck", 30*time.Hour, job.StatusRunning)
	mk("live", time.Hour, job.StatusRunning)
	mk("old-done", 48*time.Hour, job.StatusSuccess)

	res, err := s.CleanupStale(ctx, nil) // default 24h
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if res.RecordsAffected != 1 {
		t.Fatalf("marked %d executions, want 1", res.RecordsAffected)
	}
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newSet()

	res, err := s.HealthCheck(ctx, nil)
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if !res.Success || !strings.Contains(res.Output, "store ok") {
		t.Fatalf("result = %+v", res)
	}
}

type probeStub struct {
	lat time.Duration
	err error
}

func (p probeStub) Ping(context.Context) (time.Duration, error) { return p.lat, p.err }

func TestHealthCheckNetworkProbe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, _ := newSet()
	s.Probe = probeStub{lat: 12 * time.Millisecond}
	res, err := s.HealthCheck(ctx, template.Params{"network": true})
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if !strings.Contains(res.Output, "network ok") {
		t.Fatalf("Output = %q", res.Output)
	}

	// Probe failures degrade the output but do not fail the run.
	s.Probe = probeStub{err: errors.New("unreachable")}
	res, err = s.HealthCheck(ctx, template.Params{"network": true})
	if err != nil {
		t.Fatalf("HealthCheck with failing probe: %v", err)
	}
	if !res.Success || !strings.Contains(res.Output, "network probe failed") {
		t.Fatalf("result = %+v", res)
	}
}

type notifierStub struct{ sent []string }

func (n *notifierStub) Send(_ context.Context, text string) error {
	n.sent = append(n.sent, text)
	return nil
}

func TestAlertCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, store := newSet()
	n := &notifierStub{}
	s.Notifier = n
	now := time.Now()

	mk := func(id string, minsAgo int, st job.Status) {
		if err := store.CreateExecution(ctx, job.Execution{
			ID: id, JobName: "watched", Status: st,
			StartedAt: now.Add(-time.Duration(minsAgo) * time.Minute),
			Error:     "db locked",
		}); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
	}

	if _, err := s.AlertCheck(ctx, nil); err == nil {
		t.Fatal("missing job param accepted")
	}

	// No runs yet: healthy, no alert.
	res, err := s.AlertCheck(ctx, template.Params{"job": "watched"})
	if err != nil {
		t.Fatalf("AlertCheck: %v", err)
	}
	if len(n.sent) != 0 {
		t.Fatalf("alert sent with no runs: %v", n.sent)
	}

	// One old success, two recent failures: threshold 2 trips.
	mk("ok", 30, job.StatusSuccess)
	mk("f1", 20, job.StatusFailure)
	mk("f2", 10, job.StatusFailure)

	res, err = s.AlertCheck(ctx, template.Params{"job": "watched", "failures": float64(2)})
	if err != nil {
		t.Fatalf("AlertCheck: %v", err)
	}
	if len(n.sent) != 1 {
		t.Fatalf("alerts sent = %d, want 1", len(n.sent))
	}
	if !strings.Contains(n.sent[0], "watched") || !strings.Contains(n.sent[0], "db locked") {
		t.Fatalf("alert text = %q", n.sent[0])
	}
	if res.RecordsAffected != 2 {
		t.Fatalf("RecordsAffected = %d, want 2", res.RecordsAffected)
	}

	// Latest run succeeding resets the streak.
	mk("ok2", 1, job.StatusSuccess)
	n.sent = nil
	_, err = s.AlertCheck(ctx, template.Params{"job": "watched", "failures": float64(2)})
	if err != nil {
		t.Fatalf("AlertCheck: %v", err)
	}
	if len(n.sent) != 0 {
		t.Fatalf("alert sent after recovery: %v", n.sent)
	}
}

func TestRegisterAllCatalogue(t *testing.T) {
	t.Parallel()
	s, _ := newSet()
	reg := template.NewRegistry()
	s.RegisterAll(reg)

	want := []string{
		TplAggregateCleanup, TplAlertCheck, TplAnalyticsRefresh,
		TplDailyAggregation, TplFeatureAggregation, TplHealthCheck,
		TplHourlyAggregation, TplLogCleanup, TplRawCleanup, TplStaleCleanup,
	}
	list := reg.List()
	if len(list) != len(want) {
		t.Fatalf("catalogue has %d templates, want %d", len(list), len(want))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Fatalf("list[%d] = %s, want %s", i, list[i].ID, id)
		}
		if list[i].Handler == nil {
			t.Fatalf("template %s has no handler", id)
		}
	}

	// Every declared param schema is internally consistent.
	for _, tpl := range list {
		for _, p := range tpl.Params {
			if p.Name == "" || p.Type == "" {
				t.Fatalf("template %s has malformed param %+v", tpl.ID, p)
			}
		}
	}
}
