package scheduler

import (
	"context"
	"testing"
	"time"

	"chronod/internal/engine"
	"chronod/internal/job"
	"chronod/internal/runner"
	"chronod/internal/storage"
	"chronod/internal/template"
	logx "chronod/pkg/logx"
)

type fixture struct {
	store storage.Store
	reg   *template.Registry
	run   *runner.Service
	sched *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	reg := template.NewRegistry()
	eng := engine.New(store, logx.Nop())
	run := runner.New(runner.Config{Workers: 1, QueueSize: 16}, logx.Nop(), nil)
	run.Start(ctx)
	t.Cleanup(func() { run.Stop(context.Background()) })

	sched := New(Config{}, store, eng, run, reg, logx.Nop(), nil)
	t.Cleanup(func() { sched.StopAll(context.Background()) })
	return &fixture{store: store, reg: reg, run: run, sched: sched}
}

func (f *fixture) seed(t *testing.T, d job.Definition) {
	t.Helper()
	if err := f.store.UpsertJob(context.Background(), d); err != nil {
		t.Fatalf("UpsertJob(%s): %v", d.Name, err)
	}
}

func noop(context.Context, template.Params) (template.Result, error) {
	return template.Result{Success: true}, nil
}

func TestInitializeArmsEnabledJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.reg.Register(template.Template{ID: "tpl", Handler: noop})

	f.seed(t, job.Definition{Name: "good", Schedule: "*/5 * * * *", Enabled: true, TemplateID: "tpl"})
	f.seed(t, job.Definition{Name: "off", Schedule: "*/5 * * * *", Enabled: false, TemplateID: "tpl"})
	f.seed(t, job.Definition{Name: "bad-cron", Schedule: "not a cron", Enabled: true, TemplateID: "tpl"})
	f.seed(t, job.Definition{Name: "no-tpl", Schedule: "*/5 * * * *", Enabled: true, TemplateID: "missing"})

	if err := f.sched.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	st := f.sched.Status()
	if len(st) != 1 || st[0].Name != "good" {
		t.Fatalf("Status = %+v, want exactly [good]", st)
	}
	if st[0].Next.IsZero() {
		t.Fatal("armed job has no next fire time")
	}
	if st[0].Schedule != "*/5 * * * *" {
		t.Fatalf("Schedule = %q", st[0].Schedule)
	}
}

func TestScheduleRejectsInvalidCron(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	if err := f.sched.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.sched.Schedule(ctx, "x", "61 * * * *"); err == nil {
		t.Fatal("invalid cron accepted")
	}
	if err := f.sched.Schedule(ctx, "x", ""); err == nil {
		t.Fatal("empty schedule accepted")
	}
}

func TestScheduleBuiltinPrecedence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	// The definition names a template, but a registered builtin wins.
	f.reg.Register(template.Template{ID: "tpl", Handler: func(context.Context, template.Params) (template.Result, error) {
		t.Error("template handler resolved for a builtin job")
		return template.Result{Success: true}, nil
	}})
	f.sched.RegisterBuiltin("health-check", noop)
	f.seed(t, job.Definition{Name: "health-check", Schedule: "@hourly", Enabled: true, TemplateID: "tpl"})

	if err := f.sched.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := f.sched.Status(); len(got) != 1 {
		t.Fatalf("Status = %+v", got)
	}
}

func TestScheduleReplacesExistingEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.reg.Register(template.Template{ID: "tpl", Handler: noop})
	f.seed(t, job.Definition{Name: "j", Schedule: "@daily", Enabled: true, TemplateID: "tpl"})

	if err := f.sched.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.sched.Schedule(ctx, "j", "@daily"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := f.sched.Schedule(ctx, "j", "@weekly"); err != nil {
		t.Fatalf("re-Schedule: %v", err)
	}

	st := f.sched.Status()
	if len(st) != 1 {
		t.Fatalf("re-arming duplicated the entry: %+v", st)
	}
	if st[0].Schedule != "@weekly" {
		t.Fatalf("Schedule = %q, want @weekly", st[0].Schedule)
	}
}

func TestStopJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.sched.RegisterBuiltin("b", noop)
	f.seed(t, job.Definition{Name: "b", Schedule: "@hourly", Enabled: true})

	if err := f.sched.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	f.sched.StopJob("b")
	f.sched.StopJob("b") // unknown now, still a no-op
	if st := f.sched.Status(); len(st) != 0 {
		t.Fatalf("Status after StopJob = %+v", st)
	}
}

func TestScheduledJobRunsAndRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	ran := make(chan struct{}, 1)
	f.sched.RegisterBuiltin("tick", func(context.Context, template.Params) (template.Result, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return template.Result{Success: true}, nil
	})
	f.seed(t, job.Definition{Name: "tick", Schedule: "@hourly", Enabled: true})

	if err := f.sched.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Fire the bound closure through the runner the way a cron tick would.
	fn, err := f.sched.resolve(ctx, "tick")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	eng := engine.New(f.store, logx.Nop())
	if err := eng.Execute(ctx, "tick", fn); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	execs, err := f.store.ListExecutions(ctx, "tick", 1)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != job.StatusSuccess {
		t.Fatalf("execution not recorded: %+v", execs)
	}
}

func TestLocationFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if f.sched.Location() != time.Local {
		t.Fatalf("empty timezone should fall back to local")
	}

	store := storage.NewMemory()
	s := New(Config{Timezone: "Not/AZone"}, store, engine.New(store, logx.Nop()),
		f.run, f.reg, logx.Nop(), nil)
	if s.Location() != time.Local {
		t.Fatal("invalid timezone should fall back to local")
	}
}
