package app

import (
	"context"
	"testing"

	"chronod/internal/storage"
	logx "chronod/pkg/logx"
)

func TestSeedJobsCreatesDefaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()

	if err := SeedJobs(ctx, store, logx.Nop()); err != nil {
		t.Fatalf("SeedJobs: %v", err)
	}

	defs, err := store.FindEnabledJobs(ctx)
	if err != nil {
		t.Fatalf("FindEnabledJobs: %v", err)
	}
	if len(defs) != len(seedDefs) {
		t.Fatalf("seeded %d jobs, want %d", len(defs), len(seedDefs))
	}

	agg, err := store.FindJobByName(ctx, JobDailyAggregation)
	if err != nil {
		t.Fatalf("FindJobByName: %v", err)
	}
	if agg.TemplateID == "" || agg.Schedule == "" {
		t.Fatalf("aggregation seed incomplete: %+v", agg)
	}

	// Built-ins resolve by name, not template.
	hc, err := store.FindJobByName(ctx, JobHealthCheck)
	if err != nil {
		t.Fatalf("FindJobByName: %v", err)
	}
	if hc.TemplateID != "" {
		t.Fatalf("builtin seed has a template id: %+v", hc)
	}
}

func TestSeedJobsPreservesOperatorEdits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()

	if err := SeedJobs(ctx, store, logx.Nop()); err != nil {
		t.Fatalf("SeedJobs: %v", err)
	}

	// Operator disables a job and tweaks a schedule.
	if err := store.SetJobEnabled(ctx, JobHealthCheck, false); err != nil {
		t.Fatalf("SetJobEnabled: %v", err)
	}
	def, _ := store.FindJobByName(ctx, JobRawCleanup)
	def.Schedule = "0 4 * * *"
	if err := store.UpsertJob(ctx, *def); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}

	// A restart must not undo either edit.
	if err := SeedJobs(ctx, store, logx.Nop()); err != nil {
		t.Fatalf("SeedJobs (second run): %v", err)
	}
	hc, _ := store.FindJobByName(ctx, JobHealthCheck)
	if hc.Enabled {
		t.Fatal("seed re-enabled a disabled job")
	}
	rc, _ := store.FindJobByName(ctx, JobRawCleanup)
	if rc.Schedule != "0 4 * * *" {
		t.Fatalf("seed reverted an edited schedule: %q", rc.Schedule)
	}
}
