package storage

import (
	"errors"
	"time"

	"chronod/internal/job"
)

var (
	ErrNotFound = errors.New("not found")
	ErrDisabled = errors.New("storage disabled")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process store (tests, ephemeral runs)
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
type Config struct {
	Driver      string
	Path        string        // sqlite only
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ExecutionUpdate carries the terminal fields applied when an execution is
// finalized. Status must be a terminal status.
type ExecutionUpdate struct {
	Status          job.Status
	FinishedAt      time.Time
	DurationMS      int64
	Output          string
	RecordsAffected int64
	Error           string
}

// EventWindowStats is the set of independent read-aggregations computed over
// one event window [From, To).
type EventWindowStats struct {
	TotalEvents  int64
	ActiveActors int64
	NewActors    int64
	MobileCount  int64
	SuccessCount int64
	FailureCount int64
	TopKinds     []job.KindCount
}
