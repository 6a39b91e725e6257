package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"chronod/internal/eventbus"
	logx "chronod/pkg/logx"
)

func TestEnqueueNotStarted(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Job{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue before Start = %v, want ErrStopped", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Job{Name: "x"}); err == nil {
		t.Fatal("nil Run accepted")
	}
	if err := s.Enqueue(Job{Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("empty Name accepted")
	}
}

func TestRunnerExecutes(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Config{Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(ctx)
	defer s.Stop(context.Background())

	done := make(chan struct{})
	err := s.Enqueue(Job{Name: "ping", Run: func(context.Context) error {
		close(done)
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestRunnerDropsWhenFull(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(Config{Workers: 1, QueueSize: 1}, logx.Nop(), bus)
	s.Start(ctx)
	defer s.Stop(context.Background())

	running := make(chan struct{})
	release := make(chan struct{})
	blocker := Job{Name: "blocker", Run: func(context.Context) error {
		close(running)
		<-release
		return nil
	}}
	if err := s.Enqueue(blocker); err != nil {
		t.Fatalf("Enqueue blocker: %v", err)
	}
	<-running

	// Worker is busy; this one sits in the queue.
	filler := Job{Name: "filler", Run: func(context.Context) error { return nil }}
	if err := s.Enqueue(filler); err != nil {
		t.Fatalf("Enqueue filler: %v", err)
	}

	// Queue is full now; the next tick is dropped.
	err := s.Enqueue(Job{Name: "victim", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue on full queue = %v, want ErrQueueFull", err)
	}
	if s.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", s.Dropped())
	}

	// The drop is published on the bus.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.TypeJobDropped {
				if e.Data != "victim" {
					t.Fatalf("dropped event Data = %v, want victim", e.Data)
				}
				close(release)
				return
			}
		case <-deadline:
			t.Fatal("no drop event on the bus")
		}
	}
}

func TestRunnerStopIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(Config{Workers: 1, QueueSize: 1}, logx.Nop(), nil)
	s.Start(ctx)
	s.Stop(ctx)
	s.Stop(ctx) // second stop is a no-op

	err := s.Enqueue(Job{Name: "late", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after Stop = %v, want ErrStopped", err)
	}
}
