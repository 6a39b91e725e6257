// Package runner executes scheduled job ticks on a bounded worker pool.
//
// Cron fires on the timer goroutine; each tick is handed off here so slow
// jobs never delay other schedules. A full queue drops the tick (the next
// cron fire retries naturally) rather than blocking the timer.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chronod/internal/eventbus"
	rtsup "chronod/internal/runtime/supervisor"
	logx "chronod/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

var (
	ErrStopped   = errors.New("runner not started")
	ErrStopping  = errors.New("runner stopping")
	ErrQueueFull = errors.New("runner queue full")
)

type Config struct {
	Workers   int
	QueueSize int
}

// Job is one unit of queued work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedJob
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	dropped             uint64
	lastQueueFullWarnAt int64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Service{cfg: cfg, log: log, bus: bus}
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedJob, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "runner"))),
		// Worker failures should not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("runner started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("runner stopped")
	case <-ctx.Done():
		s.log.Warn("runner stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue hands off a tick without blocking. A full queue drops the tick.
func (s *Service) Enqueue(j Job) error {
	if j.Run == nil {
		return errors.New("job Run is nil")
	}
	name := strings.TrimSpace(j.Name)
	if name == "" {
		return errors.New("job Name is required")
	}
	j.Name = name

	s.mu.Lock()
	q := s.q
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	now := time.Now()
	select {
	case q <- queuedJob{job: j, enqueuedAt: now}:
		return nil
	default:
		s.onQueueFullDropped(now, j, q)
		return ErrQueueFull
	}
}

// Dropped reports the total number of dropped ticks since start.
func (s *Service) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedJob) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj, ok := <-queue:
			if !ok {
				return
			}
			s.execOne(ctx, qj)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qj queuedJob) {
	start := time.Now()
	queueDelay := start.Sub(qj.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.log.Debug("run started", logx.String("job", qj.job.Name), logx.Duration("queue_delay", queueDelay))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStarted, Time: start, Data: qj.job.Name})
	}

	// Last line of defense; the engine converts its own panics already.
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("run panicked", logx.String("job", qj.job.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = qj.job.Run(ctx)
	}()

	dur := time.Since(start)
	if err != nil {
		s.log.Warn("run failed", logx.String("job", qj.job.Name), logx.Duration("dur", dur), logx.Err(err))
	} else {
		s.log.Debug("run completed", logx.String("job", qj.job.Name), logx.Duration("dur", dur))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFinished, Time: time.Now(), Data: qj.job.Name})
	}
}

func (s *Service) onQueueFullDropped(now time.Time, j Job, q chan queuedJob) {
	atomic.AddUint64(&s.dropped, 1)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobDropped, Time: now, Data: j.Name})
	}
	if !s.log.IsZero() && s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("tick dropped: queue full",
			logx.String("job", j.Name),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped", atomic.LoadUint64(&s.dropped)),
		)
	}
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}
