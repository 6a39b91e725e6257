// Package notify delivers plain-text operator notifications through a
// pluggable sender, with an async queue, rate limiting, and retry.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	rtsup "chronod/internal/runtime/supervisor"
	logx "chronod/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notify disabled")
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

// Sender is the transport behind the service.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

type Config struct {
	Enabled    bool
	QueueSize  int
	RatePerSec int
	RetryMax   int
	RetryBase  time.Duration
}

// Service is an async notification pipeline: queue + worker + rate limit +
// retry. Safe for concurrent use.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	sender  Sender
	limiter *rate.Limiter

	queue    chan string
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled && s.sender != nil
	s.mu.Unlock()
	return en
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan string, s.cfg.QueueSize)
	q := s.queue
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notify"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("sender", func(c context.Context) error {
		s.drain(c, q)
		select {
		case <-c.Done():
			return context.Canceled
		default:
			return errors.New("notify drain exited unexpectedly")
		}
	})
	s.log.Info("notify started", logx.Int("queue", cap(q)), logx.Int("rate_per_sec", s.cfg.RatePerSec))
}

// Stop stops intake and cancels in-flight sends.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.queue == nil {
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
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("notify stopped")
	case <-ctx.Done():
	}
}

// Send enqueues a message. Full queue or stopped service returns an error
// without blocking.
func (s *Service) Send(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	s.mu.Lock()
	if !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return ErrDisabled
	}
	q := s.queue
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopping {
		return ErrStopped
	}
	select {
	case q <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// Alert implements logx.AlertSink: best-effort, never blocks.
func (s *Service) Alert(text string) {
	_ = s.Send(context.Background(), text)
}

func (s *Service) drain(ctx context.Context, q <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, text)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, text string) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sender.SendText(callCtx, text)
		cancel()
		if err == nil {
			return
		}
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			s.log.Warn("notification dropped after retries", logx.Err(err))
			return
		}

		delay := cfg.RetryBase << (attempt - 1)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}
}
