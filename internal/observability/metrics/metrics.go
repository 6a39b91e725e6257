// Package metrics exposes prometheus counters for job runs and an
// optional promhttp listener.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chronod/internal/eventbus"
	logx "chronod/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	reg   *prometheus.Registry
	srv   *http.Server
	unsub func()

	runsTotal    *prometheus.CounterVec
	droppedTotal prometheus.Counter
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9090"
	}
	reg := prometheus.NewRegistry()
	s := &Service{
		cfg: cfg,
		log: log,
		reg: reg,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chronod_job_runs_total",
			Help: "Job runs handed to the worker pool, by lifecycle event.",
		}, []string{"event"}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chronod_ticks_dropped_total",
			Help: "Cron ticks dropped because the runner queue was full.",
		}),
	}
	reg.MustRegister(s.runsTotal, s.droppedTotal)
	return s
}

// Start subscribes to the bus and, when enabled, serves /metrics.
func (s *Service) Start(ctx context.Context, bus eventbus.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		return
	}

	if bus != nil {
		ch, unsub := bus.Subscribe(64)
		s.unsub = unsub
		go s.consume(ctx, ch)
	}

	if !s.cfg.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Warn("metrics listen failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
		return
	}
	s.srv = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	srv := s.srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("metrics server stopped", logx.Err(err))
		}
	}()
	s.log.Info("metrics listening", logx.String("addr", ln.Addr().String()))
}

func (s *Service) consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.TypeJobStarted:
				s.runsTotal.WithLabelValues("started").Inc()
			case eventbus.TypeJobFinished:
				s.runsTotal.WithLabelValues("finished").Inc()
			case eventbus.TypeJobDropped:
				s.droppedTotal.Inc()
			}
		}
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	unsub := s.unsub
	s.srv = nil
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if srv != nil {
		sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
}
