// Package pprof serves the runtime profiling endpoints on an optional,
// loopback-by-default HTTP listener.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"sync"
	"time"

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

	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6060"
	}
	return &Service{cfg: cfg, log: log}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.srv != nil {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Warn("pprof listen failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
		return
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	srv := s.srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("pprof server stopped", logx.Err(err))
		}
	}()
	s.log.Info("pprof listening", logx.String("addr", ln.Addr().String()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
}
