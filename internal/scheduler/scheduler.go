// Package scheduler maps job names to armed cron entries and hands each
// tick to the runner. Handler resolution happens once, at schedule time:
// the builtin table first, then the definition's template id.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chronod/internal/engine"
	"chronod/internal/eventbus"
	"chronod/internal/runner"
	"chronod/internal/storage"
	"chronod/internal/template"
	logx "chronod/pkg/logx"
)

type Config struct {
	Timezone string
}

// JobStatus is the armed view of one schedule.
type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitempty"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store    storage.Store
	engine   *engine.Engine
	runner   *runner.Service
	registry *template.Registry
	builtins map[string]template.Handler

	parser  cron.Parser
	c       *cron.Cron
	loc     *time.Location
	entries map[string]cron.EntryID
	exprs   map[string]string
}

func New(cfg Config, store storage.Store, eng *engine.Engine, run *runner.Service,
	reg *template.Registry, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    store,
		engine:   eng,
		runner:   run,
		registry: reg,
		builtins: map[string]template.Handler{},
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries:  map[string]cron.EntryID{},
		exprs:    map[string]string{},
	}
}

// RegisterBuiltin binds a handler directly to a job name, taking precedence
// over template resolution. Must be called before Initialize.
func (s *Service) RegisterBuiltin(jobName string, h template.Handler) {
	if jobName == "" || h == nil {
		return
	}
	s.mu.Lock()
	s.builtins[jobName] = h
	s.mu.Unlock()
}

// Initialize starts the cron runtime and arms every enabled definition.
// Individual bad definitions (invalid cron, unknown template) are logged
// and skipped; they never abort startup.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.c.Start()
	s.mu.Unlock()

	defs, err := s.store.FindEnabledJobs(ctx)
	if err != nil {
		return fmt.Errorf("load enabled jobs: %w", err)
	}

	armed := 0
	for _, d := range defs {
		if err := s.Schedule(ctx, d.Name, d.Schedule); err != nil {
			s.log.Warn("job not armed",
				logx.String("job", d.Name),
				logx.String("schedule", d.Schedule),
				logx.Err(err))
			continue
		}
		armed++
	}
	s.log.Info("scheduler initialized",
		logx.String("tz", loc.String()),
		logx.Int("armed", armed),
		logx.Int("skipped", len(defs)-armed))
	return nil
}

// Schedule arms (or re-arms) the named job with the given cron expression.
// The handler is resolved now and bound into the entry; later registry or
// definition changes require re-scheduling.
func (s *Service) Schedule(ctx context.Context, name, expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fmt.Errorf("schedule required")
	}
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron %q: %w", expr, err)
	}

	fn, err := s.resolve(ctx, name)
	if err != nil {
		return err
	}

	run := func() {
		if err := s.runner.Enqueue(runner.Job{
			Name: name,
			Run: func(rctx context.Context) error {
				return s.engine.Execute(rctx, name, fn)
			},
		}); err != nil {
			s.log.Warn("tick not enqueued", logx.String("job", name), logx.Err(err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return fmt.Errorf("scheduler not initialized")
	}
	if id, ok := s.entries[name]; ok {
		s.c.Remove(id)
	}
	id := s.c.Schedule(sched, cron.FuncJob(run))
	s.entries[name] = id
	s.exprs[name] = expr

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobScheduled, Data: name})
	}
	s.log.Info("job armed", logx.String("job", name), logx.String("schedule", expr))
	return nil
}

// resolve binds the job's handler: builtin table first, then the stored
// definition's template id with its params.
func (s *Service) resolve(ctx context.Context, name string) (engine.Fn, error) {
	s.mu.Lock()
	h, ok := s.builtins[name]
	s.mu.Unlock()
	if ok {
		return func(c context.Context) (template.Result, error) {
			return h(c, nil)
		}, nil
	}

	def, err := s.store.FindJobByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}
	if def.TemplateID == "" {
		return nil, fmt.Errorf("job %q has no builtin handler and no template", name)
	}
	tpl, ok := s.registry.Get(def.TemplateID)
	if !ok {
		return nil, fmt.Errorf("unknown template %q", def.TemplateID)
	}
	params := template.Params(def.Params)
	handler := tpl.Handler
	return func(c context.Context) (template.Result, error) {
		return handler(c, params)
	}, nil
}

// StopJob disarms the named job. Unknown names are a no-op.
func (s *Service) StopJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return
	}
	if s.c != nil {
		s.c.Remove(id)
	}
	delete(s.entries, name)
	delete(s.exprs, name)
	s.log.Info("job disarmed", logx.String("job", name))
}

// StopAll cancels every entry and stops the cron runtime. Runs already
// handed to the runner finish there.
func (s *Service) StopAll(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	n := len(s.entries)
	s.entries = map[string]cron.EntryID{}
	s.exprs = map[string]string{}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Int("disarmed", n))
}

// Status reports every armed job with its next and previous fire times.
func (s *Service) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	out := make([]JobStatus, 0, len(s.entries))
	for name, id := range s.entries {
		e := s.c.Entry(id)
		if e.ID == 0 {
			continue
		}
		out = append(out, JobStatus{
			Name:     name,
			Schedule: s.exprs[name],
			Next:     e.Next,
			Prev:     e.Prev,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Location returns the timezone the scheduler (and the aggregation
// bucketing) operates in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}
