package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notifyhub/internal/eventbus"
	"notifyhub/internal/lease"
	"notifyhub/pkg/logx"
)

// ErrNotFound is returned by RunNow for an unknown schedule.
var ErrNotFound = errors.New("schedule not found")

func New(cfg Config, locker lease.Locker, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		bus:    bus,
		locker: locker,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Apply restarts triggering when the timezone changed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	<-s.c.Stop().Done()
	s.startCronLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	// Runs are not tied to ctx: Stop lets them finish.
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.startCronLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop stops triggering and waits for in-flight runs. When ctx ends first the
// runs are canceled.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.mu.Unlock()
	if c == nil {
		return
	}
	c.Stop()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop deadline reached, canceling running jobs")
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// AddSchedule registers (or replaces, by name) a job with OverlapSkipIfRunning.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{}, job)
}

func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{name: name, spec: spec, timeout: timeout, job: job, opt: opt, state: &RunState{}}
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.addCronLocked(d); err != nil {
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	return nil
}

// Remove unschedules name; a run already in flight finishes.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	eid, err := s.c.AddFunc(d.spec, func() { s.run(d) })
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// RunNow runs the named schedule immediately, under the same overlap and
// lease rules as a triggered run. It reports whether the run happened.
func (s *Service) RunNow(name string) (bool, error) {
	s.mu.Lock()
	var d *scheduleDef
	for _, x := range s.defs {
		if x.name == name {
			d = x
		}
	}
	s.mu.Unlock()
	if d == nil {
		return false, ErrNotFound
	}
	return s.run(d), nil
}

func (s *Service) run(d *scheduleDef) bool {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return false
	}
	s.running.Add(1)
	defer s.running.Done()

	log := s.log.With(logx.String("schedule", d.name))
	if d.opt.Overlap == OverlapSkipIfRunning {
		if !d.state.tryAcquire() {
			d.noteSkip()
			log.Debug("previous run still active, skipping")
			return false
		}
		defer d.state.release()
	}

	if d.opt.Lease != "" && s.locker != nil {
		l, ok, err := s.locker.Acquire(ctx, d.opt.Lease, d.leaseTTL())
		if err != nil {
			d.noteSkip()
			log.Warn("lease unavailable, skipping run", logx.Err(err))
			return false
		}
		if !ok {
			d.noteSkip()
			log.Debug("lease held by another instance, skipping")
			return false
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.Release(rctx); err != nil {
				log.Warn("lease release failed", logx.Err(err))
			}
		}()
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	err := protect(ctx, d.job)
	d.noteRun(start, err)

	ev := TaskEvent{Name: d.name, Started: start, Duration: time.Since(start)}
	if err != nil {
		ev.Error = err.Error()
		log.Warn("scheduled run failed", logx.Duration("took", ev.Duration), logx.Err(err))
	}
	s.bus.Publish(eventbus.Event{Type: TypeTaskFinished, Data: ev})
	return true
}

func protect(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func (d *scheduleDef) leaseTTL() time.Duration {
	switch {
	case d.opt.LeaseTTL > 0:
		return d.opt.LeaseTTL
	case d.timeout > 0:
		return d.timeout
	default:
		return 5 * time.Minute
	}
}

func (d *scheduleDef) noteSkip() {
	d.smu.Lock()
	d.skipped++
	d.smu.Unlock()
}

func (d *scheduleDef) noteRun(at time.Time, err error) {
	d.smu.Lock()
	defer d.smu.Unlock()
	d.runs++
	d.lastRun = at
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
}

// Snapshot lists schedules with their next trigger and run counters.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		d.smu.Lock()
		it.Runs, it.Skipped, it.LastErr = d.runs, d.skipped, d.lastErr
		d.smu.Unlock()
		out = append(out, it)
	}
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
