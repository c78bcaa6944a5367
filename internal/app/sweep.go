package app

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "relaybot/pkg/logx"
)

// SecondOptional accepts both 5-field and 6-field specs.
var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parseSchedule(spec string) (cron.Schedule, error) {
	return scheduleParser.Parse(spec)
}

// sweepTarget is the part of the relay the sweep drives.
type sweepTarget interface {
	PruneExpired(ctx context.Context) (int, error)
	Trigger() bool
}

// pendingProbe reports whether anything is waiting.
type pendingProbe interface {
	HasAny(ctx context.Context) (bool, error)
}

// sweeper periodically prunes expired entries and restarts the drain when
// entries are still pending, covering intakes that landed while a drain
// was finishing.
type sweeper struct {
	mu      sync.Mutex
	spec    string
	loc     *time.Location
	c       *cron.Cron
	timeout time.Duration

	target sweepTarget
	probe  pendingProbe
	log    logx.Logger
}

func newSweeper(spec string, loc *time.Location, target sweepTarget, probe pendingProbe, log logx.Logger) *sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &sweeper{spec: spec, loc: loc, timeout: 30 * time.Second, target: target, probe: probe, log: log}
}

func (s *sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked()
}

func (s *sweeper) startLocked() error {
	sched, err := parseSchedule(s.spec)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(scheduleParser), cron.WithLocation(s.loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.sweep(ctx)
	}))
	c.Start()
	s.c = c
	s.log.Info("sweep started", logx.String("schedule", s.spec), logx.String("tz", s.loc.String()))
	return nil
}

// Apply swaps the schedule or timezone, restarting cron when running.
func (s *sweeper) Apply(spec string, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if spec == s.spec && loc.String() == s.loc.String() {
		return nil
	}
	if _, err := parseSchedule(spec); err != nil {
		return err
	}
	s.spec, s.loc = spec, loc
	if s.c == nil {
		return nil
	}
	<-s.c.Stop().Done()
	s.c = nil
	return s.startLocked()
}

func (s *sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *sweeper) sweep(ctx context.Context) {
	if _, err := s.target.PruneExpired(ctx); err != nil {
		s.log.Warn("sweep prune failed", logx.Err(err))
	}
	has, err := s.probe.HasAny(ctx)
	if err != nil {
		s.log.Warn("sweep pending check failed", logx.Err(err))
		return
	}
	if has && s.target.Trigger() {
		s.log.Debug("sweep restarted drain")
	}
}
