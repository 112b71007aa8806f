// Package scheduler runs the engine's periodic jobs on a cron service:
// due-queue processing, escalation polling, stuck-item reaping and the
// retention sweep.
package scheduler

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "notifyd/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string
}

// Jobs are the callbacks the service drives. Nil entries are skipped.
type Jobs struct {
	// ProcessDue drains one due batch. Every minute.
	ProcessDue func(ctx context.Context) error
	// Escalations polls due escalation states. Every 5 minutes.
	Escalations func(ctx context.Context) error
	// Reap reclaims stuck processing items. Every 10 minutes.
	Reap func(ctx context.Context) error
	// Sweep purges old terminal rows. Daily.
	Sweep func(ctx context.Context) error
}

const jobTimeout = 5 * time.Minute

type Service struct {
	mu   sync.Mutex
	cfg  Config
	jobs Jobs
	log  logx.Logger

	c         *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, jobs Jobs, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, jobs: jobs, log: log}
}

// Enabled reports the current config flag. Apply() may run concurrently.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A timezone change restarts the cron runner so
// the specs re-resolve in the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.stopLocked()
		s.startLocked(context.Background())
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithLocation(loc))

	s.register("process_due", "* * * * *", s.jobs.ProcessDue)
	s.register("escalations", "*/5 * * * *", s.jobs.Escalations)
	s.register("reap", "*/10 * * * *", s.jobs.Reap)
	s.register("sweep", "0 3 * * *", s.jobs.Sweep)

	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()))
}

// register wires one job with an overlap guard, a timeout and panic
// recovery. A tick that finds the previous run still going is skipped.
func (s *Service) register(name, spec string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	runCtx := s.runCtx
	var busy atomic.Bool
	_, err := s.c.AddFunc(spec, func() {
		if !busy.CompareAndSwap(false, true) {
			s.log.Warn("job still running; tick skipped", logx.String("job", name))
			return
		}
		defer busy.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in job",
					logx.String("job", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()

		ctx, cancel := context.WithTimeout(runCtx, jobTimeout)
		defer cancel()
		start := time.Now()
		if err := fn(ctx); err != nil {
			s.log.Warn("job failed",
				logx.String("job", name),
				logx.Duration("took", time.Since(start)),
				logx.Err(err))
			return
		}
		s.log.Debug("job finished",
			logx.String("job", name),
			logx.Duration("took", time.Since(start)))
	})
	if err != nil {
		s.log.Error("job registration failed", logx.String("job", name), logx.Err(err))
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Service) stopLocked() {
	if s.c == nil {
		return
	}
	c := s.c
	s.c = nil
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
}
