package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/avelsher/portalpilot/internal/agent/core"
	"github.com/avelsher/portalpilot/internal/store"
)

// Scheduler fires stored recurring goals when their cron spec is due.
// A redis SetNX lock keeps multiple instances from firing the same
// schedule in the same window.
type Scheduler struct {
	Store  *store.Store
	Runner *runner
	Rdb    *redis.Client
	Stop   chan struct{}

	logger *log.Logger
}

func (s *Scheduler) Start() {
	s.logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	schedules, err := s.Store.EnabledSchedules(ctx)
	if err != nil {
		s.logger.Printf("listing schedules: %v", err)
		return
	}
	for _, sch := range schedules {
		if !isDue(sch.CronSpec, sch.LastRun) {
			continue
		}

		// distributed lock to avoid duplicate runs
		if s.Rdb != nil {
			lockKey := "sched:lock:" + sch.ID
			ok, _ := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if !ok {
				continue
			}
		}

		if err := s.Store.MarkScheduleRun(ctx, sch.ID, time.Now()); err != nil {
			s.logger.Printf("marking schedule %s: %v", sch.ID, err)
			continue
		}

		go func(sch store.Schedule) {
			s.logger.Printf("firing schedule %s: %q", sch.ID, sch.Goal)
			res := s.Runner.run(ctx, sch.UserID, sch.Goal, core.DefaultWorkflowConfig())
			s.logger.Printf("schedule %s run %s: success=%t", sch.ID, res.RunID, res.Success)
		}(sch)
	}
}

// isDue determines if a schedule with cronSpec should run now based on
// its last firing. Supports "@daily", "@hourly", and standard 5-field
// cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// fallback: treat as @daily if invalid
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
