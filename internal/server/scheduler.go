package server

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/Allen15763/spe-bank-recon/config"
	"github.com/Allen15763/spe-bank-recon/internal/queue/streams"
	"github.com/Allen15763/spe-bank-recon/internal/store"
)

// SchedStore is the registry slice the scheduler needs.
type SchedStore interface {
	CreateRun(ctx context.Context, rec store.RunRecord) (string, error)
	LatestRunTime(ctx context.Context, mode string) (*time.Time, error)
}

// Scheduler fires configured modes on their cron lines by publishing
// run.requested events. A redis lock per schedule keeps replicated servers
// from double-firing.
type Scheduler struct {
	Store     SchedStore
	Bus       RunsBus
	Rdb       *redis.Client
	Schedules []config.ScheduleConfig
	Stream    string
	TaskName  string
	Interval  time.Duration
	Logger    *log.Logger
	Stop      chan struct{}
}

func (s *Scheduler) Start() {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	ticker := time.NewTicker(interval)
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
	for _, sc := range s.Schedules {
		last, err := s.Store.LatestRunTime(ctx, sc.Mode)
		if err != nil {
			s.Logger.Printf("warn: schedule %s: latest run time: %v", sc.Name, err)
			continue
		}
		if !isDue(sc.Cron, last) {
			continue
		}

		if s.Rdb != nil {
			lockKey := "sperecon:sched:lock:" + sc.Name
			ok, err := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if err != nil {
				s.Logger.Printf("warn: schedule %s: lock: %v", sc.Name, err)
				continue
			}
			if !ok {
				continue
			}
		}

		runID := uuid.NewString()
		rec := store.RunRecord{
			ID:       runID,
			Mode:     sc.Mode,
			TaskName: s.TaskName,
			Trigger:  store.TriggerSchedule,
		}
		if _, err := s.Store.CreateRun(ctx, rec); err != nil {
			s.Logger.Printf("warn: schedule %s: create run: %v", sc.Name, err)
			continue
		}
		if _, err := s.Bus.PublishRunRequested(ctx, s.Stream, streams.RunRequested{
			RunID:    runID,
			Mode:     sc.Mode,
			TaskName: s.TaskName,
			Trigger:  store.TriggerSchedule,
		}); err != nil {
			s.Logger.Printf("warn: schedule %s: publish run %s: %v", sc.Name, runID, err)
			continue
		}
		s.Logger.Printf("schedule %s fired run %s (mode %s)", sc.Name, runID, sc.Mode)
	}
}

// isDue determines if a schedule with cronSpec should fire now given its
// last activity. Supports "@daily", "@hourly" and 5-field cron expressions.
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
			// Config validation rejects unparseable lines; treat a stray
			// one as @daily rather than firing every tick.
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
