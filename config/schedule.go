package config

import (
	"fmt"
	"strings"

	"github.com/gorhill/cronexpr"
)

// Normalize trims schedule entries and drops fully empty ones.
func (s SchedulerConfig) Normalize() SchedulerConfig {
	cfg := s
	if len(cfg.Schedules) == 0 {
		cfg.Schedules = nil
		return cfg
	}
	var out []ScheduleConfig
	for _, sc := range cfg.Schedules {
		sc.Name = strings.TrimSpace(sc.Name)
		sc.Mode = strings.TrimSpace(sc.Mode)
		sc.Cron = strings.TrimSpace(sc.Cron)
		if sc.Name == "" && sc.Mode == "" && sc.Cron == "" {
			continue
		}
		out = append(out, sc)
	}
	cfg.Schedules = out
	return cfg
}

// Validate ensures schedules are complete, unique and carry parseable cron
// expressions.
func (s SchedulerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	seen := make(map[string]struct{}, len(s.Schedules))
	for i, sc := range s.Schedules {
		if sc.Name == "" {
			return fmt.Errorf("scheduler.schedules[%d].name required", i)
		}
		if _, ok := seen[sc.Name]; ok {
			return fmt.Errorf("schedule conflict: %q configured more than once", sc.Name)
		}
		seen[sc.Name] = struct{}{}
		if sc.Mode == "" {
			return fmt.Errorf("scheduler.schedules[%d] (%s): mode required", i, sc.Name)
		}
		if sc.Cron == "" {
			return fmt.Errorf("scheduler.schedules[%d] (%s): cron required", i, sc.Name)
		}
		if _, err := cronexpr.Parse(sc.Cron); err != nil {
			return fmt.Errorf("scheduler.schedules[%d] (%s): cron %q: %w", i, sc.Name, sc.Cron, err)
		}
	}
	return nil
}
