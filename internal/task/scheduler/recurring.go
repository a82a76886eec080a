package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"publisher/internal/task/engine"
	logx "publisher/pkg/logx"
)

// NormalizeSpec accepts a cron expression ("*/5 * * * *", "@hourly",
// "@every 55m") or a bare Go duration ("1h", "30m") and returns a spec the
// cron parser understands.
func NormalizeSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("schedule required")
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return s, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '0 * * * *' or a duration like '1h')", raw)
	}
	if d <= 0 {
		return "", errors.New("interval must be > 0")
	}
	return "@every " + d.String(), nil
}

// AddRecurring registers job under name, replacing any earlier registration
// with the same name.
func (s *Service) AddRecurring(name, spec string, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	norm, err := NormalizeSpec(spec)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(norm); err != nil {
		return fmt.Errorf("parse %q: %w", norm, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}
	s.removeRecurringLocked(name)
	s.recurring = append(s.recurring, recurringDef{name: name, spec: norm, job: job})
	if s.c == nil {
		// Registered with cron on Start.
		return nil
	}
	d := &s.recurring[len(s.recurring)-1]
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	s.log.Debug("recurring registered", logx.String("name", name), logx.String("spec", norm), logx.Time("next", s.c.Entry(d.entryID).Next))
	return nil
}

// Remove unregisters a recurring job. Absent names are a no-op.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeRecurringLocked(strings.TrimSpace(name))
}

func (s *Service) removeRecurringLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.recurring {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.recurring[n] = d
		n++
	}
	s.recurring = s.recurring[:n]
	return removed
}

func (s *Service) addCronLocked(d *recurringDef) error {
	name, spec, run := d.name, d.spec, d.job
	eid, err := s.c.AddJob(d.spec, cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		s.mu.Lock()
		timeout := s.cfg.JobTimeout
		s.mu.Unlock()
		if err := s.engine.Enqueue(engine.Task{
			Name:    name,
			Timeout: timeout,
			Run:     run,
			Fields:  []logx.Field{logx.String("spec", spec)},
		}); err != nil {
			s.log.Warn("recurring job failed to enqueue", logx.String("name", name), logx.Err(err))
		}
	}))
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func (s *Service) restartCronLocked() {
	if s.c != nil {
		// Not waiting: a running cron func needs s.mu to enqueue.
		s.c.Stop()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.recurring {
		_ = s.addCronLocked(&s.recurring[i])
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("recurring", len(s.recurring)))
}
