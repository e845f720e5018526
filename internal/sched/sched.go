// Package sched fires the automatic measurement runs in daemon mode.
package sched

import (
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Service drives one recurring job from a cron spec. Overlapping fires are
// harmless: starting a run while one is in flight is a no-op by contract.
type Service struct {
	log    zerolog.Logger
	parser cron.Parser

	mu sync.Mutex
	c  *cron.Cron
}

func New(log zerolog.Logger) *Service {
	return &Service{
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Apply replaces the active schedule. An empty spec disables automatic
// runs. Safe to call on config reload.
func (s *Service) Apply(spec string, job func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	if spec == "" {
		s.log.Info().Msg("automatic runs disabled")
		return nil
	}

	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return err
	}
	c := cron.New()
	c.Schedule(schedule, cron.FuncJob(job))
	c.Start()
	s.c = c
	s.log.Info().Str("spec", spec).Msg("automatic runs scheduled")
	return nil
}

// Stop halts the schedule; running jobs are not interrupted.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
}
