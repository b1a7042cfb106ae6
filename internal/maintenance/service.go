package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"linkflow/internal/queue"
)

// Service runs the timed sweeps the instruction state machine depends on:
// releasing throttled work whose pause has lapsed and recovering processing
// instructions whose worker died. Sweep cadence is cron-configured.
type Service struct {
	repo     queue.Repository
	schedule cron.Schedule
	staleAge time.Duration
	stop     chan struct{}
}

// NewService parses the sweep cron expression (standard five-field form).
func NewService(repo queue.Repository, cronExpr string, staleAge time.Duration) (*Service, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, err
	}
	if staleAge <= 0 {
		staleAge = 15 * time.Minute
	}
	return &Service{
		repo:     repo,
		schedule: schedule,
		staleAge: staleAge,
		stop:     make(chan struct{}),
	}, nil
}

func (s *Service) Start(ctx context.Context) {
	log.Info().Dur("stale_age", s.staleAge).Msg("maintenance service started")
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case now := <-timer.C:
			s.sweep(ctx, now.UTC())
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) sweep(ctx context.Context, now time.Time) {
	released, err := s.repo.ReleaseThrottled(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("throttle release sweep failed")
	} else if released > 0 {
		log.Info().Int("released", released).Msg("throttled instructions released")
	}

	recovered, err := s.repo.RecoverStale(ctx, now.Add(-s.staleAge))
	if err != nil {
		log.Error().Err(err).Msg("stale recovery sweep failed")
	} else if recovered > 0 {
		log.Warn().Int("recovered", recovered).Msg("stale processing instructions requeued")
	}
}

// ValidateCronExpression validates a sweep schedule expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
