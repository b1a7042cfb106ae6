package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"linkflow/internal/domain"
	"linkflow/internal/queue"
)

// Dispatcher runs one due instruction end to end: claim, execute, apply.
type Dispatcher interface {
	ExecuteDue(ctx context.Context, ins domain.Instruction) error
}

// Pool polls the due-instructions view and dispatches to a bounded set of
// goroutines. Multiple pools in multiple processes may run concurrently; the
// engine's conditional transitions keep them from double-firing.
type Pool struct {
	repo      queue.Repository
	dispatch  Dispatcher
	sem       chan struct{}
	stop      chan struct{}
	pollEvery time.Duration
	batch     int
}

func NewPool(repo queue.Repository, dispatch Dispatcher, size int, pollEvery time.Duration) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{
		repo:      repo,
		dispatch:  dispatch,
		sem:       make(chan struct{}, size),
		stop:      make(chan struct{}),
		pollEvery: pollEvery,
		batch:     size * 4,
	}
}

func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			due, err := p.repo.DueBatch(ctx, now.UTC(), p.batch)
			if err != nil {
				log.Error().Err(err).Msg("due batch query failed")
				continue
			}
			for _, ins := range due {
				p.sem <- struct{}{}
				go func(ins domain.Instruction) {
					defer func() { <-p.sem }()
					if err := p.dispatch.ExecuteDue(ctx, ins); err != nil {
						log.Error().Err(err).
							Str("instruction_id", ins.ID).
							Str("user_id", ins.UserID).
							Msg("dispatch failed")
					}
				}(ins)
			}
		}
	}
}

func (p *Pool) Stop() {
	close(p.stop)
}
