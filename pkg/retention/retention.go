// Package retention purges finished stream buffers on a cron schedule. The
// assistant messages built from them live in the chat store and are kept.
package retention

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultCron = "0 3 * * *"

var ErrInvalidCron = errors.New("invalid retention cron expression")

// Purger deletes terminal streams last updated before cutoff.
type Purger interface {
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type Config struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Cron    string        `mapstructure:"cron" yaml:"cron"`
	MaxAge  time.Duration `mapstructure:"max-age" yaml:"max-age"`
}

type Scheduler struct {
	purger Purger
	cron   string
	maxAge time.Duration
	now    func() time.Time
}

func NewScheduler(purger Purger, cfg Config) (*Scheduler, error) {
	cron := cfg.Cron
	if cron == "" {
		cron = DefaultCron
	}
	if !gronx.IsValid(cron) {
		return nil, errors.Wrapf(ErrInvalidCron, "%q", cron)
	}
	if cfg.MaxAge <= 0 {
		return nil, errors.Errorf("retention max-age must be positive, got %s", cfg.MaxAge)
	}
	return &Scheduler{purger: purger, cron: cron, maxAge: cfg.MaxAge, now: time.Now}, nil
}

// RunOnce purges every terminal stream older than the configured max age.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.maxAge)
	n, err := s.purger.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		return n, errors.Wrap(err, "purge streams")
	}
	log.Info().Int("purged", n).Time("cutoff", cutoff).Msg("stream retention run")
	return n, nil
}

// NextRun returns the first scheduled run strictly after t.
func (s *Scheduler) NextRun(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, t, false)
}

// Run sleeps until each scheduled tick and purges, until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Str("cron", s.cron).Dur("max_age", s.maxAge).Msg("stream retention scheduler started")
	for {
		next, err := s.NextRun(s.now().UTC())
		if err != nil {
			return errors.Wrap(err, "compute next retention run")
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Debug().Msg("stream retention scheduler stopping")
			return nil
		case <-timer.C:
		}
		if _, err := s.RunOnce(ctx); err != nil {
			log.Error().Err(err).Msg("stream retention run failed")
		}
	}
}
