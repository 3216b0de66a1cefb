// Package sweeper repairs attempts a crashed or restarted process left
// behind. A machine that dies mid-poll leaves its history row
// non-terminal forever; the sweeper periodically scans for rows stuck
// past a staleness threshold and forces them to timed_out. The store's
// terminal guard makes this safe against races: an attempt that
// resolved between the scan and the write is left alone.
//
// Exactly one replica runs the sweep; the leader elector gates it.
package sweeper

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/nassifmd/akuafopay/internal/cron"
	"github.com/nassifmd/akuafopay/internal/history"
	"github.com/nassifmd/akuafopay/internal/metrics"
)

// Store is the slice of the history store the sweeper needs.
type Store interface {
	StaleAttempts(ctx context.Context, olderThan time.Time, limit int) ([]history.Attempt, error)
	MarkTimedOut(ctx context.Context, attemptID uuid.UUID, at time.Time) error
}

// Config holds sweeper configuration.
type Config struct {
	// Schedule decides when sweep cycles run.
	Schedule cron.Schedule

	// Threshold is the age past which a non-terminal attempt counts as
	// stale. It must comfortably exceed the longest confirmation budget,
	// or the sweeper would race live machines. Default: 30 minutes.
	Threshold time.Duration

	// BatchSize caps the attempts swept per cycle. Default: 100.
	BatchSize int
}

// Sweeper marks stale attempts timed out on a cron cadence.
type Sweeper struct {
	config Config
	store  Store
	sink   metrics.Sink
	clock  func() time.Time
}

type Option func(*Sweeper)

// WithMetrics attaches a metrics sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(s *Sweeper) {
		s.sink = sink
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Sweeper) {
		s.clock = clock
	}
}

func New(config Config, store Store, opts ...Option) *Sweeper {
	if config.Threshold <= 0 {
		config.Threshold = 30 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	s := &Sweeper{
		config: config,
		store:  store,
		sink:   metrics.NewNoopSink(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled, sweeping at each scheduled firing.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("sweeper: started (threshold=%s, batch=%d)", s.config.Threshold, s.config.BatchSize)

	for {
		now := s.clock()
		next := s.config.Schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("sweeper: stopped")
			return
		case <-timer.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle executes one sweep. Exposed so a leader transition or an
// operator can force a sweep outside the schedule.
func (s *Sweeper) RunCycle(ctx context.Context) {
	now := s.clock().UTC()
	cutoff := now.Add(-s.config.Threshold)

	stale, err := s.store.StaleAttempts(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		// DB error: log and abort the cycle. The next firing retries.
		log.Printf("sweeper: failed to list stale attempts: %v", err)
		s.sink.SweepCompleted(0, err)
		return
	}

	if len(stale) == 0 {
		s.sink.SweepCompleted(0, nil)
		return
	}

	log.Printf("sweeper: found %d stale attempts", len(stale))

	swept := 0
	for _, attempt := range stale {
		// Check context between writes so shutdown stays prompt.
		if ctx.Err() != nil {
			log.Printf("sweeper: cycle interrupted, swept %d/%d", swept, len(stale))
			s.sink.SweepCompleted(swept, ctx.Err())
			return
		}

		err := s.store.MarkTimedOut(ctx, attempt.AttemptID, now)
		switch {
		case err == nil:
			log.Printf("sweeper: attempt %s order %s timed out (stuck in %s for %s)",
				attempt.AttemptID, attempt.OrderID, attempt.Phase,
				now.Sub(attempt.UpdatedAt).Round(time.Second))
			swept++
		case errors.Is(err, history.ErrAlreadyTerminal):
			// Resolved between the scan and the write. Leave it be.
		default:
			log.Printf("sweeper: failed to time out attempt %s: %v", attempt.AttemptID, err)
		}
	}

	log.Printf("sweeper: cycle complete, swept=%d", swept)
	s.sink.SweepCompleted(swept, nil)
}
