// Package poller runs the fixed-interval verification loop for one
// payment attempt. The first poll fires immediately; each wait starts
// after the previous poll completes, so a slow backend call never causes
// overlapping polls. The loop stops when the target says so, when the
// timeout budget lapses, or when the handle is stopped.
package poller

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nassifmd/akuafopay/internal/domain"
	"github.com/nassifmd/akuafopay/internal/metrics"
)

// Verifier is the poll call. Transport failures come back as an error;
// the poller absorbs them as unknown outcomes and keeps the cadence.
type Verifier interface {
	Verify(ctx context.Context, attempt domain.PaymentAttempt) (domain.VerificationResult, error)
}

// Target consumes poll outcomes. HandleResult reports whether polling
// should continue. HandleTimeout fires at most once, when the budget
// lapses before a stop; pollsCompleted is the number of polls this loop
// finished.
type Target interface {
	HandleResult(res domain.VerificationResult) (keepPolling bool)
	HandleTimeout(pollsCompleted int)
}

// Schedule fixes the cadence and budget for one attempt. The fast
// interval applies while elapsed time is inside FastWindow, the slow
// interval after. Timeout is the total budget measured from Start.
// StartSlow skips the fast window entirely; resumed attempts use it when
// their fast window was consumed before the stop.
type Schedule struct {
	FastInterval time.Duration
	SlowInterval time.Duration
	FastWindow   time.Duration
	Timeout      time.Duration
	StartSlow    bool
}

// DefaultSchedule is the checkout profile: 10s cadence for the whole
// 5 minute budget.
func DefaultSchedule() Schedule {
	return Schedule{
		FastInterval: 10 * time.Second,
		SlowInterval: 5 * time.Minute,
		FastWindow:   5 * time.Minute,
		Timeout:      5 * time.Minute,
	}
}

// Normalize fills zero fields from the default schedule.
func (s Schedule) Normalize() Schedule {
	def := DefaultSchedule()
	if s.FastInterval <= 0 {
		s.FastInterval = def.FastInterval
	}
	if s.SlowInterval <= 0 {
		s.SlowInterval = def.SlowInterval
	}
	if s.Timeout <= 0 {
		s.Timeout = def.Timeout
	}
	if s.FastWindow <= 0 {
		s.FastWindow = s.Timeout
	}
	return s
}

type cadenceMode int32

const (
	cadenceAuto cadenceMode = iota
	cadenceFast
	cadenceSlow
)

// Handle controls one running poll loop.
type Handle struct {
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	mode     atomic.Int32
}

// Stop cancels the loop. Idempotent. A verification call already in
// flight is not interrupted; its result is discarded when it lands.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
}

// Done is closed when the loop has fully exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// UseSlow switches to the slow cadence from the next wait.
func (h *Handle) UseSlow() {
	h.mode.Store(int32(cadenceSlow))
}

// UseFast switches back to the fast cadence from the next wait.
func (h *Handle) UseFast() {
	h.mode.Store(int32(cadenceFast))
}

func (h *Handle) stopped() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

func (h *Handle) interval(s Schedule, elapsed time.Duration) time.Duration {
	switch cadenceMode(h.mode.Load()) {
	case cadenceFast:
		return s.FastInterval
	case cadenceSlow:
		return s.SlowInterval
	}
	if s.StartSlow || elapsed >= s.FastWindow {
		return s.SlowInterval
	}
	return s.FastInterval
}

type Poller struct {
	verifier Verifier
	sink     metrics.Sink
	clock    func() time.Time
	sleep    func(d time.Duration, cancel <-chan struct{}) bool
}

type Option func(*Poller)

// WithMetrics attaches a metrics sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(p *Poller) {
		p.sink = sink
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(p *Poller) {
		p.clock = clock
	}
}

// WithSleep overrides the inter-poll wait. The function must return
// false when cancel closes before d elapses.
func WithSleep(sleep func(d time.Duration, cancel <-chan struct{}) bool) Option {
	return func(p *Poller) {
		p.sleep = sleep
	}
}

func New(verifier Verifier, opts ...Option) *Poller {
	p := &Poller{
		verifier: verifier,
		sink:     metrics.NewNoopSink(),
		clock:    time.Now,
		sleep:    sleepTimer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the loop for the attempt and returns its handle. The
// schedule is normalized first. The loop always completes at least one
// poll, even when the budget is already exhausted: a charge may have
// settled while nobody was watching.
func (p *Poller) Start(ctx context.Context, attempt domain.PaymentAttempt, sched Schedule, target Target) *Handle {
	sched = sched.Normalize()
	h := &Handle{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.run(ctx, attempt, sched, target, h)
	return h
}

func (p *Poller) run(ctx context.Context, attempt domain.PaymentAttempt, sched Schedule, target Target, h *Handle) {
	defer close(h.done)

	p.sink.AttemptsInFlightIncr()
	defer p.sink.AttemptsInFlightDecr()

	start := p.clock()
	deadline := start.Add(sched.Timeout)
	polls := 0

	log.Printf("poller: order %s: started fast=%s slow=%s window=%s timeout=%s",
		attempt.OrderID, sched.FastInterval, sched.SlowInterval, sched.FastWindow, sched.Timeout)

	for {
		if h.stopped() {
			log.Printf("poller: order %s: stopped after %d polls", attempt.OrderID, polls)
			return
		}
		if ctx.Err() != nil {
			log.Printf("poller: order %s: context cancelled after %d polls", attempt.OrderID, polls)
			return
		}

		now := p.clock()
		if polls > 0 && !now.Before(deadline) {
			log.Printf("poller: order %s: budget exhausted after %d polls", attempt.OrderID, polls)
			target.HandleTimeout(polls)
			return
		}

		pollStart := now
		res, err := p.verifier.Verify(ctx, attempt)
		polls++
		p.sink.PollCompleted(metrics.ClassifyPoll(string(res.Outcome), err), p.clock().Sub(pollStart))
		if err != nil {
			log.Printf("poller: order %s: poll %d unreachable, treating as unknown: %v", attempt.OrderID, polls, err)
			res = domain.VerificationResult{Outcome: domain.OutcomeUnknown, Source: domain.SourceNone}
		}

		// A stop that raced the request makes this result stale.
		if h.stopped() {
			log.Printf("poller: order %s: discarding result after stop", attempt.OrderID)
			return
		}

		if !target.HandleResult(res) {
			return
		}

		now = p.clock()
		wait := h.interval(sched, now.Sub(start))
		if remaining := deadline.Sub(now); wait > remaining {
			wait = remaining
		}
		if !p.sleep(wait, h.stop) {
			log.Printf("poller: order %s: stopped during wait after %d polls", attempt.OrderID, polls)
			return
		}
	}
}

func sleepTimer(d time.Duration, cancel <-chan struct{}) bool {
	if d <= 0 {
		select {
		case <-cancel:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-cancel:
		return false
	}
}
