package confirm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nassifmd/akuafopay/internal/domain"
	"github.com/nassifmd/akuafopay/internal/metrics"
	"github.com/nassifmd/akuafopay/internal/poller"
)

var (
	// ErrMissingOrderID is returned synchronously, before any network
	// call, when a request names no order.
	ErrMissingOrderID = errors.New("order id is required")

	// ErrInvalidKind is returned for attempt kinds the engine does not
	// know.
	ErrInvalidKind = errors.New("invalid attempt kind")

	// ErrNotInitiated is returned by CheckNow on a machine that was
	// never initiated.
	ErrNotInitiated = errors.New("confirmation not initiated")

	// ErrAlreadyInitiated is returned by Initiator implementations when
	// the backend already holds a charge for the order. The machine
	// proceeds to verification instead of failing: if the money moved,
	// the first poll reports it.
	ErrAlreadyInitiated = errors.New("payment already initiated")
)

// Initiator registers a charge with the payments backend and returns the
// provider's client reference.
type Initiator interface {
	InitiatePayment(ctx context.Context, orderID string) (clientReference string, err error)
}

// Verifier answers one poll about an attempt.
type Verifier interface {
	Verify(ctx context.Context, attempt domain.PaymentAttempt) (domain.VerificationResult, error)
}

// InitiateRequest starts or resumes a confirmation attempt.
type InitiateRequest struct {
	OrderID string
	Kind    domain.AttemptKind // defaults to order

	// ClientReference, when already known from an earlier flow, skips
	// the backend initiation call.
	ClientReference string

	// Timeout overrides the schedule's confirmation budget when > 0.
	Timeout time.Duration
}

// Machine drives one payment attempt from initiation to exactly one
// terminal phase. Terminal phases are absorbing: every transition passes
// a single guard that refuses to move a terminal machine, so a late
// poll, a duplicate timeout, or a racing out-of-band check can never
// produce a second outcome. Machines are created by a Registry.
type Machine struct {
	mu      sync.Mutex
	attempt domain.PaymentAttempt
	state   domain.ConfirmationState

	timeout   time.Duration
	deadline  time.Time // budget anchor: awaiting entry + timeout
	fastUntil time.Time

	handle     *poller.Handle
	gen        uint64 // bumped on cancel; parks stale results
	cancelled  bool
	initiating bool

	env machineEnv
}

// machineEnv is the wiring shared by all machines of one registry.
type machineEnv struct {
	ctx       context.Context
	engine    *poller.Poller
	initiator Initiator
	verifier  Verifier
	sched     poller.Schedule
	sinks     []StateSink
	msink     metrics.Sink
	clock     func() time.Time
}

func newMachine(orderID string, attemptID uuid.UUID, env machineEnv) *Machine {
	now := env.clock().UTC()
	m := &Machine{
		attempt: domain.PaymentAttempt{
			ID:        attemptID,
			OrderID:   orderID,
			Kind:      domain.AttemptKindOrder,
			CreatedAt: now,
		},
		state: domain.ConfirmationState{
			Phase:     domain.PhaseIdle,
			AttemptID: attemptID,
			OrderID:   orderID,
			Kind:      domain.AttemptKindOrder,
			UpdatedAt: now,
		},
		timeout: env.sched.Timeout,
		env:     env,
	}
	return m
}

// Initiate begins the attempt. Validation fails fast and synchronously;
// everything after the initiating transition runs off the caller's path,
// and every outcome, terminal ones included, is delivered through the
// state sinks rather than returned here.
//
// Calling Initiate on a machine already in flight attaches to it without
// a second backend call or a second poll loop. On a cancelled machine it
// resumes polling against the remaining budget.
func (m *Machine) Initiate(req InitiateRequest) error {
	kind, err := normalizeKind(req.Kind)
	if err != nil {
		return err
	}
	if req.OrderID != "" && req.OrderID != m.attempt.OrderID {
		return fmt.Errorf("initiate: request for order %s on machine for order %s", req.OrderID, m.attempt.OrderID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state.Phase {
	case domain.PhaseConfirmed, domain.PhaseFailed, domain.PhaseTimedOut:
		// Outcome already delivered through the sinks.
		return nil

	case domain.PhaseAwaitingConfirmation:
		if m.cancelled && m.handle == nil {
			log.Printf("machine: order %s: resuming polling", m.attempt.OrderID)
			m.startPollingLocked()
		}
		return nil

	case domain.PhaseInitiating:
		if !m.initiating {
			// Cancelled mid-initiation; finish with what we have.
			m.startInitiationLocked()
		}
		return nil
	}

	// Idle: first initiation fixes the attempt's shape.
	m.attempt.Kind = kind
	m.state.Kind = kind
	if req.ClientReference != "" {
		m.attempt.ClientReference = req.ClientReference
		m.state.ClientReference = req.ClientReference
	}
	if req.Timeout > 0 {
		m.timeout = req.Timeout
	}

	m.env.msink.AttemptStarted(string(kind))
	m.transitionLocked(domain.PhaseInitiating, nil)
	m.startInitiationLocked()
	return nil
}

// CheckNow performs one out-of-band verification without waiting for the
// next scheduled poll and applies its result before returning. On a
// cancelled machine the scheduled loop resumes afterwards. If the budget
// is already exhausted, the poll still happens: a charge may have
// settled while nobody was polling, and only an undecided answer forces
// the timeout.
func (m *Machine) CheckNow(ctx context.Context) error {
	m.mu.Lock()

	switch m.state.Phase {
	case domain.PhaseConfirmed, domain.PhaseFailed, domain.PhaseTimedOut:
		m.mu.Unlock()
		return nil
	case domain.PhaseIdle:
		m.mu.Unlock()
		return ErrNotInitiated
	case domain.PhaseInitiating:
		if !m.initiating {
			m.startInitiationLocked()
		}
		m.mu.Unlock()
		return nil
	}

	m.env.msink.CheckNowRequested()
	gen := m.gen
	attempt := m.attempt
	m.mu.Unlock()

	start := m.env.clock()
	res, err := m.env.verifier.Verify(ctx, attempt)
	m.env.msink.PollCompleted(metrics.ClassifyPoll(string(res.Outcome), err), m.env.clock().Sub(start))
	if err != nil {
		log.Printf("machine: order %s: out-of-band check unreachable, treating as unknown: %v", attempt.OrderID, err)
		res = domain.VerificationResult{Outcome: domain.OutcomeUnknown, Source: domain.SourceNone}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen || m.state.Phase.Terminal() {
		log.Printf("machine: order %s: discarding stale out-of-band result", attempt.OrderID)
		return nil
	}

	m.state.AttemptsMade++
	if decided := m.applyResultLocked(res); decided {
		return nil
	}

	now := m.env.clock().UTC()
	if !now.Before(m.deadline) {
		log.Printf("machine: order %s: budget exhausted at out-of-band check", m.attempt.OrderID)
		m.stopPollingLocked()
		m.transitionLocked(domain.PhaseTimedOut, nil)
		return nil
	}

	if m.cancelled && m.handle == nil {
		log.Printf("machine: order %s: resuming polling after out-of-band check", m.attempt.OrderID)
		m.startPollingLocked()
	}
	return nil
}

// Cancel stops polling without transitioning: the phase stays where it
// is and the attempt can resume later against its remaining budget. Any
// verification result still in flight is discarded when it lands. Cancel
// on a terminal or idle machine is a no-op.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state.Phase {
	case domain.PhaseIdle, domain.PhaseConfirmed, domain.PhaseFailed, domain.PhaseTimedOut:
		return
	}

	m.gen++
	m.cancelled = true
	m.stopPollingLocked()
	log.Printf("machine: order %s: cancelled while %s", m.attempt.OrderID, m.state.Phase)
}

// SetCadence switches the live poll loop between fast and slow
// intervals. No-op when nothing is polling.
func (m *Machine) SetCadence(fast bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return
	}
	if fast {
		m.handle.UseFast()
		return
	}
	m.handle.UseSlow()
}

// State returns a copy of the current confirmation state.
func (m *Machine) State() domain.ConfirmationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// startInitiationLocked launches the initiation goroutine. Callers hold
// the lock.
func (m *Machine) startInitiationLocked() {
	m.cancelled = false
	m.initiating = true
	gen := m.gen
	go m.finishInitiation(gen)
}

// finishInitiation obtains a client reference if none is known, then
// enters awaiting confirmation and starts the poll loop. It runs off the
// caller's path; initiation rejection is a terminal failure delivered
// through the sinks.
func (m *Machine) finishInitiation(gen uint64) {
	m.mu.Lock()
	ref := m.attempt.ClientReference
	orderID := m.attempt.OrderID
	m.mu.Unlock()

	var initErr error
	if ref == "" {
		ref, initErr = m.env.initiator.InitiatePayment(m.env.ctx, orderID)
		if errors.Is(initErr, ErrAlreadyInitiated) {
			// The charge exists server-side; verification will tell us
			// what became of it.
			log.Printf("machine: order %s: charge already initiated, proceeding to verification", orderID)
			initErr = nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.initiating = false

	if m.gen != gen || m.state.Phase.Terminal() {
		// Cancelled while the request was in flight. Keep the reference
		// so a resume does not initiate twice.
		if ref != "" && m.attempt.ClientReference == "" {
			m.attempt.ClientReference = ref
			m.state.ClientReference = ref
		}
		log.Printf("machine: order %s: initiation result parked after cancel", orderID)
		return
	}

	if initErr != nil {
		log.Printf("machine: order %s: initiation failed: %v", orderID, initErr)
		m.transitionLocked(domain.PhaseFailed, func(st *domain.ConfirmationState) {
			st.Reason = fmt.Sprintf("initiation failed: %v", initErr)
		})
		return
	}

	if ref != "" {
		m.attempt.ClientReference = ref
		m.state.ClientReference = ref
	}

	now := m.env.clock().UTC()
	m.state.StartedAt = now
	m.deadline = now.Add(m.timeout)
	m.fastUntil = now.Add(m.env.sched.Normalize().FastWindow)
	m.transitionLocked(domain.PhaseAwaitingConfirmation, nil)
	m.startPollingLocked()
}

// startPollingLocked starts the scheduled loop against the remaining
// budget. When the budget is already gone it falls back to a single
// final check. Callers hold the lock.
func (m *Machine) startPollingLocked() {
	m.cancelled = false
	now := m.env.clock().UTC()

	remaining := m.deadline.Sub(now)
	if remaining <= 0 {
		gen := m.gen
		go m.finalCheck(gen)
		return
	}

	sched := m.env.sched.Normalize()
	sched.Timeout = remaining
	if fastRemaining := m.fastUntil.Sub(now); fastRemaining > 0 {
		sched.FastWindow = fastRemaining
	} else {
		sched.StartSlow = true
	}

	m.handle = m.env.engine.Start(m.env.ctx, m.attempt, sched, &pollTarget{m: m, gen: m.gen})
}

// finalCheck handles a resume whose budget is already exhausted: one
// poll, then the timeout if it stays undecided.
func (m *Machine) finalCheck(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state.Phase.Terminal() {
		m.mu.Unlock()
		return
	}
	attempt := m.attempt
	m.mu.Unlock()

	start := m.env.clock()
	res, err := m.env.verifier.Verify(m.env.ctx, attempt)
	m.env.msink.PollCompleted(metrics.ClassifyPoll(string(res.Outcome), err), m.env.clock().Sub(start))
	if err != nil {
		res = domain.VerificationResult{Outcome: domain.OutcomeUnknown, Source: domain.SourceNone}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state.Phase.Terminal() {
		return
	}
	m.state.AttemptsMade++
	if decided := m.applyResultLocked(res); decided {
		return
	}
	m.transitionLocked(domain.PhaseTimedOut, nil)
}

// pollTarget feeds scheduled poll outcomes back into the machine. The
// generation pins results to the loop that produced them: a loop stopped
// by cancel can never mutate state afterwards.
type pollTarget struct {
	m   *Machine
	gen uint64
}

func (t *pollTarget) HandleResult(res domain.VerificationResult) bool {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != t.gen || m.state.Phase.Terminal() {
		return false
	}

	m.state.AttemptsMade++
	m.state.UpdatedAt = m.env.clock().UTC()
	return !m.applyResultLocked(res)
}

func (t *pollTarget) HandleTimeout(pollsCompleted int) {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != t.gen || m.state.Phase.Terminal() {
		return
	}

	log.Printf("machine: order %s: confirmation window lapsed after %d scheduled polls", m.attempt.OrderID, pollsCompleted)
	m.stopPollingLocked()
	m.transitionLocked(domain.PhaseTimedOut, nil)
}

// stopPollingLocked stops and drops the scheduled loop. Safe when the
// loop itself is the caller further up the stack: Stop is idempotent
// and never blocks. Callers hold the lock.
func (m *Machine) stopPollingLocked() {
	if m.handle == nil {
		return
	}
	m.handle.Stop()
	m.handle = nil
}

// applyResultLocked maps a decided verification outcome to its terminal
// transition and reports whether the result was decided. Undecided
// outcomes leave the phase untouched and the sinks silent.
func (m *Machine) applyResultLocked(res domain.VerificationResult) bool {
	switch res.Outcome {
	case domain.OutcomePaid:
		m.stopPollingLocked()
		m.transitionLocked(domain.PhaseConfirmed, func(st *domain.ConfirmationState) {
			if res.TransactionID != "" {
				st.ProviderTransactionID = res.TransactionID
			}
		})
		return true
	case domain.OutcomeFailed:
		m.stopPollingLocked()
		m.transitionLocked(domain.PhaseFailed, func(st *domain.ConfirmationState) {
			st.Reason = res.Reason
		})
		return true
	default:
		return false
	}
}

// transitionLocked is the single phase-change point. It refuses to move
// a terminal machine, stamps the snapshot, and fans it out to the sinks
// while still holding the lock. Callers hold the lock.
func (m *Machine) transitionLocked(phase domain.Phase, mutate func(*domain.ConfirmationState)) {
	if m.state.Phase.Terminal() {
		return
	}

	now := m.env.clock().UTC()
	m.state.Phase = phase
	m.state.UpdatedAt = now
	if mutate != nil {
		mutate(&m.state)
	}
	if phase.Terminal() {
		m.state.ResolvedAt = now
		elapsed := time.Duration(0)
		if !m.state.StartedAt.IsZero() {
			elapsed = now.Sub(m.state.StartedAt)
		}
		m.env.msink.AttemptResolved(string(phase), m.state.AttemptsMade, elapsed)
	}

	log.Printf("machine: order %s: %s", m.attempt.OrderID, phase)

	snapshot := m.state
	for _, s := range m.env.sinks {
		s.OnStateChange(m.attempt.OrderID, snapshot)
	}
}

func normalizeKind(kind domain.AttemptKind) (domain.AttemptKind, error) {
	switch kind {
	case "":
		return domain.AttemptKindOrder, nil
	case domain.AttemptKindOrder, domain.AttemptKindSubscription:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
}
