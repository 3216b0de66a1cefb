package confirm

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nassifmd/akuafopay/internal/domain"
	"github.com/nassifmd/akuafopay/internal/metrics"
	"github.com/nassifmd/akuafopay/internal/poller"
)

// Registry is the process-wide map of live confirmation machines, one
// per in-flight order. Two concurrent GetOrCreate calls for the same
// order observe the same machine, so at most one initiation call and
// one poll loop ever exist per order. A machine reaching a terminal
// phase leaves the registry on its own; the next GetOrCreate for that
// order starts a fresh attempt with a fresh client reference.
//
// Lock ordering: the registry mutex is never held while calling into a
// machine. Machines reach back into the registry only through the
// eviction sink, which takes the registry mutex alone.
type Registry struct {
	mu       sync.Mutex
	machines map[string]*Machine

	ctx       context.Context
	initiator Initiator
	verifier  Verifier
	engine    *poller.Poller
	sched     poller.Schedule
	sinks     []StateSink
	msink     metrics.Sink
	clock     func() time.Time
	newID     func() uuid.UUID
	pollOpts  []poller.Option
}

type RegistryOption func(*Registry)

// WithSinks registers state sinks shared by every machine. Sinks fire
// in registration order on each phase change.
func WithSinks(sinks ...StateSink) RegistryOption {
	return func(r *Registry) {
		r.sinks = append(r.sinks, sinks...)
	}
}

// WithMetrics attaches a metrics sink to the registry, its machines and
// their poll loops.
func WithMetrics(sink metrics.Sink) RegistryOption {
	return func(r *Registry) {
		r.msink = sink
	}
}

// WithSchedule sets the poll cadence and confirmation budget for new
// machines.
func WithSchedule(sched poller.Schedule) RegistryOption {
	return func(r *Registry) {
		r.sched = sched
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithIDGenerator overrides how attempt IDs are minted.
func WithIDGenerator(gen func() uuid.UUID) RegistryOption {
	return func(r *Registry) {
		r.newID = gen
	}
}

// WithPollerOptions forwards extra options to the shared poll engine.
func WithPollerOptions(opts ...poller.Option) RegistryOption {
	return func(r *Registry) {
		r.pollOpts = append(r.pollOpts, opts...)
	}
}

// NewRegistry wires the shared machine environment. ctx bounds all
// background work; cancelling it stops every poll loop.
func NewRegistry(ctx context.Context, initiator Initiator, verifier Verifier, opts ...RegistryOption) *Registry {
	r := &Registry{
		machines:  make(map[string]*Machine),
		ctx:       ctx,
		initiator: initiator,
		verifier:  verifier,
		sched:     poller.DefaultSchedule(),
		msink:     metrics.NewNoopSink(),
		clock:     time.Now,
		newID:     uuid.New,
	}
	for _, opt := range opts {
		opt(r)
	}

	pollOpts := append([]poller.Option{
		poller.WithMetrics(r.msink),
		poller.WithClock(r.clock),
	}, r.pollOpts...)
	r.engine = poller.New(verifier, pollOpts...)
	return r
}

// GetOrCreate returns the live machine for the order, creating one when
// none is in flight.
func (r *Registry) GetOrCreate(orderID string) (*Machine, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, ErrMissingOrderID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.machines[orderID]; ok {
		return m, nil
	}

	evictor := &terminalEvictor{registry: r}
	m := newMachine(orderID, r.newID(), machineEnv{
		ctx:       r.ctx,
		engine:    r.engine,
		initiator: r.initiator,
		verifier:  r.verifier,
		sched:     r.sched,
		sinks:     append(append([]StateSink(nil), r.sinks...), evictor),
		msink:     r.msink,
		clock:     r.clock,
	})
	evictor.machine = m
	r.machines[orderID] = m
	log.Printf("registry: order %s: machine created", orderID)
	return m, nil
}

// Get returns the live machine for the order, if any.
func (r *Registry) Get(orderID string) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[orderID]
	return m, ok
}

// Remove cancels and drops the order's machine, if any. Terminal
// machines drop themselves; Remove is for abandoning an attempt.
func (r *Registry) Remove(orderID string) bool {
	r.mu.Lock()
	m, ok := r.machines[orderID]
	if ok {
		delete(r.machines, orderID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	m.Cancel()
	log.Printf("registry: order %s: machine removed", orderID)
	return true
}

// Len reports the number of live machines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

// Shutdown cancels every live machine and empties the registry. Attempts
// stay resumable in principle, but this process is done with them; a
// deployment with a history store sweeps the leftovers to timed_out.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	machines := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.machines = make(map[string]*Machine)
	r.mu.Unlock()

	for _, m := range machines {
		m.Cancel()
	}
	if len(machines) > 0 {
		log.Printf("registry: shutdown cancelled %d machines", len(machines))
	}
}

// terminalEvictor is the registry's own sink: it drops a machine from
// the map the moment it turns terminal. The pointer comparison protects
// a newer machine registered under the same order from being evicted by
// a stale notification.
type terminalEvictor struct {
	registry *Registry
	machine  *Machine
}

func (e *terminalEvictor) OnStateChange(orderID string, state domain.ConfirmationState) {
	if !state.Phase.Terminal() {
		return
	}

	r := e.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.machines[orderID]; ok && cur == e.machine {
		delete(r.machines, orderID)
		log.Printf("registry: order %s: removed after %s", orderID, state.Phase)
	}
}
