package confirm

import (
	"sync"
	"testing"
	"time"

	"github.com/nassifmd/akuafopay/internal/domain"
	"github.com/nassifmd/akuafopay/internal/testutil"
)

// TestRegistry_ConcurrentGetOrCreate_SameMachine verifies the
// at-most-one-attempt-per-order invariant under contention: every
// concurrent caller gets the same machine, and initiating through all
// of them produces a single backend initiation call.
func TestRegistry_ConcurrentGetOrCreate_SameMachine(t *testing.T) {
	initiator := &fakeInitiator{ref: "ref-C"}
	verifier := &scriptVerifier{script: []domain.VerificationResult{paid("T1")}}
	h := newHarness(t, initiator, verifier)

	const callers = 16
	machines := make([]*Machine, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := h.registry.GetOrCreate("C")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			machines[i] = m
			if err := m.Initiate(InitiateRequest{OrderID: "C"}); err != nil {
				t.Errorf("Initiate: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if machines[i] != machines[0] {
			t.Fatalf("caller %d got a different machine", i)
		}
	}
	h.waitPhase(t, machines[0], domain.PhaseConfirmed)
	if got := initiator.callCount(); got != 1 {
		t.Errorf("initiator calls = %d, want 1", got)
	}
}

// TestRegistry_EmptyOrderIDRejected verifies fail-fast validation at the
// registry boundary.
func TestRegistry_EmptyOrderIDRejected(t *testing.T) {
	initiator := &fakeInitiator{}
	verifier := &scriptVerifier{script: []domain.VerificationResult{unknown()}}
	h := newHarness(t, initiator, verifier)

	if _, err := h.registry.GetOrCreate("  "); err != ErrMissingOrderID {
		t.Errorf("GetOrCreate err = %v, want ErrMissingOrderID", err)
	}
}

// TestRegistry_TerminalMachineEvicted verifies lifecycle-by-terminality:
// a confirmed machine leaves the map on its own, and the next
// GetOrCreate for the order returns a fresh machine with a fresh
// attempt identity.
func TestRegistry_TerminalMachineEvicted(t *testing.T) {
	initiator := &fakeInitiator{ref: "ref-D"}
	verifier := &scriptVerifier{script: []domain.VerificationResult{paid("T1")}}
	h := newHarness(t, initiator, verifier)

	first := h.machine(t, "D")
	if err := first.Initiate(InitiateRequest{OrderID: "D"}); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	h.waitPhase(t, first, domain.PhaseConfirmed)

	testutil.WaitFor(t, time.Second, func() bool {
		return h.registry.Len() == 0
	}, "terminal machine evicted")

	second := h.machine(t, "D")
	if second == first {
		t.Fatal("got the terminal machine back, want a fresh one")
	}
	if second.State().AttemptID == first.State().AttemptID {
		t.Error("fresh machine reuses the old attempt id")
	}
	if got := second.State().Phase; got != domain.PhaseIdle {
		t.Errorf("fresh machine phase = %s, want idle", got)
	}
}

// TestRegistry_GetDoesNotCreate verifies Get is a pure lookup.
func TestRegistry_GetDoesNotCreate(t *testing.T) {
	initiator := &fakeInitiator{}
	verifier := &scriptVerifier{script: []domain.VerificationResult{unknown()}}
	h := newHarness(t, initiator, verifier)

	if _, ok := h.registry.Get("nope"); ok {
		t.Error("Get returned a machine for an unknown order")
	}
	m := h.machine(t, "E")
	got, ok := h.registry.Get("E")
	if !ok || got != m {
		t.Error("Get did not return the registered machine")
	}
}

// TestRegistry_RemoveCancelsMachine verifies that an explicit removal
// cancels the machine and frees the order for a new attempt.
func TestRegistry_RemoveCancelsMachine(t *testing.T) {
	initiator := &fakeInitiator{ref: "ref-F"}
	verifier := &scriptVerifier{
		script:  []domain.VerificationResult{unknown()},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, initiator, verifier)

	m := h.machine(t, "F")
	if err := m.Initiate(InitiateRequest{OrderID: "F"}); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	<-verifier.entered

	if !h.registry.Remove("F") {
		t.Fatal("Remove = false, want true for a live machine")
	}
	verifier.release <- struct{}{}

	if h.registry.Len() != 0 {
		t.Errorf("Len = %d, want 0", h.registry.Len())
	}
	if got := m.State().Phase; got != domain.PhaseAwaitingConfirmation {
		t.Errorf("phase = %s, want awaiting_confirmation preserved by remove", got)
	}
	if h.registry.Remove("F") {
		t.Error("second Remove = true, want false")
	}
}

// TestRegistry_ShutdownCancelsAll verifies serve-shutdown behavior:
// every live machine is cancelled and the map empties, with no terminal
// transitions forced.
func TestRegistry_ShutdownCancelsAll(t *testing.T) {
	initiator := &fakeInitiator{ref: "ref"}
	verifier := &scriptVerifier{
		script:  []domain.VerificationResult{unknown()},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, initiator, verifier)

	// One released poll per machine; the loops then park at their next
	// poll, so shutdown races live loops with results still in flight.
	for _, id := range []string{"G1", "G2", "G3"} {
		m := h.machine(t, id)
		if err := m.Initiate(InitiateRequest{OrderID: id}); err != nil {
			t.Fatalf("Initiate %s: %v", id, err)
		}
		<-verifier.entered
		verifier.release <- struct{}{}
	}

	h.registry.Shutdown()
	if got := h.registry.Len(); got != 0 {
		t.Errorf("Len = %d, want 0 after shutdown", got)
	}

	// Unpark whatever polls were in flight; their results are discarded.
	for i := 0; i < 3; i++ {
		select {
		case <-verifier.entered:
			verifier.release <- struct{}{}
		case <-time.After(100 * time.Millisecond):
		}
	}
	for _, phase := range h.sink.phases() {
		if phase.Terminal() {
			t.Errorf("observed terminal phase %s; shutdown must not force outcomes", phase)
		}
	}
}
