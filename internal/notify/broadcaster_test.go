package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nassifmd/akuafopay/internal/domain"
	"github.com/nassifmd/akuafopay/internal/testutil"
)

// fakePublisher captures published messages, optionally failing.
type fakePublisher struct {
	mu       sync.Mutex
	err      error
	messages [][]byte
	subjects []string
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.messages = append(f.messages, append([]byte(nil), data...))
	return nil
}

func (f *fakePublisher) published() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.messages...)
}

func confirmedState(orderID string) domain.ConfirmationState {
	return domain.ConfirmationState{
		Phase:                 domain.PhaseConfirmed,
		AttemptID:             uuid.New(),
		OrderID:               orderID,
		Kind:                  domain.AttemptKindOrder,
		ClientReference:       "ref-1",
		ProviderTransactionID: "T1",
		AttemptsMade:          2,
		UpdatedAt:             time.Date(2025, 6, 2, 9, 0, 30, 0, time.UTC),
	}
}

// TestBroadcaster_PublishesEvent verifies a state change turns into one
// JSON event on the configured subject.
func TestBroadcaster_PublishesEvent(t *testing.T) {
	pub := &fakePublisher{}
	b := NewBroadcaster(pub, "akuafoplus.payments.state")
	defer b.Close()

	b.OnStateChange("ord-1", confirmedState("ord-1"))

	testutil.WaitFor(t, time.Second, func() bool {
		return len(pub.published()) == 1
	}, "event published")

	var event Event
	if err := json.Unmarshal(pub.published()[0], &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.OrderID != "ord-1" || event.Phase != "confirmed" || !event.Terminal {
		t.Errorf("event = %+v, want confirmed terminal for ord-1", event)
	}
	if event.ProviderTransactionID != "T1" {
		t.Errorf("ProviderTransactionID = %q, want T1", event.ProviderTransactionID)
	}
	pub.mu.Lock()
	subject := pub.subjects[0]
	pub.mu.Unlock()
	if subject != "akuafoplus.payments.state" {
		t.Errorf("subject = %q", subject)
	}
}

// TestBroadcaster_PreservesOrder verifies events leave in the order the
// machine produced them.
func TestBroadcaster_PreservesOrder(t *testing.T) {
	pub := &fakePublisher{}
	b := NewBroadcaster(pub, "s")
	defer b.Close()

	phases := []domain.Phase{domain.PhaseInitiating, domain.PhaseAwaitingConfirmation, domain.PhaseConfirmed}
	for _, phase := range phases {
		st := confirmedState("ord-2")
		st.Phase = phase
		b.OnStateChange("ord-2", st)
	}

	testutil.WaitFor(t, time.Second, func() bool {
		return len(pub.published()) == 3
	}, "all events published")

	for i, raw := range pub.published() {
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			t.Fatalf("unmarshal event %d: %v", i, err)
		}
		if event.Phase != string(phases[i]) {
			t.Errorf("event[%d].Phase = %s, want %s", i, event.Phase, phases[i])
		}
	}
}

// TestBroadcaster_PublishFailureDoesNotBlock verifies a broken transport
// never stalls the sink path.
func TestBroadcaster_PublishFailureDoesNotBlock(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	b := NewBroadcaster(pub, "s")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.OnStateChange("ord-3", confirmedState("ord-3"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnStateChange blocked on a failing publisher")
	}
	b.Close()
}

// TestBroadcaster_CloseDrainsQueue verifies Close flushes what was
// already queued.
func TestBroadcaster_CloseDrainsQueue(t *testing.T) {
	pub := &fakePublisher{}
	b := NewBroadcaster(pub, "s", WithBuffer(16))

	for i := 0; i < 5; i++ {
		b.OnStateChange("ord-4", confirmedState("ord-4"))
	}
	b.Close()

	if got := len(pub.published()); got != 5 {
		t.Errorf("published = %d events, want 5 after drain", got)
	}
}
