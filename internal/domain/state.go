package domain

import (
	"time"

	"github.com/google/uuid"
)

type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseInitiating           Phase = "initiating"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseConfirmed            Phase = "confirmed"
	PhaseFailed               Phase = "failed"
	PhaseTimedOut             Phase = "timed_out"
)

// Terminal reports whether the phase is absorbing. A machine in a terminal
// phase never transitions again.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseConfirmed, PhaseFailed, PhaseTimedOut:
		return true
	}
	return false
}

// ConfirmationState is the snapshot handed to state sinks and returned to
// API readers. It is a value copy; holders cannot mutate the machine.
type ConfirmationState struct {
	Phase Phase

	AttemptID uuid.UUID
	OrderID   string
	Kind      AttemptKind

	ClientReference       string
	ProviderTransactionID string

	// AttemptsMade counts completed verification polls, scheduled and
	// out-of-band alike.
	AttemptsMade int

	// Reason is set for PhaseFailed: the provider or initiation failure
	// message shown to the user.
	Reason string

	StartedAt  time.Time // entry into awaiting_confirmation
	ResolvedAt time.Time // entry into the terminal phase, zero until then
	UpdatedAt  time.Time
}
