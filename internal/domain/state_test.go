package domain

import "testing"

func TestPhase_Terminal(t *testing.T) {
	tests := []struct {
		phase Phase
		want  bool
	}{
		{PhaseIdle, false},
		{PhaseInitiating, false},
		{PhaseAwaitingConfirmation, false},
		{PhaseConfirmed, true},
		{PhaseFailed, true},
		{PhaseTimedOut, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			if got := tt.phase.Terminal(); got != tt.want {
				t.Errorf("Phase(%q).Terminal() = %v, want %v", tt.phase, got, tt.want)
			}
		})
	}
}

func TestVerificationOutcome_Decided(t *testing.T) {
	tests := []struct {
		outcome VerificationOutcome
		want    bool
	}{
		{OutcomePaid, true},
		{OutcomeFailed, true},
		{OutcomeUnpaid, false},
		{OutcomeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			if got := tt.outcome.Decided(); got != tt.want {
				t.Errorf("VerificationOutcome(%q).Decided() = %v, want %v", tt.outcome, got, tt.want)
			}
		})
	}
}
