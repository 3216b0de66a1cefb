package metrics

import (
	"errors"
	"testing"
)

func TestClassifyPoll(t *testing.T) {
	tests := []struct {
		name    string
		outcome string
		err     error
		want    string
	}{
		{"paid", "paid", nil, PollOutcomePaid},
		{"failed", "failed", nil, PollOutcomeFailed},
		{"unpaid", "unpaid", nil, PollOutcomeUnpaid},
		{"unknown", "unknown", nil, PollOutcomeUnknown},

		// A transport error wins regardless of the placeholder outcome.
		{"error with unknown", "unknown", errors.New("connection refused"), PollOutcomeTransportError},
		{"error with empty", "", errors.New("context deadline exceeded"), PollOutcomeTransportError},

		// Anything off-vocabulary collapses to unknown.
		{"empty outcome", "", nil, PollOutcomeUnknown},
		{"garbage outcome", "settled", nil, PollOutcomeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyPoll(tt.outcome, tt.err); got != tt.want {
				t.Errorf("ClassifyPoll(%q, %v) = %q, want %q", tt.outcome, tt.err, got, tt.want)
			}
		})
	}
}
