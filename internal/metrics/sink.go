package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Poll loop metrics
	PollCompleted(outcome string, duration time.Duration)
	VerificationConflict()

	// Confirmation machine metrics
	AttemptStarted(kind string)
	AttemptResolved(outcome string, polls int, elapsed time.Duration)
	AttemptsInFlightIncr()
	AttemptsInFlightDecr()
	CheckNowRequested()

	// Broadcaster metrics
	BufferSizeUpdate(size int)
	PublishError()

	// Sweeper metrics
	SweepCompleted(swept int, err error)

	// Leader election metrics
	LeaderStatusUpdate(leading bool)
}

// Poll outcome constants for PollCompleted. The first four mirror
// verification outcomes; transport_error marks polls that never got an
// answer from the backend.
const (
	PollOutcomePaid           = "paid"
	PollOutcomeFailed         = "failed"
	PollOutcomeUnpaid         = "unpaid"
	PollOutcomeUnknown        = "unknown"
	PollOutcomeTransportError = "transport_error"
)

// Resolution constants for AttemptResolved, matching the terminal phases.
const (
	ResolutionConfirmed = "confirmed"
	ResolutionFailed    = "failed"
	ResolutionTimedOut  = "timed_out"
)

// ClassifyPoll maps a verification outcome and error to a poll outcome
// label. A transport error wins over whatever placeholder outcome came
// back with it.
func ClassifyPoll(outcome string, err error) string {
	if err != nil {
		return PollOutcomeTransportError
	}
	switch outcome {
	case PollOutcomePaid, PollOutcomeFailed, PollOutcomeUnpaid, PollOutcomeUnknown:
		return outcome
	default:
		return PollOutcomeUnknown
	}
}
