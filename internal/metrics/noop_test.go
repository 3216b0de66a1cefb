package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestNoopSink_AllMethods(t *testing.T) {
	// Verify that calling all methods on NoopSink does not panic.
	s := NewNoopSink()

	// Poll loop metrics
	s.PollCompleted(PollOutcomePaid, 100*time.Millisecond)
	s.PollCompleted(PollOutcomeTransportError, time.Second)
	s.VerificationConflict()

	// Confirmation machine metrics
	s.AttemptStarted("order")
	s.AttemptResolved(ResolutionConfirmed, 3, 30*time.Second)
	s.AttemptResolved(ResolutionTimedOut, 30, 5*time.Minute)
	s.AttemptsInFlightIncr()
	s.AttemptsInFlightDecr()
	s.CheckNowRequested()

	// Broadcaster metrics
	s.BufferSizeUpdate(10)
	s.PublishError()

	// Sweeper metrics
	s.SweepCompleted(2, nil)
	s.SweepCompleted(0, errors.New("db error"))

	// Leader election metrics
	s.LeaderStatusUpdate(true)
	s.LeaderStatusUpdate(false)
}

// Verify NoopSink implements Sink interface.
var _ Sink = (*NoopSink)(nil)
