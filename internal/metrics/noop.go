package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) PollCompleted(outcome string, duration time.Duration)          {}
func (n *NoopSink) VerificationConflict()                                         {}
func (n *NoopSink) AttemptStarted(kind string)                                    {}
func (n *NoopSink) AttemptResolved(outcome string, polls int, e time.Duration)    {}
func (n *NoopSink) AttemptsInFlightIncr()                                         {}
func (n *NoopSink) AttemptsInFlightDecr()                                         {}
func (n *NoopSink) CheckNowRequested()                                            {}
func (n *NoopSink) BufferSizeUpdate(size int)                                     {}
func (n *NoopSink) PublishError()                                                 {}
func (n *NoopSink) SweepCompleted(swept int, err error)                           {}
func (n *NoopSink) LeaderStatusUpdate(leading bool)                               {}
