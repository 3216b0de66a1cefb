package confirm

import (
	"github.com/nassifmd/akuafopay/internal/domain"
)

// StateSink receives a state snapshot on every phase change of a
// confirmation attempt, including the initial transition to initiating.
// Sinks run synchronously under the machine's lock, in registration
// order: implementations must be fast and must not call back into the
// machine or the registry. Re-polls that leave the phase unchanged are
// silent.
type StateSink interface {
	OnStateChange(orderID string, state domain.ConfirmationState)
}

// SinkFunc adapts a function to StateSink.
type SinkFunc func(orderID string, state domain.ConfirmationState)

func (f SinkFunc) OnStateChange(orderID string, state domain.ConfirmationState) {
	f(orderID, state)
}
