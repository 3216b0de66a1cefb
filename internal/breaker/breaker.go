// Package breaker implements a per-endpoint circuit breaker for backend
// verification traffic. An open circuit makes verification report an
// unknown outcome without a network call; the poll loop keeps its cadence
// and the breaker lets a single probe through after the cooldown.
package breaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type endpointState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

type Breaker struct {
	mu        sync.Mutex
	states    map[string]*endpointState
	threshold int
	cooldown  time.Duration
}

func New(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		states:    make(map[string]*endpointState),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a call to the endpoint may proceed. After the
// cooldown it admits exactly one probe; further calls stay blocked until
// the probe's outcome is recorded.
func (b *Breaker) Allow(endpoint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[endpoint]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if time.Since(s.openedAt) >= b.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) RecordSuccess(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[endpoint]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

func (b *Breaker) RecordFailure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[endpoint]
	if !ok {
		s = &endpointState{}
		b.states[endpoint] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= b.threshold {
		s.state = stateOpen
		s.openedAt = time.Now()
	}
}

// OpenEndpoints lists endpoints currently open or probing, for health
// reporting.
func (b *Breaker) OpenEndpoints() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var open []string
	for name, s := range b.states {
		if s.state == stateOpen || s.state == stateHalfOpen {
			open = append(open, name)
		}
	}
	return open
}
