// Package notify broadcasts confirmation state changes to NATS so other
// services (order fulfilment, subscription unlock, support tooling) can
// react without polling the engine. Publishing is decoupled from the
// machines through a buffered channel: the sink enqueues and returns, a
// single goroutine publishes in order.
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nassifmd/akuafopay/internal/domain"
	"github.com/nassifmd/akuafopay/internal/metrics"
)

// Event is the wire shape published per state change.
type Event struct {
	OrderID               string `json:"orderId"`
	AttemptID             string `json:"attemptId"`
	Kind                  string `json:"kind"`
	Phase                 string `json:"phase"`
	Terminal              bool   `json:"terminal"`
	ClientReference       string `json:"clientReference,omitempty"`
	ProviderTransactionID string `json:"providerTransactionId,omitempty"`
	AttemptsMade          int    `json:"attemptsMade"`
	Reason                string `json:"reason,omitempty"`
	OccurredAt            string `json:"occurredAt"`
}

// Publisher is the slice of a NATS connection the broadcaster uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with reconnect handling suitable for a long-lived
// service.
func Connect(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("notify: nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("notify: nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return conn, nil
}

// Broadcaster queues state changes and publishes them as JSON events. A
// full buffer drops the event with a log line rather than stalling a
// machine; droppage is visible in metrics.
type Broadcaster struct {
	pub     Publisher
	subject string
	sink    metrics.Sink
	ch      chan domain.ConfirmationState

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type Option func(*Broadcaster)

// WithMetrics attaches a metrics sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(b *Broadcaster) {
		b.sink = sink
	}
}

// WithBuffer sizes the event queue. Default 256.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.ch = make(chan domain.ConfirmationState, n)
		}
	}
}

func NewBroadcaster(pub Publisher, subject string, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		pub:     pub,
		subject: subject,
		sink:    metrics.NewNoopSink(),
		ch:      make(chan domain.ConfirmationState, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

// OnStateChange implements the machine sink contract: enqueue and
// return.
func (b *Broadcaster) OnStateChange(orderID string, state domain.ConfirmationState) {
	select {
	case b.ch <- state:
		b.sink.BufferSizeUpdate(len(b.ch))
	default:
		log.Printf("notify: buffer full, dropping %s event for order %s", state.Phase, orderID)
		b.sink.PublishError()
	}
}

func (b *Broadcaster) run() {
	defer close(b.done)
	for {
		select {
		case state := <-b.ch:
			b.publish(state)
			b.sink.BufferSizeUpdate(len(b.ch))
		case <-b.stop:
			// Drain what was queued before the stop.
			for {
				select {
				case state := <-b.ch:
					b.publish(state)
				default:
					return
				}
			}
		}
	}
}

func (b *Broadcaster) publish(state domain.ConfirmationState) {
	event := Event{
		OrderID:               state.OrderID,
		AttemptID:             state.AttemptID.String(),
		Kind:                  string(state.Kind),
		Phase:                 string(state.Phase),
		Terminal:              state.Phase.Terminal(),
		ClientReference:       state.ClientReference,
		ProviderTransactionID: state.ProviderTransactionID,
		AttemptsMade:          state.AttemptsMade,
		Reason:                state.Reason,
		OccurredAt:            state.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("notify: marshal event for order %s: %v", state.OrderID, err)
		b.sink.PublishError()
		return
	}
	if err := b.pub.Publish(b.subject, data); err != nil {
		log.Printf("notify: publish %s event for order %s: %v", state.Phase, state.OrderID, err)
		b.sink.PublishError()
	}
}

// Close drains queued events and stops the publisher goroutine.
func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	<-b.done
}
