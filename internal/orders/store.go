// Package orders records the commercial outcome of confirmation
// attempts in Redis: an order marked paid, a subscription activated, or
// the failure reason to show the customer. The engine stays the source
// of truth while an attempt is live; this store is what the storefront
// reads once the machine is gone.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nassifmd/akuafopay/internal/domain"
)

// ErrNotFound is returned when no record exists for the order.
var ErrNotFound = errors.New("order record not found")

const keyPrefix = "akuafopay:order:"

// Record is the persisted view of an order's latest attempt.
type Record struct {
	OrderID               string
	AttemptID             string
	Kind                  domain.AttemptKind
	Phase                 domain.Phase
	ClientReference       string
	ProviderTransactionID string
	Reason                string
	AttemptsMade          int
	UpdatedAt             time.Time
	ResolvedAt            time.Time
}

// Store writes records through a single-writer queue so the sink path
// never does Redis I/O under a machine lock, and serves reads directly.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	ch     chan domain.ConfirmationState

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	s := &Store{
		client: client,
		ttl:    ttl,
		ch:     make(chan domain.ConfirmationState, 256),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// OnStateChange implements the machine sink contract.
func (s *Store) OnStateChange(orderID string, state domain.ConfirmationState) {
	select {
	case s.ch <- state:
	default:
		log.Printf("orders: buffer full, dropping %s record for order %s", state.Phase, orderID)
	}
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case state := <-s.ch:
			s.write(state)
		case <-s.stop:
			for {
				select {
				case state := <-s.ch:
					s.write(state)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) write(state domain.ConfirmationState) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	key := keyPrefix + state.OrderID
	fields := map[string]any{
		"attempt_id":              state.AttemptID.String(),
		"kind":                    string(state.Kind),
		"phase":                   string(state.Phase),
		"client_reference":        state.ClientReference,
		"provider_transaction_id": state.ProviderTransactionID,
		"reason":                  state.Reason,
		"attempts_made":           state.AttemptsMade,
		"updated_at":              state.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !state.ResolvedAt.IsZero() {
		fields["resolved_at"] = state.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("orders: write order %s (%s): %v", state.OrderID, state.Phase, err)
	}
}

// Get reads the latest record for an order.
func (s *Store) Get(ctx context.Context, orderID string) (Record, error) {
	values, err := s.client.HGetAll(ctx, keyPrefix+orderID).Result()
	if err != nil {
		return Record{}, fmt.Errorf("read order %s: %w", orderID, err)
	}
	if len(values) == 0 {
		return Record{}, ErrNotFound
	}
	return recordFromFields(orderID, values), nil
}

func recordFromFields(orderID string, values map[string]string) Record {
	rec := Record{
		OrderID:               orderID,
		AttemptID:             values["attempt_id"],
		Kind:                  domain.AttemptKind(values["kind"]),
		Phase:                 domain.Phase(values["phase"]),
		ClientReference:       values["client_reference"],
		ProviderTransactionID: values["provider_transaction_id"],
		Reason:                values["reason"],
	}
	if n, err := strconv.Atoi(values["attempts_made"]); err == nil {
		rec.AttemptsMade = n
	}
	if t, err := time.Parse(time.RFC3339Nano, values["updated_at"]); err == nil {
		rec.UpdatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, values["resolved_at"]); err == nil {
		rec.ResolvedAt = t
	}
	return rec
}

// Close drains queued writes and stops the writer.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}
