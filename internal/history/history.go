// Package history persists confirmation attempts to PostgreSQL so that
// outcomes survive the process and support can answer "what happened to
// this payment" after the fact. Terminal phases are guarded in SQL the
// same way the machine guards them in memory: an atomic UPDATE whose
// WHERE clause refuses rows already terminal, so a late or replayed
// snapshot can never rewrite an outcome.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nassifmd/akuafopay/internal/domain"
)

// ErrAlreadyTerminal is returned when a write is refused by the
// terminal guard.
var ErrAlreadyTerminal = errors.New("attempt already in a terminal phase")

// Attempt is one persisted attempt row.
type Attempt struct {
	AttemptID             uuid.UUID
	OrderID               string
	Kind                  domain.AttemptKind
	Phase                 domain.Phase
	ClientReference       string
	ProviderTransactionID string
	Reason                string
	AttemptsMade          int
	StartedAt             sql.NullTime
	ResolvedAt            sql.NullTime
	UpdatedAt             time.Time
}

// Transition is one persisted phase change.
type Transition struct {
	AttemptID  uuid.UUID
	OrderID    string
	Phase      domain.Phase
	Reason     string
	OccurredAt time.Time
}

// Store reads and writes attempt history.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

func NewStore(db *sql.DB, opTimeout time.Duration) *Store {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Store{db: db, opTimeout: opTimeout}
}

// EnsureSchema applies the history schema. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure history schema: %w", err)
	}
	return nil
}

// RecordState upserts the attempt row from a state snapshot and appends
// the transition. The upsert carries the terminal guard; a snapshot
// arriving after the row turned terminal is dropped silently, matching
// the machine's in-memory behavior.
func (s *Store) RecordState(ctx context.Context, state domain.ConfirmationState) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryUpsertAttempt,
		state.AttemptID,
		state.OrderID,
		string(state.Kind),
		string(state.Phase),
		state.ClientReference,
		state.ProviderTransactionID,
		state.Reason,
		state.AttemptsMade,
		nullTime(state.StartedAt),
		nullTime(state.ResolvedAt),
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert attempt %s: %w", state.AttemptID, err)
	}

	_, err = s.db.ExecContext(ctx, queryInsertTransition,
		state.AttemptID,
		state.OrderID,
		string(state.Phase),
		state.Reason,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transition for attempt %s: %w", state.AttemptID, err)
	}
	return nil
}

// GetAttempt fetches one attempt row.
func (s *Store) GetAttempt(ctx context.Context, attemptID uuid.UUID) (Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return scanAttempt(s.db.QueryRowContext(ctx, queryGetAttempt, attemptID))
}

// LatestAttemptForOrder fetches the most recently updated attempt for an
// order, for API reads after the machine left the registry.
func (s *Store) LatestAttemptForOrder(ctx context.Context, orderID string) (Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return scanAttempt(s.db.QueryRowContext(ctx, queryLatestAttemptForOrder, orderID))
}

// StaleAttempts lists attempts stuck non-terminal since before olderThan,
// oldest first.
func (s *Store) StaleAttempts(ctx context.Context, olderThan time.Time, limit int) ([]Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryStaleAttempts, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// MarkTimedOut forces a stale attempt to timed_out. Returns
// ErrAlreadyTerminal when the row resolved in the meantime and
// sql.ErrNoRows when there is no such attempt.
func (s *Store) MarkTimedOut(ctx context.Context, attemptID uuid.UUID, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryMarkTimedOut, attemptID, at)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var phase string
	err = s.db.QueryRowContext(ctx, queryGetAttemptPhase, attemptID).Scan(&phase)
	if err == sql.ErrNoRows {
		return sql.ErrNoRows
	}
	if err != nil {
		return err
	}
	return ErrAlreadyTerminal
}

// ListTransitions returns the phase history of one attempt in order.
func (s *Store) ListTransitions(ctx context.Context, attemptID uuid.UUID) ([]Transition, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListTransitions, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Transition
	for rows.Next() {
		var tr Transition
		var phase string
		if err := rows.Scan(&tr.AttemptID, &tr.OrderID, &phase, &tr.Reason, &tr.OccurredAt); err != nil {
			return nil, err
		}
		tr.Phase = domain.Phase(phase)
		result = append(result, tr)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (Attempt, error) {
	var a Attempt
	var kind, phase string
	err := row.Scan(
		&a.AttemptID,
		&a.OrderID,
		&kind,
		&phase,
		&a.ClientReference,
		&a.ProviderTransactionID,
		&a.Reason,
		&a.AttemptsMade,
		&a.StartedAt,
		&a.ResolvedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return Attempt{}, err
	}
	a.Kind = domain.AttemptKind(kind)
	a.Phase = domain.Phase(phase)
	return a, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// Recorder adapts the store to the machine's sink contract. Sinks run
// under the machine lock and must not block, so snapshots queue on a
// buffered channel and a single writer goroutine applies them in order.
// A full buffer drops the snapshot with a log line; the sweeper repairs
// any attempt whose terminal write was lost.
type Recorder struct {
	store *Store
	ch    chan domain.ConfirmationState

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewRecorder(store *Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		store: store,
		ch:    make(chan domain.ConfirmationState, buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) OnStateChange(orderID string, state domain.ConfirmationState) {
	select {
	case r.ch <- state:
	default:
		log.Printf("history: buffer full, dropping %s snapshot for order %s", state.Phase, orderID)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case state := <-r.ch:
			r.write(state)
		case <-r.stop:
			// Drain what was queued before the stop.
			for {
				select {
				case state := <-r.ch:
					r.write(state)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(state domain.ConfirmationState) {
	if err := r.store.RecordState(context.Background(), state); err != nil {
		log.Printf("history: record order %s (%s): %v", state.OrderID, state.Phase, err)
	}
}

// Close stops the writer after draining queued snapshots.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
}
