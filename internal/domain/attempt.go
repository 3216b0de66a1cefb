package domain

import (
	"time"

	"github.com/google/uuid"
)

type AttemptKind string

const (
	AttemptKindOrder        AttemptKind = "order"
	AttemptKindSubscription AttemptKind = "subscription"
)

// PaymentAttempt is one run of the confirmation engine for an order: from
// initiation until exactly one terminal phase. A later retry for the same
// order is a new attempt with a new ID and a new client reference.
type PaymentAttempt struct {
	ID      uuid.UUID
	OrderID string
	Kind    AttemptKind

	// ClientReference is the provider-side handle returned by payment
	// initiation. Empty for flows that settle without a provider charge.
	ClientReference string

	CreatedAt time.Time
}
