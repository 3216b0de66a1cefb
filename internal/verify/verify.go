// Package verify combines the backend's two verification lookups into a
// single outcome per poll.
//
// Priority: Paid from either source wins. Otherwise the order-keyed
// result counts if it is not unknown, then the reference-keyed result,
// then unknown. A lookup that failed at the transport level participates
// as unknown; Verify itself returns an error only when every lookup it
// attempted failed to reach the backend.
package verify

import (
	"context"
	"fmt"
	"log"

	"github.com/nassifmd/akuafopay/internal/domain"
	"github.com/nassifmd/akuafopay/internal/metrics"
)

// BackendClient is the slice of the gateway the verifier needs.
type BackendClient interface {
	VerifyOrder(ctx context.Context, orderID string) (domain.VerificationResult, error)
	VerifyTransaction(ctx context.Context, clientReference string) (domain.VerificationResult, error)
}

type Verifier struct {
	client BackendClient
	sink   metrics.Sink
}

type Option func(*Verifier)

// WithMetrics attaches a metrics sink for conflict counting.
func WithMetrics(sink metrics.Sink) Option {
	return func(v *Verifier) {
		v.sink = sink
	}
}

func New(client BackendClient, opts ...Option) *Verifier {
	v := &Verifier{
		client: client,
		sink:   metrics.NewNoopSink(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify polls the backend about the attempt. The order lookup runs
// first; a Paid answer short-circuits the reference lookup.
func (v *Verifier) Verify(ctx context.Context, attempt domain.PaymentAttempt) (domain.VerificationResult, error) {
	orderRes, orderErr := v.client.VerifyOrder(ctx, attempt.OrderID)
	if orderErr == nil && orderRes.Outcome == domain.OutcomePaid {
		return orderRes, nil
	}

	if attempt.ClientReference == "" {
		if orderErr != nil {
			return unknownResult(), fmt.Errorf("verify order %s: %w", attempt.OrderID, orderErr)
		}
		return orderRes, nil
	}

	refRes, refErr := v.client.VerifyTransaction(ctx, attempt.ClientReference)
	if orderErr != nil && refErr != nil {
		log.Printf("verify: order %s: both lookups unreachable: order=%v reference=%v",
			attempt.OrderID, orderErr, refErr)
		return unknownResult(), fmt.Errorf("verify order %s: all lookups failed: %w", attempt.OrderID, orderErr)
	}

	// An unreachable lookup participates as unknown from here on.
	if orderErr != nil {
		orderRes = domain.VerificationResult{Outcome: domain.OutcomeUnknown, Source: domain.SourceOrder}
	}
	if refErr != nil {
		refRes = domain.VerificationResult{Outcome: domain.OutcomeUnknown, Source: domain.SourceReference}
	}

	if orderRes.Outcome.Decided() && refRes.Outcome.Decided() && orderRes.Outcome != refRes.Outcome {
		log.Printf("verify: order %s: sources disagree: order=%s reference=%s",
			attempt.OrderID, orderRes.Outcome, refRes.Outcome)
		v.sink.VerificationConflict()
	}

	switch {
	case refRes.Outcome == domain.OutcomePaid:
		// The status endpoint has no transaction field; the reference is
		// the best provider-side handle we have.
		if refRes.TransactionID == "" {
			refRes.TransactionID = attempt.ClientReference
		}
		return refRes, nil
	case orderRes.Outcome != domain.OutcomeUnknown:
		return orderRes, nil
	case refRes.Outcome != domain.OutcomeUnknown:
		return refRes, nil
	default:
		return unknownResult(), nil
	}
}

func unknownResult() domain.VerificationResult {
	return domain.VerificationResult{Outcome: domain.OutcomeUnknown, Source: domain.SourceNone}
}
