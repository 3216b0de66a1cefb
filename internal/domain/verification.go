package domain

type VerificationOutcome string

const (
	OutcomePaid    VerificationOutcome = "paid"
	OutcomeFailed  VerificationOutcome = "failed"
	OutcomeUnpaid  VerificationOutcome = "unpaid"
	OutcomeUnknown VerificationOutcome = "unknown"
)

// Decided reports whether the outcome settles the attempt. Unpaid and
// Unknown both mean "keep polling"; they differ only in how sure the
// backend was.
func (o VerificationOutcome) Decided() bool {
	return o == OutcomePaid || o == OutcomeFailed
}

type VerificationSource string

const (
	SourceOrder     VerificationSource = "order"     // GET /payments/verify/{orderId}
	SourceReference VerificationSource = "reference" // GET /payments/status?clientReference=
	SourceNone      VerificationSource = "none"
)

// VerificationResult is one normalized answer from the backend about a
// payment, regardless of which endpoint produced it.
type VerificationResult struct {
	Outcome VerificationOutcome
	Source  VerificationSource

	// TransactionID is the provider transaction for OutcomePaid when the
	// backend reported one.
	TransactionID string

	// Reason carries the backend failure message for OutcomeFailed.
	Reason string
}
