package api

import (
	"fmt"
	"time"

	"github.com/nassifmd/akuafopay/internal/domain"
)

// Per-request timeout overrides are clamped to this range so a client
// cannot pin a machine forever or starve it of its first poll.
const (
	MinTimeout = 30 * time.Second
	MaxTimeout = time.Hour
)

func validateInitiate(req InitiateRequest) error {
	if req.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}

	switch domain.AttemptKind(req.Kind) {
	case "", domain.AttemptKindOrder, domain.AttemptKindSubscription:
	default:
		return fmt.Errorf("invalid kind: must be %q or %q", domain.AttemptKindOrder, domain.AttemptKindSubscription)
	}

	if req.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative")
	}

	return nil
}

// clampTimeout converts the optional timeout_seconds override into a
// duration within [MinTimeout, MaxTimeout]. Zero means no override.
func clampTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	d := time.Duration(seconds) * time.Second
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}
