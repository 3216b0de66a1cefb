package api

import "time"

type InitiateRequest struct {
	OrderID string `json:"order_id"`
	Kind    string `json:"kind,omitempty"` // order (default) or subscription

	// ClientReference resumes a charge that was already initiated
	// elsewhere; the engine skips the initiation call when set.
	ClientReference string `json:"client_reference,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty"` // clamped to 30..3600
}

// CadenceRequest switches a live confirmation between fast and slow
// polling. Clients drop to slow when the payment screen leaves the
// foreground and restore fast when it returns.
type CadenceRequest struct {
	Fast bool `json:"fast"`
}

type ConfirmationResponse struct {
	OrderID               string `json:"order_id"`
	AttemptID             string `json:"attempt_id"`
	Kind                  string `json:"kind"`
	Phase                 string `json:"phase"`
	Terminal              bool   `json:"terminal"`
	ClientReference       string `json:"client_reference,omitempty"`
	ProviderTransactionID string `json:"provider_transaction_id,omitempty"`
	AttemptsMade          int    `json:"attempts_made"`
	Reason                string `json:"reason,omitempty"`
	StartedAt             string `json:"started_at,omitempty"`
	ResolvedAt            string `json:"resolved_at,omitempty"`
	UpdatedAt             string `json:"updated_at"`

	// Source says where the snapshot came from: "live" for a machine in
	// the registry, "cache" for the order store, "history" for Postgres.
	Source string `json:"source"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
