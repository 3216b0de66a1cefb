// Package gateway is the HTTP client for the AkuafoPlus payments backend.
// It normalizes the two verification endpoints' vocabularies into
// domain.VerificationResult and keeps HTTP-level anomalies out of the poll
// loop: a non-2xx or malformed verification response is an unknown
// outcome, never an error. Errors surface only for transport failures.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nassifmd/akuafopay/internal/breaker"
	"github.com/nassifmd/akuafopay/internal/domain"
)

// Breaker endpoint keys. Initiation is not behind the breaker: a user
// tapping "pay" should fail fast, not be silently absorbed.
const (
	EndpointVerifyOrder   = "verify_order"
	EndpointPaymentStatus = "payment_status"
)

var (
	// ErrAlreadyInitiated means the backend already holds a charge for the
	// order (HTTP 409). Callers proceed to verification, which reports
	// paid if the money moved.
	ErrAlreadyInitiated = errors.New("payment already initiated")

	// ErrInitiationRejected wraps a non-409 initiation rejection.
	ErrInitiationRejected = errors.New("payment initiation rejected")
)

type Config struct {
	BaseURL   string
	Token     string // optional bearer token
	Timeout   time.Duration
	UserAgent string
}

type Client struct {
	rest *resty.Client
	brk  *breaker.Breaker
}

// NewClient builds the backend client. brk may be nil, in which case
// verification calls always go to the network.
func NewClient(cfg Config, brk *breaker.Breaker) *Client {
	rest := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout)
	if cfg.Token != "" {
		rest.SetAuthToken(cfg.Token)
	}
	if cfg.UserAgent != "" {
		rest.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Client{rest: rest, brk: brk}
}

type initiateRequest struct {
	OrderID string `json:"orderId"`
}

type initiateResponse struct {
	ClientReference string `json:"clientReference"`
}

type verifyOrderResponse struct {
	PaymentStatus string `json:"paymentStatus"`
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason"`
}

type paymentStatusResponse struct {
	TransactionStatus string `json:"transactionStatus"`
}

// InitiatePayment registers the charge for an order and returns the
// provider's client reference. The reference may be empty for flows that
// settle without polling.
func (c *Client) InitiatePayment(ctx context.Context, orderID string) (string, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(initiateRequest{OrderID: orderID}).
		Post("/payments/initiate")
	if err != nil {
		return "", fmt.Errorf("initiate order %s: %w", orderID, err)
	}

	switch {
	case resp.StatusCode() == http.StatusConflict:
		return "", ErrAlreadyInitiated
	case resp.StatusCode() < 200 || resp.StatusCode() >= 300:
		return "", fmt.Errorf("%w: order %s: status %d: %s",
			ErrInitiationRejected, orderID, resp.StatusCode(), bodySnippet(resp.Body()))
	}

	var out initiateResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("initiate order %s: decode response: %w", orderID, err)
	}
	return out.ClientReference, nil
}

// VerifyOrder asks the order-keyed verification endpoint about a payment.
func (c *Client) VerifyOrder(ctx context.Context, orderID string) (domain.VerificationResult, error) {
	unknown := domain.VerificationResult{Outcome: domain.OutcomeUnknown, Source: domain.SourceOrder}

	if !c.allow(EndpointVerifyOrder, orderID) {
		return unknown, nil
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		Get("/payments/verify/" + url.PathEscape(orderID))
	if err != nil {
		c.brkRecordFailure(EndpointVerifyOrder)
		return unknown, fmt.Errorf("verify order %s: %w", orderID, err)
	}
	if !c.recordStatus(EndpointVerifyOrder, orderID, resp.StatusCode()) {
		return unknown, nil
	}

	var out verifyOrderResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		log.Printf("gateway: verify order %s: malformed response treated as unknown: %v", orderID, err)
		return unknown, nil
	}

	switch out.PaymentStatus {
	case "Completed":
		return domain.VerificationResult{
			Outcome:       domain.OutcomePaid,
			Source:        domain.SourceOrder,
			TransactionID: out.TransactionID,
		}, nil
	case "Failed":
		reason := out.Reason
		if reason == "" {
			reason = "payment failed"
		}
		return domain.VerificationResult{
			Outcome: domain.OutcomeFailed,
			Source:  domain.SourceOrder,
			Reason:  reason,
		}, nil
	case "Pending":
		return domain.VerificationResult{Outcome: domain.OutcomeUnpaid, Source: domain.SourceOrder}, nil
	default:
		log.Printf("gateway: verify order %s: unrecognized paymentStatus %q treated as unknown", orderID, out.PaymentStatus)
		return unknown, nil
	}
}

// VerifyTransaction asks the reference-keyed status endpoint about a
// charge.
func (c *Client) VerifyTransaction(ctx context.Context, clientReference string) (domain.VerificationResult, error) {
	unknown := domain.VerificationResult{Outcome: domain.OutcomeUnknown, Source: domain.SourceReference}

	if !c.allow(EndpointPaymentStatus, clientReference) {
		return unknown, nil
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("clientReference", clientReference).
		Get("/payments/status")
	if err != nil {
		c.brkRecordFailure(EndpointPaymentStatus)
		return unknown, fmt.Errorf("payment status %s: %w", clientReference, err)
	}
	if !c.recordStatus(EndpointPaymentStatus, clientReference, resp.StatusCode()) {
		return unknown, nil
	}

	var out paymentStatusResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		log.Printf("gateway: payment status %s: malformed response treated as unknown: %v", clientReference, err)
		return unknown, nil
	}

	switch out.TransactionStatus {
	case "Paid":
		return domain.VerificationResult{Outcome: domain.OutcomePaid, Source: domain.SourceReference}, nil
	case "Unpaid":
		return domain.VerificationResult{Outcome: domain.OutcomeUnpaid, Source: domain.SourceReference}, nil
	default:
		log.Printf("gateway: payment status %s: unrecognized transactionStatus %q treated as unknown", clientReference, out.TransactionStatus)
		return unknown, nil
	}
}

// allow consults the breaker. An open circuit is logged and the caller
// reports unknown without touching the network.
func (c *Client) allow(endpoint, key string) bool {
	if c.brk == nil {
		return true
	}
	if err := c.brk.Allow(endpoint); err != nil {
		log.Printf("gateway: %s: breaker open, skipping call for %s", endpoint, key)
		return false
	}
	return true
}

// recordStatus feeds the breaker from an HTTP status and reports whether
// the response is a usable 2xx. A 5xx counts as a backend failure; a 4xx
// means the backend is alive and answering.
func (c *Client) recordStatus(endpoint, key string, code int) bool {
	switch {
	case code >= 200 && code < 300:
		c.brkRecordSuccess(endpoint)
		return true
	case code >= 500:
		c.brkRecordFailure(endpoint)
		log.Printf("gateway: %s: status %d for %s treated as unknown", endpoint, code, key)
		return false
	default:
		c.brkRecordSuccess(endpoint)
		log.Printf("gateway: %s: status %d for %s treated as unknown", endpoint, code, key)
		return false
	}
}

func (c *Client) brkRecordSuccess(endpoint string) {
	if c.brk != nil {
		c.brk.RecordSuccess(endpoint)
	}
}

func (c *Client) brkRecordFailure(endpoint string) {
	if c.brk != nil {
		c.brk.RecordFailure(endpoint)
	}
}

func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
