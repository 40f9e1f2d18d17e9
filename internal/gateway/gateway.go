// Package gateway talks to the external payment provider. All calls are
// synchronous network round trips; callers keep them outside of any database
// transaction and persist only confirmed results.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderStatus is the provider-side state of a payment order.
type OrderStatus string

const (
	OrderCreated   OrderStatus = "CREATED"
	OrderApproved  OrderStatus = "APPROVED"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderDenied    OrderStatus = "DENIED"
	OrderRefunded  OrderStatus = "REFUNDED"
)

type Order struct {
	ID          string
	Status      OrderStatus
	ApprovalURL string
}

type Capture struct {
	CaptureID string
	Status    OrderStatus
}

type Refund struct {
	RefundID string
	Status   OrderStatus
}

// Client is the provider surface the settlement coordinator depends on.
// Implementations return ErrUnavailable-wrapped errors for transport and
// provider-side failures so callers can classify them as retryable.
type Client interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, currency, reference string) (*Order, error)
	CaptureOrder(ctx context.Context, orderID string) (*Capture, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	RefundCapture(ctx context.Context, captureID string, amount decimal.Decimal, currency, reason string) (*Refund, error)
}

// EventType enumerates the webhook notifications the reconciler consumes.
type EventType string

const (
	EventOrderApproved    EventType = "CHECKOUT.ORDER.APPROVED"
	EventCaptureCompleted EventType = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureRefunded  EventType = "PAYMENT.CAPTURE.REFUNDED"
	EventCaptureDenied    EventType = "PAYMENT.CAPTURE.DENIED"
)

// WebhookEvent is the envelope the provider POSTs to our callback URL.
// Resource identifiers are provider-side: OrderID for order events,
// CaptureID for capture events.
type WebhookEvent struct {
	TransmissionID string          `json:"transmission_id"`
	EventType      EventType       `json:"event_type"`
	OrderID        string          `json:"order_id,omitempty"`
	CaptureID      string          `json:"capture_id,omitempty"`
	RefundID       string          `json:"refund_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency,omitempty"`
}

// WebhookVerifier checks a delivery's authenticity. The default accepts
// everything; deployments inject a provider-signature verifier.
type WebhookVerifier interface {
	Verify(ctx context.Context, ev *WebhookEvent) error
}

// AcceptAllVerifier performs no signature check.
type AcceptAllVerifier struct{}

func (AcceptAllVerifier) Verify(ctx context.Context, ev *WebhookEvent) error { return nil }
