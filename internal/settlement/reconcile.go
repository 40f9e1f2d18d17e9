package settlement

import (
	"context"
	"log"

	"github.com/shopspring/decimal"

	"github.com/mykpoptrade/trade-backend/internal/gateway"
	"github.com/mykpoptrade/trade-backend/internal/models"
)

type eventKind int

const (
	eventApproved eventKind = iota
	eventCompleted
	eventDenied
	eventRefunded
)

// reconcileEvent is the internal, source-agnostic form of "what the gateway
// says happened". Direct capture calls, status queries, and webhook
// deliveries all collapse into one of these.
type reconcileEvent struct {
	kind      eventKind
	captureID string
	refundID  string
	amount    decimal.Decimal
	full      bool
}

// reconcile advances the payment strictly forward in its state lattice. A
// transition that would move backward or repeat an already-applied state is
// a silent no-op: that single rule absorbs duplicate and out-of-order
// deliveries. Side effects (notifications, system messages) fire only when a
// transition was actually applied.
func (s *Service) reconcile(ctx context.Context, payment *models.Payment, ev reconcileEvent) (*models.Payment, error) {
	switch ev.kind {
	case eventApproved:
		// Approval is a gateway-side state; locally the payment stays
		// pending until capture confirms.
		log.Printf("settlement: order %s approved for payment %s", payment.PaymentIntentID, payment.ID)
		return payment, nil

	case eventCompleted:
		updated, applied, err := s.store.CompletePayment(ctx, payment.ID, ev.captureID, s.now())
		if err != nil {
			return nil, err
		}
		if applied {
			log.Printf("settlement: payment %s completed (capture %s)", updated.ID, ev.captureID)
			s.notifyCompletion(ctx, updated)
		}
		return updated, nil

	case eventDenied:
		// A denial for a payment that already advanced through the lattice is
		// stale; skip the store round trip.
		if payment.Status.Rank() > models.PaymentPending.Rank() {
			return payment, nil
		}
		updated, applied, err := s.store.FailPayment(ctx, payment.ID)
		if err != nil {
			return nil, err
		}
		if applied {
			log.Printf("settlement: payment %s failed, reservation released", updated.ID)
		}
		return updated, nil

	case eventRefunded:
		if payment.Status.Rank() >= models.PaymentRefunded.Rank() {
			return payment, nil
		}
		remaining := payment.RemainingBalance()
		amount := ev.amount
		// A refund event with no amount (or one covering the whole balance)
		// is a full refund of whatever remains.
		full := ev.full
		if amount.IsZero() {
			amount = remaining
			full = true
		} else if amount.GreaterThanOrEqual(remaining) {
			amount = remaining
			full = true
		}

		updated, applied, err := s.store.ApplyRefund(ctx, payment.ID, ev.refundID, amount, full, s.now())
		if err != nil {
			return nil, err
		}
		if applied {
			log.Printf("settlement: payment %s refunded %s (full=%t, refund %s)",
				updated.ID, amount.StringFixed(2), full, ev.refundID)
			s.notifyRefund(ctx, updated, amount, full)
		}
		return updated, nil
	}

	return payment, nil
}

// HandleWebhook consumes one gateway-pushed event. An event referencing no
// local payment is logged and discarded; it may be stale or belong to
// another system sharing the gateway account. Processing errors propagate to
// the caller for logging, but the HTTP layer still answers 200.
func (s *Service) HandleWebhook(ctx context.Context, ev *gateway.WebhookEvent) error {
	var (
		payment *models.Payment
		err     error
	)
	switch {
	case ev.CaptureID != "" && (ev.EventType == gateway.EventCaptureRefunded || ev.EventType == gateway.EventCaptureCompleted):
		payment, err = s.store.FindPaymentByCaptureID(ctx, ev.CaptureID)
		if err != nil {
			return err
		}
	}
	if payment == nil && ev.OrderID != "" {
		payment, err = s.store.FindPaymentByOrderID(ctx, ev.OrderID)
		if err != nil {
			return err
		}
	}
	if payment == nil {
		log.Printf("settlement: webhook %s (%s) matches no local payment, discarding",
			ev.TransmissionID, ev.EventType)
		return nil
	}

	switch ev.EventType {
	case gateway.EventOrderApproved:
		_, err = s.reconcile(ctx, payment, reconcileEvent{kind: eventApproved})
	case gateway.EventCaptureCompleted:
		_, err = s.reconcile(ctx, payment, reconcileEvent{kind: eventCompleted, captureID: ev.CaptureID})
	case gateway.EventCaptureDenied:
		_, err = s.reconcile(ctx, payment, reconcileEvent{kind: eventDenied})
	case gateway.EventCaptureRefunded:
		_, err = s.reconcile(ctx, payment, reconcileEvent{
			kind:     eventRefunded,
			refundID: ev.RefundID,
			amount:   ev.Amount,
		})
	default:
		log.Printf("settlement: ignoring webhook %s with unknown event type %q", ev.TransmissionID, ev.EventType)
		return nil
	}
	return err
}
