// Package settlement charges an agreed price through the external payment
// gateway and keeps the local payment record reconciled with gateway truth.
// Gateway round trips always happen outside row-lock transactions; a local
// transaction opens only to persist a confirmed result.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mykpoptrade/trade-backend/internal/apperr"
	"github.com/mykpoptrade/trade-backend/internal/gateway"
	"github.com/mykpoptrade/trade-backend/internal/models"
	"github.com/mykpoptrade/trade-backend/internal/notify"
)

// Basis names where the charged amount comes from.
type Basis string

const (
	BasisListedPrice Basis = "listed_price"
	BasisNegotiated  Basis = "negotiated"
	BasisPWYW        Basis = "pwyw"
)

type Service struct {
	store    Store
	gateway  gateway.Client
	notifier notify.Notifier
	now      func() time.Time
}

func NewService(store Store, gw gateway.Client, notifier notify.Notifier) *Service {
	return &Service{
		store:    store,
		gateway:  gw,
		notifier: notifier,
		now:      time.Now,
	}
}

// InitiateResult carries the fresh payment plus the gateway approval URL the
// buyer is redirected to.
type InitiateResult struct {
	Payment     *models.Payment `json:"payment"`
	ApprovalURL string          `json:"approval_url"`
}

// Initiate resolves the amount for the chosen basis, creates the gateway
// order, and then atomically persists the pending payment together with the
// listing reservation. If the gateway call fails nothing is persisted.
func (s *Service) Initiate(ctx context.Context, listingID, buyerID uuid.UUID, conversationID *uuid.UUID, basis Basis) (*InitiateResult, error) {
	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if !listing.IsAvailable {
		return nil, apperr.New(apperr.CodeInvalidInput, "listing is not available")
	}
	if listing.SellerID == buyerID {
		return nil, apperr.New(apperr.CodeForbidden, "cannot buy your own listing")
	}

	amount, convID, err := s.resolveAmount(ctx, listing, buyerID, conversationID, basis)
	if err != nil {
		return nil, err
	}

	paymentID := uuid.New()
	order, err := s.gateway.CreateOrder(ctx, amount, listing.Currency, paymentID.String())
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			return nil, apperr.Wrap(apperr.CodeGatewayUnavailable, "could not create payment order", err)
		}
		return nil, err
	}

	now := s.now()
	payment := &models.Payment{
		ID:              paymentID,
		BuyerID:         buyerID,
		SellerID:        listing.SellerID,
		ListingID:       listingID,
		ConversationID:  convID,
		Amount:          amount,
		Currency:        listing.Currency,
		PaymentIntentID: order.ID,
		Status:          models.PaymentPending,
		RefundAmount:    decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.CreatePaymentAndReserve(ctx, payment); err != nil {
		return nil, err
	}

	log.Printf("settlement: payment %s initiated, order %s, amount %s %s",
		payment.ID, order.ID, amount.StringFixed(2), listing.Currency)
	return &InitiateResult{Payment: payment, ApprovalURL: order.ApprovalURL}, nil
}

func (s *Service) resolveAmount(ctx context.Context, listing *models.Listing, buyerID uuid.UUID, conversationID *uuid.UUID, basis Basis) (decimal.Decimal, *uuid.UUID, error) {
	switch basis {
	case BasisListedPrice:
		return listing.Price, nil, nil

	case BasisNegotiated, BasisPWYW:
		if conversationID == nil {
			return decimal.Decimal{}, nil, apperr.New(apperr.CodeInvalidInput, "conversation_id is required for this settlement basis")
		}
		conv, err := s.store.GetConversation(ctx, *conversationID)
		if err != nil {
			return decimal.Decimal{}, nil, err
		}
		if conv.ListingID != listing.ID || conv.BuyerID != buyerID {
			return decimal.Decimal{}, nil, apperr.New(apperr.CodeForbidden, "conversation does not belong to this buyer and listing")
		}
		wantKind := models.KindNegotiation
		if basis == BasisPWYW {
			wantKind = models.KindPWYW
		}
		if conv.Kind != wantKind {
			return decimal.Decimal{}, nil, apperr.Newf(apperr.CodeInvalidInput, "conversation is not a %s", wantKind)
		}
		amount, ok := conv.AgreedPrice()
		if !ok {
			return decimal.Decimal{}, nil, apperr.New(apperr.CodeNoAgreedPrice, "conversation has no accepted price")
		}
		return amount, conversationID, nil

	default:
		return decimal.Decimal{}, nil, apperr.Newf(apperr.CodeInvalidInput, "unknown settlement basis %q", basis)
	}
}

// Capture charges the approved order. Only the buyer who initiated the
// payment may capture. Capturing an already-completed payment returns the
// existing completion details, mirroring the gateway's own idempotency.
func (s *Service) Capture(ctx context.Context, paymentID, approverID uuid.UUID) (*models.Payment, error) {
	payment, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.BuyerID != approverID {
		return nil, apperr.New(apperr.CodeForbidden, "only the initiating buyer may capture")
	}

	switch payment.Status {
	case models.PaymentCompleted:
		return payment, nil
	case models.PaymentPending:
		// Proceed.
	default:
		return nil, apperr.Newf(apperr.CodeAlreadyFinalized, "payment is %s", payment.Status)
	}

	capture, err := s.gateway.CaptureOrder(ctx, payment.PaymentIntentID)
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			// Local state is untouched; checkStatus or the webhook recovers.
			return nil, apperr.Wrap(apperr.CodeGatewayUnavailable, "could not capture payment", err)
		}
		return nil, err
	}

	if capture.Status != gateway.OrderCompleted {
		return s.reconcile(ctx, payment, reconcileEvent{kind: eventDenied})
	}
	return s.reconcile(ctx, payment, reconcileEvent{kind: eventCompleted, captureID: capture.CaptureID})
}

// CheckStatus returns the local payment, first reconciling against the
// gateway when the local record is still pending. This is the recovery path
// for dropped or not-yet-delivered webhooks and shares the exact
// reconciliation routine webhook delivery uses.
func (s *Service) CheckStatus(ctx context.Context, paymentID uuid.UUID) (*models.Payment, error) {
	payment, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentPending {
		return payment, nil
	}

	order, err := s.gateway.GetOrder(ctx, payment.PaymentIntentID)
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			log.Printf("settlement: status query for payment %s (order %s) failed: %v",
				payment.ID, payment.PaymentIntentID, err)
			return payment, nil
		}
		return nil, err
	}

	switch order.Status {
	case gateway.OrderCompleted:
		// The gateway completed the capture but the capture id travels on the
		// webhook; record completion now and let the webhook fill in the id.
		return s.reconcile(ctx, payment, reconcileEvent{kind: eventCompleted})
	case gateway.OrderDenied:
		return s.reconcile(ctx, payment, reconcileEvent{kind: eventDenied})
	default:
		return payment, nil
	}
}

// Refund reverses a completed payment, fully or partially. The gateway
// confirms before any local bookkeeping is written. A full refund reopens
// the listing.
func (s *Service) Refund(ctx context.Context, paymentID, actorID uuid.UUID, amount *decimal.Decimal, reason string) (*models.Payment, error) {
	payment, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.SellerID != actorID {
		return nil, apperr.New(apperr.CodeForbidden, "only the payment's seller may refund")
	}

	switch payment.Status {
	case models.PaymentCompleted, models.PaymentPartiallyRefunded:
		// Refundable.
	default:
		return nil, apperr.Newf(apperr.CodeAlreadyFinalized, "payment is %s and cannot be refunded", payment.Status)
	}

	remaining := payment.RemainingBalance()
	if !remaining.IsPositive() {
		return nil, apperr.New(apperr.CodeAlreadyFullyRefunded, "payment has no unrefunded balance")
	}

	full := amount == nil
	var refundAmount decimal.Decimal
	if full {
		refundAmount = remaining
	} else {
		refundAmount = *amount
		if !refundAmount.IsPositive() {
			return nil, apperr.New(apperr.CodeInvalidInput, "refund amount must be greater than zero")
		}
		if !refundAmount.LessThan(remaining) {
			return nil, apperr.Newf(apperr.CodeRefundExceedsBalance,
				"partial refund %s must stay below the remaining balance %s; omit the amount for a full refund",
				refundAmount.StringFixed(2), remaining.StringFixed(2))
		}
	}

	if payment.CaptureID == nil {
		return nil, apperr.New(apperr.CodeInternal, "completed payment has no capture id")
	}

	refund, err := s.gateway.RefundCapture(ctx, *payment.CaptureID, refundAmount, payment.Currency, reason)
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			return nil, apperr.Wrap(apperr.CodeGatewayUnavailable, "could not execute refund", err)
		}
		return nil, err
	}

	return s.reconcile(ctx, payment, reconcileEvent{
		kind:     eventRefunded,
		refundID: refund.RefundID,
		amount:   refundAmount,
		full:     full,
	})
}

// notifyCompletion runs the seller-notification and system-message side
// effects of a confirmed capture. Invoked from reconcile only, so the direct
// capture path and webhook delivery produce identical outcomes.
func (s *Service) notifyCompletion(ctx context.Context, p *models.Payment) {
	s.notifier.Notify(ctx, notify.Notification{
		RecipientID: p.SellerID.String(),
		Type:        notify.TypePaymentReceived,
		Title:       "Payment received",
		Content:     fmt.Sprintf("Your item sold for %s %s", p.Amount.StringFixed(2), p.Currency),
		Data:        map[string]any{"payment_id": p.ID.String(), "listing_id": p.ListingID.String()},
	})
	if p.ConversationID != nil {
		s.systemMessage(ctx, *p.ConversationID, fmt.Sprintf("Payment of %s %s completed", p.Amount.StringFixed(2), p.Currency))
	}
}

func (s *Service) notifyRefund(ctx context.Context, p *models.Payment, amount decimal.Decimal, full bool) {
	kind := "Partial refund"
	if full {
		kind = "Refund"
	}
	s.notifier.Notify(ctx, notify.Notification{
		RecipientID: p.BuyerID.String(),
		Type:        notify.TypeRefundReceived,
		Title:       kind + " issued",
		Content:     fmt.Sprintf("%s of %s %s was issued to you", kind, amount.StringFixed(2), p.Currency),
		Data:        map[string]any{"payment_id": p.ID.String()},
	})
	s.notifier.Notify(ctx, notify.Notification{
		RecipientID: p.SellerID.String(),
		Type:        notify.TypeRefundIssued,
		Title:       kind + " processed",
		Content:     fmt.Sprintf("%s of %s %s was processed for your sale", kind, amount.StringFixed(2), p.Currency),
		Data:        map[string]any{"payment_id": p.ID.String()},
	})
	if p.ConversationID != nil {
		s.systemMessage(ctx, *p.ConversationID, fmt.Sprintf("%s of %s %s processed", kind, amount.StringFixed(2), p.Currency))
	}
}

func (s *Service) systemMessage(ctx context.Context, convID uuid.UUID, body string) {
	msg := &models.ConversationMessage{
		ID:             uuid.New(),
		ConversationID: convID,
		Sender:         "system",
		Body:           body,
		CreatedAt:      s.now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		log.Printf("settlement: appending system message to %s failed: %v", convID, err)
	}
}
