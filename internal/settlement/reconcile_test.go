package settlement

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mykpoptrade/trade-backend/internal/apperr"
	"github.com/mykpoptrade/trade-backend/internal/gateway"
	"github.com/mykpoptrade/trade-backend/internal/models"
	"github.com/mykpoptrade/trade-backend/internal/notify"
)

func TestHandleWebhook_captureCompleted(t *testing.T) {
	t.Parallel()
	fx := newFixture()
	result, _ := fx.svc.Initiate(context.Background(), fx.listing.ID, fx.buyer, nil, BasisListedPrice)

	err := fx.svc.HandleWebhook(context.Background(), &gateway.WebhookEvent{
		TransmissionID: "t-1",
		EventType:      gateway.EventCaptureCompleted,
		OrderID:        result.Payment.PaymentIntentID,
		CaptureID:      "CAP-webhook",
	})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}

	p := fx.store.payments[result.Payment.ID]
	if p.Status != models.PaymentCompleted {
		t.Errorf("status = %s, want completed", p.Status)
	}
	if p.CaptureID == nil || *p.CaptureID != "CAP-webhook" {
		t.Errorf("capture id = %v, want CAP-webhook", p.CaptureID)
	}
	if !fx.store.listings[fx.listing.ID].IsSold {
		t.Error("listing not marked sold")
	}
}

func TestHandleWebhook_duplicateDeliveryAppliesOnce(t *testing.T) {
	t.Parallel()
	fx := newFixture()
	result, _ := fx.svc.Initiate(context.Background(), fx.listing.ID, fx.buyer, nil, BasisListedPrice)

	ev := &gateway.WebhookEvent{
		TransmissionID: "t-1",
		EventType:      gateway.EventCaptureCompleted,
		OrderID:        result.Payment.PaymentIntentID,
		CaptureID:      "CAP-webhook",
	}
	for i := 0; i < 3; i++ {
		if err := fx.svc.HandleWebhook(context.Background(), ev); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	if got := fx.notifier.count(notify.TypePaymentReceived); got != 1 {
		t.Errorf("completion notified %d times across 3 deliveries, want 1", got)
	}
}

func TestHandleWebhook_unknownReferenceDiscarded(t *testing.T) {
	t.Parallel()
	fx := newFixture()

	err := fx.svc.HandleWebhook(context.Background(), &gateway.WebhookEvent{
		TransmissionID: "t-ghost",
		EventType:      gateway.EventCaptureCompleted,
		OrderID:        "ORDER-unknown",
		CaptureID:      "CAP-unknown",
	})
	if err != nil {
		t.Fatalf("unknown reference should be discarded quietly, got %v", err)
	}
	if len(fx.store.payments) != 0 || len(fx.notifier.sent) != 0 {
		t.Error("unknown webhook produced state changes")
	}
}

func TestHandleWebhook_deniedAfterCompletionIsNoOp(t *testing.T) {
	t.Parallel()
	fx := newFixture()
	result, _ := fx.svc.Initiate(context.Background(), fx.listing.ID, fx.buyer, nil, BasisListedPrice)
	if _, err := fx.svc.Capture(context.Background(), result.Payment.ID, fx.buyer); err != nil {
		t.Fatalf("capture: %v", err)
	}

	err := fx.svc.HandleWebhook(context.Background(), &gateway.WebhookEvent{
		TransmissionID: "t-late",
		EventType:      gateway.EventCaptureDenied,
		OrderID:        result.Payment.PaymentIntentID,
	})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if p := fx.store.payments[result.Payment.ID]; p.Status != models.PaymentCompleted {
		t.Errorf("completed payment regressed to %s on a stale denial", p.Status)
	}
}

func TestHandleWebhook_orderApprovedKeepsPaymentPending(t *testing.T) {
	t.Parallel()
	fx := newFixture()
	result, _ := fx.svc.Initiate(context.Background(), fx.listing.ID, fx.buyer, nil, BasisListedPrice)

	err := fx.svc.HandleWebhook(context.Background(), &gateway.WebhookEvent{
		TransmissionID: "t-approve",
		EventType:      gateway.EventOrderApproved,
		OrderID:        result.Payment.PaymentIntentID,
	})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if p := fx.store.payments[result.Payment.ID]; p.Status != models.PaymentPending {
		t.Errorf("status = %s, want pending until capture", p.Status)
	}
}

func TestHandleWebhook_refundInitiatedGatewaySide(t *testing.T) {
	t.Parallel()
	fx := newFixture()
	result, _ := fx.svc.Initiate(context.Background(), fx.listing.ID, fx.buyer, nil, BasisListedPrice)
	if _, err := fx.svc.Capture(context.Background(), result.Payment.ID, fx.buyer); err != nil {
		t.Fatalf("capture: %v", err)
	}
	captureID := *fx.store.payments[result.Payment.ID].CaptureID

	// A refund executed in the gateway dashboard arrives only as a webhook.
	err := fx.svc.HandleWebhook(context.Background(), &gateway.WebhookEvent{
		TransmissionID: "t-refund",
		EventType:      gateway.EventCaptureRefunded,
		CaptureID:      captureID,
		RefundID:       "REF-dashboard",
		Amount:         dec("40"),
		Currency:       "EUR",
	})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}

	p := fx.store.payments[result.Payment.ID]
	if p.Status != models.PaymentPartiallyRefunded {
		t.Errorf("status = %s, want partially_refunded", p.Status)
	}
	if !p.RefundAmount.Equal(dec("40")) {
		t.Errorf("refundAmount = %s, want 40", p.RefundAmount)
	}

	// No amount on the event means the whole remaining balance was returned.
	err = fx.svc.HandleWebhook(context.Background(), &gateway.WebhookEvent{
		TransmissionID: "t-refund-2",
		EventType:      gateway.EventCaptureRefunded,
		CaptureID:      captureID,
		RefundID:       "REF-dashboard-2",
	})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	p = fx.store.payments[result.Payment.ID]
	if p.Status != models.PaymentRefunded {
		t.Errorf("status = %s, want refunded", p.Status)
	}
	if !p.RefundAmount.Equal(p.Amount) {
		t.Errorf("refundAmount = %s, want the full amount %s", p.RefundAmount, p.Amount)
	}
}

func TestRefund_afterStatusPollCompletion(t *testing.T) {
	t.Parallel()
	fx := newFixture()
	result, _ := fx.svc.Initiate(context.Background(), fx.listing.ID, fx.buyer, nil, BasisListedPrice)

	// The status poll learns of the completion first; the capture id only
	// travels on the webhook.
	fx.gw.orderStatus = gateway.OrderCompleted
	p, err := fx.svc.CheckStatus(context.Background(), result.Payment.ID)
	if err != nil {
		t.Fatalf("checkStatus: %v", err)
	}
	if p.Status != models.PaymentCompleted {
		t.Fatalf("status = %s, want completed", p.Status)
	}
	if p.CaptureID != nil {
		t.Fatalf("status poll produced a capture id out of thin air: %s", *p.CaptureID)
	}

	err = fx.svc.HandleWebhook(context.Background(), &gateway.WebhookEvent{
		TransmissionID: "t-late-capture",
		EventType:      gateway.EventCaptureCompleted,
		OrderID:        result.Payment.PaymentIntentID,
		CaptureID:      "CAP-late",
	})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}

	stored := fx.store.payments[result.Payment.ID]
	if stored.CaptureID == nil || *stored.CaptureID != "CAP-late" {
		t.Fatalf("capture id not backfilled from the webhook: %v", stored.CaptureID)
	}
	if got := fx.notifier.count(notify.TypePaymentReceived); got != 1 {
		t.Errorf("completion notified %d times across poll and webhook, want 1", got)
	}

	refunded, err := fx.svc.Refund(context.Background(), result.Payment.ID, fx.listing.SellerID, decP("30"), "")
	if err != nil {
		t.Fatalf("refund after poll-first completion: %v", err)
	}
	if refunded.Status != models.PaymentPartiallyRefunded {
		t.Errorf("status = %s, want partially_refunded", refunded.Status)
	}
}

func TestRefund_onlySeller(t *testing.T) {
	t.Parallel()
	fx := newFixture()
	result, _ := fx.svc.Initiate(context.Background(), fx.listing.ID, fx.buyer, nil, BasisListedPrice)
	fx.svc.Capture(context.Background(), result.Payment.ID, fx.buyer)

	_, err := fx.svc.Refund(context.Background(), result.Payment.ID, fx.buyer, nil, "buyer remorse")
	if !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("got %v, want Forbidden", err)
	}
}

func TestRefund_pendingPaymentNotRefundable(t *testing.T) {
	t.Parallel()
	fx := newFixture()
	result, _ := fx.svc.Initiate(context.Background(), fx.listing.ID, fx.buyer, nil, BasisListedPrice)

	_, err := fx.svc.Refund(context.Background(), result.Payment.ID, fx.listing.SellerID, nil, "")
	if !apperr.IsCode(err, apperr.CodeAlreadyFinalized) {
		t.Fatalf("got %v, want AlreadyFinalized", err)
	}
}

func TestRefund_partialThenFull(t *testing.T) {
	t.Parallel()
	fx := newFixture()
	result, _ := fx.svc.Initiate(context.Background(), fx.listing.ID, fx.buyer, nil, BasisListedPrice)
	if _, err := fx.svc.Capture(context.Background(), result.Payment.ID, fx.buyer); err != nil {
		t.Fatalf("capture: %v", err)
	}

	p, err := fx.svc.Refund(context.Background(), result.Payment.ID, fx.listing.SellerID, decP("30"), "damaged corner")
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if p.Status != models.PaymentPartiallyRefunded {
		t.Errorf("status = %s, want partially_refunded", p.Status)
	}
	if !p.RemainingBalance().Equal(dec("70")) {
		t.Errorf("remaining = %s, want 70", p.RemainingBalance())
	}
	if fx.store.listings[fx.listing.ID].IsAvailable {
		t.Error("partial refund must not reopen the listing")
	}

	// Omitting the amount refunds whatever remains.
	p, err = fx.svc.Refund(context.Background(), result.Payment.ID, fx.listing.SellerID, nil, "order cancelled")
	if err != nil {
		t.Fatalf("full refund: %v", err)
	}
	if p.Status != models.PaymentRefunded {
		t.Errorf("status = %s, want refunded", p.Status)
	}
	if !p.RefundAmount.Equal(p.Amount) {
		t.Errorf("refundAmount = %s, want %s", p.RefundAmount, p.Amount)
	}
	l := fx.store.listings[fx.listing.ID]
	if !l.IsAvailable || l.IsSold {
		t.Errorf("full refund must reopen the listing: %+v", l)
	}

	if _, err := fx.svc.Refund(context.Background(), result.Payment.ID, fx.listing.SellerID, nil, ""); !apperr.IsCode(err, apperr.CodeAlreadyFinalized) {
		t.Errorf("refund after full refund: got %v, want AlreadyFinalized", err)
	}
}

func TestRefund_partialMustStayBelowRemaining(t *testing.T) {
	t.Parallel()
	fx := newFixture()
	result, _ := fx.svc.Initiate(context.Background(), fx.listing.ID, fx.buyer, nil, BasisListedPrice)
	fx.svc.Capture(context.Background(), result.Payment.ID, fx.buyer)

	tests := []struct {
		name   string
		amount string
		want   apperr.Code
	}{
		{"zero", "0", apperr.CodeInvalidInput},
		{"negative", "-5", apperr.CodeInvalidInput},
		{"equal to remaining", "100", apperr.CodeRefundExceedsBalance},
		{"above remaining", "150", apperr.CodeRefundExceedsBalance},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.svc.Refund(context.Background(), result.Payment.ID, fx.listing.SellerID, decP(tt.amount), "")
			if !apperr.IsCode(err, tt.want) {
				t.Fatalf("got %v, want %s", err, tt.want)
			}
		})
	}
	if fx.gw.refundCalls != 0 {
		t.Errorf("invalid refunds reached the gateway %d times", fx.gw.refundCalls)
	}
}

func TestRefund_gatewayFailureLeavesBookkeepingUntouched(t *testing.T) {
	t.Parallel()
	fx := newFixture()
	result, _ := fx.svc.Initiate(context.Background(), fx.listing.ID, fx.buyer, nil, BasisListedPrice)
	fx.svc.Capture(context.Background(), result.Payment.ID, fx.buyer)
	fx.gw.refundErr = fmt.Errorf("%w: 503", gateway.ErrUnavailable)

	_, err := fx.svc.Refund(context.Background(), result.Payment.ID, fx.listing.SellerID, decP("30"), "")
	if !apperr.IsCode(err, apperr.CodeGatewayUnavailable) {
		t.Fatalf("got %v, want GatewayUnavailable", err)
	}
	p := fx.store.payments[result.Payment.ID]
	if p.Status != models.PaymentCompleted || !p.RefundAmount.IsZero() {
		t.Errorf("local refund bookkeeping written before gateway confirmation: %+v", p)
	}
}

func TestRefund_notifiesBothParties(t *testing.T) {
	t.Parallel()
	fx := newFixture()
	result, _ := fx.svc.Initiate(context.Background(), fx.listing.ID, fx.buyer, nil, BasisListedPrice)
	fx.svc.Capture(context.Background(), result.Payment.ID, fx.buyer)

	if _, err := fx.svc.Refund(context.Background(), result.Payment.ID, fx.listing.SellerID, decP("30"), ""); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if fx.notifier.count(notify.TypeRefundReceived) != 1 {
		t.Errorf("buyer notifications = %d, want 1", fx.notifier.count(notify.TypeRefundReceived))
	}
	if fx.notifier.count(notify.TypeRefundIssued) != 1 {
		t.Errorf("seller notifications = %d, want 1", fx.notifier.count(notify.TypeRefundIssued))
	}
}

// TestNegotiatedSaleLifecycle walks a negotiated sale end to end: settle at
// the accepted counter-offer, capture, partially refund, then refund the
// rest and watch the listing come back on the market.
func TestNegotiatedSaleLifecycle(t *testing.T) {
	t.Parallel()
	fx := newFixture()
	conv := fx.acceptedNegotiation("80")

	result, err := fx.svc.Initiate(context.Background(), fx.listing.ID, fx.buyer, &conv.ID, BasisNegotiated)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !result.Payment.Amount.Equal(dec("80")) {
		t.Fatalf("amount = %s, want the agreed 80", result.Payment.Amount)
	}

	p, err := fx.svc.Capture(context.Background(), result.Payment.ID, fx.buyer)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if p.Status != models.PaymentCompleted || !fx.store.listings[fx.listing.ID].IsSold {
		t.Fatalf("sale not completed: payment %s, listing %+v", p.Status, fx.store.listings[fx.listing.ID])
	}
	if fx.store.convs[conv.ID].Status != models.NegotiationCompleted {
		t.Fatalf("negotiation status = %s, want completed", fx.store.convs[conv.ID].Status)
	}

	p, err = fx.svc.Refund(context.Background(), result.Payment.ID, fx.listing.SellerID, decP("30"), "missing photocard")
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if p.Status != models.PaymentPartiallyRefunded || !p.RemainingBalance().Equal(dec("50")) {
		t.Fatalf("after partial refund: status %s, remaining %s", p.Status, p.RemainingBalance())
	}

	p, err = fx.svc.Refund(context.Background(), result.Payment.ID, fx.listing.SellerID, nil, "return completed")
	if err != nil {
		t.Fatalf("full refund: %v", err)
	}
	if p.Status != models.PaymentRefunded {
		t.Fatalf("status = %s, want refunded", p.Status)
	}
	if !p.RefundAmount.Equal(dec("80")) {
		t.Fatalf("total refunded = %s, want 80", p.RefundAmount)
	}
	l := fx.store.listings[fx.listing.ID]
	if !l.IsAvailable || l.IsSold || l.IsReserved {
		t.Fatalf("listing not back on the market: %+v", l)
	}

	// A replayed refund webhook after everything settled changes nothing.
	captureID := *p.CaptureID
	if err := fx.svc.HandleWebhook(context.Background(), &gateway.WebhookEvent{
		TransmissionID: "t-replay",
		EventType:      gateway.EventCaptureRefunded,
		CaptureID:      captureID,
		RefundID:       "REF-replay",
		Amount:         decimal.NewFromInt(30),
	}); err != nil {
		t.Fatalf("replayed webhook: %v", err)
	}
	if got := fx.store.payments[result.Payment.ID]; !got.RefundAmount.Equal(dec("80")) {
		t.Fatalf("replayed webhook changed refund total to %s", got.RefundAmount)
	}
}
