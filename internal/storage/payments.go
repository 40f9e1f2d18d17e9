package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mykpoptrade/trade-backend/internal/apperr"
	"github.com/mykpoptrade/trade-backend/internal/models"
)

const paymentColumns = `id, buyer_id, seller_id, listing_id, conversation_id, amount, currency,
	payment_intent_id, capture_id, refund_id, status, refund_amount,
	completed_at, refunded_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	var status string
	err := row.Scan(&p.ID, &p.BuyerID, &p.SellerID, &p.ListingID, &p.ConversationID,
		&p.Amount, &p.Currency, &p.PaymentIntentID, &p.CaptureID, &p.RefundID,
		&status, &p.RefundAmount, &p.CompletedAt, &p.RefundedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.CodeNotFound, "payment not found")
		}
		return nil, fmt.Errorf("scanning payment: %w", err)
	}
	p.Status = models.PaymentStatus(status)
	if !p.Status.Valid() {
		return nil, apperr.Newf(apperr.CodeInternal, "payment %s has invalid status %q", p.ID, status)
	}
	return &p, nil
}

func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (s *Store) FindPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_intent_id = $1`, orderID)
	p, err := scanPayment(row)
	if apperr.IsCode(err, apperr.CodeNotFound) {
		return nil, nil
	}
	return p, err
}

func (s *Store) FindPaymentByCaptureID(ctx context.Context, captureID string) (*models.Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE capture_id = $1`, captureID)
	p, err := scanPayment(row)
	if apperr.IsCode(err, apperr.CodeNotFound) {
		return nil, nil
	}
	return p, err
}

// CreatePaymentAndReserve inserts the pending payment and reserves the
// listing as one atomic unit. The listing row is locked first so two buyers
// racing for the same item serialize here; the loser sees the reservation.
func (s *Store) CreatePaymentAndReserve(ctx context.Context, p *models.Payment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var isAvailable bool
	err = tx.QueryRow(ctx, `SELECT is_available FROM listings WHERE id = $1 FOR UPDATE`, p.ListingID).
		Scan(&isAvailable)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.CodeNotFound, "listing not found")
		}
		return fmt.Errorf("locking listing: %w", err)
	}
	if !isAvailable {
		return apperr.New(apperr.CodeInvalidInput, "listing is not available")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payments (id, buyer_id, seller_id, listing_id, conversation_id, amount,
			currency, payment_intent_id, status, refund_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.BuyerID, p.SellerID, p.ListingID, p.ConversationID, p.Amount,
		p.Currency, p.PaymentIntentID, p.Status, p.RefundAmount, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting payment: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE listings
		SET is_available = false, is_reserved = true, reserved_for = $1
		WHERE id = $2`, p.BuyerID, p.ListingID)
	if err != nil {
		return fmt.Errorf("reserving listing: %w", err)
	}

	return tx.Commit(ctx)
}

// CompletePayment applies the pending -> completed transition. The payment
// row is locked and its status re-read inside the transaction; a payment
// that already left pending returns applied=false, which is what makes
// duplicate capture confirmations no-ops. The one thing still written in
// that case is a missing capture_id, since completion via the status poll
// and the capture id can arrive on different paths.
func (s *Store) CompletePayment(ctx context.Context, paymentID uuid.UUID, captureID string, at time.Time) (*models.Payment, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.lockPayment(ctx, tx, paymentID)
	if err != nil {
		return nil, false, err
	}
	if p.Status != models.PaymentPending {
		// A completion recorded through the status poll carries no capture
		// id; the webhook that does carry it lands here, so backfill the id
		// without re-applying the transition.
		if captureID != "" && p.CaptureID == nil {
			_, err = tx.Exec(ctx, `UPDATE payments SET capture_id = $1, updated_at = $2
				WHERE id = $3 AND capture_id IS NULL`, captureID, at, paymentID)
			if err != nil {
				return nil, false, fmt.Errorf("backfilling capture id: %w", err)
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, false, fmt.Errorf("committing capture id backfill: %w", err)
			}
			p.CaptureID = &captureID
			p.UpdatedAt = at
		}
		return p, false, nil
	}

	var capID *string
	if captureID != "" {
		capID = &captureID
	}
	_, err = tx.Exec(ctx, `UPDATE payments
		SET status = $1, capture_id = COALESCE($2, capture_id), completed_at = $3, updated_at = $3
		WHERE id = $4`,
		models.PaymentCompleted, capID, at, paymentID)
	if err != nil {
		return nil, false, fmt.Errorf("completing payment: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE listings
		SET is_available = false, is_reserved = false, reserved_for = NULL, is_sold = true
		WHERE id = $1`, p.ListingID)
	if err != nil {
		return nil, false, fmt.Errorf("marking listing sold: %w", err)
	}

	if p.ConversationID != nil {
		_, err = tx.Exec(ctx, `UPDATE conversations
			SET status = $1, updated_at = $2
			WHERE id = $3 AND kind = 'negotiation' AND status = $4`,
			models.NegotiationCompleted, at, *p.ConversationID, models.NegotiationAccepted)
		if err != nil {
			return nil, false, fmt.Errorf("completing negotiation: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("committing payment completion: %w", err)
	}

	p.Status = models.PaymentCompleted
	if capID != nil {
		p.CaptureID = capID
	}
	p.CompletedAt = &at
	p.UpdatedAt = at
	return p, true, nil
}

// FailPayment applies pending -> failed and releases the reservation so the
// listing is sellable again.
func (s *Store) FailPayment(ctx context.Context, paymentID uuid.UUID) (*models.Payment, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.lockPayment(ctx, tx, paymentID)
	if err != nil {
		return nil, false, err
	}
	if p.Status != models.PaymentPending {
		return p, false, nil
	}

	now := time.Now()
	_, err = tx.Exec(ctx, `UPDATE payments SET status = $1, updated_at = $2 WHERE id = $3`,
		models.PaymentFailed, now, paymentID)
	if err != nil {
		return nil, false, fmt.Errorf("failing payment: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE listings
		SET is_available = true, is_reserved = false, reserved_for = NULL
		WHERE id = $1 AND NOT is_sold`, p.ListingID)
	if err != nil {
		return nil, false, fmt.Errorf("releasing listing reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("committing payment failure: %w", err)
	}

	p.Status = models.PaymentFailed
	p.UpdatedAt = now
	return p, true, nil
}

// ApplyRefund accumulates a confirmed refund. The amount has already been
// validated and confirmed by the gateway; here only status admissibility is
// re-checked under the lock, plus the conservation invariant as a backstop.
func (s *Store) ApplyRefund(ctx context.Context, paymentID uuid.UUID, refundID string, amount decimal.Decimal, full bool, at time.Time) (*models.Payment, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.lockPayment(ctx, tx, paymentID)
	if err != nil {
		return nil, false, err
	}
	if p.Status != models.PaymentCompleted && p.Status != models.PaymentPartiallyRefunded {
		return p, false, nil
	}

	newRefunded := p.RefundAmount.Add(amount)
	if newRefunded.GreaterThan(p.Amount) {
		return nil, false, apperr.Newf(apperr.CodeInternal,
			"refund of %s would exceed payment amount %s", amount.StringFixed(2), p.Amount.StringFixed(2))
	}

	status := models.PaymentPartiallyRefunded
	var refundedAt *time.Time
	if full {
		status = models.PaymentRefunded
		refundedAt = &at
	}

	var refID *string
	if refundID != "" {
		refID = &refundID
	}
	_, err = tx.Exec(ctx, `UPDATE payments
		SET status = $1, refund_amount = $2, refund_id = COALESCE($3, refund_id),
			refunded_at = COALESCE($4, refunded_at), updated_at = $5
		WHERE id = $6`,
		status, newRefunded, refID, refundedAt, at, paymentID)
	if err != nil {
		return nil, false, fmt.Errorf("applying refund: %w", err)
	}

	if full {
		// A fully refunded sale returns the item to the market.
		_, err = tx.Exec(ctx, `UPDATE listings
			SET is_available = true, is_reserved = false, reserved_for = NULL, is_sold = false
			WHERE id = $1`, p.ListingID)
		if err != nil {
			return nil, false, fmt.Errorf("reopening listing: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("committing refund: %w", err)
	}

	p.Status = status
	p.RefundAmount = newRefunded
	if refID != nil {
		p.RefundID = refID
	}
	p.RefundedAt = refundedAt
	p.UpdatedAt = at
	return p, true, nil
}

func (s *Store) lockPayment(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payment, error) {
	row := tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
	return scanPayment(row)
}
