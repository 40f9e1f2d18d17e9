package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mykpoptrade/trade-backend/internal/models"
)

// Store is the persistence seam for payments and the listing reservation
// flags. Every method that touches more than one entity runs in a single
// database transaction in the pgx implementation, so a crash leaves either
// the pre-state or the committed post-state, never a reservation without a
// payment row.
type Store interface {
	GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)

	// Webhook lookups by the gateway's identifiers. A nil payment with a nil
	// error means no local record references the identifier.
	FindPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	FindPaymentByCaptureID(ctx context.Context, captureID string) (*models.Payment, error)

	// CreatePaymentAndReserve inserts the pending payment and flips the
	// listing to reserved for the buyer, atomically. It fails if the listing
	// is not available.
	CreatePaymentAndReserve(ctx context.Context, p *models.Payment) error

	// CompletePayment moves pending -> completed, marks the listing sold,
	// and completes the originating negotiation, all in one transaction.
	// applied is false when the payment had already left pending; the only
	// write in that case is backfilling a missing capture id, so a late
	// capture webhook still lands its id after a status-poll completion.
	CompletePayment(ctx context.Context, paymentID uuid.UUID, captureID string, at time.Time) (p *models.Payment, applied bool, err error)

	// FailPayment moves pending -> failed and releases the reservation.
	FailPayment(ctx context.Context, paymentID uuid.UUID) (p *models.Payment, applied bool, err error)

	// ApplyRefund accumulates amount into refund_amount, records the gateway
	// refund id, and on a full refund reopens the listing. applied is false
	// when the payment cannot be refunded from its current status.
	ApplyRefund(ctx context.Context, paymentID uuid.UUID, refundID string, amount decimal.Decimal, full bool, at time.Time) (p *models.Payment, applied bool, err error)

	AppendMessage(ctx context.Context, msg *models.ConversationMessage) error
}
