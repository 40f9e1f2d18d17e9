package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	CreatedAt    time.Time `json:"created_at"`
	PasswordHash string    `json:"-"`
}

// Listing is a sellable item together with its negotiation configuration.
// A listing is never simultaneously available and reserved/sold; the schema
// carries a CHECK for it and every writer re-reads the flags under FOR UPDATE.
type Listing struct {
	ID                 uuid.UUID        `json:"id"`
	SellerID           uuid.UUID        `json:"seller_id"`
	Title              string           `json:"title"`
	Description        string           `json:"description"`
	Price              decimal.Decimal  `json:"price"`
	Currency           string           `json:"currency"`
	AllowOffers        bool             `json:"allow_offers"`
	MinOfferPercentage int              `json:"min_offer_percentage"`
	IsAvailable        bool             `json:"is_available"`
	IsReserved         bool             `json:"is_reserved"`
	ReservedFor        *uuid.UUID       `json:"reserved_for,omitempty"`
	IsSold             bool             `json:"is_sold"`
	IsPayWhatYouWant   bool             `json:"is_pay_what_you_want"`
	PWYWMinPrice       *decimal.Decimal `json:"pwyw_min_price,omitempty"`
	PWYWMaxPrice       *decimal.Decimal `json:"pwyw_max_price,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// MinimumOffer returns the lowest initial offer the seller accepts,
// price * minOfferPercentage / 100.
func (l *Listing) MinimumOffer() decimal.Decimal {
	pct := decimal.NewFromInt(int64(l.MinOfferPercentage))
	return l.Price.Mul(pct).Div(decimal.NewFromInt(100))
}

type ConversationKind string

const (
	KindNegotiation ConversationKind = "negotiation"
	KindPWYW        ConversationKind = "pwyw"
)

type NegotiationStatus string

const (
	NegotiationPending   NegotiationStatus = "pending"
	NegotiationAccepted  NegotiationStatus = "accepted"
	NegotiationRejected  NegotiationStatus = "rejected"
	NegotiationExpired   NegotiationStatus = "expired"
	NegotiationCompleted NegotiationStatus = "completed"
)

func (s NegotiationStatus) Valid() bool {
	switch s {
	case NegotiationPending, NegotiationAccepted, NegotiationRejected,
		NegotiationExpired, NegotiationCompleted:
		return true
	}
	return false
}

// Active reports whether the negotiation still blocks a new one for the same
// (listing, buyer) pair.
func (s NegotiationStatus) Active() bool {
	return s == NegotiationPending || s == NegotiationAccepted
}

type PWYWStatus string

const (
	PWYWPending  PWYWStatus = "pending"
	PWYWAccepted PWYWStatus = "accepted"
	PWYWRejected PWYWStatus = "rejected"
)

func (s PWYWStatus) Valid() bool {
	return s == PWYWPending || s == PWYWAccepted || s == PWYWRejected
}

// Conversation links one buyer and one seller over one listing and embeds
// either a negotiation or a pay-what-you-want session, depending on Kind.
// Negotiation fields and PWYW fields are mutually exclusive.
type Conversation struct {
	ID        uuid.UUID        `json:"id"`
	Kind      ConversationKind `json:"kind"`
	ListingID uuid.UUID        `json:"listing_id"`
	BuyerID   uuid.UUID        `json:"buyer_id"`
	SellerID  uuid.UUID        `json:"seller_id"`

	// Negotiation session (Kind == KindNegotiation).
	Status       NegotiationStatus `json:"status,omitempty"`
	InitialOffer *decimal.Decimal  `json:"initial_offer,omitempty"`
	CurrentOffer *decimal.Decimal  `json:"current_offer,omitempty"`
	CounterOffer *decimal.Decimal  `json:"counter_offer,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`

	// PWYW session (Kind == KindPWYW).
	PWYWStatus    PWYWStatus       `json:"pwyw_status,omitempty"`
	MinimumPrice  *decimal.Decimal `json:"minimum_price,omitempty"`
	MaximumPrice  *decimal.Decimal `json:"maximum_price,omitempty"`
	ProposedPrice *decimal.Decimal `json:"proposed_price,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgreedPrice returns the price a settlement may charge for this
// conversation, or false when the conversation is not in an accepted state.
// For a negotiation that is the offer that was current at acceptance time:
// the counter if the seller countered, otherwise the buyer's offer.
func (c *Conversation) AgreedPrice() (decimal.Decimal, bool) {
	switch c.Kind {
	case KindNegotiation:
		if c.Status != NegotiationAccepted {
			return decimal.Decimal{}, false
		}
		if c.CounterOffer != nil {
			return *c.CounterOffer, true
		}
		if c.CurrentOffer != nil {
			return *c.CurrentOffer, true
		}
	case KindPWYW:
		if c.PWYWStatus == PWYWAccepted && c.ProposedPrice != nil {
			return *c.ProposedPrice, true
		}
	}
	return decimal.Decimal{}, false
}

// Expired reports whether a pending negotiation has passed its deadline.
func (c *Conversation) Expired(now time.Time) bool {
	return c.Kind == KindNegotiation &&
		c.Status == NegotiationPending &&
		c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

type OfferType string

const (
	OfferInitial  OfferType = "initial"
	OfferCounter  OfferType = "counter"
	OfferProposal OfferType = "proposal"
)

// OfferEntry is one row of the append-only offer history. After insert only
// Status and RespondedAt are ever written, when the offer is answered; the
// history is the system of record for dispute resolution.
type OfferEntry struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	OfferedBy      uuid.UUID       `json:"offered_by"`
	Amount         decimal.Decimal `json:"amount"`
	OfferType      OfferType       `json:"offer_type"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	RespondedAt    *time.Time      `json:"responded_at,omitempty"`
}

// ConversationMessage is a system-generated chat line recorded for each
// negotiation or settlement transition. Observational only.
type ConversationMessage struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentCompleted         PaymentStatus = "completed"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentDisputed          PaymentStatus = "disputed"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentCompleted, PaymentFailed,
		PaymentRefunded, PaymentPartiallyRefunded, PaymentDisputed:
		return true
	}
	return false
}

// Rank places a payment status in its forward-only lattice. A transition is
// applied only when it strictly increases the rank, which is what makes
// duplicate and out-of-order webhook deliveries no-ops.
func (s PaymentStatus) Rank() int {
	switch s {
	case PaymentPending:
		return 0
	case PaymentCompleted, PaymentFailed:
		return 1
	case PaymentPartiallyRefunded:
		return 2
	case PaymentRefunded, PaymentDisputed:
		return 3
	}
	return -1
}

// Payment tracks one settlement attempt against one agreed price. Amount is
// immutable once set; RefundAmount accumulates across partial refunds and
// never exceeds Amount.
type Payment struct {
	ID              uuid.UUID       `json:"id"`
	BuyerID         uuid.UUID       `json:"buyer_id"`
	SellerID        uuid.UUID       `json:"seller_id"`
	ListingID       uuid.UUID       `json:"listing_id"`
	ConversationID  *uuid.UUID      `json:"conversation_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	PaymentIntentID string          `json:"payment_intent_id"`
	CaptureID       *string         `json:"capture_id,omitempty"`
	RefundID        *string         `json:"refund_id,omitempty"`
	Status          PaymentStatus   `json:"status"`
	RefundAmount    decimal.Decimal `json:"refund_amount"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	RefundedAt      *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// RemainingBalance is the unrefunded part of a payment.
func (p *Payment) RemainingBalance() decimal.Decimal {
	return p.Amount.Sub(p.RefundAmount)
}
