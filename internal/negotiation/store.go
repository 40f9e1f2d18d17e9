package negotiation

import (
	"context"

	"github.com/google/uuid"

	"github.com/mykpoptrade/trade-backend/internal/models"
)

// Store is the persistence seam the engines run against. The pgx
// implementation lives in internal/storage; tests use in-memory fakes.
type Store interface {
	GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)

	// FindActiveNegotiation returns the negotiation conversation for the
	// (listing, buyer) pair whose status is pending or accepted, or nil when
	// none exists.
	FindActiveNegotiation(ctx context.Context, listingID, buyerID uuid.UUID) (*models.Conversation, error)

	// CreateConversation inserts the conversation and its first offer entry
	// in one transaction.
	CreateConversation(ctx context.Context, conv *models.Conversation, first *models.OfferEntry) error

	// OpenPWYW inserts the PWYW conversation and writes the band onto the
	// listing in one transaction.
	OpenPWYW(ctx context.Context, conv *models.Conversation) error

	// UpdateNegotiation persists conv's negotiation fields only if the stored
	// status still equals expect, in the same transaction that stamps open
	// offer entries (stampOffers, when non-empty) and appends newEntry (when
	// non-nil). A status mismatch fails with an AlreadyFinalized-coded error:
	// that is the optimistic check that serializes concurrent responders.
	UpdateNegotiation(ctx context.Context, conv *models.Conversation, expect models.NegotiationStatus, stampOffers string, newEntry *models.OfferEntry) error

	// UpdatePWYW is the same conditional write for PWYW conversations.
	UpdatePWYW(ctx context.Context, conv *models.Conversation, expect models.PWYWStatus, stampOffers string, newEntry *models.OfferEntry) error

	// AppendMessage records a system chat line. Observational; callers log
	// failures and move on.
	AppendMessage(ctx context.Context, msg *models.ConversationMessage) error
}
