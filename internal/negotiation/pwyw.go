package negotiation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mykpoptrade/trade-backend/internal/apperr"
	"github.com/mykpoptrade/trade-backend/internal/models"
	"github.com/mykpoptrade/trade-backend/internal/notify"
)

// Open enables a pay-what-you-want band on the seller's own listing and
// creates the session conversation.
func (e *Engine) Open(ctx context.Context, listingID, sellerID uuid.UUID, minimumPrice decimal.Decimal, maximumPrice *decimal.Decimal) (*models.Conversation, error) {
	listing, err := e.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.SellerID != sellerID {
		return nil, apperr.New(apperr.CodeForbidden, "only the listing's owner may open a pay-what-you-want session")
	}
	if minimumPrice.IsNegative() {
		return nil, apperr.New(apperr.CodeInvalidInput, "minimum price cannot be negative")
	}
	if maximumPrice != nil && !maximumPrice.GreaterThan(minimumPrice) {
		return nil, apperr.New(apperr.CodeInvalidInput, "maximum price must exceed the minimum price")
	}

	now := e.now()
	conv := &models.Conversation{
		ID:           uuid.New(),
		Kind:         models.KindPWYW,
		ListingID:    listingID,
		SellerID:     sellerID,
		PWYWStatus:   models.PWYWPending,
		MinimumPrice: &minimumPrice,
		MaximumPrice: maximumPrice,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.OpenPWYW(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Propose records a buyer's price within the band. The buyer joins the
// conversation on first proposal; the session stays pending until the seller
// accepts, which is the only way it becomes payable.
func (e *Engine) Propose(ctx context.Context, conversationID, buyerID uuid.UUID, proposedPrice decimal.Decimal) (*models.Conversation, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Kind != models.KindPWYW {
		return nil, apperr.New(apperr.CodeInvalidInput, "conversation is not a pay-what-you-want session")
	}
	if buyerID == conv.SellerID {
		return nil, apperr.New(apperr.CodeInvalidOffer, "cannot propose a price on your own listing")
	}
	if conv.PWYWStatus != models.PWYWPending {
		return nil, apperr.Newf(apperr.CodeAlreadyFinalized, "pay-what-you-want session is %s", conv.PWYWStatus)
	}
	if conv.MinimumPrice != nil && proposedPrice.LessThan(*conv.MinimumPrice) {
		return nil, apperr.Newf(apperr.CodeInvalidOffer,
			"proposed price %s is below the minimum of %s",
			proposedPrice.StringFixed(2), conv.MinimumPrice.StringFixed(2))
	}
	if conv.MaximumPrice != nil && proposedPrice.GreaterThan(*conv.MaximumPrice) {
		return nil, apperr.Newf(apperr.CodeInvalidOffer,
			"proposed price %s is above the maximum of %s",
			proposedPrice.StringFixed(2), conv.MaximumPrice.StringFixed(2))
	}

	now := e.now()
	conv.BuyerID = buyerID
	conv.ProposedPrice = &proposedPrice
	conv.UpdatedAt = now

	entry := &models.OfferEntry{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		OfferedBy:      buyerID,
		Amount:         proposedPrice,
		OfferType:      models.OfferProposal,
		Status:         string(models.PWYWPending),
		CreatedAt:      now,
	}
	if err := e.store.UpdatePWYW(ctx, conv, models.PWYWPending, "", entry); err != nil {
		return nil, err
	}

	listing, err := e.store.GetListing(ctx, conv.ListingID)
	if err != nil {
		return nil, err
	}
	e.systemMessage(ctx, conv.ID, fmt.Sprintf("Buyer proposed %s %s", proposedPrice.StringFixed(2), listing.Currency))
	e.notifier.Notify(ctx, notify.Notification{
		RecipientID: conv.SellerID.String(),
		Type:        notify.TypeOfferReceived,
		Title:       "Price proposal received",
		Content:     fmt.Sprintf("A buyer proposed %s %s", proposedPrice.StringFixed(2), listing.Currency),
		Data:        map[string]any{"conversation_id": conv.ID.String(), "listing_id": conv.ListingID.String()},
	})

	return conv, nil
}

// RespondPWYW is the seller's accept or reject of the buyer's proposal,
// symmetric to a negotiation accept.
func (e *Engine) RespondPWYW(ctx context.Context, conversationID, sellerID uuid.UUID, accept bool) (*models.Conversation, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Kind != models.KindPWYW {
		return nil, apperr.New(apperr.CodeInvalidInput, "conversation is not a pay-what-you-want session")
	}
	if conv.SellerID != sellerID {
		return nil, apperr.New(apperr.CodeForbidden, "only the seller may respond")
	}
	if conv.PWYWStatus != models.PWYWPending {
		return nil, apperr.Newf(apperr.CodeAlreadyFinalized, "pay-what-you-want session is %s", conv.PWYWStatus)
	}
	if conv.ProposedPrice == nil {
		return nil, apperr.New(apperr.CodeInvalidInput, "no proposal to respond to")
	}

	next := models.PWYWRejected
	notifType := notify.TypeOfferRejected
	title := "Proposal rejected"
	if accept {
		next = models.PWYWAccepted
		notifType = notify.TypeOfferAccepted
		title = "Proposal accepted"
	}

	conv.PWYWStatus = next
	conv.UpdatedAt = e.now()
	if err := e.store.UpdatePWYW(ctx, conv, models.PWYWPending, string(next), nil); err != nil {
		return nil, err
	}

	e.systemMessage(ctx, conv.ID, fmt.Sprintf("Proposal of %s %s", conv.ProposedPrice.StringFixed(2), next))
	e.notifier.Notify(ctx, notify.Notification{
		RecipientID: conv.BuyerID.String(),
		Type:        notifType,
		Title:       title,
		Content:     fmt.Sprintf("The seller %s your proposal of %s", next, conv.ProposedPrice.StringFixed(2)),
		Data:        map[string]any{"conversation_id": conv.ID.String(), "listing_id": conv.ListingID.String()},
	})

	return conv, nil
}
