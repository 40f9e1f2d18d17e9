// Package negotiation implements the offer/counter-offer state machine for a
// single buyer against one listing, and its pay-what-you-want variant.
// Engines only ever touch conversation state; listing reservation flags are
// owned by the settlement coordinator.
package negotiation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mykpoptrade/trade-backend/internal/apperr"
	"github.com/mykpoptrade/trade-backend/internal/models"
	"github.com/mykpoptrade/trade-backend/internal/notify"
)

// Action is a seller's (or, for a counter-offer, the buyer's) answer to a
// pending negotiation.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionCounter Action = "counter"
	ActionReject  Action = "reject"
)

type Engine struct {
	store    Store
	notifier notify.Notifier
	expiry   time.Duration
	now      func() time.Time
}

func NewEngine(store Store, notifier notify.Notifier, expiry time.Duration) *Engine {
	return &Engine{
		store:    store,
		notifier: notifier,
		expiry:   expiry,
		now:      time.Now,
	}
}

// Start opens a negotiation with the buyer's initial offer. When an active
// negotiation already exists for this (listing, buyer) pair the existing one
// is returned, so retried calls are idempotent from the caller's side.
func (e *Engine) Start(ctx context.Context, listingID, buyerID uuid.UUID, initialOffer decimal.Decimal, message string) (*models.Conversation, error) {
	listing, err := e.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}

	if !listing.AllowOffers {
		return nil, apperr.New(apperr.CodeInvalidOffer, "listing does not accept offers")
	}
	if listing.SellerID == buyerID {
		return nil, apperr.New(apperr.CodeInvalidOffer, "cannot make an offer on your own listing")
	}
	if !initialOffer.IsPositive() {
		return nil, apperr.New(apperr.CodeInvalidOffer, "offer must be greater than zero")
	}
	if min := listing.MinimumOffer(); initialOffer.LessThan(min) {
		return nil, apperr.Newf(apperr.CodeInvalidOffer,
			"offer %s is below the minimum of %s", initialOffer.StringFixed(2), min.StringFixed(2))
	}

	if existing, err := e.store.FindActiveNegotiation(ctx, listingID, buyerID); err != nil {
		return nil, err
	} else if existing != nil {
		if !existing.Expired(e.now()) {
			return existing, nil
		}
		// The stored negotiation is past its deadline. Expire it so the fresh
		// one below does not collide with the one-active-per-pair index.
		existing.Status = models.NegotiationExpired
		existing.UpdatedAt = e.now()
		err := e.store.UpdateNegotiation(ctx, existing, models.NegotiationPending, string(models.NegotiationExpired), nil)
		if err != nil && !apperr.IsCode(err, apperr.CodeAlreadyFinalized) {
			return nil, err
		}
	}

	now := e.now()
	expiresAt := now.Add(e.expiry)
	conv := &models.Conversation{
		ID:           uuid.New(),
		Kind:         models.KindNegotiation,
		ListingID:    listingID,
		BuyerID:      buyerID,
		SellerID:     listing.SellerID,
		Status:       models.NegotiationPending,
		InitialOffer: &initialOffer,
		CurrentOffer: &initialOffer,
		ExpiresAt:    &expiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	first := &models.OfferEntry{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		OfferedBy:      buyerID,
		Amount:         initialOffer,
		OfferType:      models.OfferInitial,
		Status:         string(models.NegotiationPending),
		CreatedAt:      now,
	}

	if err := e.store.CreateConversation(ctx, conv, first); err != nil {
		return nil, err
	}

	e.systemMessage(ctx, conv.ID, fmt.Sprintf("Offer of %s %s made on the listed item",
		initialOffer.StringFixed(2), listing.Currency))
	if message != "" {
		e.systemMessage(ctx, conv.ID, message)
	}
	e.notifier.Notify(ctx, notify.Notification{
		RecipientID: listing.SellerID.String(),
		Type:        notify.TypeOfferReceived,
		Title:       "New offer received",
		Content:     fmt.Sprintf("A buyer offered %s %s", initialOffer.StringFixed(2), listing.Currency),
		Data:        map[string]any{"conversation_id": conv.ID.String(), "listing_id": listingID.String()},
	})

	return conv, nil
}

// Respond answers a pending negotiation. The listing's seller may accept,
// counter, or reject; the buyer may accept a seller's counter-offer. A
// counter must strictly tighten toward the listing price: above the current
// offer, below the listed price.
func (e *Engine) Respond(ctx context.Context, conversationID, actorID uuid.UUID, action Action, counterOffer *decimal.Decimal) (*models.Conversation, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Kind != models.KindNegotiation {
		return nil, apperr.New(apperr.CodeInvalidInput, "conversation is not a negotiation")
	}

	if conv, err = e.expireIfDue(ctx, conv); err != nil {
		return nil, err
	}

	switch actorID {
	case conv.SellerID:
		// Any seller action is allowed.
	case conv.BuyerID:
		if action != ActionAccept || conv.CounterOffer == nil {
			return nil, apperr.New(apperr.CodeForbidden, "buyer may only accept a counter-offer")
		}
	default:
		return nil, apperr.New(apperr.CodeForbidden, "only the negotiation's participants may respond")
	}

	if conv.Status != models.NegotiationPending {
		return nil, apperr.Newf(apperr.CodeAlreadyFinalized, "negotiation is %s", conv.Status)
	}

	listing, err := e.store.GetListing(ctx, conv.ListingID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var newEntry *models.OfferEntry
	var stamp string
	var notif *notify.Notification

	switch action {
	case ActionAccept:
		conv.Status = models.NegotiationAccepted
		stamp = string(models.NegotiationAccepted)
		agreed, _ := conv.AgreedPrice()
		recipient := conv.BuyerID
		if actorID == conv.BuyerID {
			recipient = conv.SellerID
		}
		notif = &notify.Notification{
			RecipientID: recipient.String(),
			Type:        notify.TypeOfferAccepted,
			Title:       "Offer accepted",
			Content:     fmt.Sprintf("The price of %s %s was accepted", agreed.StringFixed(2), listing.Currency),
		}

	case ActionReject:
		if actorID != conv.SellerID {
			return nil, apperr.New(apperr.CodeForbidden, "only the seller may reject")
		}
		conv.Status = models.NegotiationRejected
		stamp = string(models.NegotiationRejected)
		notif = &notify.Notification{
			RecipientID: conv.BuyerID.String(),
			Type:        notify.TypeOfferRejected,
			Title:       "Offer rejected",
			Content:     "The seller declined your offer",
		}

	case ActionCounter:
		if actorID != conv.SellerID {
			return nil, apperr.New(apperr.CodeForbidden, "only the seller may counter")
		}
		if counterOffer == nil {
			return nil, apperr.New(apperr.CodeInvalidInput, "counter requires a counter_offer amount")
		}
		prev := conv.CurrentOffer
		if conv.CounterOffer != nil {
			prev = conv.CounterOffer
		}
		if !counterOffer.GreaterThan(*prev) {
			return nil, apperr.Newf(apperr.CodeInvalidOffer,
				"counter-offer %s must exceed the current offer %s",
				counterOffer.StringFixed(2), prev.StringFixed(2))
		}
		if !counterOffer.LessThan(listing.Price) {
			return nil, apperr.Newf(apperr.CodeInvalidOffer,
				"counter-offer %s must stay below the listed price %s",
				counterOffer.StringFixed(2), listing.Price.StringFixed(2))
		}
		conv.CounterOffer = counterOffer
		expiresAt := now.Add(e.expiry)
		conv.ExpiresAt = &expiresAt
		stamp = "countered"
		newEntry = &models.OfferEntry{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			OfferedBy:      actorID,
			Amount:         *counterOffer,
			OfferType:      models.OfferCounter,
			Status:         string(models.NegotiationPending),
			CreatedAt:      now,
		}
		notif = &notify.Notification{
			RecipientID: conv.BuyerID.String(),
			Type:        notify.TypeOfferCountered,
			Title:       "Counter-offer received",
			Content:     fmt.Sprintf("The seller countered with %s %s", counterOffer.StringFixed(2), listing.Currency),
		}

	default:
		return nil, apperr.Newf(apperr.CodeInvalidInput, "unknown action %q", action)
	}

	conv.UpdatedAt = now
	if err := e.store.UpdateNegotiation(ctx, conv, models.NegotiationPending, stamp, newEntry); err != nil {
		return nil, err
	}

	e.systemMessage(ctx, conv.ID, transitionMessage(action, conv, listing.Currency))
	if notif != nil {
		notif.Data = map[string]any{"conversation_id": conv.ID.String(), "listing_id": conv.ListingID.String()}
		e.notifier.Notify(ctx, *notif)
	}

	return conv, nil
}

// Get returns the conversation, applying lazy expiry first so callers never
// observe a pending negotiation past its deadline.
func (e *Engine) Get(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Kind != models.KindNegotiation {
		return conv, nil
	}
	if conv.Expired(e.now()) {
		conv.Status = models.NegotiationExpired
		conv.UpdatedAt = e.now()
		if err := e.store.UpdateNegotiation(ctx, conv, models.NegotiationPending, string(models.NegotiationExpired), nil); err != nil {
			// A concurrent responder got there first; re-read the truth.
			if apperr.IsCode(err, apperr.CodeAlreadyFinalized) {
				return e.store.GetConversation(ctx, conversationID)
			}
			return nil, err
		}
	}
	return conv, nil
}

// expireIfDue transitions an overdue pending negotiation to expired before
// the caller's action is evaluated, then fails that action.
func (e *Engine) expireIfDue(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	if !conv.Expired(e.now()) {
		return conv, nil
	}

	conv.Status = models.NegotiationExpired
	conv.UpdatedAt = e.now()
	err := e.store.UpdateNegotiation(ctx, conv, models.NegotiationPending, string(models.NegotiationExpired), nil)
	if err != nil && !apperr.IsCode(err, apperr.CodeAlreadyFinalized) {
		return nil, err
	}
	return nil, apperr.New(apperr.CodeNegotiationExpired, "negotiation has expired")
}

func (e *Engine) systemMessage(ctx context.Context, convID uuid.UUID, body string) {
	msg := &models.ConversationMessage{
		ID:             uuid.New(),
		ConversationID: convID,
		Sender:         "system",
		Body:           body,
		CreatedAt:      e.now(),
	}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		log.Printf("negotiation: appending system message to %s failed: %v", convID, err)
	}
}

func transitionMessage(action Action, conv *models.Conversation, currency string) string {
	switch action {
	case ActionAccept:
		agreed, _ := conv.AgreedPrice()
		return fmt.Sprintf("Offer of %s %s accepted", agreed.StringFixed(2), currency)
	case ActionReject:
		return "Offer rejected"
	case ActionCounter:
		return fmt.Sprintf("Seller countered with %s %s", conv.CounterOffer.StringFixed(2), currency)
	}
	return ""
}
