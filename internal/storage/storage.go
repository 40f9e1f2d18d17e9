// Package storage is the pgx implementation of the negotiation and
// settlement store seams. Every multi-entity mutation runs in one
// transaction; rows being decided on are locked with SELECT ... FOR UPDATE
// so concurrent writers serialize at the database.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mykpoptrade/trade-backend/internal/apperr"
	"github.com/mykpoptrade/trade-backend/internal/models"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// nullDec converts an optional decimal for binding.
func nullDec(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decPtr(nd decimal.NullDecimal) *decimal.Decimal {
	if !nd.Valid {
		return nil
	}
	d := nd.Decimal
	return &d
}

const listingColumns = `id, seller_id, title, description, price, currency, allow_offers,
	min_offer_percentage, is_available, is_reserved, reserved_for, is_sold,
	is_pwyw, pwyw_min_price, pwyw_max_price, created_at`

func scanListing(row pgx.Row) (*models.Listing, error) {
	var l models.Listing
	var pwywMin, pwywMax decimal.NullDecimal
	err := row.Scan(&l.ID, &l.SellerID, &l.Title, &l.Description, &l.Price, &l.Currency,
		&l.AllowOffers, &l.MinOfferPercentage, &l.IsAvailable, &l.IsReserved, &l.ReservedFor,
		&l.IsSold, &l.IsPayWhatYouWant, &pwywMin, &pwywMax, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.CodeNotFound, "listing not found")
		}
		return nil, fmt.Errorf("scanning listing: %w", err)
	}
	l.PWYWMinPrice = decPtr(pwywMin)
	l.PWYWMaxPrice = decPtr(pwywMax)
	return &l, nil
}

func (s *Store) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	return scanListing(row)
}

// CreateListing inserts a listing with its negotiation configuration.
func (s *Store) CreateListing(ctx context.Context, l *models.Listing) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO listings (id, seller_id, title, description, price, currency,
			allow_offers, min_offer_percentage, is_available, is_reserved, is_sold,
			is_pwyw, pwyw_min_price, pwyw_max_price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, false, false, $9, $10, $11, $12)`,
		l.ID, l.SellerID, l.Title, l.Description, l.Price, l.Currency,
		l.AllowOffers, l.MinOfferPercentage, l.IsPayWhatYouWant,
		nullDec(l.PWYWMinPrice), nullDec(l.PWYWMaxPrice), l.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting listing: %w", err)
	}
	return nil
}

// ListAvailableListings returns listings buyers can currently act on.
func (s *Store) ListAvailableListings(ctx context.Context) ([]models.Listing, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+listingColumns+`
		FROM listings WHERE is_available ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying listings: %w", err)
	}
	defer rows.Close()

	listings := make([]models.Listing, 0)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

const conversationColumns = `id, kind, listing_id, buyer_id, seller_id, status,
	initial_offer, current_offer, counter_offer, proposed_price, pwyw_min, pwyw_max,
	expires_at, created_at, updated_at`

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	var status string
	var initial, current, counter, proposed, pwywMin, pwywMax decimal.NullDecimal
	err := row.Scan(&c.ID, &c.Kind, &c.ListingID, &c.BuyerID, &c.SellerID, &status,
		&initial, &current, &counter, &proposed, &pwywMin, &pwywMax,
		&c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.CodeNotFound, "conversation not found")
		}
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	switch c.Kind {
	case models.KindNegotiation:
		c.Status = models.NegotiationStatus(status)
		if !c.Status.Valid() {
			return nil, apperr.Newf(apperr.CodeInternal, "conversation %s has invalid negotiation status %q", c.ID, status)
		}
	case models.KindPWYW:
		c.PWYWStatus = models.PWYWStatus(status)
		if !c.PWYWStatus.Valid() {
			return nil, apperr.Newf(apperr.CodeInternal, "conversation %s has invalid pwyw status %q", c.ID, status)
		}
	}

	c.InitialOffer = decPtr(initial)
	c.CurrentOffer = decPtr(current)
	c.CounterOffer = decPtr(counter)
	c.ProposedPrice = decPtr(proposed)
	c.MinimumPrice = decPtr(pwywMin)
	c.MaximumPrice = decPtr(pwywMax)
	return &c, nil
}

func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

func (s *Store) FindActiveNegotiation(ctx context.Context, listingID, buyerID uuid.UUID) (*models.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE kind = 'negotiation' AND listing_id = $1 AND buyer_id = $2
		  AND status IN ('pending', 'accepted')`, listingID, buyerID)
	conv, err := scanConversation(row)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return conv, nil
}

func (s *Store) statusOf(c *models.Conversation) string {
	if c.Kind == models.KindPWYW {
		return string(c.PWYWStatus)
	}
	return string(c.Status)
}

func (s *Store) CreateConversation(ctx context.Context, conv *models.Conversation, first *models.OfferEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertConversation(ctx, tx, conv, s.statusOf(conv)); err != nil {
		// Two buyers racing past the duplicate pre-check land on the partial
		// unique index; surface that as a stable code.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperr.New(apperr.CodeDuplicateNegotiation, "an active negotiation already exists for this listing")
		}
		return err
	}
	if first != nil {
		if err := insertOfferEntry(ctx, tx, first); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) OpenPWYW(ctx context.Context, conv *models.Conversation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertConversation(ctx, tx, conv, string(conv.PWYWStatus)); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `UPDATE listings
		SET is_pwyw = true, pwyw_min_price = $1, pwyw_max_price = $2
		WHERE id = $3`,
		nullDec(conv.MinimumPrice), nullDec(conv.MaximumPrice), conv.ListingID)
	if err != nil {
		return fmt.Errorf("updating listing pwyw band: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeNotFound, "listing not found")
	}

	return tx.Commit(ctx)
}

func insertConversation(ctx context.Context, tx pgx.Tx, conv *models.Conversation, status string) error {
	// A PWYW session has no buyer until the first proposal; the zero uuid
	// stands in so the column stays NOT NULL.
	_, err := tx.Exec(ctx, `
		INSERT INTO conversations (id, kind, listing_id, buyer_id, seller_id, status,
			initial_offer, current_offer, counter_offer, proposed_price, pwyw_min, pwyw_max,
			expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		conv.ID, conv.Kind, conv.ListingID, conv.BuyerID, conv.SellerID, status,
		nullDec(conv.InitialOffer), nullDec(conv.CurrentOffer), nullDec(conv.CounterOffer),
		nullDec(conv.ProposedPrice), nullDec(conv.MinimumPrice), nullDec(conv.MaximumPrice),
		conv.ExpiresAt, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

func insertOfferEntry(ctx context.Context, tx pgx.Tx, e *models.OfferEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO offer_entries (id, conversation_id, offered_by, amount, offer_type, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.ConversationID, e.OfferedBy, e.Amount, e.OfferType, e.Status, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting offer entry: %w", err)
	}
	return nil
}

func (s *Store) UpdateNegotiation(ctx context.Context, conv *models.Conversation, expect models.NegotiationStatus, stampOffers string, newEntry *models.OfferEntry) error {
	return s.updateConversation(ctx, conv, string(expect), string(conv.Status), stampOffers, newEntry)
}

func (s *Store) UpdatePWYW(ctx context.Context, conv *models.Conversation, expect models.PWYWStatus, stampOffers string, newEntry *models.OfferEntry) error {
	return s.updateConversation(ctx, conv, string(expect), string(conv.PWYWStatus), stampOffers, newEntry)
}

// updateConversation is the optimistic write shared by both engines: the
// UPDATE carries the expected status in its WHERE clause, so of two
// concurrent responders exactly one sees a row update and the other gets
// AlreadyFinalized.
func (s *Store) updateConversation(ctx context.Context, conv *models.Conversation, expect, next, stampOffers string, newEntry *models.OfferEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE conversations
		SET status = $1, buyer_id = $2, current_offer = $3, counter_offer = $4,
			proposed_price = $5, expires_at = $6, updated_at = $7
		WHERE id = $8 AND status = $9`,
		next, conv.BuyerID, nullDec(conv.CurrentOffer), nullDec(conv.CounterOffer),
		nullDec(conv.ProposedPrice), conv.ExpiresAt, conv.UpdatedAt, conv.ID, expect)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeAlreadyFinalized, "conversation was already finalized")
	}

	if stampOffers != "" {
		_, err = tx.Exec(ctx, `UPDATE offer_entries
			SET status = $1, responded_at = $2
			WHERE conversation_id = $3 AND responded_at IS NULL`,
			stampOffers, conv.UpdatedAt, conv.ID)
		if err != nil {
			return fmt.Errorf("stamping offer entries: %w", err)
		}
	}

	if newEntry != nil {
		if err := insertOfferEntry(ctx, tx, newEntry); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// OfferHistory returns the append-only audit list for a conversation, oldest
// first.
func (s *Store) OfferHistory(ctx context.Context, conversationID uuid.UUID) ([]models.OfferEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, offered_by, amount, offer_type, status, created_at, responded_at
		FROM offer_entries WHERE conversation_id = $1 ORDER BY created_at`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying offer history: %w", err)
	}
	defer rows.Close()

	entries := make([]models.OfferEntry, 0)
	for rows.Next() {
		var e models.OfferEntry
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.OfferedBy, &e.Amount,
			&e.OfferType, &e.Status, &e.CreatedAt, &e.RespondedAt); err != nil {
			return nil, fmt.Errorf("scanning offer entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) AppendMessage(ctx context.Context, msg *models.ConversationMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, sender, body, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ConversationID, msg.Sender, msg.Body, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting conversation message: %w", err)
	}
	return nil
}
