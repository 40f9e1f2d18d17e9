package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is applied on startup. Statements are idempotent so the service can
// boot against a fresh or an already-migrated database.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		username text NOT NULL,
		email text NOT NULL UNIQUE,
		password_hash text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS listings (
		id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		seller_id uuid NOT NULL REFERENCES users(id),
		title text NOT NULL,
		description text NOT NULL DEFAULT '',
		price numeric(12,2) NOT NULL CHECK (price >= 0),
		currency text NOT NULL DEFAULT 'EUR',
		allow_offers boolean NOT NULL DEFAULT false,
		min_offer_percentage integer NOT NULL DEFAULT 0,
		is_available boolean NOT NULL DEFAULT true,
		is_reserved boolean NOT NULL DEFAULT false,
		reserved_for uuid NULL,
		is_sold boolean NOT NULL DEFAULT false,
		is_pwyw boolean NOT NULL DEFAULT false,
		pwyw_min_price numeric(12,2) NULL,
		pwyw_max_price numeric(12,2) NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		CONSTRAINT listing_state CHECK (NOT (is_available AND (is_reserved OR is_sold)))
	)`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		kind text NOT NULL CHECK (kind IN ('negotiation', 'pwyw')),
		listing_id uuid NOT NULL REFERENCES listings(id),
		buyer_id uuid NOT NULL,
		seller_id uuid NOT NULL,
		status text NOT NULL,
		initial_offer numeric(12,2) NULL,
		current_offer numeric(12,2) NULL,
		counter_offer numeric(12,2) NULL,
		proposed_price numeric(12,2) NULL,
		pwyw_min numeric(12,2) NULL,
		pwyw_max numeric(12,2) NULL,
		expires_at timestamptz NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,

	// At most one active negotiation per (listing, buyer) pair.
	`CREATE UNIQUE INDEX IF NOT EXISTS conversations_active_negotiation
		ON conversations (listing_id, buyer_id)
		WHERE kind = 'negotiation' AND status IN ('pending', 'accepted')`,

	`CREATE TABLE IF NOT EXISTS offer_entries (
		id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		conversation_id uuid NOT NULL REFERENCES conversations(id),
		offered_by uuid NOT NULL,
		amount numeric(12,2) NOT NULL,
		offer_type text NOT NULL CHECK (offer_type IN ('initial', 'counter', 'proposal')),
		status text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		responded_at timestamptz NULL
	)`,

	`CREATE TABLE IF NOT EXISTS conversation_messages (
		id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		conversation_id uuid NOT NULL REFERENCES conversations(id),
		sender text NOT NULL,
		body text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS payments (
		id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		buyer_id uuid NOT NULL,
		seller_id uuid NOT NULL,
		listing_id uuid NOT NULL REFERENCES listings(id),
		conversation_id uuid NULL,
		amount numeric(12,2) NOT NULL CHECK (amount > 0),
		currency text NOT NULL,
		payment_intent_id text NOT NULL UNIQUE,
		capture_id text NULL,
		refund_id text NULL,
		status text NOT NULL,
		refund_amount numeric(12,2) NOT NULL DEFAULT 0,
		completed_at timestamptz NULL,
		refunded_at timestamptz NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now(),
		CONSTRAINT refund_within_amount CHECK (refund_amount >= 0 AND refund_amount <= amount)
	)`,

	`CREATE INDEX IF NOT EXISTS payments_capture_id ON payments (capture_id)`,
}

// Migrate applies the schema statements in order.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i, err)
		}
	}
	return nil
}
