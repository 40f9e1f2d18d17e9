// Package notify dispatches user notifications. Delivery is fire-and-forget:
// a failed publish is logged and never rolls back the transaction that
// produced it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type Notification struct {
	RecipientID string         `json:"recipient_id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Notification types emitted by the settlement core.
const (
	TypeOfferReceived   = "offer_received"
	TypeOfferCountered  = "offer_countered"
	TypeOfferAccepted   = "offer_accepted"
	TypeOfferRejected   = "offer_rejected"
	TypePaymentReceived = "payment_received"
	TypeRefundIssued    = "refund_issued"
	TypeRefundReceived  = "refund_received"
)

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NATSNotifier publishes notifications to a durable JetStream stream that the
// delivery workers (email/SMS/push) consume.
type NATSNotifier struct {
	js jetstream.JetStream
}

const streamName = "NOTIFICATIONS"

func NewNATSNotifier(nc *nats.Conn) (*NATSNotifier, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"notifications.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    72 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring notification stream: %w", err)
	}

	return &NATSNotifier{js: js}, nil
}

func (n *NATSNotifier) Notify(ctx context.Context, notif Notification) {
	if notif.CreatedAt.IsZero() {
		notif.CreatedAt = time.Now()
	}

	payload, err := json.Marshal(notif)
	if err != nil {
		log.Printf("notify: marshal failed for recipient %s: %v", notif.RecipientID, err)
		return
	}

	subject := fmt.Sprintf("notifications.%s", notif.Type)
	if _, err := n.js.Publish(ctx, subject, payload); err != nil {
		log.Printf("notify: publish %s for recipient %s failed: %v", notif.Type, notif.RecipientID, err)
	}
}

// LogNotifier is the fallback when NATS is not configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) {
	log.Printf("notify: %s -> %s: %s", n.Type, n.RecipientID, n.Title)
}
