// Package events fans purchase lifecycle events out to WebSocket clients and
// NATS subscribers. Publishing is best-effort: a failed sink is logged and
// counted, never reported back to the purchase flow.
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Event types.
const (
	TypePurchaseConfirmed = "purchase.confirmed"
	TypePurchaseFailed    = "purchase.failed"
)

// Event is the JSON payload sent to every sink.
type Event struct {
	Type                 string          `json:"type"`
	PurchaseID           string          `json:"purchase_id"`
	ListingID            string          `json:"listing_id"`
	BuyerWallet          string          `json:"buyer_wallet"`
	CreatorWallet        string          `json:"creator_wallet"`
	TransactionSignature string          `json:"transaction_signature"`
	Amount               decimal.Decimal `json:"amount"`
	Reason               string          `json:"reason,omitempty"`
	OccurredAt           time.Time       `json:"occurred_at"`
}

// Publisher delivers an event to one sink.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Multi publishes to every sink in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		p.Publish(ctx, e)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
