// Package purchase owns the Purchase lifecycle:
//
//	pending --verified--> confirmed
//	pending --on_chain_failure | no_matching_transfer--> failed
//	pending --not_yet_visible--> pending
//
// confirmed and failed are terminal. A failed payment is retried with a new
// on-chain transaction, hence a new signature and a new Purchase.
package purchase

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/photopay/payment-engine/internal/model"
	"github.com/photopay/payment-engine/internal/verify"
)

// ReasonAlreadyOwned marks a pending purchase whose sibling for the same
// listing and buyer was confirmed first.
const ReasonAlreadyOwned = "already_owned"

// ErrTerminal is returned when a transition is attempted out of a terminal state.
var ErrTerminal = errors.New("purchase: already in a terminal state")

// Timestamp normalizes t to the precision the store persists.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// New creates a pending purchase for signature.
func New(listingID, buyerWallet, signature string, amount decimal.Decimal, now time.Time) *model.Purchase {
	return &model.Purchase{
		ID:                   uuid.New().String(),
		ListingID:            listingID,
		BuyerWallet:          buyerWallet,
		TransactionSignature: signature,
		Amount:               amount,
		Status:               model.StatusPending,
		RequestedAt:          Timestamp(now),
	}
}

// Apply moves p according to decision. It reports whether p changed; a
// not_yet_visible rejection leaves p pending and unchanged.
func Apply(p *model.Purchase, d verify.Decision, now time.Time) (bool, error) {
	if p.Status.Terminal() {
		return false, fmt.Errorf("%w: %s is %s", ErrTerminal, p.TransactionSignature, p.Status)
	}

	switch {
	case d.Verified:
		ts := Timestamp(now)
		p.Status = model.StatusConfirmed
		p.ConfirmedAt = &ts
		p.FailureReason = ""
		return true, nil
	case d.Reason.Permanent():
		p.Status = model.StatusFailed
		p.FailureReason = string(d.Reason)
		return true, nil
	default:
		return false, nil
	}
}

// Supersede fails a pending purchase because the buyer already owns the
// listing through another signature.
func Supersede(p *model.Purchase) error {
	if p.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, p.TransactionSignature, p.Status)
	}
	p.Status = model.StatusFailed
	p.FailureReason = ReasonAlreadyOwned
	return nil
}

// Check validates the record-level invariants of p.
func Check(p *model.Purchase) error {
	switch p.Status {
	case model.StatusConfirmed:
		if p.ConfirmedAt == nil {
			return fmt.Errorf("purchase %s: confirmed without confirmed_at", p.ID)
		}
	case model.StatusPending, model.StatusFailed:
		if p.ConfirmedAt != nil {
			return fmt.Errorf("purchase %s: %s with confirmed_at", p.ID, p.Status)
		}
	default:
		return fmt.Errorf("purchase %s: unknown status %q", p.ID, p.Status)
	}
	return nil
}
