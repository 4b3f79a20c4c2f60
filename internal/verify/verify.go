// Package verify decides whether a committed ledger transaction pays an
// expected amount from an expected sender to an expected receiver.
package verify

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/photopay/payment-engine/internal/ledger"
	"github.com/photopay/payment-engine/internal/metrics"
)

// Reason explains a rejection.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonNotYetVisible      Reason = "not_yet_visible"
	ReasonOnChainFailure     Reason = "on_chain_failure"
	ReasonNoMatchingTransfer Reason = "no_matching_transfer"
)

// Permanent reports whether the rejection is final for the signature.
func (r Reason) Permanent() bool {
	return r == ReasonOnChainFailure || r == ReasonNoMatchingTransfer
}

// Epsilon is the largest accepted difference between the transferred and the
// expected amount, inclusive.
var Epsilon = decimal.New(1, -6)

// Decision is the verifier's verdict. Reason is empty when Verified.
type Decision struct {
	Verified bool   `json:"verified"`
	Reason   Reason `json:"reason,omitempty"`
}

// Verified is the accepting decision.
func Verified() Decision { return Decision{Verified: true} }

// Rejected returns a rejecting decision.
func Rejected(r Reason) Decision { return Decision{Reason: r} }

// TransactionFetcher is the slice of the ledger client the verifier needs.
type TransactionFetcher interface {
	FetchTransaction(ctx context.Context, signature string) (*ledger.Transaction, error)
}

// Verifier checks claimed transfers against the ledger.
type Verifier struct {
	ledger TransactionFetcher
}

// New creates a Verifier reading from l.
func New(l TransactionFetcher) *Verifier {
	return &Verifier{ledger: l}
}

// Verify fetches the transaction for signature and decides it. A transaction
// the ledger has not seen yet is Rejected(not_yet_visible); transport and
// malformed-response failures are returned as errors.
func (v *Verifier) Verify(ctx context.Context, signature, sender, receiver string, amount decimal.Decimal) (Decision, error) {
	tx, err := v.ledger.FetchTransaction(ctx, signature)
	if errors.Is(err, ledger.ErrNotFound) {
		metrics.VerifierDecisions.WithLabelValues(string(ReasonNotYetVisible)).Inc()
		return Rejected(ReasonNotYetVisible), nil
	}
	if err != nil {
		return Decision{}, err
	}

	d := Decide(tx, sender, receiver, amount)
	label := string(d.Reason)
	if d.Verified {
		label = "verified"
	}
	metrics.VerifierDecisions.WithLabelValues(label).Inc()
	return d, nil
}

// Decide is the pure verification rule over an already fetched transaction.
func Decide(tx *ledger.Transaction, sender, receiver string, amount decimal.Decimal) Decision {
	if tx.Failed() {
		return Rejected(ReasonOnChainFailure)
	}
	for _, ix := range tx.Instructions {
		if !ix.IsSystemTransfer() {
			continue
		}
		t := ix.Transfer
		if t.Source != sender || t.Destination != receiver {
			continue
		}
		if AmountMatches(ledger.ToDisplayUnits(t.Lamports), amount) {
			return Verified()
		}
	}
	return Rejected(ReasonNoMatchingTransfer)
}

// AmountMatches reports whether got is within Epsilon of want.
func AmountMatches(got, want decimal.Decimal) bool {
	return got.Sub(want).Abs().LessThanOrEqual(Epsilon)
}
