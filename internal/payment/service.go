// Package payment turns a buyer's claimed ledger transfer into an
// authoritative Purchase record. It resolves listings, drives the verifier
// and the purchase state machine, and owns the retry policy for transient
// ledger failures.
//
// The transaction signature is the idempotency key: repeated or concurrent
// confirmations of one signature collapse onto a single record, and a buyer
// never owns the same listing twice.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/photopay/payment-engine/internal/address"
	"github.com/photopay/payment-engine/internal/events"
	"github.com/photopay/payment-engine/internal/gateway"
	"github.com/photopay/payment-engine/internal/ledger"
	"github.com/photopay/payment-engine/internal/metrics"
	"github.com/photopay/payment-engine/internal/model"
	"github.com/photopay/payment-engine/internal/purchase"
	"github.com/photopay/payment-engine/internal/store"
	"github.com/photopay/payment-engine/internal/verify"
)

var (
	ErrInvalidInput    = errors.New("payment: invalid input")
	ErrNotFound        = errors.New("payment: not found")
	ErrAlreadyOwned    = errors.New("payment: listing already owned by buyer")
	ErrLedgerPending   = errors.New("payment: transaction not yet confirmed on the ledger")
	ErrLedgerRejected  = errors.New("payment: transaction rejected")
	ErrTransport       = errors.New("payment: ledger unreachable")
	ErrLedgerMalformed = errors.New("payment: ledger returned an unreadable response")
)

// DefaultHistoryLimit is the page size when the caller gives none.
const DefaultHistoryLimit = 50

// Accelerator is the optional fee optimization gateway. Implementations
// never fail; unavailability is part of the result.
type Accelerator interface {
	Enabled() bool
	PriorityFee(ctx context.Context) gateway.Result[uint64]
	Submit(ctx context.Context, signedTx []byte) gateway.Result[gateway.Submission]
	TransactionStatus(ctx context.Context, signature string) gateway.Result[map[string]any]
}

// Service reconciles purchases against the ledger. Safe for concurrent use;
// correctness under concurrency comes from the store's uniqueness
// guarantees, not from locking here.
type Service struct {
	store    store.Store
	ledger   ledger.Reader
	verifier *verify.Verifier
	gateway  Accelerator
	quotes   store.QuoteCache
	events   events.Publisher
	policy   RetryPolicy
	now      func() time.Time
}

// NewService wires the reconciler. Pass events.Discard{} if no event sink
// is needed.
func NewService(st store.Store, lg ledger.Reader, gw Accelerator, quotes store.QuoteCache, pub events.Publisher, policy RetryPolicy) *Service {
	return &Service{
		store:    st,
		ledger:   lg,
		verifier: verify.New(lg),
		gateway:  gw,
		quotes:   quotes,
		events:   pub,
		policy:   policy.normalized(),
		now:      time.Now,
	}
}

// SetClock overrides the service's time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// --- Results ---

// TransferParams is what the wallet needs to build and sign the payment.
type TransferParams struct {
	InstructionType      string          `json:"instruction_type"`
	From                 string          `json:"from"`
	To                   string          `json:"to"`
	Amount               decimal.Decimal `json:"amount"`
	Lamports             uint64          `json:"lamports"`
	RecentBlockhash      string          `json:"recent_blockhash"`
	LastValidBlockHeight uint64          `json:"last_valid_block_height"`
	PriorityFee          *uint64         `json:"priority_fee,omitempty"`
	Optimized            bool            `json:"optimized"`
}

// StatusSnapshot is a read-only view of a signature on the ledger, enriched
// with the gateway's view when the gateway is enabled.
type StatusSnapshot struct {
	Signature          string                   `json:"signature"`
	Status             ledger.ConfirmationLevel `json:"status"`
	GatewayStatus      map[string]any           `json:"gateway_status,omitempty"`
	GatewayUnavailable string                   `json:"gateway_unavailable,omitempty"`
}

// RelayResult reports whether the gateway accepted a signed transaction.
type RelayResult struct {
	Relayed   bool   `json:"relayed"`
	Signature string `json:"signature,omitempty"`
	Slot      uint64 `json:"slot,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// --- Initiation ---

// Initiate returns the transfer a buyer must sign to purchase a listing. It
// records the quoted price so the later confirmation verifies against what
// the buyer was shown, but creates no purchase.
func (s *Service) Initiate(ctx context.Context, listingID, buyerWallet string) (*TransferParams, error) {
	params, err := s.initiate(ctx, listingID, buyerWallet)
	metrics.PurchaseInitiations.WithLabelValues(errorCode(err)).Inc()
	return params, err
}

func (s *Service) initiate(ctx context.Context, listingID, buyerWallet string) (*TransferParams, error) {
	if err := validateListingID(listingID); err != nil {
		return nil, err
	}
	if _, err := address.ParseWallet(buyerWallet); err != nil {
		return nil, fmt.Errorf("%w: buyer_wallet: %v", ErrInvalidInput, err)
	}

	listing, err := s.activeListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	owner, err := s.owner(ctx, listing.ID, buyerWallet)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOwned, listing.ID)
	}
	if err := s.ensureUser(ctx, buyerWallet, model.RoleBuyer); err != nil {
		return nil, err
	}

	ref, err := s.ledger.FetchRecentBlockReference(ctx)
	if err != nil {
		return nil, ledgerError(err)
	}

	params := &TransferParams{
		InstructionType:      "transfer",
		From:                 buyerWallet,
		To:                   listing.CreatorWallet,
		Amount:               listing.Price,
		Lamports:             ledger.ToLamports(listing.Price),
		RecentBlockhash:      ref.Blockhash,
		LastValidBlockHeight: ref.LastValidBlockHeight,
	}
	if fee := s.gateway.PriorityFee(ctx); fee.OK {
		params.PriorityFee = &fee.Value
		params.Optimized = true
	}

	quote := &model.Quote{
		ListingID:            listing.ID,
		BuyerWallet:          buyerWallet,
		Receiver:             listing.CreatorWallet,
		Amount:               listing.Price,
		Lamports:             params.Lamports,
		Blockhash:            ref.Blockhash,
		LastValidBlockHeight: ref.LastValidBlockHeight,
		IssuedAt:             purchase.Timestamp(s.now()),
	}
	if err := s.quotes.PutQuote(ctx, quote); err != nil {
		// Confirmation falls back to the listing's current price.
		slog.Warn("failed to store quote", "listing", listing.ID, "buyer", buyerWallet, "err", err)
	}

	slog.Info("purchase initiated",
		"listing", listing.ID,
		"buyer", buyerWallet,
		"amount", listing.Price.String(),
		"optimized", params.Optimized,
	)
	return params, nil
}

// --- Confirmation ---

// Confirm reconciles the transaction identified by signature with the
// buyer's purchase of a listing and returns the resulting record.
//
// A confirmed signature returns its record without touching the ledger.
// ErrLedgerPending, ErrTransport and ErrLedgerMalformed leave the purchase
// pending so the same call can be repeated later.
func (s *Service) Confirm(ctx context.Context, listingID, buyerWallet, signature string) (*model.Purchase, error) {
	start := time.Now()
	p, err := s.confirm(ctx, listingID, buyerWallet, signature)
	metrics.ConfirmationLatency.Observe(time.Since(start).Seconds())

	outcome := errorCode(err)
	if err == nil {
		outcome = string(p.Status)
	}
	metrics.Confirmations.WithLabelValues(outcome).Inc()
	return p, err
}

func (s *Service) confirm(ctx context.Context, listingID, buyerWallet, signature string) (*model.Purchase, error) {
	if err := validateListingID(listingID); err != nil {
		return nil, err
	}
	if _, err := address.ParseWallet(buyerWallet); err != nil {
		return nil, fmt.Errorf("%w: buyer_wallet: %v", ErrInvalidInput, err)
	}
	if _, err := address.ParseSignature(signature); err != nil {
		return nil, fmt.Errorf("%w: transaction_signature: %v", ErrInvalidInput, err)
	}

	listing, err := s.activeListing(ctx, listingID)
	if err != nil {
		return nil, err
	}

	p, err := s.store.GetPurchaseBySignature(ctx, signature)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p, err = s.createPending(ctx, listing, buyerWallet, signature)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("load purchase: %w", err)
	}

	return s.reconcile(ctx, listing, buyerWallet, p)
}

// createPending records a new pending purchase, or returns the record of a
// concurrent caller that inserted the same signature first.
func (s *Service) createPending(ctx context.Context, listing *model.Listing, buyerWallet, signature string) (*model.Purchase, error) {
	owner, err := s.owner(ctx, listing.ID, buyerWallet)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		// A concurrent call may have created and confirmed this very
		// signature since the lookup.
		if owner.TransactionSignature == signature {
			return owner, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOwned, listing.ID)
	}
	if err := s.ensureUser(ctx, buyerWallet, model.RoleBuyer); err != nil {
		return nil, err
	}

	p := purchase.New(listing.ID, buyerWallet, signature, s.expectedAmount(ctx, listing, buyerWallet), s.now())
	err = s.store.CreatePurchase(ctx, p)
	if errors.Is(err, store.ErrDuplicateSignature) {
		winner, err := s.store.GetPurchaseBySignature(ctx, signature)
		if err != nil {
			return nil, fmt.Errorf("load concurrent purchase: %w", err)
		}
		return winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create purchase: %w", err)
	}

	slog.Info("purchase pending", "id", p.ID, "listing", listing.ID, "buyer", buyerWallet, "signature", signature)
	return p, nil
}

// reconcile verifies a pending purchase and commits the outcome. Terminal
// purchases are answered from the record alone.
func (s *Service) reconcile(ctx context.Context, listing *model.Listing, buyerWallet string, p *model.Purchase) (*model.Purchase, error) {
	if p.ListingID != listing.ID || p.BuyerWallet != buyerWallet {
		return nil, fmt.Errorf("%w: transaction_signature already belongs to another purchase", ErrInvalidInput)
	}
	if p.Status.Terminal() {
		return settled(p)
	}

	// A sibling signature may have confirmed while this one sat pending.
	owner, err := s.owner(ctx, listing.ID, buyerWallet)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		if owner.TransactionSignature == p.TransactionSignature {
			return settled(owner)
		}
		s.supersede(ctx, listing, p)
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOwned, listing.ID)
	}

	decision, err := s.verifyWithRetry(ctx, p.TransactionSignature, buyerWallet, listing.CreatorWallet, p.Amount)
	if err != nil {
		slog.Warn("verification incomplete, purchase stays pending",
			"signature", p.TransactionSignature, "err", err)
		return nil, ledgerError(err)
	}

	next := *p
	changed, err := purchase.Apply(&next, decision, s.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("%w: %s", ErrLedgerPending, decision.Reason)
	}

	err = s.store.CommitTransition(ctx, &next)
	switch {
	case err == nil:
		s.announce(ctx, listing, &next)
		return settled(&next)

	case errors.Is(err, store.ErrStaleTransition):
		// A concurrent caller committed first; its outcome is authoritative.
		current, err := s.store.GetPurchaseBySignature(ctx, p.TransactionSignature)
		if err != nil {
			return nil, fmt.Errorf("reload purchase: %w", err)
		}
		return settled(current)

	case errors.Is(err, store.ErrAlreadyOwned):
		s.supersede(ctx, listing, p)
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOwned, listing.ID)

	default:
		return nil, fmt.Errorf("commit transition: %w", err)
	}
}

// supersede fails a pending purchase whose sibling was confirmed first.
func (s *Service) supersede(ctx context.Context, listing *model.Listing, p *model.Purchase) {
	lost := *p
	if err := purchase.Supersede(&lost); err != nil {
		return
	}
	if err := s.store.CommitTransition(ctx, &lost); err != nil {
		if !errors.Is(err, store.ErrStaleTransition) {
			slog.Error("failed to supersede purchase", "signature", p.TransactionSignature, "err", err)
		}
		return
	}
	s.announce(ctx, listing, &lost)
}

// settled maps a terminal purchase onto the caller's result.
func settled(p *model.Purchase) (*model.Purchase, error) {
	switch p.Status {
	case model.StatusConfirmed:
		return p, nil
	case model.StatusFailed:
		if p.FailureReason == purchase.ReasonAlreadyOwned {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyOwned, p.ListingID)
		}
		return nil, fmt.Errorf("%w: %s", ErrLedgerRejected, p.FailureReason)
	default:
		return nil, fmt.Errorf("%w: %s", ErrLedgerPending, p.TransactionSignature)
	}
}

func (s *Service) announce(ctx context.Context, listing *model.Listing, p *model.Purchase) {
	e := events.Event{
		PurchaseID:           p.ID,
		ListingID:            p.ListingID,
		BuyerWallet:          p.BuyerWallet,
		CreatorWallet:        listing.CreatorWallet,
		TransactionSignature: p.TransactionSignature,
		Amount:               p.Amount,
		Reason:               p.FailureReason,
		OccurredAt:           s.now().UTC(),
	}
	switch p.Status {
	case model.StatusConfirmed:
		e.Type = events.TypePurchaseConfirmed
		slog.Info("purchase confirmed",
			"id", p.ID,
			"listing", p.ListingID,
			"buyer", p.BuyerWallet,
			"signature", p.TransactionSignature,
			"amount", p.Amount.String(),
		)
	case model.StatusFailed:
		e.Type = events.TypePurchaseFailed
		slog.Info("purchase failed",
			"id", p.ID,
			"signature", p.TransactionSignature,
			"reason", p.FailureReason,
		)
	default:
		return
	}
	s.events.Publish(context.WithoutCancel(ctx), e)
}

// --- Read-only queries ---

// TransactionStatus reports the ledger's confirmation level for signature,
// with the gateway's view when the gateway is enabled.
func (s *Service) TransactionStatus(ctx context.Context, signature string) (*StatusSnapshot, error) {
	if _, err := address.ParseSignature(signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	level, err := s.ledger.FetchSignatureStatus(ctx, signature)
	if err != nil {
		return nil, ledgerError(err)
	}

	snap := &StatusSnapshot{Signature: signature, Status: level}
	if s.gateway.Enabled() {
		gs := s.gateway.TransactionStatus(ctx, signature)
		if gs.OK {
			snap.GatewayStatus = gs.Value
		} else {
			snap.GatewayUnavailable = gs.Reason
		}
	}
	return snap, nil
}

// RelayTransaction submits a signed transaction through the gateway. The
// wallet can always submit to the ledger directly, so an unavailable
// gateway is a result, not an error.
func (s *Service) RelayTransaction(ctx context.Context, signedTx []byte) (*RelayResult, error) {
	if len(signedTx) == 0 {
		return nil, fmt.Errorf("%w: signed_transaction is required", ErrInvalidInput)
	}
	r := s.gateway.Submit(ctx, signedTx)
	if !r.OK {
		return &RelayResult{Relayed: false, Reason: r.Reason}, nil
	}
	return &RelayResult{Relayed: true, Signature: r.Value.Signature, Slot: r.Value.Slot}, nil
}

// History returns a page of the wallet's purchases, newest first.
func (s *Service) History(ctx context.Context, wallet string, offset, limit int) ([]model.Purchase, error) {
	if _, err := address.ParseWallet(wallet); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if offset < 0 || limit < 0 {
		return nil, fmt.Errorf("%w: offset and limit must be non-negative", ErrInvalidInput)
	}
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	return s.store.ListPurchasesByBuyer(ctx, wallet, offset, limit)
}

// Unlocked returns the listings the wallet owns.
func (s *Service) Unlocked(ctx context.Context, wallet string) ([]model.UnlockedContent, error) {
	if _, err := address.ParseWallet(wallet); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.store.ListUnlocked(ctx, wallet)
}

// CreatorSales summarizes the confirmed sales of a creator's listings.
func (s *Service) CreatorSales(ctx context.Context, wallet string) (*model.CreatorStats, error) {
	if _, err := address.ParseWallet(wallet); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.store.GetCreatorStats(ctx, wallet)
}

// --- Helpers ---

func validateListingID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: listing_id is required", ErrInvalidInput)
	}
	return nil
}

func (s *Service) activeListing(ctx context.Context, id string) (*model.Listing, error) {
	listing, err := s.store.GetListing(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: listing %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}
	if !listing.IsActive {
		return nil, fmt.Errorf("%w: listing %s is inactive", ErrNotFound, id)
	}
	return listing, nil
}

// owner returns the buyer's confirmed purchase of the listing, or nil.
func (s *Service) owner(ctx context.Context, listingID, buyerWallet string) (*model.Purchase, error) {
	p, err := s.store.GetConfirmedPurchase(ctx, listingID, buyerWallet)
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("check ownership: %w", err)
	}
}

// ensureUser bootstraps an identity record for wallet.
func (s *Service) ensureUser(ctx context.Context, wallet string, role model.Role) error {
	_, err := s.store.GetUser(ctx, wallet)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load user: %w", err)
	}

	err = s.store.CreateUser(ctx, &model.User{
		WalletAddress: wallet,
		Role:          role,
		CreatedAt:     purchase.Timestamp(s.now()),
	})
	if err != nil && !errors.Is(err, store.ErrUserExists) {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// expectedAmount is the quoted price if the buyer initiated recently and
// the quote still pays the listing's creator, else the current price.
func (s *Service) expectedAmount(ctx context.Context, listing *model.Listing, buyerWallet string) decimal.Decimal {
	q, err := s.quotes.GetQuote(ctx, listing.ID, buyerWallet)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("quote lookup failed, using listing price", "listing", listing.ID, "err", err)
		}
		return listing.Price
	}
	if q.Receiver != listing.CreatorWallet {
		return listing.Price
	}
	return q.Amount
}

// ledgerError maps ledger client failures onto the service's taxonomy.
func ledgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrTransport), errors.Is(err, ledger.ErrClosed),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrTransport, err)
	case errors.Is(err, ledger.ErrMalformed):
		return fmt.Errorf("%w: %v", ErrLedgerMalformed, err)
	case errors.Is(err, ledger.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrLedgerPending, err)
	default:
		return err
	}
}
