// Package store defines the persistence interface for the payment engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/photopay/payment-engine/internal/model"
)

var (
	ErrNotFound           = errors.New("store: not found")
	ErrUserExists         = errors.New("store: user already exists")
	ErrListingExists      = errors.New("store: listing already exists")
	ErrDuplicateSignature = errors.New("store: transaction signature already recorded")
	ErrAlreadyOwned       = errors.New("store: buyer already owns listing")
	ErrStaleTransition    = errors.New("store: purchase is no longer pending")
)

// RecentSalesLimit caps CreatorStats.RecentSales.
const RecentSalesLimit = 10

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Purchases are mutated only through CreatePurchase and CommitTransition.
type Store interface {
	// --- Identity ---

	// GetUser returns the user for wallet or ErrNotFound.
	GetUser(ctx context.Context, wallet string) (*model.User, error)

	// CreateUser persists u. ErrUserExists if the wallet is taken.
	CreateUser(ctx context.Context, u *model.User) error

	// --- Listings ---

	CreateListing(ctx context.Context, l *model.Listing) error
	GetListing(ctx context.Context, id string) (*model.Listing, error)

	// UpdateListing replaces price, metadata and the active flag.
	UpdateListing(ctx context.Context, l *model.Listing) error

	// --- Purchases ---

	// CreatePurchase inserts a pending purchase. ErrDuplicateSignature if a
	// purchase already carries its signature.
	CreatePurchase(ctx context.Context, p *model.Purchase) error

	GetPurchaseBySignature(ctx context.Context, signature string) (*model.Purchase, error)

	// GetConfirmedPurchase returns the buyer's confirmed purchase of a
	// listing, or ErrNotFound.
	GetConfirmedPurchase(ctx context.Context, listingID, buyerWallet string) (*model.Purchase, error)

	// CommitTransition persists p's new status, failure reason and
	// confirmed_at in one unit. The stored record must still be pending
	// (ErrStaleTransition otherwise); a confirmation fails with
	// ErrAlreadyOwned when another purchase for the same listing and buyer
	// is already confirmed.
	CommitTransition(ctx context.Context, p *model.Purchase) error

	// ListPurchasesByBuyer returns a page of the buyer's purchases, newest first.
	ListPurchasesByBuyer(ctx context.Context, wallet string, offset, limit int) ([]model.Purchase, error)

	// ListUnlocked returns the listings the buyer holds a confirmed purchase for.
	ListUnlocked(ctx context.Context, wallet string) ([]model.UnlockedContent, error)

	// GetCreatorStats aggregates confirmed sales of the creator's listings.
	GetCreatorStats(ctx context.Context, wallet string) (*model.CreatorStats, error)
}
