// Package model defines the core domain types shared across the payment engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseStatus is the lifecycle state of a Purchase.
type PurchaseStatus string

const (
	StatusPending   PurchaseStatus = "pending"
	StatusConfirmed PurchaseStatus = "confirmed"
	StatusFailed    PurchaseStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s PurchaseStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Role distinguishes buyers from creators.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleCreator Role = "creator"
)

// Purchase is the authoritative record of a buyer paying for a listing.
// TransactionSignature is globally unique and is the idempotency key for
// confirmation. Rows are never deleted; FAILED rows stay for audit.
type Purchase struct {
	ID                   string          `json:"id" db:"id"`
	ListingID            string          `json:"listing_id" db:"listing_id"`
	BuyerWallet          string          `json:"buyer_wallet" db:"buyer_wallet"`
	TransactionSignature string          `json:"transaction_signature" db:"transaction_signature"`
	Amount               decimal.Decimal `json:"amount" db:"amount"` // display units, 9 dp
	Status               PurchaseStatus  `json:"status" db:"status"`
	FailureReason        string          `json:"failure_reason,omitempty" db:"failure_reason"`
	RequestedAt          time.Time       `json:"requested_at" db:"requested_at"`
	ConfirmedAt          *time.Time      `json:"confirmed_at" db:"confirmed_at"` // set iff confirmed
}

// Listing is a purchasable digital good. Owned by the listing service;
// the engine only reads price, creator wallet and the active flag.
type Listing struct {
	ID            string          `json:"id" db:"id"`
	Title         string          `json:"title" db:"title"`
	Description   string          `json:"description,omitempty" db:"description"`
	Price         decimal.Decimal `json:"price" db:"price"`
	CreatorWallet string          `json:"creator_wallet" db:"creator_wallet"`
	FileURL       string          `json:"file_url" db:"file_url"`
	IsActive      bool            `json:"is_active" db:"is_active"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// User is a wallet-keyed identity record.
type User struct {
	WalletAddress string    `json:"wallet_address" db:"wallet_address"`
	Username      *string   `json:"username" db:"username"`
	Role          Role      `json:"role" db:"role"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// UnlockedContent is a listing the buyer holds a confirmed purchase for.
type UnlockedContent struct {
	ListingID   string    `json:"listing_id"`
	Title       string    `json:"title"`
	FileURL     string    `json:"file_url"`
	PurchasedAt time.Time `json:"purchased_at"`
}

// CreatorStats aggregates confirmed sales for one creator wallet.
type CreatorStats struct {
	CreatorWallet  string          `json:"creator_wallet"`
	TotalSales     int             `json:"total_sales"`
	TotalEarnings  decimal.Decimal `json:"total_earnings"`
	ActiveListings int             `json:"active_listings"`
	RecentSales    []Purchase      `json:"recent_sales"`
}

// Quote is the price a buyer was told to pay at initiation. It lives in a
// TTL cache, not in the purchase table.
type Quote struct {
	ListingID            string          `json:"listing_id"`
	BuyerWallet          string          `json:"buyer_wallet"`
	Receiver             string          `json:"receiver"`
	Amount               decimal.Decimal `json:"amount"`
	Lamports             uint64          `json:"lamports"`
	Blockhash            string          `json:"blockhash"`
	LastValidBlockHeight uint64          `json:"last_valid_block_height"`
	IssuedAt             time.Time       `json:"issued_at"`
}
