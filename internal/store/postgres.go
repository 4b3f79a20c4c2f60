package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/photopay/payment-engine/internal/model"
	"github.com/photopay/payment-engine/internal/purchase"
)

//go:embed schema.sql
var schemaSQL string

// Constraint names from schema.sql that map to domain errors.
const (
	constraintSignature     = "purchases_transaction_signature_key"
	constraintOneConfirmed  = "purchases_one_confirmed_per_owner"
	pgUniqueViolation       = "23505"
	purchaseColumns         = `id, listing_id, buyer_wallet, transaction_signature, amount::TEXT, status, failure_reason, requested_at, confirmed_at`
	purchaseColumnsPrefixed = `p.id, p.listing_id, p.buyer_wallet, p.transaction_signature, p.amount::TEXT, p.status, p.failure_reason, p.requested_at, p.confirmed_at`
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables, constraints and indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// --- Identity ---

func (s *PostgresStore) GetUser(ctx context.Context, wallet string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT wallet_address, username, role, created_at FROM users WHERE wallet_address = $1`, wallet).
		Scan(&u.WalletAddress, &u.Username, &u.Role, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user %s", wallet)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (wallet_address, username, role, created_at) VALUES ($1, $2, $3, $4)`,
		u.WalletAddress, u.Username, u.Role, u.CreatedAt,
	)
	if _, ok := uniqueViolation(err); ok {
		return fmt.Errorf("user %s: %w", u.WalletAddress, ErrUserExists)
	}
	return err
}

// --- Listings ---

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listings (id, title, description, price, creator_wallet, file_url, is_active, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)`,
		l.ID, l.Title, l.Description, l.Price.String(), l.CreatorWallet, l.FileURL, l.IsActive, l.CreatedAt,
	)
	if _, ok := uniqueViolation(err); ok {
		return fmt.Errorf("listing %s: %w", l.ID, ErrListingExists)
	}
	return err
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	var l model.Listing
	var price string

	err := s.pool.QueryRow(ctx,
		`SELECT id, title, description, price::TEXT, creator_wallet, file_url, is_active, created_at
		 FROM listings WHERE id = $1`, id).
		Scan(&l.ID, &l.Title, &l.Description, &price, &l.CreatorWallet, &l.FileURL, &l.IsActive, &l.CreatedAt)
	if err != nil {
		return nil, notFound(err, "listing %s", id)
	}

	l.Price, _ = decimal.NewFromString(price)
	l.CreatedAt = l.CreatedAt.UTC()
	return &l, nil
}

func (s *PostgresStore) UpdateListing(ctx context.Context, l *model.Listing) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings
		 SET title = $2, description = $3, price = $4::NUMERIC, file_url = $5, is_active = $6
		 WHERE id = $1`,
		l.ID, l.Title, l.Description, l.Price.String(), l.FileURL, l.IsActive,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %s: %w", l.ID, ErrNotFound)
	}
	return nil
}

// --- Purchases ---

func (s *PostgresStore) CreatePurchase(ctx context.Context, p *model.Purchase) error {
	if err := purchase.Check(p); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO purchases (id, listing_id, buyer_wallet, transaction_signature, amount, status, failure_reason, requested_at, confirmed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9)`,
		p.ID, p.ListingID, p.BuyerWallet, p.TransactionSignature,
		p.Amount.String(), p.Status, p.FailureReason, p.RequestedAt, p.ConfirmedAt,
	)
	if constraint, ok := uniqueViolation(err); ok && constraint == constraintSignature {
		return fmt.Errorf("purchase %s: %w", p.TransactionSignature, ErrDuplicateSignature)
	}
	return err
}

func (s *PostgresStore) GetPurchaseBySignature(ctx context.Context, signature string) (*model.Purchase, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE transaction_signature = $1`, signature)
	p, err := scanPurchase(row)
	if err != nil {
		return nil, notFound(err, "purchase %s", signature)
	}
	return p, nil
}

func (s *PostgresStore) GetConfirmedPurchase(ctx context.Context, listingID, buyerWallet string) (*model.Purchase, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM purchases
		 WHERE listing_id = $1 AND buyer_wallet = $2 AND status = 'confirmed'`, listingID, buyerWallet)
	p, err := scanPurchase(row)
	if err != nil {
		return nil, notFound(err, "confirmed purchase of %s by %s", listingID, buyerWallet)
	}
	return p, nil
}

// CommitTransition locks the purchase row, re-checks that it is pending and
// that no sibling is confirmed, then writes the transition. The partial
// unique index catches siblings confirmed concurrently in another row.
func (s *PostgresStore) CommitTransition(ctx context.Context, p *model.Purchase) error {
	if err := purchase.Check(p); err != nil {
		return err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var status model.PurchaseStatus
	var listingID, buyer string
	err = tx.QueryRow(ctx,
		`SELECT status, listing_id, buyer_wallet FROM purchases WHERE id = $1 FOR UPDATE`, p.ID).
		Scan(&status, &listingID, &buyer)
	if err != nil {
		return notFound(err, "purchase %s", p.ID)
	}
	if status != model.StatusPending {
		return fmt.Errorf("purchase %s is %s: %w", p.ID, status, ErrStaleTransition)
	}

	if p.Status == model.StatusConfirmed {
		var owned bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM purchases
			  WHERE listing_id = $1 AND buyer_wallet = $2 AND status = 'confirmed' AND id <> $3)`,
			listingID, buyer, p.ID).Scan(&owned)
		if err != nil {
			return fmt.Errorf("ownership check failed: %w", err)
		}
		if owned {
			return fmt.Errorf("listing %s for %s: %w", listingID, buyer, ErrAlreadyOwned)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE purchases SET status = $2, failure_reason = $3, confirmed_at = $4 WHERE id = $1`,
		p.ID, p.Status, p.FailureReason, p.ConfirmedAt,
	)
	if constraint, ok := uniqueViolation(err); ok && constraint == constraintOneConfirmed {
		return fmt.Errorf("listing %s for %s: %w", listingID, buyer, ErrAlreadyOwned)
	}
	if err != nil {
		return fmt.Errorf("transition update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPurchasesByBuyer(ctx context.Context, wallet string, offset, limit int) ([]model.Purchase, error) {
	// LIMIT NULL is no limit.
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+purchaseColumns+` FROM purchases
		 WHERE buyer_wallet = $1
		 ORDER BY requested_at DESC, id DESC
		 OFFSET $2 LIMIT $3`, wallet, max(offset, 0), lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPurchases(rows)
}

func (s *PostgresStore) ListUnlocked(ctx context.Context, wallet string) ([]model.UnlockedContent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT l.id, l.title, l.file_url, p.confirmed_at
		 FROM purchases p
		 JOIN listings l ON l.id = p.listing_id
		 WHERE p.buyer_wallet = $1 AND p.status = 'confirmed'
		 ORDER BY p.requested_at DESC, p.id DESC`, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []model.UnlockedContent{}
	for rows.Next() {
		var u model.UnlockedContent
		if err := rows.Scan(&u.ListingID, &u.Title, &u.FileURL, &u.PurchasedAt); err != nil {
			return nil, err
		}
		u.PurchasedAt = u.PurchasedAt.UTC()
		result = append(result, u)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetCreatorStats(ctx context.Context, wallet string) (*model.CreatorStats, error) {
	stats := &model.CreatorStats{CreatorWallet: wallet}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE is_active) FROM listings WHERE creator_wallet = $1`, wallet).
		Scan(&stats.ActiveListings)
	if err != nil {
		return nil, fmt.Errorf("count listings: %w", err)
	}

	var earnings string
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(p.id), COALESCE(SUM(p.amount), 0)::TEXT
		 FROM purchases p
		 JOIN listings l ON l.id = p.listing_id
		 WHERE l.creator_wallet = $1 AND p.status = 'confirmed'`, wallet).
		Scan(&stats.TotalSales, &earnings)
	if err != nil {
		return nil, fmt.Errorf("aggregate sales: %w", err)
	}
	stats.TotalEarnings, _ = decimal.NewFromString(earnings)

	rows, err := s.pool.Query(ctx,
		`SELECT `+purchaseColumnsPrefixed+`
		 FROM purchases p
		 JOIN listings l ON l.id = p.listing_id
		 WHERE l.creator_wallet = $1 AND p.status = 'confirmed'
		 ORDER BY p.confirmed_at DESC, p.id DESC
		 LIMIT $2`, wallet, RecentSalesLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats.RecentSales, err = scanPurchases(rows)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// --- Helpers ---

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (*model.Purchase, error) {
	var p model.Purchase
	var amount string

	if err := row.Scan(&p.ID, &p.ListingID, &p.BuyerWallet, &p.TransactionSignature,
		&amount, &p.Status, &p.FailureReason, &p.RequestedAt, &p.ConfirmedAt); err != nil {
		return nil, err
	}

	p.Amount, _ = decimal.NewFromString(amount)
	p.RequestedAt = p.RequestedAt.UTC()
	if p.ConfirmedAt != nil {
		ts := p.ConfirmedAt.UTC()
		p.ConfirmedAt = &ts
	}
	return &p, nil
}

func scanPurchases(rows pgx.Rows) ([]model.Purchase, error) {
	result := []model.Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func notFound(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

// uniqueViolation reports the violated constraint for a 23505 error.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}
