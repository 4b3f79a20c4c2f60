package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/photopay/payment-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only records that cannot go stale without a write through this wrapper
// are cached: users and confirmed purchases (terminal). Listings are edited
// by the catalog service directly in the primary, so listing reads, pending
// purchases and ownership checks always hit the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.cache(ctx, userKey(u.WalletAddress), u)
	return nil
}

func (s *CachedStore) CreatePurchase(ctx context.Context, p *model.Purchase) error {
	if err := s.primary.CreatePurchase(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, historyKey(p.BuyerWallet))
	return nil
}

func (s *CachedStore) CommitTransition(ctx context.Context, p *model.Purchase) error {
	if err := s.primary.CommitTransition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, purchaseKey(p.TransactionSignature), historyKey(p.BuyerWallet))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, wallet string) (*model.User, error) {
	var u model.User
	if s.lookup(ctx, userKey(wallet), &u) {
		return &u, nil
	}

	// Cache miss: read from primary.
	user, err := s.primary.GetUser(ctx, wallet)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, userKey(wallet), user)
	return user, nil
}

func (s *CachedStore) GetPurchaseBySignature(ctx context.Context, signature string) (*model.Purchase, error) {
	var p model.Purchase
	if s.lookup(ctx, purchaseKey(signature), &p) {
		return &p, nil
	}

	purchase, err := s.primary.GetPurchaseBySignature(ctx, signature)
	if err != nil {
		return nil, err
	}
	if purchase.Status == model.StatusConfirmed {
		s.cache(ctx, purchaseKey(signature), purchase)
	}
	return purchase, nil
}

func (s *CachedStore) ListPurchasesByBuyer(ctx context.Context, wallet string, offset, limit int) ([]model.Purchase, error) {
	// Only the first page is cached; it is the one the purchase screen polls.
	if offset != 0 {
		return s.primary.ListPurchasesByBuyer(ctx, wallet, offset, limit)
	}
	key := historyKey(wallet)
	field := fmt.Sprintf("%d", limit)
	if data, err := s.rdb.HGet(ctx, key, field).Bytes(); err == nil {
		var purchases []model.Purchase
		if json.Unmarshal(data, &purchases) == nil {
			return purchases, nil
		}
	}

	purchases, err := s.primary.ListPurchasesByBuyer(ctx, wallet, offset, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(purchases); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, key, field, data)
		pipe.Expire(ctx, key, s.ttl)
		pipe.Exec(ctx)
	}
	return purchases, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateListing(ctx context.Context, l *model.Listing) error {
	return s.primary.CreateListing(ctx, l)
}

func (s *CachedStore) UpdateListing(ctx context.Context, l *model.Listing) error {
	return s.primary.UpdateListing(ctx, l)
}

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	return s.primary.GetListing(ctx, id)
}

func (s *CachedStore) GetConfirmedPurchase(ctx context.Context, listingID, buyerWallet string) (*model.Purchase, error) {
	return s.primary.GetConfirmedPurchase(ctx, listingID, buyerWallet)
}

func (s *CachedStore) ListUnlocked(ctx context.Context, wallet string) ([]model.UnlockedContent, error) {
	return s.primary.ListUnlocked(ctx, wallet)
}

func (s *CachedStore) GetCreatorStats(ctx context.Context, wallet string) (*model.CreatorStats, error) {
	return s.primary.GetCreatorStats(ctx, wallet)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func userKey(wallet string) string    { return fmt.Sprintf("user:%s", wallet) }
func purchaseKey(sig string) string   { return fmt.Sprintf("purchase:%s", sig) }
func historyKey(wallet string) string { return fmt.Sprintf("history:%s", wallet) }
