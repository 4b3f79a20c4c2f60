package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/photopay/payment-engine/internal/model"
	"github.com/photopay/payment-engine/internal/purchase"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Every write takes the exclusive lock, so the signature and ownership
// checks are atomic with the write they guard.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*model.User
	listings    map[string]*model.Listing
	purchases   map[string]*model.Purchase // by id
	bySignature map[string]string          // signature -> purchase id
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*model.User),
		listings:    make(map[string]*model.Listing),
		purchases:   make(map[string]*model.Purchase),
		bySignature: make(map[string]string),
	}
}

func (s *MemoryStore) GetUser(_ context.Context, wallet string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[wallet]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", wallet, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.WalletAddress]; ok {
		return fmt.Errorf("user %s: %w", u.WalletAddress, ErrUserExists)
	}
	if u.Username != nil {
		for _, existing := range s.users {
			if existing.Username != nil && *existing.Username == *u.Username {
				return fmt.Errorf("username %s: %w", *u.Username, ErrUserExists)
			}
		}
	}

	// Store a copy to avoid external mutation.
	copy := *u
	s.users[u.WalletAddress] = &copy
	return nil
}

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[l.ID]; ok {
		return fmt.Errorf("listing %s: %w", l.ID, ErrListingExists)
	}
	copy := *l
	s.listings[l.ID] = &copy
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) UpdateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.listings[l.ID]
	if !ok {
		return fmt.Errorf("listing %s: %w", l.ID, ErrNotFound)
	}
	existing.Title = l.Title
	existing.Description = l.Description
	existing.Price = l.Price
	existing.FileURL = l.FileURL
	existing.IsActive = l.IsActive
	return nil
}

func (s *MemoryStore) CreatePurchase(_ context.Context, p *model.Purchase) error {
	if err := purchase.Check(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bySignature[p.TransactionSignature]; ok {
		return fmt.Errorf("purchase %s: %w", p.TransactionSignature, ErrDuplicateSignature)
	}
	s.purchases[p.ID] = clonePurchase(p)
	s.bySignature[p.TransactionSignature] = p.ID
	return nil
}

func (s *MemoryStore) GetPurchaseBySignature(_ context.Context, signature string) (*model.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySignature[signature]
	if !ok {
		return nil, fmt.Errorf("purchase %s: %w", signature, ErrNotFound)
	}
	return clonePurchase(s.purchases[id]), nil
}

func (s *MemoryStore) GetConfirmedPurchase(_ context.Context, listingID, buyerWallet string) (*model.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p := s.confirmedLocked(listingID, buyerWallet, ""); p != nil {
		return clonePurchase(p), nil
	}
	return nil, fmt.Errorf("confirmed purchase of %s by %s: %w", listingID, buyerWallet, ErrNotFound)
}

func (s *MemoryStore) CommitTransition(_ context.Context, p *model.Purchase) error {
	if err := purchase.Check(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.purchases[p.ID]
	if !ok {
		return fmt.Errorf("purchase %s: %w", p.ID, ErrNotFound)
	}
	if current.Status != model.StatusPending {
		return fmt.Errorf("purchase %s is %s: %w", p.ID, current.Status, ErrStaleTransition)
	}
	if p.Status == model.StatusConfirmed {
		if s.confirmedLocked(current.ListingID, current.BuyerWallet, current.ID) != nil {
			return fmt.Errorf("listing %s for %s: %w", current.ListingID, current.BuyerWallet, ErrAlreadyOwned)
		}
	}

	current.Status = p.Status
	current.FailureReason = p.FailureReason
	current.ConfirmedAt = nil
	if p.ConfirmedAt != nil {
		ts := *p.ConfirmedAt
		current.ConfirmedAt = &ts
	}
	return nil
}

func (s *MemoryStore) ListPurchasesByBuyer(_ context.Context, wallet string, offset, limit int) ([]model.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Purchase
	for _, p := range s.purchases {
		if p.BuyerWallet == wallet {
			result = append(result, *clonePurchase(p))
		}
	}
	sortNewestFirst(result)
	return page(result, offset, limit), nil
}

func (s *MemoryStore) ListUnlocked(_ context.Context, wallet string) ([]model.UnlockedContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var confirmed []model.Purchase
	for _, p := range s.purchases {
		if p.BuyerWallet == wallet && p.Status == model.StatusConfirmed {
			confirmed = append(confirmed, *p)
		}
	}
	sortNewestFirst(confirmed)

	result := make([]model.UnlockedContent, 0, len(confirmed))
	for _, p := range confirmed {
		l, ok := s.listings[p.ListingID]
		if !ok {
			continue
		}
		result = append(result, model.UnlockedContent{
			ListingID:   l.ID,
			Title:       l.Title,
			FileURL:     l.FileURL,
			PurchasedAt: *p.ConfirmedAt,
		})
	}
	return result, nil
}

func (s *MemoryStore) GetCreatorStats(_ context.Context, wallet string) (*model.CreatorStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &model.CreatorStats{
		CreatorWallet: wallet,
		TotalEarnings: decimal.Zero,
		RecentSales:   []model.Purchase{},
	}

	owned := make(map[string]bool)
	for _, l := range s.listings {
		if l.CreatorWallet != wallet {
			continue
		}
		owned[l.ID] = true
		if l.IsActive {
			stats.ActiveListings++
		}
	}

	var sales []model.Purchase
	for _, p := range s.purchases {
		if owned[p.ListingID] && p.Status == model.StatusConfirmed {
			stats.TotalSales++
			stats.TotalEarnings = stats.TotalEarnings.Add(p.Amount)
			sales = append(sales, *clonePurchase(p))
		}
	}
	sort.Slice(sales, func(i, j int) bool {
		if !sales[i].ConfirmedAt.Equal(*sales[j].ConfirmedAt) {
			return sales[i].ConfirmedAt.After(*sales[j].ConfirmedAt)
		}
		return sales[i].ID > sales[j].ID
	})
	stats.RecentSales = append(stats.RecentSales, page(sales, 0, RecentSalesLimit)...)
	return stats, nil
}

// confirmedLocked finds a confirmed purchase for (listing, buyer) other than
// exclude. Caller holds the lock.
func (s *MemoryStore) confirmedLocked(listingID, buyerWallet, exclude string) *model.Purchase {
	for _, p := range s.purchases {
		if p.ID != exclude && p.ListingID == listingID && p.BuyerWallet == buyerWallet &&
			p.Status == model.StatusConfirmed {
			return p
		}
	}
	return nil
}

func clonePurchase(p *model.Purchase) *model.Purchase {
	copy := *p
	if p.ConfirmedAt != nil {
		ts := *p.ConfirmedAt
		copy.ConfirmedAt = &ts
	}
	return &copy
}

func sortNewestFirst(ps []model.Purchase) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].RequestedAt.Equal(ps[j].RequestedAt) {
			return ps[i].RequestedAt.After(ps[j].RequestedAt)
		}
		return ps[i].ID > ps[j].ID
	})
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
