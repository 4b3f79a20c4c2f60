package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/photopay/payment-engine/internal/model"
	"github.com/photopay/payment-engine/internal/purchase"
	"github.com/photopay/payment-engine/internal/store"
	"github.com/photopay/payment-engine/internal/verify"
)

const (
	buyer   = "23dpV9BUjy3nfriKpeiuzyhuN5Css9YyRRSjAy4Vquf9"
	creator = "FogFEoujtUb777bWsmXK2XxjXujGtFvM7fKi4XwoAJKk"
	sigA    = "3hizm34taS8t9UvpJg9oRCJ7EWYkuUHNCecrhuBZjG7L2RfqEqgApn2VsKS94Agj9UgBdgQT6HsaaFRUu7ZT44sU"
	sigB    = "2soASZVz6NaEUZtRyCbf3hAdpPAAiecRovUSi99FFw9GJGQTbdoPFaFctNx1Nzt2FzPMLj5JjBnkXJm6CGofULNX"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateUser(ctx, &model.User{WalletAddress: creator, Role: model.RoleCreator, CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateUser(ctx, &model.User{WalletAddress: buyer, Role: model.RoleBuyer, CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	for i, price := range []string{"1.5", "0.25"} {
		l := &model.Listing{
			ID:            fmt.Sprintf("listing-%d", i+1),
			Title:         fmt.Sprintf("Photo %d", i+1),
			Price:         decimal.RequireFromString(price),
			CreatorWallet: creator,
			FileURL:       fmt.Sprintf("https://cdn.example.com/%d.jpg", i+1),
			IsActive:      true,
			CreatedAt:     t0,
		}
		if err := s.CreateListing(ctx, l); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func pending(t *testing.T, s *store.MemoryStore, listingID, sig string, at time.Time) *model.Purchase {
	t.Helper()
	p := purchase.New(listingID, buyer, sig, decimal.RequireFromString("1.5"), at)
	if err := s.CreatePurchase(context.Background(), p); err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	return p
}

func confirm(t *testing.T, s *store.MemoryStore, p *model.Purchase, at time.Time) error {
	t.Helper()
	next := *p
	if _, err := purchase.Apply(&next, verify.Verified(), at); err != nil {
		t.Fatal(err)
	}
	return s.CommitTransition(context.Background(), &next)
}

func TestUsers(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	u, err := s.GetUser(ctx, buyer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Role != model.RoleBuyer {
		t.Errorf("expected buyer role, got %s", u.Role)
	}

	err = s.CreateUser(ctx, &model.User{WalletAddress: buyer, Role: model.RoleBuyer})
	if !errors.Is(err, store.ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}

	if _, err := s.GetUser(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUsers_UniqueUsername(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	name := "ansel"

	if err := s.CreateUser(ctx, &model.User{WalletAddress: buyer, Username: &name, Role: model.RoleBuyer}); err != nil {
		t.Fatal(err)
	}
	err := s.CreateUser(ctx, &model.User{WalletAddress: creator, Username: &name, Role: model.RoleCreator})
	if !errors.Is(err, store.ErrUserExists) {
		t.Errorf("expected ErrUserExists for taken username, got %v", err)
	}
}

func TestListings_UpdateIsNotShared(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	l, _ := s.GetListing(ctx, "listing-1")
	l.Price = decimal.RequireFromString("9")
	again, _ := s.GetListing(ctx, "listing-1")
	if !again.Price.Equal(decimal.RequireFromString("1.5")) {
		t.Fatal("mutating a returned listing changed the stored one")
	}

	l.IsActive = false
	if err := s.UpdateListing(ctx, l); err != nil {
		t.Fatal(err)
	}
	updated, _ := s.GetListing(ctx, "listing-1")
	if updated.IsActive || !updated.Price.Equal(decimal.RequireFromString("9")) {
		t.Errorf("update not applied: %+v", updated)
	}

	if err := s.UpdateListing(ctx, &model.Listing{ID: "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreatePurchase_DuplicateSignature(t *testing.T) {
	s := seed(t)
	pending(t, s, "listing-1", sigA, t0)

	dup := purchase.New("listing-2", buyer, sigA, decimal.RequireFromString("0.25"), t0)
	err := s.CreatePurchase(context.Background(), dup)
	if !errors.Is(err, store.ErrDuplicateSignature) {
		t.Errorf("expected ErrDuplicateSignature, got %v", err)
	}
}

func TestCreatePurchase_ConcurrentSameSignature(t *testing.T) {
	s := seed(t)
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := purchase.New("listing-1", buyer, sigA, decimal.RequireFromString("1.5"), t0)
			errs <- s.CreatePurchase(context.Background(), p)
		}()
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		switch {
		case err == nil:
			created++
		case !errors.Is(err, store.ErrDuplicateSignature):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Errorf("expected exactly 1 insert to win, got %d", created)
	}
}

func TestCommitTransition_Confirm(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	p := pending(t, s, "listing-1", sigA, t0)

	if err := confirm(t, s, p, t0.Add(time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.GetPurchaseBySignature(ctx, sigA)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusConfirmed || got.ConfirmedAt == nil {
		t.Errorf("expected confirmed with timestamp, got %+v", got)
	}

	owned, err := s.GetConfirmedPurchase(ctx, "listing-1", buyer)
	if err != nil || owned.ID != p.ID {
		t.Errorf("expected confirmed purchase %s, got %v / %v", p.ID, owned, err)
	}
}

func TestCommitTransition_StaleWhenNotPending(t *testing.T) {
	s := seed(t)
	p := pending(t, s, "listing-1", sigA, t0)
	if err := confirm(t, s, p, t0); err != nil {
		t.Fatal(err)
	}

	failed := *p
	purchase.Apply(&failed, verify.Rejected(verify.ReasonNoMatchingTransfer), t0)
	err := s.CommitTransition(context.Background(), &failed)
	if !errors.Is(err, store.ErrStaleTransition) {
		t.Errorf("expected ErrStaleTransition, got %v", err)
	}
}

func TestMemoryStore_RejectsInconsistentRecords(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	stamped := purchase.New("listing-2", buyer, sigB, decimal.RequireFromString("0.25"), t0)
	stamped.ConfirmedAt = &t0
	if err := s.CreatePurchase(ctx, stamped); err == nil {
		t.Error("expected pending purchase with confirmed_at to be rejected")
	}
	if _, err := s.GetPurchaseBySignature(ctx, sigB); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rejected purchase must not be stored, got %v", err)
	}

	p := pending(t, s, "listing-1", sigA, t0)
	next := *p
	next.Status = model.StatusConfirmed
	if err := s.CommitTransition(ctx, &next); err == nil {
		t.Fatal("expected confirmation without confirmed_at to be rejected")
	}
	got, err := s.GetPurchaseBySignature(ctx, sigA)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("expected purchase to stay pending, got %s", got.Status)
	}
	if _, err := s.GetConfirmedPurchase(ctx, "listing-1", buyer); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("listing must not be owned after a rejected commit, got %v", err)
	}
}

func TestCommitTransition_AlreadyOwned(t *testing.T) {
	s := seed(t)
	first := pending(t, s, "listing-1", sigA, t0)
	second := pending(t, s, "listing-1", sigB, t0.Add(time.Second))

	if err := confirm(t, s, first, t0); err != nil {
		t.Fatal(err)
	}
	if err := confirm(t, s, second, t0); !errors.Is(err, store.ErrAlreadyOwned) {
		t.Fatalf("expected ErrAlreadyOwned, got %v", err)
	}

	// The losing record is untouched and can still be superseded.
	got, _ := s.GetPurchaseBySignature(context.Background(), sigB)
	if got.Status != model.StatusPending {
		t.Errorf("expected losing purchase to stay pending, got %s", got.Status)
	}
	if err := purchase.Supersede(got); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitTransition(context.Background(), got); err != nil {
		t.Errorf("failing a superseded purchase should commit, got %v", err)
	}
}

func TestCommitTransition_ConcurrentSiblings(t *testing.T) {
	s := seed(t)
	sigs := []string{sigA, sigB,
		"2RF3ugPdKMojzm2TzjYTL5x8zvFuUMQcJyK3utdX5Z7hRKmcKZjRR76nznazgtcFwr1r2os67PN1CXHF6eHNass7",
		"3AQaVpvJWvsJAZSJpecnq7Qg2dPZdfGSehx315rYjEQNiYQUGguwj4ixeyUQphqA2ZiixQRuFKF8AsBKVF4cTcUR",
	}
	var ps []*model.Purchase
	for _, sig := range sigs {
		ps = append(ps, pending(t, s, "listing-1", sig, t0))
	}

	var wg sync.WaitGroup
	results := make(chan error, len(ps))
	for _, p := range ps {
		wg.Add(1)
		go func(p *model.Purchase) {
			defer wg.Done()
			next := *p
			purchase.Apply(&next, verify.Verified(), t0)
			results <- s.CommitTransition(context.Background(), &next)
		}(p)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, store.ErrAlreadyOwned) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one confirmation, got %d", wins)
	}
}

func TestListPurchasesByBuyer_NewestFirstAndPaged(t *testing.T) {
	s := seed(t)
	pending(t, s, "listing-1", sigA, t0)
	pending(t, s, "listing-2", sigB, t0.Add(time.Minute))

	all, err := s.ListPurchasesByBuyer(context.Background(), buyer, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].TransactionSignature != sigB {
		t.Fatalf("expected newest first, got %+v", all)
	}

	second, _ := s.ListPurchasesByBuyer(context.Background(), buyer, 1, 1)
	if len(second) != 1 || second[0].TransactionSignature != sigA {
		t.Errorf("unexpected second page %+v", second)
	}

	beyond, _ := s.ListPurchasesByBuyer(context.Background(), buyer, 5, 10)
	if beyond == nil || len(beyond) != 0 {
		t.Errorf("expected empty non-nil page, got %#v", beyond)
	}
}

func TestListUnlocked(t *testing.T) {
	s := seed(t)
	p := pending(t, s, "listing-1", sigA, t0)
	pending(t, s, "listing-2", sigB, t0)
	confirm(t, s, p, t0.Add(time.Second))

	unlocked, err := s.ListUnlocked(context.Background(), buyer)
	if err != nil {
		t.Fatal(err)
	}
	if len(unlocked) != 1 || unlocked[0].ListingID != "listing-1" {
		t.Fatalf("expected only the confirmed listing, got %+v", unlocked)
	}
	if unlocked[0].FileURL == "" || !unlocked[0].PurchasedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("unexpected unlocked content %+v", unlocked[0])
	}
}

func TestGetCreatorStats(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	p := pending(t, s, "listing-1", sigA, t0)
	confirm(t, s, p, t0)
	pending(t, s, "listing-2", sigB, t0) // pending sales do not count

	l, _ := s.GetListing(ctx, "listing-2")
	l.IsActive = false
	s.UpdateListing(ctx, l)

	stats, err := s.GetCreatorStats(ctx, creator)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalSales != 1 {
		t.Errorf("expected 1 sale, got %d", stats.TotalSales)
	}
	if !stats.TotalEarnings.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("expected earnings 1.5, got %s", stats.TotalEarnings)
	}
	if stats.ActiveListings != 1 {
		t.Errorf("expected 1 active listing, got %d", stats.ActiveListings)
	}
	if len(stats.RecentSales) != 1 || stats.RecentSales[0].TransactionSignature != sigA {
		t.Errorf("unexpected recent sales %+v", stats.RecentSales)
	}

	empty, _ := s.GetCreatorStats(ctx, buyer)
	if empty.TotalSales != 0 || empty.RecentSales == nil {
		t.Errorf("expected empty stats with non-nil sales, got %+v", empty)
	}
}

func TestMemoryQuoteCache_Expiry(t *testing.T) {
	c := store.NewMemoryQuoteCache(time.Minute)
	now := t0
	c.SetClock(func() time.Time { return now })
	ctx := context.Background()

	q := &model.Quote{ListingID: "listing-1", BuyerWallet: buyer, Receiver: creator, Amount: decimal.RequireFromString("1.5")}
	if err := c.PutQuote(ctx, q); err != nil {
		t.Fatal(err)
	}

	got, err := c.GetQuote(ctx, "listing-1", buyer)
	if err != nil || !got.Amount.Equal(q.Amount) {
		t.Fatalf("expected live quote, got %v / %v", got, err)
	}
	if _, err := c.GetQuote(ctx, "listing-1", creator); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("quotes are per buyer, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.GetQuote(ctx, "listing-1", buyer); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected expired quote to be gone, got %v", err)
	}
}
