package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/photopay/payment-engine/internal/model"
)

// DefaultQuoteTTL is how long an initiation quote is honored.
const DefaultQuoteTTL = 10 * time.Minute

// QuoteCache holds the price a buyer was quoted at initiation, keyed by
// (listing, buyer). Quotes are ephemeral: a missing quote is not an error.
type QuoteCache interface {
	PutQuote(ctx context.Context, q *model.Quote) error
	// GetQuote returns ErrNotFound when no live quote exists.
	GetQuote(ctx context.Context, listingID, buyerWallet string) (*model.Quote, error)
}

// --- In-memory ---

type memoryQuote struct {
	quote   model.Quote
	expires time.Time
}

// MemoryQuoteCache is a QuoteCache for tests and single-instance deployments.
type MemoryQuoteCache struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	quotes map[string]memoryQuote
}

// NewMemoryQuoteCache creates an in-memory quote cache. A non-positive ttl
// selects DefaultQuoteTTL.
func NewMemoryQuoteCache(ttl time.Duration) *MemoryQuoteCache {
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	return &MemoryQuoteCache{
		ttl:    ttl,
		now:    time.Now,
		quotes: make(map[string]memoryQuote),
	}
}

// SetClock overrides the cache's time source.
func (c *MemoryQuoteCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *MemoryQuoteCache) PutQuote(_ context.Context, q *model.Quote) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	// Drop expired entries so abandoned initiations do not accumulate.
	for k, e := range c.quotes {
		if now.After(e.expires) {
			delete(c.quotes, k)
		}
	}
	c.quotes[quoteKey(q.ListingID, q.BuyerWallet)] = memoryQuote{quote: *q, expires: now.Add(c.ttl)}
	return nil
}

func (c *MemoryQuoteCache) GetQuote(_ context.Context, listingID, buyerWallet string) (*model.Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.quotes[quoteKey(listingID, buyerWallet)]
	if !ok || c.now().After(e.expires) {
		return nil, fmt.Errorf("quote for %s by %s: %w", listingID, buyerWallet, ErrNotFound)
	}
	q := e.quote
	return &q, nil
}

// --- Redis ---

// RedisQuoteCache shares quotes across engine instances.
type RedisQuoteCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisQuoteCache creates a Redis-backed quote cache.
func NewRedisQuoteCache(rdb *redis.Client, ttl time.Duration) *RedisQuoteCache {
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	return &RedisQuoteCache{rdb: rdb, ttl: ttl}
}

func (c *RedisQuoteCache) PutQuote(ctx context.Context, q *model.Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode quote: %w", err)
	}
	return c.rdb.Set(ctx, quoteKey(q.ListingID, q.BuyerWallet), data, c.ttl).Err()
}

func (c *RedisQuoteCache) GetQuote(ctx context.Context, listingID, buyerWallet string) (*model.Quote, error) {
	data, err := c.rdb.Get(ctx, quoteKey(listingID, buyerWallet)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("quote for %s by %s: %w", listingID, buyerWallet, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var q model.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	return &q, nil
}

func quoteKey(listingID, buyerWallet string) string {
	return fmt.Sprintf("quote:%s:%s", listingID, buyerWallet)
}
