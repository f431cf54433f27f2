package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProjectedBalance is the display-only stock view cached per product.
type ProjectedBalance struct {
	ProductID       int64     `json:"product_id"`
	OnHand          int64     `json:"on_hand"`
	PendingInbound  int64     `json:"pending_inbound"`
	PendingOutbound int64     `json:"pending_outbound"`
	Projected       int64     `json:"projected"`
	ComputedAt      time.Time `json:"computed_at"`
}

// ErrBalanceMiss indicates the balance is not cached.
var ErrBalanceMiss = errors.New("platform/cache: balance not cached")

// BalanceCache stores projected balances in Redis with a short TTL.
// It is a read acceleration only; writes always go to the ledger.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBalanceCache constructs BalanceCache.
func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BalanceCache{client: client, ttl: ttl}
}

func balanceKey(productID int64) string {
	return fmt.Sprintf("stock:balance:%d", productID)
}

// Get returns the cached balance or ErrBalanceMiss.
func (c *BalanceCache) Get(ctx context.Context, productID int64) (ProjectedBalance, error) {
	if c == nil || c.client == nil {
		return ProjectedBalance{}, ErrBalanceMiss
	}
	raw, err := c.client.Get(ctx, balanceKey(productID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ProjectedBalance{}, ErrBalanceMiss
		}
		return ProjectedBalance{}, err
	}
	var bal ProjectedBalance
	if err := json.Unmarshal(raw, &bal); err != nil {
		return ProjectedBalance{}, err
	}
	return bal, nil
}

// Put stores the balance for the configured TTL.
func (c *BalanceCache) Put(ctx context.Context, bal ProjectedBalance) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(bal)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, balanceKey(bal.ProductID), raw, c.ttl).Err()
}

// Invalidate drops the cached balance after a stock mutation.
func (c *BalanceCache) Invalidate(ctx context.Context, productID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, balanceKey(productID)).Err()
}
