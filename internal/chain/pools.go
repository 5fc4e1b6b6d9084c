package chain

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// PoolCache memoizes pool addresses. Pools never move, so entries are
// never evicted. Token order in the key does not matter.
type PoolCache struct {
	reader Reader

	mu    sync.Mutex
	pools map[poolCacheKey]common.Address
}

// NewPoolCache creates a cache in front of reader.
func NewPoolCache(reader Reader) *PoolCache {
	return &PoolCache{
		reader: reader,
		pools:  make(map[poolCacheKey]common.Address),
	}
}

// Address returns the pool address of key, resolving it on first use.
func (c *PoolCache) Address(ctx context.Context, key PoolKey) (common.Address, error) {
	ck := key.cacheKey()

	c.mu.Lock()
	addr, ok := c.pools[ck]
	c.mu.Unlock()
	if ok {
		return addr, nil
	}

	addr, err := c.reader.PoolAddress(ctx, key.Canonical())
	if err != nil {
		return common.Address{}, err
	}

	c.mu.Lock()
	c.pools[ck] = addr
	c.mu.Unlock()
	return addr, nil
}

// Len reports the number of cached pools.
func (c *PoolCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pools)
}
