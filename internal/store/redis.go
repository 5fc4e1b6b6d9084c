package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/lp-rebalancer/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// properties and position records, the two rows read on every cycle.
// Writes go to the primary store and invalidate the cache; reads check
// Redis first then fall back to the primary.
//
// A key whose invalidation failed is marked dirty. Dirty keys are read
// from the primary, and the delete is retried on every read until it
// succeeds, so a stale cached counter is never read back.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration

	mu    sync.Mutex
	dirty map[string]struct{}
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		dirty:   make(map[string]struct{}),
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateRecord(ctx context.Context, rec *model.PositionRecord) error {
	if err := s.primary.CreateRecord(ctx, rec); err != nil {
		return err
	}
	s.cache(ctx, recordKey(rec.PositionID), rec)
	return nil
}

func (s *CachedStore) UpdateRecord(ctx context.Context, rec *model.PositionRecord) error {
	if err := s.primary.UpdateRecord(ctx, rec); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	return s.invalidate(ctx, recordKey(rec.PositionID))
}

func (s *CachedStore) DeleteRecord(ctx context.Context, positionID string) error {
	if err := s.primary.DeleteRecord(ctx, positionID); err != nil {
		return err
	}
	return s.invalidate(ctx, recordKey(positionID))
}

func (s *CachedStore) SetProperty(ctx context.Context, key, value string) error {
	if err := s.primary.SetProperty(ctx, key, value); err != nil {
		return err
	}
	return s.invalidate(ctx, propertyKey(key))
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRecord(ctx context.Context, positionID string) (*model.PositionRecord, error) {
	key := recordKey(positionID)
	clean := s.clean(ctx, key)
	if clean {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err == nil {
			var rec model.PositionRecord
			if json.Unmarshal(data, &rec) == nil {
				return &rec, nil
			}
		}
	}

	// Cache miss: read from primary.
	rec, err := s.primary.GetRecord(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if clean {
		s.cache(ctx, key, rec)
	}
	return rec, nil
}

func (s *CachedStore) GetProperty(ctx context.Context, key string) (*model.Property, error) {
	ck := propertyKey(key)
	clean := s.clean(ctx, ck)
	if clean {
		data, err := s.rdb.Get(ctx, ck).Bytes()
		if err == nil {
			var p model.Property
			if json.Unmarshal(data, &p) == nil {
				return &p, nil
			}
		}
	}

	p, err := s.primary.GetProperty(ctx, key)
	if err != nil {
		return nil, err
	}
	if clean {
		s.cache(ctx, ck, p)
	}
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRecords(ctx context.Context) ([]model.PositionRecord, error) {
	return s.primary.ListRecords(ctx)
}

func (s *CachedStore) ListRedepositPending(ctx context.Context) ([]model.PositionRecord, error) {
	return s.primary.ListRedepositPending(ctx)
}

func (s *CachedStore) CreateHistory(ctx context.Context, h *model.PositionHistory) error {
	return s.primary.CreateHistory(ctx, h)
}

func (s *CachedStore) LatestHistory(ctx context.Context, positionID string) (*model.PositionHistory, error) {
	return s.primary.LatestHistory(ctx, positionID)
}

func (s *CachedStore) UpdateHistory(ctx context.Context, h *model.PositionHistory) error {
	return s.primary.UpdateHistory(ctx, h)
}

func (s *CachedStore) ListHistory(ctx context.Context, positionID string) ([]model.PositionHistory, error) {
	return s.primary.ListHistory(ctx, positionID)
}

func (s *CachedStore) CountHistory(ctx context.Context) (int, error) {
	return s.primary.CountHistory(ctx)
}

func (s *CachedStore) AverageHoldTime(ctx context.Context) (time.Duration, error) {
	return s.primary.AverageHoldTime(ctx)
}

func (s *CachedStore) InsertDeficit(ctx context.Context, e *model.DeficitEntry) error {
	return s.primary.InsertDeficit(ctx, e)
}

func (s *CachedStore) ListDeficits(ctx context.Context, symbol string) ([]model.DeficitEntry, error) {
	return s.primary.ListDeficits(ctx, symbol)
}

func (s *CachedStore) InsertProfit(ctx context.Context, e *model.ProfitEntry) error {
	return s.primary.InsertProfit(ctx, e)
}

func (s *CachedStore) ListProfits(ctx context.Context, symbol string) ([]model.ProfitEntry, error) {
	return s.primary.ListProfits(ctx, symbol)
}

func (s *CachedStore) InsertStat(ctx context.Context, st *model.Stat) error {
	return s.primary.InsertStat(ctx, st)
}

func (s *CachedStore) LatestStat(ctx context.Context) (*model.Stat, error) {
	return s.primary.LatestStat(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// invalidate drops key from the cache. On failure the key is marked dirty
// and the error is returned; the primary write has already happened.
func (s *CachedStore) invalidate(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		s.mu.Lock()
		s.dirty[key] = struct{}{}
		s.mu.Unlock()
		return fmt.Errorf("invalidate cache %s: %w", key, err)
	}
	s.mu.Lock()
	delete(s.dirty, key)
	s.mu.Unlock()
	return nil
}

// clean reports whether key may be served from the cache, retrying the
// invalidation of a dirty key first.
func (s *CachedStore) clean(ctx context.Context, key string) bool {
	s.mu.Lock()
	_, dirty := s.dirty[key]
	s.mu.Unlock()
	if !dirty {
		return true
	}
	return s.invalidate(ctx, key) == nil
}

func recordKey(id string) string { return fmt.Sprintf("lprb:record:%s", id) }
func propertyKey(k string) string { return fmt.Sprintf("lprb:property:%s", k) }

var _ Store = (*CachedStore)(nil)
