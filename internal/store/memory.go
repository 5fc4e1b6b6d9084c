package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atmx/lp-rebalancer/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and paper trading. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]*model.PositionRecord
	history    []model.PositionHistory
	properties map[string]model.Property
	deficits   []model.DeficitEntry
	profits    []model.ProfitEntry
	stats      []model.Stat
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]*model.PositionRecord),
		properties: make(map[string]model.Property),
	}
}

func (s *MemoryStore) CreateRecord(_ context.Context, rec *model.PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.PositionID]; ok {
		return fmt.Errorf("record for position %s already exists", rec.PositionID)
	}

	// Store a copy to avoid external mutation.
	c := *rec
	s.records[rec.PositionID] = &c
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, positionID string) (*model.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[positionID]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", positionID, model.ErrNotFound)
	}
	c := *rec
	return &c, nil
}

func (s *MemoryStore) ListRecords(_ context.Context) ([]model.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterRecords(func(*model.PositionRecord) bool { return true }), nil
}

func (s *MemoryStore) UpdateRecord(_ context.Context, rec *model.PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.PositionID]; !ok {
		return fmt.Errorf("record %s: %w", rec.PositionID, model.ErrNotFound)
	}
	c := *rec
	s.records[rec.PositionID] = &c
	return nil
}

func (s *MemoryStore) DeleteRecord(_ context.Context, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, positionID)
	return nil
}

func (s *MemoryStore) ListRedepositPending(_ context.Context) ([]model.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterRecords(func(r *model.PositionRecord) bool {
		return r.RedepositAttemptsRemaining > 0
	}), nil
}

// filterRecords must be called with the lock held.
func (s *MemoryStore) filterRecords(keep func(*model.PositionRecord) bool) []model.PositionRecord {
	out := make([]model.PositionRecord, 0, len(s.records))
	for _, r := range s.records {
		if keep(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].PositionID < out[j].PositionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) CreateHistory(_ context.Context, h *model.PositionHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, *h)
	return nil
}

func (s *MemoryStore) LatestHistory(_ context.Context, positionID string) (*model.PositionHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].PositionID == positionID {
			c := s.history[i]
			return &c, nil
		}
	}
	return nil, fmt.Errorf("history for position %s: %w", positionID, model.ErrNotFound)
}

func (s *MemoryStore) UpdateHistory(_ context.Context, h *model.PositionHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.history {
		if s.history[i].ID == h.ID {
			s.history[i] = *h
			return nil
		}
	}
	return fmt.Errorf("history %s: %w", h.ID, model.ErrNotFound)
}

func (s *MemoryStore) ListHistory(_ context.Context, positionID string) ([]model.PositionHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PositionHistory
	for _, h := range s.history {
		if h.PositionID == positionID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *MemoryStore) CountHistory(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.history), nil
}

func (s *MemoryStore) AverageHoldTime(_ context.Context) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total time.Duration
	var n int
	for _, h := range s.history {
		if h.Closed == nil {
			continue
		}
		total += h.Closed.Sub(h.CreatedAt)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return total / time.Duration(n), nil
}

func (s *MemoryStore) GetProperty(_ context.Context, key string) (*model.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.properties[key]
	if !ok {
		return nil, fmt.Errorf("property %s: %w", key, model.ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) SetProperty(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.properties[key] = model.Property{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) InsertDeficit(_ context.Context, e *model.DeficitEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deficits = append(s.deficits, *e)
	return nil
}

func (s *MemoryStore) ListDeficits(_ context.Context, symbol string) ([]model.DeficitEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.DeficitEntry
	for _, e := range s.deficits {
		if strings.EqualFold(e.Symbol, symbol) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertProfit(_ context.Context, e *model.ProfitEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profits = append(s.profits, *e)
	return nil
}

func (s *MemoryStore) ListProfits(_ context.Context, symbol string) ([]model.ProfitEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ProfitEntry
	for _, e := range s.profits {
		if strings.EqualFold(e.Symbol, symbol) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertStat(_ context.Context, st *model.Stat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats = append(s.stats, *st)
	return nil
}

func (s *MemoryStore) LatestStat(_ context.Context) (*model.Stat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.stats) == 0 {
		return nil, fmt.Errorf("stat: %w", model.ErrNotFound)
	}
	c := s.stats[len(s.stats)-1]
	return &c, nil
}

var _ Store = (*MemoryStore)(nil)
