// Package store defines the persistence interface for the rebalancer.
// Implementations include PostgreSQL and SQLite (source of truth), Redis
// (read-through cache), and in-memory (for testing and paper trading).
package store

import (
	"context"
	"time"

	"github.com/atmx/lp-rebalancer/internal/model"
)

// Store is the persistence interface. Lookups of a missing row return an
// error wrapping model.ErrNotFound.
type Store interface {
	// --- Position records ---

	// CreateRecord persists tracking state for a newly seen position.
	CreateRecord(ctx context.Context, rec *model.PositionRecord) error

	// GetRecord retrieves the record of a position id.
	GetRecord(ctx context.Context, positionID string) (*model.PositionRecord, error)

	// ListRecords returns every tracked position.
	ListRecords(ctx context.Context) ([]model.PositionRecord, error)

	// UpdateRecord overwrites the mutable fields of a record.
	UpdateRecord(ctx context.Context, rec *model.PositionRecord) error

	// DeleteRecord removes the record of a position that no longer exists.
	DeleteRecord(ctx context.Context, positionID string) error

	// ListRedepositPending returns records with redeposit attempts left.
	ListRedepositPending(ctx context.Context) ([]model.PositionRecord, error)

	// --- Position history ---

	// CreateHistory appends a new open history entry.
	CreateHistory(ctx context.Context, h *model.PositionHistory) error

	// LatestHistory returns the most recent entry for a position.
	LatestHistory(ctx context.Context, positionID string) (*model.PositionHistory, error)

	// UpdateHistory overwrites the mutable fields of an entry.
	UpdateHistory(ctx context.Context, h *model.PositionHistory) error

	// ListHistory returns every entry for a position, oldest first.
	ListHistory(ctx context.Context, positionID string) ([]model.PositionHistory, error)

	// CountHistory returns the number of history entries ever created.
	CountHistory(ctx context.Context) (int, error)

	// AverageHoldTime is the mean lifetime of closed positions.
	AverageHoldTime(ctx context.Context) (time.Duration, error)

	// --- Properties ---

	// GetProperty retrieves a key-value row.
	GetProperty(ctx context.Context, key string) (*model.Property, error)

	// SetProperty inserts or replaces a key-value row.
	SetProperty(ctx context.Context, key, value string) error

	// --- Audit logs ---

	// InsertDeficit appends an immutable deficit row.
	InsertDeficit(ctx context.Context, entry *model.DeficitEntry) error

	// ListDeficits returns the deficit rows of a symbol, oldest first.
	ListDeficits(ctx context.Context, symbol string) ([]model.DeficitEntry, error)

	// InsertProfit appends an immutable profit row.
	InsertProfit(ctx context.Context, entry *model.ProfitEntry) error

	// ListProfits returns the profit rows of a symbol, oldest first.
	ListProfits(ctx context.Context, symbol string) ([]model.ProfitEntry, error)

	// --- Stats ---

	// InsertStat appends an hourly snapshot.
	InsertStat(ctx context.Context, s *model.Stat) error

	// LatestStat returns the most recent snapshot.
	LatestStat(ctx context.Context) (*model.Stat, error)
}
