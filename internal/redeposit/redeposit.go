// Package redeposit decides when to harvest the fees of an open position
// and re-add them as liquidity.
//
// Harvesting is triggered by either of two rules: owed fees reaching a
// percentage of the value the position was opened with, or enough hours
// passing since the last harvest. A threshold of zero disables its rule.
// After a harvest the position's record is armed with a bounded number of
// redeposit attempts, consumed by Sweep.
package redeposit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/lp-rebalancer/internal/model"
)

// DefaultAttempts is how many redeposit attempts a harvest arms.
const DefaultAttempts = 10

// Decision reasons.
const (
	ReasonOutOfRange    = "out_of_range"
	ReasonNearBoundary  = "near_boundary"
	ReasonFeeThreshold  = "fee_threshold"
	ReasonHoursElapsed  = "hours_elapsed"
	ReasonBelowTriggers = "below_triggers"
)

var hundred = decimal.NewFromInt(100)

// Config holds the trigger thresholds.
type Config struct {
	// Percent is the owed-fee share of the entered value that triggers a
	// harvest. Zero disables the rule.
	Percent decimal.Decimal

	// Hours since the last harvest that trigger one. Zero disables the
	// rule.
	Hours decimal.Decimal

	// BoundaryGuardPercent skips positions whose price is this close to
	// either edge of the range.
	BoundaryGuardPercent decimal.Decimal

	// Attempts armed after a harvest. Defaults to DefaultAttempts.
	Attempts int
}

// Decision is the outcome of evaluating one position.
type Decision struct {
	Trigger           bool
	Reason            string
	FeesPercent       decimal.Decimal
	HoursSinceHarvest decimal.Decimal
}

// Decide evaluates the harvest rules for one position. quote is the token
// values are expressed in. It has no side effects.
func Decide(cfg Config, pos *model.Position, rec *model.PositionRecord, hist *model.PositionHistory, quote model.Token, now time.Time) Decision {
	if pos.OutOfRange() || model.StateOf(rec) == model.OutOfRange {
		return Decision{Reason: ReasonOutOfRange}
	}
	if NearBoundary(pos, cfg.BoundaryGuardPercent) {
		return Decision{Reason: ReasonNearBoundary}
	}

	d := Decision{Reason: ReasonBelowTriggers}

	if entered := hist.EnteredPriceUSD; entered.IsPositive() {
		d.FeesPercent = pos.OwedValue(quote).Div(entered).Mul(hundred)
	}

	last := now
	switch {
	case rec.LastRewardsCollected != nil:
		last = *rec.LastRewardsCollected
	case !rec.CreatedAt.IsZero():
		last = rec.CreatedAt
	}
	d.HoursSinceHarvest = decimal.NewFromFloat(now.Sub(last).Hours())

	switch {
	case cfg.Percent.IsPositive() && d.FeesPercent.GreaterThanOrEqual(cfg.Percent):
		d.Trigger, d.Reason = true, ReasonFeeThreshold
	case cfg.Hours.IsPositive() && d.HoursSinceHarvest.GreaterThanOrEqual(cfg.Hours):
		d.Trigger, d.Reason = true, ReasonHoursElapsed
	}
	return d
}

// NearBoundary reports whether the price sits within guard percent of the
// lower or upper edge of the range.
func NearBoundary(pos *model.Position, guard decimal.Decimal) bool {
	if !guard.IsPositive() || !pos.Price.IsPositive() {
		return false
	}
	below := pos.Price.Sub(pos.LowerPrice).Div(pos.Price).Mul(hundred)
	above := pos.UpperPrice.Sub(pos.Price).Div(pos.Price).Mul(hundred)
	return below.LessThan(guard) || above.LessThan(guard)
}

// Store is the persistence the scheduler needs.
type Store interface {
	GetRecord(ctx context.Context, positionID string) (*model.PositionRecord, error)
	UpdateRecord(ctx context.Context, rec *model.PositionRecord) error
	LatestHistory(ctx context.Context, positionID string) (*model.PositionHistory, error)
	ListRedepositPending(ctx context.Context) ([]model.PositionRecord, error)
}

// Collector harvests owed fees. It reports whether anything was owed.
type Collector interface {
	Collect(ctx context.Context, pos model.Position) (bool, error)
}

// Depositor re-adds wallet balances to an existing position.
type Depositor interface {
	MintOrIncrease(ctx context.Context, pos *model.Position) error
}

// Scheduler applies Decide to open positions and sweeps armed records.
type Scheduler struct {
	cfg       Config
	store     Store
	collector Collector
	depositor Depositor
	quote     model.Token
	logger    *zap.Logger
	now       func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg Config, st Store, collector Collector, depositor Depositor, quote model.Token, logger *zap.Logger) *Scheduler {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		collector: collector,
		depositor: depositor,
		quote:     quote,
		logger:    logger.Named("redeposit"),
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run evaluates every position and harvests where triggered. Failures of
// one position are logged and do not stop the others; fatal errors are
// returned immediately.
func (s *Scheduler) Run(ctx context.Context, positions []model.Position) error {
	for i := range positions {
		if err := s.evaluate(ctx, &positions[i]); err != nil {
			if model.IsFatal(err) {
				return err
			}
			s.logger.Error("redeposit check failed",
				zap.String("position_id", positions[i].ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Scheduler) evaluate(ctx context.Context, pos *model.Position) error {
	hist, err := s.store.LatestHistory(ctx, pos.ID)
	if errors.Is(err, model.ErrNotFound) {
		s.logger.Warn("no history to check for redeposit", zap.String("position_id", pos.ID))
		return nil
	}
	if err != nil {
		return err
	}
	rec, err := s.store.GetRecord(ctx, pos.ID)
	if errors.Is(err, model.ErrNotFound) {
		s.logger.Warn("no record to check for redeposit", zap.String("position_id", pos.ID))
		return nil
	}
	if err != nil {
		return err
	}

	d := Decide(s.cfg, pos, rec, hist, s.quote, s.now())
	s.logger.Debug("redeposit decision",
		zap.String("position_id", pos.ID),
		zap.Bool("trigger", d.Trigger),
		zap.String("reason", d.Reason),
		zap.Stringer("fees_percent", d.FeesPercent),
		zap.Stringer("hours_since_harvest", d.HoursSinceHarvest),
	)
	if !d.Trigger {
		return nil
	}

	s.logger.Info("harvesting fees", zap.String("position_id", pos.ID), zap.String("reason", d.Reason))
	owed, err := s.collector.Collect(ctx, *pos)
	if err != nil {
		if !owed || model.IsFatal(err) {
			return fmt.Errorf("collect %s: %w", pos.ID, err)
		}
		// The fees were harvested on chain, so they still get redeposited.
		s.logger.Error("bookkeeping after harvest failed", zap.String("position_id", pos.ID), zap.Error(err))
	}
	if !owed {
		return nil
	}

	// Collect stamped the record; reload before arming.
	rec, err = s.store.GetRecord(ctx, pos.ID)
	if err != nil {
		return err
	}
	rec.RedepositAttemptsRemaining = s.cfg.Attempts
	rec.UpdatedAt = s.now()
	return s.store.UpdateRecord(ctx, rec)
}

// Sweep makes one redeposit attempt for every armed record. The counter
// is decremented before each attempt and the depositor resets it on
// success, so a record stops being retried once it reaches zero.
func (s *Scheduler) Sweep(ctx context.Context, positions []model.Position) error {
	pending, err := s.store.ListRedepositPending(ctx)
	if err != nil {
		return fmt.Errorf("list redeposit pending: %w", err)
	}

	for i := range pending {
		rec := pending[i]
		rec.RedepositAttemptsRemaining--
		rec.UpdatedAt = s.now()
		if err := s.store.UpdateRecord(ctx, &rec); err != nil {
			s.logger.Error("failed to save redeposit counter", zap.String("position_id", rec.PositionID), zap.Error(err))
			continue
		}

		pos := find(positions, rec.PositionID)
		if pos == nil {
			s.logger.Warn("position wants redeposit but is not open", zap.String("position_id", rec.PositionID))
			continue
		}

		s.logger.Info("attempting redeposit",
			zap.String("position_id", rec.PositionID),
			zap.Int("attempts_left", rec.RedepositAttemptsRemaining),
		)
		if err := s.depositor.MintOrIncrease(ctx, pos); err != nil {
			if model.IsFatal(err) {
				return err
			}
			s.logger.Warn("redeposit attempt failed", zap.String("position_id", rec.PositionID), zap.Error(err))
		}
	}
	return nil
}

func find(positions []model.Position, id string) *model.Position {
	for i := range positions {
		if positions[i].ID == id {
			return &positions[i]
		}
	}
	return nil
}
