// Package engine drives the rebalancing cycle: it reads live positions,
// reconciles them with persisted tracking state, closes positions that
// have been out of range for too long, harvests fees and keeps one
// position open at all times.
//
// Every mutating operation runs on the serial queue. The engine itself
// holds no lock around chain or store calls; only the snapshot of open
// positions served to the status API is guarded.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/lp-rebalancer/internal/chain"
	"github.com/atmx/lp-rebalancer/internal/ledger"
	"github.com/atmx/lp-rebalancer/internal/metrics"
	"github.com/atmx/lp-rebalancer/internal/model"
	"github.com/atmx/lp-rebalancer/internal/notify"
	"github.com/atmx/lp-rebalancer/internal/queue"
	"github.com/atmx/lp-rebalancer/internal/redeposit"
	"github.com/atmx/lp-rebalancer/internal/store"
)

// Config holds the strategy parameters of one engine.
type Config struct {
	// Base and Quote form the managed pair. Values reported in "USD" are
	// quote token amounts.
	Base  model.Token
	Quote model.Token
	Fee   uint32

	// WrappedNative is the ERC-20 wrapper of the gas coin. Gas deficits
	// are booked under its symbol.
	WrappedNative model.Token

	TickInterval      time.Duration
	Tolerance         time.Duration
	HeartbeatInterval time.Duration
	ReadConcurrency   int

	RangePercent      decimal.Decimal
	TakeProfitPercent decimal.Decimal
	MinDepositUSD     decimal.Decimal

	DepositSlippage  decimal.Decimal
	SwapSlippage     decimal.Decimal
	WithdrawSlippage decimal.Decimal

	GasMinReserve decimal.Decimal
	GasMaxReserve decimal.Decimal

	Redeposit redeposit.Config
}

// DefaultConfig returns the production defaults for a pair.
func DefaultConfig(base, quote, wrappedNative model.Token, fee uint32) Config {
	return Config{
		Base:              base,
		Quote:             quote,
		Fee:               fee,
		WrappedNative:     wrappedNative,
		TickInterval:      time.Minute,
		Tolerance:         5 * time.Minute,
		HeartbeatInterval: time.Hour,
		ReadConcurrency:   5,
		RangePercent:      decimal.NewFromInt(10),
		TakeProfitPercent: decimal.NewFromInt(50),
		MinDepositUSD:     decimal.NewFromInt(5),
		DepositSlippage:   decimal.NewFromInt(3),
		SwapSlippage:      decimal.NewFromInt(1),
		WithdrawSlippage:  decimal.NewFromInt(3),
		GasMinReserve:     decimal.RequireFromString("0.005"),
		GasMaxReserve:     decimal.RequireFromString("0.01"),
		Redeposit: redeposit.Config{
			Percent:  decimal.NewFromInt(1),
			Attempts: redeposit.DefaultAttempts,
		},
	}
}

// Deps are the collaborators of an engine.
type Deps struct {
	Chain    chain.Client
	Tx       *chain.TxService
	Store    store.Store
	Ledger   *ledger.Account
	Notifier notify.Notifier
	Queue    *queue.Queue
}

// Engine is the rebalancing engine.
type Engine struct {
	cfg       Config
	chain     chain.Client
	tx        *chain.TxService
	pools     *chain.PoolCache
	store     store.Store
	ledger    *ledger.Account
	notify    *notify.Best
	queue     *queue.Queue
	redeposit *redeposit.Scheduler
	logger    *zap.Logger
	now       func() time.Time

	fatal        chan error
	cyclePending atomic.Bool

	mu   sync.RWMutex
	open []model.Position
}

// New creates an engine. The queue must be started by the caller.
func New(cfg Config, deps Deps, logger *zap.Logger) *Engine {
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = 5
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Hour
	}

	logger = logger.Named("engine")
	e := &Engine{
		cfg:    cfg,
		chain:  deps.Chain,
		tx:     deps.Tx,
		pools:  chain.NewPoolCache(deps.Chain),
		store:  deps.Store,
		ledger: deps.Ledger,
		notify: notify.NewBest(deps.Notifier, logger),
		queue:  deps.Queue,
		logger: logger,
		now:    time.Now,
		fatal:  make(chan error, 1),
	}
	e.redeposit = redeposit.NewScheduler(cfg.Redeposit, deps.Store, e, e, cfg.Quote, logger)
	return e
}

// SetClock overrides the time source of the engine and its scheduler.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.redeposit.SetClock(now)
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// ReactsToPriceEvents reports whether price-change events should be
// routed to OnPriceEvent. Only a zero tolerance closes on events.
func (e *Engine) ReactsToPriceEvents() bool {
	return e.cfg.Tolerance == 0
}

// Positions returns the open positions seen by the last cycle.
func (e *Engine) Positions() []model.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Position, len(e.open))
	copy(out, e.open)
	return out
}

func (e *Engine) setOpen(positions []model.Position) {
	e.mu.Lock()
	e.open = append([]model.Position(nil), positions...)
	e.mu.Unlock()
	metrics.OpenPositions.Set(float64(len(positions)))
}

// Run triggers a cycle at startup and on every tick until ctx ends. It
// returns the first fatal error raised by any queued task; the caller is
// expected to exit.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.logger.Info("engine started",
		zap.Duration("tick_interval", e.cfg.TickInterval),
		zap.Duration("tolerance", e.cfg.Tolerance),
		zap.String("pair", e.cfg.Base.Symbol+"/"+e.cfg.Quote.Symbol),
	)
	e.TriggerCycle()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-e.fatal:
			return err
		case <-ticker.C:
			e.TriggerCycle()
		}
	}
}

// TriggerCycle enqueues a cycle unless one is already waiting. It returns
// nil when the trigger was coalesced.
//
// Once the queue is halted the returned future is already resolved with
// the halt error.
func (e *Engine) TriggerCycle() *queue.Future {
	if e.queue.Halted() != nil {
		return e.enqueue("cycle", e.RunCycle)
	}
	if !e.cyclePending.CompareAndSwap(false, true) {
		e.logger.Debug("cycle already pending, skipping trigger")
		return nil
	}
	return e.enqueue("cycle", func(ctx context.Context) error {
		e.cyclePending.Store(false)
		return e.RunCycle(ctx)
	})
}

// OnPriceEvent closes and reopens every open position whose range no
// longer covers tick. It is safe to call from any goroutine.
func (e *Engine) OnPriceEvent(tick int32) *queue.Future {
	return e.enqueue("price-event", func(ctx context.Context) error {
		return e.handlePriceEvent(ctx, tick)
	})
}

// enqueue runs task on the queue. A fatal failure halts the queue before
// the next task can start, so nothing queued behind it touches the chain,
// and is forwarded to Run.
func (e *Engine) enqueue(name string, task queue.Task) *queue.Future {
	return e.queue.Enqueue(name, func(ctx context.Context) error {
		err := task(ctx)
		if model.IsFatal(err) {
			e.queue.Halt(err)
			select {
			case e.fatal <- err:
			default:
			}
		}
		return err
	})
}

// RunCycle executes one full rebalancing cycle. Per-position failures are
// logged; fatal errors abort the cycle and are returned.
func (e *Engine) RunCycle(ctx context.Context) error {
	start := time.Now()
	err := e.cycle(ctx)
	metrics.CycleDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.CyclesTotal.WithLabelValues("ok").Inc()
	case model.IsFatal(err):
		metrics.CyclesTotal.WithLabelValues("fatal").Inc()
		e.logger.Error("cycle aborted", zap.Error(err))
	default:
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		e.logger.Error("cycle failed", zap.Error(err))
	}
	return err
}

func (e *Engine) cycle(ctx context.Context) error {
	positions, err := e.fetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	e.setOpen(positions)

	if err := e.reconcile(ctx, positions); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	positions, err = e.evaluateRanges(ctx, positions)
	if err != nil {
		return err
	}
	e.setOpen(positions)

	if err := e.maybeSaveStats(ctx, positions); err != nil {
		if model.IsFatal(err) {
			return err
		}
		e.logger.Error("failed to save stats", zap.Error(err))
	}

	if err := e.maybeHeartbeat(ctx, positions); err != nil {
		if model.IsFatal(err) {
			return err
		}
		e.logger.Error("heartbeat failed", zap.Error(err))
	}

	if err := e.redeposit.Run(ctx, positions); err != nil {
		return err
	}

	if len(positions) == 0 {
		e.logger.Info("no open position, opening a new one")
		if err := e.MintOrIncrease(ctx, nil); err != nil {
			if model.IsFatal(err) {
				return err
			}
			e.logger.Warn("could not open a position", zap.Error(err))
		}
	}

	return e.redeposit.Sweep(ctx, positions)
}

// fetchPositions reads every live position of the managed pair. Reads fan
// out up to ReadConcurrency at a time.
func (e *Engine) fetchPositions(ctx context.Context) ([]model.Position, error) {
	ids, err := e.chain.PositionIDs(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*model.Position, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ReadConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			pos, err := e.chain.Position(gctx, id)
			if err != nil {
				return fmt.Errorf("position %s: %w", id, err)
			}
			results[i] = pos
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	positions := make([]model.Position, 0, len(results))
	for _, pos := range results {
		if pos == nil || !pos.Liquidity.IsPositive() {
			continue
		}
		if !e.managed(pos) {
			e.logger.Debug("ignoring position of another pair", zap.String("position_id", pos.ID))
			continue
		}
		positions = append(positions, *pos)
	}
	return positions, nil
}

func (e *Engine) managed(pos *model.Position) bool {
	return (pos.Token0.Equal(e.cfg.Base) && pos.Token1.Equal(e.cfg.Quote)) ||
		(pos.Token0.Equal(e.cfg.Quote) && pos.Token1.Equal(e.cfg.Base))
}

// reconcile creates tracking state for untracked live positions and
// retires the state of positions that no longer exist.
func (e *Engine) reconcile(ctx context.Context, positions []model.Position) error {
	records, err := e.store.ListRecords(ctx)
	if err != nil {
		return err
	}

	tracked := make(map[string]bool, len(records))
	for _, rec := range records {
		tracked[rec.PositionID] = true
	}
	live := make(map[string]bool, len(positions))
	for i := range positions {
		pos := &positions[i]
		live[pos.ID] = true
		if tracked[pos.ID] {
			continue
		}
		e.logger.Info("tracking new position", zap.String("position_id", pos.ID))
		if err := e.track(ctx, pos); err != nil {
			return fmt.Errorf("track %s: %w", pos.ID, err)
		}
	}

	for _, rec := range records {
		if live[rec.PositionID] {
			continue
		}
		e.logger.Info("position no longer exists", zap.String("position_id", rec.PositionID))
		if err := e.retire(ctx, rec.PositionID, nil); err != nil {
			return fmt.Errorf("retire %s: %w", rec.PositionID, err)
		}
	}
	return nil
}

// track creates the record and an open history entry for pos.
func (e *Engine) track(ctx context.Context, pos *model.Position) error {
	now := e.now()
	owedBase, owedQuote := pos.BaseQuote(e.cfg.Quote, pos.TokensOwed0, pos.TokensOwed1)
	rec := &model.PositionRecord{
		PositionID:               pos.ID,
		PreviousPrice:            pos.QuotePrice(e.cfg.Quote),
		PreviousOwedFeesTokenA:   owedBase,
		PreviousOwedFeesTokenB:   owedQuote,
		PreviousOwedFeesTotalUSD: pos.OwedValue(e.cfg.Quote),
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := e.store.CreateRecord(ctx, rec); err != nil {
		return err
	}
	return e.store.CreateHistory(ctx, &model.PositionHistory{
		ID:                 newID(),
		PositionID:         pos.ID,
		EnteredPriceUSD:    pos.StakeValue(e.cfg.Quote),
		LiquidityAtOpen:    pos.Liquidity,
		ReceivedFeesTokenA: decimal.Zero,
		ReceivedFeesTokenB: decimal.Zero,
		CreatedAt:          now,
	})
}

// retire seals the open history entry of id and deletes its record. When
// pos is given the closing value and liquidity are stored with the entry.
func (e *Engine) retire(ctx context.Context, id string, pos *model.Position) error {
	hist, err := e.store.LatestHistory(ctx, id)
	switch {
	case errors.Is(err, model.ErrNotFound):
		e.logger.Warn("no history to seal", zap.String("position_id", id))
	case err != nil:
		return err
	case hist.IsOpen():
		closed := e.now()
		hist.Closed = &closed
		if pos != nil {
			hist.ClosedPriceUSD = decimal.NewNullDecimal(pos.StakeValue(e.cfg.Quote))
			hist.LiquidityAtClose = decimal.NewNullDecimal(pos.Liquidity)
		}
		if err := e.store.UpdateHistory(ctx, hist); err != nil {
			return err
		}
	}

	if err := e.store.DeleteRecord(ctx, id); err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	return nil
}

// evaluateRanges advances the range state machine of every position and
// returns the positions still open afterwards.
func (e *Engine) evaluateRanges(ctx context.Context, positions []model.Position) ([]model.Position, error) {
	open := make([]model.Position, 0, len(positions))
	for i := range positions {
		pos := positions[i]
		closed, err := e.evaluate(ctx, &pos)
		if err != nil {
			if model.IsFatal(err) {
				return nil, err
			}
			e.logger.Error("range check failed", zap.String("position_id", pos.ID), zap.Error(err))
		}
		if !closed {
			open = append(open, pos)
		}
	}
	return open, nil
}

func (e *Engine) evaluate(ctx context.Context, pos *model.Position) (bool, error) {
	rec, err := e.store.GetRecord(ctx, pos.ID)
	if err != nil {
		return false, fmt.Errorf("load record: %w", err)
	}
	now := e.now()

	if !pos.OutOfRange() {
		if rec.OutOfRangeSince == nil {
			return false, nil
		}
		e.logger.Info("position back in range", zap.String("position_id", pos.ID))
		metrics.PositionEvents.WithLabelValues("back_in_range").Inc()
		rec.OutOfRangeSince = nil
		rec.UpdatedAt = now
		return false, e.store.UpdateRecord(ctx, rec)
	}

	if rec.OutOfRangeSince == nil && e.cfg.Tolerance > 0 {
		e.logger.Info("position out of range",
			zap.String("position_id", pos.ID),
			zap.Int32("tick", pos.TickCurrent),
			zap.Int32("lower", pos.TickLower),
			zap.Int32("upper", pos.TickUpper),
			zap.Duration("tolerance", e.cfg.Tolerance),
		)
		metrics.PositionEvents.WithLabelValues("out_of_range").Inc()
		rec.OutOfRangeSince = &now
		rec.UpdatedAt = now
		if err := e.store.UpdateRecord(ctx, rec); err != nil {
			return false, err
		}
		e.notify.Send(ctx, notify.Message{
			Kind:       notify.KindOutOfRange,
			PositionID: pos.ID,
			Text:       fmt.Sprintf("Out of range [%s]: closing in %s unless it recovers", pos.ID, e.cfg.Tolerance),
		})
		return false, nil
	}

	if !model.ToleranceExpired(rec.OutOfRangeSince, e.cfg.Tolerance, now) {
		return false, nil
	}
	return e.Close(ctx, *pos, rec)
}

// handlePriceEvent closes and reopens cached open positions that the new
// tick left out of range.
func (e *Engine) handlePriceEvent(ctx context.Context, tick int32) error {
	for _, pos := range e.Positions() {
		if !pos.OutOfRangeAt(tick) {
			continue
		}
		e.logger.Info("price event moved position out of range",
			zap.String("position_id", pos.ID),
			zap.Int32("tick", tick),
		)
		if err := e.closeAndReopen(ctx, pos.ID); err != nil {
			return err
		}
	}
	return nil
}

// closeAndReopen closes id without re-checking its range and opens a new
// position when it was the only one open.
func (e *Engine) closeAndReopen(ctx context.Context, id string) error {
	positions, err := e.fetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	e.setOpen(positions)

	var pos *model.Position
	for i := range positions {
		if positions[i].ID == id {
			pos = &positions[i]
			break
		}
	}
	if pos == nil {
		e.logger.Warn("position to close is gone", zap.String("position_id", id))
		return nil
	}
	rec, err := e.store.GetRecord(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		e.logger.Warn("position to close is not tracked", zap.String("position_id", id))
		return nil
	}
	if err != nil {
		return err
	}

	closed, err := e.Close(ctx, *pos, rec)
	if err != nil && model.IsFatal(err) {
		return err
	}
	if !closed {
		e.logger.Warn("close on price event failed", zap.String("position_id", id), zap.Error(err))
		return nil
	}
	if err != nil {
		e.logger.Error("bookkeeping after close failed", zap.String("position_id", id), zap.Error(err))
	}

	remaining := make([]model.Position, 0, len(positions))
	for _, p := range positions {
		if p.ID != id {
			remaining = append(remaining, p)
		}
	}
	e.setOpen(remaining)

	if len(positions) > 1 {
		return nil
	}
	if err := e.MintOrIncrease(ctx, nil); err != nil {
		if model.IsFatal(err) {
			return err
		}
		e.logger.Warn("could not reopen after close", zap.Error(err))
	}
	return nil
}
