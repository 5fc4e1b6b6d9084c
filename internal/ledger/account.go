// Package ledger keeps the per-symbol operating-cost and profit accounts.
//
// Every transaction the rebalancer pays for is booked as a deficit in the
// symbol it was paid in. Fee revenue first repays the current deficit of
// its symbol; whatever is left over is profit, a configurable share of
// which is moved into holdings. Holdings can later be withdrawn, but never
// beyond what has been recorded.
//
// Counters live as decimal strings in the property table under keys of the
// form "<Metric>-<SYMBOL>". Deficits and profits are additionally appended
// to immutable audit tables.
//
// The ledger performs read-modify-write cycles without transactions. All
// mutating callers run on the serial task queue, which is what keeps the
// counters consistent.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/lp-rebalancer/internal/metrics"
	"github.com/atmx/lp-rebalancer/internal/model"
)

var (
	// ErrInsufficientHoldings is returned when a subtraction exceeds the
	// recorded holdings. The account is left unchanged.
	ErrInsufficientHoldings = fmt.Errorf("ledger: insufficient holdings: %w", model.ErrInvariantViolation)

	// ErrNonPositiveAmount is returned for deficits or withdrawals of
	// zero or less.
	ErrNonPositiveAmount = errors.New("ledger: amount must be positive")

	// ErrNegativeCredits is returned when Payback is called with credits
	// below zero.
	ErrNegativeCredits = errors.New("ledger: credits must not be negative")
)

// Property key prefixes.
const (
	CurrentDeficitKey         = "CurrentDeficit"
	CumulativeDeficitKey      = "CumulativeDeficit"
	CurrentHoldingsKey        = "CurrentHoldings"
	CumulativeHoldingsKey     = "CumulativeHoldings"
	CumulativeFeesReceivedKey = "CumulativeFeesReceived"
)

// Repository is the persistence the ledger needs. GetProperty returns
// model.ErrNotFound for a missing key.
type Repository interface {
	GetProperty(ctx context.Context, key string) (*model.Property, error)
	SetProperty(ctx context.Context, key, value string) error
	InsertDeficit(ctx context.Context, entry *model.DeficitEntry) error
	InsertProfit(ctx context.Context, entry *model.ProfitEntry) error
}

// Balance is a point-in-time view of one symbol's counters.
type Balance struct {
	Symbol                 string          `json:"symbol"`
	Deficit                decimal.Decimal `json:"deficit"`
	CumulativeDeficit      decimal.Decimal `json:"cumulative_deficit"`
	Holdings               decimal.Decimal `json:"holdings"`
	CumulativeHoldings     decimal.Decimal `json:"cumulative_holdings"`
	CumulativeFeesReceived decimal.Decimal `json:"cumulative_fees_received"`
}

// Account books deficits, paybacks and holdings.
type Account struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewAccount creates an account on top of repo.
func NewAccount(repo Repository, logger *zap.Logger) *Account {
	return &Account{
		repo:   repo,
		logger: logger.Named("ledger"),
		now:    time.Now,
	}
}

// Key returns the property key of metric for symbol.
func Key(metric, symbol string) string {
	return metric + "-" + strings.ToUpper(symbol)
}

// AddDeficit increments the current and cumulative deficit of symbol and
// appends an audit row.
func (a *Account) AddDeficit(ctx context.Context, symbol string, amount decimal.Decimal, reason string) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	symbol = strings.ToUpper(symbol)

	a.mu.Lock()
	defer a.mu.Unlock()

	current, err := a.read(ctx, Key(CurrentDeficitKey, symbol))
	if err != nil {
		return err
	}
	cumulative, err := a.read(ctx, Key(CumulativeDeficitKey, symbol))
	if err != nil {
		return err
	}

	current = current.Add(amount)
	if err := a.write(ctx, Key(CurrentDeficitKey, symbol), current); err != nil {
		return err
	}
	if err := a.write(ctx, Key(CumulativeDeficitKey, symbol), cumulative.Add(amount)); err != nil {
		return err
	}
	if err := a.repo.InsertDeficit(ctx, &model.DeficitEntry{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: a.now(),
	}); err != nil {
		return fmt.Errorf("insert deficit %s: %w", symbol, err)
	}

	metrics.Deficit.WithLabelValues(symbol).Set(current.InexactFloat64())
	a.logger.Debug("deficit added",
		zap.String("symbol", symbol),
		zap.String("amount", amount.String()),
		zap.String("reason", reason),
		zap.String("current", current.String()),
	)
	return nil
}

// Payback applies credits against the current deficit of symbol and
// returns what is left over as profit. The deficit floors at zero.
func (a *Account) Payback(ctx context.Context, symbol string, credits decimal.Decimal) (decimal.Decimal, error) {
	if credits.IsNegative() {
		return decimal.Zero, ErrNegativeCredits
	}
	symbol = strings.ToUpper(symbol)

	a.mu.Lock()
	defer a.mu.Unlock()

	key := Key(CurrentDeficitKey, symbol)
	deficit, err := a.read(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}

	remaining := decimal.Max(decimal.Zero, deficit.Sub(credits))
	profit := decimal.Max(decimal.Zero, credits.Sub(deficit))

	if err := a.write(ctx, key, remaining); err != nil {
		return decimal.Zero, err
	}

	metrics.Deficit.WithLabelValues(symbol).Set(remaining.InexactFloat64())
	a.logger.Debug("deficit paid back",
		zap.String("symbol", symbol),
		zap.String("credits", credits.String()),
		zap.String("deficit_after", remaining.String()),
		zap.String("profit", profit.String()),
	)
	return profit, nil
}

// AddHoldings moves amount of symbol into holdings and appends a profit row
// tagged with positionID. Non-positive amounts are a no-op.
func (a *Account) AddHoldings(ctx context.Context, symbol string, amount decimal.Decimal, positionID string) error {
	if !amount.IsPositive() {
		return nil
	}
	symbol = strings.ToUpper(symbol)

	a.mu.Lock()
	defer a.mu.Unlock()

	current, err := a.read(ctx, Key(CurrentHoldingsKey, symbol))
	if err != nil {
		return err
	}
	cumulative, err := a.read(ctx, Key(CumulativeHoldingsKey, symbol))
	if err != nil {
		return err
	}

	current = current.Add(amount)
	if err := a.write(ctx, Key(CurrentHoldingsKey, symbol), current); err != nil {
		return err
	}
	if err := a.write(ctx, Key(CumulativeHoldingsKey, symbol), cumulative.Add(amount)); err != nil {
		return err
	}
	if err := a.repo.InsertProfit(ctx, &model.ProfitEntry{
		ID:         uuid.New().String(),
		PositionID: positionID,
		Symbol:     symbol,
		Amount:     amount,
		CreatedAt:  a.now(),
	}); err != nil {
		return fmt.Errorf("insert profit %s: %w", symbol, err)
	}

	metrics.Holdings.WithLabelValues(symbol).Set(current.InexactFloat64())
	a.logger.Info("holdings added",
		zap.String("symbol", symbol),
		zap.String("amount", amount.String()),
		zap.String("position_id", positionID),
		zap.String("current", current.String()),
	)
	return nil
}

// SubtractHoldings decrements the current holdings of symbol. The
// cumulative counter is never decremented.
func (a *Account) SubtractHoldings(ctx context.Context, symbol string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	symbol = strings.ToUpper(symbol)

	a.mu.Lock()
	defer a.mu.Unlock()

	key := Key(CurrentHoldingsKey, symbol)
	current, err := a.read(ctx, key)
	if err != nil {
		return err
	}
	if amount.GreaterThan(current) {
		return fmt.Errorf("%w: %s %s requested, %s held", ErrInsufficientHoldings, amount, symbol, current)
	}

	current = current.Sub(amount)
	if err := a.write(ctx, key, current); err != nil {
		return err
	}

	metrics.Holdings.WithLabelValues(symbol).Set(current.InexactFloat64())
	a.logger.Info("holdings subtracted",
		zap.String("symbol", symbol),
		zap.String("amount", amount.String()),
		zap.String("current", current.String()),
	)
	return nil
}

// AddCumulativeFeesReceived increments the gross fee income counter.
func (a *Account) AddCumulativeFeesReceived(ctx context.Context, symbol string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := Key(CumulativeFeesReceivedKey, symbol)
	total, err := a.read(ctx, key)
	if err != nil {
		return err
	}
	return a.write(ctx, key, total.Add(amount))
}

// CumulativeFeesReceived returns the gross fee income of symbol.
func (a *Account) CumulativeFeesReceived(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return a.read(ctx, Key(CumulativeFeesReceivedKey, symbol))
}

// Deficit returns the current deficit of symbol.
func (a *Account) Deficit(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return a.read(ctx, Key(CurrentDeficitKey, symbol))
}

// CumulativeDeficit returns every deficit ever booked for symbol.
func (a *Account) CumulativeDeficit(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return a.read(ctx, Key(CumulativeDeficitKey, symbol))
}

// Holdings returns the current holdings of symbol.
func (a *Account) Holdings(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return a.read(ctx, Key(CurrentHoldingsKey, symbol))
}

// CumulativeHoldings returns every amount ever moved into holdings.
func (a *Account) CumulativeHoldings(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return a.read(ctx, Key(CumulativeHoldingsKey, symbol))
}

// Snapshot reads all counters of symbol.
func (a *Account) Snapshot(ctx context.Context, symbol string) (Balance, error) {
	b := Balance{Symbol: strings.ToUpper(symbol)}
	fields := []struct {
		metric string
		dst    *decimal.Decimal
	}{
		{CurrentDeficitKey, &b.Deficit},
		{CumulativeDeficitKey, &b.CumulativeDeficit},
		{CurrentHoldingsKey, &b.Holdings},
		{CumulativeHoldingsKey, &b.CumulativeHoldings},
		{CumulativeFeesReceivedKey, &b.CumulativeFeesReceived},
	}
	for _, f := range fields {
		v, err := a.read(ctx, Key(f.metric, symbol))
		if err != nil {
			return Balance{}, err
		}
		*f.dst = v
	}
	return b, nil
}

// SplitProfit returns the share of profit that goes into holdings.
func SplitProfit(profit, takeProfitPercent decimal.Decimal) decimal.Decimal {
	if !profit.IsPositive() || !takeProfitPercent.IsPositive() {
		return decimal.Zero
	}
	return profit.Mul(takeProfitPercent).Div(decimal.NewFromInt(100))
}

func (a *Account) read(ctx context.Context, key string) (decimal.Decimal, error) {
	p, err := a.repo.GetProperty(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read %s: %w", key, err)
	}
	v, err := decimal.NewFromString(p.Value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s=%q: %w", key, p.Value, err)
	}
	return v, nil
}

func (a *Account) write(ctx context.Context, key string, v decimal.Decimal) error {
	if err := a.repo.SetProperty(ctx, key, v.String()); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
