package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/lp-rebalancer/internal/metrics"
	"github.com/atmx/lp-rebalancer/internal/model"
)

var (
	// ErrTxReverted is returned when a transaction was mined but reverted.
	ErrTxReverted = errors.New("chain: transaction reverted")

	// ErrGasNotBooked is returned alongside the receipt when a mined
	// transaction's gas could not be charged to the ledger.
	ErrGasNotBooked = errors.New("chain: gas cost not booked")
)

// GasLedger books transaction costs.
type GasLedger interface {
	AddDeficit(ctx context.Context, symbol string, amount decimal.Decimal, reason string) error
}

// TxConfig tunes confirmation polling.
type TxConfig struct {
	// ConfirmTimeout bounds the wait for a receipt. Exhausting it is fatal.
	ConfirmTimeout time.Duration

	// PollInterval is the first delay between receipt lookups.
	PollInterval time.Duration

	// MaxPollInterval caps the exponential delay.
	MaxPollInterval time.Duration

	// GasSymbol is the ledger symbol gas is charged in, normally the
	// wrapped native token.
	GasSymbol string
}

// TxService submits transactions, waits for them to be mined and charges
// their gas to the ledger.
type TxService struct {
	receipts ReceiptSource
	ledger   GasLedger
	cfg      TxConfig
	logger   *zap.Logger
}

// NewTxService creates a service. Zero durations fall back to five
// minutes of polling starting at one second.
func NewTxService(receipts ReceiptSource, ledger GasLedger, cfg TxConfig, logger *zap.Logger) *TxService {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = 15 * time.Second
	}
	return &TxService{
		receipts: receipts,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger.Named("tx"),
	}
}

// Execute submits one transaction and blocks until it is confirmed.
// kind labels metrics and logs; reason is stored with the gas deficit.
//
// A submission error is returned as is. A reverted receipt still pays
// gas and returns ErrTxReverted. A receipt that never shows up within
// ConfirmTimeout returns model.ErrConfirmationTimeout. Whenever the
// transaction was mined its receipt is returned, even when booking the gas
// failed with ErrGasNotBooked; callers decide on Receipt.Succeeded.
func (s *TxService) Execute(ctx context.Context, kind, reason string, submit func(context.Context) (common.Hash, error)) (*Receipt, error) {
	hash, err := submit(ctx)
	if err != nil {
		metrics.Transactions.WithLabelValues(kind, "submit_failed").Inc()
		return nil, fmt.Errorf("submit %s: %w", kind, err)
	}

	s.logger.Debug("transaction submitted", zap.String("kind", kind), zap.String("hash", hash.Hex()))

	receipt, err := s.Confirm(ctx, hash)
	if err != nil {
		metrics.Transactions.WithLabelValues(kind, "unconfirmed").Inc()
		return nil, fmt.Errorf("%s %s: %w", kind, hash.Hex(), err)
	}

	gasErr := s.chargeGas(ctx, receipt, reason)

	if !receipt.Succeeded() {
		metrics.Transactions.WithLabelValues(kind, "reverted").Inc()
		return receipt, errors.Join(fmt.Errorf("%s %s: %w", kind, hash.Hex(), ErrTxReverted), gasErr)
	}

	metrics.Transactions.WithLabelValues(kind, "confirmed").Inc()
	s.logger.Info("transaction confirmed",
		zap.String("kind", kind),
		zap.String("hash", hash.Hex()),
		zap.Uint64("gas_used", receipt.GasUsed),
		zap.Stringer("gas_cost", receipt.GasCost()),
	)
	if gasErr != nil {
		s.logger.Error("gas not booked", zap.String("kind", kind), zap.String("hash", hash.Hex()), zap.Error(gasErr))
	}
	return receipt, gasErr
}

// Confirm polls for the receipt of hash with exponential backoff.
func (s *TxService) Confirm(ctx context.Context, hash common.Hash) (*Receipt, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.PollInterval
	policy.MaxInterval = s.cfg.MaxPollInterval

	operation := func() (*Receipt, error) {
		r, err := s.receipts.Receipt(ctx, hash)
		if err != nil {
			if !errors.Is(err, ErrReceiptNotFound) {
				s.logger.Warn("receipt lookup failed", zap.String("hash", hash.Hex()), zap.Error(err))
			}
			return nil, err
		}
		return r, nil
	}

	receipt, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(s.cfg.ConfirmTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("%w after %s: %w", model.ErrConfirmationTimeout, s.cfg.ConfirmTimeout, err)
	}
	return receipt, nil
}

func (s *TxService) chargeGas(ctx context.Context, r *Receipt, reason string) error {
	cost := r.GasCost()
	if !cost.IsPositive() || s.ledger == nil {
		return nil
	}
	if err := s.ledger.AddDeficit(ctx, s.cfg.GasSymbol, cost, reason); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrGasNotBooked, r.TxHash.Hex(), err)
	}
	return nil
}
