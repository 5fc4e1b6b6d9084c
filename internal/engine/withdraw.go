package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/lp-rebalancer/internal/notify"
)

var (
	// ErrWithdrawExceedsHoldings is returned when a withdrawal asks for more
	// than the profit held for a token. Nothing is transferred.
	ErrWithdrawExceedsHoldings = errors.New("engine: withdrawal exceeds holdings")

	// ErrUnknownSymbol is returned for a token outside the managed pair.
	ErrUnknownSymbol = errors.New("engine: unknown token symbol")
)

// Withdrawal is the result of a completed profit transfer.
type Withdrawal struct {
	Symbol string          `json:"symbol"`
	Amount decimal.Decimal `json:"amount"`
	To     string          `json:"to"`
}

// Withdraw transfers amount of held profit to the address to. It runs on
// the queue and blocks until the transfer is confirmed or ctx ends.
func (e *Engine) Withdraw(ctx context.Context, symbol string, amount decimal.Decimal, to common.Address) (*Withdrawal, error) {
	var out *Withdrawal
	future := e.enqueue("withdraw", func(ctx context.Context) error {
		w, err := e.withdraw(ctx, symbol, amount, to)
		out = w
		return err
	})
	if err := future.Wait(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) withdraw(ctx context.Context, symbol string, amount decimal.Decimal, to common.Address) (*Withdrawal, error) {
	token := e.cfg.Base
	switch strings.ToUpper(symbol) {
	case strings.ToUpper(e.cfg.Base.Symbol):
	case strings.ToUpper(e.cfg.Quote.Symbol):
		token = e.cfg.Quote
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	held, err := e.ledger.Holdings(ctx, token.Symbol)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(held) {
		return nil, fmt.Errorf("%w: %s %s requested, %s held", ErrWithdrawExceedsHoldings, amount, token.Symbol, held)
	}

	e.logger.Info("withdrawing profit",
		zap.String("symbol", token.Symbol),
		zap.Stringer("amount", amount),
		zap.String("to", to.Hex()),
	)
	reason := fmt.Sprintf("withdraw %s %s to %s", amount, token.Symbol, to.Hex())
	err = e.execute(ctx, "transfer", reason, func(ctx context.Context) (common.Hash, error) {
		return e.chain.Transfer(ctx, token, to, amount)
	})
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	if err := e.ledger.SubtractHoldings(ctx, token.Symbol, amount); err != nil {
		return nil, err
	}

	e.notify.Send(ctx, notify.Message{
		Kind: notify.KindWithdrawal,
		Text: fmt.Sprintf("Withdrew %s %s to %s", amount, token.Symbol, to.Hex()),
		Fields: map[string]string{
			"symbol": token.Symbol,
			"amount": amount.String(),
			"to":     to.Hex(),
		},
	})
	return &Withdrawal{Symbol: token.Symbol, Amount: amount, To: to.Hex()}, nil
}
