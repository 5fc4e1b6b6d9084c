// Package api provides the operator HTTP API: read-only views of positions,
// ledger and stats, plus the two commands (withdraw profit, run a cycle
// now). Commands go through the engine's serial queue.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/lp-rebalancer/internal/engine"
	"github.com/atmx/lp-rebalancer/internal/ledger"
	"github.com/atmx/lp-rebalancer/internal/model"
	"github.com/atmx/lp-rebalancer/internal/queue"
	"github.com/atmx/lp-rebalancer/internal/store"
)

// Engine is the part of the rebalancing engine the API drives.
type Engine interface {
	Positions() []model.Position
	TriggerCycle() *queue.Future
	Withdraw(ctx context.Context, symbol string, amount decimal.Decimal, to common.Address) (*engine.Withdrawal, error)
}

// Service serves the operator API.
type Service struct {
	engine   Engine
	store    store.Store
	ledger   *ledger.Account
	validate *validator.Validate
	logger   *zap.Logger
}

// NewService creates the API service.
func NewService(eng Engine, st store.Store, acct *ledger.Account, logger *zap.Logger) *Service {
	return &Service{
		engine:   eng,
		store:    st,
		ledger:   acct,
		validate: validator.New(),
		logger:   logger.Named("api"),
	}
}

// Routes registers the /api/v1 handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/positions", s.ListPositions)
	r.Get("/positions/{positionID}/history", s.GetPositionHistory)

	r.Get("/ledger/{symbol}", s.GetLedger)
	r.Get("/ledger/{symbol}/deficits", s.ListDeficits)
	r.Get("/ledger/{symbol}/profits", s.ListProfits)

	r.Get("/stats/latest", s.GetLatestStat)

	r.Post("/withdrawals", s.Withdraw)
	r.Post("/cycle", s.TriggerCycle)
}

// --- Request/Response types ---

// PositionView is a live position with its tracking state.
type PositionView struct {
	model.Position
	State  string                `json:"state"`
	Record *model.PositionRecord `json:"record,omitempty"`
}

// WithdrawRequest is the JSON body for POST /withdrawals.
type WithdrawRequest struct {
	Symbol string          `json:"symbol" validate:"required,alphanum,max=16"`
	Amount decimal.Decimal `json:"amount"`
	To     string          `json:"to" validate:"required,eth_addr"`
}

// CycleResponse is returned from POST /cycle.
type CycleResponse struct {
	TaskID  string `json:"task_id,omitempty"`
	Pending bool   `json:"already_pending"`
}

// --- HTTP Handlers ---

// ListPositions handles GET /api/v1/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	positions := s.engine.Positions()

	views := make([]PositionView, 0, len(positions))
	for _, pos := range positions {
		view := PositionView{Position: pos, State: model.InRange.String()}
		rec, err := s.store.GetRecord(ctx, pos.ID)
		switch {
		case err == nil:
			view.Record = rec
			view.State = model.StateOf(rec).String()
		case !errors.Is(err, model.ErrNotFound):
			writeError(w, "failed to load position records", http.StatusInternalServerError)
			return
		}
		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, views)
}

// GetPositionHistory handles GET /api/v1/positions/{positionID}/history
func (s *Service) GetPositionHistory(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	history, err := s.store.ListHistory(r.Context(), positionID)
	if err != nil {
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if len(history) == 0 {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, history)
}

// GetLedger handles GET /api/v1/ledger/{symbol}
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledger.Snapshot(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// ListDeficits handles GET /api/v1/ledger/{symbol}/deficits
func (s *Service) ListDeficits(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListDeficits(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, "failed to load deficits", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.DeficitEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListProfits handles GET /api/v1/ledger/{symbol}/profits
func (s *Service) ListProfits(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListProfits(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, "failed to load profits", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.ProfitEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetLatestStat handles GET /api/v1/stats/latest
func (s *Service) GetLatestStat(w http.ResponseWriter, r *http.Request) {
	stat, err := s.store.LatestStat(r.Context())
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, "no stats recorded yet", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stat)
}

// Withdraw handles POST /api/v1/withdrawals
// Transfers held profit out of the wallet once the queue reaches it.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	res, err := s.engine.Withdraw(r.Context(), req.Symbol, req.Amount, common.HexToAddress(req.To))
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrWithdrawExceedsHoldings):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, engine.ErrUnknownSymbol):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, "withdrawal still queued", http.StatusGatewayTimeout)
		return
	case errors.Is(err, queue.ErrQueueHalted):
		writeError(w, "engine halted, withdrawal not submitted", http.StatusServiceUnavailable)
		return
	default:
		s.logger.Error("withdrawal failed", zap.String("symbol", req.Symbol), zap.Error(err))
		writeError(w, "withdrawal failed", http.StatusBadGateway)
		return
	}

	s.logger.Info("withdrawal completed",
		zap.String("symbol", res.Symbol),
		zap.Stringer("amount", res.Amount),
		zap.String("to", res.To),
	)
	writeJSON(w, http.StatusOK, res)
}

// TriggerCycle handles POST /api/v1/cycle
func (s *Service) TriggerCycle(w http.ResponseWriter, r *http.Request) {
	f := s.engine.TriggerCycle()
	if f == nil {
		writeJSON(w, http.StatusAccepted, CycleResponse{Pending: true})
		return
	}
	writeJSON(w, http.StatusAccepted, CycleResponse{TaskID: f.ID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
