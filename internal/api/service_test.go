package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atmx/lp-rebalancer/internal/api"
	"github.com/atmx/lp-rebalancer/internal/engine"
	"github.com/atmx/lp-rebalancer/internal/ledger"
	"github.com/atmx/lp-rebalancer/internal/model"
	"github.com/atmx/lp-rebalancer/internal/queue"
	"github.com/atmx/lp-rebalancer/internal/store"
)

var (
	usdc = model.NewToken("USDC", "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", 6)
	weth = model.NewToken("WETH", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", 18)
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeEngine struct {
	positions []model.Position
	queue     *queue.Queue
	pending   bool

	withdrawErr error
	withdrawn   []string
}

func (f *fakeEngine) Positions() []model.Position { return f.positions }

func (f *fakeEngine) TriggerCycle() *queue.Future {
	if f.pending {
		return nil
	}
	return f.queue.Enqueue("cycle", func(context.Context) error { return nil })
}

func (f *fakeEngine) Withdraw(_ context.Context, symbol string, amount decimal.Decimal, to common.Address) (*engine.Withdrawal, error) {
	if f.withdrawErr != nil {
		return nil, f.withdrawErr
	}
	f.withdrawn = append(f.withdrawn, symbol+":"+amount.String())
	return &engine.Withdrawal{Symbol: symbol, Amount: amount, To: to.Hex()}, nil
}

// newTestEnv creates a service over a memory store and a fake engine.
func newTestEnv(t *testing.T) (*fakeEngine, *store.MemoryStore, *ledger.Account, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	acct := ledger.NewAccount(ms, zap.NewNop())
	eng := &fakeEngine{queue: queue.New(zap.NewNop())}
	svc := api.NewService(eng, ms, acct, zap.NewNop())

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return eng, ms, acct, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func position(id string, tick int32) model.Position {
	return model.Position{
		ID:          id,
		Token0:      usdc,
		Token1:      weth,
		TickLower:   -100,
		TickUpper:   100,
		TickCurrent: tick,
		Liquidity:   d("1000"),
		Price:       d("0.0005"),
	}
}

func TestListPositions_IncludesState(t *testing.T) {
	eng, ms, _, router := newTestEnv(t)
	ctx := context.Background()
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	eng.positions = []model.Position{position("1", 0), position("2", 150), position("3", 0)}
	require.NoError(t, ms.CreateRecord(ctx, &model.PositionRecord{PositionID: "1"}))
	require.NoError(t, ms.CreateRecord(ctx, &model.PositionRecord{PositionID: "2", OutOfRangeSince: &since}))

	w := do(t, router, http.MethodGet, "/api/v1/positions", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got []struct {
		ID     string                `json:"id"`
		State  string                `json:"state"`
		Record *model.PositionRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 3)
	assert.Equal(t, "in_range", got[0].State)
	assert.Equal(t, "out_of_range", got[1].State)
	require.NotNil(t, got[1].Record)
	assert.Nil(t, got[2].Record, "untracked positions have no record")
}

func TestGetPositionHistory(t *testing.T) {
	_, ms, _, router := newTestEnv(t)
	require.NoError(t, ms.CreateHistory(context.Background(), &model.PositionHistory{
		ID: "h1", PositionID: "7", EnteredPriceUSD: d("4000"), CreatedAt: time.Now().UTC(),
	}))

	w := do(t, router, http.MethodGet, "/api/v1/positions/7/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got []model.PositionHistory
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.True(t, got[0].EnteredPriceUSD.Equal(d("4000")))

	w = do(t, router, http.MethodGet, "/api/v1/positions/8/history", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLedgerEndpoints(t *testing.T) {
	_, _, acct, router := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, acct.AddDeficit(ctx, "USDC", d("4"), "fee on swap"))
	_, err := acct.Payback(ctx, "USDC", d("10"))
	require.NoError(t, err)
	require.NoError(t, acct.AddHoldings(ctx, "USDC", d("3"), "1"))

	w := do(t, router, http.MethodGet, "/api/v1/ledger/usdc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bal ledger.Balance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.Equal(t, "USDC", bal.Symbol)
	assert.True(t, bal.Deficit.IsZero())
	assert.True(t, bal.CumulativeDeficit.Equal(d("4")))
	assert.True(t, bal.Holdings.Equal(d("3")))

	w = do(t, router, http.MethodGet, "/api/v1/ledger/USDC/deficits", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var deficits []model.DeficitEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &deficits))
	require.Len(t, deficits, 1)
	assert.Equal(t, "fee on swap", deficits[0].Reason)

	w = do(t, router, http.MethodGet, "/api/v1/ledger/WETH/profits", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestGetLatestStat(t *testing.T) {
	_, ms, _, router := newTestEnv(t)

	w := do(t, router, http.MethodGet, "/api/v1/stats/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, ms.InsertStat(context.Background(), &model.Stat{ID: "s1", TotalPositions: 4}))
	w = do(t, router, http.MethodGet, "/api/v1/stats/latest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stat model.Stat
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stat))
	assert.Equal(t, 4, stat.TotalPositions)
}

func TestWithdraw_Validation(t *testing.T) {
	eng, _, _, router := newTestEnv(t)
	to := "0x00000000000000000000000000000000000000aa"

	tests := []struct {
		name string
		body any
		code int
	}{
		{"malformed body", "not an object", http.StatusBadRequest},
		{"missing symbol", map[string]string{"amount": "1", "to": to}, http.StatusBadRequest},
		{"bad address", map[string]string{"symbol": "USDC", "amount": "1", "to": "0x12"}, http.StatusBadRequest},
		{"zero amount", map[string]string{"symbol": "USDC", "amount": "0", "to": to}, http.StatusBadRequest},
		{"negative amount", map[string]string{"symbol": "USDC", "amount": "-5", "to": to}, http.StatusBadRequest},
		{"valid", map[string]string{"symbol": "USDC", "amount": "12.5", "to": to}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/api/v1/withdrawals", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
	assert.Equal(t, []string{"USDC:12.5"}, eng.withdrawn)
}

func TestWithdraw_ErrorMapping(t *testing.T) {
	eng, _, _, router := newTestEnv(t)
	body := map[string]string{"symbol": "USDC", "amount": "1", "to": "0x00000000000000000000000000000000000000aa"}

	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: 1 USDC requested, 0 held", engine.ErrWithdrawExceedsHoldings), http.StatusConflict},
		{fmt.Errorf("%w: DAI", engine.ErrUnknownSymbol), http.StatusBadRequest},
		{model.ErrConfirmationTimeout, http.StatusBadGateway},
		{fmt.Errorf("%w: %w", queue.ErrQueueHalted, model.ErrConfirmationTimeout), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		eng.withdrawErr = tt.err
		w := do(t, router, http.MethodPost, "/api/v1/withdrawals", body)
		assert.Equal(t, tt.code, w.Code, tt.err.Error())
	}
}

func TestTriggerCycle(t *testing.T) {
	eng, _, _, router := newTestEnv(t)

	w := do(t, router, http.MethodPost, "/api/v1/cycle", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp api.CycleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.False(t, resp.Pending)

	eng.pending = true
	w = do(t, router, http.MethodPost, "/api/v1/cycle", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Pending)
}
